// Package app wires vito together: storage, model backends, the message
// pipeline, the Matrix client, the session sweeper and the optional HTTP
// server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/vito/internal/vito/access"
	"github.com/bdobrica/vito/internal/vito/bot"
	"github.com/bdobrica/vito/internal/vito/commands"
	"github.com/bdobrica/vito/internal/vito/config"
	"github.com/bdobrica/vito/internal/vito/llm"
	"github.com/bdobrica/vito/internal/vito/matrix"
	"github.com/bdobrica/vito/internal/vito/metrics"
	"github.com/bdobrica/vito/internal/vito/pending"
	"github.com/bdobrica/vito/internal/vito/prompt"
	"github.com/bdobrica/vito/internal/vito/session"
)

// App is a configured vito instance.
type App struct {
	cfg      *config.Config
	storage  *Storage
	metrics  *metrics.Metrics
	pending  *pending.Registry
	bot      *bot.Bot
	matrix   *matrix.Client
	sweeper  *session.Sweeper
	health   *HealthServer
	stopOnce sync.Once
}

// New builds every component from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	storage, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		storage: storage,
		metrics: metrics.New(),
		pending: pending.NewRegistry(),
	}

	a.matrix, err = matrix.New(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		DeviceID:    cfg.Matrix.DeviceID,
		Rooms:       cfg.Matrix.Rooms,
		AutoJoin:    cfg.Matrix.AutoJoin,
		DB:          storage.DB.DB(),
	})
	if err != nil {
		storage.Close()
		return nil, err
	}

	a.bot, err = bot.New(bot.Config{
		Identity: commands.Identity{UserID: cfg.Matrix.UserID, DisplayName: cfg.Matrix.DisplayName},
		Sessions: storage.Sessions,
		Memory:   storage.Memory,
		Assembler: &prompt.Assembler{
			Sessions:       storage.Sessions,
			Memory:         storage.Memory,
			Identity:       cfg.Identity,
			MaxChars:       cfg.PromptMaxChars,
			OnStorageError: a.metrics.StorageError,
		},
		Primary:   Backend(cfg.Primary),
		Secondary: Backend(cfg.Secondary),
		Gate:      access.NewGate(access.Roles{Creator: cfg.Creator, Admins: cfg.Admins}),
		Pending:   a.pending,
		Limiter:   bot.NewRateLimiter(cfg.RateLimit, bot.DefaultRateLimitWindow),
		Metrics:   a.metrics,
		Sender:    a.matrix,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}

	a.sweeper = session.NewSweeper(storage.Sessions, cfg.Session.SweepInterval, a.metrics.SessionsSwept, slog.Default())

	a.metrics.RegisterGauges(a.activeSessionsGauge, func() float64 { return float64(a.pending.Len()) })
	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a)
		a.health.Handle("GET /metrics", a.metrics.Handler())
	}

	slog.Info("app: ready",
		"user_id", cfg.Matrix.UserID,
		"primary", cfg.Primary.Kind+"/"+cfg.Primary.Model,
		"secondary", cfg.Secondary.Kind+"/"+cfg.Secondary.Model,
		"session_backend", cfg.Session.Backend,
		"memory_backend", cfg.Memory.Backend,
	)
	return a, nil
}

// Backend builds the model backend described by bc.
func Backend(bc config.BackendConfig) bot.Backend {
	var p llm.Provider
	switch bc.Kind {
	case config.KindOpenAI:
		p = llm.NewOpenAI(llm.OpenAIConfig{APIKey: bc.APIKey, BaseURL: bc.BaseURL, Model: bc.Model, Timeout: bc.Timeout})
	default:
		p = llm.NewGemini(llm.GeminiConfig{APIKey: bc.APIKey, BaseURL: bc.BaseURL, Model: bc.Model, Timeout: bc.Timeout})
	}
	return bot.Backend{Provider: p, MaxTokens: bc.MaxTokens}
}

// Run sweeps expired sessions once, then serves until ctx is cancelled or
// SIGINT/SIGTERM arrives. It calls Stop before returning.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer a.Stop()

	if n := a.sweeper.SweepOnce(ctx); n > 0 {
		slog.Info("app: removed sessions that expired while offline", "count", n)
	}

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("app: health server failed to start; continuing without it", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("app: starting Matrix sync")
		if err := a.matrix.Start(gctx, a.handle); err != nil {
			return fmt.Errorf("app: matrix: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		slog.Info("app: shutdown requested")
	}
	return err
}

// handle runs the pipeline for one message. It is called on its own
// goroutine by the Matrix client.
func (a *App) handle(ctx context.Context, in *bot.Inbound) {
	if err := a.bot.Handle(ctx, in); err != nil {
		slog.Warn("app: message not delivered", "room_id", in.RoomID, "user_id", in.SenderID, "err", err)
	}
}

// Stop cancels in-flight requests, stops the sync loop and sweeper, and
// closes storage. Safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		if n := a.pending.CancelAll(); n > 0 {
			slog.Info("app: cancelled in-flight requests", "count", n)
		}
		slog.Info("app: stopping Matrix client")
		a.matrix.Stop()
		a.sweeper.Stop()
		if a.health != nil {
			a.health.Stop()
		}
		slog.Info("app: closing storage")
		if err := a.storage.Close(); err != nil {
			slog.Warn("app: close storage", "err", err)
		}
	})
}

// ActiveSessions implements statusProvider.
func (a *App) ActiveSessions(ctx context.Context) (int, error) {
	return a.storage.Sessions.Count(ctx)
}

// PendingRequests implements statusProvider.
func (a *App) PendingRequests() int {
	return a.pending.Len()
}

func (a *App) activeSessionsGauge() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := a.storage.Sessions.Count(ctx)
	if err != nil {
		a.metrics.StorageError("session")
		return 0
	}
	return float64(n)
}
