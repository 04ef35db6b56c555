package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/vito/common/retry"
	"github.com/bdobrica/vito/internal/vito/config"
	"github.com/bdobrica/vito/internal/vito/memory"
	"github.com/bdobrica/vito/internal/vito/session"
	"github.com/bdobrica/vito/internal/vito/store"
)

// Storage is every persistent handle vito uses. The database is always
// opened because the Matrix sync position lives there.
type Storage struct {
	DB       *store.Store
	Sessions session.Store
	Memory   memory.Store
}

// OpenStorage opens the database and the configured session and memory
// backends. On error everything opened so far is closed.
func OpenStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	s, err := OpenMemory(cfg)
	if err != nil {
		return nil, err
	}
	s.Sessions, err = openSessions(ctx, cfg, s.DB)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens the database and the memory backend only. The returned
// Storage has no Sessions.
func OpenMemory(cfg *config.Config) (*Storage, error) {
	slog.Info("app: opening database", "path", cfg.DatabasePath)
	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	s := &Storage{DB: db}
	s.Memory, err = openMemory(cfg, db)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openMemory(cfg *config.Config, db *store.Store) (memory.Store, error) {
	switch cfg.Memory.Backend {
	case config.MemoryFile:
		slog.Info("app: memory backend is a JSON file", "path", cfg.Memory.Path)
		m, err := memory.NewFileStore(cfg.Memory.Path, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("app: open memory file: %w", err)
		}
		return m, nil
	default:
		slog.Info("app: memory backend is sqlite")
		return memory.NewSQLiteStore(db.DB(), slog.Default()), nil
	}
}

func openSessions(ctx context.Context, cfg *config.Config, db *store.Store) (session.Store, error) {
	opts := session.Options{
		TTL:    cfg.Session.TTL,
		Limits: session.Limits{MaxTurns: cfg.Session.MaxTurns, MaxChars: cfg.Session.MaxChars},
	}
	switch cfg.Session.Backend {
	case config.SessionSQLite:
		slog.Info("app: session backend is sqlite")
		return session.NewSQLiteStore(db.DB(), opts, slog.Default()), nil
	case config.SessionRedis:
		rc := cfg.Session.Redis
		slog.Info("app: session backend is redis", "addr", rc.Addr, "db", rc.DB)
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		err := retry.Do(ctx, retry.DefaultConfig, "redis ping", func() error {
			return client.Ping(ctx).Err()
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("app: connect redis %s: %w", rc.Addr, store.Unavailable("redis ping", err))
		}
		return session.NewRedisStore(client, rc.Prefix, opts, slog.Default()), nil
	default:
		slog.Info("app: session backend is in-memory; sessions do not survive restarts")
		return session.NewMemoryStore(opts), nil
	}
}

// Close closes every backend and the database.
func (s *Storage) Close() error {
	var errs []error
	if s.Sessions != nil {
		errs = append(errs, s.Sessions.Close())
	}
	if s.Memory != nil {
		errs = append(errs, s.Memory.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
