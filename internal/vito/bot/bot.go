// Package bot is vito's message pipeline: it decides whether a message is
// addressed to the bot, parses the command, checks access and runs the
// exchange against the stores and the selected model backend.
//
// The pipeline is transport-agnostic. The Matrix adapter turns sync events
// into Inbound values and implements Sender.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/vito/common/trace"
	"github.com/bdobrica/vito/internal/vito/access"
	"github.com/bdobrica/vito/internal/vito/commands"
	"github.com/bdobrica/vito/internal/vito/llm"
	"github.com/bdobrica/vito/internal/vito/memory"
	"github.com/bdobrica/vito/internal/vito/metrics"
	"github.com/bdobrica/vito/internal/vito/observability"
	"github.com/bdobrica/vito/internal/vito/pending"
	"github.com/bdobrica/vito/internal/vito/prompt"
	"github.com/bdobrica/vito/internal/vito/segment"
	"github.com/bdobrica/vito/internal/vito/session"
)

// User-visible notices.
const (
	NoticeSaved          = "saved."
	NoticeNothingToSave  = "nothing to save."
	NoticeNothingSaved   = "nothing saved."
	NoticeForgotten      = "forgotten."
	NoticeCredential     = "that looks like a credential; not saving it."
	NoticeStopped        = "stopped."
	NoticeNothingToStop  = "nothing to stop."
	NoticeDenied         = "not allowed."
	NoticeBusy           = "still working on your last message."
	NoticeSlowDown       = "slow down a little."
	NoticeNewChat        = "new chat started."
	NoticeUpstream       = "couldn't reach the model, try again later."
	NoticeUpstreamBusy   = "the model is busy right now, try again in a bit."
	NoticeStorage        = "storage is unavailable right now, try again later."
	NoticeEmptyResponse  = "(the model returned nothing)"
	recallPromptTemplate = "User asked me to recall this info: %s. Use it to answer the question if relevant."
)

// Inbound is a message received from the chat platform.
type Inbound struct {
	RoomID   string
	EventID  string
	SenderID string
	Body     string
	// Mentioned is set when the platform says the bot was mentioned even if
	// the body does not start with a mention (Matrix m.mentions).
	Mentioned bool
}

// Sender delivers replies. The first chunk of every answer goes through
// Reply, the rest through Send, in order.
type Sender interface {
	Reply(ctx context.Context, to *Inbound, text string) error
	Send(ctx context.Context, roomID, text string) error
	// Typing toggles the typing indicator. Failures are not fatal.
	Typing(ctx context.Context, roomID string, typing bool) error
}

// Backend is a model provider plus its per-request settings.
type Backend struct {
	Provider  llm.Provider
	MaxTokens int
}

// Config wires a Bot. Identity, Assembler, Primary, Secondary and Sender are
// required.
type Config struct {
	Identity  commands.Identity
	Sessions  session.Store
	Memory    memory.Store
	Assembler *prompt.Assembler
	Primary   Backend
	Secondary Backend
	Gate      *access.Gate
	Pending   *pending.Registry
	Limiter   *RateLimiter
	Metrics   *metrics.Metrics
	Sender    Sender
	Logger    *slog.Logger
	// ChunkLimit is the maximum runes per outbound message.
	ChunkLimit int
}

// Bot handles inbound messages. Handle is safe to call concurrently, once
// per message.
type Bot struct {
	cfg Config
}

// New validates cfg and returns a Bot.
func New(cfg Config) (*Bot, error) {
	var missing []string
	if cfg.Identity.UserID == "" {
		missing = append(missing, "identity")
	}
	if cfg.Assembler == nil {
		missing = append(missing, "assembler")
	}
	if cfg.Primary.Provider == nil {
		missing = append(missing, "primary backend")
	}
	if cfg.Secondary.Provider == nil {
		missing = append(missing, "secondary backend")
	}
	if cfg.Sender == nil {
		missing = append(missing, "sender")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("bot: missing %s", strings.Join(missing, ", "))
	}

	if cfg.Gate == nil {
		cfg.Gate = access.NewGate(access.Roles{})
	}
	if cfg.Pending == nil {
		cfg.Pending = pending.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = segment.DefaultLimit
	}
	return &Bot{cfg: cfg}, nil
}

// Pending returns the registry of in-flight model requests.
func (b *Bot) Pending() *pending.Registry { return b.cfg.Pending }

// Handle processes one inbound message. Messages not addressed to the bot
// are ignored. The returned error is a delivery failure; everything else is
// answered with a notice and logged.
func (b *Bot) Handle(ctx context.Context, in *Inbound) error {
	if in == nil || in.SenderID == b.cfg.Identity.UserID {
		return nil
	}
	text, addressed := commands.StripMention(in.Body, b.cfg.Identity)
	if !addressed {
		if !in.Mentioned {
			return nil
		}
		text = strings.TrimSpace(in.Body)
	}

	ctx, _ = trace.New(ctx)
	cmd := commands.Parse(text)
	logger := observability.FromContext(ctx, b.cfg.Logger).With(
		"user_id", in.SenderID,
		"room_id", in.RoomID,
		"command", cmd.Kind.String(),
	)
	b.cfg.Metrics.Message(cmd.Kind.String())
	logger.Debug("bot: message received", "event_id", in.EventID)

	ex := &exchange{bot: b, in: in, cmd: cmd, logger: logger}
	return ex.run(ctx)
}

// exchange is one inbound message being handled.
type exchange struct {
	bot    *Bot
	in     *Inbound
	cmd    commands.Command
	logger *slog.Logger
}

func (x *exchange) run(ctx context.Context) error {
	cfg := x.bot.cfg
	user := x.in.SenderID

	target := ""
	if x.cmd.Kind == commands.Stop {
		target = x.cmd.Target
	}
	if err := cfg.Gate.Authorize(user, target, actionFor(x.cmd.Kind)); err != nil {
		x.logger.Info("bot: denied", "target", target, "err", err)
		return x.notice(ctx, NoticeDenied)
	}

	switch x.cmd.Kind {
	case commands.Stop:
		return x.stop(ctx, target)
	case commands.Remember:
		return x.remember(ctx)
	case commands.Forget:
		return x.forget(ctx)
	case commands.Recall:
		return x.recall(ctx)
	case commands.Reset:
		return x.reset(ctx)
	case commands.Alternate:
		return x.converse(ctx, cfg.Secondary, x.cmd.Text)
	default:
		return x.converse(ctx, cfg.Primary, x.cmd.Text)
	}
}

func actionFor(k commands.Kind) access.Action {
	switch k {
	case commands.Alternate:
		return access.ActionAlternate
	case commands.Remember:
		return access.ActionRemember
	case commands.Recall:
		return access.ActionRecall
	case commands.Forget:
		return access.ActionForget
	case commands.Reset:
		return access.ActionReset
	case commands.Stop:
		return access.ActionStop
	default:
		return access.ActionChat
	}
}

func (x *exchange) stop(ctx context.Context, target string) error {
	if target == "" {
		target = x.in.SenderID
	}
	if !x.bot.cfg.Pending.Cancel(target) {
		return x.notice(ctx, NoticeNothingToStop)
	}
	x.logger.Info("bot: request stopped", "target", target)
	return x.notice(ctx, NoticeStopped)
}

func (x *exchange) remember(ctx context.Context) error {
	fact := x.cmd.Text
	switch {
	case fact == "":
		return x.notice(ctx, NoticeNothingToSave)
	case commands.LooksLikeSecret(fact):
		x.logger.Warn("bot: refused to remember a credential")
		return x.notice(ctx, NoticeCredential)
	case x.bot.cfg.Memory == nil:
		return x.notice(ctx, NoticeStorage)
	}
	if err := x.bot.cfg.Memory.Remember(ctx, x.in.SenderID, fact); err != nil {
		x.storageFailed("memory", "remember", err)
		return x.notice(ctx, NoticeStorage)
	}
	return x.notice(ctx, NoticeSaved)
}

func (x *exchange) forget(ctx context.Context) error {
	mem := x.bot.cfg.Memory
	if mem == nil {
		return x.notice(ctx, NoticeStorage)
	}
	_, ok, err := mem.Recall(ctx, x.in.SenderID)
	if err != nil {
		x.storageFailed("memory", "forget", err)
		return x.notice(ctx, NoticeStorage)
	}
	if !ok {
		return x.notice(ctx, NoticeNothingSaved)
	}
	if err := mem.Forget(ctx, x.in.SenderID); err != nil {
		x.storageFailed("memory", "forget", err)
		return x.notice(ctx, NoticeStorage)
	}
	return x.notice(ctx, NoticeForgotten)
}

func (x *exchange) recall(ctx context.Context) error {
	mem := x.bot.cfg.Memory
	if mem == nil {
		return x.notice(ctx, NoticeStorage)
	}
	fact, ok, err := mem.Recall(ctx, x.in.SenderID)
	if err != nil {
		x.storageFailed("memory", "recall", err)
		return x.notice(ctx, NoticeStorage)
	}
	if !ok {
		return x.notice(ctx, NoticeNothingSaved)
	}
	text := fmt.Sprintf(recallPromptTemplate, fact)
	if x.cmd.Text != "" {
		text += "\n\n" + x.cmd.Text
	}
	return x.converse(ctx, x.bot.cfg.Primary, text)
}

func (x *exchange) reset(ctx context.Context) error {
	if s := x.bot.cfg.Sessions; s != nil {
		if err := s.Reset(ctx, x.in.SenderID); err != nil {
			x.storageFailed("session", "reset", err)
			return x.notice(ctx, NoticeStorage)
		}
	}
	if x.cmd.Text == "" {
		return x.notice(ctx, NoticeNewChat)
	}
	return x.converse(ctx, x.bot.cfg.Primary, x.cmd.Text)
}

// converse runs one model exchange for text and replies with the answer.
func (x *exchange) converse(ctx context.Context, backend Backend, text string) error {
	cfg := x.bot.cfg
	user := x.in.SenderID
	if text == "" {
		x.logger.Debug("bot: empty message, nothing to send")
		return nil
	}

	reqCtx, done, err := cfg.Pending.Begin(ctx, user)
	if errors.Is(err, pending.ErrBusy) {
		return x.notice(ctx, NoticeBusy)
	}
	if err != nil {
		return err
	}
	defer done()

	if !cfg.Limiter.Allow(user) {
		x.logger.Info("bot: rate limited")
		return x.notice(ctx, NoticeSlowDown)
	}

	x.typing(ctx, true)
	defer x.typing(ctx, false)

	p, err := cfg.Assembler.Build(reqCtx, user, text)
	if err != nil {
		x.logger.Info("bot: request abandoned before dispatch", "err", err)
		return nil
	}

	name := backend.Provider.Name()
	start := time.Now()
	resp, err := backend.Provider.Complete(reqCtx, llm.CompletionRequest{
		Messages:  p.Messages(),
		MaxTokens: backend.MaxTokens,
	})
	elapsed := time.Since(start)

	switch {
	case pending.Cancelled(reqCtx):
		cfg.Metrics.Upstream(name, metrics.OutcomeCancelled, elapsed)
		x.logger.Info("bot: request cancelled", "backend", name, "elapsed", elapsed)
		return nil
	case err != nil && ctx.Err() != nil:
		cfg.Metrics.Upstream(name, metrics.OutcomeCancelled, elapsed)
		return nil
	case errors.Is(err, llm.ErrRateLimit):
		cfg.Metrics.Upstream(name, metrics.OutcomeRateLimit, elapsed)
		x.logger.Warn("bot: backend rate limited", "backend", name, "err", err)
		return x.notice(ctx, NoticeUpstreamBusy)
	case err != nil:
		cfg.Metrics.Upstream(name, metrics.OutcomeError, elapsed)
		x.logger.Warn("bot: backend request failed", "backend", name, "elapsed", elapsed, "err", err)
		return x.notice(ctx, NoticeUpstream)
	}

	cfg.Metrics.Upstream(name, metrics.OutcomeOK, elapsed)
	cfg.Metrics.Tokens(name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	x.logger.Info("bot: backend replied",
		"backend", name,
		"model", resp.Model,
		"elapsed", elapsed,
		"prompt_chars", p.Chars(),
		"reply_chars", len([]rune(resp.Text)),
	)

	x.record(ctx, text, resp.Text)

	answer := resp.Text
	if strings.TrimSpace(answer) == "" {
		answer = NoticeEmptyResponse
	}
	return x.deliver(ctx, segment.Split(answer, cfg.ChunkLimit))
}

// record appends the exchange to the session. Failures are logged only.
func (x *exchange) record(ctx context.Context, userText, reply string) {
	s := x.bot.cfg.Sessions
	if s == nil {
		return
	}
	user := x.in.SenderID
	if err := s.Append(ctx, user, session.RoleUser, userText); err != nil {
		x.storageFailed("session", "append", err)
		return
	}
	if err := s.Append(ctx, user, session.RoleAssistant, reply); err != nil {
		x.storageFailed("session", "append", err)
	}
}

func (x *exchange) deliver(ctx context.Context, chunks []string) error {
	x.bot.cfg.Metrics.Chunks(len(chunks))
	for i, c := range chunks {
		var err error
		if i == 0 {
			err = x.bot.cfg.Sender.Reply(ctx, x.in, c)
		} else {
			err = x.bot.cfg.Sender.Send(ctx, x.in.RoomID, c)
		}
		if err != nil {
			return fmt.Errorf("bot: send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (x *exchange) notice(ctx context.Context, text string) error {
	if err := x.bot.cfg.Sender.Reply(ctx, x.in, text); err != nil {
		return fmt.Errorf("bot: send notice: %w", err)
	}
	return nil
}

func (x *exchange) typing(ctx context.Context, on bool) {
	if err := x.bot.cfg.Sender.Typing(ctx, x.in.RoomID, on); err != nil {
		x.logger.Debug("bot: typing indicator failed", "err", err)
	}
}

func (x *exchange) storageFailed(store, action string, err error) {
	x.bot.cfg.Metrics.StorageError(store)
	x.logger.Warn("bot: "+store+" store unavailable", "action", action, "err", err)
}
