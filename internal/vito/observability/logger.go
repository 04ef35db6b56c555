// Package observability configures vito's structured logging.
//
// Every line goes through log/slog. Handlers can write to stdout or to a
// size-rotated file, carry the per-message trace ID, and scrub configured
// secrets from messages and string attributes before they are written.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bdobrica/vito/common/redact"
	"github.com/bdobrica/vito/common/trace"
)

// Options selects the handler.
type Options struct {
	// Level is debug, info, warn or error. Anything else means info.
	Level string
	// Format is "json" or "text" (the default).
	Format string
	// File, when set, sends output to a rotating log file instead of stdout.
	File       string
	MaxSizeMB  int // default 50
	MaxBackups int // default 5
	MaxAgeDays int // default 28

	// Secrets are replaced with [REDACTED] wherever they appear.
	Secrets []string

	// Output overrides the destination; used by tests.
	Output io.Writer
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger from opts. The returned closer releases the log file,
// if any.
func New(opts Options) (*slog.Logger, io.Closer) {
	out := opts.Output
	var closer io.Closer = nopCloser{}
	if out == nil {
		out = os.Stdout
		if opts.File != "" {
			lj := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    orDefault(opts.MaxSizeMB, 50),
				MaxBackups: orDefault(opts.MaxBackups, 5),
				MaxAge:     orDefault(opts.MaxAgeDays, 28),
				Compress:   true,
			}
			out, closer = lj, lj
		}
	}

	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}
	if secrets := nonEmpty(opts.Secrets); len(secrets) > 0 {
		handler = &redactingHandler{next: handler, secrets: secrets}
	}
	return slog.New(handler), closer
}

// Setup builds a logger with New and installs it as the slog default.
func Setup(opts Options) io.Closer {
	logger, closer := New(opts)
	slog.SetDefault(logger)
	return closer
}

// WithTrace returns a child of the default logger that includes the trace_id
// from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	return FromContext(ctx, slog.Default())
}

// FromContext returns logger with the trace_id from ctx attached, or logger
// itself when ctx carries none.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return logger
	}
	return logger.With("trace_id", traceID)
}

// redactingHandler scrubs secrets from the message and from string-valued
// attributes before delegating. String attributes whose key names a
// credential are replaced outright.
type redactingHandler struct {
	next    slog.Handler
	secrets []string
}

func (h *redactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, redact.String(r.Message, h.secrets...), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.scrub(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.scrub(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(scrubbed), secrets: h.secrets}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), secrets: h.secrets}
}

func (h *redactingHandler) scrub(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		if redact.SensitiveKey(a.Key) {
			return slog.Attr{Key: a.Key, Value: redact.Secret(v.String())}
		}
		return slog.String(a.Key, redact.String(v.String(), h.secrets...))
	case slog.KindGroup:
		group := v.Group()
		scrubbed := make([]any, len(group))
		for i, g := range group {
			scrubbed[i] = h.scrub(g)
		}
		return slog.Group(a.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, redact.String(err.Error(), h.secrets...))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
