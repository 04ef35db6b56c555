// Package config loads vito's settings: a YAML (or JSON) file, optionally a
// .env file beside it, and VITO_* environment variables, in increasing order
// of precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/vito/common/redact"
)

// Backend kinds.
const (
	KindGemini = "gemini"
	KindOpenAI = "openai"
)

// Session backends.
const (
	SessionMemory = "memory"
	SessionSQLite = "sqlite"
	SessionRedis  = "redis"
)

// Memory backends.
const (
	MemorySQLite = "sqlite"
	MemoryFile   = "file"
)

// Config is the complete settings document.
type Config struct {
	// Creator is the user ID with the highest privilege.
	Creator string   `yaml:"creator"`
	Admins  []string `yaml:"admins"`

	Matrix MatrixConfig `yaml:"matrix"`

	// Primary serves plain chat, newchat and recall; Secondary serves notnice.
	Primary   BackendConfig `yaml:"primary"`
	Secondary BackendConfig `yaml:"secondary"`

	// Identity is the persona preamble; empty uses the built-in one.
	Identity string `yaml:"identity"`
	// PromptMaxChars bounds the assembled prompt in runes.
	PromptMaxChars int `yaml:"prompt_max_chars"`
	// RateLimit is the number of model calls a user may make per minute.
	RateLimit int `yaml:"rate_limit"`

	Session SessionConfig `yaml:"session"`
	Memory  MemoryConfig  `yaml:"memory"`

	// DatabasePath is the SQLite file shared by the sqlite memory and session
	// backends and the Matrix sync token.
	DatabasePath string `yaml:"database_path"`
	// HTTPAddr enables /health, /status and /metrics when set, e.g. ":8080".
	HTTPAddr string `yaml:"http_addr"`

	Log LogConfig `yaml:"log"`
}

// MatrixConfig holds the homeserver credentials.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	DeviceID    string `yaml:"device_id"`
	// DisplayName is also accepted as a mention, e.g. "Vito: hello".
	DisplayName string `yaml:"display_name"`
	// Rooms are joined at startup. Invites are accepted when AutoJoin is set.
	Rooms    []string `yaml:"rooms"`
	AutoJoin bool     `yaml:"auto_join"`
}

// BackendConfig configures one model backend.
type BackendConfig struct {
	Kind      string        `yaml:"kind"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
}

// SessionConfig configures the rolling session store.
type SessionConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxTurns      int           `yaml:"max_turns"`
	MaxChars      int           `yaml:"max_chars"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig is used when Session.Backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MemoryConfig configures the persistent memory store.
type MemoryConfig struct {
	Backend string `yaml:"backend"`
	// Path is the JSON file for the file backend.
	Path string `yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns a Config with every optional field filled in.
func Default() *Config {
	return &Config{
		Primary: BackendConfig{
			Kind:    KindGemini,
			Model:   "gemini-2.5-flash-lite",
			Timeout: 60 * time.Second,
		},
		Secondary: BackendConfig{
			Kind:    KindOpenAI,
			BaseURL: "https://openrouter.ai/api/v1",
			Timeout: 60 * time.Second,
		},
		PromptMaxChars: 32000,
		RateLimit:      20,
		Session: SessionConfig{
			Backend:       SessionMemory,
			TTL:           time.Hour,
			SweepInterval: time.Minute,
			MaxTurns:      40,
			MaxChars:      24000,
			Redis:         RedisConfig{Prefix: "vito:session:"},
		},
		Memory: MemoryConfig{
			Backend: MemorySQLite,
			Path:    "memory.json",
		},
		DatabasePath: "vito.db",
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// Error is the ConfigError kind: every problem found, reported together.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	if len(e.Problems) == 1 {
		return "config: " + e.Problems[0]
	}
	return fmt.Sprintf("config: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *Error) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *Error) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// Validate checks everything vito needs to run and returns an *Error listing
// every problem, or nil.
func (c *Config) Validate() error {
	e := &Error{}
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			e.addf("%s is required", key)
		}
	}

	require(c.Creator, "creator")
	require(c.Matrix.Homeserver, "matrix.homeserver")
	require(c.Matrix.UserID, "matrix.user_id")
	require(c.Matrix.AccessToken, "matrix.access_token")

	for _, b := range []struct {
		name string
		cfg  BackendConfig
	}{{"primary", c.Primary}, {"secondary", c.Secondary}} {
		require(b.cfg.APIKey, b.name+".api_key")
		require(b.cfg.Model, b.name+".model")
		if b.cfg.Kind != KindGemini && b.cfg.Kind != KindOpenAI {
			e.addf("%s.kind must be %q or %q, got %q", b.name, KindGemini, KindOpenAI, b.cfg.Kind)
		}
		if b.cfg.Timeout <= 0 {
			e.addf("%s.timeout must be positive", b.name)
		}
	}

	c.validateStorage(e)
	return e.orNil()
}

// ValidateStorage checks only what the storage backends need. The memory CLI
// uses it so it works without chat credentials.
func (c *Config) ValidateStorage() error {
	e := &Error{}
	c.validateStorage(e)
	return e.orNil()
}

func (c *Config) validateStorage(e *Error) {
	switch c.Session.Backend {
	case SessionMemory, SessionSQLite:
	case SessionRedis:
		if c.Session.Redis.Addr == "" {
			e.addf("session.redis.addr is required when session.backend is redis")
		}
	default:
		e.addf("session.backend must be memory, sqlite or redis, got %q", c.Session.Backend)
	}
	if c.Session.TTL <= 0 {
		e.addf("session.ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		e.addf("session.sweep_interval must be positive")
	}

	switch c.Memory.Backend {
	case MemorySQLite:
	case MemoryFile:
		if c.Memory.Path == "" {
			e.addf("memory.path is required when memory.backend is file")
		}
	default:
		e.addf("memory.backend must be sqlite or file, got %q", c.Memory.Backend)
	}

	// The Matrix sync token is always kept in the database.
	if c.DatabasePath == "" {
		e.addf("database_path is required")
	}
}

// Secrets returns every credential in the config, for log redaction.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.Matrix.AccessToken, c.Primary.APIKey, c.Secondary.APIKey, c.Session.Redis.Password} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LogValue implements slog.LogValuer with credentials redacted.
func (c *Config) LogValue() slog.Value {
	backend := func(b BackendConfig) slog.Value {
		return slog.GroupValue(
			slog.String("kind", b.Kind),
			slog.String("model", b.Model),
			slog.String("base_url", b.BaseURL),
			slog.Attr{Key: "api_key", Value: redact.Secret(b.APIKey)},
		)
	}
	return slog.GroupValue(
		slog.String("creator", c.Creator),
		slog.Int("admins", len(c.Admins)),
		slog.Group("matrix",
			slog.String("homeserver", c.Matrix.Homeserver),
			slog.String("user_id", c.Matrix.UserID),
			slog.Attr{Key: "access_token", Value: redact.Secret(c.Matrix.AccessToken)},
			slog.Int("rooms", len(c.Matrix.Rooms)),
		),
		slog.Attr{Key: "primary", Value: backend(c.Primary)},
		slog.Attr{Key: "secondary", Value: backend(c.Secondary)},
		slog.Group("session",
			slog.String("backend", c.Session.Backend),
			slog.Duration("ttl", c.Session.TTL),
			slog.Int("max_turns", c.Session.MaxTurns),
		),
		slog.Group("memory",
			slog.String("backend", c.Memory.Backend),
		),
		slog.String("database_path", c.DatabasePath),
		slog.String("http_addr", c.HTTPAddr),
	)
}
