// Package session holds the rolling per-user conversation window. A session
// is created on a user's first message, grows by one turn per message and
// reply, and is discarded after an hour without activity.
package session

import (
	"context"
	"time"
	"unicode/utf8"
)

// DefaultTTL is the inactivity window after which a session is swept.
const DefaultTTL = time.Hour

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a session.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a snapshot of one user's conversation. Stores return copies;
// mutating a returned Session has no effect on the store.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Turns        []Turn    `json:"turns"`
	LastActivity time.Time `json:"last_activity"`
}

// Chars returns the total rune count of all turns.
func (s *Session) Chars() int {
	return countChars(s.Turns)
}

// Limits bounds the size of a session. Zero disables a bound.
type Limits struct {
	MaxTurns int
	MaxChars int
}

// DefaultLimits keeps roughly twenty exchanges.
var DefaultLimits = Limits{MaxTurns: 40, MaxChars: 24000}

// Apply drops the oldest turns until both bounds hold. The newest turn is
// always kept, even when it alone exceeds MaxChars.
func (l Limits) Apply(turns []Turn) []Turn {
	chars := countChars(turns)
	drop := 0
	for drop < len(turns)-1 {
		n := len(turns) - drop
		overTurns := l.MaxTurns > 0 && n > l.MaxTurns
		overChars := l.MaxChars > 0 && chars > l.MaxChars
		if !overTurns && !overChars {
			break
		}
		chars -= utf8.RuneCountInString(turns[drop].Content)
		drop++
	}
	if drop == 0 {
		return turns
	}
	return append([]Turn(nil), turns[drop:]...)
}

// Expired reports whether a session last active at last has outlived ttl.
func Expired(last time.Time, ttl time.Duration, now time.Time) bool {
	return !last.Add(ttl).After(now)
}

// Store is the session persistence contract. Implementations are safe for
// concurrent use; storage failures are wrapped with store.ErrUnavailable.
type Store interface {
	// GetOrCreate returns the user's live session, starting an empty one when
	// none exists or the previous one has expired.
	GetOrCreate(ctx context.Context, userID string) (*Session, error)

	// Append adds a turn, refreshes LastActivity and enforces Limits.
	Append(ctx context.Context, userID string, role Role, content string) error

	// Reset empties the user's session. Resetting twice is the same as once.
	Reset(ctx context.Context, userID string) error

	// SweepExpired removes every session whose LastActivity+TTL <= now and
	// returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// Count returns the number of stored sessions.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Options configures a Store.
type Options struct {
	TTL    time.Duration
	Limits Limits
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func countChars(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += utf8.RuneCountInString(t.Content)
	}
	return n
}

func cloneTurns(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}
	return append([]Turn(nil), turns...)
}
