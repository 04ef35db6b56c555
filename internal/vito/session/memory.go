package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. Sessions do not survive a
// restart.
//
// Locking: mu guards the map and is only held for lookup, insert and the
// sweep; each entry has its own mutex for mutation. The lock order is always
// mu then entry.mu.
type MemoryStore struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	removed bool // set when the entry is swept or reset; callers must re-fetch
	s       Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry),
	}
}

// lockEntry returns the user's entry locked, creating it if needed. An entry
// removed concurrently is replaced, so an append racing the sweep always
// lands in a live session.
func (m *MemoryStore) lockEntry(userID string) *entry {
	for {
		m.mu.Lock()
		e, ok := m.entries[userID]
		if !ok {
			e = &entry{s: newSession(userID, m.opts.Now())}
			m.entries[userID] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

func newSession(userID string, now time.Time) Session {
	return Session{ID: uuid.NewString(), UserID: userID, LastActivity: now}
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := m.lockEntry(userID)
	defer e.mu.Unlock()

	now := m.opts.Now()
	if Expired(e.s.LastActivity, m.opts.TTL, now) {
		e.s = newSession(userID, now)
	}
	out := e.s
	out.Turns = cloneTurns(e.s.Turns)
	return &out, nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, userID string, role Role, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := m.lockEntry(userID)
	defer e.mu.Unlock()

	now := m.opts.Now()
	if Expired(e.s.LastActivity, m.opts.TTL, now) {
		e.s = newSession(userID, now)
	}
	e.s.Turns = m.opts.Limits.Apply(append(e.s.Turns, Turn{Role: role, Content: content, Timestamp: now}))
	e.s.LastActivity = now
	return nil
}

// Reset implements Store.
func (m *MemoryStore) Reset(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[userID]; ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
		delete(m.entries, userID)
	}
	return nil
}

// SweepExpired implements Store. LastActivity is re-read under each entry's
// lock, so a session touched after the sweep started is kept.
func (m *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for userID, e := range m.entries {
		e.mu.Lock()
		if Expired(e.s.LastActivity, m.opts.TTL, now) {
			e.removed = true
			delete(m.entries, userID)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}

// Count implements Store.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	return nil
}
