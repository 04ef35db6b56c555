package session

import (
	"context"
	"testing"
	"time"
)

// An append that holds the entry while the sweep runs must not be lost.
func TestMemoryStore_AppendWinsOverSweep(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := NewMemoryStore(Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	if err := m.Append(ctx, "alice", RoleUser, "old"); err != nil {
		t.Fatal(err)
	}
	now = base.Add(2 * time.Hour)

	e := m.lockEntry("alice")
	swept := make(chan int)
	go func() {
		n, _ := m.SweepExpired(ctx, now)
		swept <- n
	}()
	// Activity recorded while the sweep waits for the entry lock.
	e.s.LastActivity = now
	e.mu.Unlock()

	if n := <-swept; n != 0 {
		t.Fatalf("sweep removed %d sessions, want 0", n)
	}
	if c, _ := m.Count(ctx); c != 1 {
		t.Fatalf("Count: got %d, want 1", c)
	}
}

// An append that finds its entry already swept lands in a fresh session.
func TestMemoryStore_AppendAfterSweepRecreates(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m := NewMemoryStore(Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	m.Append(ctx, "alice", RoleUser, "old")
	m.mu.Lock()
	stale := m.entries["alice"]
	m.mu.Unlock()

	now = base.Add(2 * time.Hour)
	if n, _ := m.SweepExpired(ctx, now); n != 1 {
		t.Fatalf("sweep: got %d, want 1", n)
	}
	if !stale.removed {
		t.Fatal("swept entry not marked removed")
	}

	if err := m.Append(ctx, "alice", RoleUser, "new"); err != nil {
		t.Fatal(err)
	}
	s, _ := m.GetOrCreate(ctx, "alice")
	if len(s.Turns) != 1 || s.Turns[0].Content != "new" {
		t.Fatalf("turns: %+v", s.Turns)
	}
}
