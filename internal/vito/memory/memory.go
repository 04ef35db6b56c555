// Package memory implements vito's persistent memory: one free-text fact per
// user that survives restarts and is injected into every prompt for that user.
package memory

import (
	"context"
	"strings"
)

// Store is the persistent memory contract. A user has at most one fact;
// Remember overwrites whatever was there before.
//
// All I/O failures are wrapped with store.ErrUnavailable.
type Store interface {
	// Remember stores fact for userID, replacing any previous fact.
	Remember(ctx context.Context, userID, fact string) error

	// Recall returns the stored fact. ok is false (with a nil error) when
	// the user has nothing saved.
	Recall(ctx context.Context, userID string) (fact string, ok bool, err error)

	// Forget deletes the user's fact. Forgetting an absent fact is not an error.
	Forget(ctx context.Context, userID string) error

	// Close releases the backend.
	Close() error
}

// normalize trims the fact; an all-whitespace fact counts as absent.
func normalize(fact string) string {
	return strings.TrimSpace(fact)
}
