package bot

import (
	"sync"
	"time"
)

// DefaultRateLimitWindow is the sliding window used by RateLimiter.
const DefaultRateLimitWindow = time.Minute

// RateLimiter enforces a per-user sliding-window limit on model calls.
//
// It keeps the call timestamps of each user inside the current window and
// prunes stale ones on every Allow, so memory stays bounded to O(limit)
// entries per active user. Users with no calls left in the window are
// dropped from the map entirely.
//
// A nil *RateLimiter allows everything. Safe for concurrent use.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	calls  map[string][]time.Time
}

// NewRateLimiter returns a limiter allowing limit calls per user per window.
// It returns nil (no limit) when limit <= 0. A non-positive window defaults
// to one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		calls:  make(map[string][]time.Time),
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Allow records a call for userID and reports whether it is within the limit.
// Refused calls are not recorded.
func (r *RateLimiter) Allow(userID string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(userID, now)
	if len(valid) >= r.limit {
		return false
	}
	r.calls[userID] = append(valid, now)
	return true
}

// Remaining returns how many calls userID may still make in the window.
func (r *RateLimiter) Remaining(userID string) int {
	if r == nil {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(r.limit-len(r.prune(userID, r.now())), 0)
}

// prune drops timestamps outside the window. Caller holds r.mu.
func (r *RateLimiter) prune(userID string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.calls[userID]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.calls, userID)
		return nil
	}
	r.calls[userID] = valid
	return valid
}
