package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the Sweeper looks for expired sessions.
const DefaultSweepInterval = time.Minute

// Sweeper removes expired sessions on a fixed interval, independent of
// request handling.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	onSwept  func(n int)
	logger   *slog.Logger

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewSweeper creates a sweeper for store. If interval is zero it defaults to
// DefaultSweepInterval. onSwept, if non-nil, is called with every non-zero
// sweep count.
func NewSweeper(store Store, interval time.Duration, onSwept func(n int), logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
		onSwept:  onSwept,
		logger:   logger,
	}
}

// SweepOnce removes expired sessions now and returns how many went.
// Failures are logged, never returned; the next tick retries.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.store.SweepExpired(ctx, s.now())
	if err != nil {
		s.logger.Warn("session sweeper: sweep failed", "err", err)
	}
	if n > 0 {
		s.logger.Debug("session sweeper: removed expired sessions", "count", n)
		if s.onSwept != nil {
			s.onSwept(n)
		}
	}
	return n
}

// Run sweeps every interval. It blocks until ctx is cancelled or Stop is
// called. Call this in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	s.stopMu.Lock()
	if s.stopCh == nil {
		s.stopCh = make(chan struct{})
	}
	stop := s.stopCh
	s.stopMu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// Stop signals Run to return. Safe to call multiple times, and before Run.
func (s *Sweeper) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopCh == nil {
		s.stopCh = make(chan struct{})
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// SetClock overrides the sweep clock.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}
