// Package pending tracks the single in-flight model request each user may
// have and lets it be cancelled from another message.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy is returned by Begin when the user already has a request in
	// flight.
	ErrBusy = errors.New("pending: request already in progress")

	// ErrCancelled is the cancellation cause of a request stopped with Cancel.
	ErrCancelled = errors.New("pending: request cancelled")
)

// Request describes an in-flight request.
type Request struct {
	ID      string
	UserID  string
	Started time.Time

	cancel context.CancelCauseFunc
}

// Registry maps user ID to that user's pending request. Safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*Request
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{requests: make(map[string]*Request)}
}

// Begin registers a request for userID. The returned context is cancelled by
// Cancel (with cause ErrCancelled) or when parent is done. done must be
// called when the request finishes; it releases the slot and is safe to call
// more than once. Begin returns ErrBusy if userID already has a request.
func (r *Registry) Begin(parent context.Context, userID string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.requests[userID]; busy {
		return nil, nil, ErrBusy
	}

	ctx, cancel := context.WithCancelCause(parent)
	req := &Request{ID: uuid.NewString(), UserID: userID, Started: time.Now(), cancel: cancel}
	r.requests[userID] = req

	done := func() {
		r.mu.Lock()
		if cur, ok := r.requests[userID]; ok && cur.ID == req.ID {
			delete(r.requests, userID)
		}
		r.mu.Unlock()
		cancel(nil)
	}
	return ctx, done, nil
}

// Cancel aborts userID's pending request and frees the slot immediately. It
// reports whether there was one.
func (r *Registry) Cancel(userID string) bool {
	r.mu.Lock()
	req, ok := r.requests[userID]
	if ok {
		delete(r.requests, userID)
	}
	r.mu.Unlock()

	if ok {
		req.cancel(ErrCancelled)
	}
	return ok
}

// Get returns a copy of userID's pending request.
func (r *Registry) Get(userID string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[userID]
	if !ok {
		return Request{}, false
	}
	return Request{ID: req.ID, UserID: req.UserID, Started: req.Started}, true
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// CancelAll aborts every pending request, e.g. on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	reqs := r.requests
	r.requests = make(map[string]*Request)
	r.mu.Unlock()

	for _, req := range reqs {
		req.cancel(ErrCancelled)
	}
	return len(reqs)
}

// Cancelled reports whether ctx was cancelled through Cancel or CancelAll.
func Cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrCancelled)
}
