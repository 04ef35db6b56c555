package pending_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bdobrica/vito/internal/vito/pending"
)

func TestBegin_OnePerUser(t *testing.T) {
	r := pending.NewRegistry()
	ctx := context.Background()

	_, done, err := r.Begin(ctx, "alice")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, _, err := r.Begin(ctx, "alice"); !errors.Is(err, pending.ErrBusy) {
		t.Fatalf("second Begin: got %v, want ErrBusy", err)
	}
	if _, doneBob, err := r.Begin(ctx, "bob"); err != nil {
		t.Fatalf("Begin for another user: %v", err)
	} else {
		defer doneBob()
	}
	if r.Len() != 2 {
		t.Errorf("Len: got %d, want 2", r.Len())
	}

	done()
	done()
	if _, ok := r.Get("alice"); ok {
		t.Error("alice still pending after done")
	}
	if _, done2, err := r.Begin(ctx, "alice"); err != nil {
		t.Errorf("Begin after done: %v", err)
	} else {
		done2()
	}
}

func TestCancel_AbortsOnlyTarget(t *testing.T) {
	r := pending.NewRegistry()
	ctx := context.Background()

	aliceCtx, aliceDone, _ := r.Begin(ctx, "alice")
	defer aliceDone()
	bobCtx, bobDone, _ := r.Begin(ctx, "bob")
	defer bobDone()

	if !r.Cancel("alice") {
		t.Fatal("Cancel(alice) reported nothing to cancel")
	}
	select {
	case <-aliceCtx.Done():
	default:
		t.Fatal("alice's context not cancelled")
	}
	if !pending.Cancelled(aliceCtx) {
		t.Errorf("cause: got %v, want ErrCancelled", context.Cause(aliceCtx))
	}
	if bobCtx.Err() != nil {
		t.Error("bob's context must be untouched")
	}

	if r.Cancel("alice") {
		t.Error("second Cancel should report nothing pending")
	}
	if r.Cancel("nobody") {
		t.Error("Cancel of unknown user should report false")
	}
}

func TestCancel_FreesSlotForNewRequest(t *testing.T) {
	r := pending.NewRegistry()
	ctx := context.Background()

	_, oldDone, _ := r.Begin(ctx, "alice")
	r.Cancel("alice")

	newCtx, newDone, err := r.Begin(ctx, "alice")
	if err != nil {
		t.Fatalf("Begin after Cancel: %v", err)
	}
	defer newDone()

	// The cancelled request finishing late must not release the new one.
	oldDone()
	if _, ok := r.Get("alice"); !ok {
		t.Fatal("late done() released the new request")
	}
	if newCtx.Err() != nil {
		t.Error("new request context cancelled by old done()")
	}
}

func TestDone_IsNotCancellation(t *testing.T) {
	r := pending.NewRegistry()
	ctx, done, _ := r.Begin(context.Background(), "alice")
	done()
	if pending.Cancelled(ctx) {
		t.Error("normal completion reported as cancellation")
	}
}

func TestParentCancellation(t *testing.T) {
	r := pending.NewRegistry()
	parent, cancel := context.WithCancel(context.Background())
	ctx, done, _ := r.Begin(parent, "alice")
	defer done()

	cancel()
	<-ctx.Done()
	if pending.Cancelled(ctx) {
		t.Error("shutdown reported as user cancellation")
	}
}

func TestCancelAll(t *testing.T) {
	r := pending.NewRegistry()
	var ctxs []context.Context
	for _, u := range []string{"a", "b", "c"} {
		ctx, done, _ := r.Begin(context.Background(), u)
		defer done()
		ctxs = append(ctxs, ctx)
	}
	if n := r.CancelAll(); n != 3 {
		t.Errorf("CancelAll: got %d, want 3", n)
	}
	for i, ctx := range ctxs {
		if !pending.Cancelled(ctx) {
			t.Errorf("request %d not cancelled", i)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len: %d", r.Len())
	}
}

func TestBegin_Concurrent(t *testing.T) {
	r := pending.NewRegistry()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := r.Begin(context.Background(), "alice"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 1 {
		t.Errorf("granted %d concurrent requests, want 1", granted)
	}
}
