package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type blockingRunner struct {
	started *atomic.Int32
}

func (r blockingRunner) Run(ctx context.Context) error {
	r.started.Add(1)
	<-ctx.Done()
	return nil
}

type failingRunner struct{}

func (failingRunner) Run(context.Context) error { return errors.New("queue closed") }

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	d := New(nil, []Runner{blockingRunner{&started}, blockingRunner{&started}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.After(time.Second)
	for started.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("workers did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherWorkerFailureStopsPool verifies one failing worker cancels the rest.
func TestDispatcherWorkerFailureStopsPool(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	d := New(nil, []Runner{blockingRunner{&started}, failingRunner{}})
	err := d.Run(context.Background())
	if err == nil || err.Error() != "worker pool: queue closed" {
		t.Fatalf("expected wrapped worker error, got %v", err)
	}
}

type errQueue struct{ err error }

func (q errQueue) Enqueue(context.Context, promotion.Dispatch) error { return q.err }

func (q errQueue) Dequeue(context.Context) (promotion.Dispatch, error) {
	return promotion.Dispatch{}, q.err
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	base := errors.New("full")
	d := New(errQueue{err: base}, nil)
	err := d.Enqueue(context.Background(), promotion.Dispatch{NodeID: "n"})
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if err := New(errQueue{}, nil).Enqueue(context.Background(), promotion.Dispatch{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
