// Package memory provides the bounded in-process dispatch queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan promotion.Dispatch
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan promotion.Dispatch, capacity),
	}
}

// Enqueue pushes a dispatch into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item promotion.Dispatch) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next dispatch, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (promotion.Dispatch, error) {
	select {
	case <-ctx.Done():
		return promotion.Dispatch{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return promotion.Dispatch{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of buffered dispatches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
