package queue

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO queue safe for concurrent use. Put never blocks.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Put appends t to the end of the queue.
func (q *Queue[T]) Put(t T) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.notify()
}

// TryGet pops the head of the queue without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	t := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.notify()
	}
	return t, true
}

// Ready returns a channel that receives a value whenever the queue may hold items. A receive
// from it does not guarantee TryGet succeeds when there are multiple consumers.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.signal
}

// Get blocks until an item is available, timeout elapses or ctx is done. The returned bool is
// false on timeout.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if t, ok := q.TryGet(); ok {
			return t, true, nil
		}
		select {
		case <-q.signal:
		case <-timer.C:
			var zero T
			return zero, false, nil
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all queued items and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
