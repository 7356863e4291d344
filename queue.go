package netline

import (
	"context"
	"sync"

	"github.com/kestrelnet/netline/internal/xerrors"
)

// Queue is a thread-safe FIFO supporting push at either end, pop from the
// front, and a blocking Wait that returns once the queue is non-empty. It
// backs the inbox (owned by a Server/Client, shared with every Connection
// it creates).
//
// Front and Back return copies taken under the lock rather than references
// into the backing store, so a caller can never observe a slot the queue
// has already reused or cleared out from under them.
type Queue[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	data []T
}

// NewQueue returns an empty Queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// PushFront inserts item at the front of the queue.
func (q *Queue[T]) PushFront(item T) {
	q.mu.Lock()
	q.data = append([]T{item}, q.data...)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// PushBack inserts item at the back of the queue.
func (q *Queue[T]) PushBack(item T) {
	q.mu.Lock()
	q.data = append(q.data, item)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// PopFront removes and returns the item at the front of the queue, or a
// KindEmpty error if the queue is empty.
func (q *Queue[T]) PopFront() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.data) == 0 {
		return zero, xerrors.New(xerrors.KindEmpty, "queue.pop_front", nil)
	}
	item := q.data[0]
	q.data = q.data[1:]
	return item, nil
}

// Front returns a copy of the item at the front of the queue without
// removing it.
func (q *Queue[T]) Front() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.data) == 0 {
		return zero, xerrors.New(xerrors.KindEmpty, "queue.front", nil)
	}
	return q.data[0], nil
}

// Back returns a copy of the item at the back of the queue without removing
// it.
func (q *Queue[T]) Back() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.data) == 0 {
		return zero, xerrors.New(xerrors.KindEmpty, "queue.back", nil)
	}
	return q.data[len(q.data)-1], nil
}

// Empty reports whether the queue currently has no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data) == 0
}

// Count returns the number of items currently in the queue.
func (q *Queue[T]) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Clear removes every item from the queue.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.data = nil
	q.mu.Unlock()
}

// Wait blocks until the queue is non-empty or ctx is done, rechecking
// emptiness after every wake so spurious wakes can't return early. sync.Cond
// has no native way to observe context cancellation, so a short-lived
// goroutine watches ctx.Done and broadcasts to unblock a waiter stuck on an
// empty queue that will never be pushed to again.
func (q *Queue[T]) Wait(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.data) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}
