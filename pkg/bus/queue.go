// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package bus

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO shared between producer and consumer
// goroutines. The session uses one for the inbox (parsed messages headed for
// dispatch) and one for the outbox (RPC requests headed for the subprocess);
// items queued while no writer is running are inherited by the next writer.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
	done  chan struct{}

	closeOnce sync.Once
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends an item. Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(item T) {
	select {
	case <-q.done:
		return
	default:
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item, blocking until one is available, the queue is
// closed, or ctx is done. The second return is false on close/cancel. Items
// still queued at close time remain poppable until the queue drains.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.done:
			return zero, false
		default:
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return zero, false
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes every blocked Pop.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
