// Package dispatch buffers outgoing envelopes and drains them to the broker
// from a single background worker per queue.
package dispatch

import (
	"context"
	"sync"

	ring "github.com/eapache/queue"
	"github.com/google/btree"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
)

// Queue is a FIFO or priority-ordered buffer with an optional capacity.
// Push never blocks on an unbounded queue; on a bounded queue it waits for
// space. Waiters use a broadcast channel so every blocked call can also
// observe context cancellation.
type Queue[T any] struct {
	mu       sync.Mutex
	capacity int
	fifo     *ring.Queue
	tree     *btree.BTreeG[ranked[T]]
	priority func(T) int
	seq      uint64
	closed   bool
	changed  chan struct{}
}

type ranked[T any] struct {
	priority int
	seq      uint64
	value    T
}

// NewFIFO returns a queue served in arrival order. capacity <= 0 is unbounded.
func NewFIFO[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		capacity: max(capacity, 0),
		fifo:     ring.New(),
		changed:  make(chan struct{}),
	}
}

// NewPriority returns a queue served by descending priority, then arrival
// order among equal priorities.
func NewPriority[T any](capacity int, priority func(T) int) *Queue[T] {
	less := func(a, b ranked[T]) bool {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.seq < b.seq
	}
	return &Queue[T]{
		capacity: max(capacity, 0),
		tree:     btree.NewG(8, less),
		priority: priority,
		changed:  make(chan struct{}),
	}
}

// Push appends v, waiting for space when the queue is bounded and full.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errspkg.ErrQueueClosed
		}
		if q.capacity == 0 || q.lenLocked() < q.capacity {
			q.addLocked(v)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until an item is available. It returns ErrQueueClosed once the
// queue is closed and empty.
func (q *Queue[T]) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n, closed, wait := q.lenLocked(), q.closed, q.changed
		q.mu.Unlock()
		switch {
		case n > 0:
			return nil
		case closed:
			return errspkg.ErrQueueClosed
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes the head, waiting for one to arrive.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if err := q.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		q.mu.Lock()
		v, ok := q.removeLocked()
		if ok {
			q.broadcastLocked()
		}
		q.mu.Unlock()
		if ok {
			return v, nil
		}
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Capacity returns the bound, or 0 when unbounded.
func (q *Queue[T]) Capacity() int { return q.capacity }

// Close stops accepting new items. Buffered items can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcastLocked()
	}
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every buffered item in queue order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, q.lenLocked())
	for {
		v, ok := q.removeLocked()
		if !ok {
			break
		}
		out = append(out, v)
	}
	q.broadcastLocked()
	return out
}

func (q *Queue[T]) lenLocked() int {
	if q.tree != nil {
		return q.tree.Len()
	}
	return q.fifo.Length()
}

func (q *Queue[T]) addLocked(v T) {
	if q.tree != nil {
		q.seq++
		q.tree.ReplaceOrInsert(ranked[T]{priority: q.priority(v), seq: q.seq, value: v})
		return
	}
	q.fifo.Add(v)
}

func (q *Queue[T]) removeLocked() (T, bool) {
	if q.tree != nil {
		item, ok := q.tree.DeleteMin()
		return item.value, ok
	}
	if q.fifo.Length() == 0 {
		var zero T
		return zero, false
	}
	return q.fifo.Remove().(T), true
}

func (q *Queue[T]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
