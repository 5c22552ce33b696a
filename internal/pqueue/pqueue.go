// Package pqueue implements the bounded, descending-priority queue of pending
// envelopes awaiting enhancement (spec §4.3).
//
// Ordering is by descending priority with ties broken by earlier timestamp
// first. On overflow the minimum-priority entry is evicted and the push that
// displaced it is counted as a drop by the caller (the queue itself only
// reports whether an eviction occurred).
package pqueue

import (
	"container/heap"
	"context"
	"sync"

	"camwatch/internal/camframe"
)

// Queue is a bounded, priority-ordered, concurrency-safe container of
// pending frame envelopes. The zero value is not usable; construct with New.
type Queue struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	items    envelopeHeap
	capacity int
	dropped  uint64
}

// New constructs a Queue bounded to capacity entries (spec default M=100).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	q := &Queue{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
	}
	heap.Init(&q.items)
	return q
}

// Push inserts env into the queue. It reports ok=true when the insertion
// happened without eviction, and evicted=true when the lowest-priority entry
// already present was dropped to make room.
func (q *Queue) Push(env camframe.Envelope) (ok bool, evicted bool) {
	q.mu.Lock()
	if q.items.Len() >= q.capacity {
		heap.Remove(&q.items, q.items.minIndex())
		evicted = true
		q.dropped++
	}
	heap.Push(&q.items, env)
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return !evicted, evicted
}

// Pop blocks until the highest-priority envelope is available or ctx is
// done, returning it with ok=true. If ctx is cancelled first, ok is false.
func (q *Queue) Pop(ctx context.Context) (camframe.Envelope, bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			top := heap.Pop(&q.items).(camframe.Envelope)
			q.mu.Unlock()
			return top, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return camframe.Envelope{}, false
		case <-q.notEmpty:
		}
	}
}

// Size reports the current number of pending envelopes without blocking.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Dropped reports the cumulative number of envelopes evicted due to overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
