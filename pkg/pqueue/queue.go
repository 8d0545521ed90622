package pqueue

import (
	"container/heap"
	"sync"
)

// Queue is safe for concurrent use.
//
// Entries that compare equal under less are popped in insertion order.
type Queue[T any] struct {
	mu  sync.Mutex
	h   entries[T]
	seq uint64
}

type entry[T any] struct {
	v   T
	seq uint64
}

type entries[T any] struct {
	items []entry[T]
	less  func(a, b T) bool
}

func (h entries[T]) Len() int { return len(h.items) }

func (h entries[T]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.v, b.v) {
		return true
	}
	if h.less(b.v, a.v) {
		return false
	}
	return a.seq < b.seq
}

func (h entries[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *entries[T]) Push(x any) { h.items = append(h.items, x.(entry[T])) }

func (h *entries[T]) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	var zero entry[T]
	old[n-1] = zero // allow GC
	h.items = old[:n-1]
	return x
}

// New returns an empty queue ordered by less (a strict weak ordering).
func New[T any](less func(a, b T) bool) *Queue[T] {
	if less == nil {
		panic("pqueue: nil less func")
	}
	return &Queue[T]{h: entries[T]{less: less}}
}

// Push inserts v. It never fails; growth is unbounded.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, entry[T]{v: v, seq: q.seq})
	q.mu.Unlock()
}

// TryPopIf removes and returns the minimum if pred reports true for it.
//
// On an empty queue pred is not called. When pred returns false the minimum
// stays in place and the zero value is returned with false. pred runs while
// the queue is locked: it must not call back into q.
func (q *Queue[T]) TryPopIf(pred func(v T) bool) (T, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return zero, false
	}
	if !pred(q.h.items[0].v) {
		return zero, false
	}
	e := heap.Pop(&q.h).(entry[T])
	return e.v, true
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	n := q.h.Len()
	q.mu.Unlock()
	return n
}

// Clear drops every entry and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	n := q.h.Len()
	q.h.items = nil
	q.mu.Unlock()
	return n
}
