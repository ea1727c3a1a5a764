// Package queue implements an unbounded FIFO queue with a readiness signal.
package queue

import "sync"

const minCapacity = 16

// Queue is an unbounded circular buffer that grows when it is full.
// Push never blocks and never drops entries.
type Queue[T any] struct {
	mut       sync.Mutex
	entries   []T
	head      int
	count     int
	readyChan chan struct{}
}

// New returns an empty queue with room for capacity entries before it needs to grow.
func New[T any](capacity uint) *Queue[T] {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Queue[T]{
		entries:   make([]T, capacity),
		readyChan: make(chan struct{}, 1),
	}
}

// Push adds an entry to the back of the queue.
func (q *Queue[T]) Push(entry T) {
	q.mut.Lock()
	defer q.mut.Unlock()

	if q.count == len(q.entries) {
		q.grow()
	}
	q.entries[(q.head+q.count)%len(q.entries)] = entry
	q.count++

	select {
	case q.readyChan <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) grow() {
	entries := make([]T, 2*len(q.entries))
	n := copy(entries, q.entries[q.head:])
	copy(entries[n:], q.entries[:q.head])
	q.entries = entries
	q.head = 0
}

// Pop removes the entry at the front of the queue and returns it.
// If the queue is empty, the zero value and false is returned.
func (q *Queue[T]) Pop() (entry T, ok bool) {
	q.mut.Lock()
	defer q.mut.Unlock()

	if q.count == 0 {
		return entry, false
	}

	entry = q.entries[q.head]
	var zero T
	q.entries[q.head] = zero
	q.head = (q.head + 1) % len(q.entries)
	q.count--

	return entry, true
}

// Len returns the number of entries in the queue.
func (q *Queue[T]) Len() int {
	q.mut.Lock()
	defer q.mut.Unlock()

	return q.count
}

// Clear removes all entries and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mut.Lock()
	defer q.mut.Unlock()

	n := q.count
	clear(q.entries)
	q.head = 0
	q.count = 0
	return n
}

// Ready returns a channel that receives a value after an entry has been pushed.
// A receiver should drain the queue with Pop before waiting on Ready again.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.readyChan
}
