// Package queue provides an unbounded FIFO whose Push never blocks.
//
// Listener callbacks from transports and the media engine run on goroutines we
// do not own; pushing into a Queue lets them hand work to a single consumer
// without ever waiting on it.
package queue

import "sync"

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	sealed bool
	closed bool

	notify chan struct{}
	done   chan struct{}
	out    chan T
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go q.pump()
	return q
}

// Push appends item. It reports false once the queue is sealed or closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.sealed || q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.wake()
	return true
}

// C delivers items in push order. It is closed after Close, or after Seal once
// every pending item has been received.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Seal rejects further pushes but keeps delivering what is already queued.
func (q *Queue[T]) Seal() {
	q.mu.Lock()
	q.sealed = true
	q.mu.Unlock()
	q.wake()
}

// Close discards pending items and closes C.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			sealed := q.sealed
			q.mu.Unlock()
			if sealed {
				return
			}
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}

		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case <-q.done:
			return
		}
	}
}
