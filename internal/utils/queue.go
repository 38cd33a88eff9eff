package utils

import "sync"

// An unbounded FIFO feeding a channel. Push never blocks, so event producers
// (pion callbacks, the session itself) cannot stall on a slow consumer.
//
// After Close, items already pushed are still delivered, then the channel is closed.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	notify chan struct{}
	out    chan T
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
	}
	go q.run()
	return q
}

func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) Out() <-chan T {
	return q.out
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	var zero T
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.notify
			q.mu.Lock()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		item := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- item
	}
}
