package peer

import "sync"

// queue is an unbounded FIFO of continuations posted from connection
// callbacks and negotiation goroutines. push never blocks.
type queue struct {
	mu     sync.Mutex
	items  []func()
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) ready() <-chan struct{} { return q.notify }
