package sse

import "sync"

// DefaultQueueSize is the per-client event buffer.
const DefaultQueueSize = 100

// queue is a bounded FIFO that drops its oldest entry when full, so that a
// slow reader never blocks the broadcaster.
type queue struct {
	mu      sync.Mutex
	items   []Event
	head    int
	count   int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &queue{
		items:  make([]Event, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push appends ev and reports whether it was accepted.
func (q *queue) push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	idx := (q.head + q.count) % len(q.items)
	q.items[idx] = ev
	if q.count < len(q.items) {
		q.count++
	} else {
		q.head = (q.head + 1) % len(q.items)
		q.dropped++
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Event{}, false
	}
	ev := q.items[q.head]
	q.items[q.head] = Event{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return ev, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// ready signals that at least one push happened since the last receive.
func (q *queue) ready() <-chan struct{} {
	return q.notify
}
