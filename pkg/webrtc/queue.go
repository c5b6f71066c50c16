package webrtc

import (
	"log/slog"
	"sync"
)

// fifo is an unbounded queue with a single consumer. push never blocks.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{wake: make(chan struct{}, 1)}
}

// push appends v. It reports false once the queue is closed.
func (q *fifo[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

// pop blocks until an item is available. After close it keeps returning
// queued items and then reports false.
func (q *fifo[T]) pop() (T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *fifo[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *fifo[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatcher runs user callbacks one at a time, in post order, on its own
// goroutine. A panicking callback is logged and the next one still runs.
type dispatcher struct {
	queue  *fifo[func()]
	logger *slog.Logger
	done   chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		queue:  newFIFO[func()](),
		logger: logger,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	if !d.queue.push(fn) {
		d.logger.Debug("callback dropped after shutdown")
	}
}

// close stops accepting callbacks. Already posted callbacks still run.
func (d *dispatcher) close() {
	d.queue.close()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		fn, ok := d.queue.pop()
		if !ok {
			return
		}
		d.invoke(fn)
	}
}

func (d *dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}
