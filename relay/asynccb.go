package relay

import "sync"

const defaultCallbackQueueLen = 256

// CallbackQueue runs lifecycle and async-error callbacks on a single
// goroutine, so events for one connection are observed in order and never
// concurrently. A connection creates a private queue unless one is
// injected through Options; an injected queue may be shared by several
// connections and outlives them.
type CallbackQueue struct {
	mu     sync.Mutex
	ch     chan func()
	closed bool
	done   chan struct{}
}

// NewCallbackQueue starts the consumer goroutine. size bounds the number
// of callbacks waiting to run; push blocks when the queue is full rather
// than dropping or reordering.
func NewCallbackQueue(size int) *CallbackQueue {
	if size <= 0 {
		size = defaultCallbackQueueLen
	}
	queue := &CallbackQueue{
		ch:   make(chan func(), size),
		done: make(chan struct{}),
	}
	go queue.run()
	return queue
}

func (queue *CallbackQueue) run() {
	for callback := range queue.ch {
		callback()
	}
	close(queue.done)
}

// push enqueues a callback. Callbacks pushed after Close are dropped;
// close ordering guarantees the closed handler is the last event a
// connection-owned queue runs.
func (queue *CallbackQueue) push(callback func()) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.closed {
		return
	}
	// Sending under the lock keeps Close from closing the channel out from
	// under a blocked producer; the consumer never takes the lock, so a
	// full queue still drains.
	queue.ch <- callback
}

// Close stops intake, then waits for every queued callback to finish.
func (queue *CallbackQueue) Close() {
	queue.mu.Lock()
	if queue.closed {
		queue.mu.Unlock()
		return
	}
	queue.closed = true
	queue.mu.Unlock()

	close(queue.ch)
	<-queue.done
}
