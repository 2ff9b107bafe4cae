package relay

import (
	"runtime"
	"sync"
	"time"
)

// Queue entries are a tagged variant: user messages share the queue with
// control entries so lifecycle transitions happen on the dispatch
// goroutine, in order with the deliveries that preceded them.
type entryKind int

const (
	entryMsg entryKind = iota
	entryClose
	entryDrain
	entryTimeout
)

type queueEntry struct {
	kind entryKind
	msg  *Msg
	sub  *Subscription
	next *queueEntry
}

// msgQueue is the single queue mechanism behind every delivery mode:
// dedicated dispatch goroutines, shared pool workers and synchronous
// pulls all consume one of these. Waiters block on notEmpty, a channel
// that is closed and remade on each push into an empty queue, which gives
// timed waits without condition-variable timeouts.
type msgQueue struct {
	mu       sync.Mutex
	head     *queueEntry
	tail     *queueEntry
	count    int
	shutdown bool
	notEmpty chan struct{}
}

func newMsgQueue() *msgQueue {
	return &msgQueue{notEmpty: make(chan struct{})}
}

// push appends an entry. Entries pushed after shutdown are discarded; the
// queue is already poisoned for its consumers.
func (queue *msgQueue) push(entry *queueEntry) bool {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.shutdown {
		return false
	}
	if queue.tail != nil {
		queue.tail.next = entry
	} else {
		queue.head = entry
	}
	queue.tail = entry
	queue.count++
	if queue.count == 1 {
		queue.notifyLocked()
	}
	return true
}

func (queue *msgQueue) notifyLocked() {
	close(queue.notEmpty)
	queue.notEmpty = make(chan struct{})
}

func (queue *msgQueue) popLocked() *queueEntry {
	entry := queue.head
	queue.head = entry.next
	if queue.head == nil {
		queue.tail = nil
	}
	entry.next = nil
	queue.count--
	return entry
}

// popWait blocks until an entry is available, the queue shuts down, or the
// deadline passes. A zero deadline waits forever. Shutdown wins over
// queued entries so poisoned consumers fail fast.
func (queue *msgQueue) popWait(deadline time.Time) (*queueEntry, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		queue.mu.Lock()
		if queue.shutdown {
			queue.mu.Unlock()
			return nil, ErrConnectionClosed
		}
		if queue.count > 0 {
			entry := queue.popLocked()
			queue.mu.Unlock()
			return entry, nil
		}
		waitCh := queue.notEmpty
		queue.mu.Unlock()

		if deadline.IsZero() {
			<-waitCh
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if timer == nil {
			timer = time.NewTimer(remaining)
		} else {
			timer.Reset(remaining)
		}
		select {
		case <-waitCh:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

// close poisons the queue: pending entries are released and every waiter
// wakes with ErrConnectionClosed.
func (queue *msgQueue) close() {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.shutdown {
		return
	}
	queue.shutdown = true
	queue.head, queue.tail, queue.count = nil, nil, 0
	queue.notifyLocked()
}

func (queue *msgQueue) length() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.count
}

// dispatchLoop consumes a queue and runs subscription delivery. Dedicated
// subscriptions run one loop per subscription and exit on their close
// entry; pool workers run the same loop over a shared queue and exit only
// when the queue itself shuts down.
func dispatchLoop(queue *msgQueue, dedicated bool) {
	for {
		entry, err := queue.popWait(time.Time{})
		if err != nil {
			return
		}

		sub := entry.sub
		switch entry.kind {
		case entryMsg:
			sub.deliver(entry.msg)
		case entryClose:
			sub.finalize()
			if dedicated {
				return
			}
		case entryDrain:
			// Everything queued before the drain marker has been
			// delivered; complete the removal here so user callbacks
			// never observe a half-drained subscription. When stragglers
			// are still pending the marker was re-armed behind them and
			// this loop keeps running.
			if sub.completeDrain() && dedicated {
				return
			}
		case entryTimeout:
			sub.drainExpired()
			if dedicated {
				return
			}
		}
	}
}

// DispatcherPool is a bounded set of shared delivery workers. Each
// callback subscription created with pooled dispatch is bound to exactly
// one worker for its lifetime, so per-subscription ordering holds while
// different subscriptions interleave across workers.
type DispatcherPool struct {
	mu     sync.Mutex
	queues []*msgQueue
	next   int
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcherPool starts size workers; size <= 0 uses the CPU count.
func NewDispatcherPool(size int) *DispatcherPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	pool := &DispatcherPool{queues: make([]*msgQueue, size)}
	for i := range pool.queues {
		queue := newMsgQueue()
		pool.queues[i] = queue
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			dispatchLoop(queue, false)
		}()
	}
	return pool
}

// assign binds a subscription to the next worker, round-robin.
func (pool *DispatcherPool) assign() *msgQueue {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.closed || len(pool.queues) == 0 {
		return nil
	}
	queue := pool.queues[pool.next]
	pool.next = (pool.next + 1) % len(pool.queues)
	return queue
}

// Close shuts every worker down and waits for in-flight callbacks to
// return. Entries still queued are dropped.
func (pool *DispatcherPool) Close() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return
	}
	pool.closed = true
	queues := pool.queues
	pool.mu.Unlock()

	for _, queue := range queues {
		queue.close()
	}
	pool.wg.Wait()
}
