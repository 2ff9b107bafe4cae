package relay

import (
	"sync"
	"time"
)

type subType int

const (
	// AsyncSubscription delivers through a dispatcher goroutine.
	AsyncSubscription subType = iota
	// SyncSubscription accumulates messages for NextMsg pulls.
	SyncSubscription
)

// Subscription is registered interest in a subject, optionally shared
// through a queue group. Callback subscriptions are bound at creation to
// either a dedicated dispatch goroutine or one worker of the shared pool;
// synchronous subscriptions are pulled with NextMsg.
type Subscription struct {
	mu sync.Mutex

	Subject string
	Queue   string

	sid  int64
	conn *Conn
	typ  subType
	cb   MsgHandler

	// queue is private for sync and dedicated subscriptions, shared for
	// pooled ones; ownsQueue records which, since only a private queue may
	// be closed when the subscription goes away.
	queue     *msgQueue
	ownsQueue bool

	closed     bool
	finalized  bool
	draining   bool
	connClosed bool
	sc         bool

	received  uint64
	delivered uint64
	dropped   int
	max       uint64

	pMsgs       int
	pBytes      int
	pMsgsLimit  int
	pBytesLimit int

	drainTimer *time.Timer
}

// Type reports whether this is an async or sync subscription.
func (sub *Subscription) Type() subType {
	return sub.typ
}

// IsValid reports whether the subscription is still registered.
func (sub *Subscription) IsValid() bool {
	if sub == nil {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.conn != nil && !sub.closed
}

// IsDraining reports whether a drain sequence is in progress.
func (sub *Subscription) IsDraining() bool {
	if sub == nil {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.draining && !sub.closed
}

// Delivered returns how many messages have been handed to user code.
func (sub *Subscription) Delivered() (uint64, error) {
	if sub == nil {
		return 0, ErrBadSubscription
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.conn == nil {
		return 0, ErrBadSubscription
	}
	return sub.delivered, nil
}

// Dropped returns how many messages were shed by the pending limits.
func (sub *Subscription) Dropped() (int, error) {
	if sub == nil {
		return 0, ErrBadSubscription
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.conn == nil {
		return 0, ErrBadSubscription
	}
	return sub.dropped, nil
}

// Pending returns queued message and byte counts.
func (sub *Subscription) Pending() (int, int, error) {
	if sub == nil {
		return -1, -1, ErrBadSubscription
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.conn == nil || sub.closed {
		return -1, -1, ErrBadSubscription
	}
	return sub.pMsgs, sub.pBytes, nil
}

// PendingLimits returns the admission limits; negative means unlimited.
func (sub *Subscription) PendingLimits() (int, int, error) {
	if sub == nil {
		return -1, -1, ErrBadSubscription
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.conn == nil || sub.closed {
		return -1, -1, ErrBadSubscription
	}
	return sub.pMsgsLimit, sub.pBytesLimit, nil
}

// SetPendingLimits adjusts the admission limits. Zero is invalid; use a
// negative value for unlimited.
func (sub *Subscription) SetPendingLimits(msgLimit, bytesLimit int) error {
	if sub == nil {
		return ErrBadSubscription
	}
	if msgLimit == 0 || bytesLimit == 0 {
		return ErrInvalidArg
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.conn == nil || sub.closed {
		return ErrBadSubscription
	}
	sub.pMsgsLimit, sub.pBytesLimit = msgLimit, bytesLimit
	return nil
}

// NextMsg pulls the oldest queued message, waiting up to timeout. Returns
// ErrTimeout when nothing arrives in time, ErrConnectionClosed when the
// connection went away, and ErrBadSubscription when the subscription
// itself was closed.
func (sub *Subscription) NextMsg(timeout time.Duration) (*Msg, error) {
	if sub == nil {
		return nil, ErrBadSubscription
	}
	if timeout <= 0 {
		return nil, ErrBadTimeout
	}

	sub.mu.Lock()
	if sub.conn == nil {
		sub.mu.Unlock()
		return nil, ErrBadSubscription
	}
	if sub.closed {
		err := sub.closedErrLocked()
		sub.mu.Unlock()
		return nil, err
	}
	if sub.cb != nil || sub.typ != SyncSubscription {
		sub.mu.Unlock()
		return nil, ErrSyncSubRequired
	}
	queue := sub.queue
	sub.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		entry, err := queue.popWait(deadline)
		if err != nil {
			if err == ErrTimeout {
				return nil, ErrTimeout
			}
			// Queue poisoned; report why.
			sub.mu.Lock()
			reason := sub.closedErrLocked()
			sub.mu.Unlock()
			return nil, reason
		}

		switch entry.kind {
		case entryMsg:
			return sub.consumeSync(entry.msg)
		case entryDrain:
			if done := sub.completeDrain(); done {
				return nil, ErrBadSubscription
			}
		case entryTimeout:
			sub.drainExpired()
			return nil, ErrBadSubscription
		case entryClose:
			sub.finalize()
			sub.mu.Lock()
			reason := sub.closedErrLocked()
			sub.mu.Unlock()
			return nil, reason
		}
	}
}

func (sub *Subscription) closedErrLocked() error {
	if sub.connClosed {
		return ErrConnectionClosed
	}
	return ErrBadSubscription
}

// consumeSync applies the same bookkeeping as async delivery to a pulled
// message.
func (sub *Subscription) consumeSync(msg *Msg) (*Msg, error) {
	sub.mu.Lock()
	sub.pMsgs--
	sub.pBytes -= len(msg.Data)
	sub.delivered++
	autoDone := sub.max > 0 && sub.delivered >= sub.max
	drainDone := sub.draining && sub.queue.length() == 0
	sub.mu.Unlock()

	if autoDone || drainDone {
		sub.finalize()
	}
	return msg, nil
}

// deliver runs one message through the user callback on a dispatch
// goroutine. No subscription lock is held during the callback.
func (sub *Subscription) deliver(msg *Msg) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.pMsgs--
	sub.pBytes -= len(msg.Data)
	if sub.max > 0 && sub.delivered >= sub.max {
		sub.mu.Unlock()
		return
	}
	callback := sub.cb
	sub.mu.Unlock()

	if callback != nil {
		callback(msg)
	}

	sub.mu.Lock()
	sub.delivered++
	autoDone := sub.max > 0 && sub.delivered >= sub.max
	sub.mu.Unlock()

	if autoDone {
		// The UNSUB <sid> <max> installed by AutoUnsubscribe already
		// terminated server-side interest; only local teardown remains.
		sub.finalize()
	}
}

// finalize is the terminal transition: remove from the connection table,
// stop timers, poison a private queue. Idempotent; always runs on the
// consumer side (dispatch goroutine or puller) except at connection close.
func (sub *Subscription) finalize() {
	sub.mu.Lock()
	if sub.finalized {
		sub.mu.Unlock()
		return
	}
	sub.finalized = true
	sub.closed = true
	sub.draining = false
	if sub.drainTimer != nil {
		sub.drainTimer.Stop()
		sub.drainTimer = nil
	}
	conn := sub.conn
	queue := sub.queue
	owns := sub.ownsQueue
	sub.mu.Unlock()

	if conn != nil {
		conn.removeSub(sub)
	}
	if owns && queue != nil {
		queue.close()
	}
}

// completeDrain finishes a drain if nothing is queued behind the marker;
// otherwise it re-arms the marker behind the stragglers that arrived
// between the UNSUB and the server honoring it. Returns true when the
// subscription was finalized.
func (sub *Subscription) completeDrain() bool {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return true
	}
	pending := sub.pMsgs
	queue := sub.queue
	sub.mu.Unlock()

	if pending > 0 {
		queue.push(&queueEntry{kind: entryDrain, sub: sub})
		return false
	}
	sub.finalize()
	return true
}

// drainExpired records the drain timeout as a non-fatal async error and
// forces the terminal transition.
func (sub *Subscription) drainExpired() {
	conn := sub.conn
	if conn != nil {
		conn.pushAsyncErr(sub, NewError(DrainTimeoutError, sub.Subject))
	}
	sub.finalize()
}

// Unsubscribe removes interest immediately. Queued but undelivered
// messages are discarded.
func (sub *Subscription) Unsubscribe() error {
	if sub == nil {
		return ErrBadSubscription
	}
	sub.mu.Lock()
	conn := sub.conn
	closed := sub.closed
	draining := sub.draining
	sub.mu.Unlock()
	if conn == nil || closed {
		return ErrBadSubscription
	}
	if draining {
		return ErrConnectionDraining
	}
	return conn.unsubscribe(sub, 0)
}

// AutoUnsubscribe arranges removal after max total deliveries. When the
// subscription has already delivered max or more, removal is immediate.
func (sub *Subscription) AutoUnsubscribe(max int) error {
	if sub == nil {
		return ErrBadSubscription
	}
	if max <= 0 {
		return ErrInvalidArg
	}
	sub.mu.Lock()
	conn := sub.conn
	closed := sub.closed
	sub.mu.Unlock()
	if conn == nil || closed {
		return ErrBadSubscription
	}
	return conn.unsubscribe(sub, max)
}

// Drain sends the terminating UNSUB without flushing, then lets the
// dispatch or pull path deliver what is already queued before the
// subscription is removed. The connection's drain timeout bounds the
// sequence.
func (sub *Subscription) Drain() error {
	if sub == nil {
		return ErrBadSubscription
	}
	sub.mu.Lock()
	conn := sub.conn
	closed := sub.closed
	already := sub.draining
	sub.mu.Unlock()
	if conn == nil || closed {
		return ErrBadSubscription
	}
	if already {
		return nil
	}
	return conn.drainSub(sub)
}
