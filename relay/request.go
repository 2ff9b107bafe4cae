package relay

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewInbox returns a unique subject for receiving direct replies.
func NewInbox() string {
	return inboxPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

const respTokenDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func encodeRespToken(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = respTokenDigits[n%62]
		n /= 62
	}
	return string(buf[i:])
}

// setupRespMux lazily installs the shared reply subscription: one wildcard
// inbox per connection, with each request claiming a token under it. Runs
// at most once for the connection's lifetime.
func (conn *Conn) setupRespMux() error {
	base := NewInbox()
	conn.mu.Lock()
	conn.respSub = base + "."
	conn.respMap = make(map[string]chan *Msg)
	conn.mu.Unlock()

	sub, err := conn.Subscribe(base+".*", conn.respHandler)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	conn.respMux = sub
	conn.mu.Unlock()
	return nil
}

// respHandler routes a reply to the waiting request by the trailing
// subject token. Replies for requests that already timed out are dropped.
func (conn *Conn) respHandler(msg *Msg) {
	dot := strings.LastIndexByte(msg.Subject, '.')
	if dot < 0 {
		return
	}
	token := msg.Subject[dot+1:]

	conn.mu.Lock()
	ch := conn.respMap[token]
	delete(conn.respMap, token)
	conn.mu.Unlock()

	if ch != nil {
		select {
		case ch <- msg:
		default:
		}
	}
}

// clearPendingRequestCalls fails every in-flight request. Requires the
// connection lock.
func (conn *Conn) clearPendingRequestCalls() {
	for token, ch := range conn.respMap {
		close(ch)
		delete(conn.respMap, token)
	}
}

// Request publishes data and waits up to timeout for the reply. A 503
// status reply means no subscriber was listening and maps to
// ErrNoResponders immediately rather than waiting out the timeout.
func (conn *Conn) Request(subject string, data []byte, timeout time.Duration) (*Msg, error) {
	return conn.request(subject, nil, data, timeout)
}

// RequestMsg is Request with headers.
func (conn *Conn) RequestMsg(msg *Msg, timeout time.Duration) (*Msg, error) {
	if msg == nil {
		return nil, ErrInvalidMsg
	}
	return conn.request(msg.Subject, msg.Header, msg.Data, timeout)
}

func (conn *Conn) request(subject string, header Header, data []byte, timeout time.Duration) (*Msg, error) {
	if conn == nil {
		return nil, ErrInvalidConnection
	}
	if timeout <= 0 {
		return nil, ErrBadTimeout
	}

	var setupErr error
	conn.respOnce.Do(func() { setupErr = conn.setupRespMux() })
	if setupErr != nil {
		return nil, setupErr
	}

	conn.mu.Lock()
	if conn.closed || conn.status == Closed {
		conn.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if conn.respMap == nil {
		conn.mu.Unlock()
		return nil, ErrInvalidConnection
	}
	conn.respToken++
	token := encodeRespToken(conn.respToken)
	var ch chan *Msg
	if n := len(conn.respPool); n > 0 {
		ch = conn.respPool[n-1]
		conn.respPool = conn.respPool[:n-1]
	} else {
		ch = make(chan *Msg, 1)
	}
	conn.respMap[token] = ch
	reply := conn.respSub + token
	conn.mu.Unlock()

	if err := conn.publish(subject, reply, header, data); err != nil {
		conn.mu.Lock()
		delete(conn.respMap, token)
		conn.respPool = append(conn.respPool, ch)
		conn.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			if conn.IsClosed() {
				return nil, ErrConnectionClosed
			}
			return nil, ErrDisconnected
		}
		// Clean receive: the slot can be reused. A token that timed out is
		// never recycled since a late reply could still land in its channel.
		conn.mu.Lock()
		conn.respPool = append(conn.respPool, ch)
		conn.mu.Unlock()
		if msg.isNoResponders() {
			return nil, ErrNoResponders
		}
		return msg, nil
	case <-timer.C:
		conn.mu.Lock()
		delete(conn.respMap, token)
		conn.mu.Unlock()
		return nil, ErrTimeout
	}
}
