package relay

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const brokerWaitTimeout = 5 * time.Second

// fakeBroker is a scripted server: it completes the INFO/CONNECT/PING
// handshake, answers liveness PINGs, and exposes the control lines and
// publishes it observes so tests can assert on the wire conversation and
// inject traffic of their own.
type fakeBroker struct {
	t        *testing.T
	listener net.Listener
	sessions chan *brokerSession

	mu         sync.Mutex
	conns      []net.Conn
	autoPong   bool
	maxPayload int64
	headers    bool
	stopped    bool
}

type pubEvent struct {
	line    string
	payload string
}

// brokerSession is one accepted client socket.
type brokerSession struct {
	broker *fakeBroker
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	ops     chan string
	pubs    chan pubEvent
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake broker: %v", err)
	}
	broker := &fakeBroker{
		t:          t,
		listener:   listener,
		sessions:   make(chan *brokerSession, 8),
		autoPong:   true,
		maxPayload: 1024 * 1024,
		headers:    true,
	}
	go broker.acceptLoop()
	t.Cleanup(broker.Stop)
	return broker
}

func (broker *fakeBroker) URL() string {
	return "relay://" + broker.listener.Addr().String()
}

func (broker *fakeBroker) SetAutoPong(enabled bool) {
	broker.mu.Lock()
	broker.autoPong = enabled
	broker.mu.Unlock()
}

func (broker *fakeBroker) SetMaxPayload(limit int64) {
	broker.mu.Lock()
	broker.maxPayload = limit
	broker.mu.Unlock()
}

func (broker *fakeBroker) SetHeaders(enabled bool) {
	broker.mu.Lock()
	broker.headers = enabled
	broker.mu.Unlock()
}

func (broker *fakeBroker) Stop() {
	broker.mu.Lock()
	if broker.stopped {
		broker.mu.Unlock()
		return
	}
	broker.stopped = true
	conns := broker.conns
	broker.mu.Unlock()

	_ = broker.listener.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (broker *fakeBroker) acceptLoop() {
	for {
		conn, err := broker.listener.Accept()
		if err != nil {
			return
		}
		broker.mu.Lock()
		broker.conns = append(broker.conns, conn)
		broker.mu.Unlock()
		go broker.serve(conn)
	}
}

func (broker *fakeBroker) infoJSON() string {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	return fmt.Sprintf(`{"server_id":"FAKE","version":"0.0.0","host":"127.0.0.1","port":0,"max_payload":%d,"proto":1,"headers":%v}`,
		broker.maxPayload, broker.headers)
}

func (broker *fakeBroker) serve(conn net.Conn) {
	session := &brokerSession{
		broker: broker,
		conn:   conn,
		reader: bufio.NewReader(conn),
		ops:    make(chan string, 128),
		pubs:   make(chan pubEvent, 128),
	}
	session.sendf("INFO %s\r\n", broker.infoJSON())
	select {
	case broker.sessions <- session:
	default:
	}

	for {
		line, err := session.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "PING":
			broker.mu.Lock()
			pong := broker.autoPong
			broker.mu.Unlock()
			if pong {
				session.sendf("PONG\r\n")
			}
		case "PONG":
			// Reply to our own probe; nothing to record.
		case "PUB", "HPUB":
			size, convErr := strconv.Atoi(fields[len(fields)-1])
			if convErr != nil {
				return
			}
			payload := make([]byte, size+2)
			if _, err := io.ReadFull(session.reader, payload); err != nil {
				return
			}
			session.pubs <- pubEvent{line: line, payload: string(payload[:size])}
		default:
			session.ops <- line
		}
	}
}

func (session *brokerSession) sendf(format string, args ...interface{}) {
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	fmt.Fprintf(session.conn, format, args...)
}

func (session *brokerSession) close() {
	_ = session.conn.Close()
}

// nextOp returns the next control line starting with the given op, safe to
// call from any goroutine.
func (session *brokerSession) nextOp(op string, timeout time.Duration) (string, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case line := <-session.ops:
			if strings.HasPrefix(strings.ToUpper(line), op) {
				return line, true
			}
		case <-deadline:
			return "", false
		}
	}
}

func (session *brokerSession) nextPub(timeout time.Duration) (pubEvent, bool) {
	select {
	case pub := <-session.pubs:
		return pub, true
	case <-time.After(timeout):
		return pubEvent{}, false
	}
}

func (session *brokerSession) expectOp(t *testing.T, op string) string {
	t.Helper()
	line, ok := session.nextOp(op, brokerWaitTimeout)
	if !ok {
		t.Fatalf("timed out waiting for %s from client", op)
	}
	return line
}

func (session *brokerSession) expectPub(t *testing.T) pubEvent {
	t.Helper()
	pub, ok := session.nextPub(brokerWaitTimeout)
	if !ok {
		t.Fatalf("timed out waiting for a publish from client")
	}
	return pub
}

func (broker *fakeBroker) waitSession(t *testing.T) *brokerSession {
	t.Helper()
	select {
	case session := <-broker.sessions:
		return session
	case <-time.After(brokerWaitTimeout):
		t.Fatalf("timed out waiting for a client connection")
		return nil
	}
}

// subSid extracts the subscription id from a SUB control line.
func subSid(t *testing.T, subLine string) string {
	t.Helper()
	fields := strings.Fields(subLine)
	if len(fields) < 3 {
		t.Fatalf("malformed SUB line %q", subLine)
	}
	return fields[len(fields)-1]
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testOptions(broker *fakeBroker) *Options {
	return NewOptions().
		SetServers(broker.URL()).
		SetName("test").
		SetNoRandomize(true).
		SetReconnectWait(10 * time.Millisecond).
		SetReconnectJitter(time.Millisecond, time.Millisecond).
		SetTimeout(2 * time.Second)
}

func mustConnect(t *testing.T, broker *fakeBroker, opts *Options) *Conn {
	t.Helper()
	conn, err := opts.Connect()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}
