package relay

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

type captureAddr struct{}

func (captureAddr) Network() string { return "tcp" }
func (captureAddr) String() string  { return "127.0.0.1:0" }

// captureConn records everything written to it; reads report EOF.
type captureConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (cc *captureConn) Read([]byte) (int, error) { return 0, io.EOF }

func (cc *captureConn) Write(p []byte) (int, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.buf.Write(p)
}

func (cc *captureConn) Close() error                     { return nil }
func (cc *captureConn) LocalAddr() net.Addr              { return captureAddr{} }
func (cc *captureConn) RemoteAddr() net.Addr             { return captureAddr{} }
func (cc *captureConn) SetDeadline(time.Time) error      { return nil }
func (cc *captureConn) SetReadDeadline(time.Time) error  { return nil }
func (cc *captureConn) SetWriteDeadline(time.Time) error { return nil }

func (cc *captureConn) Written() string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.buf.String()
}

func newParserTestConn(t *testing.T) *Conn {
	t.Helper()
	pool, err := newServerPool([]string{"relay://127.0.0.1:4222"}, false)
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}
	ach := NewCallbackQueue(0)
	t.Cleanup(ach.Close)

	conn := &Conn{
		opts:    *NewOptions(),
		status:  Connected,
		netc:    &captureConn{},
		bw:      newOutputBuffer(defaultBufSize),
		scratch: make([]byte, 0, 128),
		fch:     make(chan struct{}, 1),
		subs:    make(map[int64]*Subscription),
		pool:    pool,
		ach:     ach,
	}
	conn.opts.AllowReconnect = false
	conn.current = pool.servers[0]
	return conn
}

func addSyncSub(conn *Conn, sid int64, subject string) *Subscription {
	sub := &Subscription{
		Subject:     subject,
		conn:        conn,
		typ:         SyncSubscription,
		sid:         sid,
		queue:       newMsgQueue(),
		ownsQueue:   true,
		pMsgsLimit:  defaultSubPendingMsgs,
		pBytesLimit: defaultSubPendingBytes,
	}
	conn.subs[sid] = sub
	return sub
}

func feed(t *testing.T, conn *Conn, chunks ...string) {
	t.Helper()
	for _, chunk := range chunks {
		if err := conn.parse([]byte(chunk)); err != nil {
			t.Fatalf("parse failed on %q: %v", chunk, err)
		}
	}
}

func TestParserMessageWholeRead(t *testing.T) {
	conn := newParserTestConn(t)
	sub := addSyncSub(conn, 1, "greet")

	feed(t, conn, "MSG greet 1 5\r\nhello\r\n")
	msg, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg failed: %v", err)
	}
	if msg.Subject != "greet" || msg.Reply != "" || string(msg.Data) != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if stats := conn.Stats(); stats.InMsgs != 1 || stats.InBytes != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestParserMessageSplitEverywhere(t *testing.T) {
	wire := "MSG greet 1 reply.to 11\r\nhello world\r\nPING\r\n"
	for cut := 1; cut < len(wire); cut++ {
		conn := newParserTestConn(t)
		sub := addSyncSub(conn, 1, "greet")

		feed(t, conn, wire[:cut], wire[cut:])
		msg, err := sub.NextMsg(time.Second)
		if err != nil {
			t.Fatalf("cut %d: NextMsg failed: %v", cut, err)
		}
		if msg.Subject != "greet" || msg.Reply != "reply.to" || string(msg.Data) != "hello world" {
			t.Fatalf("cut %d: unexpected message %+v", cut, msg)
		}
		if written := conn.netc.(*captureConn).Written(); written != "PONG\r\n" {
			t.Fatalf("cut %d: expected a PONG after the trailing PING, wrote %q", cut, written)
		}
		sub.queue.close()
	}
}

func TestParserHeaderMessage(t *testing.T) {
	conn := newParserTestConn(t)
	sub := addSyncSub(conn, 7, "tagged")

	hdrBlock := "RELAY/1.0\r\nX-Id: 9\r\n\r\n"
	wire := "HMSG tagged 7 " +
		itoa(len(hdrBlock)) + " " + itoa(len(hdrBlock)+4) + "\r\n" + hdrBlock + "data\r\n"
	// Split inside the header block.
	feed(t, conn, wire[:len(wire)/2], wire[len(wire)/2:])

	msg, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg failed: %v", err)
	}
	if msg.Header.Get("X-Id") != "9" || string(msg.Data) != "data" {
		t.Fatalf("unexpected header message %+v", msg)
	}
}

func TestParserInlineStatusReply(t *testing.T) {
	conn := newParserTestConn(t)
	sub := addSyncSub(conn, 2, "inbox")

	hdrBlock := "RELAY/1.0 503\r\n\r\n"
	feed(t, conn, "HMSG inbox 2 "+itoa(len(hdrBlock))+" "+itoa(len(hdrBlock))+"\r\n"+hdrBlock+"\r\n")
	msg, err := sub.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("NextMsg failed: %v", err)
	}
	if !msg.isNoResponders() {
		t.Fatalf("expected a no-responders reply, got %+v", msg)
	}
}

func TestParserUnknownSidDropped(t *testing.T) {
	conn := newParserTestConn(t)
	sub := addSyncSub(conn, 1, "greet")

	feed(t, conn, "MSG other 99 2\r\nxx\r\nMSG greet 1 2\r\nok\r\n")
	msg, err := sub.NextMsg(time.Second)
	if err != nil || string(msg.Data) != "ok" {
		t.Fatalf("expected the second message, got %v %v", msg, err)
	}
	if pending, _, _ := sub.Pending(); pending != 0 {
		t.Fatalf("unexpected queued messages: %d", pending)
	}
}

func TestParserPongSignalsOldestWaiter(t *testing.T) {
	conn := newParserTestConn(t)
	first := make(chan bool, 1)
	second := make(chan bool, 1)
	conn.mu.Lock()
	conn.pongs = append(conn.pongs, first, second)
	conn.mu.Unlock()

	feed(t, conn, "PONG\r\n")
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatalf("oldest waiter never signalled")
	}
	select {
	case <-second:
		t.Fatalf("second waiter signalled out of order")
	default:
	}

	feed(t, conn, "PO", "NG\r\n")
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatalf("second waiter never signalled")
	}
}

func TestParserAsyncInfoDiscoversServers(t *testing.T) {
	conn := newParserTestConn(t)
	discovered := make(chan struct{}, 1)
	conn.opts.DiscoveredSrvCB = func(*Conn) { discovered <- struct{}{} }

	feed(t, conn, `INFO {"server_id":"B","connect_urls":["127.0.0.1:5333"]}`+"\r\n")
	if servers := conn.DiscoveredServers(); len(servers) != 1 {
		t.Fatalf("expected one discovered server, got %v", servers)
	}
	select {
	case <-discovered:
	case <-time.After(time.Second):
		t.Fatalf("discovered-servers callback never fired")
	}

	// The same INFO again adds nothing and stays quiet.
	feed(t, conn, `INFO {"server_id":"B","connect_urls":["127.0.0.1:5333"]}`+"\r\n")
	time.Sleep(20 * time.Millisecond)
	select {
	case <-discovered:
		t.Fatalf("callback fired for an unchanged pool")
	default:
	}
}

func TestParserLameDuckFiresOnce(t *testing.T) {
	conn := newParserTestConn(t)
	ldm := make(chan struct{}, 2)
	conn.opts.LameDuckModeCB = func(*Conn) { ldm <- struct{}{} }

	feed(t, conn, `INFO {"server_id":"A","ldm":true}`+"\r\n")
	feed(t, conn, `INFO {"server_id":"A","ldm":true}`+"\r\n")
	select {
	case <-ldm:
	case <-time.After(time.Second):
		t.Fatalf("lame duck callback never fired")
	}
	time.Sleep(20 * time.Millisecond)
	select {
	case <-ldm:
		t.Fatalf("lame duck callback fired twice")
	default:
	}
}

func TestParserIgnoresDiscoveredWhenAsked(t *testing.T) {
	conn := newParserTestConn(t)
	conn.opts.IgnoreDiscoveredServers = true

	feed(t, conn, `INFO {"server_id":"B","connect_urls":["127.0.0.1:5333"]}`+"\r\n")
	if servers := conn.DiscoveredServers(); len(servers) != 0 {
		t.Fatalf("expected no discovered servers, got %v", servers)
	}
}

func TestParserProtocolErrorResets(t *testing.T) {
	conn := newParserTestConn(t)
	if err := conn.parse([]byte("BOGUS\r\n")); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected a protocol error, got %v", err)
	}
	// The state machine was reset; good input parses again.
	feed(t, conn, "PING\r\n")
	if written := conn.netc.(*captureConn).Written(); written != "PONG\r\n" {
		t.Fatalf("parser did not recover: wrote %q", written)
	}
}

func TestParserServerErrClosesConnection(t *testing.T) {
	conn := newParserTestConn(t)
	feed(t, conn, "-ERR 'Unknown Protocol Operation'\r\n")
	if !conn.IsClosed() {
		t.Fatalf("expected the connection to close on a fatal -ERR")
	}
	if err := conn.LastError(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestParserBadMsgArgs(t *testing.T) {
	for _, wire := range []string{
		"MSG greet\r\n",
		"MSG greet 1\r\n",
		"MSG greet one 5\r\n",
		"HMSG tagged 1 9 4\r\n",
	} {
		conn := newParserTestConn(t)
		if err := conn.parse([]byte(wire)); !errors.Is(err, ErrProtocol) {
			t.Fatalf("%q: expected a protocol error, got %v", wire, err)
		}
	}
}
