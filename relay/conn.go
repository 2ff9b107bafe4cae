package relay

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the connection lifecycle state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	DrainingSubs
	DrainingPubs
	Closed
)

func (status Status) String() string {
	switch status {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case DrainingSubs:
		return "DRAINING_SUBS"
	case DrainingPubs:
		return "DRAINING_PUBS"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

var (
	crlfBytes = []byte(crlf)
	pingProto = []byte("PING" + crlf)
	pongProto = []byte("PONG" + crlf)
)

// serverInfo is the handshake and async INFO payload.
type serverInfo struct {
	ID           string   `json:"server_id"`
	Version      string   `json:"version"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	AuthRequired bool     `json:"auth_required,omitempty"`
	TLSRequired  bool     `json:"tls_required,omitempty"`
	TLSAvailable bool     `json:"tls_available,omitempty"`
	MaxPayload   int64    `json:"max_payload"`
	ConnectURLs  []string `json:"connect_urls,omitempty"`
	Proto        int      `json:"proto"`
	CID          uint64   `json:"client_id,omitempty"`
	Nonce        string   `json:"nonce,omitempty"`
	ClientIP     string   `json:"client_ip,omitempty"`
	LameDuckMode bool     `json:"ldm,omitempty"`
	Headers      bool     `json:"headers,omitempty"`
}

// connectInfo is the client half of the handshake, sent as CONNECT json.
type connectInfo struct {
	Verbose      bool   `json:"verbose"`
	Pedantic     bool   `json:"pedantic"`
	User         string `json:"user,omitempty"`
	Password     string `json:"pass,omitempty"`
	Token        string `json:"auth_token,omitempty"`
	TLS          bool   `json:"tls_required"`
	Name         string `json:"name"`
	Lang         string `json:"lang"`
	Version      string `json:"version"`
	Protocol     int    `json:"protocol"`
	Echo         bool   `json:"echo"`
	Headers      bool   `json:"headers"`
	NoResponders bool   `json:"no_responders"`
}

// Conn is one client connection to the cluster. All pub/sub and
// request/reply traffic multiplexes over its single socket.
//
// Two locks cover the connection: mu guards status, buffers, the server
// pool, ping waiters, the stats counters and the response map; subsMu
// guards the subscription table, so sid lookup on the read path never
// waits behind subscriber-side work. Lock order is always mu, then
// subsMu, then an individual subscription.
type Conn struct {
	mu   sync.Mutex
	opts Options

	status Status
	closed bool

	netc    net.Conn
	br      *bufio.Reader
	bw      *outputBuffer
	pending *outputBuffer
	scratch []byte

	fch  chan struct{}
	rqch chan struct{}

	pongs []chan bool
	pout  int
	ptmr  *time.Timer

	pool     *serverPool
	current  *server
	info     serverInfo
	ldmFired bool

	lastErr error
	stats   Statistics
	wg      sync.WaitGroup

	subsMu sync.RWMutex
	ssid   int64
	subs   map[int64]*Subscription

	ps parser

	// Request/reply state; see request.go.
	respOnce  sync.Once
	respSub   string
	respMux   *Subscription
	respMap   map[string]chan *Msg
	respPool  []chan *Msg
	respToken uint64

	ach        *CallbackQueue
	ownedACH   bool
	dpool      *DispatcherPool
	ownedDPool bool
}

// Connect dials the given server URL (a comma-separated list is accepted)
// with default options.
func Connect(serverURL string) (*Conn, error) {
	return NewOptions().Connect(strings.Split(serverURL, ",")...)
}

// Connect establishes a connection using the receiver's options. Any URLs
// passed here override opts.Servers.
func (opts *Options) Connect(servers ...string) (*Conn, error) {
	if len(servers) > 0 {
		opts.Servers = servers
	}
	if len(opts.Servers) == 0 {
		return nil, ErrNoServers
	}
	if opts.Name == "" {
		opts.Name = "relay-" + uuid.NewString()
	}
	if opts.AsyncErrorCB == nil {
		opts.AsyncErrorCB = func(conn *Conn, sub *Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = " on " + sub.Subject
			}
			fmt.Fprintf(os.Stderr, "%s [%s] >>> %v%s\n",
				time.Now().Local().Format(time.RFC3339), conn.opts.Name, err, subject)
		}
	}

	pool, err := newServerPool(opts.Servers, !opts.NoRandomize)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		opts:    *opts,
		status:  Disconnected,
		bw:      newOutputBuffer(defaultBufSize),
		scratch: make([]byte, 0, 128),
		fch:     make(chan struct{}, 1),
		pool:    pool,
		subs:    make(map[int64]*Subscription),
	}
	if conn.ach = opts.CallbackQueue; conn.ach == nil {
		conn.ach = NewCallbackQueue(0)
		conn.ownedACH = true
	}
	if opts.PooledDispatch {
		if conn.dpool = opts.DispatcherPool; conn.dpool == nil {
			conn.dpool = NewDispatcherPool(0)
			conn.ownedDPool = true
		}
	}

	if err := conn.connect(); err != nil {
		if conn.ownedACH {
			conn.ach.Close()
		}
		if conn.ownedDPool {
			conn.dpool.Close()
		}
		return nil, err
	}
	return conn, nil
}

// connect walks the pool once attempting a full dial and handshake. When
// every candidate fails and RetryOnFailedConnect is set, the connection is
// handed to the background reconnect task instead of failing.
func (conn *Conn) connect() error {
	conn.mu.Lock()

	var lastErr error
	for _, srv := range conn.pool.servers {
		conn.current = srv
		err := conn.createConn(srv)
		if err == nil {
			err = conn.processConnectInit(srv)
		}
		if err == nil {
			conn.status = Connected
			conn.pout = 0
			conn.resetPingTimerLocked()
			conn.wg.Add(2)
			go conn.readLoop()
			go conn.flusher()
			conn.mu.Unlock()
			return nil
		}

		lastErr = err
		if conn.netc != nil {
			_ = conn.netc.Close()
			conn.netc = nil
		}
		conn.status = Disconnected
	}

	if conn.opts.RetryOnFailedConnect {
		conn.status = Reconnecting
		if conn.opts.ReconnectBufSize > 0 {
			conn.pending = newPendingBuffer(conn.opts.ReconnectBufSize)
		}
		conn.rqch = make(chan struct{})
		conn.lastErr = lastErr
		go conn.doReconnect(lastErr)
		conn.mu.Unlock()
		return nil
	}

	conn.mu.Unlock()
	if lastErr == nil {
		lastErr = ErrNoServers
	}
	return lastErr
}

// createConn dials the transport for one pool entry. relay:// and tls://
// dial TCP; ws:// and wss:// dial a websocket endpoint whose frames feed
// the same parser.
func (conn *Conn) createConn(srv *server) error {
	scheme := srv.url.Scheme
	if scheme == "ws" || scheme == "wss" {
		netc, err := conn.wsDial(srv)
		if err != nil {
			return err
		}
		conn.netc = netc
	} else {
		dialer := conn.opts.Dialer
		if dialer == nil {
			dialer = &net.Dialer{Timeout: conn.opts.Timeout}
		}
		netc, err := dialer.Dial("tcp", srv.url.Host)
		if err != nil {
			return NewError(ConnectionRefusedError, err)
		}
		conn.netc = netc
	}

	conn.br = bufio.NewReaderSize(conn.netc, defaultBufSize)
	conn.ps = parser{}
	return nil
}

// processConnectInit runs the handshake on a freshly dialed socket:
// receive INFO, upgrade to TLS when either side requires it, send CONNECT
// and PING, then wait for the PONG (or +OK then PONG under verbose).
// Called with the connection lock held.
func (conn *Conn) processConnectInit(srv *server) error {
	conn.status = Connecting
	if conn.opts.Timeout > 0 {
		_ = conn.netc.SetDeadline(time.Now().Add(conn.opts.Timeout))
	}

	line, err := conn.readProtoLine()
	if err != nil {
		return err
	}
	if len(line) < 5 || !strings.EqualFold(line[:5], "INFO ") {
		return NewError(ProtocolError, "expected INFO, got "+line)
	}
	var info serverInfo
	if err := json.Unmarshal([]byte(line[5:]), &info); err != nil {
		return NewError(ProtocolError, "invalid INFO json")
	}
	conn.info = info
	conn.ldmFired = false

	if err := conn.upgradeTLSLocked(srv); err != nil {
		return err
	}

	if !conn.opts.IgnoreDiscoveredServers && len(info.ConnectURLs) > 0 {
		conn.pool.mergeDiscovered(info.ConnectURLs, srv, srv.url.Hostname())
	}

	proto, err := conn.makeConnectProto(srv)
	if err != nil {
		return err
	}
	if _, err := conn.netc.Write(proto); err != nil {
		return NewError(ConnectionRefusedError, err)
	}

	line, err = conn.readProtoLine()
	if err != nil {
		return err
	}
	if conn.opts.Verbose && line == "+OK" {
		if line, err = conn.readProtoLine(); err != nil {
			return err
		}
	}
	switch {
	case line == "PONG":
		// Handshake complete.
	case strings.HasPrefix(line, "-ERR"):
		reason := strings.TrimSpace(strings.TrimPrefix(line, "-ERR"))
		handshakeErr := reasonToError(reason)
		if isAuthError(handshakeErr) {
			if srv.lastAuthErr != nil && srv.lastAuthErr.Code == handshakeErr.Code {
				conn.pool.drop(srv)
			} else {
				srv.lastAuthErr = handshakeErr
			}
		}
		return handshakeErr
	default:
		return NewError(ProtocolError, "expected PONG, got "+line)
	}

	_ = conn.netc.SetDeadline(time.Time{})
	return nil
}

func (conn *Conn) readProtoLine() (string, error) {
	line, err := conn.br.ReadString('\n')
	if err != nil {
		return "", NewError(ConnectionRefusedError, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// upgradeTLSLocked wraps the socket in TLS when the server requires it or
// the options demand it. Websocket transports negotiate TLS at dial time
// and are left alone.
func (conn *Conn) upgradeTLSLocked(srv *server) error {
	scheme := srv.url.Scheme
	if scheme == "ws" || scheme == "wss" {
		if conn.info.TLSRequired && scheme == "ws" {
			return ErrSecureConnRequired
		}
		return nil
	}

	secure := conn.opts.Secure || conn.opts.TLSConfig != nil || scheme == "tls"
	if secure && !conn.info.TLSRequired && !conn.info.TLSAvailable {
		return ErrSecureConnWanted
	}
	if !secure && !conn.info.TLSRequired {
		return nil
	}

	var cfg *tls.Config
	if conn.opts.TLSConfig != nil {
		cfg = conn.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		if srv.tlsName != "" {
			cfg.ServerName = srv.tlsName
		} else {
			cfg.ServerName = srv.url.Hostname()
		}
	}

	tlsConn := tls.Client(conn.netc, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return NewError(SecureConnRequiredError, err)
	}
	conn.netc = tlsConn
	conn.br = bufio.NewReaderSize(conn.netc, defaultBufSize)
	return nil
}

func (conn *Conn) makeConnectProto(srv *server) ([]byte, error) {
	info := connectInfo{
		Verbose:      conn.opts.Verbose,
		Pedantic:     conn.opts.Pedantic,
		User:         conn.opts.User,
		Password:     conn.opts.Password,
		Token:        conn.opts.Token,
		TLS:          conn.info.TLSRequired,
		Name:         conn.opts.Name,
		Lang:         clientLang,
		Version:      clientVersion,
		Protocol:     clientProtocol,
		Echo:         !conn.opts.NoEcho,
		Headers:      true,
		NoResponders: true,
	}
	if user := srv.url.User; user != nil {
		info.User = user.Username()
		if password, ok := user.Password(); ok {
			info.Password = password
		} else {
			// A bare username in the URL is a token.
			info.Token = info.User
			info.User = ""
		}
	}

	encoded, err := json.Marshal(info)
	if err != nil {
		return nil, NewError(InvalidArgError, err)
	}
	proto := make([]byte, 0, len(encoded)+16)
	proto = append(proto, "CONNECT "...)
	proto = append(proto, encoded...)
	proto = append(proto, crlf...)
	proto = append(proto, pingProto...)
	return proto, nil
}

// readLoop owns socket reads for one socket session and feeds the parser.
// Every failure, I/O or protocol, funnels into processOpError.
func (conn *Conn) readLoop() {
	defer conn.wg.Done()

	conn.mu.Lock()
	br := conn.br
	conn.mu.Unlock()
	if br == nil {
		return
	}

	buf := make([]byte, defaultBufSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if parseErr := conn.parse(buf[:n]); parseErr != nil {
				conn.processOpError(parseErr)
				return
			}
		}
		if err != nil {
			conn.processOpError(err)
			return
		}
	}
}

// flusher coalesces buffered writes for one socket session. It wakes on
// kicks and exits when the socket is replaced or the connection stops
// accepting writes.
func (conn *Conn) flusher() {
	defer conn.wg.Done()

	conn.mu.Lock()
	netc := conn.netc
	conn.mu.Unlock()
	if netc == nil {
		return
	}

	for range conn.fch {
		conn.mu.Lock()
		if conn.netc != netc || !conn.isActiveWriterLocked() {
			conn.mu.Unlock()
			return
		}
		if conn.bw.len() > 0 {
			if err := conn.flushOutboundLocked(); err != nil {
				conn.mu.Unlock()
				conn.processOpError(err)
				return
			}
		}
		conn.mu.Unlock()
	}
}

func (conn *Conn) isActiveWriterLocked() bool {
	switch conn.status {
	case Connected, DrainingSubs, DrainingPubs:
		return true
	}
	return false
}

func (conn *Conn) kickFlusher() {
	select {
	case conn.fch <- struct{}{}:
	default:
	}
}

// flushOutboundLocked writes the coalescing buffer to the socket.
func (conn *Conn) flushOutboundLocked() error {
	if conn.netc == nil || conn.bw.len() == 0 {
		return nil
	}
	_ = conn.netc.SetWriteDeadline(time.Now().Add(defaultFlushTimeout))
	_, err := conn.netc.Write(conn.bw.bytes())
	_ = conn.netc.SetWriteDeadline(time.Time{})
	if err != nil {
		return err
	}
	conn.bw.reset()
	return nil
}

// writeProtoLocked routes protocol bytes: into the bounded pending buffer
// while reconnecting, straight to the socket for writes too large to be
// worth copying, and into the coalescing buffer otherwise.
func (conn *Conn) writeProtoLocked(chunks ...[]byte) error {
	if conn.status == Reconnecting || (conn.status == Connecting && conn.pending != nil) {
		if conn.pending == nil {
			return ErrDisconnected
		}
		if !conn.pending.append(chunks...) {
			return ErrReconnectBufExceeded
		}
		return nil
	}
	if conn.closed || conn.status == Closed {
		return ErrConnectionClosed
	}
	if conn.netc == nil {
		return ErrDisconnected
	}

	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}
	if !conn.opts.SendAsap && total >= defaultBufSize {
		if err := conn.flushOutboundLocked(); err != nil {
			return err
		}
		return conn.writeDirectLocked(chunks...)
	}

	conn.bw.append(chunks...)
	if conn.opts.SendAsap {
		return conn.flushOutboundLocked()
	}
	return nil
}

func (conn *Conn) writeDirectLocked(chunks ...[]byte) error {
	_ = conn.netc.SetWriteDeadline(time.Now().Add(defaultFlushTimeout))
	defer func() { _ = conn.netc.SetWriteDeadline(time.Time{}) }()
	for _, chunk := range chunks {
		if _, err := conn.netc.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends data on the subject.
func (conn *Conn) Publish(subject string, data []byte) error {
	return conn.publish(subject, "", nil, data)
}

// PublishRequest sends data on the subject with a reply-to address.
func (conn *Conn) PublishRequest(subject, reply string, data []byte) error {
	return conn.publish(subject, reply, nil, data)
}

// PublishMsg sends a message, including headers when present. Headers
// require server support advertised in the handshake INFO.
func (conn *Conn) PublishMsg(msg *Msg) error {
	if msg == nil {
		return ErrInvalidMsg
	}
	return conn.publish(msg.Subject, msg.Reply, msg.Header, msg.Data)
}

func (conn *Conn) publish(subject, reply string, header Header, data []byte) error {
	if conn == nil {
		return ErrInvalidConnection
	}
	if badSubject(subject) {
		return ErrInvalidSubject
	}
	if reply != "" && badSubject(reply) {
		return ErrInvalidSubject
	}

	conn.mu.Lock()
	if conn.closed || conn.status == Closed {
		conn.mu.Unlock()
		return ErrConnectionClosed
	}
	if conn.status == DrainingPubs {
		conn.mu.Unlock()
		return ErrConnectionDraining
	}

	var hdr []byte
	if len(header) > 0 {
		if !conn.info.Headers {
			conn.mu.Unlock()
			return ErrHeadersNotSupported
		}
		hdr = encodeHeaders(header)
	}
	total := len(hdr) + len(data)
	if conn.info.MaxPayload > 0 && int64(total) > conn.info.MaxPayload {
		conn.mu.Unlock()
		return ErrMaxPayload
	}

	control := conn.scratch[:0]
	if hdr != nil {
		control = append(control, "HPUB "...)
	} else {
		control = append(control, "PUB "...)
	}
	control = append(control, subject...)
	control = append(control, ' ')
	if reply != "" {
		control = append(control, reply...)
		control = append(control, ' ')
	}
	if hdr != nil {
		control = strconv.AppendInt(control, int64(len(hdr)), 10)
		control = append(control, ' ')
	}
	control = strconv.AppendInt(control, int64(total), 10)
	control = append(control, crlf...)

	err := conn.writeProtoLocked(control, hdr, data, crlfBytes)
	if err == nil {
		conn.stats.OutMsgs++
		conn.stats.OutBytes += uint64(total)
	}
	conn.scratch = control[:0]
	conn.mu.Unlock()

	if err == nil {
		conn.kickFlusher()
	}
	return err
}

// Subscribe registers a callback for the subject, delivered on a
// dispatcher goroutine.
func (conn *Conn) Subscribe(subject string, handler MsgHandler) (*Subscription, error) {
	return conn.subscribe(subject, "", handler, AsyncSubscription)
}

// QueueSubscribe registers a callback in a queue group; the cluster
// delivers each message to one member of the group.
func (conn *Conn) QueueSubscribe(subject, queue string, handler MsgHandler) (*Subscription, error) {
	return conn.subscribe(subject, queue, handler, AsyncSubscription)
}

// SubscribeSync registers interest pulled with NextMsg.
func (conn *Conn) SubscribeSync(subject string) (*Subscription, error) {
	return conn.subscribe(subject, "", nil, SyncSubscription)
}

// QueueSubscribeSync registers queue-group interest pulled with NextMsg.
func (conn *Conn) QueueSubscribeSync(subject, queue string) (*Subscription, error) {
	return conn.subscribe(subject, queue, nil, SyncSubscription)
}

func (conn *Conn) subscribe(subject, queue string, handler MsgHandler, st subType) (*Subscription, error) {
	if conn == nil {
		return nil, ErrInvalidConnection
	}
	if badSubject(subject) {
		return nil, ErrInvalidSubject
	}
	if queue != "" && badQueue(queue) {
		return nil, ErrInvalidQueueName
	}
	if st == AsyncSubscription && handler == nil {
		return nil, NewError(InvalidArgError, "nil message handler")
	}

	conn.mu.Lock()
	if conn.closed || conn.status == Closed {
		conn.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if conn.isDrainingLocked() {
		conn.mu.Unlock()
		return nil, ErrConnectionDraining
	}

	sub := &Subscription{
		Subject:     subject,
		Queue:       queue,
		conn:        conn,
		cb:          handler,
		typ:         st,
		pMsgsLimit:  defaultSubPendingMsgs,
		pBytesLimit: defaultSubPendingBytes,
	}

	switch {
	case st == SyncSubscription:
		sub.queue = newMsgQueue()
		sub.ownsQueue = true
	case conn.dpool != nil:
		if sub.queue = conn.dpool.assign(); sub.queue == nil {
			conn.mu.Unlock()
			return nil, ErrInvalidConnection
		}
	default:
		sub.queue = newMsgQueue()
		sub.ownsQueue = true
		go dispatchLoop(sub.queue, true)
	}

	conn.subsMu.Lock()
	conn.ssid++
	sub.sid = conn.ssid
	conn.subs[sub.sid] = sub
	conn.subsMu.Unlock()

	// While reconnecting, the post-handshake replay sends the SUB.
	if conn.status != Reconnecting {
		proto := buildSubProto(subject, queue, sub.sid)
		if err := conn.writeProtoLocked(proto); err != nil {
			conn.removeSub(sub)
			if sub.ownsQueue {
				sub.queue.close()
			}
			conn.mu.Unlock()
			return nil, err
		}
	}
	conn.mu.Unlock()
	conn.kickFlusher()
	return sub, nil
}

func buildSubProto(subject, queue string, sid int64) []byte {
	if queue != "" {
		return []byte(fmt.Sprintf("SUB %s %s %d%s", subject, queue, sid, crlf))
	}
	return []byte(fmt.Sprintf("SUB %s %d%s", subject, sid, crlf))
}

func buildUnsubProto(sid int64, max int64) []byte {
	if max > 0 {
		return []byte(fmt.Sprintf("UNSUB %d %d%s", sid, max, crlf))
	}
	return []byte(fmt.Sprintf("UNSUB %d%s", sid, crlf))
}

// unsubscribe implements Unsubscribe and AutoUnsubscribe. max > 0 installs
// a delivery budget; a budget already met, or max == 0, removes interest
// immediately.
func (conn *Conn) unsubscribe(sub *Subscription, max int) error {
	conn.mu.Lock()
	if conn.closed || conn.status == Closed {
		conn.mu.Unlock()
		return ErrConnectionClosed
	}
	conn.subsMu.RLock()
	registered := conn.subs[sub.sid] == sub
	conn.subsMu.RUnlock()
	if !registered {
		conn.mu.Unlock()
		return ErrBadSubscription
	}

	if max > 0 {
		sub.mu.Lock()
		if sub.delivered < uint64(max) {
			sub.max = uint64(max)
			sub.mu.Unlock()
			var err error
			if conn.status != Reconnecting {
				err = conn.writeProtoLocked(buildUnsubProto(sub.sid, int64(max)))
			}
			conn.mu.Unlock()
			conn.kickFlusher()
			return err
		}
		sub.mu.Unlock()
		// Budget already exceeded: fall through to immediate removal.
	}

	conn.subsMu.Lock()
	delete(conn.subs, sub.sid)
	conn.subsMu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.draining = false
	queue := sub.queue
	sub.mu.Unlock()

	var err error
	if conn.status != Reconnecting {
		err = conn.writeProtoLocked(buildUnsubProto(sub.sid, 0))
	}
	conn.mu.Unlock()

	if !queue.push(&queueEntry{kind: entryClose, sub: sub}) {
		sub.finalize()
	}
	conn.kickFlusher()
	return err
}

// drainSub starts a per-subscription drain: UNSUB goes out without an
// immediate flush, a drain marker follows everything already queued, and
// the connection drain timeout bounds the sequence.
func (conn *Conn) drainSub(sub *Subscription) error {
	conn.mu.Lock()
	if conn.closed || conn.status == Closed {
		conn.mu.Unlock()
		return ErrConnectionClosed
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		conn.mu.Unlock()
		return ErrBadSubscription
	}
	if sub.draining {
		sub.mu.Unlock()
		conn.mu.Unlock()
		return nil
	}
	sub.draining = true
	queue := sub.queue
	timeout := conn.opts.DrainTimeout
	sub.drainTimer = time.AfterFunc(timeout, func() {
		queue.push(&queueEntry{kind: entryTimeout, sub: sub})
	})
	sub.mu.Unlock()

	var err error
	if conn.status != Reconnecting {
		err = conn.writeProtoLocked(buildUnsubProto(sub.sid, 0))
	}
	conn.mu.Unlock()

	queue.push(&queueEntry{kind: entryDrain, sub: sub})
	conn.kickFlusher()
	return err
}

// removeSub drops the table entry if it still points at sub.
func (conn *Conn) removeSub(sub *Subscription) {
	conn.subsMu.Lock()
	if conn.subs[sub.sid] == sub {
		delete(conn.subs, sub.sid)
	}
	conn.subsMu.Unlock()
}

func (conn *Conn) numSubs() int {
	conn.subsMu.RLock()
	defer conn.subsMu.RUnlock()
	return len(conn.subs)
}

// pushAsyncErr records the error and schedules the async error callback.
func (conn *Conn) pushAsyncErr(sub *Subscription, err error) {
	conn.mu.Lock()
	conn.lastErr = err
	handler := conn.opts.AsyncErrorCB
	ach := conn.ach
	conn.mu.Unlock()
	if handler != nil {
		ach.push(func() { handler(conn, sub, err) })
	}
}

// processMsg takes an assembled message from the parser on the read path.
// Admission is purely the subscription's pending limits: an over-limit
// subscription sheds the message and flags a slow consumer rather than
// stalling the shared read loop.
func (conn *Conn) processMsg(data []byte) {
	ma := &conn.ps.ma

	conn.mu.Lock()
	conn.stats.InMsgs++
	conn.stats.InBytes += uint64(len(data))
	conn.mu.Unlock()

	conn.subsMu.RLock()
	sub := conn.subs[ma.sid]
	conn.subsMu.RUnlock()
	if sub == nil {
		return
	}

	payload := data
	var header Header
	var hdrErr error
	if ma.hdr > 0 {
		if ma.hdr > len(data) {
			hdrErr = NewError(ProtocolError, "header size exceeds payload")
		} else {
			header, hdrErr = decodeHeaders(data[:ma.hdr])
			payload = data[ma.hdr:]
		}
	}

	msg := &Msg{
		Subject: string(ma.subject),
		Reply:   string(ma.reply),
		Header:  header,
		Data:    append([]byte(nil), payload...),
		Sub:     sub,
	}

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.received++
	if sub.max > 0 && sub.received > sub.max {
		sub.mu.Unlock()
		return
	}
	if (sub.pMsgsLimit > 0 && sub.pMsgs+1 > sub.pMsgsLimit) ||
		(sub.pBytesLimit > 0 && sub.pBytes+len(msg.Data) > sub.pBytesLimit) {
		sub.dropped++
		firstDrop := !sub.sc
		sub.sc = true
		sub.mu.Unlock()
		if firstDrop {
			conn.pushAsyncErr(sub, NewError(SlowConsumerError, sub.Subject))
		}
		return
	}
	sub.sc = false
	sub.pMsgs++
	sub.pBytes += len(msg.Data)
	queue := sub.queue
	sub.mu.Unlock()

	queue.push(&queueEntry{kind: entryMsg, msg: msg, sub: sub})

	if hdrErr != nil {
		conn.pushAsyncErr(sub, hdrErr)
	}
}

// processPing answers a server liveness probe.
func (conn *Conn) processPing() {
	conn.mu.Lock()
	_ = conn.writeProtoLocked(pongProto)
	_ = conn.flushOutboundLocked()
	conn.mu.Unlock()
}

// processPong matches the oldest ping waiter, FIFO by send order, and
// clears the outstanding-ping count.
func (conn *Conn) processPong() {
	conn.mu.Lock()
	var ch chan bool
	if len(conn.pongs) > 0 {
		ch = conn.pongs[0]
		conn.pongs = conn.pongs[1:]
	}
	conn.pout = 0
	conn.mu.Unlock()
	if ch != nil {
		ch <- true
	}
}

func (conn *Conn) processOK() {
	// +OK under verbose mode carries no state.
}

// processErr handles a mid-session -ERR line. Permission and subscription
// limit violations are async errors; auth errors record per-server state
// so a server rejecting the same credentials twice stops being retried;
// everything else tears the connection down through processOpError.
func (conn *Conn) processErr(errLine string) {
	reason := normalizeErr(errLine)
	switch {
	case reason == "stale connection":
		conn.processOpError(ErrStaleConnection)
	case strings.HasPrefix(reason, "permissions violation"):
		conn.pushAsyncErr(nil, NewError(PermissionsError, errLine))
	case reason == "maximum subscriptions exceeded":
		conn.pushAsyncErr(nil, NewError(MaxSubscriptionsError, errLine))
	default:
		parsed := reasonToError(errLine)
		if isAuthError(parsed) {
			conn.mu.Lock()
			if srv := conn.current; srv != nil {
				if srv.lastAuthErr != nil && srv.lastAuthErr.Code == parsed.Code {
					conn.pool.drop(srv)
				} else {
					srv.lastAuthErr = parsed
				}
			}
			conn.mu.Unlock()
			conn.processOpError(parsed)
			return
		}
		if parsed.Code == UnknownError {
			conn.processOpError(NewError(ProtocolError, errLine))
		} else {
			conn.processOpError(parsed)
		}
	}
}

// processAsyncInfo merges a mid-session INFO: newly advertised endpoints
// join the pool and the lame-duck announcement surfaces once.
func (conn *Conn) processAsyncInfo(arg []byte) error {
	conn.mu.Lock()
	// Fields absent from a mid-session INFO keep their handshake values;
	// a lame-duck announcement may carry nothing but the ldm flag.
	updated := conn.info
	if err := json.Unmarshal(arg, &updated); err != nil {
		conn.mu.Unlock()
		return NewError(ProtocolError, "invalid INFO json")
	}
	conn.info = updated

	var discoveredCB, ldmCB ConnHandler
	if !conn.opts.IgnoreDiscoveredServers && len(updated.ConnectURLs) > 0 {
		tlsName := ""
		if conn.current != nil {
			tlsName = conn.current.url.Hostname()
		}
		if conn.pool.mergeDiscovered(updated.ConnectURLs, conn.current, tlsName) {
			discoveredCB = conn.opts.DiscoveredSrvCB
		}
	}
	if updated.LameDuckMode && !conn.ldmFired {
		conn.ldmFired = true
		ldmCB = conn.opts.LameDuckModeCB
	}
	ach := conn.ach
	conn.mu.Unlock()

	if discoveredCB != nil {
		ach.push(func() { discoveredCB(conn) })
	}
	if ldmCB != nil {
		ach.push(func() { ldmCB(conn) })
	}
	return nil
}

// sendPingLocked writes a PING and appends the waiter (nil for liveness
// probes) to the FIFO pong list.
func (conn *Conn) sendPingLocked(ch chan bool) {
	conn.pongs = append(conn.pongs, ch)
	_ = conn.writeProtoLocked(pingProto)
	_ = conn.flushOutboundLocked()
}

func (conn *Conn) removePongLocked(ch chan bool) {
	for i, waiter := range conn.pongs {
		if waiter == ch {
			conn.pongs = append(conn.pongs[:i], conn.pongs[i+1:]...)
			return
		}
	}
}

// clearPendingFlushCalls fails every flush waiter with the aborted
// sentinel.
func (conn *Conn) clearPendingFlushCalls() {
	for _, ch := range conn.pongs {
		if ch != nil {
			select {
			case ch <- false:
			default:
			}
		}
	}
	conn.pongs = nil
}

// Flush performs a PING round-trip with the default timeout.
func (conn *Conn) Flush() error {
	return conn.FlushTimeout(defaultFlushTimeout)
}

// FlushTimeout blocks until everything buffered before the call has been
// processed by the server, signalled by the matching PONG. Returns
// ErrTimeout when the deadline passes first; the waiter is removed on
// every exit path.
func (conn *Conn) FlushTimeout(timeout time.Duration) error {
	if conn == nil {
		return ErrInvalidConnection
	}
	if timeout <= 0 {
		return ErrBadTimeout
	}

	conn.mu.Lock()
	if conn.closed || conn.status == Closed {
		conn.mu.Unlock()
		return ErrConnectionClosed
	}
	ch := make(chan bool, 1)
	conn.sendPingLocked(ch)
	conn.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		return nil
	case <-timer.C:
		conn.mu.Lock()
		conn.removePongLocked(ch)
		conn.mu.Unlock()
		return ErrTimeout
	}
}

// resetPingTimerLocked arms the liveness timer.
func (conn *Conn) resetPingTimerLocked() {
	if conn.ptmr != nil {
		conn.ptmr.Stop()
	}
	if conn.opts.PingInterval <= 0 {
		return
	}
	conn.ptmr = time.AfterFunc(conn.opts.PingInterval, conn.processPingTimer)
}

// processPingTimer sends a liveness PING; too many unanswered probes mark
// the connection stale through the normal error path.
func (conn *Conn) processPingTimer() {
	conn.mu.Lock()
	if conn.status != Connected {
		conn.mu.Unlock()
		return
	}
	conn.pout++
	if conn.pout > conn.opts.MaxPingsOut {
		conn.mu.Unlock()
		conn.processOpError(ErrStaleConnection)
		return
	}
	conn.sendPingLocked(nil)
	conn.resetPingTimerLocked()
	conn.mu.Unlock()
}

// processOpError is the single funnel for read-path, write-path and
// liveness failures. A connected connection that may reconnect moves to
// RECONNECTING with a fresh pending buffer; anything else closes.
func (conn *Conn) processOpError(err error) {
	conn.mu.Lock()
	if conn.closed || conn.status == Closed || conn.status == Reconnecting {
		conn.mu.Unlock()
		return
	}

	if conn.opts.AllowReconnect && conn.status == Connected {
		conn.status = Reconnecting
		if conn.ptmr != nil {
			conn.ptmr.Stop()
		}
		if conn.netc != nil {
			_ = conn.flushOutboundLocked()
			_ = conn.netc.Close()
			conn.netc = nil
		}
		if conn.opts.ReconnectBufSize > 0 {
			conn.pending = newPendingBuffer(conn.opts.ReconnectBufSize)
			conn.pending.append(conn.bw.bytes())
			conn.bw.reset()
		}
		conn.clearPendingFlushCalls()
		conn.clearPendingRequestCalls()
		conn.rqch = make(chan struct{})
		go conn.doReconnect(err)
		conn.mu.Unlock()
		return
	}

	conn.mu.Unlock()
	conn.close(Closed, true, err)
}

// doReconnect walks the pool until a handshake succeeds, sleeping a
// jittered backoff after each full lap. On success it resends live
// subscriptions, replays the pending buffer, and fires the reconnected
// callback; an exhausted pool closes the connection.
func (conn *Conn) doReconnect(triggerErr error) {
	conn.mu.Lock()
	rqch := conn.rqch
	handler := conn.opts.DisconnectedCB
	ach := conn.ach
	conn.mu.Unlock()

	if handler != nil {
		ach.push(func() { handler(conn, triggerErr) })
	}

	// Join the previous socket session's read and flush goroutines.
	conn.kickFlusher()
	conn.wg.Wait()

	attempts := 0
	for {
		select {
		case <-rqch:
			return
		default:
		}

		conn.mu.Lock()
		if conn.status != Reconnecting {
			conn.mu.Unlock()
			return
		}
		if conn.pool.size() == 0 {
			conn.mu.Unlock()
			conn.close(Closed, true, ErrNoServers)
			return
		}

		lap := attempts > 0 && attempts%conn.pool.size() == 0
		conn.mu.Unlock()

		if lap {
			wait := conn.opts.ReconnectWait + conn.reconnectJitter()
			select {
			case <-rqch:
				return
			case <-time.After(wait):
			}
		}

		conn.mu.Lock()
		if conn.status != Reconnecting {
			conn.mu.Unlock()
			return
		}
		srv := conn.pool.rotate()
		if srv == nil {
			conn.mu.Unlock()
			conn.close(Closed, true, ErrNoServers)
			return
		}
		if conn.opts.MaxReconnect >= 0 && srv.reconnects >= conn.opts.MaxReconnect {
			conn.pool.drop(srv)
			conn.mu.Unlock()
			continue
		}
		conn.current = srv
		srv.reconnects++
		attempts++

		err := conn.createConn(srv)
		if err == nil {
			err = conn.processConnectInit(srv)
		}
		if err != nil {
			if conn.netc != nil {
				_ = conn.netc.Close()
				conn.netc = nil
			}
			conn.lastErr = err
			conn.status = Reconnecting
			conn.mu.Unlock()
			continue
		}

		// Handshake succeeded: restore interest, then the buffered writes.
		srv.reconnects = 0
		srv.lastAuthErr = nil
		conn.resendSubscriptionsLocked()
		if conn.pending != nil {
			conn.bw.append(conn.pending.bytes())
			conn.pending = nil
		}
		conn.status = Connected
		conn.stats.Reconnects++
		conn.pout = 0
		conn.lastErr = nil
		conn.resetPingTimerLocked()
		conn.wg.Add(2)
		go conn.readLoop()
		go conn.flusher()
		reconnectedCB := conn.opts.ReconnectedCB
		conn.mu.Unlock()

		conn.kickFlusher()
		if reconnectedCB != nil {
			ach.push(func() { reconnectedCB(conn) })
		}
		return
	}
}

func (conn *Conn) reconnectJitter() time.Duration {
	jitter := conn.opts.ReconnectJitter
	if conn.opts.Secure || conn.opts.TLSConfig != nil {
		jitter = conn.opts.ReconnectJitterTLS
	}
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(jitter)))
}

// resendSubscriptionsLocked replays SUB for every live subscription after
// a reconnect handshake, recomputing the remaining auto-unsubscribe
// budget. Draining subscriptions are skipped; their UNSUB already went
// out or is moot.
func (conn *Conn) resendSubscriptionsLocked() {
	conn.subsMu.RLock()
	subs := make([]*Subscription, 0, len(conn.subs))
	for _, sub := range conn.subs {
		subs = append(subs, sub)
	}
	conn.subsMu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed || sub.draining {
			sub.mu.Unlock()
			continue
		}
		var remaining int64
		if sub.max > 0 {
			if sub.delivered >= sub.max {
				sub.mu.Unlock()
				continue
			}
			remaining = int64(sub.max - sub.delivered)
		}
		conn.bw.append(buildSubProto(sub.Subject, sub.Queue, sub.sid))
		if remaining > 0 {
			conn.bw.append(buildUnsubProto(sub.sid, remaining))
		}
		sub.mu.Unlock()
	}
}

// Close tears the connection down: timers cancelled, waiters failed,
// subscriptions closed, socket shut, closed callback fired exactly once
// regardless of how many callers race here.
func (conn *Conn) Close() {
	conn.close(Closed, true, nil)
}

func (conn *Conn) close(newStatus Status, doCBs bool, err error) {
	conn.mu.Lock()
	if conn.closed {
		conn.status = newStatus
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.status = Closed
	if conn.ptmr != nil {
		conn.ptmr.Stop()
		conn.ptmr = nil
	}
	if conn.rqch != nil {
		close(conn.rqch)
		conn.rqch = nil
	}
	if err != nil {
		conn.lastErr = err
	}
	conn.clearPendingFlushCalls()
	conn.clearPendingRequestCalls()
	_ = conn.flushOutboundLocked()
	conn.mu.Unlock()

	// Close every subscription. The close entry travels the same queue as
	// messages, so a blocked NextMsg or a dispatch loop observes it in
	// order; a queue already shut down is finalized directly.
	conn.subsMu.Lock()
	subs := make([]*Subscription, 0, len(conn.subs))
	for _, sub := range conn.subs {
		subs = append(subs, sub)
	}
	conn.subs = make(map[int64]*Subscription)
	conn.subsMu.Unlock()
	for _, sub := range subs {
		sub.mu.Lock()
		sub.connClosed = true
		queue := sub.queue
		sub.mu.Unlock()
		if !queue.push(&queueEntry{kind: entryClose, sub: sub}) {
			sub.finalize()
		}
	}

	conn.mu.Lock()
	if conn.netc != nil {
		_ = conn.netc.Close()
		conn.netc = nil
	}
	conn.status = newStatus
	ach := conn.ach
	closedCB := conn.opts.ClosedCB
	disconnectedCB := conn.opts.DisconnectedCB
	conn.mu.Unlock()

	conn.kickFlusher()

	if doCBs {
		if disconnectedCB != nil {
			ach.push(func() { disconnectedCB(conn, err) })
		}
		if closedCB != nil {
			ach.push(func() { closedCB(conn) })
		}
	}

	// Owned helpers drain on their own goroutine so Close may be called
	// from inside a callback without deadlocking.
	if conn.ownedACH {
		go ach.Close()
	}
	if conn.ownedDPool {
		go conn.dpool.Close()
	}
}

// Drain gracefully shuts the connection down: UNSUB is enqueued for every
// subscription without an immediate flush, new subscribes are refused,
// and a background task delivers what is queued, flushes outstanding
// publishes, then closes. Stage timeouts are recorded as non-fatal async
// errors. A second Drain call is a no-op.
func (conn *Conn) Drain() error {
	conn.mu.Lock()
	if conn.closed || conn.status == Closed {
		conn.mu.Unlock()
		return ErrConnectionClosed
	}
	if conn.isDrainingLocked() {
		conn.mu.Unlock()
		return nil
	}
	if conn.status != Connected {
		conn.mu.Unlock()
		return ErrDisconnected
	}
	conn.status = DrainingSubs

	conn.subsMu.RLock()
	subs := make([]*Subscription, 0, len(conn.subs))
	for _, sub := range conn.subs {
		subs = append(subs, sub)
	}
	conn.subsMu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.closed || sub.draining {
			sub.mu.Unlock()
			continue
		}
		sub.draining = true
		_ = conn.writeProtoLocked(buildUnsubProto(sub.sid, 0))
		sub.mu.Unlock()
	}
	conn.mu.Unlock()

	go conn.drainConnection(subs)
	return nil
}

func (conn *Conn) drainConnection(subs []*Subscription) {
	timeout := conn.opts.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	deadline := time.Now().Add(timeout)

	if err := conn.FlushTimeout(timeout); err != nil {
		conn.pushAsyncErr(nil, NewError(DrainTimeoutError, err))
	}

	// Drain markers queue behind everything already accepted.
	for _, sub := range subs {
		sub.mu.Lock()
		queue := sub.queue
		sub.mu.Unlock()
		queue.push(&queueEntry{kind: entryDrain, sub: sub})
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for conn.numSubs() > 0 {
		if time.Now().After(deadline) {
			conn.pushAsyncErr(nil, ErrDrainTimeout)
			break
		}
		<-ticker.C
	}

	conn.mu.Lock()
	conn.status = DrainingPubs
	conn.mu.Unlock()

	flushWait := time.Until(deadline)
	if flushWait < 100*time.Millisecond {
		flushWait = 100 * time.Millisecond
	}
	if err := conn.FlushTimeout(flushWait); err != nil {
		conn.pushAsyncErr(nil, NewError(DrainTimeoutError, err))
	}

	conn.close(Closed, true, nil)
}

func (conn *Conn) isDrainingLocked() bool {
	return conn.status == DrainingSubs || conn.status == DrainingPubs
}

// Status returns the current lifecycle state.
func (conn *Conn) Status() Status {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.status
}

// IsClosed reports whether the terminal state has been reached.
func (conn *Conn) IsClosed() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.closed || conn.status == Closed
}

// IsReconnecting reports whether the background reconnect task is active.
func (conn *Conn) IsReconnecting() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.status == Reconnecting
}

// IsConnected reports whether the connection is usable right now.
func (conn *Conn) IsConnected() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.status == Connected
}

// IsDraining reports whether a drain sequence is running.
func (conn *Conn) IsDraining() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.isDrainingLocked()
}

// ConnectedURL returns the URL of the current server, or "" when not
// connected.
func (conn *Conn) ConnectedURL() string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.status != Connected || conn.current == nil {
		return ""
	}
	return conn.current.url.String()
}

// ConnectedServerID returns the server_id from the handshake INFO.
func (conn *Conn) ConnectedServerID() string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.status != Connected {
		return ""
	}
	return conn.info.ID
}

// ConnectedServerVersion returns the server version from the handshake.
func (conn *Conn) ConnectedServerVersion() string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.status != Connected {
		return ""
	}
	return conn.info.Version
}

// MaxPayload returns the payload ceiling advertised by the server.
func (conn *Conn) MaxPayload() int64 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.info.MaxPayload
}

// LastError returns the last error recorded on the connection.
func (conn *Conn) LastError() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.lastErr
}

// Stats returns a snapshot of the connection counters.
func (conn *Conn) Stats() Statistics {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.stats
}

// Buffered returns the bytes waiting in the coalescing or pending buffer.
func (conn *Conn) Buffered() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.pending != nil {
		return conn.pending.len()
	}
	return conn.bw.len()
}

// Servers returns every pool URL, configured and discovered.
func (conn *Conn) Servers() []string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.pool.urlList()
}

// DiscoveredServers returns the pool URLs learned from INFO.
func (conn *Conn) DiscoveredServers() []string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	var urls []string
	for _, srv := range conn.pool.servers {
		if srv.isImplicit {
			urls = append(urls, srv.url.String())
		}
	}
	return urls
}
