package relay

import (
	"crypto/tls"
	"net"
	"time"
)

// Default option values.
const (
	DefaultTimeout            = 2 * time.Second
	DefaultReconnectWait      = 2 * time.Second
	DefaultReconnectJitter    = 100 * time.Millisecond
	DefaultReconnectJitterTLS = time.Second
	DefaultMaxReconnect       = 60
	DefaultPingInterval       = 2 * time.Minute
	DefaultMaxPingsOut        = 2
	DefaultReconnectBufSize   = 8 * 1024 * 1024
	DefaultDrainTimeout       = 30 * time.Second
	DefaultMaxChanLen         = 64 * 1024

	defaultBufSize         = 32 * 1024
	defaultPendingSize     = 32 * 1024
	maxControlLineSize     = 4 * 1024
	defaultFlushTimeout    = 10 * time.Second
	clientLang             = "go"
	clientVersion          = "1.0.0"
	clientProtocol         = 1
	defaultSubPendingMsgs  = 64 * 1024
	defaultSubPendingBytes = 64 * 1024 * 1024
)

// ConnHandler observes a connection lifecycle event.
type ConnHandler func(*Conn)

// ConnErrHandler observes a connection lifecycle event that carries the
// triggering error.
type ConnErrHandler func(*Conn, error)

// ErrHandler receives asynchronous errors; sub is nil for errors not tied
// to a subscription.
type ErrHandler func(*Conn, *Subscription, error)

// MsgHandler consumes a delivered message on a dispatcher goroutine.
type MsgHandler func(*Msg)

// Dialer establishes the transport socket; net.Dialer satisfies it.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// Options configures a connection. Zero value is not usable; start from
// NewOptions (or the package-level Connect) and chain setters.
type Options struct {
	Servers     []string
	Name        string
	Verbose     bool
	Pedantic    bool
	NoRandomize bool
	NoEcho      bool

	Secure    bool
	TLSConfig *tls.Config

	AllowReconnect       bool
	MaxReconnect         int
	ReconnectWait        time.Duration
	ReconnectJitter      time.Duration
	ReconnectJitterTLS   time.Duration
	ReconnectBufSize     int
	RetryOnFailedConnect bool

	Timeout      time.Duration
	PingInterval time.Duration
	MaxPingsOut  int
	DrainTimeout time.Duration

	// SendAsap disables the coalescing flusher; every protocol write goes
	// straight to the socket.
	SendAsap bool

	// IgnoreDiscoveredServers keeps INFO connect_urls out of the pool.
	IgnoreDiscoveredServers bool

	User     string
	Password string
	Token    string

	Dialer Dialer

	// PooledDispatch binds callback subscriptions to the shared dispatcher
	// pool instead of giving each its own delivery goroutine.
	PooledDispatch bool
	DispatcherPool *DispatcherPool

	// CallbackQueue serializes lifecycle callbacks; one is created per
	// connection when nil. Inject a shared instance to serialize across
	// connections.
	CallbackQueue *CallbackQueue

	ClosedCB        ConnHandler
	DisconnectedCB  ConnErrHandler
	ReconnectedCB   ConnHandler
	DiscoveredSrvCB ConnHandler
	LameDuckModeCB  ConnHandler
	AsyncErrorCB    ErrHandler
}

// NewOptions returns the default option set.
func NewOptions() *Options {
	return &Options{
		AllowReconnect:     true,
		MaxReconnect:       DefaultMaxReconnect,
		ReconnectWait:      DefaultReconnectWait,
		ReconnectJitter:    DefaultReconnectJitter,
		ReconnectJitterTLS: DefaultReconnectJitterTLS,
		ReconnectBufSize:   DefaultReconnectBufSize,
		Timeout:            DefaultTimeout,
		PingInterval:       DefaultPingInterval,
		MaxPingsOut:        DefaultMaxPingsOut,
		DrainTimeout:       DefaultDrainTimeout,
	}
}

// SetServers sets the candidate endpoint list.
func (opts *Options) SetServers(servers ...string) *Options {
	opts.Servers = append([]string(nil), servers...)
	return opts
}

// SetName sets the connection name reported in CONNECT.
func (opts *Options) SetName(name string) *Options {
	opts.Name = name
	return opts
}

// SetVerbose requests +OK acknowledgements from the server.
func (opts *Options) SetVerbose(verbose bool) *Options {
	opts.Verbose = verbose
	return opts
}

// SetPedantic requests strict server-side subject checking.
func (opts *Options) SetPedantic(pedantic bool) *Options {
	opts.Pedantic = pedantic
	return opts
}

// SetNoRandomize keeps the pool in configured order.
func (opts *Options) SetNoRandomize(noRandomize bool) *Options {
	opts.NoRandomize = noRandomize
	return opts
}

// SetNoEcho asks the server not to loop our own publishes back to us.
func (opts *Options) SetNoEcho(noEcho bool) *Options {
	opts.NoEcho = noEcho
	return opts
}

// SetSecure forces a TLS upgrade even if the server does not require one.
func (opts *Options) SetSecure(secure bool) *Options {
	opts.Secure = secure
	return opts
}

// SetTLSConfig sets the TLS configuration used for upgrades.
func (opts *Options) SetTLSConfig(config *tls.Config) *Options {
	opts.TLSConfig = config
	if config != nil {
		opts.Secure = true
	}
	return opts
}

// SetAllowReconnect enables or disables automatic reconnection.
func (opts *Options) SetAllowReconnect(allow bool) *Options {
	opts.AllowReconnect = allow
	return opts
}

// SetMaxReconnect bounds reconnect attempts per server; negative means
// unlimited.
func (opts *Options) SetMaxReconnect(max int) *Options {
	opts.MaxReconnect = max
	return opts
}

// SetReconnectWait sets the pause after a full pool lap while reconnecting.
func (opts *Options) SetReconnectWait(wait time.Duration) *Options {
	opts.ReconnectWait = wait
	return opts
}

// SetReconnectJitter sets the random spread added to the reconnect wait
// for plain and TLS connections respectively.
func (opts *Options) SetReconnectJitter(jitter, jitterTLS time.Duration) *Options {
	opts.ReconnectJitter = jitter
	opts.ReconnectJitterTLS = jitterTLS
	return opts
}

// SetReconnectBufSize bounds bytes buffered while reconnecting; zero or
// negative disables buffering.
func (opts *Options) SetReconnectBufSize(size int) *Options {
	opts.ReconnectBufSize = size
	return opts
}

// SetRetryOnFailedConnect hands a failed initial connect to the reconnect
// machinery instead of returning an error; the returned connection starts
// in RECONNECTING.
func (opts *Options) SetRetryOnFailedConnect(retry bool) *Options {
	opts.RetryOnFailedConnect = retry
	return opts
}

// SetTimeout sets the per-server dial and handshake timeout.
func (opts *Options) SetTimeout(timeout time.Duration) *Options {
	opts.Timeout = timeout
	return opts
}

// SetPingInterval sets the liveness probe period.
func (opts *Options) SetPingInterval(interval time.Duration) *Options {
	opts.PingInterval = interval
	return opts
}

// SetMaxPingsOut sets how many unanswered PINGs mark the connection stale.
func (opts *Options) SetMaxPingsOut(max int) *Options {
	opts.MaxPingsOut = max
	return opts
}

// SetDrainTimeout bounds each stage of a connection drain.
func (opts *Options) SetDrainTimeout(timeout time.Duration) *Options {
	opts.DrainTimeout = timeout
	return opts
}

// SetSendAsap disables write coalescing.
func (opts *Options) SetSendAsap(sendAsap bool) *Options {
	opts.SendAsap = sendAsap
	return opts
}

// SetIgnoreDiscoveredServers drops INFO connect_urls instead of merging
// them into the pool.
func (opts *Options) SetIgnoreDiscoveredServers(ignore bool) *Options {
	opts.IgnoreDiscoveredServers = ignore
	return opts
}

// SetUserInfo sets username/password authentication.
func (opts *Options) SetUserInfo(user, password string) *Options {
	opts.User = user
	opts.Password = password
	return opts
}

// SetToken sets token authentication.
func (opts *Options) SetToken(token string) *Options {
	opts.Token = token
	return opts
}

// SetDialer sets a custom transport dialer.
func (opts *Options) SetDialer(dialer Dialer) *Options {
	opts.Dialer = dialer
	return opts
}

// SetPooledDispatch routes callback subscriptions through the shared
// dispatcher pool.
func (opts *Options) SetPooledDispatch(pooled bool) *Options {
	opts.PooledDispatch = pooled
	return opts
}

// SetDispatcherPool injects the worker pool used for pooled dispatch.
func (opts *Options) SetDispatcherPool(pool *DispatcherPool) *Options {
	opts.DispatcherPool = pool
	if pool != nil {
		opts.PooledDispatch = true
	}
	return opts
}

// SetCallbackQueue injects the queue that serializes lifecycle callbacks.
func (opts *Options) SetCallbackQueue(queue *CallbackQueue) *Options {
	opts.CallbackQueue = queue
	return opts
}

// SetClosedHandler sets the callback fired once when the connection
// reaches CLOSED.
func (opts *Options) SetClosedHandler(handler ConnHandler) *Options {
	opts.ClosedCB = handler
	return opts
}

// SetDisconnectedHandler sets the callback fired when the connection is
// lost, with the triggering error.
func (opts *Options) SetDisconnectedHandler(handler ConnErrHandler) *Options {
	opts.DisconnectedCB = handler
	return opts
}

// SetReconnectedHandler sets the callback fired after a successful
// reconnect.
func (opts *Options) SetReconnectedHandler(handler ConnHandler) *Options {
	opts.ReconnectedCB = handler
	return opts
}

// SetDiscoveredServersHandler sets the callback fired when INFO
// connect_urls adds endpoints to the pool.
func (opts *Options) SetDiscoveredServersHandler(handler ConnHandler) *Options {
	opts.DiscoveredSrvCB = handler
	return opts
}

// SetLameDuckModeHandler sets the callback fired when the server announces
// a graceful shutdown.
func (opts *Options) SetLameDuckModeHandler(handler ConnHandler) *Options {
	opts.LameDuckModeCB = handler
	return opts
}

// SetErrorHandler sets the async error callback.
func (opts *Options) SetErrorHandler(handler ErrHandler) *Options {
	opts.AsyncErrorCB = handler
	return opts
}

// Statistics tracks message and byte counts plus reconnects for one
// connection. Snapshot via Conn.Stats.
type Statistics struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}
