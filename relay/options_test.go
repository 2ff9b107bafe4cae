package relay

import (
	"testing"
	"time"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	if !opts.AllowReconnect {
		t.Fatalf("reconnect should be on by default")
	}
	if opts.MaxReconnect != DefaultMaxReconnect ||
		opts.ReconnectWait != DefaultReconnectWait ||
		opts.ReconnectBufSize != DefaultReconnectBufSize ||
		opts.Timeout != DefaultTimeout ||
		opts.PingInterval != DefaultPingInterval ||
		opts.MaxPingsOut != DefaultMaxPingsOut ||
		opts.DrainTimeout != DefaultDrainTimeout {
		t.Fatalf("unexpected defaults %+v", opts)
	}
}

func TestOptionSettersChain(t *testing.T) {
	opts := NewOptions().
		SetServers("relay://a:1", "relay://b:2").
		SetName("worker").
		SetVerbose(true).
		SetPedantic(true).
		SetNoRandomize(true).
		SetNoEcho(true).
		SetMaxReconnect(3).
		SetReconnectWait(time.Second).
		SetReconnectJitter(5*time.Millisecond, 50*time.Millisecond).
		SetReconnectBufSize(1024).
		SetTimeout(time.Minute).
		SetPingInterval(time.Minute).
		SetMaxPingsOut(7).
		SetDrainTimeout(time.Minute).
		SetSendAsap(true).
		SetIgnoreDiscoveredServers(true).
		SetUserInfo("user", "secret").
		SetToken("token")

	if len(opts.Servers) != 2 || opts.Name != "worker" || !opts.Verbose || !opts.Pedantic {
		t.Fatalf("chained setters lost values: %+v", opts)
	}
	if !opts.NoRandomize || !opts.NoEcho || !opts.SendAsap || !opts.IgnoreDiscoveredServers {
		t.Fatalf("chained flags lost: %+v", opts)
	}
	if opts.MaxReconnect != 3 || opts.ReconnectWait != time.Second ||
		opts.ReconnectJitter != 5*time.Millisecond || opts.ReconnectJitterTLS != 50*time.Millisecond ||
		opts.ReconnectBufSize != 1024 {
		t.Fatalf("reconnect options lost: %+v", opts)
	}
	if opts.User != "user" || opts.Password != "secret" || opts.Token != "token" {
		t.Fatalf("credentials lost: %+v", opts)
	}
}

func TestSetTLSConfigImpliesSecure(t *testing.T) {
	opts := NewOptions().SetTLSConfig(nil)
	if opts.Secure {
		t.Fatalf("nil TLS config must not force secure mode")
	}
}

func TestSetDispatcherPoolImpliesPooling(t *testing.T) {
	pool := NewDispatcherPool(1)
	defer pool.Close()
	opts := NewOptions().SetDispatcherPool(pool)
	if !opts.PooledDispatch || opts.DispatcherPool != pool {
		t.Fatalf("injected pool not recorded: %+v", opts)
	}
}
