package relay

import (
	"errors"
	"testing"
)

func TestParseServerURLDefaults(t *testing.T) {
	parsed, err := parseServerURL("localhost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Scheme != "relay" || parsed.Host != "localhost:4222" {
		t.Fatalf("unexpected normalization: %s://%s", parsed.Scheme, parsed.Host)
	}

	parsed, err = parseServerURL("tls://broker.example.com:7222")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Scheme != "tls" || parsed.Host != "broker.example.com:7222" {
		t.Fatalf("explicit scheme or port lost: %s://%s", parsed.Scheme, parsed.Host)
	}

	if _, err := parseServerURL("   "); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("expected ErrInvalidArg for a blank URL, got %v", err)
	}
	if _, err := parseServerURL("relay://"); err == nil {
		t.Fatalf("expected an error for a hostless URL")
	}
}

func TestServerPoolOrderAndRotate(t *testing.T) {
	pool, err := newServerPool([]string{"a:1", "b:2", "c:3"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := pool.urlList(); got[0] != "relay://a:1" || got[1] != "relay://b:2" || got[2] != "relay://c:3" {
		t.Fatalf("pool order not preserved: %v", got)
	}

	next := pool.rotate()
	if next.url.Host != "b:2" {
		t.Fatalf("rotate returned %s, want b:2", next.url.Host)
	}
	if tail := pool.servers[2].url.Host; tail != "a:1" {
		t.Fatalf("rotated head did not move to the back: %s", tail)
	}

	pool.drop(next)
	if pool.size() != 2 || pool.contains("b:2") {
		t.Fatalf("drop failed: %v", pool.urlList())
	}
}

func TestServerPoolRejectsEmpty(t *testing.T) {
	if _, err := newServerPool(nil, false); !errors.Is(err, ErrNoServers) {
		t.Fatalf("expected ErrNoServers, got %v", err)
	}
}

func TestMergeDiscovered(t *testing.T) {
	pool, err := newServerPool([]string{"a:1"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	current := pool.servers[0]

	if !pool.mergeDiscovered([]string{"b:2", "c:3"}, current, "a") {
		t.Fatalf("expected the merge to report new endpoints")
	}
	if pool.size() != 3 || !pool.contains("b:2") || !pool.contains("c:3") {
		t.Fatalf("merge missed endpoints: %v", pool.urlList())
	}
	for _, srv := range pool.servers[1:] {
		if !srv.isImplicit || srv.tlsName != "a" {
			t.Fatalf("discovered entry not marked implicit: %+v", srv)
		}
	}

	// A later advertisement without c:3 prunes it; the explicit seed and the
	// still-advertised implicit entry survive.
	if pool.mergeDiscovered([]string{"b:2"}, current, "a") {
		t.Fatalf("merge without new endpoints should report no change")
	}
	if pool.size() != 2 || pool.contains("c:3") {
		t.Fatalf("stale implicit entry not pruned: %v", pool.urlList())
	}

	// The current server is never pruned even when no longer advertised.
	currentImplicit := pool.servers[1]
	if !pool.mergeDiscovered([]string{"d:4"}, currentImplicit, "a") {
		t.Fatalf("expected d:4 to be added")
	}
	if !pool.contains("b:2") {
		t.Fatalf("current server was pruned: %v", pool.urlList())
	}
}
