package relay

import (
	"math/rand"
	"net"
	"net/url"
	"strings"
)

const (
	defaultScheme = "relay"
	defaultPort   = "4222"
)

// server is one candidate endpoint in the pool. Implicit entries were
// discovered through INFO connect_urls rather than configured by the
// caller, and are replaced wholesale on the next discovery merge.
type server struct {
	url         *url.URL
	isImplicit  bool
	reconnects  int
	lastAuthErr *Error
	tlsName     string
}

// serverPool holds the ordered endpoint candidates. Rotation and merge
// run under the connection lock; the pool has no lock of its own.
type serverPool struct {
	servers []*server
}

// parseServerURL normalizes one configured URL, filling in the default
// scheme and port so pool dedupe can compare host:port directly.
func parseServerURL(serverURL string) (*url.URL, error) {
	raw := strings.TrimSpace(serverURL)
	if raw == "" {
		return nil, NewError(InvalidArgError, "empty server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = defaultScheme + "://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, NewError(InvalidArgError, "invalid server URL "+serverURL)
	}
	if parsed.Port() == "" {
		parsed.Host = net.JoinHostPort(parsed.Hostname(), defaultPort)
	}
	return parsed, nil
}

// newServerPool seeds the pool from the configured URLs, optionally
// shuffling so clients spread across a cluster.
func newServerPool(urls []string, randomize bool) (*serverPool, error) {
	pool := &serverPool{servers: make([]*server, 0, len(urls))}
	for _, serverURL := range urls {
		parsed, err := parseServerURL(serverURL)
		if err != nil {
			return nil, err
		}
		pool.servers = append(pool.servers, &server{url: parsed})
	}
	if len(pool.servers) == 0 {
		return nil, ErrNoServers
	}
	if randomize {
		pool.shuffle()
	}
	return pool, nil
}

func (pool *serverPool) shuffle() {
	rand.Shuffle(len(pool.servers), func(i, j int) {
		pool.servers[i], pool.servers[j] = pool.servers[j], pool.servers[i]
	})
}

func (pool *serverPool) size() int {
	return len(pool.servers)
}

func (pool *serverPool) first() *server {
	if len(pool.servers) == 0 {
		return nil
	}
	return pool.servers[0]
}

// rotate moves the head entry to the back, returning the entry that is now
// at the head.
func (pool *serverPool) rotate() *server {
	if len(pool.servers) < 2 {
		return pool.first()
	}
	head := pool.servers[0]
	copy(pool.servers, pool.servers[1:])
	pool.servers[len(pool.servers)-1] = head
	return pool.servers[0]
}

// drop removes an entry that exhausted its reconnect budget.
func (pool *serverPool) drop(target *server) {
	for i, candidate := range pool.servers {
		if candidate == target {
			pool.servers = append(pool.servers[:i], pool.servers[i+1:]...)
			return
		}
	}
}

func (pool *serverPool) contains(hostPort string) bool {
	for _, candidate := range pool.servers {
		if candidate.url.Host == hostPort {
			return true
		}
	}
	return false
}

// mergeDiscovered folds the connect_urls advertised by the server into the
// pool: new host:port entries are appended as implicit, entries already
// present (explicit or implicit) are kept, and implicit entries the server
// no longer advertises are pruned. The current server is never pruned.
// Returns true when the pool gained at least one new endpoint.
func (pool *serverPool) mergeDiscovered(urls []string, current *server, tlsName string) bool {
	if len(urls) == 0 {
		return false
	}

	advertised := make(map[string]bool, len(urls))
	changed := false
	for _, discovered := range urls {
		hostPort := strings.TrimSpace(discovered)
		if hostPort == "" {
			continue
		}
		advertised[hostPort] = true
		if pool.contains(hostPort) {
			continue
		}
		parsed, err := parseServerURL(hostPort)
		if err != nil {
			continue
		}
		pool.servers = append(pool.servers, &server{
			url:        parsed,
			isImplicit: true,
			tlsName:    tlsName,
		})
		changed = true
	}

	kept := pool.servers[:0]
	for _, candidate := range pool.servers {
		if candidate.isImplicit && candidate != current && !advertised[candidate.url.Host] {
			continue
		}
		kept = append(kept, candidate)
	}
	pool.servers = kept

	return changed
}

// urlList returns the pool's URLs in order, for the discovered-servers
// callback and for tests.
func (pool *serverPool) urlList() []string {
	urls := make([]string, 0, len(pool.servers))
	for _, candidate := range pool.servers {
		urls = append(urls, candidate.url.String())
	}
	return urls
}
