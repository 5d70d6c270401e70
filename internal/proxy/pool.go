// Package proxy hands out exclusive leases on outbound proxy endpoints.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/hivemind-academic/scholar-scraper/internal/metrics"
)

// ErrNoEndpoints is returned by LoadFile when the file lists no proxies.
var ErrNoEndpoints = errors.New("proxy: no endpoints configured")

// Endpoint is one outbound proxy.
type Endpoint struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Auth     *Auth  `json:"auth,omitempty"`
}

// Auth carries optional proxy credentials.
type Auth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Address returns host:port, the identity used to match releases.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL renders the endpoint as a proxy URL understood by net/http.
func (e Endpoint) URL() *url.URL {
	scheme := e.Protocol
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: e.Address()}
	if e.Auth != nil && e.Auth.Username != "" {
		u.User = url.UserPassword(e.Auth.Username, e.Auth.Password)
	}
	return u
}

// Lease is an exclusive claim on an Endpoint. Return it with Pool.Release.
type Lease struct {
	Endpoint Endpoint
}

type entry struct {
	endpoint Endpoint
	inUse    bool
}

// Pool tracks which endpoints are leased. Acquire never blocks: when every
// endpoint is taken the caller proceeds without a proxy.
type Pool struct {
	mu      sync.Mutex
	entries []entry
	inUse   int
}

// NewPool builds a pool over the given endpoints in order.
func NewPool(endpoints []Endpoint) *Pool {
	entries := make([]entry, len(endpoints))
	for i, ep := range endpoints {
		entries[i] = entry{endpoint: ep}
	}
	return &Pool{entries: entries}
}

// LoadFile reads a JSON array of endpoints.
func LoadFile(path string) ([]Endpoint, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	var endpoints []Endpoint
	if err := json.Unmarshal(raw, &endpoints); err != nil {
		return nil, fmt.Errorf("decode proxy file %s: %w", path, err)
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	for i, ep := range endpoints {
		if ep.Host == "" || ep.Port <= 0 {
			return nil, fmt.Errorf("proxy file %s: entry %d needs host and port", path, i)
		}
	}
	return endpoints, nil
}

// Acquire leases the first free endpoint. It reports false when the pool is
// empty or exhausted.
func (p *Pool) Acquire() (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		if p.entries[i].inUse {
			continue
		}
		p.entries[i].inUse = true
		p.inUse++
		metrics.SetProxyLeasesInUse(p.inUse)
		return &Lease{Endpoint: p.entries[i].endpoint}, true
	}
	if len(p.entries) > 0 {
		metrics.ObserveProxyExhausted()
	}
	return nil, false
}

// Release frees the endpoint matching the lease by host and port. Releasing
// twice, releasing nil, or releasing an unknown endpoint is a no-op.
func (p *Pool) Release(lease *Lease) {
	if lease == nil {
		return
	}
	addr := lease.Endpoint.Address()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].endpoint.Address() != addr {
			continue
		}
		if p.entries[i].inUse {
			p.entries[i].inUse = false
			p.inUse--
			metrics.SetProxyLeasesInUse(p.inUse)
		}
		return
	}
}

// Size returns the number of tracked endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// InUse returns the number of leased endpoints.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}
