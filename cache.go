package mitmca

import (
	"crypto/tls"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// certCache memoizes host -> issued certificate. Concurrent first access
// for the same host is collapsed into a single issuance via singleflight;
// distinct hosts issue concurrently. Keys are exact host strings, no
// wildcard folding.
type certCache struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate

	group  singleflight.Group
	issued atomic.Uint64
}

func newCertCache() *certCache {
	return &certCache{certs: make(map[string]*tls.Certificate)}
}

// getOrIssue returns the cached certificate for host, issuing one with
// issue if absent. The second return value reports a cache hit.
func (c *certCache) getOrIssue(host string, issue func(string) (*tls.Certificate, error)) (*tls.Certificate, bool, error) {
	c.mu.RLock()
	cert, ok := c.certs[host]
	c.mu.RUnlock()
	if ok {
		return cert, true, nil
	}

	v, err, _ := c.group.Do(host, func() (any, error) {
		// Re-check under the flight: a previous flight may have
		// completed between the miss and Do.
		c.mu.RLock()
		cert, ok := c.certs[host]
		c.mu.RUnlock()
		if ok {
			return cert, nil
		}

		cert, err := issue(host)
		if err != nil {
			return nil, err
		}
		c.issued.Add(1)

		c.mu.Lock()
		c.certs[host] = cert
		c.mu.Unlock()

		return cert, nil
	})
	if err != nil {
		return nil, false, err
	}

	return v.(*tls.Certificate), false, nil
}

// lookup is a non-issuing peek used by diagnostics and the admin API.
func (c *certCache) lookup(host string) (*tls.Certificate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cert, ok := c.certs[host]
	return cert, ok
}

// hosts returns the cached host names in no particular order.
func (c *certCache) hosts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hosts := make([]string, 0, len(c.certs))
	for h := range c.certs {
		hosts = append(hosts, h)
	}
	return hosts
}

func (c *certCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.certs)
}

// invalidateAll empties the cache. Certificates issued by a flight still in
// progress land in the old map snapshot semantics: they are re-issued on
// the next request after invalidation.
func (c *certCache) invalidateAll() {
	c.mu.Lock()
	c.certs = make(map[string]*tls.Certificate)
	c.mu.Unlock()
}

// issuedCount returns the number of signing operations performed by this
// cache since creation.
func (c *certCache) issuedCount() uint64 {
	return c.issued.Load()
}
