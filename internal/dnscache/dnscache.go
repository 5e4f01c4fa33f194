// Package dnscache provides a TTL-bound hostname resolution cache for the
// egress proxy.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 5 * time.Minute

type entry struct {
	addrs     []string
	expiresAt time.Time
}

// Cache resolves hostnames and caches results for a fixed TTL. Concurrent
// lookups for the same hostname are collapsed into a single resolution.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	// lookup and now are swappable for tests.
	lookup func(ctx context.Context, host string) ([]string, error)
	now    func() time.Time
}

// New creates a Cache with the given TTL (DefaultTTL if zero).
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		lookup:  net.DefaultResolver.LookupHost,
		now:     time.Now,
	}
}

// Resolve returns the addresses for hostname, consulting the cache first.
// Failed lookups propagate the error and are not cached.
func (c *Cache) Resolve(ctx context.Context, hostname string) ([]string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return []string{hostname}, nil
	}

	c.mu.RLock()
	e, ok := c.entries[hostname]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.addrs, nil
	}

	v, err, _ := c.group.Do(hostname, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have filled
		// the entry while this one waited.
		c.mu.RLock()
		e, ok := c.entries[hostname]
		c.mu.RUnlock()
		if ok && c.now().Before(e.expiresAt) {
			return e.addrs, nil
		}

		ips, err := c.lookup(ctx, hostname)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", hostname, err)
		}

		c.mu.Lock()
		c.entries[hostname] = entry{addrs: ips, expiresAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return ips, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
