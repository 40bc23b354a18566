// Package dns provides TTL-aware host resolution for connect jobs. Lookups
// go through the system resolver by default, or through a configured DNS
// server (with real record TTLs) when one is set. Concurrent lookups for
// the same host are coalesced, and observers can be notified as soon as a
// resolution completes, before the connect that triggered it finishes.
package dns

import (
	"context"
	"net"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// Entry represents a cached resolution result.
type Entry struct {
	IPs       []net.IP
	ExpiresAt time.Time
	LookupAt  time.Time
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Observer is notified when a resolution completes. Used to opportunistically
// find an existing multiplexable session for a host before the raw connect
// finishes.
type Observer func(host string, ips []net.IP)

// Cache provides TTL-aware DNS caching.
type Cache struct {
	entries map[string]*Entry
	mu      sync.RWMutex

	resolver *net.Resolver
	flight   singleflight.Group

	// server, when non-empty ("ip:port"), routes lookups through miekg/dns
	// so record TTLs drive cache expiry instead of defaultTTL.
	server string
	client *mdns.Client

	defaultTTL time.Duration
	minTTL     time.Duration

	obsMu     sync.RWMutex
	observers []Observer
}

// NewCache creates a new DNS cache using the system resolver.
func NewCache() *Cache {
	return &Cache{
		entries:    make(map[string]*Entry),
		resolver:   net.DefaultResolver,
		defaultTTL: 5 * time.Minute,
		minTTL:     30 * time.Second,
	}
}

// NewCacheWithServer creates a cache that queries the given DNS server
// directly and honors record TTLs.
func NewCacheWithServer(server string) *Cache {
	c := NewCache()
	c.server = server
	c.client = &mdns.Client{Timeout: 5 * time.Second}
	return c
}

// AddObserver registers an early-resolution observer.
func (c *Cache) AddObserver(obs Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, obs)
	c.obsMu.Unlock()
}

func (c *Cache) notify(host string, ips []net.IP) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, obs := range observers {
		obs(host, ips)
	}
}

// Resolve looks up the IP addresses for a hostname. Returns the cached
// result if available and not expired; otherwise performs one lookup no
// matter how many callers ask concurrently.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return c.resolve(ctx, host, false)
}

// ResolveFresh bypasses the cache and forces a new lookup.
func (c *Cache) ResolveFresh(ctx context.Context, host string) ([]net.IP, error) {
	return c.resolve(ctx, host, true)
}

func (c *Cache) resolve(ctx context.Context, host string, bypassCache bool) ([]net.IP, error) {
	c.mu.RLock()
	entry, exists := c.entries[host]
	c.mu.RUnlock()

	if !bypassCache && exists && !entry.IsExpired() {
		return entry.IPs, nil
	}

	v, err, _ := c.flight.Do(host, func() (interface{}, error) {
		ips, ttl, err := c.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		if ttl < c.minTTL {
			ttl = c.minTTL
		}
		c.mu.Lock()
		c.entries[host] = &Entry{
			IPs:       ips,
			ExpiresAt: time.Now().Add(ttl),
			LookupAt:  time.Now(),
		}
		c.mu.Unlock()
		c.notify(host, ips)
		return ips, nil
	})
	if err != nil {
		// If lookup fails but we have a stale entry, use it.
		if exists {
			return entry.IPs, nil
		}
		return nil, err
	}
	return v.([]net.IP), nil
}

// lookup performs the actual DNS lookup and reports the TTL to cache the
// result for.
func (c *Cache) lookup(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	// Check if host is already an IP.
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, c.defaultTTL, nil
	}

	if c.server != "" {
		return c.lookupServer(ctx, host)
	}

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	ips := make([]net.IP, len(addrs))
	for i, addr := range addrs {
		ips[i] = addr.IP
	}
	return ips, c.defaultTTL, nil
}

// lookupServer queries AAAA and A records directly and takes the smallest
// TTL among the answers.
func (c *Cache) lookupServer(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	var ips []net.IP
	minTTL := uint32(0)
	fqdn := mdns.Fqdn(host)

	for _, qtype := range []uint16{mdns.TypeAAAA, mdns.TypeA} {
		m := new(mdns.Msg)
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true

		resp, _, err := c.client.ExchangeContext(ctx, m, c.server)
		if err != nil {
			if len(ips) > 0 {
				continue
			}
			return nil, 0, err
		}
		for _, rr := range resp.Answer {
			var ip net.IP
			switch record := rr.(type) {
			case *mdns.A:
				ip = record.A
			case *mdns.AAAA:
				ip = record.AAAA
			default:
				continue
			}
			ips = append(ips, ip)
			ttl := rr.Header().Ttl
			if minTTL == 0 || ttl < minTTL {
				minTTL = ttl
			}
		}
	}

	if len(ips) == 0 {
		return nil, 0, &net.DNSError{Err: "no addresses found", Name: host}
	}
	ttl := c.defaultTTL
	if minTTL > 0 {
		ttl = time.Duration(minTTL) * time.Second
	}
	return ips, ttl, nil
}

// ResolveOne returns a single IP address for the hostname, preferring IPv6.
func (c *Cache) ResolveOne(ctx context.Context, host string) (net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

// ResolveAllSorted returns all IPs sorted for Happy Eyeballs (RFC 8305):
// IPv6 addresses interleaved with IPv4.
func (c *Cache) ResolveAllSorted(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}

	var ipv4, ipv6 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			ipv4 = append(ipv4, ip)
		} else {
			ipv6 = append(ipv6, ip)
		}
	}

	result := make([]net.IP, 0, len(ips))
	i, j := 0, 0
	for i < len(ipv6) || j < len(ipv4) {
		if i < len(ipv6) {
			result = append(result, ipv6[i])
			i++
		}
		if j < len(ipv4) {
			result = append(result, ipv4[j])
			j++
		}
	}
	return result, nil
}

// Invalidate removes a hostname from the cache.
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Clear removes all entries from the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// SetTTL sets the default TTL for cached entries.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	c.defaultTTL = ttl
}

// Stats returns cache statistics.
func (c *Cache) Stats() (total int, expired int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	for _, entry := range c.entries {
		total++
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}
	return
}

// Cleanup removes expired entries from the cache.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for host, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, host)
		}
	}
}

// Seed inserts a resolution directly. Intended for tests and for callers
// that already hold an address list.
func (c *Cache) Seed(host string, ips []net.IP, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[host] = &Entry{IPs: ips, ExpiresAt: time.Now().Add(ttl), LookupAt: time.Now()}
	c.mu.Unlock()
}
