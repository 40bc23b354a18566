// Package transport establishes the lowest layers of a connection: the raw
// TCP socket and the TLS session on top of it. It does not know about
// pools, proxies, or authentication; connect jobs compose those on top.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sardanioss/netpool/dns"
	"github.com/sardanioss/netpool/params"
)

// Attempt records one failed endpoint dial, kept for diagnostics on the
// handle that eventually receives the socket or the error.
type Attempt struct {
	Addr string
	Err  error
}

// Dialer connects raw TCP sockets, resolving through a shared DNS cache
// and preferring IPv6 the way the resolver sorts addresses.
type Dialer struct {
	DNSCache       *dns.Cache
	ConnectTimeout time.Duration
}

// NewDialer creates a Dialer with the default per-attempt timeout.
func NewDialer(cache *dns.Cache) *Dialer {
	return &Dialer{
		DNSCache:       cache,
		ConnectTimeout: 30 * time.Second,
	}
}

// Resolve returns the candidate addresses for an endpoint under the given
// DNS policy, sorted for dialing.
func (d *Dialer) Resolve(ctx context.Context, dest params.Endpoint, policy params.DNSPolicy) ([]net.IP, error) {
	switch policy {
	case params.DNSNoResolve:
		ip := net.ParseIP(dest.Host)
		if ip == nil {
			return nil, fmt.Errorf("transport: %q is not an IP literal and resolution is disabled", dest.Host)
		}
		return []net.IP{ip}, nil
	case params.DNSBypassCache:
		if _, err := d.DNSCache.ResolveFresh(ctx, dest.Host); err != nil {
			return nil, err
		}
	}
	return d.DNSCache.ResolveAllSorted(ctx, dest.Host)
}

// DialContext resolves and connects to the endpoint. It tries all IPv6
// addresses first, then IPv4, and returns the failed attempts alongside
// any terminal error.
func (d *Dialer) DialContext(ctx context.Context, dest params.Endpoint, policy params.DNSPolicy) (net.Conn, []Attempt, error) {
	ips, err := d.Resolve(ctx, dest, policy)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: resolve %s: %w", dest.Host, err)
	}
	return d.DialAddrs(ctx, ips, dest.Port)
}

// DialAddrs connects to the first reachable address from an already
// resolved list.
func (d *Dialer) DialAddrs(ctx context.Context, ips []net.IP, port int) (net.Conn, []Attempt, error) {
	if len(ips) == 0 {
		return nil, nil, fmt.Errorf("transport: no addresses to dial")
	}

	var ipv6, ipv4 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			ipv4 = append(ipv4, ip)
		} else {
			ipv6 = append(ipv6, ip)
		}
	}

	dialer := &net.Dialer{Timeout: d.ConnectTimeout}
	var attempts []Attempt

	for _, ip := range ipv6 {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		conn, err := dialer.DialContext(ctx, "tcp6", addr)
		if err == nil {
			return conn, attempts, nil
		}
		attempts = append(attempts, Attempt{Addr: addr, Err: err})
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
	}

	var lastErr error
	for _, ip := range ipv4 {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		conn, err := dialer.DialContext(ctx, "tcp4", addr)
		if err == nil {
			return conn, attempts, nil
		}
		attempts = append(attempts, Attempt{Addr: addr, Err: err})
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
	}

	if lastErr == nil && len(attempts) > 0 {
		lastErr = attempts[len(attempts)-1].Err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("transport: no addresses available")
	}
	return nil, attempts, lastErr
}
