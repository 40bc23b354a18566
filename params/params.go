// Package params describes how to reach a destination: directly, through a
// SOCKS proxy, or through an HTTP/HTTPS proxy tunnel, each optionally
// wrapped in TLS. A params tree is built once by the caller, shared by
// reference between the pool and its connect jobs, and never mutated.
package params

import (
	"fmt"
	"net"
	"strconv"
)

// Priority orders pending requests within a group. Higher values are served
// first; ties are broken by arrival order.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityMaximum

	NumPriorities = int(PriorityMaximum) + 1
)

// String returns a short name for diagnostics output.
func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityLowest:
		return "lowest"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityMaximum:
		return "maximum"
	}
	return "unknown"
}

// DNSPolicy selects how the destination host is resolved.
type DNSPolicy int

const (
	// DNSDefault resolves through the configured resolver.
	DNSDefault DNSPolicy = iota
	// DNSBypassCache forces a fresh lookup.
	DNSBypassCache
	// DNSNoResolve requires the host to already be a literal IP. Used for
	// socks5h-style proxies where the proxy resolves the name.
	DNSNoResolve
)

// Endpoint is a host and port. Host may be a name or an IP literal.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the endpoint in host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Addr() }

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool { return e.Host == "" && e.Port == 0 }

// Transport is the leaf of a params tree: a plain TCP connection to the
// destination.
type Transport struct {
	Destination Endpoint
	DNSPolicy   DNSPolicy
}

// SOCKS describes a connection made through a SOCKS5 proxy. The proxy
// itself is reached with Proxy; Destination is what the proxy is asked to
// connect to.
type SOCKS struct {
	Proxy       *Transport
	Destination Endpoint

	// ResolveRemotely asks the proxy to resolve Destination.Host instead
	// of resolving locally (socks5h semantics).
	ResolveRemotely bool

	Username string
	Password string
}

// HTTPProxy describes a connection made through an HTTP-speaking proxy.
// Exactly one of Proxy (cleartext proxy) or ProxySSL (proxy reached over
// TLS) is set.
type HTTPProxy struct {
	Proxy       *Transport
	ProxySSL    *SSL
	Destination Endpoint

	// Tunnel requests a CONNECT tunnel. When false the socket is handed
	// out after the transport (and optional TLS-to-proxy) step, for
	// callers that speak plain proxied HTTP themselves.
	Tunnel bool

	// UserAgent, when non-empty, is sent on the CONNECT request.
	UserAgent string
}

// TLSConfig carries the handshake-level settings for an SSL layer. The TLS
// record layer itself is an external collaborator; these fields only drive
// the handshake.
type TLSConfig struct {
	ServerName         string
	MinVersion         uint16
	MaxVersion         uint16
	NextProtos         []string
	InsecureSkipVerify bool
}

// SSL wraps one of the other three layers in TLS. Exactly one of
// Transport, SOCKS, HTTPProxy is set.
type SSL struct {
	Transport *Transport
	SOCKS     *SOCKS
	HTTPProxy *HTTPProxy

	TLS TLSConfig
}

// innerCount reports how many alternatives are populated.
func (s *SSL) innerCount() int {
	n := 0
	if s.Transport != nil {
		n++
	}
	if s.SOCKS != nil {
		n++
	}
	if s.HTTPProxy != nil {
		n++
	}
	return n
}

// Kind tags the top level of a params tree.
type Kind int

const (
	KindTransport Kind = iota
	KindSOCKS
	KindHTTPProxy
	KindSSL
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindSOCKS:
		return "socks"
	case KindHTTPProxy:
		return "http_proxy"
	case KindSSL:
		return "ssl"
	}
	return "unknown"
}

// Params is the top of a tree: exactly one alternative is populated. This
// is a tagged union, not an optional-field struct; Validate enforces the
// invariant at every nesting level.
type Params struct {
	Transport *Transport
	SOCKS     *SOCKS
	HTTPProxy *HTTPProxy
	SSL       *SSL
}

// ForTransport builds a direct-connection params tree.
func ForTransport(dest Endpoint) *Params {
	return &Params{Transport: &Transport{Destination: dest}}
}

// ForSOCKS builds a SOCKS5 params tree.
func ForSOCKS(proxy, dest Endpoint) *Params {
	return &Params{SOCKS: &SOCKS{
		Proxy:       &Transport{Destination: proxy},
		Destination: dest,
	}}
}

// ForHTTPTunnel builds an HTTP CONNECT tunnel params tree.
func ForHTTPTunnel(proxy, dest Endpoint) *Params {
	return &Params{HTTPProxy: &HTTPProxy{
		Proxy:       &Transport{Destination: proxy},
		Destination: dest,
		Tunnel:      true,
	}}
}

// ForSSL wraps an existing params tree in a TLS layer.
func ForSSL(inner *Params, tls TLSConfig) *Params {
	return &Params{SSL: &SSL{
		Transport: inner.Transport,
		SOCKS:     inner.SOCKS,
		HTTPProxy: inner.HTTPProxy,
		TLS:       tls,
	}}
}

// Kind returns the populated alternative's tag. Only meaningful after
// Validate.
func (p *Params) Kind() Kind {
	switch {
	case p.SSL != nil:
		return KindSSL
	case p.HTTPProxy != nil:
		return KindHTTPProxy
	case p.SOCKS != nil:
		return KindSOCKS
	default:
		return KindTransport
	}
}

// Destination returns the logical destination endpoint of the tree,
// descending through proxy layers.
func (p *Params) Destination() Endpoint {
	switch {
	case p.SSL != nil:
		switch {
		case p.SSL.Transport != nil:
			return p.SSL.Transport.Destination
		case p.SSL.SOCKS != nil:
			return p.SSL.SOCKS.Destination
		case p.SSL.HTTPProxy != nil:
			return p.SSL.HTTPProxy.Destination
		}
	case p.HTTPProxy != nil:
		return p.HTTPProxy.Destination
	case p.SOCKS != nil:
		return p.SOCKS.Destination
	case p.Transport != nil:
		return p.Transport.Destination
	}
	return Endpoint{}
}

// Validate checks the exactly-one invariant at every level of the tree.
func (p *Params) Validate() error {
	n := 0
	if p.Transport != nil {
		n++
	}
	if p.SOCKS != nil {
		n++
	}
	if p.HTTPProxy != nil {
		n++
	}
	if p.SSL != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("params: %d alternatives populated, want exactly 1", n)
	}
	if p.SOCKS != nil {
		return validateSOCKS(p.SOCKS)
	}
	if p.HTTPProxy != nil {
		return validateHTTPProxy(p.HTTPProxy)
	}
	if p.SSL != nil {
		if p.SSL.innerCount() != 1 {
			return fmt.Errorf("params: ssl layer has %d inner alternatives, want exactly 1", p.SSL.innerCount())
		}
		if p.SSL.SOCKS != nil {
			return validateSOCKS(p.SSL.SOCKS)
		}
		if p.SSL.HTTPProxy != nil {
			return validateHTTPProxy(p.SSL.HTTPProxy)
		}
	}
	return nil
}

func validateSOCKS(s *SOCKS) error {
	if s.Proxy == nil {
		return fmt.Errorf("params: socks layer missing proxy transport")
	}
	if s.Destination.IsZero() {
		return fmt.Errorf("params: socks layer missing destination")
	}
	return nil
}

func validateHTTPProxy(h *HTTPProxy) error {
	n := 0
	if h.Proxy != nil {
		n++
	}
	if h.ProxySSL != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("params: http proxy layer has %d proxy alternatives, want exactly 1", n)
	}
	if h.ProxySSL != nil && h.ProxySSL.Transport == nil {
		return fmt.Errorf("params: https proxy ssl layer must wrap a transport")
	}
	if h.Destination.IsZero() {
		return fmt.Errorf("params: http proxy layer missing destination")
	}
	return nil
}
