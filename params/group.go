package params

import (
	"fmt"
	"strings"
)

// PrivacyMode isolates credentials-bearing traffic from anonymous traffic:
// sockets opened in one mode are never reused in the other.
type PrivacyMode int

const (
	PrivacyModeDisabled PrivacyMode = iota
	PrivacyModeEnabled
)

// GroupKey identifies an admission-control and socket-reuse bucket. Two
// requests with equal keys may reuse each other's idle sockets.
type GroupKey struct {
	Destination  Endpoint
	Privacy      PrivacyMode
	IsolationKey string
	DNSPolicy    DNSPolicy
	ProxyChain   string
}

// GroupKeyFor derives the reuse bucket from a params tree. IsolationKey
// partitions reuse further (e.g. per top-level site).
func GroupKeyFor(p *Params, privacy PrivacyMode, isolationKey string) GroupKey {
	return GroupKey{
		Destination:  p.Destination(),
		Privacy:      privacy,
		IsolationKey: isolationKey,
		DNSPolicy:    p.dnsPolicy(),
		ProxyChain:   p.proxyChain(),
	}
}

func (p *Params) dnsPolicy() DNSPolicy {
	if p.Transport != nil {
		return p.Transport.DNSPolicy
	}
	if p.SSL != nil && p.SSL.Transport != nil {
		return p.SSL.Transport.DNSPolicy
	}
	return DNSDefault
}

// proxyChain renders the route portion of the key: the proxy endpoints
// between the caller and the destination, outermost first.
func (p *Params) proxyChain() string {
	var parts []string
	socks := p.SOCKS
	hp := p.HTTPProxy
	if p.SSL != nil {
		if p.SSL.SOCKS != nil {
			socks = p.SSL.SOCKS
		}
		if p.SSL.HTTPProxy != nil {
			hp = p.SSL.HTTPProxy
		}
	}
	if socks != nil {
		parts = append(parts, "socks5://"+socks.Proxy.Destination.Addr())
	}
	if hp != nil {
		if hp.ProxySSL != nil {
			parts = append(parts, "https://"+hp.ProxySSL.Transport.Destination.Addr())
		} else {
			parts = append(parts, "http://"+hp.Proxy.Destination.Addr())
		}
	}
	if len(parts) == 0 {
		return "direct"
	}
	return strings.Join(parts, ",")
}

// String renders a stable map key. The format is diagnostic only; callers
// must not parse it.
func (k GroupKey) String() string {
	var b strings.Builder
	if k.Privacy == PrivacyModeEnabled {
		b.WriteString("pm/")
	}
	b.WriteString(k.Destination.Addr())
	b.WriteString("|")
	b.WriteString(k.ProxyChain)
	if k.IsolationKey != "" {
		fmt.Fprintf(&b, "|nik=%s", k.IsolationKey)
	}
	if k.DNSPolicy != DNSDefault {
		fmt.Fprintf(&b, "|dns=%d", k.DNSPolicy)
	}
	return b.String()
}
