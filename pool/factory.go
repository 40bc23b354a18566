package pool

import (
	"fmt"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/sardanioss/netpool/auth"
	"github.com/sardanioss/netpool/dns"
	"github.com/sardanioss/netpool/params"
	"github.com/sardanioss/netpool/transport"
)

// ConnectJobFactory builds connect jobs for a params tree. The pool only
// sees this interface; tests substitute their own factories.
type ConnectJobFactory interface {
	NewConnectJob(p *params.Params, priority params.Priority, delegate Delegate) (ConnectJob, error)
}

// JobFactoryConfig wires the production factory. Zero-value timeouts get
// defaults; a nil SessionCache gets a fresh LRU cache.
type JobFactoryConfig struct {
	Dialer       *transport.Dialer
	Handshaker   *transport.Handshaker
	AuthCache    *auth.Cache
	SessionCache utls.ClientSessionCache

	// ConnectTimeout bounds a whole connect job.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds only the TLS handshake phase.
	HandshakeTimeout time.Duration
	// ProxyExchangeTimeout bounds one CONNECT request/response exchange.
	ProxyExchangeTimeout time.Duration
}

type jobFactory struct {
	dialer           *transport.Dialer
	handshaker       *transport.Handshaker
	authCache        *auth.Cache
	sessionCache     utls.ClientSessionCache
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	exchangeTimeout  time.Duration
}

// NewJobFactory builds the production connect job factory.
func NewJobFactory(cfg JobFactoryConfig) ConnectJobFactory {
	f := &jobFactory{
		dialer:           cfg.Dialer,
		handshaker:       cfg.Handshaker,
		authCache:        cfg.AuthCache,
		sessionCache:     cfg.SessionCache,
		connectTimeout:   cfg.ConnectTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		exchangeTimeout:  cfg.ProxyExchangeTimeout,
	}
	if f.dialer == nil {
		f.dialer = transport.NewDialer(dns.NewCache())
	}
	if f.handshaker == nil {
		f.handshaker = &transport.Handshaker{}
	}
	if f.authCache == nil {
		f.authCache = auth.NewCache()
	}
	if f.sessionCache == nil {
		f.sessionCache = utls.NewLRUClientSessionCache(0)
	}
	if f.connectTimeout == 0 {
		f.connectTimeout = 4 * time.Minute
	}
	if f.handshakeTimeout == 0 {
		f.handshakeTimeout = 30 * time.Second
	}
	if f.exchangeTimeout == 0 {
		f.exchangeTimeout = 30 * time.Second
	}
	return f
}

func (f *jobFactory) NewConnectJob(p *params.Params, priority params.Priority, delegate Delegate) (ConnectJob, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return f.newInnerJob(p, priority, delegate)
}

func (f *jobFactory) newInnerJob(p *params.Params, priority params.Priority, delegate Delegate) (ConnectJob, error) {
	switch p.Kind() {
	case params.KindSSL:
		return newSSLConnectJob(f, p.SSL, priority, delegate), nil
	case params.KindHTTPProxy:
		return newTunnelConnectJob(f.dialer, f.handshaker, f.authCache, p.HTTPProxy, priority, f.connectTimeout, f.exchangeTimeout, delegate), nil
	case params.KindSOCKS:
		return newSOCKSConnectJob(f.dialer, p.SOCKS, priority, f.connectTimeout, delegate), nil
	case params.KindTransport:
		return newTransportConnectJob(f.dialer, p.Transport, priority, f.connectTimeout, delegate), nil
	default:
		return nil, fmt.Errorf("pool: unsupported params kind %v", p.Kind())
	}
}
