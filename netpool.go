// Package netpool provides a client-side connection pool engine: capped,
// priority-aware socket pools with idle reuse, connect-job racing, TLS
// layering, and SOCKS5/HTTP proxy support including CONNECT tunnels with
// proxy auth restarts.
//
// Basic usage:
//
//	engine := netpool.New()
//	defer engine.Close()
//
//	p := params.ForTransport(params.Endpoint{Host: "example.com", Port: 80})
//	handle, err := engine.GetSocket(ctx, p, params.PriorityMedium)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer handle.Release()
//
//	conn := handle.Socket()
//	// use conn, then Release to allow reuse
//
// With options:
//
//	engine := netpool.New(
//	    netpool.WithMaxSocketsPerGroup(10),
//	    netpool.WithBackupJobs(true),
//	    netpool.WithProxyCredentials("proxy.example:3128", "user", "pass"),
//	)
package netpool

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sardanioss/netpool/auth"
	"github.com/sardanioss/netpool/dns"
	"github.com/sardanioss/netpool/netlog"
	"github.com/sardanioss/netpool/params"
	"github.com/sardanioss/netpool/pool"
	"github.com/sardanioss/netpool/transport"
)

// Engine is the top-level entry point: a pool manager plus the shared
// collaborators every connect job uses (DNS cache, dialer, TLS
// handshaker, proxy credential cache).
type Engine struct {
	manager   *pool.Manager
	dnsCache  *dns.Cache
	authCache *auth.Cache
}

// Option configures the Engine.
type Option func(*engineConfig)

type engineConfig struct {
	dnsServer          string
	maxSockets         int
	maxSocketsPerGroup int
	unusedIdleTimeout  time.Duration
	usedIdleTimeout    time.Duration
	connectTimeout     time.Duration
	backupJobs         bool
	logger             *logrus.Logger
	credentials        []credential
}

type credential struct {
	origin   string
	username string
	password string
}

// WithDNSServer resolves through a specific DNS server (host:port)
// instead of the system resolver.
func WithDNSServer(server string) Option {
	return func(c *engineConfig) { c.dnsServer = server }
}

// WithMaxSockets caps the total sockets per proxy route.
func WithMaxSockets(n int) Option {
	return func(c *engineConfig) { c.maxSockets = n }
}

// WithMaxSocketsPerGroup caps sockets per destination group.
func WithMaxSocketsPerGroup(n int) Option {
	return func(c *engineConfig) { c.maxSocketsPerGroup = n }
}

// WithIdleTimeouts sets how long unused and used idle sockets are kept.
func WithIdleTimeouts(unused, used time.Duration) Option {
	return func(c *engineConfig) {
		c.unusedIdleTimeout = unused
		c.usedIdleTimeout = used
	}
}

// WithConnectTimeout bounds each connect job.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *engineConfig) { c.connectTimeout = d }
}

// WithBackupJobs races a second connect attempt when the first is slow.
func WithBackupJobs(enabled bool) Option {
	return func(c *engineConfig) { c.backupJobs = enabled }
}

// WithLogger routes pool diagnostics to a logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithProxyCredentials seeds the credential cache for a proxy origin
// (host:port), so CONNECT tunnels authenticate without a prompt cycle.
func WithProxyCredentials(origin, username, password string) Option {
	return func(c *engineConfig) {
		c.credentials = append(c.credentials, credential{origin, username, password})
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	cfg := &engineConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.logger != nil {
		netlog.SetLogger(cfg.logger)
	}

	var dnsCache *dns.Cache
	if cfg.dnsServer != "" {
		dnsCache = dns.NewCacheWithServer(cfg.dnsServer)
	} else {
		dnsCache = dns.NewCache()
	}

	authCache := auth.NewCache()
	for _, cred := range cfg.credentials {
		authCache.Add(cred.origin, "", auth.SchemeBasic,
			auth.Identity{Source: auth.IdentitySourceDefault, Username: cred.username, Password: cred.password}, "/")
	}

	factory := pool.NewJobFactory(pool.JobFactoryConfig{
		Dialer:         transport.NewDialer(dnsCache),
		Handshaker:     &transport.Handshaker{},
		AuthCache:      authCache,
		ConnectTimeout: cfg.connectTimeout,
	})

	manager := pool.NewManager(factory, pool.Options{
		MaxSockets:         cfg.maxSockets,
		MaxSocketsPerGroup: cfg.maxSocketsPerGroup,
		UnusedIdleTimeout:  cfg.unusedIdleTimeout,
		UsedIdleTimeout:    cfg.usedIdleTimeout,
		EnableBackupJobs:   cfg.backupJobs,
	})

	return &Engine{
		manager:   manager,
		dnsCache:  dnsCache,
		authCache: authCache,
	}
}

// GetSocket requests a socket and waits for it. The handle must be
// Released (or Reset) when the caller is done. On ErrProxyAuthRequested
// the handle carries the restartable tunnel and its auth controller.
func (e *Engine) GetSocket(ctx context.Context, p *params.Params, priority params.Priority) (*pool.Handle, error) {
	return e.GetSocketForGroup(ctx, p, params.GroupKeyFor(p, params.PrivacyModeDisabled, ""), priority)
}

// GetSocketForGroup is GetSocket with an explicit reuse bucket, for
// callers using privacy mode or isolation keys.
func (e *Engine) GetSocketForGroup(ctx context.Context, p *params.Params, key params.GroupKey, priority params.Priority) (*pool.Handle, error) {
	handle := &pool.Handle{}
	done := make(chan error, 1)
	err := e.manager.RequestSocket(p, key, priority, true, handle, func(err error) {
		done <- err
	})
	if err != pool.ErrIOPending {
		return handle, err
	}
	select {
	case err = <-done:
		return handle, err
	case <-ctx.Done():
		handle.Reset()
		return nil, ctx.Err()
	}
}

// RequestSocket is the callback form: nil means the handle was filled
// synchronously, ErrIOPending means the callback fires later.
func (e *Engine) RequestSocket(p *params.Params, key params.GroupKey, priority params.Priority, respectLimits bool, handle *pool.Handle, callback func(error)) error {
	return e.manager.RequestSocket(p, key, priority, respectLimits, handle, callback)
}

// Preconnect warms numSockets for a destination.
func (e *Engine) Preconnect(p *params.Params, numSockets int) error {
	return e.manager.Preconnect(p, params.GroupKeyFor(p, params.PrivacyModeDisabled, ""), numSockets)
}

// SetProxyCredentials adds proxy credentials at runtime.
func (e *Engine) SetProxyCredentials(origin, username, password string) {
	e.authCache.Add(origin, "", auth.SchemeBasic,
		auth.Identity{Source: auth.IdentitySourceDefault, Username: username, Password: password}, "/")
}

// DNSCache exposes the shared resolver cache.
func (e *Engine) DNSCache() *dns.Cache { return e.dnsCache }

// CloseIdleSockets drops all idle sockets.
func (e *Engine) CloseIdleSockets() { e.manager.CloseIdleSockets() }

// Flush invalidates every pool: jobs abort, idle sockets close, and
// handed-out sockets are closed on release instead of reused.
func (e *Engine) Flush(err error) { e.manager.FlushWithError(err) }

// Info snapshots all pools keyed by proxy route.
func (e *Engine) Info() map[string]pool.PoolInfo { return e.manager.Info() }

// Close shuts the engine down.
func (e *Engine) Close() {
	e.manager.Close()
	e.dnsCache.Clear()
}
