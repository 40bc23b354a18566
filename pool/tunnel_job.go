package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sardanioss/netpool/auth"
	"github.com/sardanioss/netpool/netlog"
	"github.com/sardanioss/netpool/params"
	"github.com/sardanioss/netpool/proxy"
	"github.com/sardanioss/netpool/transport"
)

type tunnelJobState int

const (
	tunnelStateConnect tunnelJobState = iota
	tunnelStateConnectComplete
	tunnelStateNone
)

// tunnelConnectJob establishes a connection through an HTTP proxy. With
// Tunnel set it negotiates CONNECT, surviving auth challenges: on
// ErrProxyAuthRequested the job still yields a socket whose tunnel can be
// restarted with credentials, without redialing the transport.
type tunnelConnectJob struct {
	baseJob

	dialer     *transport.Dialer
	handshaker *transport.Handshaker
	authCache  *auth.Cache
	p          *params.HTTPProxy
	exchangeTO time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	next       tunnelJobState
	tunnel     *proxy.Tunnel
	controller *auth.Controller
	socket     Socket
	attempts   []transport.Attempt
}

func newTunnelConnectJob(dialer *transport.Dialer, handshaker *transport.Handshaker, authCache *auth.Cache, p *params.HTTPProxy, priority params.Priority, timeout, exchangeTimeout time.Duration, delegate Delegate) *tunnelConnectJob {
	j := &tunnelConnectJob{
		dialer:     dialer,
		handshaker: handshaker,
		authCache:  authCache,
		p:          p,
		exchangeTO: exchangeTimeout,
		next:       tunnelStateConnect,
	}
	j.ctx, j.cancel = context.WithCancel(context.Background())
	j.init(j, delegate, priority, timeout, netlog.New("http_proxy_connect_job"))
	return j
}

func (j *tunnelConnectJob) proxyEndpoint() params.Endpoint {
	if j.p.ProxySSL != nil {
		if inner := sslInnerTransport(j.p.ProxySSL); inner != nil {
			return inner.Destination
		}
	}
	return j.p.Proxy.Destination
}

func (j *tunnelConnectJob) Connect() error { return j.connect(j.loop) }

func (j *tunnelConnectJob) loop(result error) error {
	for {
		state := j.next
		j.next = tunnelStateNone
		switch state {
		case tunnelStateConnect:
			j.setState(LoadStateEstablishingProxyTunnel)
			proxyAddr := j.proxyEndpoint().Addr()
			controller := auth.NewController(proxyAddr, "Proxy-Authenticate", j.authCache, nil)
			tunnel := proxy.NewTunnel(proxy.TunnelConfig{
				Proxy:           j.proxyEndpoint(),
				Destination:     j.p.Destination,
				UserAgent:       j.p.UserAgent,
				Auth:            controller,
				Dial:            j.dialProxy,
				ExchangeTimeout: j.exchangeTO,
				Log:             j.log,
			})
			j.mu.Lock()
			j.controller = controller
			j.tunnel = tunnel
			j.mu.Unlock()
			j.next = tunnelStateConnectComplete
			go j.establish()
			return ErrIOPending

		case tunnelStateConnectComplete:
			if result != nil {
				switch {
				case errors.Is(result, proxy.ErrAuthRequested):
					// Terminal for the job, but the socket survives so
					// the caller can restart the tunnel after prompting.
					j.mu.Lock()
					j.socket = &tunnelSocket{tunnel: j.tunnel}
					j.mu.Unlock()
					return errors.Join(ErrProxyAuthRequested, result)
				case errors.Is(result, proxy.ErrTunnelResponse):
					return errors.Join(ErrTunnelFailed, result)
				default:
					return layerErr(LayerTunnel, result)
				}
			}
			j.mu.Lock()
			j.socket = &tunnelSocket{tunnel: j.tunnel}
			j.mu.Unlock()
			return nil

		default:
			return ErrSocketNotConnected
		}
	}
}

// dialProxy connects the transport leg to the proxy, adding TLS when the
// proxy itself is reached over it.
func (j *tunnelConnectJob) dialProxy(ctx context.Context) (net.Conn, error) {
	if j.p.ProxySSL != nil {
		inner := sslInnerTransport(j.p.ProxySSL)
		conn, attempts, err := j.dialer.DialContext(ctx, inner.Destination, inner.DNSPolicy)
		j.recordAttempts(attempts)
		if err != nil {
			return nil, err
		}
		res, err := j.handshaker.Handshake(ctx, conn, &transport.HandshakeConfig{TLS: j.p.ProxySSL.TLS})
		if err != nil {
			conn.Close()
			return nil, err
		}
		return res.Conn, nil
	}
	conn, attempts, err := j.dialer.DialContext(ctx, j.p.Proxy.Destination, j.p.Proxy.DNSPolicy)
	j.recordAttempts(attempts)
	return conn, err
}

func (j *tunnelConnectJob) recordAttempts(attempts []transport.Attempt) {
	j.mu.Lock()
	j.attempts = append(j.attempts, attempts...)
	j.mu.Unlock()
}

func (j *tunnelConnectJob) establish() {
	j.mu.Lock()
	tunnel := j.tunnel
	j.mu.Unlock()
	var err error
	if j.p.Tunnel {
		err = tunnel.Connect(j.ctx)
	} else {
		// Plain proxied HTTP: the socket is usable right after the
		// transport leg; callers address their requests at the proxy.
		var conn net.Conn
		conn, err = j.dialProxy(j.ctx)
		if err == nil {
			tunnel.AdoptConn(conn)
		}
	}
	j.onIOComplete(j.loop, err)
}

func (j *tunnelConnectJob) ReleaseSocket() Socket {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.socket
	j.socket = nil
	return s
}

func (j *tunnelConnectJob) FillHandle(h *Handle) {
	j.mu.Lock()
	defer j.mu.Unlock()
	h.Attempts = append(h.Attempts, j.attempts...)
	if j.tunnel != nil {
		h.ConnectResponse = j.tunnel.GetConnectResponseInfo()
		if !j.tunnel.Established() {
			h.tunnel = j.tunnel
			h.authController = j.controller
		}
	}
}

func (j *tunnelConnectJob) Close() {
	j.abort()
	j.cancel()
	j.mu.Lock()
	socket, tunnel := j.socket, j.tunnel
	j.socket = nil
	j.mu.Unlock()
	if socket != nil {
		socket.Close()
	} else if tunnel != nil {
		tunnel.Close()
	}
}

func sslInnerTransport(s *params.SSL) *params.Transport {
	return s.Transport
}

// tunnelSocket presents a proxy tunnel as a pooled socket. Until the
// tunnel is established (it may be parked on an auth challenge) the socket
// refuses I/O and reports itself as not idle, so it can never re-enter the
// idle list half-built.
type tunnelSocket struct {
	tunnel *proxy.Tunnel

	mu    sync.Mutex
	inner Socket
}

func (s *tunnelSocket) ensure() Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner == nil && s.tunnel.Established() {
		if conn := s.tunnel.Conn(); conn != nil {
			s.inner = NewSocket(conn)
		}
	}
	return s.inner
}

// Tunnel exposes the underlying tunnel for auth restarts.
func (s *tunnelSocket) Tunnel() *proxy.Tunnel { return s.tunnel }

func (s *tunnelSocket) Read(p []byte) (int, error) {
	if in := s.ensure(); in != nil {
		return in.Read(p)
	}
	return 0, ErrSocketNotConnected
}

func (s *tunnelSocket) Write(p []byte) (int, error) {
	if in := s.ensure(); in != nil {
		return in.Write(p)
	}
	return 0, ErrSocketNotConnected
}

func (s *tunnelSocket) Close() error { return s.tunnel.Close() }

func (s *tunnelSocket) LocalAddr() net.Addr {
	if in := s.ensure(); in != nil {
		return in.LocalAddr()
	}
	return &net.TCPAddr{}
}

func (s *tunnelSocket) RemoteAddr() net.Addr {
	if in := s.ensure(); in != nil {
		return in.RemoteAddr()
	}
	return &net.TCPAddr{}
}

func (s *tunnelSocket) SetDeadline(t time.Time) error {
	if in := s.ensure(); in != nil {
		return in.SetDeadline(t)
	}
	return ErrSocketNotConnected
}

func (s *tunnelSocket) SetReadDeadline(t time.Time) error {
	if in := s.ensure(); in != nil {
		return in.SetReadDeadline(t)
	}
	return ErrSocketNotConnected
}

func (s *tunnelSocket) SetWriteDeadline(t time.Time) error {
	if in := s.ensure(); in != nil {
		return in.SetWriteDeadline(t)
	}
	return ErrSocketNotConnected
}

func (s *tunnelSocket) IsConnected() bool {
	if in := s.ensure(); in != nil {
		return in.IsConnected()
	}
	return false
}

func (s *tunnelSocket) IsConnectedAndIdle() bool {
	if in := s.ensure(); in != nil {
		return in.IsConnectedAndIdle()
	}
	return false
}

func (s *tunnelSocket) WasEverUsed() bool {
	if in := s.ensure(); in != nil {
		return in.WasEverUsed()
	}
	return false
}
