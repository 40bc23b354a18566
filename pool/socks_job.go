package pool

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sardanioss/netpool/netlog"
	"github.com/sardanioss/netpool/params"
	"github.com/sardanioss/netpool/proxy"
	"github.com/sardanioss/netpool/transport"
)

type socksJobState int

const (
	socksStateTransport socksJobState = iota
	socksStateTransportComplete
	socksStateResolveDest
	socksStateResolveDestComplete
	socksStateHandshake
	socksStateHandshakeComplete
	socksStateNone
)

// socksConnectJob connects to a SOCKS5 proxy through an inner transport
// job and negotiates the proxy handshake. Destination resolution happens
// at the proxy unless the params ask for local resolution.
type socksConnectJob struct {
	baseJob

	dialer *transport.Dialer
	p      *params.SOCKS

	ctx    context.Context
	cancel context.CancelFunc

	next     socksJobState
	inner    *transportConnectJob
	socket   Socket
	destIP   net.IP
	attempts []transport.Attempt
}

func newSOCKSConnectJob(dialer *transport.Dialer, p *params.SOCKS, priority params.Priority, timeout time.Duration, delegate Delegate) *socksConnectJob {
	j := &socksConnectJob{
		dialer: dialer,
		p:      p,
		next:   socksStateTransport,
	}
	j.ctx, j.cancel = context.WithCancel(context.Background())
	j.init(j, delegate, priority, timeout, netlog.New("socks_connect_job"))
	return j
}

func (j *socksConnectJob) Connect() error { return j.connect(j.loop) }

// OnConnectJobComplete receives the inner transport job's result.
func (j *socksConnectJob) OnConnectJobComplete(_ ConnectJob, err error) {
	j.onIOComplete(j.loop, err)
}

func (j *socksConnectJob) loop(result error) error {
	for {
		state := j.next
		j.next = socksStateNone
		switch state {
		case socksStateTransport:
			// The inner job has no timeout of its own; this job's timer
			// covers the whole connect.
			inner := newTransportConnectJob(j.dialer, j.p.Proxy, j.Priority(), 0, j)
			j.mu.Lock()
			j.inner = inner
			j.mu.Unlock()
			j.next = socksStateTransportComplete
			err := inner.Connect()
			if err == ErrIOPending {
				return ErrIOPending
			}
			result = err

		case socksStateTransportComplete:
			j.mu.Lock()
			inner := j.inner
			j.inner = nil
			j.mu.Unlock()

			inner.mu.Lock()
			innerAttempts := inner.attempts
			inner.mu.Unlock()
			j.mu.Lock()
			j.attempts = append(j.attempts, innerAttempts...)
			j.mu.Unlock()

			if result != nil {
				inner.Close()
				return result
			}
			result = nil
			socket := inner.ReleaseSocket()
			j.mu.Lock()
			j.socket = socket
			j.mu.Unlock()
			if j.p.ResolveRemotely {
				j.next = socksStateHandshake
			} else {
				j.next = socksStateResolveDest
			}

		case socksStateResolveDest:
			j.setState(LoadStateResolvingHost)
			j.next = socksStateResolveDestComplete
			go j.resolveDest()
			return ErrIOPending

		case socksStateResolveDestComplete:
			if result != nil {
				return layerErr(LayerResolution, result)
			}
			result = nil
			j.next = socksStateHandshake

		case socksStateHandshake:
			j.setState(LoadStateConnecting)
			j.log.Begin(netlog.EventSOCKSHandshake, netlog.Fields{"proxy": j.p.Proxy.Destination.Addr()})
			j.next = socksStateHandshakeComplete
			go j.handshake()
			return ErrIOPending

		case socksStateHandshakeComplete:
			j.log.End(netlog.EventSOCKSHandshake, result)
			if result != nil {
				return layerErr(LayerSOCKS, result)
			}
			return nil

		default:
			return ErrSocketNotConnected
		}
	}
}

func (j *socksConnectJob) resolveDest() {
	ip, err := j.dialer.DNSCache.ResolveOne(j.ctx, j.p.Destination.Host)
	j.destIP = ip
	j.onIOComplete(j.loop, err)
}

func (j *socksConnectJob) handshake() {
	j.mu.Lock()
	socket := j.socket
	j.mu.Unlock()
	if socket == nil {
		return
	}
	dest := j.p.Destination
	if j.destIP != nil {
		dest = params.Endpoint{Host: j.destIP.String(), Port: dest.Port}
	}
	client := &proxy.SOCKS5Client{
		Destination:     dest,
		ResolveRemotely: j.p.ResolveRemotely,
		Username:        j.p.Username,
		Password:        j.p.Password,
	}
	err := client.Handshake(j.ctx, socket)
	if err != nil && errors.Is(j.ctx.Err(), context.Canceled) {
		err = j.ctx.Err()
	}
	j.onIOComplete(j.loop, err)
}

func (j *socksConnectJob) ReleaseSocket() Socket {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.socket
	j.socket = nil
	return s
}

func (j *socksConnectJob) FillHandle(h *Handle) {
	j.mu.Lock()
	defer j.mu.Unlock()
	h.Attempts = append(h.Attempts, j.attempts...)
}

func (j *socksConnectJob) Close() {
	j.abort()
	j.cancel()
	j.mu.Lock()
	inner, socket := j.inner, j.socket
	j.inner, j.socket = nil, nil
	j.mu.Unlock()
	if inner != nil {
		inner.Close()
	}
	if socket != nil {
		socket.Close()
	}
}
