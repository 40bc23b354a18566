package pool

import (
	"context"
	"net"
	"time"

	"github.com/sardanioss/netpool/netlog"
	"github.com/sardanioss/netpool/params"
	"github.com/sardanioss/netpool/transport"
)

type transportJobState int

const (
	transportStateResolve transportJobState = iota
	transportStateResolveComplete
	transportStateConnect
	transportStateConnectComplete
	transportStateNone
)

// transportConnectJob resolves the destination and connects TCP, trying
// IPv6 addresses before IPv4 and recording every attempt.
//
// Fields below the baseJob are written by I/O goroutines and read by the
// timeout path; they are guarded by the baseJob mutex.
type transportConnectJob struct {
	baseJob

	dialer *transport.Dialer
	dest   params.Endpoint
	policy params.DNSPolicy

	ctx    context.Context
	cancel context.CancelFunc

	next     transportJobState
	addrs    []net.IP
	attempts []transport.Attempt
	conn     net.Conn
	socket   Socket
}

func newTransportConnectJob(dialer *transport.Dialer, t *params.Transport, priority params.Priority, timeout time.Duration, delegate Delegate) *transportConnectJob {
	j := &transportConnectJob{
		dialer: dialer,
		dest:   t.Destination,
		policy: t.DNSPolicy,
		next:   transportStateResolve,
	}
	j.ctx, j.cancel = context.WithCancel(context.Background())
	j.init(j, delegate, priority, timeout, netlog.New("transport_connect_job"))
	return j
}

func (j *transportConnectJob) Connect() error { return j.connect(j.loop) }

func (j *transportConnectJob) loop(result error) error {
	for {
		state := j.next
		j.next = transportStateNone
		switch state {
		case transportStateResolve:
			j.setState(LoadStateResolvingHost)
			j.log.Begin(netlog.EventHostResolution, netlog.Fields{"host": j.dest.Host})
			j.next = transportStateResolveComplete
			go j.resolve()
			return ErrIOPending

		case transportStateResolveComplete:
			j.log.End(netlog.EventHostResolution, result)
			if result != nil {
				return layerErr(LayerResolution, result)
			}
			result = nil
			j.next = transportStateConnect

		case transportStateConnect:
			j.setState(LoadStateConnecting)
			j.log.Begin(netlog.EventTCPConnect, netlog.Fields{"addr": j.dest.Addr()})
			j.next = transportStateConnectComplete
			go j.dial()
			return ErrIOPending

		case transportStateConnectComplete:
			j.log.End(netlog.EventTCPConnect, result)
			if result != nil {
				return layerErr(LayerTCP, result)
			}
			j.mu.Lock()
			j.socket = NewSocket(j.conn)
			j.conn = nil
			j.mu.Unlock()
			return nil

		default:
			return ErrSocketNotConnected
		}
	}
}

func (j *transportConnectJob) resolve() {
	ips, err := j.dialer.Resolve(j.ctx, j.dest, j.policy)
	j.mu.Lock()
	j.addrs = ips
	j.mu.Unlock()
	j.onIOComplete(j.loop, err)
}

func (j *transportConnectJob) dial() {
	j.mu.Lock()
	ips := j.addrs
	j.mu.Unlock()
	conn, attempts, err := j.dialer.DialAddrs(j.ctx, ips, j.dest.Port)
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	j.conn = conn
	j.attempts = append(j.attempts, attempts...)
	j.mu.Unlock()
	j.onIOComplete(j.loop, err)
}

func (j *transportConnectJob) ReleaseSocket() Socket {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.socket
	j.socket = nil
	return s
}

func (j *transportConnectJob) FillHandle(h *Handle) {
	j.mu.Lock()
	defer j.mu.Unlock()
	h.Attempts = append(h.Attempts, j.attempts...)
}

func (j *transportConnectJob) Close() {
	j.abort()
	j.cancel()
	j.mu.Lock()
	conn, socket := j.conn, j.socket
	j.conn, j.socket = nil, nil
	j.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if socket != nil {
		socket.Close()
	}
}
