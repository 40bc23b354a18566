package pool

import (
	"context"
	"errors"

	utls "github.com/refraction-networking/utls"

	"github.com/sardanioss/netpool/netlog"
	"github.com/sardanioss/netpool/params"
	"github.com/sardanioss/netpool/transport"
)

type sslJobState int

const (
	sslStateInner sslJobState = iota
	sslStateInnerComplete
	sslStateHandshake
	sslStateHandshakeComplete
	sslStateNone
)

// sslConnectJob layers a TLS handshake over an inner transport, SOCKS or
// tunnel connection.
//
// A handshake that fails in a way consistent with middlebox version
// blocking triggers one version-interference probe: the job reconnects
// from the start with the version ceiling capped below TLS 1.3. Whatever
// the probe outcome, the job fails with ErrTLSVersionInterference carrying
// the original handshake error, and the probe connection is never handed
// out.
type sslConnectJob struct {
	baseJob

	f *jobFactory
	p *params.SSL

	ctx    context.Context
	cancel context.CancelFunc

	next            sslJobState
	inner           ConnectJob
	transportSocket Socket
	probe           bool
	firstErr        error

	hsResult *transport.HandshakeResult
	security transport.SecurityInfo
	socket   Socket
}

func newSSLConnectJob(f *jobFactory, p *params.SSL, priority params.Priority, delegate Delegate) *sslConnectJob {
	j := &sslConnectJob{
		f:    f,
		p:    p,
		next: sslStateInner,
	}
	j.ctx, j.cancel = context.WithCancel(context.Background())
	j.init(j, delegate, priority, f.connectTimeout, netlog.New("ssl_connect_job"))
	return j
}

func (j *sslConnectJob) Connect() error { return j.connect(j.loop) }

func (j *sslConnectJob) setInner(inner ConnectJob) {
	j.mu.Lock()
	j.inner = inner
	j.mu.Unlock()
}

func (j *sslConnectJob) getInner() ConnectJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.inner
}

// LoadState descends into the inner job until the handshake phase starts.
func (j *sslConnectJob) LoadState() LoadState {
	if s := j.baseJob.LoadState(); s != LoadStateIdle {
		return s
	}
	if inner := j.getInner(); inner != nil {
		return inner.LoadState()
	}
	return LoadStateIdle
}

// OnConnectJobComplete receives the inner job's result.
func (j *sslConnectJob) OnConnectJobComplete(_ ConnectJob, err error) {
	j.onIOComplete(j.loop, err)
}

func (j *sslConnectJob) innerParams() *params.Params {
	return &params.Params{
		Transport: j.p.Transport,
		SOCKS:     j.p.SOCKS,
		HTTPProxy: j.p.HTTPProxy,
	}
}

func (j *sslConnectJob) destination() params.Endpoint {
	return j.innerParams().Destination()
}

func (j *sslConnectJob) loop(result error) error {
	for {
		state := j.next
		j.next = sslStateNone
		switch state {
		case sslStateInner:
			inner, err := j.f.newInnerJob(j.innerParams(), j.Priority(), j)
			if err != nil {
				return err
			}
			j.setInner(inner)
			j.next = sslStateInnerComplete
			err = inner.Connect()
			if err == ErrIOPending {
				return ErrIOPending
			}
			result = err

		case sslStateInnerComplete:
			inner := j.getInner()
			if result != nil {
				if errors.Is(result, ErrProxyAuthRequested) {
					// Pass the restartable tunnel socket up unchanged.
					j.socket = inner.ReleaseSocket()
				}
				return result
			}
			result = nil
			j.transportSocket = inner.ReleaseSocket()
			j.next = sslStateHandshake

		case sslStateHandshake:
			j.setState(LoadStateSSLHandshake)
			j.log.Begin(netlog.EventTLSHandshake, netlog.Fields{
				"server_name": j.serverName(),
				"probe":       j.probe,
			})
			j.next = sslStateHandshakeComplete
			go j.handshake()
			return ErrIOPending

		case sslStateHandshakeComplete:
			j.log.End(netlog.EventTLSHandshake, result)
			done, err := j.handleHandshakeResult(result)
			if done {
				return err
			}
			result = nil

		default:
			return ErrSocketNotConnected
		}
	}
}

// handleHandshakeResult maps the handshake outcome to a job result, or
// arms the probe retry. done=false means the loop restarts from the inner
// connect with the probe active.
func (j *sslConnectJob) handleHandshakeResult(result error) (bool, error) {
	if result == nil {
		if j.probe {
			// The capped handshake worked where the full-range one did
			// not. Strong signal of version interference; the probe
			// connection itself is discarded.
			j.log.Event(netlog.EventTLSVersionProbe, netlog.Fields{"outcome": "interference"})
			j.closeTransport()
			return true, layerErr(LayerTLS, errors.Join(ErrTLSVersionInterference, j.firstErr))
		}
		j.security = j.hsResult.Security
		j.socket = NewSocket(j.hsResult.Conn)
		j.transportSocket = nil
		return true, nil
	}

	if errors.Is(result, transport.ErrClientAuthCertNeeded) {
		return true, layerErr(LayerTLS, result)
	}

	if j.probe {
		// The capped handshake failed as well. The failure is still
		// classified as version interference; the original error rides
		// along for diagnostics.
		j.log.Event(netlog.EventTLSVersionProbe, netlog.Fields{"outcome": "probe_failed"})
		return true, layerErr(LayerTLS, errors.Join(ErrTLSVersionInterference, j.firstErr))
	}

	if transport.IsDefiniteNegotiationFailure(result) && j.maxVersionAllowsTLS13() {
		j.probe = true
		j.firstErr = result
		j.closeTransport()
		j.next = sslStateInner
		return false, nil
	}

	return true, layerErr(LayerTLS, result)
}

func (j *sslConnectJob) maxVersionAllowsTLS13() bool {
	return j.p.TLS.MaxVersion == 0 || j.p.TLS.MaxVersion >= utls.VersionTLS13
}

func (j *sslConnectJob) serverName() string {
	if j.p.TLS.ServerName != "" {
		return j.p.TLS.ServerName
	}
	return j.destination().Host
}

func (j *sslConnectJob) handshake() {
	cfg := &transport.HandshakeConfig{
		TLS:                      j.p.TLS,
		VersionInterferenceProbe: j.probe,
		SessionCache:             j.f.sessionCache,
		HandshakeTimeout:         j.f.handshakeTimeout,
	}
	cfg.TLS.ServerName = j.serverName()

	res, err := j.f.handshaker.Handshake(j.ctx, j.transportSocket, cfg)
	j.hsResult = res
	j.onIOComplete(j.loop, err)
}

func (j *sslConnectJob) closeTransport() {
	if j.transportSocket != nil {
		j.transportSocket.Close()
		j.transportSocket = nil
	}
	if inner := j.getInner(); inner != nil {
		inner.Close()
		j.setInner(nil)
	}
}

// Security returns the negotiated TLS parameters after a successful
// connect.
func (j *sslConnectJob) Security() transport.SecurityInfo { return j.security }

func (j *sslConnectJob) ReleaseSocket() Socket {
	s := j.socket
	j.socket = nil
	return s
}

func (j *sslConnectJob) FillHandle(h *Handle) {
	if inner := j.getInner(); inner != nil {
		inner.FillHandle(h)
	}
	if j.hsResult != nil && j.hsResult.CertRequest != nil {
		h.CertRequest = j.hsResult.CertRequest
	}
}

func (j *sslConnectJob) Close() {
	j.abort()
	j.cancel()
	j.closeTransport()
	if j.socket != nil {
		j.socket.Close()
		j.socket = nil
	}
}
