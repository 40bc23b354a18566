package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/sardanioss/netpool/auth"
	"github.com/sardanioss/netpool/netlog"
	"github.com/sardanioss/netpool/params"
	"github.com/sardanioss/netpool/transport"
)

var (
	// ErrAuthRequested reports that the proxy demanded credentials no
	// identity source could supply. The tunnel keeps its transport
	// connection and auth state; after ResetAuth on the controller,
	// RestartWithAuth re-drives only the CONNECT exchange.
	ErrAuthRequested = errors.New("proxy: tunnel auth requested")

	// ErrTunnelResponse reports a non-auth CONNECT failure whose response
	// (status and possibly an error body) is available through
	// GetConnectResponseInfo for diagnostics before the caller fails
	// cleanly.
	ErrTunnelResponse = errors.New("proxy: tunnel response available")

	// ErrTooManyAuthRestarts bounds the internal challenge loop.
	ErrTooManyAuthRestarts = errors.New("proxy: too many auth restarts")
)

// maxInternalAuthAttempts caps CONNECT retries driven by cached or
// URL-embedded identities before giving up and surfacing the challenge.
const maxInternalAuthAttempts = 4

// maxDiagnosticBody caps how much of a CONNECT error body is retained.
const maxDiagnosticBody = 64 << 10

// ConnectResponseInfo is the status and headers of a CONNECT attempt,
// exposed for credentials prompting and error-page diagnostics.
type ConnectResponseInfo struct {
	StatusCode int
	Status     string
	Headers    http.Header
	// Body is the decoded (gzip/brotli-aware) error body, truncated to a
	// sane limit. Empty for 200 responses.
	Body []byte
}

// TunnelConfig describes one CONNECT tunnel to establish.
type TunnelConfig struct {
	Proxy       params.Endpoint
	Destination params.Endpoint
	UserAgent   string

	// Auth is the per-logical-request auth controller. Required; a
	// controller with no identity sources still shapes the failure path.
	Auth *auth.Controller

	// Dial establishes the transport (and optional TLS-to-proxy) layer.
	// Injected by the connect job so the tunnel never re-implements the
	// lower layers.
	Dial func(ctx context.Context) (net.Conn, error)

	// ExchangeTimeout bounds one CONNECT request/response exchange.
	ExchangeTimeout time.Duration

	Log *netlog.Log
}

// Tunnel orchestrates connect-transport, CONNECT negotiation and auth
// restarts. Unlike a plain connect job it survives an auth challenge: the
// transport connection and controller state are retained between attempts.
type Tunnel struct {
	cfg TunnelConfig

	// mu guards the fields below. Negotiation itself is single-caller;
	// the mutex exists because a connect job timeout can Close the tunnel
	// while an exchange is in flight.
	mu          sync.Mutex
	conn        net.Conn
	stale       *bufio.Reader
	established bool

	connectResponse *ConnectResponseInfo

	// transportConnects counts Dial invocations, observable so tests can
	// assert that an auth restart reused the transport.
	transportConnects int
}

// NewTunnel creates a tunnel wrapper. Connect must be called before the
// socket is usable.
func NewTunnel(cfg TunnelConfig) *Tunnel {
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = 30 * time.Second
	}
	return &Tunnel{cfg: cfg}
}

// Connect establishes the transport and negotiates the tunnel. On
// ErrAuthRequested the tunnel is still live and restartable; on
// ErrTunnelResponse the diagnostic response is retained; any other error
// is terminal and the tunnel is closed.
func (t *Tunnel) Connect(ctx context.Context) error {
	if t.currentConn() == nil {
		if err := t.dialTransport(ctx); err != nil {
			return err
		}
	}
	return t.negotiate(ctx)
}

// RestartWithAuth re-drives only the CONNECT exchange after credentials
// became available, reusing the established transport. If the proxy
// dropped the connection between attempts, a fresh transport connect runs
// first.
func (t *Tunnel) RestartWithAuth(ctx context.Context) error {
	if t.Established() {
		return nil
	}
	if conn := t.currentConn(); conn == nil || !connAlive(conn) {
		t.teardownConn()
		if err := t.dialTransport(ctx); err != nil {
			return err
		}
	}
	t.cfg.Log.Event(netlog.EventProxyTunnelRestart, nil)
	return t.negotiate(ctx)
}

// AdoptConn installs an already-usable connection without a CONNECT
// exchange, for plain proxied HTTP where the transport leg itself is the
// socket.
func (t *Tunnel) AdoptConn(conn net.Conn) {
	t.teardownConn()
	t.mu.Lock()
	t.conn = conn
	t.transportConnects++
	t.established = true
	t.mu.Unlock()
}

// Established reports whether the tunnel is ready to carry traffic.
func (t *Tunnel) Established() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.established
}

// GetConnectResponseInfo returns the last CONNECT response, or nil.
func (t *Tunnel) GetConnectResponseInfo() *ConnectResponseInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectResponse
}

// TransportConnectCount reports how many times the transport layer was
// dialed.
func (t *Tunnel) TransportConnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transportConnects
}

// Conn hands out the tunneled connection. Bytes the response parser read
// past the CONNECT headers are replayed first. Only valid once
// Established.
func (t *Tunnel) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.established {
		return nil
	}
	if t.stale != nil && t.stale.Buffered() > 0 {
		return &staleDataConn{Conn: t.conn, stale: t.stale}
	}
	return t.conn
}

// Close tears the tunnel down, including a retained transport connection.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	t.established = false
	conn := t.conn
	t.conn = nil
	t.stale = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *Tunnel) currentConn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Tunnel) dialTransport(ctx context.Context) error {
	conn, err := t.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("proxy: transport connect: %w", err)
	}
	t.mu.Lock()
	t.transportConnects++
	t.conn = conn
	t.stale = nil
	t.mu.Unlock()
	return nil
}

// negotiate runs CONNECT exchanges until the tunnel is up, credentials run
// out, or the proxy rejects the request outright.
func (t *Tunnel) negotiate(ctx context.Context) error {
	for attempt := 0; attempt < maxInternalAuthAttempts; attempt++ {
		err := t.connectExchange(ctx)
		if err == nil {
			t.mu.Lock()
			t.established = true
			t.mu.Unlock()
			return nil
		}
		if !errors.Is(err, errChallengeRetry) {
			return err
		}
		// The controller found another identity to try. The proxy may
		// have closed the connection with the 407.
		if conn := t.currentConn(); conn == nil || !connAlive(conn) {
			t.teardownConn()
			if dialErr := t.dialTransport(ctx); dialErr != nil {
				return dialErr
			}
		}
	}
	return ErrTooManyAuthRestarts
}

// errChallengeRetry signals negotiate to re-run the exchange with a newly
// selected identity.
var errChallengeRetry = errors.New("proxy: retry with next identity")

func (t *Tunnel) connectExchange(ctx context.Context) error {
	conn := t.currentConn()
	if conn == nil {
		return fmt.Errorf("proxy: connection closed during negotiation")
	}
	target := t.cfg.Destination.Addr()

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if t.cfg.UserAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", t.cfg.UserAgent)
	}
	if t.cfg.Auth.HaveAuth() {
		type tokenResult struct {
			token string
			err   error
		}
		tokenDone := make(chan tokenResult, 1)
		token, completedSync, err := t.cfg.Auth.MaybeGenerateAuthToken(ctx, &auth.TokenRequest{
			Method: http.MethodConnect,
			URI:    target,
		}, func(tok string, err error) {
			tokenDone <- tokenResult{token: tok, err: err}
		})
		if err != nil && !errors.Is(err, auth.ErrAuthPending) {
			return fmt.Errorf("proxy: generate auth token: %w", err)
		}
		if !completedSync {
			// An asynchronous scheme produces the token on its own
			// goroutine; the exchange waits for it here.
			select {
			case res := <-tokenDone:
				if res.err != nil {
					return fmt.Errorf("proxy: generate auth token: %w", res.err)
				}
				token = res.token
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		fmt.Fprintf(&b, "Proxy-Authorization: %s\r\n", token)
	}
	b.WriteString("Proxy-Connection: keep-alive\r\n\r\n")

	deadline := time.Now().Add(t.cfg.ExchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if _, err := io.WriteString(conn, b.String()); err != nil {
		t.teardownConn()
		return fmt.Errorf("proxy: CONNECT write: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.teardownConn()
		return fmt.Errorf("proxy: CONNECT read: %w", err)
	}

	t.cfg.Log.Event(netlog.EventProxyTunnel, netlog.Fields{
		"proxy":  t.cfg.Proxy.Addr(),
		"status": resp.StatusCode,
	})

	if resp.StatusCode == http.StatusOK {
		resp.Body.Close()
		t.mu.Lock()
		t.connectResponse = &ConnectResponseInfo{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Headers:    resp.Header,
		}
		t.stale = br
		t.mu.Unlock()
		return nil
	}

	info := &ConnectResponseInfo{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    resp.Header,
	}
	info.Body = readDiagnosticBody(resp)
	t.mu.Lock()
	t.connectResponse = info
	t.mu.Unlock()

	keepAlive := drainOrClose(resp)

	if resp.StatusCode == http.StatusProxyAuthRequired {
		outcome, challengeErr := t.cfg.Auth.HandleAuthChallenge(resp.Header)
		t.cfg.Log.Event(netlog.EventAuthChallenge, netlog.Fields{
			"proxy":   t.cfg.Proxy.Addr(),
			"outcome": int(outcome),
		})
		if challengeErr != nil {
			t.teardownConn()
			return fmt.Errorf("proxy: auth challenge: %w", challengeErr)
		}
		switch outcome {
		case auth.OutcomeAuthorize:
			if !keepAlive {
				t.teardownConn()
			}
			return errChallengeRetry
		case auth.OutcomePrompt:
			// Keep the transport for RestartWithAuth when possible.
			if !keepAlive {
				t.teardownConn()
			}
			return ErrAuthRequested
		default:
			t.teardownConn()
			return fmt.Errorf("proxy: %w", auth.ErrNoChallenge)
		}
	}

	// Non-auth failure: retain the diagnostic response, surface the
	// socket-bearing outcome. The caller reads the diagnostics and then
	// fails cleanly.
	return ErrTunnelResponse
}

func (t *Tunnel) teardownConn() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.stale = nil
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// drainOrClose consumes the error body so the connection can carry another
// CONNECT, or closes it when the framing does not allow reuse. Reports
// whether the connection is still usable.
func drainOrClose(resp *http.Response) bool {
	defer resp.Body.Close()
	if resp.Close || resp.ContentLength < 0 {
		return false
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return false
	}
	return true
}

// readDiagnosticBody reads and decodes a bounded amount of the CONNECT
// error body for diagnostics.
func readDiagnosticBody(resp *http.Response) []byte {
	if resp.ContentLength == 0 {
		return nil
	}
	limited := io.LimitReader(resp.Body, maxDiagnosticBody)
	raw, err := io.ReadAll(limited)
	if err != nil || len(raw) == 0 {
		return nil
	}

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return raw
		}
		defer zr.Close()
		decoded, err := io.ReadAll(io.LimitReader(zr, maxDiagnosticBody))
		if err != nil {
			return raw
		}
		return decoded
	case "br":
		decoded, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(raw)), maxDiagnosticBody))
		if err != nil {
			return raw
		}
		return decoded
	default:
		return raw
	}
}

// connAlive reports whether an idle transport connection can carry
// another CONNECT: still open, with no bytes the proxy sent on its own.
func connAlive(conn net.Conn) bool {
	data, err := transport.ConnCheck(conn)
	if err == nil {
		// Unexpected data before we sent anything; do not reuse.
		return len(data) == 0
	}
	if !errors.Is(err, transport.ErrCheckUnsupported) {
		return false
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
	var one [1]byte
	_, rerr := conn.Read(one[:])
	conn.SetReadDeadline(time.Time{})
	if rerr == nil {
		return false
	}
	var netErr net.Error
	return errors.As(rerr, &netErr) && netErr.Timeout()
}

// staleDataConn replays bytes the CONNECT response parser over-read before
// falling through to the raw connection.
type staleDataConn struct {
	net.Conn
	stale *bufio.Reader
}

func (c *staleDataConn) Read(p []byte) (int, error) {
	if c.stale != nil {
		if c.stale.Buffered() > 0 {
			return c.stale.Read(p)
		}
		c.stale = nil
	}
	return c.Conn.Read(p)
}
