package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/sardanioss/netpool/keylog"
	"github.com/sardanioss/netpool/params"
)

// SecurityInfo is the per-connection security metadata recorded after a
// successful handshake.
type SecurityInfo struct {
	Version             uint16
	CipherSuite         uint16
	NegotiatedProtocol  string
	DidResume           bool
	PeerCertificates    []*x509.Certificate
	VersionProbeApplied bool
}

// CertRequestInfo preserves a server's client-certificate request so a
// higher layer can prompt for a certificate and retry without redoing host
// resolution.
type CertRequestInfo struct {
	AcceptableCAs    [][]byte
	SignatureSchemes []utls.SignatureScheme
	HostPort         string
}

// CertError wraps a certificate verification failure. The caller's policy
// may downgrade a specific certificate problem to success; that decision is
// recorded per connection by the caller, never here.
type CertError struct {
	Cause error
}

func (e *CertError) Error() string { return "tls: certificate error: " + e.Cause.Error() }
func (e *CertError) Unwrap() error { return e.Cause }

// HandshakeError wraps a definite TLS negotiation failure.
type HandshakeError struct {
	Cause error
}

func (e *HandshakeError) Error() string { return "tls: handshake failed: " + e.Cause.Error() }
func (e *HandshakeError) Unwrap() error { return e.Cause }

// ErrClientAuthCertNeeded is returned when the server requested a client
// certificate and none was configured. The CertRequestInfo is delivered
// through HandshakeResult.
var ErrClientAuthCertNeeded = errors.New("tls: client certificate needed")

// HandshakeConfig drives one TLS handshake.
type HandshakeConfig struct {
	TLS params.TLSConfig

	// VersionInterferenceProbe caps the handshake below TLS 1.3 to
	// distinguish a real failure from middlebox version blocking. A probe
	// handshake never produces a usable connection.
	VersionInterferenceProbe bool

	// SessionCache enables session resumption across connections to the
	// same group. May be nil.
	SessionCache utls.ClientSessionCache

	// ClientCertificate, when non-nil, is presented if the server asks.
	ClientCertificate *utls.Certificate

	// HandshakeTimeout bounds only the handshake I/O. Zero means the
	// caller's context is the only bound.
	HandshakeTimeout time.Duration
}

// HandshakeResult carries the outcome of a handshake attempt.
type HandshakeResult struct {
	Conn        *utls.UConn
	Security    SecurityInfo
	CertRequest *CertRequestInfo
}

// Handshaker performs TLS handshakes over established transport
// connections.
type Handshaker struct{}

// Handshake runs the TLS handshake on conn. On success the returned
// result owns conn (wrapped); on failure conn is NOT closed, so callers
// that keep the transport alive between attempts can do so.
func (h *Handshaker) Handshake(ctx context.Context, conn net.Conn, cfg *HandshakeConfig) (*HandshakeResult, error) {
	minVersion := cfg.TLS.MinVersion
	if minVersion == 0 {
		minVersion = utls.VersionTLS12
	}
	maxVersion := cfg.TLS.MaxVersion
	if maxVersion == 0 {
		maxVersion = utls.VersionTLS13
	}
	if cfg.VersionInterferenceProbe && maxVersion >= utls.VersionTLS13 {
		maxVersion = utls.VersionTLS12
	}

	result := &HandshakeResult{}

	uconf := &utls.Config{
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		MinVersion:         minVersion,
		MaxVersion:         maxVersion,
		NextProtos:         cfg.TLS.NextProtos,
		ClientSessionCache: cfg.SessionCache,
		KeyLogWriter:       keylog.GetWriter(),
		GetClientCertificate: func(cri *utls.CertificateRequestInfo) (*utls.Certificate, error) {
			if cfg.ClientCertificate != nil {
				return cfg.ClientCertificate, nil
			}
			result.CertRequest = &CertRequestInfo{
				AcceptableCAs:    cri.AcceptableCAs,
				SignatureSchemes: cri.SignatureSchemes,
				HostPort:         net.JoinHostPort(cfg.TLS.ServerName, "443"),
			}
			// Continue the handshake with no certificate; the server
			// decides whether that is fatal.
			return &utls.Certificate{}, nil
		},
	}

	tlsConn := utls.UClient(conn, uconf, utls.HelloGolang)

	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if result.CertRequest != nil {
			return result, ErrClientAuthCertNeeded
		}
		return result, classifyHandshakeError(err)
	}

	state := tlsConn.ConnectionState()
	result.Conn = tlsConn
	result.Security = SecurityInfo{
		Version:             state.Version,
		CipherSuite:         state.CipherSuite,
		NegotiatedProtocol:  state.NegotiatedProtocol,
		DidResume:           state.DidResume,
		PeerCertificates:    state.PeerCertificates,
		VersionProbeApplied: cfg.VersionInterferenceProbe,
	}
	return result, nil
}

// classifyHandshakeError separates certificate problems from negotiation
// problems so the per-layer error taxonomy stays intact.
func classifyHandshakeError(err error) error {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) || errors.As(err, &invalid) {
		return &CertError{Cause: err}
	}
	var verifyErr *utls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return &CertError{Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &HandshakeError{Cause: err}
}

// IsDefiniteNegotiationFailure reports whether a handshake error is the
// kind of hard failure (reset, closed, protocol alert) that makes a
// version-interference probe worthwhile, as opposed to a timeout or a
// certificate problem.
func IsDefiniteNegotiationFailure(err error) bool {
	var hs *HandshakeError
	if !errors.As(err, &hs) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
