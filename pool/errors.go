// Package pool implements a layered client connection pool: per-group and
// pool-wide socket caps, priority-ordered request queues, idle socket
// reuse, connect jobs with backup timers, and proxy tunnel establishment
// with auth restarts.
package pool

import (
	"errors"
	"strings"
)

// ErrIOPending is the suspension sentinel. A state machine returning it
// has parked; a goroutine will re-enter the loop through OnIOComplete with
// the operation's result.
var ErrIOPending = errors.New("pool: io pending")

var (
	// ErrPoolClosed rejects requests after Close or fails pending ones
	// during shutdown.
	ErrPoolClosed = errors.New("pool: pool is closed")

	// ErrTimedOut reports an overall connect job timeout.
	ErrTimedOut = errors.New("pool: connect job timed out")

	// ErrTLSVersionInterference reports that a TLS handshake failed at full
	// version range but succeeded with the version-interference probe,
	// implicating a middlebox rather than the server.
	ErrTLSVersionInterference = errors.New("pool: tls version interference detected")

	// ErrProxyAuthRequested reports that a tunnel needs credentials. The
	// handle retains the tunnel and auth state so the caller can prompt
	// and restart without reconnecting the transport.
	ErrProxyAuthRequested = errors.New("pool: proxy auth requested")

	// ErrTunnelFailed reports a CONNECT rejection; the handle carries the
	// proxy's response for diagnostics.
	ErrTunnelFailed = errors.New("pool: proxy tunnel failed")

	// ErrSocketNotConnected reports a socket that went away between
	// assignment and use.
	ErrSocketNotConnected = errors.New("pool: socket not connected")
)

// Layer identifies which connect stage produced an error.
type Layer string

const (
	LayerResolution Layer = "resolution"
	LayerTCP        Layer = "tcp"
	LayerSOCKS      Layer = "socks"
	LayerTLS        Layer = "tls"
	LayerTunnel     Layer = "tunnel"
)

// LayerError tags a connect failure with the stage it came from, so
// callers can distinguish a proxy that is down from a destination that
// refused.
type LayerError struct {
	Layer Layer
	Err   error
}

func (e *LayerError) Error() string {
	msg := e.Err.Error()
	if strings.HasPrefix(msg, string(e.Layer)+":") {
		// The wrapped error already names the layer.
		return msg
	}
	return string(e.Layer) + ": " + msg
}

func (e *LayerError) Unwrap() error { return e.Err }

func layerErr(layer Layer, err error) error {
	if err == nil {
		return nil
	}
	return &LayerError{Layer: layer, Err: err}
}
