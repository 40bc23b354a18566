package pool

import (
	"time"

	"github.com/sardanioss/netpool/auth"
	"github.com/sardanioss/netpool/params"
	"github.com/sardanioss/netpool/proxy"
	"github.com/sardanioss/netpool/transport"
)

// ReuseType records how a handle got its socket.
type ReuseType int

const (
	// ReuseTypeUnused is a freshly connected socket.
	ReuseTypeUnused ReuseType = iota
	// ReuseTypeUnusedIdle is an idle socket that never carried traffic
	// (a preconnect or a cancelled request's leftover).
	ReuseTypeUnusedIdle
	// ReuseTypeReusedIdle is an idle socket that served earlier traffic.
	ReuseTypeReusedIdle
)

// Handle is a caller's claim on one pooled socket. It starts empty, is
// filled by the pool either synchronously or before the completion
// callback runs, and returns the socket on Release or Reset.
//
// A Handle is not safe for concurrent use. The pool's writes complete
// before the user callback is invoked.
type Handle struct {
	pool     *Pool
	groupKey params.GroupKey
	pending  bool

	socket     Socket
	reuseType  ReuseType
	idleTime   time.Duration
	generation int64

	// Connect diagnostics, populated by the connect job.
	Attempts        []transport.Attempt
	CertRequest     *transport.CertRequestInfo
	ConnectResponse *proxy.ConnectResponseInfo

	tunnel         *proxy.Tunnel
	authController *auth.Controller
}

// Socket returns the assigned socket, or nil before completion.
func (h *Handle) Socket() Socket { return h.socket }

// ReuseType reports how the socket was obtained.
func (h *Handle) ReuseType() ReuseType { return h.reuseType }

// IsReused reports whether the socket previously carried traffic.
func (h *Handle) IsReused() bool { return h.reuseType == ReuseTypeReusedIdle }

// IdleTime reports how long the socket sat idle before assignment. Zero
// for fresh sockets.
func (h *Handle) IdleTime() time.Duration { return h.idleTime }

// GroupKey returns the group this handle was requested against.
func (h *Handle) GroupKey() params.GroupKey { return h.groupKey }

// Tunnel returns the proxy tunnel awaiting auth, set only when the
// request completed with ErrProxyAuthRequested.
func (h *Handle) Tunnel() *proxy.Tunnel { return h.tunnel }

// AuthController returns the auth state for a tunnel awaiting credentials.
func (h *Handle) AuthController() *auth.Controller { return h.authController }

// LoadState reports what a still-pending request is waiting on.
func (h *Handle) LoadState() LoadState {
	if h.pool == nil || !h.pending {
		return LoadStateIdle
	}
	return h.pool.loadStateForHandle(h.groupKey, h)
}

// Release returns the socket to the pool. A connected, drained socket
// whose group generation is current goes on the idle list; anything else
// is closed. Safe to call more than once.
func (h *Handle) Release() {
	if h.pool == nil {
		return
	}
	pool, socket, gen := h.pool, h.socket, h.generation
	key := h.groupKey
	h.clear()
	if socket != nil {
		pool.ReleaseSocket(key, socket, gen)
	}
}

// Reset abandons the handle: a pending request is cancelled (its connect
// job keeps running for the group), an assigned socket is released.
func (h *Handle) Reset() {
	if h.pool == nil {
		return
	}
	if h.pending {
		pool, key := h.pool, h.groupKey
		pool.CancelRequest(key, h, false)
		h.clear()
		return
	}
	h.Release()
}

func (h *Handle) clear() {
	h.pool = nil
	h.pending = false
	h.socket = nil
	h.reuseType = ReuseTypeUnused
	h.idleTime = 0
	h.generation = 0
	h.tunnel = nil
	h.authController = nil
}

func (h *Handle) assignSocket(s Socket, reuse ReuseType, idleTime time.Duration, generation int64) {
	h.socket = s
	h.reuseType = reuse
	h.idleTime = idleTime
	h.generation = generation
	h.pending = false
}
