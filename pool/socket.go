package pool

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sardanioss/netpool/transport"
)

// Socket is a pooled stream connection. Beyond net.Conn it answers the
// questions the pool asks when deciding reuse: is the peer still there,
// has the connection carried traffic, and is there unexpected unread data.
type Socket interface {
	net.Conn

	// IsConnected reports whether the transport is still open.
	IsConnected() bool

	// IsConnectedAndIdle reports whether the socket is open with no
	// unconsumed data waiting. Only sockets in this state go back on the
	// idle list.
	IsConnectedAndIdle() bool

	// WasEverUsed reports whether application data has crossed the socket.
	WasEverUsed() bool
}

// netSocket adapts a raw connection into a pooled Socket. Liveness checks
// use a non-blocking probe read; bytes that arrive on a never-used socket
// before the first application read are stashed and replayed rather than
// lost.
type netSocket struct {
	conn net.Conn

	mu      sync.Mutex
	used    bool
	dead    bool
	preface []byte
}

// NewSocket wraps conn for pooling. The connection may be any stream type,
// including a completed TLS session.
func NewSocket(conn net.Conn) Socket {
	return &netSocket{conn: conn}
}

func (s *netSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	s.used = true
	if len(s.preface) > 0 {
		n := copy(p, s.preface)
		s.preface = s.preface[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	n, err := s.conn.Read(p)
	if err != nil && !isTimeout(err) {
		s.markDead()
	}
	return n, err
}

func (s *netSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.used = true
	s.mu.Unlock()

	n, err := s.conn.Write(p)
	if err != nil && !isTimeout(err) {
		s.markDead()
	}
	return n, err
}

func (s *netSocket) Close() error {
	s.markDead()
	return s.conn.Close()
}

func (s *netSocket) LocalAddr() net.Addr                { return s.conn.LocalAddr() }
func (s *netSocket) RemoteAddr() net.Addr               { return s.conn.RemoteAddr() }
func (s *netSocket) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *netSocket) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *netSocket) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

func (s *netSocket) WasEverUsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *netSocket) IsConnected() bool {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	_, alive := s.probe()
	return alive
}

func (s *netSocket) IsConnectedAndIdle() bool {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return false
	}
	hasPreface := len(s.preface) > 0
	used := s.used
	s.mu.Unlock()
	if hasPreface {
		// Already holding unconsumed bytes from a prior probe.
		return !used
	}

	data, alive := s.probe()
	if !alive {
		return false
	}
	if len(data) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		// Unsolicited data on a used connection; unsafe to hand to a new
		// request.
		return false
	}
	// A server preface on a fresh connection is tolerated and replayed on
	// the first read.
	s.preface = append(s.preface, data...)
	return true
}

// probeWindow bounds the fallback probe read for connections that do not
// expose a raw descriptor.
const probeWindow = 2 * time.Millisecond

// probe checks for buffered bytes and peer liveness. It returns any bytes
// that were already buffered and whether the connection is still open.
func (s *netSocket) probe() ([]byte, bool) {
	data, err := transport.ConnCheck(s.conn)
	if err == nil {
		return data, true
	}
	if errors.Is(err, transport.ErrCheckUnsupported) {
		return s.probeDeadline()
	}
	s.markDead()
	return nil, false
}

// probeDeadline reads with a short deadline, for wrapped connections (a
// TLS session, a pipe) whose descriptor cannot be read directly.
func (s *netSocket) probeDeadline() ([]byte, bool) {
	s.conn.SetReadDeadline(time.Now().Add(probeWindow))
	var buf [4096]byte
	n, err := s.conn.Read(buf[:])
	s.conn.SetReadDeadline(time.Time{})

	if n > 0 {
		data := make([]byte, n)
		copy(data, buf[:n])
		return data, true
	}
	if isTimeout(err) {
		return nil, true
	}
	s.markDead()
	return nil, false
}

func (s *netSocket) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
