package transport

import (
	"errors"
	"net"
	"syscall"
)

// ErrCheckUnsupported reports that a connection's type does not expose a
// raw descriptor to probe; callers fall back to a deadline read.
var ErrCheckUnsupported = errors.New("transport: conn check unsupported")

// ConnCheck performs one non-blocking read on an idle connection. It
// returns any bytes the peer already sent, io.EOF when the peer closed,
// or (nil, nil) when the connection is quiet and alive. Returned bytes
// have been consumed from the socket; the caller decides whether to stash
// or discard them.
func ConnCheck(conn net.Conn) ([]byte, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, ErrCheckUnsupported
	}
	return rawConnCheck(sc)
}
