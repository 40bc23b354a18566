//go:build unix

package transport

import (
	"io"
	"syscall"
)

func rawConnCheck(sc syscall.Conn) ([]byte, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		buf  [4096]byte
		n    int
		rerr error
	)
	// The callback returns true so the runtime never parks waiting for
	// readability; an empty socket surfaces as EAGAIN.
	if err := raw.Read(func(fd uintptr) bool {
		n, rerr = syscall.Read(int(fd), buf[:])
		return true
	}); err != nil {
		return nil, err
	}
	switch {
	case n > 0:
		data := make([]byte, n)
		copy(data, buf[:n])
		return data, nil
	case rerr == syscall.EAGAIN || rerr == syscall.EWOULDBLOCK:
		return nil, nil
	case rerr == nil:
		return nil, io.EOF
	default:
		return nil, rerr
	}
}
