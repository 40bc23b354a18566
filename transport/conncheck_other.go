//go:build !unix

package transport

import "syscall"

func rawConnCheck(syscall.Conn) ([]byte, error) {
	return nil, ErrCheckUnsupported
}
