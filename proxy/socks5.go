// Package proxy implements the client sides of the proxy protocols a
// connect job can layer over a raw transport: the SOCKS5 handshake and the
// HTTP CONNECT tunnel (with proxy authentication and restart support).
package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sardanioss/netpool/params"
)

const (
	socks5Version = 0x05

	socks5AuthNone           = 0x00
	socks5AuthPassword       = 0x02
	socks5AuthNoneAcceptable = 0xFF

	socks5CmdConnect = 0x01

	socks5AddrIPv4   = 0x01
	socks5AddrDomain = 0x03
	socks5AddrIPv6   = 0x04
)

var socks5ReplyStrings = map[byte]string{
	0x01: "general failure",
	0x02: "connection not allowed by ruleset",
	0x03: "network unreachable",
	0x04: "host unreachable",
	0x05: "connection refused",
	0x06: "TTL expired",
	0x07: "command not supported",
	0x08: "address type not supported",
}

// SOCKS5Error is a non-success reply code from the proxy.
type SOCKS5Error struct {
	Code byte
}

func (e *SOCKS5Error) Error() string {
	if s, ok := socks5ReplyStrings[e.Code]; ok {
		return fmt.Sprintf("socks5: connect failed: %s (0x%02x)", s, e.Code)
	}
	return fmt.Sprintf("socks5: connect failed with code 0x%02x", e.Code)
}

// SOCKS5Client negotiates a SOCKS5 CONNECT on an already established
// transport connection to the proxy.
type SOCKS5Client struct {
	Destination params.Endpoint
	// ResolveRemotely sends the hostname to the proxy instead of requiring
	// an IP literal.
	ResolveRemotely bool
	Username        string
	Password        string
}

// Handshake runs the greeting, optional authentication, and connect
// exchange. On error the connection is left in an undefined state and must
// be closed by the caller.
func (c *SOCKS5Client) Handshake(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(noDeadline)
	}

	if err := c.greet(conn); err != nil {
		return err
	}
	return c.connect(conn)
}

func (c *SOCKS5Client) greet(conn net.Conn) error {
	var greeting []byte
	if c.Username != "" {
		greeting = []byte{socks5Version, 2, socks5AuthNone, socks5AuthPassword}
	} else {
		greeting = []byte{socks5Version, 1, socks5AuthNone}
	}
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("socks5: greeting write: %w", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("socks5: greeting read: %w", err)
	}
	if resp[0] != socks5Version {
		return fmt.Errorf("socks5: unexpected version 0x%02x", resp[0])
	}

	switch resp[1] {
	case socks5AuthNone:
		return nil
	case socks5AuthPassword:
		return c.authenticate(conn)
	case socks5AuthNoneAcceptable:
		return errors.New("socks5: no acceptable auth methods")
	default:
		return fmt.Errorf("socks5: unsupported auth method 0x%02x", resp[1])
	}
}

// authenticate performs RFC 1929 username/password authentication.
func (c *SOCKS5Client) authenticate(conn net.Conn) error {
	if len(c.Username) > 255 || len(c.Password) > 255 {
		return errors.New("socks5: credentials too long")
	}
	req := []byte{0x01, byte(len(c.Username))}
	req = append(req, c.Username...)
	req = append(req, byte(len(c.Password)))
	req = append(req, c.Password...)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5: auth write: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("socks5: auth read: %w", err)
	}
	if resp[1] != 0x00 {
		return errors.New("socks5: authentication failed")
	}
	return nil
}

func (c *SOCKS5Client) connect(conn net.Conn) error {
	req := []byte{socks5Version, socks5CmdConnect, 0x00}

	host := c.Destination.Host
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, socks5AddrIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, socks5AddrIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if !c.ResolveRemotely {
			return fmt.Errorf("socks5: %q is not an IP literal and remote resolution is disabled", host)
		}
		if len(host) > 255 {
			return fmt.Errorf("socks5: hostname too long")
		}
		req = append(req, socks5AddrDomain, byte(len(host)))
		req = append(req, host...)
	}

	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(c.Destination.Port))
	req = append(req, portBytes[:]...)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5: connect write: %w", err)
	}

	// Reply: VER REP RSV ATYP BND.ADDR BND.PORT, address length varies.
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return fmt.Errorf("socks5: connect read: %w", err)
	}
	if head[0] != socks5Version {
		return fmt.Errorf("socks5: unexpected version 0x%02x in reply", head[0])
	}
	if head[1] != 0x00 {
		return &SOCKS5Error{Code: head[1]}
	}

	var addrLen int
	switch head[3] {
	case socks5AddrIPv4:
		addrLen = net.IPv4len
	case socks5AddrIPv6:
		addrLen = net.IPv6len
	case socks5AddrDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return fmt.Errorf("socks5: bound address read: %w", err)
		}
		addrLen = int(l[0])
	default:
		return fmt.Errorf("socks5: unknown bound address type 0x%02x", head[3])
	}

	rest := make([]byte, addrLen+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return fmt.Errorf("socks5: bound address read: %w", err)
	}
	return nil
}

// noDeadline clears a previously set connection deadline.
var noDeadline = time.Time{}
