// Package socks5 implements the CONNECT-only SOCKS5 subset of RFC 1928:
// the S0-S4 negotiation state machine that extracts a target host:port and
// writes the bind reply. Trimmed to the single CONNECT command; the target
// is handed off through an open callback so this package has no
// dependency on the tunnel transport.
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/secproxy/secure-proxy/internal/proxyerr"
)

const (
	version  = 0x05
	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess      = 0x00
	repGeneralFail  = 0x05
	repCmdNotSupported = 0x07
)

// HandleConn drives S0-S4 on c and, on a valid CONNECT request, invokes
// open with the parsed target. isLoopback reports whether a host:port
// would loop back to one of the proxy's own listeners; when it does, the
// request is rejected without calling open.
//
// open's error, if any, determines the SOCKS5 reply: success gets
// `05 00 ...`, any error gets `05 05 ...` — every open failure collapses
// to one generic failure code rather than mapping each proxyerr kind to
// a distinct REP byte.
func HandleConn(c net.Conn, isLoopback func(host string, port uint16) bool, open func(target string) error) error {
	if err := negotiateMethod(c); err != nil {
		return err
	}

	cmd, host, port, err := readRequest(c)
	if err != nil {
		return err
	}
	if cmd != cmdConnect {
		_ = writeReply(c, repCmdNotSupported)
		return fmt.Errorf("%w: socks5 cmd %#x unsupported", proxyerr.ErrProtocol, cmd)
	}

	if isLoopback != nil && isLoopback(host, port) {
		_ = writeReply(c, repGeneralFail)
		return fmt.Errorf("%w: %s:%d", proxyerr.ErrLoopRejected, host, port)
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	if err := open(target); err != nil {
		_ = writeReply(c, repGeneralFail)
		return err
	}
	return writeReply(c, repSuccess)
}

// negotiateMethod implements S0/S1: VER/NMETHODS, then NMETHODS method
// bytes (ignored - only no-auth is offered), then the `05 00` reply.
func negotiateMethod(c net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c, hdr); err != nil {
		return fmt.Errorf("%w: read greeting: %v", proxyerr.ErrProtocol, err)
	}
	if hdr[0] != version {
		return fmt.Errorf("%w: not socks5 (ver=%#x)", proxyerr.ErrProtocol, hdr[0])
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(c, methods); err != nil {
		return fmt.Errorf("%w: read methods: %v", proxyerr.ErrProtocol, err)
	}
	_, err := c.Write([]byte{version, 0x00})
	return err
}

// readRequest implements S2/S3: VER/CMD/RSV/ATYP, the address, and the
// big-endian port.
func readRequest(c net.Conn) (cmd byte, host string, port uint16, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(c, hdr); err != nil {
		err = fmt.Errorf("%w: read request header: %v", proxyerr.ErrProtocol, err)
		return
	}
	if hdr[0] != version {
		err = fmt.Errorf("%w: bad request version %#x", proxyerr.ErrProtocol, hdr[0])
		return
	}
	cmd = hdr[1]
	atyp := hdr[3]

	host, err = readAddr(c, atyp)
	if err != nil {
		return
	}

	portBuf := make([]byte, 2)
	if _, err = io.ReadFull(c, portBuf); err != nil {
		err = fmt.Errorf("%w: read port: %v", proxyerr.ErrProtocol, err)
		return
	}
	port = binary.BigEndian.Uint16(portBuf)
	return
}

func readAddr(r io.Reader, atyp byte) (string, error) {
	switch atyp {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("%w: read ipv4: %v", proxyerr.ErrProtocol, err)
		}
		return net.IP(b).String(), nil
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return "", fmt.Errorf("%w: read domain length: %v", proxyerr.ErrProtocol, err)
		}
		b := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("%w: read domain: %v", proxyerr.ErrProtocol, err)
		}
		return string(b), nil
	case atypIPv6:
		return "", fmt.Errorf("%w: ipv6 address type out of scope", proxyerr.ErrProtocol)
	default:
		return "", fmt.Errorf("%w: unknown atyp %#x", proxyerr.ErrProtocol, atyp)
	}
}

// writeReply writes a fixed `05 rep 00 01 0.0.0.0:0` reply; the proxy
// never binds a real relay address, so the bound-address fields are
// always the zero IPv4 address and port.
func writeReply(c net.Conn, rep byte) error {
	reply := []byte{version, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := c.Write(reply)
	return err
}
