// Package httpconnect implements the HTTP/1.1 CONNECT front-end: parse a
// single request line and discard headers, then report tunnel-open
// success or failure with the corresponding status line. It works
// directly against the raw net.Conn rather than net/http, since exact
// control is needed over the handful of status lines it can emit.
package httpconnect

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/secproxy/secure-proxy/internal/proxyerr"
)

const defaultPort = "443"

const (
	statusOK         = "HTTP/1.1 200 Connection Established\r\n\r\n"
	statusBadRequest = "HTTP/1.1 400 Bad Request\r\n\r\n"
	statusMethodBad  = "HTTP/1.1 405 Method Not Allowed\r\n\r\n"
	statusBadGateway = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

// HandleConn reads one CONNECT request line plus headers from c, and on a
// well-formed request invokes open with the parsed target. isLoopback
// rejects targets that resolve to one of the proxy's own listeners
// before open is ever called.
func HandleConn(c net.Conn, isLoopback func(host string, port uint16) bool, open func(target string) error) error {
	br := bufio.NewReader(c)

	requestLine, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: read request line: %v", proxyerr.ErrProtocol, err)
	}
	method, target, ok := parseRequestLine(requestLine)
	if !ok {
		_, _ = c.Write([]byte(statusBadRequest))
		return fmt.Errorf("%w: malformed request line %q", proxyerr.ErrProtocol, strings.TrimSpace(requestLine))
	}
	if !strings.EqualFold(method, "CONNECT") {
		_, _ = c.Write([]byte(statusMethodBad))
		return fmt.Errorf("%w: method %q not allowed", proxyerr.ErrProtocol, method)
	}

	if err := drainHeaders(br); err != nil {
		_, _ = c.Write([]byte(statusBadRequest))
		return fmt.Errorf("%w: %v", proxyerr.ErrProtocol, err)
	}

	host, port, err := splitHostPort(target)
	if err != nil {
		_, _ = c.Write([]byte(statusBadRequest))
		return fmt.Errorf("%w: %v", proxyerr.ErrProtocol, err)
	}

	if isLoopback != nil && isLoopback(host, port) {
		_, _ = c.Write([]byte(statusBadGateway))
		return fmt.Errorf("%w: %s:%d", proxyerr.ErrLoopRejected, host, port)
	}

	if err := open(net.JoinHostPort(host, strconv.Itoa(int(port)))); err != nil {
		_, _ = c.Write([]byte(statusBadGateway))
		return err
	}
	_, err = c.Write([]byte(statusOK))
	return err
}

func parseRequestLine(line string) (method, target string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

// drainHeaders reads and discards header lines until the blank line that
// terminates them.
func drainHeaders(br *bufio.Reader) error {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// splitHostPort parses "host[:port]", defaulting the port to 443 when
// absent.
func splitHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		portStr = defaultPort
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}
