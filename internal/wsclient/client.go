// Package wsclient dials a TLS connection and performs the HTTP/1.1
// WebSocket upgrade by hand (no nhooyr.io/websocket, no gorilla/websocket):
// this system needs to control exactly which headers leave the wire and
// exactly how client frames are masked, which a higher-level library would
// get in the way of. Socket tuning reaches the raw file descriptor through
// syscall.RawConn.Control to set send/receive buffer sizes directly.
package wsclient

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/secproxy/secure-proxy/internal/proxyerr"
	"github.com/secproxy/secure-proxy/internal/wsframe"
	"golang.org/x/sys/unix"
)

// websocketGUID is the fixed RFC 6455 accept-key suffix.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// userAgents rotates a small pool of realistic browser strings per dial
// so repeated connections don't all present an identical fingerprint.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

// Config carries everything needed to dial and upgrade a tunnel
// connection.
type Config struct {
	SNIHost          string
	Path             string
	ServerPort       uint16
	ConnectTimeout   time.Duration // default 10s
	HandshakeTimeout time.Duration // default 30s
	SendBufferSize   int           // default 256 KiB
	RecvBufferSize   int           // default 128 KiB
	MaxFrameSize     int           // default 10 MiB
	StrictTLS        bool          // verify the TLS certificate against sni_host instead of skipping verification
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 256 * 1024
	}
	if c.RecvBufferSize == 0 {
		c.RecvBufferSize = 128 * 1024
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = wsframe.DefaultMaxFrameSize
	}
	return c
}

// Conn is a message-oriented WebSocket client connection built directly on
// a TLS byte stream.
type Conn struct {
	tls *tls.Conn
	br  *bufio.Reader

	maxFrameSize int

	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// Dial performs the full connect sequence: TCP dial with socket tuning,
// TLS handshake with ALPN http/1.1, then HTTP Upgrade.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	addr := net.JoinHostPort(cfg.SNIHost, strconv.Itoa(int(cfg.ServerPort)))
	rawConn, err := dialer.DialContext(dialCtx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", proxyerr.ErrDial, addr, err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
		if err := setSocketBuffers(tcpConn, cfg.SendBufferSize, cfg.RecvBufferSize); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("%w: tune socket: %v", proxyerr.ErrDial, err)
		}
	}

	tlsConf := &tls.Config{
		ServerName:         cfg.SNIHost,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS13,
		NextProtos:         []string{"http/1.1"},
		InsecureSkipVerify: !cfg.StrictTLS,
	}
	tlsConn := tls.Client(rawConn, tlsConf)

	hsCtx, hsCancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer hsCancel()
	if deadline, ok := hsCtx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("%w: tls handshake: %v", proxyerr.ErrDial, err)
	}

	c := &Conn{tls: tlsConn, br: bufio.NewReader(tlsConn), maxFrameSize: cfg.MaxFrameSize}

	if err := c.upgrade(cfg); err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	_ = tlsConn.SetDeadline(time.Time{})
	return c, nil
}

func (c *Conn) upgrade(cfg Config) error {
	var keyBytes [16]byte
	if _, err := crand.Read(keyBytes[:]); err != nil {
		return fmt.Errorf("%w: key: %v", proxyerr.ErrHandshakeFailed, err)
	}
	key := base64.StdEncoding.EncodeToString(keyBytes[:])

	path := cfg.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	ua := userAgents[rand.Intn(len(userAgents))]

	req := &strings.Builder{}
	fmt.Fprintf(req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(req, "Host: %s\r\n", cfg.SNIHost)
	fmt.Fprintf(req, "Upgrade: websocket\r\n")
	fmt.Fprintf(req, "Connection: Upgrade\r\n")
	fmt.Fprintf(req, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(req, "Sec-WebSocket-Version: 13\r\n")
	fmt.Fprintf(req, "User-Agent: %s\r\n", ua)
	fmt.Fprintf(req, "Origin: https://%s\r\n", cfg.SNIHost)
	fmt.Fprintf(req, "\r\n")

	if _, err := io.WriteString(c.tls, req.String()); err != nil {
		return fmt.Errorf("%w: write upgrade request: %v", proxyerr.ErrHandshakeFailed, err)
	}

	statusLine, err := c.br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: read status line: %v", proxyerr.ErrHandshakeFailed, err)
	}
	if !strings.Contains(statusLine, "101") {
		return fmt.Errorf("%w: unexpected status line %q", proxyerr.ErrHandshakeFailed, strings.TrimSpace(statusLine))
	}

	headers := map[string]string{}
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return fmt.Errorf("%w: read headers: %v", proxyerr.ErrHandshakeFailed, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		headers[name] = val
	}

	want := acceptKey(key)
	if got := headers["sec-websocket-accept"]; got != want {
		return fmt.Errorf("%w: accept key mismatch", proxyerr.ErrHandshakeFailed)
	}
	return nil
}

func acceptKey(clientKey string) string {
	h := sha1.Sum([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// Send writes one binary client frame (always masked, per RFC 6455).
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.tls.SetWriteDeadline(deadline)
		defer c.tls.SetWriteDeadline(time.Time{})
	}
	return wsframe.WriteMasked(c.tls, wsframe.OpBinary, payload)
}

// Recv reads frames until it can deliver a Text or Binary payload, handling
// Ping (auto-reply Pong), Pong (discard) and Close (returned as
// proxyerr.ErrPeerClosed) transparently.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.tls.SetReadDeadline(deadline)
		}
		f, err := wsframe.Parse(c.br, c.maxFrameSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", proxyerr.ErrProtocol, err)
		}
		switch f.Opcode {
		case wsframe.OpClose:
			c.markClosed()
			return nil, proxyerr.ErrPeerClosed
		case wsframe.OpPing:
			c.writeMu.Lock()
			err := wsframe.WriteMasked(c.tls, wsframe.OpPong, f.Payload)
			c.writeMu.Unlock()
			if err != nil {
				return nil, fmt.Errorf("%w: pong: %v", proxyerr.ErrProtocol, err)
			}
			continue
		case wsframe.OpPong:
			continue
		case wsframe.OpText, wsframe.OpBinary:
			return f.Payload, nil
		default:
			return nil, fmt.Errorf("%w: unexpected opcode %v", proxyerr.ErrProtocol, f.Opcode)
		}
	}
}

// Close sends a close frame (best effort) and tears down the TLS stream.
// Idempotent.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	already := c.closed
	c.closed = true
	c.closeMu.Unlock()
	if !already {
		c.writeMu.Lock()
		_ = wsframe.WriteMasked(c.tls, wsframe.OpClose, []byte{0x03, 0xE8}) // 1000 normal closure
		c.writeMu.Unlock()
	}
	return c.tls.Close()
}

func (c *Conn) markClosed() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}

func setSocketBuffers(conn *net.TCPConn, sendSize, recvSize int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendSize); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvSize); e != nil {
			sockErr = e
			return
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

// ParseTarget formats sniHost and port as a wss:// URL for the startup log
// label. It does not validate its input.
func ParseTarget(sniHost string, port uint16) string {
	u := url.URL{Scheme: "wss", Host: net.JoinHostPort(sniHost, strconv.Itoa(int(port)))}
	return u.String()
}
