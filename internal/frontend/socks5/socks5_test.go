package socks5

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/secproxy/secure-proxy/internal/proxyerr"
)

func TestHappyPathConnect(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	var gotTarget string
	done := make(chan error, 1)
	go func() {
		done <- HandleConn(server, nil, func(target string) error {
			gotTarget = target
			return nil
		})
	}()

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	expectRead(t, client, []byte{0x05, 0x00})

	mustWrite(t, client, []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80})
	expectRead(t, client, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	if err := <-done; err != nil {
		t.Fatalf("HandleConn: %v", err)
	}
	if gotTarget != "127.0.0.1:80" {
		t.Fatalf("target = %q, want 127.0.0.1:80", gotTarget)
	}
}

func TestDomainTarget(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	var gotTarget string
	done := make(chan error, 1)
	go func() {
		done <- HandleConn(server, nil, func(target string) error {
			gotTarget = target
			return nil
		})
	}()

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	expectRead(t, client, []byte{0x05, 0x00})

	host := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	req = append(req, 0x01, 0xBB) // port 443
	mustWrite(t, client, req)
	expectRead(t, client, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	if err := <-done; err != nil {
		t.Fatalf("HandleConn: %v", err)
	}
	if gotTarget != "example.com:443" {
		t.Fatalf("target = %q, want example.com:443", gotTarget)
	}
}

func TestRejectsNonConnectCommand(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- HandleConn(server, nil, func(string) error {
			t.Fatal("open should not be called for non-CONNECT command")
			return nil
		})
	}()

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	expectRead(t, client, []byte{0x05, 0x00})

	mustWrite(t, client, []byte{0x05, 0x03, 0x00, 0x01, 127, 0, 0, 1, 0, 80}) // UDP ASSOCIATE
	expectRead(t, client, []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	err := <-done
	if !errors.Is(err, proxyerr.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestRejectsBadVersion(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- HandleConn(server, nil, func(string) error { return nil })
	}()

	// Only the 2-byte greeting header is sent: the handler rejects on the
	// version byte without reading any method bytes.
	mustWrite(t, client, []byte{0x04, 0x01})

	err := <-done
	if !errors.Is(err, proxyerr.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestOpenFailureWritesFailureReply(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	openErr := errors.New("dial failed")
	done := make(chan error, 1)
	go func() {
		done <- HandleConn(server, nil, func(string) error { return openErr })
	}()

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	expectRead(t, client, []byte{0x05, 0x00})
	mustWrite(t, client, []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80})
	expectRead(t, client, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	if err := <-done; !errors.Is(err, openErr) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
}

func TestAntiLoopRejection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	isLoopback := func(host string, port uint16) bool {
		return host == "127.0.0.1" && port == 1080
	}
	done := make(chan error, 1)
	go func() {
		done <- HandleConn(server, isLoopback, func(string) error {
			t.Fatal("open should not be called for a looping target")
			return nil
		})
	}()

	mustWrite(t, client, []byte{0x05, 0x01, 0x00})
	expectRead(t, client, []byte{0x05, 0x00})
	mustWrite(t, client, []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x04, 0x38}) // port 1080
	expectRead(t, client, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	err := <-done
	if !errors.Is(err, proxyerr.ErrLoopRejected) {
		t.Fatalf("expected ErrLoopRejected, got %v", err)
	}
}

func mustWrite(t *testing.T, c net.Conn, b []byte) {
	t.Helper()
	_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectRead(t *testing.T, c net.Conn, want []byte) {
	t.Helper()
	buf := make([]byte, len(want))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, want) {
		t.Fatalf("got % x, want % x", buf, want)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
