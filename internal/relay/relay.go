// Package relay implements the bidirectional copy loop between a local TCP
// client connection and a tunnel session, with termination coupling: as
// soon as one direction finishes, the other is cancelled and both sides are
// closed. Unlike a plain net.Conn-to-net.Conn io.Copy pair, the remote side
// here is message-oriented (AEAD frames), not a byte stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/secproxy/secure-proxy/internal/proxyerr"
)

// DefaultBufferSize is the local->remote read chunk size.
const DefaultBufferSize = 128 * 1024

// Tunnel is the minimal surface Run needs from a tunnel session. *tunnel.
// Session satisfies it; tests substitute an in-memory fake so the copy
// loop and its termination coupling can be exercised without a real
// handshake.
type Tunnel interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Stats receives byte counts as the relay progresses; nil is a valid
// no-op sink for tests.
type Stats interface {
	AddSent(n uint64)
	AddRecv(n uint64)
}

type noopStats struct{}

func (noopStats) AddSent(uint64) {}
func (noopStats) AddRecv(uint64) {}

// Run copies bytes between client and sess until either direction ends,
// then cancels the other and closes both sides. It returns the terminal
// error from whichever side ended first, or nil on a clean
// proxyerr.ErrPeerClosed / io.EOF shutdown.
func Run(ctx context.Context, client net.Conn, sess Tunnel, bufferSize int, stats Stats) error {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if stats == nil {
		stats = noopStats{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)

	go func() {
		errc <- copyLocalToRemote(ctx, sess, client, bufferSize, stats)
	}()
	go func() {
		errc <- copyRemoteToLocal(ctx, client, sess, stats)
	}()

	first := <-errc
	cancel()
	_ = sess.Close()
	_ = client.Close()
	<-errc // wait for the other goroutine to observe the close and exit

	if isCleanShutdown(first) {
		return nil
	}
	return first
}

func copyLocalToRemote(ctx context.Context, sess Tunnel, client net.Conn, bufferSize int, stats Stats) error {
	buf := make([]byte, bufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := client.Read(buf)
		if n > 0 {
			if sendErr := sess.Send(ctx, buf[:n]); sendErr != nil {
				return fmt.Errorf("relay: local->remote send: %w", sendErr)
			}
			stats.AddSent(uint64(n))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("relay: local->remote read: %w", err)
		}
	}
}

func copyRemoteToLocal(ctx context.Context, client net.Conn, sess Tunnel, stats Stats) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		payload, err := sess.Recv(ctx)
		if err != nil {
			if errors.Is(err, proxyerr.ErrPeerClosed) {
				return nil
			}
			return fmt.Errorf("relay: remote->local recv: %w", err)
		}
		if _, err := client.Write(payload); err != nil {
			return fmt.Errorf("relay: remote->local write: %w", err)
		}
		stats.AddRecv(uint64(len(payload)))
	}
}

func isCleanShutdown(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, proxyerr.ErrPeerClosed) ||
		errors.Is(err, io.EOF) ||
		isResetOrBrokenPipe(err)
}

func isResetOrBrokenPipe(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}
