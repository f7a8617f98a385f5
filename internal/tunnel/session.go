// Package tunnel implements the per-session secure-tunnel handshake and
// message wrappers: ephemeral key exchange over the WebSocket, HMAC
// mutual authentication, the CONNECT request, and AEAD-wrapped send/recv.
package tunnel

import (
	"context"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/secproxy/secure-proxy/internal/aeadcodec"
	"github.com/secproxy/secure-proxy/internal/kdf"
	"github.com/secproxy/secure-proxy/internal/proxyerr"
	"github.com/secproxy/secure-proxy/internal/wsclient"
)

// pubKeySize is the length of the random handshake salt halves exchanged
// before key derivation; no Diffie-Hellman is computed, these are raw
// random salt material.
const pubKeySize = 32

// Config is the subset of the process Config a tunnel needs to open a
// session.
type Config struct {
	WS            wsclient.Config
	PreSharedKey  []byte // 32 bytes
	RetryAttempts int    // default 3
	RetryBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	return c
}

// wsConn is the minimal message-oriented surface the handshake needs from
// a WebSocket connection. *wsclient.Conn satisfies it; tests substitute a
// channel-backed fake to drive the handshake state machine without a real
// TLS listener.
type wsConn interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Session is an owned handle combining the WebSocket/TLS stream with both
// directional AEAD codecs. It is created by exactly one client connection,
// is never pooled, and is destroyed on first error or end-of-stream.
type Session struct {
	ID   string
	conn wsConn

	send *aeadcodec.Codec
	recv *aeadcodec.Codec

	bytesSent uint64
	bytesRecv uint64

	closeOnce sync.Once
}

// Open performs the full connect sequence: TLS dial, WS upgrade, key
// exchange, mutual auth, and CONNECT request, retrying transient dial/
// handshake failures up to cfg.RetryAttempts times with exponential
// backoff. AuthFailure and ConnectRejected are never retried.
func Open(ctx context.Context, cfg Config, target string) (*Session, error) {
	cfg = cfg.withDefaults()
	if len(cfg.PreSharedKey) != kdf.SaltSize/2 {
		return nil, fmt.Errorf("%w: pre_shared_key must be 32 bytes", proxyerr.ErrConfig)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		s, err := open(ctx, cfg, target)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if !proxyerr.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func open(ctx context.Context, cfg Config, target string) (*Session, error) {
	conn, err := wsclient.Dial(ctx, cfg.WS)
	if err != nil {
		return nil, err
	}
	return openOn(ctx, conn, cfg.PreSharedKey, target)
}

// openOn runs the handshake on an already-established connection. Tests
// use it with a channel-backed fake wsConn instead of a real TLS dial.
func openOn(ctx context.Context, conn wsConn, psk []byte, target string) (*Session, error) {
	s := &Session{ID: uuid.NewString(), conn: conn}
	if err := s.handshake(ctx, psk, target); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context, psk []byte, target string) error {
	clientPub := make([]byte, pubKeySize)
	if _, err := crand.Read(clientPub); err != nil {
		return fmt.Errorf("%w: client_pub: %v", proxyerr.ErrHandshakeFailed, err)
	}
	if err := s.conn.Send(ctx, clientPub); err != nil {
		return fmt.Errorf("%w: send client_pub: %v", proxyerr.ErrHandshakeFailed, err)
	}

	serverPub, err := s.conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: recv server_pub: %v", proxyerr.ErrHandshakeFailed, err)
	}
	if len(serverPub) != pubKeySize {
		return fmt.Errorf("%w: server_pub wrong size %d", proxyerr.ErrHandshakeFailed, len(serverPub))
	}

	salt := append(append([]byte{}, clientPub...), serverPub...)
	sendKey, recvKey, err := kdf.DeriveKeys(psk, salt)
	if err != nil {
		return fmt.Errorf("%w: derive keys: %v", proxyerr.ErrHandshakeFailed, err)
	}

	sendCodec, err := aeadcodec.New(sendKey)
	if err != nil {
		return fmt.Errorf("%w: send codec: %v", proxyerr.ErrHandshakeFailed, err)
	}
	recvCodec, err := aeadcodec.New(recvKey)
	if err != nil {
		return fmt.Errorf("%w: recv codec: %v", proxyerr.ErrHandshakeFailed, err)
	}
	s.send = sendCodec
	s.recv = recvCodec

	authTag := hmacTag(sendKey, "auth")
	if err := s.conn.Send(ctx, authTag); err != nil {
		return fmt.Errorf("%w: send auth: %v", proxyerr.ErrHandshakeFailed, err)
	}

	okTag, err := s.conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: recv auth ack: %v", proxyerr.ErrHandshakeFailed, err)
	}
	want := hmacTag(recvKey, "ok")
	if !hmac.Equal(okTag, want) {
		return proxyerr.ErrAuthFailure
	}

	connectMsg, err := s.send.Encrypt([]byte("CONNECT "+target), nil)
	if err != nil {
		return fmt.Errorf("%w: encrypt connect: %v", proxyerr.ErrHandshakeFailed, err)
	}
	if err := s.conn.Send(ctx, connectMsg); err != nil {
		return fmt.Errorf("%w: send connect: %v", proxyerr.ErrHandshakeFailed, err)
	}

	reply, err := s.conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: recv connect reply: %v", proxyerr.ErrHandshakeFailed, err)
	}
	plain, err := s.recv.Decrypt(reply, nil)
	if err != nil {
		return fmt.Errorf("%w: decrypt connect reply: %v", proxyerr.ErrAuthFailure, err)
	}
	if string(plain) != "OK" {
		return &proxyerr.RejectedError{Body: string(plain)}
	}
	return nil
}

func hmacTag(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// Send encrypts and writes one message. Ordering within a session is
// preserved: each call blocks until its frame is written.
func (s *Session) Send(ctx context.Context, plaintext []byte) error {
	ct, err := s.send.Encrypt(plaintext, nil)
	if err != nil {
		return err
	}
	if err := s.conn.Send(ctx, ct); err != nil {
		return err
	}
	atomic.AddUint64(&s.bytesSent, uint64(len(plaintext)))
	return nil
}

// Recv reads and decrypts one message, returning proxyerr.ErrPeerClosed on
// normal end-of-stream.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	ct, err := s.conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	plain, err := s.recv.Decrypt(ct, nil)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.bytesRecv, uint64(len(plain)))
	return plain, nil
}

// BytesSent/BytesRecv report the running byte counters for this session.
func (s *Session) BytesSent() uint64 { return atomic.LoadUint64(&s.bytesSent) }
func (s *Session) BytesRecv() uint64 { return atomic.LoadUint64(&s.bytesRecv) }

// Close sends a WS close frame and tears down the TLS stream. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

