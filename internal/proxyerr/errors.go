// Package proxyerr defines the error kinds shared across the tunnel
// subsystem so front-ends can classify a failure without string matching.
package proxyerr

import "errors"

var (
	// ErrConfig marks a missing or malformed configuration value. Fatal at
	// startup; never returned once the process is running.
	ErrConfig = errors.New("proxyerr: config error")

	// ErrDial marks a failed TCP or TLS dial to the remote gateway.
	// Retryable by the front-end with backoff.
	ErrDial = errors.New("proxyerr: dial failed")

	// ErrHandshakeFailed marks a rejected or malformed WebSocket upgrade.
	// Retryable.
	ErrHandshakeFailed = errors.New("proxyerr: handshake failed")

	// ErrAuthFailure marks an HMAC mismatch at the tunnel auth step.
	// Non-retryable.
	ErrAuthFailure = errors.New("proxyerr: auth failure")

	// ErrConnectRejected marks a remote CONNECT response other than "OK".
	// Non-retryable; the rejection body is attached via RejectedBody.
	ErrConnectRejected = errors.New("proxyerr: connect rejected")

	// ErrPeerClosed marks a normal end-of-stream. Not a failure.
	ErrPeerClosed = errors.New("proxyerr: peer closed")

	// ErrProtocol marks malformed SOCKS5/HTTP/WS input on the wire.
	ErrProtocol = errors.New("proxyerr: protocol error")

	// ErrLoopRejected marks a target that resolves to one of our own
	// listeners.
	ErrLoopRejected = errors.New("proxyerr: target would loop back to proxy")

	// ErrResourceExhausted marks an accept that could not be admitted
	// because a wait on the concurrency gate expired. The supervisor's
	// admission wait has no time limit, so nothing here returns it.
	ErrResourceExhausted = errors.New("proxyerr: resource exhausted")
)

// RejectedError carries the plaintext body the remote sent back instead of
// "OK" at the CONNECT step (spec ConnectRejected(body)).
type RejectedError struct {
	Body string
}

func (e *RejectedError) Error() string {
	return "proxyerr: connect rejected: " + e.Body
}

func (e *RejectedError) Unwrap() error { return ErrConnectRejected }

// Retryable reports whether the front-end may retry tunnel.Open for err.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAuthFailure):
		return false
	case errors.Is(err, ErrConnectRejected):
		return false
	case errors.Is(err, ErrDial), errors.Is(err, ErrHandshakeFailed):
		return true
	default:
		return false
	}
}
