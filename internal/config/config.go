// Package config loads the single process-lifetime configuration
// document from the SECURE_PROXY_CONFIG environment variable. The wire
// format is a flat JSON object; encoding/json is used directly since
// nothing beyond it is needed for a single flat document (see DESIGN.md).
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/secproxy/secure-proxy/internal/proxyerr"
)

const envVar = "SECURE_PROXY_CONFIG"

const pskSize = 32

// raw mirrors the on-the-wire JSON document.
type raw struct {
	Name         string `json:"name"`
	SNIHost      string `json:"sni_host"`
	Path         string `json:"path"`
	ServerPort   uint16 `json:"server_port"`
	SocksPort    uint16 `json:"socks_port"`
	HTTPPort     uint16 `json:"http_port"`
	PreSharedKey string `json:"pre_shared_key"`

	MaxConcurrentConnections int    `json:"max_concurrent_connections"`
	BufferSize               int    `json:"buffer_size"`
	MaxFrameSize             int    `json:"max_frame_size"`
	DialTimeoutMS            int    `json:"dial_timeout_ms"`
	HandshakeTimeoutMS       int    `json:"handshake_timeout_ms"`
	RetryAttempts            int    `json:"retry_attempts"`
	StrictTLS                bool   `json:"strict_tls"`
	MetricsPort              uint16 `json:"metrics_port"`
}

// Config is the validated, process-lifetime-immutable configuration.
type Config struct {
	Name       string
	SNIHost    string
	Path       string
	ServerPort uint16
	SocksPort  uint16
	HTTPPort   uint16
	MetricsPort uint16

	PreSharedKey [pskSize]byte

	MaxConcurrentConnections int
	BufferSize               int
	MaxFrameSize             int
	DialTimeout              time.Duration
	HandshakeTimeout         time.Duration
	RetryAttempts            int
	StrictTLS                bool
}

// Load reads and validates SECURE_PROXY_CONFIG. Every required field
// must be present and well-formed; anything missing or malformed returns
// a wrapped proxyerr.ErrConfig and the caller should treat it as a fatal
// startup error.
func Load() (*Config, error) {
	body, ok := os.LookupEnv(envVar)
	if !ok || body == "" {
		return nil, fmt.Errorf("%w: %s is not set", proxyerr.ErrConfig, envVar)
	}

	var r raw
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("%w: %s is not valid JSON: %v", proxyerr.ErrConfig, envVar, err)
	}
	return validate(r)
}

func validate(r raw) (*Config, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("%w: name is required", proxyerr.ErrConfig)
	}
	if r.SNIHost == "" {
		return nil, fmt.Errorf("%w: sni_host is required", proxyerr.ErrConfig)
	}
	if r.Path == "" || r.Path[0] != '/' {
		return nil, fmt.Errorf("%w: path must begin with '/'", proxyerr.ErrConfig)
	}
	if r.ServerPort == 0 {
		r.ServerPort = 443
	}
	if r.SocksPort == 0 {
		return nil, fmt.Errorf("%w: socks_port is required", proxyerr.ErrConfig)
	}
	if r.HTTPPort == 0 {
		return nil, fmt.Errorf("%w: http_port is required", proxyerr.ErrConfig)
	}
	if r.PreSharedKey == "" {
		return nil, fmt.Errorf("%w: pre_shared_key is required", proxyerr.ErrConfig)
	}

	keyBytes, err := hex.DecodeString(r.PreSharedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: pre_shared_key is not valid hex: %v", proxyerr.ErrConfig, err)
	}
	if len(keyBytes) != pskSize {
		return nil, fmt.Errorf("%w: pre_shared_key must decode to %d bytes, got %d", proxyerr.ErrConfig, pskSize, len(keyBytes))
	}

	c := &Config{
		Name:                     r.Name,
		SNIHost:                  r.SNIHost,
		Path:                     r.Path,
		ServerPort:               r.ServerPort,
		SocksPort:                r.SocksPort,
		HTTPPort:                 r.HTTPPort,
		MetricsPort:              r.MetricsPort,
		MaxConcurrentConnections: r.MaxConcurrentConnections,
		BufferSize:               r.BufferSize,
		MaxFrameSize:             r.MaxFrameSize,
		RetryAttempts:            r.RetryAttempts,
		StrictTLS:                r.StrictTLS,
	}
	copy(c.PreSharedKey[:], keyBytes)

	if c.MaxConcurrentConnections == 0 {
		c.MaxConcurrentConnections = 768
	}
	if c.BufferSize == 0 {
		c.BufferSize = 128 * 1024
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 10 * 1024 * 1024
	}
	if r.DialTimeoutMS == 0 {
		c.DialTimeout = 10 * time.Second
	} else {
		c.DialTimeout = time.Duration(r.DialTimeoutMS) * time.Millisecond
	}
	if r.HandshakeTimeoutMS == 0 {
		c.HandshakeTimeout = 30 * time.Second
	} else {
		c.HandshakeTimeout = time.Duration(r.HandshakeTimeoutMS) * time.Millisecond
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}

	return c, nil
}
