package config

import (
	"errors"
	"os"
	"testing"

	"github.com/secproxy/secure-proxy/internal/proxyerr"
)

func setEnv(t *testing.T, body string) {
	t.Helper()
	t.Setenv(envVar, body)
}

func TestLoadHappyPath(t *testing.T) {
	setEnv(t, `{
		"name": "prod",
		"sni_host": "cdn.example.com",
		"path": "/ws",
		"server_port": 443,
		"socks_port": 1080,
		"http_port": 8080,
		"pre_shared_key": "`+hex64()+`"
	}`)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.SNIHost != "cdn.example.com" || c.SocksPort != 1080 || c.HTTPPort != 8080 {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.MaxConcurrentConnections != 768 {
		t.Fatalf("expected default MaxConcurrentConnections, got %d", c.MaxConcurrentConnections)
	}
}

func TestLoadMissingEnv(t *testing.T) {
	os.Unsetenv(envVar)
	_, err := Load()
	if !errors.Is(err, proxyerr.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadBadJSON(t *testing.T) {
	setEnv(t, `{not json`)
	_, err := Load()
	if !errors.Is(err, proxyerr.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadRejectsShortPSK(t *testing.T) {
	setEnv(t, `{
		"name": "prod",
		"sni_host": "cdn.example.com",
		"path": "/ws",
		"socks_port": 1080,
		"http_port": 8080,
		"pre_shared_key": "aabb"
	}`)
	_, err := Load()
	if !errors.Is(err, proxyerr.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadRejectsPathWithoutLeadingSlash(t *testing.T) {
	setEnv(t, `{
		"name": "prod",
		"sni_host": "cdn.example.com",
		"path": "ws",
		"socks_port": 1080,
		"http_port": 8080,
		"pre_shared_key": "`+hex64()+`"
	}`)
	_, err := Load()
	if !errors.Is(err, proxyerr.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func hex64() string {
	return "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
}
