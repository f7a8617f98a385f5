// Command secure-proxy is the process entry point: load configuration,
// perform system init, wire the supervisor, the two front-end protocol
// parsers, the tunnel session, and the relay, then run until a signal
// arrives.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/secproxy/secure-proxy/internal/config"
	"github.com/secproxy/secure-proxy/internal/frontend/httpconnect"
	"github.com/secproxy/secure-proxy/internal/frontend/socks5"
	"github.com/secproxy/secure-proxy/internal/metrics"
	"github.com/secproxy/secure-proxy/internal/relay"
	"github.com/secproxy/secure-proxy/internal/supervisor"
	"github.com/secproxy/secure-proxy/internal/sysinit"
	"github.com/secproxy/secure-proxy/internal/tunnel"
	"github.com/secproxy/secure-proxy/internal/wsclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	sysinit.ClearProxyEnv()
	if limit, err := sysinit.RaiseFileDescriptorLimit(); err != nil {
		fmt.Fprintf(os.Stderr, "sysinit: raise fd limit: %v\n", err)
	} else if limit > 0 {
		fmt.Fprintf(os.Stderr, "sysinit: file descriptor soft limit is %d\n", limit)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	logger = logger.With(zap.String("proxy_name", cfg.Name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Info("shutdown signal received")
		cancel()
	}()

	svAddrs := supervisor.Config{
		SocksAddr:                net.JoinHostPort("127.0.0.1", fmt.Sprint(cfg.SocksPort)),
		HTTPAddr:                 net.JoinHostPort("127.0.0.1", fmt.Sprint(cfg.HTTPPort)),
		MaxConcurrentConnections: cfg.MaxConcurrentConnections,
	}

	psk := append([]byte(nil), cfg.PreSharedKey[:]...)
	wsCfg := wsclient.Config{
		SNIHost:          cfg.SNIHost,
		Path:             cfg.Path,
		ServerPort:       cfg.ServerPort,
		ConnectTimeout:   cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxFrameSize:     cfg.MaxFrameSize,
		StrictTLS:        cfg.StrictTLS,
	}
	tunnelCfg := tunnel.Config{
		WS:            wsCfg,
		PreSharedKey:  psk,
		RetryAttempts: cfg.RetryAttempts,
	}

	handler := func(ctx context.Context, kind string, conn net.Conn, stats *supervisor.Stats) {
		defer conn.Close()

		deadline := time.Now().Add(10 * time.Second)
		_ = conn.SetDeadline(deadline)

		isLoopback := func(host string, port uint16) bool {
			return isLoopbackTarget(host, port, cfg.SocksPort, cfg.HTTPPort)
		}

		var sess *tunnel.Session
		open := func(target string) error {
			s, err := tunnel.Open(ctx, tunnelCfg, target)
			if err != nil {
				return err
			}
			sess = s
			return nil
		}

		var handleErr error
		switch kind {
		case "socks5":
			handleErr = socks5.HandleConn(conn, isLoopback, open)
		case "http":
			handleErr = httpconnect.HandleConn(conn, isLoopback, open)
		}
		if handleErr != nil {
			stats.RecordError()
			logger.Warn("front-end rejected connection", zap.String("listener", kind), zap.Error(handleErr))
			return
		}
		if sess == nil {
			return
		}

		_ = conn.SetDeadline(time.Time{})
		if err := relay.Run(ctx, conn, sess, cfg.BufferSize, stats); err != nil {
			stats.RecordError()
			logger.Warn("relay ended with error", zap.String("listener", kind), zap.Error(err))
		}
	}

	sv := supervisor.New(svAddrs, logger, handler)

	var metricsSrv *metrics.Server
	if cfg.MetricsPort != 0 {
		metricsSrv = metrics.New(metrics.Addr(cfg.MetricsPort), sv.Stats())
		go func() {
			if err := metricsSrv.Run(ctx); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("secure-proxy starting",
		zap.String("socks_addr", svAddrs.SocksAddr),
		zap.String("http_addr", svAddrs.HTTPAddr),
		zap.String("remote", wsclient.ParseTarget(cfg.SNIHost, cfg.ServerPort)),
	)

	return sv.Run(ctx)
}

// isLoopbackTarget rejects targets that resolve to the proxy's own
// listeners.
func isLoopbackTarget(host string, port uint16, socksPort, httpPort uint16) bool {
	ip := net.ParseIP(host)
	isLoopbackHost := host == "localhost" || (ip != nil && ip.IsLoopback())
	if !isLoopbackHost {
		return false
	}
	return port == socksPort || port == httpPort
}
