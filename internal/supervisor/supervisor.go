// Package supervisor binds the SOCKS5 and HTTP CONNECT loopback
// listeners, gates accepted connections behind a counting semaphore, and
// owns the shared statistics block. Each accepted connection blocks on a
// bounded admission gate rather than fanning out an unbounded number of
// goroutines.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/secproxy/secure-proxy/internal/metrics"
)

// Stats is the one mutex-protected block of shared mutable state.
type Stats struct {
	mu       sync.Mutex
	active   int64
	total    uint64
	sent     uint64
	received uint64
	errs     uint64
}

func (s *Stats) connectionOpened() {
	s.mu.Lock()
	s.active++
	s.total++
	s.mu.Unlock()
}

func (s *Stats) connectionClosed() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

// AddSent implements relay.Stats.
func (s *Stats) AddSent(n uint64) {
	s.mu.Lock()
	s.sent += n
	s.mu.Unlock()
}

// AddRecv implements relay.Stats.
func (s *Stats) AddRecv(n uint64) {
	s.mu.Lock()
	s.received += n
	s.mu.Unlock()
}

// RecordError increments the error counter.
func (s *Stats) RecordError() {
	s.mu.Lock()
	s.errs++
	s.mu.Unlock()
}

// Snapshot implements metrics.Source.
func (s *Stats) Snapshot() metrics.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return metrics.Snapshot{
		ActiveConnections: s.active,
		TotalConnections:  s.total,
		BytesSent:         s.sent,
		BytesReceived:     s.received,
		Errors:            s.errs,
	}
}

const (
	keepAliveIdle     = 60 * time.Second
	keepAliveInterval = 10 * time.Second
	keepAliveProbes   = 3
	acceptBacklog     = 128
	reportInterval    = 7 * time.Second
)

// Config carries the listener and admission-gate parameters a supervisor
// needs.
type Config struct {
	SocksAddr                string
	HTTPAddr                 string
	MaxConcurrentConnections int
}

// Handler is invoked once per accepted, semaphore-gated, socket-tuned
// connection. kind is "socks5" or "http".
type Handler func(ctx context.Context, kind string, conn net.Conn, stats *Stats)

// Supervisor owns both loopback listeners and the admission semaphore.
type Supervisor struct {
	cfg    Config
	log    *zap.Logger
	stats  *Stats
	sem    chan struct{}
	handle Handler

	listeners []net.Listener
	mu        sync.Mutex
}

// New constructs a Supervisor. handle is called for every admitted
// connection; it owns the connection's lifetime (including closing it).
func New(cfg Config, log *zap.Logger, handle Handler) *Supervisor {
	if cfg.MaxConcurrentConnections <= 0 {
		cfg.MaxConcurrentConnections = 768
	}
	return &Supervisor{
		cfg:    cfg,
		log:    log,
		stats:  &Stats{},
		sem:    make(chan struct{}, cfg.MaxConcurrentConnections),
		handle: handle,
	}
}

// Stats exposes the shared statistics block, e.g. for wiring into
// metrics.New.
func (sv *Supervisor) Stats() *Stats { return sv.stats }

// Run binds both listeners and serves until ctx is cancelled. It blocks
// until every accept loop has returned.
func (sv *Supervisor) Run(ctx context.Context) error {
	socksLn, err := sv.listen(sv.cfg.SocksAddr)
	if err != nil {
		return err
	}
	httpLn, err := sv.listen(sv.cfg.HTTPAddr)
	if err != nil {
		_ = socksLn.Close()
		return err
	}

	go sv.report(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sv.acceptLoop(ctx, socksLn, "socks5")
	}()
	go func() {
		defer wg.Done()
		sv.acceptLoop(ctx, httpLn, "http")
	}()

	go func() {
		<-ctx.Done()
		sv.mu.Lock()
		for _, ln := range sv.listeners {
			_ = ln.Close()
		}
		sv.mu.Unlock()
	}()

	wg.Wait()
	return nil
}

func (sv *Supervisor) listen(addr string) (net.Listener, error) {
	ln, err := listenTCPWithBacklog(addr, acceptBacklog)
	if err != nil {
		return nil, err
	}
	sv.mu.Lock()
	sv.listeners = append(sv.listeners, ln)
	sv.mu.Unlock()
	return ln, nil
}

// listenTCPWithBacklog builds the listening socket by hand via
// golang.org/x/sys/unix so the listen(2) backlog can be set explicitly:
// net.ListenConfig has no knob for it, since Go's runtime always picks the
// backlog itself (net/core/somaxconn) after any Control callback runs.
func listenTCPWithBacklog(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt reuseaddr: %w", err)
	}

	ip := tcpAddr.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), addr)
	ln, err := net.FileListener(f)
	_ = f.Close() // net.FileListener dups the fd; the original is no longer needed
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("file listener %s: %w", addr, err)
	}
	return ln, nil
}

func (sv *Supervisor) acceptLoop(ctx context.Context, ln net.Listener, kind string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			sv.log.Warn("accept failed", zap.String("listener", kind), zap.Error(err))
			continue
		}

		select {
		case sv.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}

		tuneConn(conn)
		sv.stats.connectionOpened()

		go func() {
			defer func() {
				<-sv.sem
				sv.stats.connectionClosed()
			}()
			sv.handle(ctx, kind, conn, sv.stats)
		}()
	}
}

func tuneConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetNoDelay(true)
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetKeepAlivePeriod(keepAliveIdle)
}

// report logs one line every reportInterval with live-session count and
// throughput rates.
func (sv *Supervisor) report(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	var lastSent, lastRecv uint64
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := sv.stats.Snapshot()
			elapsed := now.Sub(lastAt).Seconds()
			if elapsed <= 0 {
				elapsed = reportInterval.Seconds()
			}
			upRate := float64(snap.BytesSent-lastSent) / elapsed
			downRate := float64(snap.BytesReceived-lastRecv) / elapsed

			sv.log.Info("proxy status",
				zap.Int64("active_sessions", snap.ActiveConnections),
				zap.Uint64("total_sessions", snap.TotalConnections),
				zap.Float64("up_bytes_per_sec", upRate),
				zap.Float64("down_bytes_per_sec", downRate),
				zap.Uint64("errors", snap.Errors),
			)

			lastSent, lastRecv, lastAt = snap.BytesSent, snap.BytesReceived, now
		}
	}
}
