// Package metrics exposes the proxy's running counters over HTTP on a
// separate loopback port: a Prometheus text-exposition /metrics endpoint
// and a /healthz liveness endpoint. Routed with github.com/go-chi/chi/v5.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// Counters holds the values of the process-wide statistics. It has no
// lock of its own: the supervisor's Stats block holds the mutex and hands
// out copies of these values through Snapshot.
type Counters struct {
	ActiveConnections int64
	TotalConnections  uint64
	BytesSent         uint64
	BytesReceived     uint64
	Errors            uint64
}

// Snapshot is a read-only copy of Counters taken under the shared lock.
type Snapshot = Counters

// Source is implemented by the supervisor's statistics block.
type Source interface {
	Snapshot() Snapshot
}

// Server serves /metrics and /healthz on its own loopback listener.
type Server struct {
	httpSrv *http.Server
}

// New builds a chi-routed metrics server bound to addr (normally
// 127.0.0.1:<metrics_port>).
func New(addr string, src Source) *Server {
	r := chi.NewRouter()
	r.Get("/healthz", handleHealthz)
	r.Get("/metrics", handleMetrics(src))
	return &Server{httpSrv: &http.Server{Addr: addr, Handler: r}}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleMetrics(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s := src.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		var b strings.Builder
		writeGauge(&b, "secure_proxy_active_connections", float64(s.ActiveConnections))
		writeCounter(&b, "secure_proxy_connections_total", float64(s.TotalConnections))
		writeCounter(&b, "secure_proxy_bytes_sent_total", float64(s.BytesSent))
		writeCounter(&b, "secure_proxy_bytes_received_total", float64(s.BytesReceived))
		writeCounter(&b, "secure_proxy_errors_total", float64(s.Errors))
		_, _ = w.Write([]byte(b.String()))
	}
}

func writeGauge(b *strings.Builder, name string, v float64) {
	fmt.Fprintf(b, "# TYPE %s gauge\n%s %v\n", name, name, v)
}

func writeCounter(b *strings.Builder, name string, v float64) {
	fmt.Fprintf(b, "# TYPE %s counter\n%s %v\n", name, name, v)
}

// Run serves until ctx is cancelled, then gives the server a bounded
// grace period to shut down.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()
	err := s.httpSrv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr formats a loopback host:port for a metrics listener.
func Addr(port uint16) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
}
