package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// HealthFunc reports whether the node is healthy. A non-nil error makes /healthz
// answer 503 with the error text.
type HealthFunc func() error

// ServerConfig configures the metrics Server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9090".
	Addr string

	// Gatherer is served on /metrics (default: the default Prometheus registry).
	Gatherer prometheus.Gatherer

	// Health backs /healthz (optional; always healthy if nil).
	Health HealthFunc
}

// Server exposes /metrics and /healthz over HTTP.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           newHandler(cfg),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func newHandler(cfg ServerConfig) http.Handler {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Handler returns the HTTP handler serving /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run listens on the configured address and serves until ctx is done, then
// shuts the server down gracefully. A listen failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
