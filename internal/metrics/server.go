package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Server serves a Registry's metrics over HTTP at /metrics.
type Server struct {
	log  *slog.Logger
	addr string
	srv  *http.Server
}

// NewServer creates a metrics HTTP server bound to addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, reg *Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))

	return &Server{
		log:  log.With("component", "metrics-server"),
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start runs the metrics server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutdown error", "error", err)
		}
	}()

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
