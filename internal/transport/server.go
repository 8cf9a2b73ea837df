// Package transport wires the streaming hub's external interfaces: the
// REST endpoints of the Append Pipeline/Dataset Registry and the WebSocket
// endpoint of the Subscriber Engine, served from a single
// net/http.ServeMux.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/NSLS2/test-redis-ws/internal/backend"
	"github.com/NSLS2/test-redis-ws/internal/config"
	"github.com/NSLS2/test-redis-ws/internal/dataset"
	"github.com/NSLS2/test-redis-ws/internal/limits"
	"github.com/NSLS2/test-redis-ws/internal/metrics"
	"github.com/NSLS2/test-redis-ws/internal/stream"
)

// Server serves the HTTP and WebSocket surface of the streaming hub.
type Server struct {
	cfg      config.ServerConfig
	limits   config.LimitsConfig
	backend  backend.Adapter
	registry *dataset.Registry
	pipeline *stream.Pipeline
	guard    *limits.Guard
	metrics  *metrics.Registry
	logger   *zap.Logger

	serverHost string

	httpServer *http.Server
}

// New builds a Server. The host reported in the X-Server-Host header and in
// every subscriber envelope is the OS hostname, or "unknown" when it cannot
// be read.
func New(
	cfg config.ServerConfig,
	limitsCfg config.LimitsConfig,
	adapter backend.Adapter,
	registry *dataset.Registry,
	pipeline *stream.Pipeline,
	guard *limits.Guard,
	metricsRegistry *metrics.Registry,
	logger *zap.Logger,
) *Server {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	s := &Server{
		cfg:        cfg,
		limits:     limitsCfg,
		backend:    adapter,
		registry:   registry,
		pipeline:   pipeline,
		guard:      guard,
		metrics:    metricsRegistry,
		logger:     logger,
		serverHost: host,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/upload", s.handleUploadCreate)
	mux.HandleFunc("/upload/", s.handleUploadByID)
	mux.HandleFunc("/close/", s.handleClose)
	mux.HandleFunc("/stream/live", s.handleListLive)
	mux.HandleFunc("/stream/single/", s.handleSubscribe)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.withServerHostHeader(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Run serves until ctx is cancelled, then gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("transport listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// withServerHostHeader stamps every response with X-Server-Host, so a
// client behind a load balancer can pin a WebSocket reconnect back to the
// node it was on.
func (s *Server) withServerHostHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Server-Host", s.serverHost)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
