// Command streamhubd runs the streaming hub: the HTTP/WebSocket server
// implementing the Dataset Registry, Append Pipeline, Close Marker, and
// Subscriber Engine, backed by either Redis or NATS JetStream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/NSLS2/test-redis-ws/internal/backend"
	"github.com/NSLS2/test-redis-ws/internal/backend/natsbackend"
	"github.com/NSLS2/test-redis-ws/internal/backend/redisbackend"
	"github.com/NSLS2/test-redis-ws/internal/config"
	"github.com/NSLS2/test-redis-ws/internal/dataset"
	"github.com/NSLS2/test-redis-ws/internal/limits"
	"github.com/NSLS2/test-redis-ws/internal/logging"
	"github.com/NSLS2/test-redis-ws/internal/metrics"
	"github.com/NSLS2/test-redis-ws/internal/stream"
	"github.com/NSLS2/test-redis-ws/internal/transport"
)

func main() {
	// A missing .env is not an error; it's only a convenience for local
	// development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	adapter, err := newBackend(cfg.Backend)
	if err != nil {
		logger.Fatal("failed to initialize backend", zap.String("kind", cfg.Backend.Kind), zap.Error(err))
	}
	defer adapter.Close()

	metricsRegistry := metrics.NewRegistry()
	registry := dataset.New(adapter)
	pipeline := stream.NewPipeline(adapter, registry, cfg.Backend.TTL)

	guard := limits.NewGuard(limits.Config{
		MaxConnections:      cfg.Limits.MaxConnections,
		CPURejectPercent:    cfg.Limits.CPURejectPercent,
		MaxAppendsPerSec:    int(cfg.Limits.MaxAppendsPerSecond),
		MaxSubscribesPerSec: int(cfg.Limits.MaxSubscribersPerSecond),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard.StartMonitoring(ctx, 15*time.Second)

	server := transport.New(cfg.Server, cfg.Limits, adapter, registry, pipeline, guard, metricsRegistry, logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.Run(ctx)
	}()

	if cfg.Metrics.Enabled {
		go func() {
			errCh <- runMetricsServer(ctx, cfg.Metrics, metricsRegistry, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
		stop()
	}

	logger.Info("streamhubd stopped")
}

func newBackend(cfg config.BackendConfig) (backend.Adapter, error) {
	switch cfg.Kind {
	case "nats":
		return natsbackend.New(natsbackend.Config{
			URL:           cfg.NATSURL,
			KVBucket:      cfg.NATSKVBucket,
			TTL:           cfg.TTL,
			MaxReconnects: cfg.NATSMaxReconnect,
			ReconnectWait: cfg.NATSReconnectWait,
		})
	default:
		return redisbackend.New(cfg.RedisURL)
	}
}

func runMetricsServer(ctx context.Context, cfg config.MetricsConfig, reg *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, reg.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.ListenAddr), zap.String("endpoint", cfg.Endpoint))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
