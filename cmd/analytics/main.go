// Command analytics runs the standalone analytics service.
//
// It consumes search and index events from Kafka, aggregates them in memory
// and serves GET /api/v1/analytics. When postgres is reachable and
// analytics.snapshotInterval is set, it also persists periodic snapshots
// and serves GET /api/v1/analytics/history.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-browser/sitesearch/internal/analytics"
	"github.com/chaos-browser/sitesearch/pkg/config"
	"github.com/chaos-browser/sitesearch/pkg/health"
	"github.com/chaos-browser/sitesearch/pkg/kafka"
	"github.com/chaos-browser/sitesearch/pkg/logger"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
	"github.com/chaos-browser/sitesearch/pkg/middleware"
	"github.com/chaos-browser/sitesearch/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Kafka.Enabled {
		fmt.Fprintln(os.Stderr, "analytics service requires kafka.enabled")
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analytics service", "port", cfg.Server.Port, "topic", cfg.Kafka.Topics.AnalyticsEvents)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, m); err != nil {
		slog.Error("analytics service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("analytics service stopped")
}

func run(ctx context.Context, cfg *config.Config, m *metrics.Metrics) error {
	g, ctx := errgroup.WithContext(ctx)

	aggregator := analytics.NewAggregator()
	// A group of its own so this service sees every event, independent of
	// the aggregators embedded in search replicas.
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents,
		cfg.Kafka.ConsumerGroup+"-analytics-service", aggregator.Handle())
	g.Go(func() error { return consumer.Start(ctx) })

	checker := health.NewChecker()
	checker.Register("kafka", health.Static(health.StatusUp, "consumer active"))

	var store *analytics.Store
	if cfg.Analytics.SnapshotInterval > 0 {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, analytics snapshots disabled", "error", err)
			checker.Register("postgres", health.Static(health.StatusDegraded, "snapshots disabled"))
		} else {
			defer db.Close()
			store = analytics.NewStore(db)
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			checker.Register("postgres", health.Ping(db.Ping))
			g.Go(func() error { return store.RunSnapshots(ctx, aggregator, cfg.Analytics.SnapshotInterval) })
		}
	}

	analyticsH := analytics.NewHandler(aggregator, store)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics", analyticsH.Stats)
	mux.HandleFunc("GET /api/v1/analytics/history", analyticsH.History)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	chain := []func(http.Handler) http.Handler{middleware.RequestID, middleware.Metrics(m)}
	if len(cfg.Server.CORSOrigins) > 0 {
		chain = append(chain, middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.CORSOrigins)))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, chain...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		slog.Info("analytics service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
