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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-browser/sitesearch/internal/analytics"
	"github.com/chaos-browser/sitesearch/internal/corpus"
	"github.com/chaos-browser/sitesearch/internal/search/cache"
	"github.com/chaos-browser/sitesearch/internal/search/client"
	"github.com/chaos-browser/sitesearch/internal/search/engine"
	"github.com/chaos-browser/sitesearch/internal/search/handler"
	"github.com/chaos-browser/sitesearch/internal/search/remote"
	"github.com/chaos-browser/sitesearch/pkg/config"
	"github.com/chaos-browser/sitesearch/pkg/health"
	"github.com/chaos-browser/sitesearch/pkg/kafka"
	"github.com/chaos-browser/sitesearch/pkg/logger"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
	"github.com/chaos-browser/sitesearch/pkg/middleware"
	"github.com/chaos-browser/sitesearch/pkg/postgres"
	pkgredis "github.com/chaos-browser/sitesearch/pkg/redis"
	"github.com/chaos-browser/sitesearch/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search service",
		"port", cfg.Server.Port,
		"corpus", cfg.Corpus.Source,
		"remote_worker", cfg.Worker.Remote,
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, m); err != nil {
		slog.Error("search service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("search service stopped")
}

func run(ctx context.Context, cfg *config.Config, m *metrics.Metrics) error {
	g, ctx := errgroup.WithContext(ctx)

	transport, err := startEngine(ctx, g, cfg, m)
	if err != nil {
		return err
	}
	searchClient := client.New(transport, m)
	searchClient.Start(ctx)
	g.Go(func() error {
		searchClient.Wait()
		if ctx.Err() == nil {
			return errors.New("query engine connection lost")
		}
		return nil
	})

	var db *postgres.Client
	if cfg.Corpus.Source == "postgres" || cfg.Analytics.SnapshotInterval > 0 {
		db, err = postgres.New(cfg.Postgres)
		if err != nil {
			if cfg.Corpus.Source == "postgres" {
				return fmt.Errorf("corpus database: %w", err)
			}
			slog.Warn("postgres unavailable, analytics snapshots disabled", "error", err)
		} else {
			defer db.Close()
		}
	}

	aggregator := analytics.NewAggregator()
	var tracker analytics.Tracker = aggregator
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
		defer producer.Close()
		collector := analytics.NewCollector(producer, cfg.Analytics)
		collector.Start(ctx)
		defer collector.Wait()
		tracker = collector

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents,
			cfg.Kafka.ConsumerGroup+"-analytics", aggregator.Handle())
		g.Go(func() error { return consumer.Start(ctx) })
	}

	var store *analytics.Store
	if db != nil && cfg.Analytics.SnapshotInterval > 0 {
		store = analytics.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		g.Go(func() error { return store.RunSnapshots(ctx, aggregator, cfg.Analytics.SnapshotInterval) })
	}

	var loader corpus.Loader = corpus.NewFileLoader(cfg.Corpus.Path)
	if cfg.Corpus.Source == "postgres" {
		loader = corpus.NewPostgresLoader(db, cfg.Corpus.Table)
	}
	rebuilder := corpus.NewRebuilder(loader, searchClient, tracker, m, corpus.Options{
		Timeout: cfg.Search.BuildTimeout,
	})
	g.Go(func() error {
		// A failed startup build leaves the service up but not ready; a later
		// rebuild can still succeed.
		_, _ = rebuilder.Rebuild(ctx, "startup")
		return nil
	})
	if cfg.Kafka.Enabled {
		host, _ := os.Hostname()
		reload := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CorpusUpdates,
			cfg.Kafka.ConsumerGroup+"-reload-"+host, corpus.ReloadHandler(rebuilder))
		g.Go(func() error { return reload.Start(ctx) })
	}

	queryCache, redisClient := newQueryCache(cfg, m)
	if redisClient != nil {
		defer redisClient.Close()
	}

	checker := health.NewChecker()
	checker.Register("index", func(context.Context) health.ComponentHealth {
		if id := searchClient.IndexID(); id != "" {
			return health.ComponentHealth{Status: health.StatusUp, Message: id}
		}
		return health.ComponentHealth{Status: health.StatusDown, Message: "index not built"}
	})
	switch {
	case redisClient != nil:
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := redisClient.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	default:
		checker.Register("redis", health.Static(health.StatusDegraded, "not configured, using in-process cache"))
	}
	if db != nil {
		checker.Register("postgres", health.Ping(db.Ping))
	}

	h := handler.New(searchClient, queryCache, rebuilder, tracker, cfg.Search, m)
	analyticsH := analytics.NewHandler(aggregator, store)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("POST /api/v1/index/rebuild", h.Rebuild)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("GET /api/v1/analytics", analyticsH.Stats)
	mux.HandleFunc("GET /api/v1/analytics/history", analyticsH.History)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	chain := []func(http.Handler) http.Handler{middleware.RequestID, middleware.Metrics(m)}
	if len(cfg.Server.CORSOrigins) > 0 {
		chain = append(chain, middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.CORSOrigins)))
	}
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewLimiter(cfg.Server.RateLimit, time.Minute)
		g.Go(func() error { return limiter.Run(ctx) })
		chain = append(chain, middleware.RateLimit(limiter))
	}
	chain = append(chain, middleware.Timeout(cfg.Server.WriteTimeout))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, chain...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		slog.Info("search service listening", "addr", server.Addr)
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

// startEngine runs the query engine in-process, or connects to a search
// worker when one is configured.
func startEngine(ctx context.Context, g *errgroup.Group, cfg *config.Config, m *metrics.Metrics) (client.Transport, error) {
	if !cfg.Worker.Remote {
		e := engine.New(cfg.Engine, m)
		g.Go(func() error { return e.Run(ctx) })
		return e, nil
	}

	var tr *remote.Transport
	err := resilience.Retry(ctx, "dial search worker", resilience.RetryConfig{MaxAttempts: 5}, func() error {
		var err error
		tr, err = remote.Dial(ctx, cfg.Worker.Addr)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.Go(func() error {
		<-ctx.Done()
		return tr.Close()
	})
	return tr, nil
}

// newQueryCache prefers Redis so replicas share entries, and falls back to
// an in-process LRU.
func newQueryCache(cfg *config.Config, m *metrics.Metrics) (*cache.QueryCache, *pkgredis.Client) {
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err == nil {
			breaker := resilience.NewCircuitBreaker("redis-cache", resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, to resilience.State) {
					m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				},
			})
			slog.Info("search cache enabled", "backend", "redis", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
			return cache.New(cache.NewRedisBackend(redisClient, cfg.Redis.CacheTTL, breaker), m), redisClient
		}
		slog.Warn("redis unavailable, falling back to in-process cache", "error", err)
	}
	if cfg.Search.CacheSize <= 0 {
		slog.Info("search cache disabled")
		return nil, nil
	}
	backend, err := cache.NewLRUBackend(cfg.Search.CacheSize)
	if err != nil {
		slog.Warn("search cache disabled", "error", err)
		return nil, nil
	}
	slog.Info("search cache enabled", "backend", "lru", "size", cfg.Search.CacheSize)
	return cache.New(backend, m), nil
}
