package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-browser/sitesearch/internal/search/engine"
	"github.com/chaos-browser/sitesearch/internal/search/remote"
	"github.com/chaos-browser/sitesearch/pkg/config"
	"github.com/chaos-browser/sitesearch/pkg/logger"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
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
	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := engine.New(cfg.Engine, m)
	server := remote.NewServer(e, m)
	if err := server.Listen(cfg.Worker.Addr); err != nil {
		slog.Error("search worker failed to listen", "error", err)
		os.Exit(1)
	}
	slog.Info("search worker started",
		"addr", server.Addr(),
		"unbuilt_policy", cfg.Engine.UnbuiltPolicy,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx) })
	g.Go(func() error { return server.Serve(ctx) })
	if err := g.Wait(); err != nil {
		slog.Error("search worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("search worker stopped")
}
