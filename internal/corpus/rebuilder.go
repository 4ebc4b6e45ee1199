package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaos-browser/sitesearch/internal/analytics"
	"github.com/chaos-browser/sitesearch/internal/search/client"
	"github.com/chaos-browser/sitesearch/internal/search/index"
	"github.com/chaos-browser/sitesearch/pkg/kafka"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
	"github.com/chaos-browser/sitesearch/pkg/resilience"
	"github.com/chaos-browser/sitesearch/pkg/tracing"
)

// Builder submits a corpus to the query engine.
type Builder interface {
	BuildIndex(ctx context.Context, docs []index.Document) (client.BuildInfo, error)
}

// Options tune how hard a rebuild tries.
type Options struct {
	// Timeout bounds the engine build, not the load.
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// Rebuilder loads the corpus and replaces the engine's index with it.
// Concurrent rebuilds are serialised.
type Rebuilder struct {
	loader  Loader
	builder Builder
	tracker analytics.Tracker
	opts    Options
	mu      sync.Mutex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRebuilder wires a rebuild pipeline. tracker may be nil.
func NewRebuilder(loader Loader, builder Builder, tracker analytics.Tracker, m *metrics.Metrics, opts Options) *Rebuilder {
	return &Rebuilder{
		loader:  loader,
		builder: builder,
		tracker: tracker,
		opts:    opts,
		metrics: m,
		logger:  slog.Default().With("component", "corpus-rebuilder", "source", loader.Source()),
	}
}

// Rebuild loads the corpus, retrying transient failures, and waits for the
// engine to acknowledge the new index. trigger names what asked for it.
func (r *Rebuilder) Rebuild(ctx context.Context, trigger string) (client.BuildInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "rebuild")
	span.SetAttr("trigger", trigger)
	defer span.End()

	start := time.Now()
	info, err := r.rebuild(ctx)
	elapsed := time.Since(start)

	event := analytics.IndexEvent{
		Type:       analytics.EventIndexBuilt,
		IndexID:    info.IndexID,
		Documents:  info.Documents,
		Terms:      info.Terms,
		Trigger:    trigger,
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		r.metrics.IndexBuildsTotal.WithLabelValues("failure").Inc()
		r.logger.Error("rebuild failed", "trigger", trigger, "error", err, "duration_ms", elapsed.Milliseconds())
		event.Type = analytics.EventIndexFailed
		event.Error = err.Error()
	} else {
		r.logger.Info("rebuild complete",
			"trigger", trigger,
			"index_id", info.IndexID,
			"documents", info.Documents,
			"terms", info.Terms,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	if r.tracker != nil {
		r.tracker.Track(event)
	}
	return info, err
}

func (r *Rebuilder) rebuild(ctx context.Context) (client.BuildInfo, error) {
	var docs []index.Document
	loadCtx, ls := tracing.StartSpan(ctx, "load")
	err := resilience.Retry(loadCtx, "corpus load", r.opts.Retry, func() error {
		var err error
		docs, err = r.loader.Load(loadCtx)
		return err
	})
	ls.End()
	if err != nil {
		return client.BuildInfo{}, err
	}
	r.logger.Debug("corpus loaded", "documents", len(docs))

	var info client.BuildInfo
	ctx, bs := tracing.StartSpan(ctx, "build")
	defer bs.End()
	err = resilience.WithTimeout(ctx, r.opts.Timeout, "index build", func(ctx context.Context) error {
		var err error
		info, err = r.builder.BuildIndex(ctx, docs)
		return err
	})
	if err != nil {
		return client.BuildInfo{}, fmt.Errorf("building index from %d documents: %w", len(docs), err)
	}
	return info, nil
}

// UpdateNotice is the payload of a corpus-updates message. All fields are
// optional; any message triggers a reload.
type UpdateNotice struct {
	Reason string `json:"reason"`
}

// ReloadHandler rebuilds the index for every corpus-updates message.
func ReloadHandler(r *Rebuilder) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		var notice UpdateNotice
		if len(value) > 0 {
			if err := json.Unmarshal(value, &notice); err != nil {
				r.logger.Warn("unreadable corpus update notice, reloading anyway", "error", err)
			}
		}
		r.logger.Info("corpus update received", "key", string(key), "reason", notice.Reason)
		_, err := r.Rebuild(ctx, "kafka")
		return err
	}
}
