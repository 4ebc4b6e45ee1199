// Package engine runs the query engine: a single goroutine that owns the
// current index generation and answers build and search requests arriving
// on its inbox. Callers never touch the index directly; they exchange
// protocol messages with the engine and correlate replies by ID.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaos-browser/sitesearch/internal/search/index"
	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	"github.com/chaos-browser/sitesearch/internal/search/ranker"
	"github.com/chaos-browser/sitesearch/internal/search/tokenizer"
	"github.com/chaos-browser/sitesearch/pkg/config"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
)

// Policies for searches that arrive before the first build.
const (
	PolicyReject = "reject"
	PolicyQueue  = "queue"
	PolicyDrop   = "drop"
)

type Engine struct {
	cfg     config.EngineConfig
	inbox   chan protocol.Request
	outbox  chan protocol.Response
	current atomic.Pointer[index.Index]
	// waiting is only touched by the Run goroutine.
	waiting []protocol.Request
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg config.EngineConfig, m *metrics.Metrics) *Engine {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.MaxResults <= 0 || cfg.MaxResults > ranker.DefaultLimit {
		cfg.MaxResults = ranker.DefaultLimit
	}
	if cfg.UnbuiltPolicy == "" {
		cfg.UnbuiltPolicy = PolicyReject
	}
	return &Engine{
		cfg:     cfg,
		inbox:   make(chan protocol.Request, cfg.InboxSize),
		outbox:  make(chan protocol.Response, cfg.InboxSize),
		metrics: m,
		logger:  slog.Default().With("component", "query-engine"),
	}
}

// Send queues req for the engine. It blocks only while the inbox is full.
func (e *Engine) Send(ctx context.Context, req protocol.Request) error {
	select {
	case e.inbox <- req:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sending %s request: %w", req.Kind, ctx.Err())
	}
}

// Responses returns the stream of replies. It is never closed.
func (e *Engine) Responses() <-chan protocol.Response {
	return e.outbox
}

// Ready reports whether an index has been built.
func (e *Engine) Ready() bool {
	return e.current.Load() != nil
}

// Current returns the active index generation, or nil before the first build.
func (e *Engine) Current() *index.Index {
	return e.current.Load()
}

// Run processes requests one at a time until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("query engine started",
		"unbuilt_policy", e.cfg.UnbuiltPolicy,
		"inbox_size", cap(e.inbox),
		"max_results", e.cfg.MaxResults,
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("query engine stopping",
				"reason", ctx.Err(),
				"queued_searches", len(e.waiting),
			)
			return nil
		case req := <-e.inbox:
			e.handle(ctx, req)
		}
	}
}

func (e *Engine) handle(ctx context.Context, req protocol.Request) {
	switch req.Kind {
	case protocol.KindBuild:
		e.build(ctx, req)
	case protocol.KindSearch:
		e.search(ctx, req)
	default:
		e.logger.Warn("unknown request kind",
			"kind", req.Kind,
			"correlation_id", req.CorrelationID,
		)
		e.metrics.EngineRequestsTotal.WithLabelValues(string(req.Kind), "bad_request").Inc()
		e.reply(ctx, protocol.Response{
			Kind:          protocol.KindError,
			CorrelationID: req.CorrelationID,
			Code:          protocol.CodeBadRequest,
			Error:         fmt.Sprintf("unknown request kind %q", req.Kind),
		})
	}
}

func (e *Engine) build(ctx context.Context, req protocol.Request) {
	start := time.Now()
	idx := index.Build(req.Documents)
	previous := e.current.Swap(idx)
	elapsed := time.Since(start)

	e.metrics.IndexBuildsTotal.WithLabelValues("success").Inc()
	e.metrics.IndexBuildDuration.Observe(elapsed.Seconds())
	e.metrics.IndexDocuments.Set(float64(idx.NumDocs()))
	e.metrics.IndexTerms.Set(float64(idx.NumTerms()))
	e.metrics.EngineRequestsTotal.WithLabelValues(string(protocol.KindBuild), "ok").Inc()

	attrs := []any{
		"index_id", idx.ID(),
		"documents", idx.NumDocs(),
		"terms", idx.NumTerms(),
		"avg_doc_length", idx.AvgDocLength(),
		"duration_ms", elapsed.Milliseconds(),
	}
	if previous != nil {
		attrs = append(attrs, "replaced_index_id", previous.ID())
	}
	e.logger.Info("index built", attrs...)

	e.reply(ctx, protocol.Response{
		Kind:          protocol.KindReady,
		CorrelationID: req.CorrelationID,
		IndexID:       idx.ID(),
		Documents:     idx.NumDocs(),
		Terms:         idx.NumTerms(),
	})

	if len(e.waiting) > 0 {
		queued := e.waiting
		e.waiting = nil
		e.metrics.EngineQueuedSearches.Set(0)
		e.logger.Info("answering searches queued before first build", "count", len(queued))
		for _, q := range queued {
			e.search(ctx, q)
		}
	}
}

func (e *Engine) search(ctx context.Context, req protocol.Request) {
	idx := e.current.Load()
	if idx == nil {
		e.searchUnbuilt(ctx, req)
		return
	}
	results := Query(idx, req.Query, e.cfg.MaxResults)
	e.metrics.EngineRequestsTotal.WithLabelValues(string(protocol.KindSearch), "ok").Inc()
	e.logger.Debug("search executed",
		"correlation_id", req.CorrelationID,
		"query", req.Query,
		"results", len(results),
		"index_id", idx.ID(),
	)
	e.reply(ctx, protocol.Response{
		Kind:          protocol.KindResults,
		CorrelationID: req.CorrelationID,
		Results:       results,
		IndexID:       idx.ID(),
	})
}

func (e *Engine) searchUnbuilt(ctx context.Context, req protocol.Request) {
	switch e.cfg.UnbuiltPolicy {
	case PolicyDrop:
		e.metrics.EngineRequestsTotal.WithLabelValues(string(protocol.KindSearch), "dropped").Inc()
		e.logger.Debug("search dropped, index not built",
			"correlation_id", req.CorrelationID,
		)
		return
	case PolicyQueue:
		if e.cfg.MaxQueued <= 0 || len(e.waiting) < e.cfg.MaxQueued {
			e.waiting = append(e.waiting, req)
			e.metrics.EngineQueuedSearches.Set(float64(len(e.waiting)))
			e.metrics.EngineRequestsTotal.WithLabelValues(string(protocol.KindSearch), "queued").Inc()
			return
		}
		e.logger.Warn("search queue full, rejecting", "max_queued", e.cfg.MaxQueued)
	}
	e.metrics.EngineRequestsTotal.WithLabelValues(string(protocol.KindSearch), "not_ready").Inc()
	e.reply(ctx, protocol.Response{
		Kind:          protocol.KindError,
		CorrelationID: req.CorrelationID,
		Code:          protocol.CodeNotReady,
		Error:         "index has not been built",
	})
}

func (e *Engine) reply(ctx context.Context, resp protocol.Response) {
	select {
	case e.outbox <- resp:
	case <-ctx.Done():
		e.logger.Warn("response not delivered, engine stopping",
			"correlation_id", resp.CorrelationID,
			"kind", resp.Kind,
		)
	}
}

// Query tokenises query, ranks it against idx and hydrates the top limit
// documents. It never returns nil.
func Query(idx *index.Index, query string, limit int) []protocol.Result {
	ranked := ranker.Rank(tokenizer.Terms(query), idx, limit)
	results := make([]protocol.Result, 0, len(ranked))
	for _, sd := range ranked {
		doc, ok := idx.Document(sd.DocID)
		if !ok {
			continue
		}
		results = append(results, protocol.Result{
			DocID:   doc.ID,
			URL:     doc.URL,
			Title:   doc.Title,
			Content: doc.Content,
			Score:   sd.Score,
		})
	}
	return results
}
