// Package handler exposes the search client over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chaos-browser/sitesearch/internal/analytics"
	"github.com/chaos-browser/sitesearch/internal/search/cache"
	"github.com/chaos-browser/sitesearch/internal/search/client"
	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	"github.com/chaos-browser/sitesearch/internal/search/tokenizer"
	"github.com/chaos-browser/sitesearch/pkg/config"
	apperrors "github.com/chaos-browser/sitesearch/pkg/errors"
	"github.com/chaos-browser/sitesearch/pkg/logger"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
	"github.com/chaos-browser/sitesearch/pkg/tracing"
)

// Searcher is the part of client.Client the handler needs.
type Searcher interface {
	Search(ctx context.Context, query string) ([]protocol.Result, error)
	IndexID() string
}

type Rebuilder interface {
	Rebuild(ctx context.Context, trigger string) (client.BuildInfo, error)
}

type SearchResponse struct {
	Query    string            `json:"query"`
	Terms    []string          `json:"terms"`
	IndexID  string            `json:"index_id"`
	Total    int               `json:"total"`
	CacheHit bool              `json:"cache_hit"`
	Results  []protocol.Result `json:"results"`
}

type Handler struct {
	searcher  Searcher
	cache     *cache.QueryCache
	rebuilder Rebuilder
	tracker   analytics.Tracker
	cfg       config.SearchConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds the HTTP handlers. queryCache and tracker may be nil.
func New(searcher Searcher, queryCache *cache.QueryCache, rebuilder Rebuilder, tracker analytics.Tracker, cfg config.SearchConfig, m *metrics.Metrics) *Handler {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxResults {
		cfg.DefaultLimit = cfg.MaxResults
	}
	return &Handler{
		searcher:  searcher,
		cache:     queryCache,
		rebuilder: rebuilder,
		tracker:   tracker,
		cfg:       cfg,
		metrics:   m,
		logger:    slog.Default().With("component", "search-handler"),
	}
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	params := r.URL.Query()
	if !params.Has("q") {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	query := params.Get("q")

	limit := h.cfg.DefaultLimit
	if limitStr := params.Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, h.cfg.MaxResults)
	}

	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	ctx, span := tracing.StartSpan(ctx, "search")
	defer span.End()

	indexID := h.searcher.IndexID()
	compute := func(ctx context.Context) ([]protocol.Result, error) {
		ctx, es := tracing.StartSpan(ctx, "engine")
		defer es.End()
		return h.searcher.Search(ctx, query)
	}
	var (
		results  []protocol.Result
		cacheHit bool
		err      error
	)
	cacheStatus := "bypass"
	if h.cache != nil {
		results, cacheHit, err = h.cache.GetOrCompute(ctx, indexID, query, compute)
		cacheStatus = "miss"
		if cacheHit {
			cacheStatus = "hit"
		}
	} else {
		results, err = compute(ctx)
	}
	elapsed := time.Since(start)
	h.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(elapsed.Seconds())
	span.SetAttr("cache_status", cacheStatus)

	if err != nil {
		h.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		status := apperrors.HTTPStatusCode(err)
		log.Error("search failed", "query", query, "status", status, "error", err)
		h.writeError(w, status, publicMessage(err))
		return
	}

	if results == nil {
		results = []protocol.Result{}
	}
	total := len(results)
	if len(results) > limit {
		results = results[:limit]
	}
	resultType := "hit"
	if total == 0 {
		resultType = "empty"
	}
	h.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	h.metrics.SearchResultsCount.Observe(float64(total))

	if id := h.searcher.IndexID(); id != "" {
		indexID = id
	}
	terms := tokenizer.Distinct(query)
	log.Info("search completed",
		"query", query,
		"total", total,
		"returned", len(results),
		"cache_hit", cacheHit,
		"latency_ms", elapsed.Milliseconds(),
	)
	if h.tracker != nil {
		h.tracker.Track(analytics.SearchEvent{
			Type:      analytics.EventSearch,
			Query:     query,
			Terms:     terms,
			Returned:  total,
			LatencyMs: elapsed.Milliseconds(),
			CacheHit:  cacheHit,
			IndexID:   indexID,
			Timestamp: time.Now().UTC(),
			RequestID: logger.RequestID(ctx),
		})
	}

	h.writeJSON(w, http.StatusOK, SearchResponse{
		Query:    query,
		Terms:    terms,
		IndexID:  indexID,
		Total:    total,
		CacheHit: cacheHit,
		Results:  results,
	})
}

func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	info, err := h.rebuilder.Rebuild(r.Context(), "api")
	if err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), publicMessage(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"index_id":  info.IndexID,
		"documents": info.Documents,
		"terms":     info.Terms,
	})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"backend":  h.cache.Backend(),
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	n, err := h.cache.Invalidate(r.Context())
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": n})
}

// publicMessage hides internal detail from clients.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrIndexNotReady):
		return "search index is not ready"
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "search timed out"
	case errors.Is(err, apperrors.ErrClientClosed):
		return "search engine unavailable"
	case errors.Is(err, apperrors.ErrCorpusLoad):
		return "corpus could not be loaded"
	case errors.Is(err, apperrors.ErrInvalidInput):
		return err.Error()
	default:
		return "search failed"
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
