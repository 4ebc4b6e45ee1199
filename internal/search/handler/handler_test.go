package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-browser/sitesearch/internal/analytics"
	"github.com/chaos-browser/sitesearch/internal/search/cache"
	"github.com/chaos-browser/sitesearch/internal/search/client"
	"github.com/chaos-browser/sitesearch/internal/search/engine"
	"github.com/chaos-browser/sitesearch/internal/search/index"
	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	"github.com/chaos-browser/sitesearch/pkg/config"
	apperrors "github.com/chaos-browser/sitesearch/pkg/errors"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
)

type fakeSearcher struct {
	calls   atomic.Int32
	results []protocol.Result
	err     error
	indexID string
}

func (f *fakeSearcher) Search(context.Context, string) ([]protocol.Result, error) {
	f.calls.Add(1)
	return f.results, f.err
}

func (f *fakeSearcher) IndexID() string { return f.indexID }

type fakeRebuilder struct {
	info client.BuildInfo
	err  error
}

func (f *fakeRebuilder) Rebuild(context.Context, string) (client.BuildInfo, error) {
	return f.info, f.err
}

func manyResults(n int) []protocol.Result {
	out := make([]protocol.Result, n)
	for i := range out {
		out[i] = protocol.Result{DocID: i, Title: "doc", Score: float64(n - i)}
	}
	return out
}

func newHandler(t *testing.T, s Searcher, withCache bool, tracker analytics.Tracker) *Handler {
	t.Helper()
	var qc *cache.QueryCache
	if withCache {
		b, err := cache.NewLRUBackend(32)
		require.NoError(t, err)
		qc = cache.New(b, metrics.NewForTest())
	}
	cfg := config.SearchConfig{DefaultLimit: 10, MaxResults: 20, RequestTimeout: time.Second}
	return New(s, qc, &fakeRebuilder{info: client.BuildInfo{IndexID: "g9", Documents: 4}}, tracker, cfg, metrics.NewForTest())
}

func doSearch(t *testing.T, h *Handler, target string) (*httptest.ResponseRecorder, SearchResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Search(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body SearchResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestSearch_Validation(t *testing.T) {
	h := newHandler(t, &fakeSearcher{}, false, nil)
	tests := []struct {
		target string
		want   int
	}{
		{"/api/v1/search", http.StatusBadRequest},
		{"/api/v1/search?q=cats&limit=0", http.StatusBadRequest},
		{"/api/v1/search?q=cats&limit=abc", http.StatusBadRequest},
		{"/api/v1/search?q=", http.StatusOK},
		{"/api/v1/search?q=cats&limit=5", http.StatusOK},
	}
	for _, tt := range tests {
		rec, _ := doSearch(t, h, tt.target)
		assert.Equal(t, tt.want, rec.Code, tt.target)
	}
}

func TestSearch_LimitsAndTotals(t *testing.T) {
	s := &fakeSearcher{results: manyResults(20), indexID: "g1"}
	h := newHandler(t, s, false, nil)

	_, body := doSearch(t, h, "/api/v1/search?q=Common+words")
	assert.Equal(t, 20, body.Total)
	assert.Len(t, body.Results, 10)
	assert.Equal(t, []string{"common", "words"}, body.Terms)
	assert.Equal(t, "g1", body.IndexID)

	_, body = doSearch(t, h, "/api/v1/search?q=common&limit=500")
	assert.Len(t, body.Results, 20)
}

func TestSearch_CachesPerIndexGeneration(t *testing.T) {
	s := &fakeSearcher{results: manyResults(2), indexID: "g1"}
	h := newHandler(t, s, true, nil)

	_, first := doSearch(t, h, "/api/v1/search?q=cats")
	_, second := doSearch(t, h, "/api/v1/search?q=CATS!")
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, int32(1), s.calls.Load())

	s.indexID = "g2"
	_, third := doSearch(t, h, "/api/v1/search?q=cats")
	assert.False(t, third.CacheHit)
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestSearch_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.ErrIndexNotReady, http.StatusServiceUnavailable},
		{apperrors.ErrClientClosed, http.StatusServiceUnavailable},
		{errors.Join(apperrors.ErrTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := newHandler(t, &fakeSearcher{err: tt.err}, true, nil)
		rec, _ := doSearch(t, h, "/api/v1/search?q=cats")
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
		assert.NotContains(t, rec.Body.String(), "boom")
	}
}

func TestSearch_TracksAnalytics(t *testing.T) {
	agg := analytics.NewAggregator()
	h := newHandler(t, &fakeSearcher{results: []protocol.Result{}, indexID: "g1"}, false, agg)
	doSearch(t, h, "/api/v1/search?q=zebra")

	stats := agg.Stats()
	assert.Equal(t, int64(1), stats.TotalSearches)
	assert.Equal(t, int64(1), stats.ZeroResultCount)
}

func TestRebuild(t *testing.T) {
	h := newHandler(t, &fakeSearcher{}, false, nil)
	rec := httptest.NewRecorder()
	h.Rebuild(rec, httptest.NewRequest(http.MethodPost, "/api/v1/index/rebuild", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"index_id":"g9"`)

	h.rebuilder = &fakeRebuilder{err: apperrors.ErrCorpusLoad}
	rec = httptest.NewRecorder()
	h.Rebuild(rec, httptest.NewRequest(http.MethodPost, "/api/v1/index/rebuild", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCacheEndpoints(t *testing.T) {
	h := newHandler(t, &fakeSearcher{results: manyResults(1), indexID: "g1"}, true, nil)
	doSearch(t, h, "/api/v1/search?q=cats")
	doSearch(t, h, "/api/v1/search?q=cats")

	rec := httptest.NewRecorder()
	h.CacheStats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil))
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "lru", stats["backend"])
	assert.Equal(t, 1.0, stats["hits"])

	rec = httptest.NewRecorder()
	h.CacheInvalidate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	noCache := newHandler(t, &fakeSearcher{}, false, nil)
	rec = httptest.NewRecorder()
	noCache.CacheInvalidate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSearch_EndToEndWithEngine(t *testing.T) {
	m := metrics.NewForTest()
	e := engine.New(config.EngineConfig{}, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()
	c := client.New(e, m)
	c.Start(ctx)

	h := newHandler(t, c, true, nil)
	rec, _ := doSearch(t, h, "/api/v1/search?q=cats")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := c.BuildIndex(ctx, []index.Document{
		{URL: "https://cats.example", Title: "Cats", Content: "cats are great pets"},
		{URL: "https://dogs.example", Title: "Dogs", Content: "dogs are loyal pets"},
	})
	require.NoError(t, err)

	rec, body := doSearch(t, h, "/api/v1/search?q=cats")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "https://cats.example", body.Results[0].URL)
	assert.Equal(t, c.IndexID(), body.IndexID)
}
