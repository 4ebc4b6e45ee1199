package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-browser/sitesearch/pkg/config"
	"github.com/chaos-browser/sitesearch/pkg/kafka"
)

func search(query string, returned int, latency int64, hit bool, terms ...string) SearchEvent {
	return SearchEvent{
		Type:      EventSearch,
		Query:     query,
		Terms:     terms,
		Returned:  returned,
		LatencyMs: latency,
		CacheHit:  hit,
		IndexID:   "g1",
		Timestamp: time.Now().UTC(),
	}
}

func TestAggregator_Track(t *testing.T) {
	agg := NewAggregator()
	agg.Track(search("cats", 2, 10, false, "cats"))
	agg.Track(search("cats", 2, 20, true, "cats"))
	agg.Track(search("zebra", 0, 30, false, "zebra"))
	agg.Track(IndexEvent{Type: EventIndexBuilt, IndexID: "g1", Documents: 5, Timestamp: time.Now()})
	agg.Track(IndexEvent{Type: EventIndexFailed, Error: "no corpus"})

	stats := agg.Stats()
	assert.Equal(t, int64(3), stats.TotalSearches)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(2), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.ZeroResultCount)
	assert.InDelta(t, 20.0, stats.AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(20), stats.P50LatencyMs)
	assert.Equal(t, int64(30), stats.P99LatencyMs)
	assert.Equal(t, []QueryCount{{"cats", 2}, {"zebra", 1}}, stats.TopQueries)
	assert.Equal(t, []QueryCount{{"zebra", 1}}, stats.ZeroResultQueries)
	assert.Equal(t, int64(1), stats.IndexBuilds)
	assert.Equal(t, int64(1), stats.IndexFailures)
	assert.Equal(t, "g1", stats.LastIndexID)
	assert.Equal(t, 5, stats.LastIndexDocs)
}

func TestAggregator_HandleDecodesByType(t *testing.T) {
	agg := NewAggregator()
	handle := agg.Handle()
	ctx := context.Background()

	searchJSON, err := json.Marshal(search("dogs", 1, 5, false, "dogs"))
	require.NoError(t, err)
	indexJSON, err := json.Marshal(IndexEvent{Type: EventIndexBuilt, IndexID: "g2", Documents: 3})
	require.NoError(t, err)

	require.NoError(t, handle(ctx, []byte("search"), searchJSON))
	require.NoError(t, handle(ctx, []byte("index_built"), indexJSON))
	require.NoError(t, handle(ctx, nil, []byte("not json")))
	require.NoError(t, handle(ctx, nil, []byte(`{"type":"something_else"}`)))

	stats := agg.Stats()
	assert.Equal(t, int64(1), stats.TotalSearches)
	assert.Equal(t, int64(1), stats.IndexBuilds)
	assert.Equal(t, "g2", stats.LastIndexID)
	assert.Equal(t, []QueryCount{{"dogs", 1}}, stats.TopTerms)
}

func TestAggregator_LatencyWindowIsBounded(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < latencyWindow+10; i++ {
		agg.Track(search("q", 1, 1, false))
	}
	agg.mu.RLock()
	defer agg.mu.RUnlock()
	assert.Len(t, agg.latencies, latencyWindow)
}

func TestTopN_TiesOrderedByQuery(t *testing.T) {
	got := topN(map[string]int64{"b": 1, "a": 1, "c": 3}, 2)
	assert.Equal(t, []QueryCount{{"c", 3}, {"a", 1}}, got)
}

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
}

func (p *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, events)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestCollector_FlushesFullBatches(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, config.AnalyticsConfig{BatchSize: 2, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	c.Track(search("a", 1, 1, false))
	c.Track(search("b", 1, 1, false))
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)

	pub.mu.Lock()
	assert.Equal(t, "search", pub.batches[0][0].Key)
	pub.mu.Unlock()
}

func TestCollector_FlushesOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, config.AnalyticsConfig{BatchSize: 100, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track(search("a", 1, 1, false))
	c.Track(IndexEvent{Type: EventIndexBuilt})
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Wait()

	assert.Equal(t, 2, pub.count())
}

func TestCollector_DropsWhenBufferFull(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, config.AnalyticsConfig{BufferSize: 1})
	c.Track(search("a", 1, 1, false))
	c.Track(search("b", 1, 1, false))
	assert.Len(t, c.eventCh, 1)
}

func TestHandler_Stats(t *testing.T) {
	agg := NewAggregator()
	agg.Track(search("cats", 1, 4, false, "cats"))
	h := NewHandler(agg, nil)

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats AggregatedStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalSearches)

	rec = httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/history", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
