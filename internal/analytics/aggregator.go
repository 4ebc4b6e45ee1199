package analytics

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chaos-browser/sitesearch/pkg/kafka"
)

const latencyWindow = 10000

type AggregatedStats struct {
	TotalSearches     int64        `json:"total_searches"`
	CacheHits         int64        `json:"cache_hits"`
	CacheMisses       int64        `json:"cache_misses"`
	ZeroResultCount   int64        `json:"zero_result_count"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	P50LatencyMs      int64        `json:"p50_latency_ms"`
	P95LatencyMs      int64        `json:"p95_latency_ms"`
	P99LatencyMs      int64        `json:"p99_latency_ms"`
	TopQueries        []QueryCount `json:"top_queries"`
	TopTerms          []QueryCount `json:"top_terms"`
	ZeroResultQueries []QueryCount `json:"zero_result_queries"`
	QueriesPerMinute  float64      `json:"queries_per_minute"`
	IndexBuilds       int64        `json:"index_builds"`
	IndexFailures     int64        `json:"index_failures"`
	LastIndexID       string       `json:"last_index_id,omitempty"`
	LastIndexDocs     int          `json:"last_index_documents"`
	LastIndexAt       *time.Time   `json:"last_index_at,omitempty"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator folds search and index events into running stats. Events
// arrive either straight from Track or from the analytics topic via Handle.
type Aggregator struct {
	mu                sync.RWMutex
	stats             AggregatedStats
	latencies         []int64
	next              int
	queryCounts       map[string]int64
	termCounts        map[string]int64
	zeroResultQueries map[string]int64
	startTime         time.Time
	logger            *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:         make([]int64, 0, 1024),
		queryCounts:       make(map[string]int64),
		termCounts:        make(map[string]int64),
		zeroResultQueries: make(map[string]int64),
		startTime:         time.Now(),
		logger:            slog.Default().With("component", "analytics-aggregator"),
	}
}

// Track records event directly. It is used when Kafka is disabled.
func (a *Aggregator) Track(event Event) {
	switch e := event.(type) {
	case SearchEvent:
		a.recordSearch(e)
	case IndexEvent:
		a.recordIndex(e)
	default:
		a.logger.Warn("unsupported analytics event", "type", event.EventType())
	}
}

// Handle returns a kafka.MessageHandler that decodes analytics events.
// Undecodable messages are logged and skipped so the offset still advances.
func (a *Aggregator) Handle() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		var env envelope
		if err := json.Unmarshal(value, &env); err != nil {
			a.logger.Error("failed to decode analytics envelope", "error", err)
			return nil
		}
		switch env.Type {
		case EventSearch:
			event, err := kafka.DecodeJSON[SearchEvent](value)
			if err != nil {
				a.logger.Error("failed to decode search event", "error", err)
				return nil
			}
			a.recordSearch(event)
		case EventIndexBuilt, EventIndexFailed:
			event, err := kafka.DecodeJSON[IndexEvent](value)
			if err != nil {
				a.logger.Error("failed to decode index event", "error", err)
				return nil
			}
			a.recordIndex(event)
		default:
			a.logger.Debug("ignoring analytics event", "type", env.Type, "key", string(key))
		}
		return nil
	}
}

func (a *Aggregator) recordSearch(event SearchEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.TotalSearches++
	if event.CacheHit {
		a.stats.CacheHits++
	} else {
		a.stats.CacheMisses++
	}
	if len(a.latencies) < latencyWindow {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.next] = event.LatencyMs
		a.next = (a.next + 1) % latencyWindow
	}
	a.queryCounts[event.Query]++
	for _, term := range event.Terms {
		a.termCounts[term]++
	}
	if event.Returned == 0 {
		a.stats.ZeroResultCount++
		a.zeroResultQueries[event.Query]++
	}
}

func (a *Aggregator) recordIndex(event IndexEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.EventType() == EventIndexFailed {
		a.stats.IndexFailures++
		return
	}
	a.stats.IndexBuilds++
	a.stats.LastIndexID = event.IndexID
	a.stats.LastIndexDocs = event.Documents
	at := event.Timestamp
	a.stats.LastIndexAt = &at
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := a.stats
	if len(a.latencies) > 0 {
		sorted := slices.Clone(a.latencies)
		slices.Sort(sorted)

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopQueries = topN(a.queryCounts, 10)
	stats.TopTerms = topN(a.termCounts, 10)
	stats.ZeroResultQueries = topN(a.zeroResultQueries, 10)
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalSearches) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN orders by count descending, then by query for a stable listing.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	slices.SortFunc(result, func(x, y QueryCount) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Query, y.Query)
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
