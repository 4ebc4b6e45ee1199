// Package analytics records what users search for and how the index is
// rebuilt. Events flow through Kafka when it is enabled and are folded into
// in-memory stats served over HTTP.
package analytics

import "time"

type EventType string

const (
	EventSearch      EventType = "search"
	EventIndexBuilt  EventType = "index_built"
	EventIndexFailed EventType = "index_failed"
)

// Event is anything the collector can publish.
type Event interface {
	EventType() EventType
}

// Tracker accepts events without blocking the caller.
type Tracker interface {
	Track(event Event)
}

type SearchEvent struct {
	Type      EventType `json:"type"`
	Query     string    `json:"query"`
	Terms     []string  `json:"terms"`
	Returned  int       `json:"returned"`
	LatencyMs int64     `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	IndexID   string    `json:"index_id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e SearchEvent) EventType() EventType { return EventSearch }

type IndexEvent struct {
	Type       EventType `json:"type"`
	IndexID    string    `json:"index_id,omitempty"`
	Documents  int       `json:"documents"`
	Terms      int       `json:"terms"`
	Trigger    string    `json:"trigger"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e IndexEvent) EventType() EventType {
	if e.Type != "" {
		return e.Type
	}
	return EventIndexBuilt
}

// envelope is decoded first to pick the concrete event type.
type envelope struct {
	Type EventType `json:"type"`
}
