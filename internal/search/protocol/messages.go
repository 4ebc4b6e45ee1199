// Package protocol defines the messages exchanged between the search client
// and the query engine. The same types travel over in-process channels and,
// JSON-encoded, over the remote worker connection.
package protocol

import (
	"github.com/chaos-browser/sitesearch/internal/search/index"
)

// Kind identifies a request or response.
type Kind string

const (
	KindBuild  Kind = "build"
	KindSearch Kind = "search"

	KindReady   Kind = "ready"
	KindResults Kind = "results"
	KindError   Kind = "error"
)

// Error codes carried by KindError responses.
const (
	CodeNotReady   = "not_ready"
	CodeBadRequest = "bad_request"
)

// Request is sent from a client to the engine.
type Request struct {
	Kind          Kind             `json:"kind"`
	CorrelationID string           `json:"correlation_id"`
	Query         string           `json:"query,omitempty"`
	Documents     []index.Document `json:"documents,omitempty"`
}

// Response echoes the CorrelationID of the request that produced it.
type Response struct {
	Kind          Kind     `json:"kind"`
	CorrelationID string   `json:"correlation_id"`
	Results       []Result `json:"results,omitempty"`
	IndexID       string   `json:"index_id,omitempty"`
	Documents     int      `json:"documents,omitempty"`
	Terms         int      `json:"terms,omitempty"`
	Code          string   `json:"code,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Result is a ranked document hydrated with its fields.
type Result struct {
	DocID   int     `json:"doc_id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content string  `json:"content,omitempty"`
	Score   float64 `json:"score"`
}
