// Package client is the caller-facing façade of the search subsystem. It
// sends build and search requests to a query engine over a Transport and
// matches the asynchronous replies to their callers by correlation ID.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaos-browser/sitesearch/internal/search/index"
	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	apperrors "github.com/chaos-browser/sitesearch/pkg/errors"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
)

// Transport carries requests to an engine and replies back. The reply
// stream is closed when the engine side goes away.
type Transport interface {
	Send(ctx context.Context, req protocol.Request) error
	Responses() <-chan protocol.Response
}

// BuildInfo describes the index generation acknowledged by the engine.
type BuildInfo struct {
	IndexID   string
	Documents int
	Terms     int
}

type Client struct {
	transport Transport
	mu        sync.Mutex
	pending   map[string]chan protocol.Response
	closed    bool
	indexID   atomic.Pointer[string]
	done      chan struct{}
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(transport Transport, m *metrics.Metrics) *Client {
	return &Client{
		transport: transport,
		pending:   make(map[string]chan protocol.Response),
		done:      make(chan struct{}),
		metrics:   m,
		logger:    slog.Default().With("component", "search-client"),
	}
}

// Start launches the goroutine that routes replies to pending callers. It
// runs until ctx is cancelled or the transport's reply stream closes; after
// that every outstanding and future call fails with ErrClientClosed.
func (c *Client) Start(ctx context.Context) {
	go c.dispatch(ctx)
	c.logger.Info("search client started")
}

// Wait blocks until the dispatch goroutine has exited.
func (c *Client) Wait() {
	<-c.done
}

// Search runs query against the engine's current index.
func (c *Client) Search(ctx context.Context, query string) ([]protocol.Result, error) {
	resp, err := c.call(ctx, protocol.Request{
		Kind:  protocol.KindSearch,
		Query: query,
	})
	if err != nil {
		return nil, err
	}
	if resp.IndexID != "" {
		c.setIndexID(resp.IndexID)
	}
	if resp.Results == nil {
		return []protocol.Result{}, nil
	}
	return resp.Results, nil
}

// BuildIndex asks the engine to index docs, replacing any previous index,
// and waits for the acknowledgement.
func (c *Client) BuildIndex(ctx context.Context, docs []index.Document) (BuildInfo, error) {
	resp, err := c.call(ctx, protocol.Request{
		Kind:      protocol.KindBuild,
		Documents: docs,
	})
	if err != nil {
		return BuildInfo{}, err
	}
	c.setIndexID(resp.IndexID)
	return BuildInfo{
		IndexID:   resp.IndexID,
		Documents: resp.Documents,
		Terms:     resp.Terms,
	}, nil
}

// IndexID returns the most recent index generation the client has seen,
// or "" if none.
func (c *Client) IndexID() string {
	if id := c.indexID.Load(); id != nil {
		return *id
	}
	return ""
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) setIndexID(id string) {
	c.indexID.Store(&id)
}

func (c *Client) call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	req.CorrelationID = uuid.Must(uuid.NewV7()).String()
	reply := make(chan protocol.Response, 1)
	if err := c.register(req.CorrelationID, reply); err != nil {
		return protocol.Response{}, err
	}

	start := time.Now()
	if err := c.transport.Send(ctx, req); err != nil {
		c.forget(req.CorrelationID)
		return protocol.Response{}, fmt.Errorf("dispatching %s request: %w", req.Kind, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return protocol.Response{}, apperrors.ErrClientClosed
		}
		c.logger.Debug("response received",
			"correlation_id", req.CorrelationID,
			"kind", resp.Kind,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return resp, responseError(resp)
	case <-ctx.Done():
		c.forget(req.CorrelationID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Response{}, fmt.Errorf("%w: awaiting %s response: %w", apperrors.ErrTimeout, req.Kind, ctx.Err())
		}
		return protocol.Response{}, fmt.Errorf("awaiting %s response: %w", req.Kind, ctx.Err())
	}
}

func responseError(resp protocol.Response) error {
	if resp.Kind != protocol.KindError {
		return nil
	}
	switch resp.Code {
	case protocol.CodeNotReady:
		return apperrors.ErrIndexNotReady
	case protocol.CodeBadRequest:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, resp.Error)
	default:
		return fmt.Errorf("%w: engine: %s", apperrors.ErrInternal, resp.Error)
	}
}
