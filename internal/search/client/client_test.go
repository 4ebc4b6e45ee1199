package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-browser/sitesearch/internal/search/engine"
	"github.com/chaos-browser/sitesearch/internal/search/index"
	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	"github.com/chaos-browser/sitesearch/pkg/config"
	apperrors "github.com/chaos-browser/sitesearch/pkg/errors"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
)

// fakeTransport hands requests to the test and lets it reply in any order.
type fakeTransport struct {
	requests  chan protocol.Request
	responses chan protocol.Response
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		requests:  make(chan protocol.Request, 16),
		responses: make(chan protocol.Response, 16),
	}
}

func (f *fakeTransport) Send(ctx context.Context, req protocol.Request) error {
	select {
	case f.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Responses() <-chan protocol.Response {
	return f.responses
}

func (f *fakeTransport) next(t *testing.T) protocol.Request {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return protocol.Request{}
	}
}

func startClient(t *testing.T, tr Transport) *Client {
	t.Helper()
	c := New(tr, metrics.NewForTest())
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Wait()
	})
	return c
}

func startLocal(t *testing.T, cfg config.EngineConfig) *Client {
	t.Helper()
	e := engine.New(cfg, metrics.NewForTest())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(cancel)
	return startClient(t, e)
}

func petsDocs() []index.Document {
	return []index.Document{
		{URL: "https://cats.example", Title: "Cats", Content: "cats are great pets"},
		{URL: "https://dogs.example", Title: "Dogs", Content: "dogs are loyal pets"},
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_BuildAndSearch(t *testing.T) {
	c := startLocal(t, config.EngineConfig{})
	ctx := testContext(t)

	info, err := c.BuildIndex(ctx, petsDocs())
	require.NoError(t, err)
	assert.Equal(t, 2, info.Documents)
	assert.Equal(t, info.IndexID, c.IndexID())

	results, err := c.Search(ctx, "cats")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://cats.example", results[0].URL)
	assert.Greater(t, results[0].Score, 0.0)

	results, err = c.Search(ctx, "pets")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0.0, results[0].Score)
	assert.Equal(t, 0.0, results[1].Score)

	results, err = c.Search(ctx, "zebra")
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)

	assert.Equal(t, 0, c.Pending())
}

func TestClient_Deterministic(t *testing.T) {
	c := startLocal(t, config.EngineConfig{})
	ctx := testContext(t)
	_, err := c.BuildIndex(ctx, petsDocs())
	require.NoError(t, err)

	first, err := c.Search(ctx, "cats loyal pets")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := c.Search(ctx, "cats loyal pets")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestClient_NotReady(t *testing.T) {
	c := startLocal(t, config.EngineConfig{UnbuiltPolicy: engine.PolicyReject})

	_, err := c.Search(testContext(t), "cats")
	assert.ErrorIs(t, err, apperrors.ErrIndexNotReady)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, "", c.IndexID())
}

func TestClient_DroppedSearchTimesOut(t *testing.T) {
	c := startLocal(t, config.EngineConfig{UnbuiltPolicy: engine.PolicyDrop})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Search(ctx, "cats")
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending(), "abandoned request must not leak")
}

func TestClient_QueuedSearchResolvesAfterBuild(t *testing.T) {
	c := startLocal(t, config.EngineConfig{UnbuiltPolicy: engine.PolicyQueue})
	ctx := testContext(t)

	type outcome struct {
		results []protocol.Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := c.Search(ctx, "dogs")
		done <- outcome{r, err}
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	_, err := c.BuildIndex(ctx, petsDocs())
	require.NoError(t, err)

	got := <-done
	require.NoError(t, got.err)
	require.Len(t, got.results, 1)
	assert.Equal(t, "Dogs", got.results[0].Title)
}

func TestClient_CorrelatesOutOfOrderResponses(t *testing.T) {
	tr := newFakeTransport()
	c := startClient(t, tr)
	ctx := testContext(t)

	var wg sync.WaitGroup
	results := make(map[string][]protocol.Result)
	var mu sync.Mutex
	for _, q := range []string{"first", "second"} {
		wg.Add(1)
		go func(query string) {
			defer wg.Done()
			r, err := c.Search(ctx, query)
			assert.NoError(t, err)
			mu.Lock()
			results[query] = r
			mu.Unlock()
		}(q)
	}

	a := tr.next(t)
	b := tr.next(t)
	require.NotEqual(t, a.CorrelationID, b.CorrelationID)

	// Reply to the later request first.
	for _, req := range []protocol.Request{b, a} {
		tr.responses <- protocol.Response{
			Kind:          protocol.KindResults,
			CorrelationID: req.CorrelationID,
			Results:       []protocol.Result{{Title: "answer to " + req.Query}},
		}
	}
	wg.Wait()

	assert.Equal(t, "answer to first", results["first"][0].Title)
	assert.Equal(t, "answer to second", results["second"][0].Title)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_DiscardsUnmatchedResponses(t *testing.T) {
	tr := newFakeTransport()
	c := startClient(t, tr)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Search(ctx, "real")
		done <- err
	}()
	req := tr.next(t)

	tr.responses <- protocol.Response{Kind: protocol.KindResults, CorrelationID: "stale"}
	tr.responses <- protocol.Response{Kind: protocol.KindResults, CorrelationID: req.CorrelationID}
	// A duplicate for an already resolved request is ignored too.
	tr.responses <- protocol.Response{Kind: protocol.KindResults, CorrelationID: req.CorrelationID}

	require.NoError(t, <-done)
	assert.Eventually(t, func() bool { return len(tr.responses) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_LateBuildAckAdvancesIndexID(t *testing.T) {
	tr := newFakeTransport()
	c := startClient(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.BuildIndex(ctx, petsDocs())
	require.ErrorIs(t, err, apperrors.ErrTimeout)
	req := tr.next(t)
	assert.Empty(t, c.IndexID())

	tr.responses <- protocol.Response{Kind: protocol.KindReady, CorrelationID: req.CorrelationID, IndexID: "gen-2"}
	assert.Eventually(t, func() bool { return c.IndexID() == "gen-2" }, time.Second, 5*time.Millisecond)

	tr.responses <- protocol.Response{Kind: protocol.KindResults, CorrelationID: "stale", IndexID: "gen-old"}
	assert.Never(t, func() bool { return c.IndexID() != "gen-2" }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestClient_ClosedStreamFailsPending(t *testing.T) {
	tr := newFakeTransport()
	c := startClient(t, tr)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Search(ctx, "lost")
		done <- err
	}()
	tr.next(t)
	close(tr.responses)

	err := <-done
	assert.ErrorIs(t, err, apperrors.ErrClientClosed)

	_, err = c.Search(ctx, "after close")
	assert.ErrorIs(t, err, apperrors.ErrClientClosed)
	assert.Equal(t, 0, c.Pending())
}

func TestClient_EngineErrorMapping(t *testing.T) {
	tests := []struct {
		resp protocol.Response
		want error
	}{
		{protocol.Response{Kind: protocol.KindError, Code: protocol.CodeNotReady}, apperrors.ErrIndexNotReady},
		{protocol.Response{Kind: protocol.KindError, Code: protocol.CodeBadRequest, Error: "bad"}, apperrors.ErrInvalidInput},
		{protocol.Response{Kind: protocol.KindError, Error: "boom"}, apperrors.ErrInternal},
	}
	for _, tt := range tests {
		assert.True(t, errors.Is(responseError(tt.resp), tt.want), "code %q", tt.resp.Code)
	}
	assert.NoError(t, responseError(protocol.Response{Kind: protocol.KindResults}))
}
