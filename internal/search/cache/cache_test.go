package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
)

func newTestCache(t *testing.T) *QueryCache {
	t.Helper()
	b, err := NewLRUBackend(16)
	require.NoError(t, err)
	return New(b, metrics.NewForTest())
}

func fixed(results []protocol.Result, calls *atomic.Int32) ComputeFunc {
	return func(context.Context) ([]protocol.Result, error) {
		calls.Add(1)
		return results, nil
	}
}

func TestKey_NormalisesTerms(t *testing.T) {
	assert.Equal(t, Key("g1", "Cats dogs"), Key("g1", "dogs, CATS! cats"))
	assert.NotEqual(t, Key("g1", "cats"), Key("g2", "cats"))
	assert.NotEqual(t, Key("g1", "cats"), Key("g1", "dogs"))
	assert.Contains(t, Key("g1", "cats"), keyPrefix)
}

func TestGetOrCompute_HitAfterMiss(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int32
	want := []protocol.Result{{DocID: 1, Title: "Cats", Score: 0.5}}

	got, hit, err := c.GetOrCompute(ctx, "g1", "cats", fixed(want, &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, want, got)

	got, hit, err = c.GetOrCompute(ctx, "g1", "CATS", fixed(nil, &calls))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)
	assert.Equal(t, int32(1), calls.Load())

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestGetOrCompute_NewGenerationMisses(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int32

	_, _, err := c.GetOrCompute(ctx, "g1", "cats", fixed([]protocol.Result{{DocID: 0}}, &calls))
	require.NoError(t, err)
	_, hit, err := c.GetOrCompute(ctx, "g2", "cats", fixed([]protocol.Result{{DocID: 3}}, &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrCompute_EmptyIndexIDBypasses(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		_, hit, err := c.GetOrCompute(context.Background(), "", "cats", fixed(nil, &calls))
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetOrCompute_ErrorsNotCached(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	boom := errors.New("engine down")

	_, _, err := c.GetOrCompute(ctx, "g1", "cats", func(context.Context) ([]protocol.Result, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	var calls atomic.Int32
	_, hit, err := c.GetOrCompute(ctx, "g1", "cats", fixed([]protocol.Result{}, &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_EmptyResultsCached(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int32

	_, _, err := c.GetOrCompute(ctx, "g1", "zebra", fixed([]protocol.Result{}, &calls))
	require.NoError(t, err)
	got, hit, err := c.GetOrCompute(ctx, "g1", "zebra", fixed(nil, &calls))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGetOrCompute_CoalescesConcurrentMisses(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]protocol.Result, error) {
		calls.Add(1)
		<-release
		return []protocol.Result{{DocID: 7}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := c.GetOrCompute(context.Background(), "g1", "slow query", compute)
			assert.NoError(t, err)
			assert.Len(t, got, 1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int32
	_, _, _ = c.GetOrCompute(ctx, "g1", "cats", fixed([]protocol.Result{}, &calls))
	_, _, _ = c.GetOrCompute(ctx, "g1", "dogs", fixed([]protocol.Result{}, &calls))

	n, err := c.Invalidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, hit, err := c.GetOrCompute(ctx, "g1", "cats", fixed([]protocol.Result{}, &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "lru", c.Backend())
}
