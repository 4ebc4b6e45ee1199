package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-browser/sitesearch/internal/analytics"
	"github.com/chaos-browser/sitesearch/internal/search/client"
	"github.com/chaos-browser/sitesearch/internal/search/index"
	apperrors "github.com/chaos-browser/sitesearch/pkg/errors"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
	"github.com/chaos-browser/sitesearch/pkg/resilience"
)

func writeCorpus(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sites.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestFileLoader(t *testing.T) {
	path := writeCorpus(t, `[
		{"url": "https://cats.example", "title": "Cats", "content": "cats are great pets"},
		{"url": "https://empty.example", "title": null},
		{}
	]`)
	docs, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "Cats", docs[0].Title)
	assert.Equal(t, "", docs[1].Title)
	assert.Equal(t, "", docs[1].Content)
	assert.Equal(t, index.Document{}, docs[2])
}

func TestFileLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(t.TempDir(), "nope.json")},
		{"not an array", writeCorpus(t, `{"url": "x"}`)},
		{"garbage", writeCorpus(t, `not json`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFileLoader(tt.path).Load(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrCorpusLoad)
		})
	}
}

func TestFileLoader_EmptyArray(t *testing.T) {
	docs, err := NewFileLoader(writeCorpus(t, `[]`)).Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

type flakyLoader struct {
	failures int
	calls    int
	docs     []index.Document
}

func (l *flakyLoader) Source() string { return "test" }

func (l *flakyLoader) Load(context.Context) ([]index.Document, error) {
	l.calls++
	if l.calls <= l.failures {
		return nil, errors.New("connection reset")
	}
	return l.docs, nil
}

type fakeBuilder struct {
	mu    sync.Mutex
	built [][]index.Document
	delay time.Duration
	err   error
}

func (b *fakeBuilder) BuildIndex(ctx context.Context, docs []index.Document) (client.BuildInfo, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return client.BuildInfo{}, ctx.Err()
		}
	}
	if b.err != nil {
		return client.BuildInfo{}, b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.built = append(b.built, docs)
	return client.BuildInfo{IndexID: "g1", Documents: len(docs)}, nil
}

type recordingTracker struct {
	events []analytics.Event
}

func (r *recordingTracker) Track(e analytics.Event) { r.events = append(r.events, e) }

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
}

func TestRebuilder_RetriesTransientLoadFailures(t *testing.T) {
	loader := &flakyLoader{failures: 2, docs: []index.Document{{Title: "a"}, {Title: "b"}}}
	builder := &fakeBuilder{}
	tracker := &recordingTracker{}
	r := NewRebuilder(loader, builder, tracker, metrics.NewForTest(), Options{Retry: fastRetry(), Timeout: time.Second})

	info, err := r.Rebuild(context.Background(), "startup")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Documents)
	assert.Equal(t, 3, loader.calls)
	require.Len(t, builder.built, 1)

	require.Len(t, tracker.events, 1)
	ev := tracker.events[0].(analytics.IndexEvent)
	assert.Equal(t, analytics.EventIndexBuilt, ev.Type)
	assert.Equal(t, "startup", ev.Trigger)
	assert.Equal(t, "g1", ev.IndexID)
}

func TestRebuilder_PermanentLoadFailureIsNotRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	builder := &fakeBuilder{}
	tracker := &recordingTracker{}
	r := NewRebuilder(NewFileLoader(path), builder, tracker, metrics.NewForTest(), Options{Retry: fastRetry()})

	_, err := r.Rebuild(context.Background(), "api")
	assert.ErrorIs(t, err, apperrors.ErrCorpusLoad)
	assert.Empty(t, builder.built)
	require.Len(t, tracker.events, 1)
	assert.Equal(t, analytics.EventIndexFailed, tracker.events[0].EventType())
}

func TestRebuilder_BuildTimeout(t *testing.T) {
	loader := &flakyLoader{docs: []index.Document{{Title: "a"}}}
	builder := &fakeBuilder{delay: time.Second}
	r := NewRebuilder(loader, builder, nil, metrics.NewForTest(), Options{Retry: fastRetry(), Timeout: 10 * time.Millisecond})

	_, err := r.Rebuild(context.Background(), "api")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReloadHandler(t *testing.T) {
	loader := &flakyLoader{docs: []index.Document{{Title: "a"}}}
	builder := &fakeBuilder{}
	r := NewRebuilder(loader, builder, nil, metrics.NewForTest(), Options{Retry: fastRetry()})
	handle := ReloadHandler(r)

	require.NoError(t, handle(context.Background(), []byte("sites"), []byte(`{"reason":"new page"}`)))
	require.NoError(t, handle(context.Background(), nil, []byte(`garbage`)))
	require.NoError(t, handle(context.Background(), nil, nil))
	assert.Len(t, builder.built, 3)

	builder.err = errors.New("engine gone")
	assert.Error(t, handle(context.Background(), nil, nil))
}
