package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-browser/sitesearch/pkg/logger"
)

func TestSpanTree_LoggedOnRootEnd(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&buf, "debug", "json")
	ctx := logger.WithRequestID(context.Background(), "req-1")
	ctx, root := StartSpan(ctx, "search")
	root.logger = l
	childCtx, child := StartSpan(ctx, "engine")
	child.SetAttr("terms", 2)
	_, grandchild := StartSpan(childCtx, "rank")
	grandchild.End()
	child.End()
	assert.Zero(t, buf.Len(), "only the root span logs")

	root.End()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "req-1", first["trace_id"])
	assert.Equal(t, "search", first["span"])
	assert.Equal(t, "engine", second["span"])
	assert.Equal(t, float64(1), second["depth"])
	assert.Equal(t, float64(2), second["terms"])
	assert.Len(t, root.Children(), 1)
}

func TestStartSpan_GeneratesTraceID(t *testing.T) {
	_, span := StartSpan(context.Background(), "rebuild")
	assert.Len(t, span.TraceID, 36)
	assert.Nil(t, FromContext(context.Background()))
}
