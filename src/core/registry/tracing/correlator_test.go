package tracing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-mesh-registry/src/core/config"
	"mcp-mesh-registry/src/core/logger"
)

// recordingExporter captures exported traces for assertions.
type recordingExporter struct {
	mu     sync.Mutex
	traces []*Trace
}

func (re *recordingExporter) ExportTrace(_ context.Context, trace *Trace) error {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.traces = append(re.traces, trace)
	return nil
}

func (re *recordingExporter) Stats() map[string]interface{} {
	re.mu.Lock()
	defer re.mu.Unlock()
	return map[string]interface{}{"exported": uint64(len(re.traces)), "dropped": uint64(0)}
}

func (re *recordingExporter) Close() error { return nil }

func (re *recordingExporter) exported() []*Trace {
	re.mu.Lock()
	defer re.mu.Unlock()
	return append([]*Trace(nil), re.traces...)
}

func testLogger() *logger.Logger {
	cfg := config.LoadFromEnv()
	cfg.LogLevel = "ERROR"
	return logger.New(cfg)
}

func fastCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		QuietPeriod:     50 * time.Millisecond,
		MaxTraceAge:     2 * time.Second,
		MaxActiveTraces: 100,
		BufferSize:      64,
		SweepInterval:   10 * time.Millisecond,
	}
}

func span(traceID, spanID string, parent *string, start float64) *TraceEvent {
	return &TraceEvent{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parent,
		AgentName:    "agent-" + spanID,
		Operation:    "op-" + spanID,
		StartTime:    start,
		EndTime:      start + 0.5,
	}
}

// S6: a chain A -> B -> C arriving as C, A, B with a duplicate B exports
// exactly one trace of three spans in parent-first order.
func TestTraceAssemblyOutOfOrderWithDuplicate(t *testing.T) {
	exporter := &recordingExporter{}
	c := NewCorrelator(fastCorrelatorConfig(), exporter, testLogger())
	c.Start()
	defer c.Stop()

	ctx := context.Background()
	a := "span-a"
	b := "span-b"
	require.NoError(t, c.Submit(ctx, span("t1", "span-c", &b, 3)))
	require.NoError(t, c.Submit(ctx, span("t1", "span-a", nil, 1)))
	require.NoError(t, c.Submit(ctx, span("t1", "span-b", &a, 2)))
	require.NoError(t, c.Submit(ctx, span("t1", "span-b", &a, 2))) // duplicate

	require.Eventually(t, func() bool {
		return len(exporter.exported()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	traces := exporter.exported()
	require.Len(t, traces, 1)
	trace := traces[0]
	assert.Equal(t, "t1", trace.TraceID)
	require.Len(t, trace.Spans, 3, "duplicate span must appear once")
	assert.Equal(t, "span-a", trace.Spans[0].SpanID)
	assert.Equal(t, "span-b", trace.Spans[1].SpanID)
	assert.Equal(t, "span-c", trace.Spans[2].SpanID)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats["deduped"])
	assert.Equal(t, int64(0), stats["active_traces"])
}

// A trace with an unresolved parent is held until max age, then
// force-completed.
func TestIncompleteTraceForcedAtMaxAge(t *testing.T) {
	cfg := fastCorrelatorConfig()
	cfg.MaxTraceAge = 200 * time.Millisecond
	exporter := &recordingExporter{}
	c := NewCorrelator(cfg, exporter, testLogger())
	c.Start()
	defer c.Stop()

	missing := "never-arrives"
	require.NoError(t, c.Submit(context.Background(), span("t1", "orphan", &missing, 1)))

	// Well past the quiet period the trace is still held back.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, exporter.exported())

	require.Eventually(t, func() bool {
		return len(exporter.exported()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats()["forced"])
}

// Two interleaved traces stay separate.
func TestIndependentTraces(t *testing.T) {
	exporter := &recordingExporter{}
	c := NewCorrelator(fastCorrelatorConfig(), exporter, testLogger())
	c.Start()
	defer c.Stop()

	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, span("t1", "a1", nil, 1)))
	require.NoError(t, c.Submit(ctx, span("t2", "b1", nil, 1)))

	require.Eventually(t, func() bool {
		return len(exporter.exported()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	seen := map[string]int{}
	for _, trace := range exporter.exported() {
		seen[trace.TraceID] = len(trace.Spans)
	}
	assert.Equal(t, map[string]int{"t1": 1, "t2": 1}, seen)
}

// Stop flushes fully-linked traces and discards incomplete ones.
func TestStopFlushesCompleteTraces(t *testing.T) {
	cfg := fastCorrelatorConfig()
	cfg.QuietPeriod = time.Hour
	cfg.MaxTraceAge = time.Hour
	exporter := &recordingExporter{}
	c := NewCorrelator(cfg, exporter, testLogger())
	c.Start()

	ctx := context.Background()
	missing := "gone"
	require.NoError(t, c.Submit(ctx, span("complete", "root", nil, 1)))
	require.NoError(t, c.Submit(ctx, span("incomplete", "child", &missing, 1)))

	c.Stop()

	traces := exporter.exported()
	require.Len(t, traces, 1)
	assert.Equal(t, "complete", traces[0].TraceID)
}

func TestOrderSpansHandlesOrphans(t *testing.T) {
	missing := "missing"
	a := "a"
	spans := map[string]*TraceEvent{
		"a": span("t", "a", nil, 1),
		"b": span("t", "b", &a, 2),
		"x": span("t", "x", &missing, 3),
	}
	ordered := orderSpans(spans)
	require.Len(t, ordered, 3)
	assert.Equal(t, "a", ordered[0].SpanID)
	assert.Equal(t, "b", ordered[1].SpanID)
	assert.Equal(t, "x", ordered[2].SpanID, "orphans sort last")
}
