package tracing

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mcp-mesh-registry/src/core/logger"
)

// CorrelatorConfig tunes trace assembly.
type CorrelatorConfig struct {
	// QuietPeriod is how long a trace must stay silent, with every observed
	// parent resolved, before it counts as complete.
	QuietPeriod time.Duration
	// MaxTraceAge force-completes a trace regardless of missing parents.
	MaxTraceAge time.Duration
	// MaxActiveTraces bounds the in-memory map; the oldest trace is
	// force-completed when the bound is hit.
	MaxActiveTraces int
	// BufferSize is the capacity of the inbound channel. When full, Submit
	// blocks, which is the consumer's backpressure signal.
	BufferSize int
	// SweepInterval is how often completion conditions are re-checked.
	SweepInterval time.Duration
}

// DefaultCorrelatorConfig returns the production defaults.
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		QuietPeriod:     5 * time.Second,
		MaxTraceAge:     60 * time.Second,
		MaxActiveTraces: 10000,
		BufferSize:      1024,
		SweepInterval:   time.Second,
	}
}

type traceBucket struct {
	spans     map[string]*TraceEvent
	firstSeen time.Time
	lastSeen  time.Time
}

// Correlator assembles partial spans into complete traces. A single
// goroutine owns the trace map; everything reaches it through the inbound
// channel, so span arrival order never matters and no lock spans an export.
type Correlator struct {
	config   CorrelatorConfig
	exporter TraceExporter
	logger   *logger.Logger

	in       chan *TraceEvent
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex

	active     atomic.Int64
	correlated atomic.Uint64
	deduped    atomic.Uint64
	forced     atomic.Uint64
}

// NewCorrelator creates a correlator feeding the given exporter.
func NewCorrelator(cfg CorrelatorConfig, exporter TraceExporter, log *logger.Logger) *Correlator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Correlator{
		config:   cfg,
		exporter: exporter,
		logger:   log,
		in:       make(chan *TraceEvent, cfg.BufferSize),
		stopChan: make(chan struct{}),
	}
}

// Submit hands one span event to the correlator. Blocks while the buffer is
// full; callers treat that as backpressure and hold their acknowledgements.
func (c *Correlator) Submit(ctx context.Context, event *TraceEvent) error {
	select {
	case c.in <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the correlation goroutine.
func (c *Correlator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.run()
}

// Stop drains the loop. Complete traces are flushed to the exporter;
// incomplete ones are discarded.
func (c *Correlator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopChan)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Correlator) run() {
	defer c.wg.Done()

	buckets := make(map[string]*traceBucket)
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-c.in:
			c.ingest(buckets, event)
		case <-ticker.C:
			c.sweep(buckets, time.Now())
		case <-c.stopChan:
			c.flush(buckets)
			return
		}
	}
}

func (c *Correlator) ingest(buckets map[string]*traceBucket, event *TraceEvent) {
	now := time.Now()

	b, ok := buckets[event.TraceID]
	if !ok {
		if len(buckets) >= c.config.MaxActiveTraces && c.config.MaxActiveTraces > 0 {
			c.forceOldest(buckets)
		}
		b = &traceBucket{spans: make(map[string]*TraceEvent), firstSeen: now}
		buckets[event.TraceID] = b
		c.active.Store(int64(len(buckets)))
	}

	if _, dup := b.spans[event.SpanID]; dup {
		c.deduped.Add(1)
		return
	}
	b.spans[event.SpanID] = event
	b.lastSeen = now
}

// sweep completes every trace that is fully linked and quiet, or too old.
func (c *Correlator) sweep(buckets map[string]*traceBucket, now time.Time) {
	for traceID, b := range buckets {
		aged := now.Sub(b.firstSeen) >= c.config.MaxTraceAge
		quiet := now.Sub(b.lastSeen) >= c.config.QuietPeriod
		if aged || (quiet && parentsResolved(b)) {
			if aged && !parentsResolved(b) {
				c.forced.Add(1)
			}
			c.complete(buckets, traceID, b)
		}
	}
}

// forceOldest completes the oldest trace to make room for a new one.
func (c *Correlator) forceOldest(buckets map[string]*traceBucket) {
	var oldestID string
	var oldest *traceBucket
	for traceID, b := range buckets {
		if oldest == nil || b.firstSeen.Before(oldest.firstSeen) {
			oldestID, oldest = traceID, b
		}
	}
	if oldest != nil {
		c.forced.Add(1)
		c.complete(buckets, oldestID, oldest)
	}
}

func (c *Correlator) complete(buckets map[string]*traceBucket, traceID string, b *traceBucket) {
	delete(buckets, traceID)
	c.active.Store(int64(len(buckets)))

	trace := &Trace{
		TraceID:   traceID,
		Spans:     orderSpans(b.spans),
		FirstSeen: b.firstSeen,
		LastSeen:  b.lastSeen,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.exporter.ExportTrace(ctx, trace); err != nil {
		c.logger.Error("Failed to export trace %s: %v", traceID, err)
		return
	}
	c.correlated.Add(1)
	c.logger.Debug("Exported trace %s (%d spans)", traceID, len(trace.Spans))
}

// flush exports traces that are already fully linked and drops the rest.
func (c *Correlator) flush(buckets map[string]*traceBucket) {
	// Drain whatever the consumer handed off before shutdown.
	for {
		select {
		case event := <-c.in:
			c.ingest(buckets, event)
			continue
		default:
		}
		break
	}

	dropped := 0
	for traceID, b := range buckets {
		if parentsResolved(b) {
			c.complete(buckets, traceID, b)
		} else {
			delete(buckets, traceID)
			dropped++
		}
	}
	c.active.Store(0)
	if dropped > 0 {
		c.logger.Info("Discarded %d incomplete traces on shutdown", dropped)
	}
}

// parentsResolved reports whether every observed parent_span_id points at a
// span present in the bucket.
func parentsResolved(b *traceBucket) bool {
	for _, span := range b.spans {
		if span.ParentSpanID == nil {
			continue
		}
		if _, ok := b.spans[*span.ParentSpanID]; !ok {
			return false
		}
	}
	return true
}

// orderSpans returns spans parents-first: roots by start time, then each
// span's children. Orphans (unresolved parents) go last by start time.
func orderSpans(spans map[string]*TraceEvent) []*TraceEvent {
	children := make(map[string][]*TraceEvent)
	var roots, orphans []*TraceEvent
	for _, span := range spans {
		switch {
		case span.ParentSpanID == nil:
			roots = append(roots, span)
		default:
			if _, ok := spans[*span.ParentSpanID]; ok {
				children[*span.ParentSpanID] = append(children[*span.ParentSpanID], span)
			} else {
				orphans = append(orphans, span)
			}
		}
	}

	byStart := func(s []*TraceEvent) {
		sort.Slice(s, func(i, j int) bool {
			if s[i].StartTime != s[j].StartTime {
				return s[i].StartTime < s[j].StartTime
			}
			return s[i].SpanID < s[j].SpanID
		})
	}
	byStart(roots)
	byStart(orphans)

	ordered := make([]*TraceEvent, 0, len(spans))
	var walk func(span *TraceEvent)
	walk = func(span *TraceEvent) {
		ordered = append(ordered, span)
		kids := children[span.SpanID]
		byStart(kids)
		for _, kid := range kids {
			walk(kid)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return append(ordered, orphans...)
}

// Stats reports correlator counters for /trace/status.
func (c *Correlator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"active_traces": c.active.Load(),
		"correlated":    c.correlated.Load(),
		"deduped":       c.deduped.Load(),
		"forced":        c.forced.Load(),
	}
}
