package tracing

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"mcp-mesh-registry/src/core/logger"
)

// TraceExporter receives complete correlated traces. The OTLP exporter is
// asynchronous and may drop under overload; console and json are
// synchronous and never drop.
type TraceExporter interface {
	ExportTrace(ctx context.Context, trace *Trace) error
	Stats() map[string]interface{}
	Close() error
}

// NewExporter builds an exporter by type name (otlp, console, json).
func NewExporter(exporterType, endpoint, jsonOutputDir string, log *logger.Logger) (TraceExporter, error) {
	switch exporterType {
	case "console":
		return NewConsoleExporter(os.Stdout), nil
	case "json":
		return NewJSONExporter(os.Stdout, jsonOutputDir), nil
	case "otlp":
		return NewOTLPExporter(OTLPConfig{Endpoint: endpoint}, log)
	default:
		return nil, fmt.Errorf("unknown trace exporter type: %s", exporterType)
	}
}

// ConsoleExporter prints each trace as an indented span tree. It writes
// synchronously on the caller's goroutine.
type ConsoleExporter struct {
	mu       sync.Mutex
	out      io.Writer
	exported atomic.Uint64
}

// NewConsoleExporter creates a console exporter writing to out.
func NewConsoleExporter(out io.Writer) *ConsoleExporter {
	return &ConsoleExporter{out: out}
}

// ExportTrace writes a human-readable span tree.
func (ce *ConsoleExporter) ExportTrace(_ context.Context, trace *Trace) error {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	fmt.Fprintf(ce.out, "TRACE %s (%d spans)\n", trace.TraceID, len(trace.Spans))
	depths := spanDepths(trace.Spans)
	for _, span := range trace.Spans {
		indent := ""
		for i := 0; i < depths[span.SpanID]; i++ {
			indent += "  "
		}
		status := span.Status
		if status == "" {
			status = "ok"
		}
		fmt.Fprintf(ce.out, "  %s%s %s [%s] %s -> %s\n",
			indent, span.AgentName, span.Operation, status,
			span.Start().Format(time.RFC3339Nano), span.End().Format(time.RFC3339Nano))
	}
	ce.exported.Add(1)
	return nil
}

// Stats reports exporter counters.
func (ce *ConsoleExporter) Stats() map[string]interface{} {
	return map[string]interface{}{"type": "console", "exported": ce.exported.Load(), "dropped": uint64(0)}
}

// Close is a no-op for the console exporter.
func (ce *ConsoleExporter) Close() error { return nil }

func spanDepths(spans []*TraceEvent) map[string]int {
	index := make(map[string]*TraceEvent, len(spans))
	for _, s := range spans {
		index[s.SpanID] = s
	}
	depths := make(map[string]int, len(spans))
	var depth func(s *TraceEvent) int
	depth = func(s *TraceEvent) int {
		if d, ok := depths[s.SpanID]; ok {
			return d
		}
		d := 0
		if s.ParentSpanID != nil {
			if parent, ok := index[*s.ParentSpanID]; ok {
				d = depth(parent) + 1
			}
		}
		depths[s.SpanID] = d
		return d
	}
	for _, s := range spans {
		depth(s)
	}
	return depths
}

// JSONExporter writes each trace as one JSON document, either as a line to
// the writer or as a file per trace when an output directory is set.
type JSONExporter struct {
	mu        sync.Mutex
	out       io.Writer
	outputDir string
	exported  atomic.Uint64
	lastErr   string
}

// NewJSONExporter creates a JSON exporter. outputDir may be empty.
func NewJSONExporter(out io.Writer, outputDir string) *JSONExporter {
	return &JSONExporter{out: out, outputDir: outputDir}
}

// ExportTrace serializes the trace.
func (je *JSONExporter) ExportTrace(_ context.Context, trace *Trace) error {
	data, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace %s: %w", trace.TraceID, err)
	}

	je.mu.Lock()
	defer je.mu.Unlock()

	if je.outputDir != "" {
		path := filepath.Join(je.outputDir, fmt.Sprintf("trace-%s.json", trace.TraceID))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			je.lastErr = err.Error()
			return fmt.Errorf("failed to write trace file: %w", err)
		}
	} else {
		fmt.Fprintf(je.out, "%s\n", data)
	}
	je.exported.Add(1)
	return nil
}

// Stats reports exporter counters.
func (je *JSONExporter) Stats() map[string]interface{} {
	je.mu.Lock()
	defer je.mu.Unlock()
	stats := map[string]interface{}{"type": "json", "exported": je.exported.Load(), "dropped": uint64(0)}
	if je.lastErr != "" {
		stats["last_error"] = je.lastErr
	}
	return stats
}

// Close is a no-op for the JSON exporter.
func (je *JSONExporter) Close() error { return nil }

// OTLPConfig tunes the OTLP gRPC exporter.
type OTLPConfig struct {
	Endpoint  string
	QueueSize int
	MaxTries  uint
}

// OTLPExporter ships traces over gRPC to an OTLP collector. Traces queue on
// a bounded channel drained by one worker; when the queue is full the
// oldest trace is dropped and counted, so a slow collector never blocks the
// correlator. Each export attempt is retried with exponential backoff.
type OTLPExporter struct {
	config   OTLPConfig
	logger   *logger.Logger
	exporter *otlptrace.Exporter

	// Per-agent providers so every agent exports under its own
	// service.name resource.
	providerMu sync.Mutex
	providers  map[string]*sdktrace.TracerProvider

	queue    chan *Trace
	stopChan chan struct{}
	wg       sync.WaitGroup

	exported atomic.Uint64
	dropped  atomic.Uint64
	errMu    sync.Mutex
	lastErr  string
}

// NewOTLPExporter dials the collector and starts the queue worker.
func NewOTLPExporter(cfg OTLPConfig, log *logger.Logger) (*OTLPExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP exporter requires a telemetry endpoint")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	oe := &OTLPExporter{
		config:    cfg,
		logger:    log,
		exporter:  exporter,
		providers: make(map[string]*sdktrace.TracerProvider),
		queue:     make(chan *Trace, cfg.QueueSize),
		stopChan:  make(chan struct{}),
	}

	oe.wg.Add(1)
	go oe.worker()

	return oe, nil
}

// ExportTrace enqueues a trace. Never blocks and never fails; overflow
// drops the oldest queued trace and increments the counter.
func (oe *OTLPExporter) ExportTrace(_ context.Context, trace *Trace) error {
	for {
		select {
		case oe.queue <- trace:
			return nil
		default:
		}
		select {
		case <-oe.queue:
			oe.dropped.Add(1)
			oe.logger.Warning("OTLP queue full; dropped oldest trace")
		default:
		}
	}
}

func (oe *OTLPExporter) worker() {
	defer oe.wg.Done()
	for {
		select {
		case trace := <-oe.queue:
			oe.ship(trace)
		case <-oe.stopChan:
			// Drain whatever is already queued before shutting down.
			for {
				select {
				case trace := <-oe.queue:
					oe.ship(trace)
				default:
					return
				}
			}
		}
	}
}

func (oe *OTLPExporter) ship(trace *Trace) {
	expo := backoff.NewExponentialBackOff()
	expo.MaxInterval = 10 * time.Second

	operation := func() (struct{}, error) {
		return struct{}{}, oe.exportTrace(trace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(oe.config.MaxTries)); err != nil {
		oe.dropped.Add(1)
		oe.setLastError(err)
		oe.logger.Error("Giving up on trace %s after retries: %v", trace.TraceID, err)
		return
	}
	oe.exported.Add(1)
}

// exportTrace replays the correlated spans through the SDK with their
// original timestamps and parent links. Span contexts are pre-seeded with
// the trace id so the collector sees one coherent trace.
func (oe *OTLPExporter) exportTrace(trace *Trace) error {
	traceID := toTraceID(trace.TraceID)

	for _, span := range trace.Spans {
		tracer, err := oe.tracerFor(span.AgentName)
		if err != nil {
			return err
		}

		ctx := context.WithValue(context.Background(), replayIDsKey{},
			replayIDs{traceID: traceID, spanID: toSpanID(span.SpanID)})
		if span.ParentSpanID != nil {
			ctx = oteltrace.ContextWithSpanContext(ctx, oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     toSpanID(*span.ParentSpanID),
				TraceFlags: oteltrace.FlagsSampled,
				Remote:     true,
			}))
		} else {
			ctx = oteltrace.ContextWithSpanContext(ctx, oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
				TraceID:    traceID,
				TraceFlags: oteltrace.FlagsSampled,
			}))
		}

		attrs := []attribute.KeyValue{
			attribute.String("mesh.agent", span.AgentName),
			attribute.String("mesh.span_id", span.SpanID),
		}
		for k, v := range span.Attributes {
			attrs = append(attrs, attribute.String(k, v))
		}

		_, otSpan := tracer.Start(ctx, span.Operation,
			oteltrace.WithSpanKind(oteltrace.SpanKindServer),
			oteltrace.WithTimestamp(span.Start()),
			oteltrace.WithAttributes(attrs...),
		)
		if span.IsError() {
			otSpan.SetStatus(codes.Error, span.Status)
		} else {
			otSpan.SetStatus(codes.Ok, "")
		}
		otSpan.End(oteltrace.WithTimestamp(span.End()))
	}

	return oe.flushProviders()
}

func (oe *OTLPExporter) tracerFor(agentName string) (oteltrace.Tracer, error) {
	if agentName == "" {
		agentName = "unknown-agent"
	}
	oe.providerMu.Lock()
	defer oe.providerMu.Unlock()

	provider, ok := oe.providers[agentName]
	if !ok {
		res := sdkresource.NewSchemaless(attribute.String("service.name", agentName))
		provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(oe.exporter),
			sdktrace.WithResource(res),
			sdktrace.WithIDGenerator(replayIDGenerator{}),
		)
		oe.providers[agentName] = provider
	}
	return provider.Tracer("mcp-mesh-registry"), nil
}

func (oe *OTLPExporter) flushProviders() error {
	oe.providerMu.Lock()
	providers := make([]*sdktrace.TracerProvider, 0, len(oe.providers))
	for _, p := range oe.providers {
		providers = append(providers, p)
	}
	oe.providerMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range providers {
		if err := p.ForceFlush(ctx); err != nil {
			return fmt.Errorf("failed to flush spans: %w", err)
		}
	}
	return nil
}

func (oe *OTLPExporter) setLastError(err error) {
	oe.errMu.Lock()
	oe.lastErr = err.Error()
	oe.errMu.Unlock()
}

// Stats reports queue and delivery counters.
func (oe *OTLPExporter) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"type":     "otlp",
		"endpoint": oe.config.Endpoint,
		"exported": oe.exported.Load(),
		"dropped":  oe.dropped.Load(),
		"queued":   len(oe.queue),
	}
	oe.errMu.Lock()
	if oe.lastErr != "" {
		stats["last_error"] = oe.lastErr
	}
	oe.errMu.Unlock()
	return stats
}

// Close drains the queue, flushes providers and shuts down the gRPC
// exporter.
func (oe *OTLPExporter) Close() error {
	close(oe.stopChan)
	oe.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	oe.providerMu.Lock()
	defer oe.providerMu.Unlock()
	var firstErr error
	for _, p := range oe.providers {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(oe.providers) == 0 {
		if err := oe.exporter.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type replayIDsKey struct{}

type replayIDs struct {
	traceID oteltrace.TraceID
	spanID  oteltrace.SpanID
}

// replayIDGenerator hands the SDK the original mesh ids for replayed spans
// instead of random ones, so every exported parent link points at a span id
// that actually appears in the trace.
type replayIDGenerator struct{}

func (replayIDGenerator) NewIDs(ctx context.Context) (oteltrace.TraceID, oteltrace.SpanID) {
	if ids, ok := ctx.Value(replayIDsKey{}).(replayIDs); ok {
		return ids.traceID, ids.spanID
	}
	var tid oteltrace.TraceID
	var sid oteltrace.SpanID
	rand.Read(tid[:])
	rand.Read(sid[:])
	return tid, sid
}

func (replayIDGenerator) NewSpanID(ctx context.Context, _ oteltrace.TraceID) oteltrace.SpanID {
	if ids, ok := ctx.Value(replayIDsKey{}).(replayIDs); ok {
		return ids.spanID
	}
	var sid oteltrace.SpanID
	rand.Read(sid[:])
	return sid
}

// toTraceID accepts a 32-hex trace id or derives one by hashing.
func toTraceID(s string) oteltrace.TraceID {
	if len(s) == 32 {
		if id, err := oteltrace.TraceIDFromHex(s); err == nil {
			return id
		}
	}
	sum := md5.Sum([]byte(s))
	var id oteltrace.TraceID
	copy(id[:], sum[:])
	return id
}

// toSpanID accepts a 16-hex span id or derives one by hashing.
func toSpanID(s string) oteltrace.SpanID {
	if len(s) == 16 {
		if id, err := oteltrace.SpanIDFromHex(s); err == nil {
			return id
		}
	}
	sum := md5.Sum([]byte(s))
	var id oteltrace.SpanID
	copy(id[:], sum[:8])
	return id
}
