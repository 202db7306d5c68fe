package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mcp-mesh-registry/src/core/config"
	"mcp-mesh-registry/src/core/logger"
)

// Manager owns the trace pipeline: stream consumer -> correlator ->
// exporter. Built disabled when distributed tracing is off; every method is
// safe to call either way.
type Manager struct {
	enabled    bool
	logger     *logger.Logger
	consumer   *StreamConsumer
	correlator *Correlator
	exporter   TraceExporter
}

// NewManager wires the pipeline from configuration. Exporter construction
// failures disable tracing rather than failing registry startup; the
// registration path must stay available without a collector.
func NewManager(cfg *config.Config, log *logger.Logger) *Manager {
	if !cfg.TracingEnabled {
		return &Manager{enabled: false, logger: log}
	}

	exporterType := strings.ToLower(cfg.TraceExporterType)
	exporter, err := NewExporter(exporterType, cfg.TelemetryEndpoint,
		os.Getenv("TRACE_JSON_OUTPUT_DIR"), log)
	if err != nil {
		log.Error("Trace exporter %s unavailable, tracing disabled: %v", exporterType, err)
		return &Manager{enabled: false, logger: log}
	}

	correlatorCfg := DefaultCorrelatorConfig()
	if quiet := envSeconds("TRACE_QUIET_PERIOD"); quiet > 0 {
		correlatorCfg.QuietPeriod = quiet
	}
	if maxAge := envSeconds("TRACE_MAX_AGE"); maxAge > 0 {
		correlatorCfg.MaxTraceAge = maxAge
	}
	correlator := NewCorrelator(correlatorCfg, exporter, log)

	consumerCfg := &StreamConsumerConfig{
		RedisURL:      cfg.RedisURL,
		StreamName:    cfg.StreamName,
		ConsumerGroup: cfg.ConsumerGroup,
		BatchSize:     envInt64("TRACE_BATCH_SIZE", 100),
		BlockTimeout:  5 * time.Second,
	}
	consumer, err := NewStreamConsumer(consumerCfg, correlator, log)
	if err != nil {
		log.Error("Trace consumer unavailable, tracing disabled: %v", err)
		exporter.Close()
		return &Manager{enabled: false, logger: log}
	}

	return &Manager{
		enabled:    true,
		logger:     log,
		consumer:   consumer,
		correlator: correlator,
		exporter:   exporter,
	}
}

// Enabled reports whether the pipeline is active.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Start launches the correlator and consumer.
func (m *Manager) Start(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	m.correlator.Start()
	if err := m.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start trace consumer: %w", err)
	}
	return nil
}

// Stop tears the pipeline down in data-flow order: consumer first so no new
// spans arrive, then correlator flush, then exporter drain.
func (m *Manager) Stop() {
	if !m.enabled {
		return
	}
	m.consumer.Stop()
	m.correlator.Stop()
	if err := m.exporter.Close(); err != nil {
		m.logger.Warning("Trace exporter close: %v", err)
	}
}

// Status builds the GET /trace/status payload.
func (m *Manager) Status(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{"enabled": m.enabled}
	if !m.enabled {
		return status
	}

	consumerInfo := m.consumer.Info(ctx)
	status["consumer"] = consumerInfo

	correlatorStats := m.correlator.Stats()
	status["active_traces"] = correlatorStats["active_traces"]
	status["correlator"] = correlatorStats

	exporterStats := m.exporter.Stats()
	status["exported"] = exporterStats["exported"]
	status["dropped"] = exporterStats["dropped"]
	status["exporter"] = exporterStats

	if lastErr, ok := exporterStats["last_error"]; ok {
		status["last_error"] = lastErr
	} else if lastErr, ok := consumerInfo["last_error"]; ok {
		status["last_error"] = lastErr
	}
	return status
}

func envSeconds(key string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}
