package tracing

import (
	"encoding/json"
	"strconv"
	"time"
)

// TraceEvent is one span record published by agents onto the shared stream.
// Field names match the Python runtime publisher; values arrive as strings
// because Redis stream entries are flat string maps.
type TraceEvent struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID *string           `json:"parent_span_id,omitempty"`
	AgentName    string            `json:"agent_name"`
	Operation    string            `json:"operation"`
	StartTime    float64           `json:"start_time"`
	EndTime      float64           `json:"end_time"`
	Status       string            `json:"status,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Start returns the span start as a time.Time.
func (te *TraceEvent) Start() time.Time {
	return unixFloat(te.StartTime)
}

// End returns the span end as a time.Time. A missing end time falls back to
// the start so zero-duration spans stay representable.
func (te *TraceEvent) End() time.Time {
	if te.EndTime == 0 {
		return te.Start()
	}
	return unixFloat(te.EndTime)
}

// IsError reports whether the span ended in error.
func (te *TraceEvent) IsError() bool {
	return te.Status == "error"
}

func unixFloat(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// ToRedisMap flattens the event into the string map shape XADD expects,
// mirroring the Python publisher's to_dict().
func (te *TraceEvent) ToRedisMap() map[string]interface{} {
	result := map[string]interface{}{
		"trace_id":   te.TraceID,
		"span_id":    te.SpanID,
		"agent_name": te.AgentName,
		"operation":  te.Operation,
		"start_time": strconv.FormatFloat(te.StartTime, 'f', -1, 64),
		"end_time":   strconv.FormatFloat(te.EndTime, 'f', -1, 64),
	}
	if te.ParentSpanID != nil {
		result["parent_span_id"] = *te.ParentSpanID
	}
	if te.Status != "" {
		result["status"] = te.Status
	}
	if len(te.Attributes) > 0 {
		attrs, _ := json.Marshal(te.Attributes)
		result["attributes"] = string(attrs)
	}
	return result
}

// FromRedisMap parses a stream entry. Older publishers used "parent_span",
// "function_name" and "timestamp"; both spellings are accepted.
func (te *TraceEvent) FromRedisMap(data map[string]interface{}) error {
	te.TraceID = getString(data, "trace_id")
	te.SpanID = getString(data, "span_id")
	te.AgentName = getString(data, "agent_name")

	te.Operation = getString(data, "operation")
	if te.Operation == "" {
		te.Operation = getString(data, "function_name")
	}

	if parent := getString(data, "parent_span_id"); parent != "" {
		te.ParentSpanID = &parent
	} else if parent := getString(data, "parent_span"); parent != "" {
		te.ParentSpanID = &parent
	}

	te.StartTime = getFloat(data, "start_time")
	if te.StartTime == 0 {
		te.StartTime = getFloat(data, "timestamp")
	}
	te.EndTime = getFloat(data, "end_time")

	te.Status = getString(data, "status")

	if attrs := getString(data, "attributes"); attrs != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(attrs), &m); err == nil {
			te.Attributes = m
		}
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if value, exists := data[key]; exists {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}

func getFloat(data map[string]interface{}, key string) float64 {
	s := getString(data, key)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// Trace is a correlated set of spans sharing one trace id, handed to an
// exporter once complete. Spans are ordered parents-first.
type Trace struct {
	TraceID   string        `json:"trace_id"`
	Spans     []*TraceEvent `json:"spans"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
}
