package database

import (
	"encoding/json"
	"sort"
	"time"
)

// Agent lifecycle statuses. Transitions are monotone within one lifecycle:
// healthy -> unhealthy -> evicted; a new registration starts a fresh
// lifecycle at healthy.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusEvicted   = "evicted"
)

// Topology event types recorded in the append-only event log.
const (
	EventRegister   = "register"
	EventUpdate     = "update"
	EventUnregister = "unregister"
	EventUnhealthy  = "unhealthy"
	EventEvicted    = "evicted"
)

// Agent represents one row of the agents table.
type Agent struct {
	AgentID              string    `json:"agent_id"`
	Name                 string    `json:"name"`
	Version              string    `json:"version"`
	Namespace            string    `json:"namespace"`
	Endpoint             string    `json:"endpoint"`
	TotalDependencies    int       `json:"total_dependencies"`
	DependenciesResolved int       `json:"dependencies_resolved"`
	Status               string    `json:"status"`
	RegisteredAt         time.Time `json:"registered_at"`
	LastHeartbeatAt      time.Time `json:"last_heartbeat_at"`

	// LastEventID is the per-agent topology-event cursor used by the HEAD
	// probe path. Advanced on 200 probes and on full heartbeats.
	LastEventID int64 `json:"last_event_id"`
}

// Dependency is a consumer-side declaration of a required capability.
// Tags carry the resolution semantics by prefix: bare = required,
// '+' = preferred, '-' = excluded.
type Dependency struct {
	Capability string   `json:"capability"`
	Tags       []string `json:"tags,omitempty"`
	Version    string   `json:"version,omitempty"`
	Namespace  string   `json:"namespace,omitempty"`
}

// Capability represents one row of the capabilities table. The full set is
// replaced wholesale on each registration; (agent_id, function_name) is
// unique.
type Capability struct {
	ID           int64        `json:"id"`
	AgentID      string       `json:"agent_id"`
	FunctionName string       `json:"function_name"`
	Capability   string       `json:"capability"`
	Version      string       `json:"version"`
	Description  string       `json:"description"`
	Tags         []string     `json:"tags"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// SnapshotKey is the identity of a capability for snapshot diffing:
// set equality over (function_name, capability, version, sorted tags).
func (c Capability) SnapshotKey() string {
	tags := append([]string(nil), c.Tags...)
	sort.Strings(tags)
	key, _ := json.Marshal([]interface{}{c.FunctionName, c.Capability, c.Version, tags})
	return string(key)
}

// TopologyEvent represents one row of the topology_events table. Event ids
// are assigned by the store's auto-increment sequence and give events a
// total order.
type TopologyEvent struct {
	EventID              int64     `json:"event_id"`
	EventType            string    `json:"event_type"`
	AgentID              string    `json:"agent_id"`
	Timestamp            time.Time `json:"timestamp"`
	AffectedCapabilities []string  `json:"affected_capabilities"`
}

// Touches reports whether the event affects any of the given capability
// labels.
func (e *TopologyEvent) Touches(labels map[string]struct{}) bool {
	for _, c := range e.AffectedCapabilities {
		if _, ok := labels[c]; ok {
			return true
		}
	}
	return false
}

// Provider is the joined projection used by the dependency resolver: a live
// capability row with its owning agent's endpoint and heartbeat.
type Provider struct {
	AgentID         string
	FunctionName    string
	Capability      string
	Version         string
	Tags            []string
	Namespace       string
	Endpoint        string
	Status          string
	LastHeartbeatAt time.Time
}

func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func unmarshalTags(data string) []string {
	if data == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return []string{}
	}
	return tags
}
