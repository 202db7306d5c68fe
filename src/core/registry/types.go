package registry

import (
	"time"

	"mcp-mesh-registry/src/core/database"
)

// ToolSpec is one advertised capability in a registration snapshot.
// Dependencies are the consumer-side declarations this tool needs resolved.
type ToolSpec struct {
	FunctionName string                `json:"function_name"`
	Capability   string                `json:"capability"`
	Version      string                `json:"version,omitempty"`
	Description  string                `json:"description,omitempty"`
	Tags         []string              `json:"tags,omitempty"`
	Dependencies []database.Dependency `json:"dependencies,omitempty"`
}

// AgentRegistration is the request body for POST /agents/register and
// POST /agents/{id}/heartbeat. The snapshot is authoritative: the stored
// capability set is replaced wholesale on every call. Field presence is
// checked by ValidateRegistration, not binding tags, so the heartbeat path
// can default agent_id from the URL before validation runs.
type AgentRegistration struct {
	AgentID   string     `json:"agent_id"`
	Name      string     `json:"name,omitempty"`
	Version   string     `json:"version,omitempty"`
	Namespace string     `json:"namespace,omitempty"`
	Endpoint  string     `json:"endpoint,omitempty"`
	Tools     []ToolSpec `json:"tools,omitempty"`
}

// ResolvedDependency is the ephemeral projection the resolver produces for
// one dependency declaration.
type ResolvedDependency struct {
	AgentID      string `json:"agent_id"`
	FunctionName string `json:"function_name"`
	Endpoint     string `json:"endpoint"`
	Capability   string `json:"capability"`
	Score        int    `json:"score"`
}

// RegistrationResponse is the canonical response shape for registration and
// heartbeat. The resolved map is keyed by dependency capability label;
// unresolved dependencies are simply absent.
type RegistrationResponse struct {
	AgentID              string                         `json:"agent_id"`
	RegisteredAt         time.Time                      `json:"registered_at"`
	ResolvedDependencies map[string]*ResolvedDependency `json:"resolved_dependencies"`
	DependenciesResolved int                            `json:"dependencies_resolved"`
	TotalDependencies    int                            `json:"total_dependencies"`
}

// AgentInfo is one entry of the GET /agents listing.
type AgentInfo struct {
	AgentID              string    `json:"agent_id"`
	Name                 string    `json:"name"`
	Version              string    `json:"version,omitempty"`
	Namespace            string    `json:"namespace"`
	Endpoint             string    `json:"endpoint,omitempty"`
	Status               string    `json:"status"`
	Capabilities         []string  `json:"capabilities"`
	TotalDependencies    int       `json:"total_dependencies"`
	DependenciesResolved int       `json:"dependencies_resolved"`
	RegisteredAt         time.Time `json:"registered_at"`
	LastHeartbeatAt      time.Time `json:"last_heartbeat_at"`
}

// ProbeResult encodes the HEAD /agents/{id}/heartbeat outcome.
type ProbeResult int

const (
	// ProbeUnchanged maps to 200: no topology event since the agent's cursor
	// touches any of its dependency labels.
	ProbeUnchanged ProbeResult = iota
	// ProbeTopologyChanged maps to 202: the agent should send a full
	// heartbeat to pick up fresh resolution.
	ProbeTopologyChanged
	// ProbeGone maps to 410: the agent is unknown or evicted and must
	// re-register.
	ProbeGone
)
