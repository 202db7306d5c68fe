package registry

import (
	"context"
	"time"

	"mcp-mesh-registry/src/core/config"
	"mcp-mesh-registry/src/core/database"
	"mcp-mesh-registry/src/core/logger"
)

// Resolver picks the best live provider for each dependency declaration.
// It is stateless; candidate sets come from the store on every call so the
// answer always reflects the current topology.
type Resolver struct {
	store  *database.Store
	config *config.Config
	logger *logger.Logger
}

// NewResolver creates a dependency resolver.
func NewResolver(store *database.Store, cfg *config.Config, log *logger.Logger) *Resolver {
	return &Resolver{store: store, config: cfg, logger: log}
}

// Resolve returns the best provider for one dependency declaration, or nil
// when no candidate survives filtering. consumerID and consumerNamespace
// identify the asking agent; a declaration without an explicit namespace
// searches the consumer's own namespace and never resolves to the consumer
// itself.
func (r *Resolver) Resolve(ctx context.Context, consumerID, consumerNamespace string, dep database.Dependency) (*ResolvedDependency, error) {
	namespace := dep.Namespace
	explicitNamespace := namespace != ""
	if !explicitNamespace {
		namespace = consumerNamespace
	}

	timeout := r.config.TimeoutThreshold()
	providers, err := r.store.FindProviders(ctx, dep.Capability, namespace, timeout)
	if err != nil {
		return nil, err
	}

	sets := ParseTags(dep.Tags)
	now := time.Now().UTC()

	var best *database.Provider
	bestScore := -1
	for _, p := range providers {
		if p.AgentID == consumerID && !explicitNamespace {
			// Self-resolution needs an explicitly matching namespace.
			continue
		}
		if !MatchTags(p.Tags, sets) {
			continue
		}
		if !MatchVersion(p.Version, dep.Version) {
			continue
		}

		score := ScoreProvider(p.Tags, sets, now.Sub(p.LastHeartbeatAt), timeout)
		if best == nil || score > bestScore ||
			(score == bestScore && betterTiebreak(p, best)) {
			best = p
			bestScore = score
		}
	}

	if best == nil {
		r.logger.Debug("No provider resolved for capability %s (namespace %s)", dep.Capability, namespace)
		return nil, nil
	}

	return &ResolvedDependency{
		AgentID:      best.AgentID,
		FunctionName: best.FunctionName,
		Endpoint:     best.Endpoint,
		Capability:   best.Capability,
		Score:        bestScore,
	}, nil
}

// betterTiebreak orders equal-score candidates: more recent heartbeat wins,
// then ascending agent id for stability across runs.
func betterTiebreak(candidate, incumbent *database.Provider) bool {
	if candidate.LastHeartbeatAt.After(incumbent.LastHeartbeatAt) {
		return true
	}
	if candidate.LastHeartbeatAt.Before(incumbent.LastHeartbeatAt) {
		return false
	}
	return candidate.AgentID < incumbent.AgentID
}

// ResolveAll resolves every declared dependency for an agent. The returned
// map is keyed by dependency capability label; unresolved entries are
// absent. total counts declarations, resolved counts map entries.
func (r *Resolver) ResolveAll(ctx context.Context, consumerID, consumerNamespace string, deps []database.Dependency) (map[string]*ResolvedDependency, int, int, error) {
	resolvedMap := make(map[string]*ResolvedDependency, len(deps))
	attempted := make(map[string]struct{}, len(deps))
	total, resolvedCount := 0, 0
	for _, dep := range deps {
		total++
		if _, done := attempted[dep.Capability]; !done {
			attempted[dep.Capability] = struct{}{}
			resolved, err := r.Resolve(ctx, consumerID, consumerNamespace, dep)
			if err != nil {
				return nil, 0, 0, err
			}
			if resolved != nil {
				resolvedMap[dep.Capability] = resolved
			}
		}
		if _, ok := resolvedMap[dep.Capability]; ok {
			resolvedCount++
		}
	}
	return resolvedMap, total, resolvedCount, nil
}
