package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcp-mesh-registry/src/core/config"
	"mcp-mesh-registry/src/core/database"
	"mcp-mesh-registry/src/core/logger"
)

// Service implements agent registration, heartbeats, deregistration and the
// fast-probe topology check. Operations for one agent_id are serialized
// through a keyed mutex so event emission and resolver writeback stay
// totally ordered per agent; different agents proceed concurrently.
type Service struct {
	store    *database.Store
	config   *config.Config
	logger   *logger.Logger
	resolver *Resolver
	cache    *ResponseCache

	// agentLocks keys a mutex per agent_id. Entries are never removed; the
	// table is bounded by the fleet size.
	agentLocks sync.Map

	// depLabels caches each agent's declared dependency labels for the HEAD
	// probe path. Rebuilt lazily from the store after a restart.
	depMu     sync.RWMutex
	depLabels map[string]map[string]struct{}
}

// NewService wires the registration service.
func NewService(store *database.Store, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		config:    cfg,
		logger:    log,
		resolver:  NewResolver(store, cfg, log),
		cache:     NewResponseCache(time.Duration(cfg.CacheTTL)*time.Second, cfg.EnableResponseCache),
		depLabels: make(map[string]map[string]struct{}),
	}
}

// Resolver exposes the dependency resolver for ad-hoc discovery.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Cache exposes the response cache to the HTTP layer.
func (s *Service) Cache() *ResponseCache {
	return s.cache
}

func (s *Service) lockAgent(agentID string) func() {
	muAny, _ := s.agentLocks.LoadOrStore(agentID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Register processes a full registration or heartbeat snapshot. Both paths
// share one implementation: upsert the agent, diff the capability snapshot,
// emit a topology event when anything observable changed, then resolve
// dependencies and write the summary back.
func (s *Service) Register(ctx context.Context, req *AgentRegistration) (*RegistrationResponse, error) {
	if err := ValidateRegistration(req); err != nil {
		return nil, err
	}

	unlock := s.lockAgent(req.AgentID)
	defer unlock()

	now := time.Now().UTC()
	newCaps := capabilitiesFromRequest(req)
	deps := dependenciesFromRequest(req)

	namespace := req.Namespace
	if namespace == "" {
		namespace = "default"
	}
	name := req.Name
	if name == "" {
		name = req.AgentID
	}

	var registeredAt time.Time

	err := s.store.WithTx(ctx, func(tx *database.Tx) error {
		existing, err := tx.GetAgent(ctx, req.AgentID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		isNew := errors.Is(err, database.ErrNotFound)
		freshLifecycle := isNew || existing.Status == database.StatusEvicted

		registeredAt = now
		cursor := int64(0)
		if !freshLifecycle {
			registeredAt = existing.RegisteredAt
			cursor = existing.LastEventID
		}

		var oldCaps []database.Capability
		if !isNew {
			oldCaps, err = tx.GetCapabilities(ctx, req.AgentID)
			if err != nil {
				return err
			}
		}

		snapshotChanged := !sameSnapshot(oldCaps, newCaps)
		endpointChanged := !isNew && existing.Endpoint != req.Endpoint
		versionChanged := !isNew && existing.Version != req.Version
		recovered := !isNew && !freshLifecycle && existing.Status != database.StatusHealthy

		agent := &database.Agent{
			AgentID:         req.AgentID,
			Name:            name,
			Version:         req.Version,
			Namespace:       namespace,
			Endpoint:        req.Endpoint,
			Status:          database.StatusHealthy,
			RegisteredAt:    registeredAt,
			LastHeartbeatAt: now,
			LastEventID:     cursor,
		}
		if !isNew {
			agent.TotalDependencies = existing.TotalDependencies
			agent.DependenciesResolved = existing.DependenciesResolved
		}
		if err := tx.UpsertAgent(ctx, agent); err != nil {
			return err
		}

		if isNew || snapshotChanged || !sameDependencies(oldCaps, newCaps) {
			if err := tx.ReplaceCapabilities(ctx, req.AgentID, newCaps); err != nil {
				return err
			}
		}

		eventType := ""
		switch {
		case freshLifecycle:
			eventType = database.EventRegister
		case snapshotChanged || endpointChanged || versionChanged || recovered:
			eventType = database.EventUpdate
		}
		if eventType != "" {
			event := &database.TopologyEvent{
				EventType:            eventType,
				AgentID:              req.AgentID,
				Timestamp:            now,
				AffectedCapabilities: labelUnion(oldCaps, newCaps),
			}
			if err := tx.AppendEvent(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register agent %s: %w", req.AgentID, err)
	}

	s.setDependencyLabels(req.AgentID, deps)
	s.cache.Invalidate()

	// The event horizon is snapshotted before resolving. The cursor may only
	// acknowledge events resolution had a chance to observe; anything
	// appended during or after it still flips the next probe.
	latest, err := s.store.LatestEventID(ctx)
	if err != nil {
		return nil, err
	}

	resolvedMap, total, resolved, err := s.resolver.ResolveAll(ctx, req.AgentID, namespace, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dependencies for %s: %w", req.AgentID, err)
	}
	err = s.store.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.SetDependencyCounts(ctx, req.AgentID, total, resolved); err != nil {
			return err
		}
		return tx.SetCursor(ctx, req.AgentID, latest)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Agent %s registered: %d/%d dependencies resolved", req.AgentID, resolved, total)

	return &RegistrationResponse{
		AgentID:              req.AgentID,
		RegisteredAt:         registeredAt,
		ResolvedDependencies: resolvedMap,
		DependenciesResolved: resolved,
		TotalDependencies:    total,
	}, nil
}

// Heartbeat handles a full heartbeat. The snapshot semantics are identical
// to registration; agents send the same body on both paths.
func (s *Service) Heartbeat(ctx context.Context, req *AgentRegistration) (*RegistrationResponse, error) {
	return s.Register(ctx, req)
}

// Unregister removes the agent and its capabilities and appends an
// unregister event so consumers re-resolve.
func (s *Service) Unregister(ctx context.Context, agentID string) error {
	unlock := s.lockAgent(agentID)
	defer unlock()

	err := s.store.WithTx(ctx, func(tx *database.Tx) error {
		caps, err := tx.GetCapabilities(ctx, agentID)
		if err != nil {
			return err
		}
		if err := tx.DeleteAgent(ctx, agentID); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &database.TopologyEvent{
			EventType:            database.EventUnregister,
			AgentID:              agentID,
			AffectedCapabilities: labelSet(caps),
		})
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.ErrNotFound
		}
		return fmt.Errorf("failed to unregister agent %s: %w", agentID, err)
	}

	s.dropDependencyLabels(agentID)
	s.cache.Invalidate()
	s.logger.Info("Agent %s unregistered", agentID)
	return nil
}

// ListAgents returns the full fleet view for GET /agents.
func (s *Service) ListAgents(ctx context.Context) ([]*AgentInfo, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]*AgentInfo, 0, len(agents))
	for _, a := range agents {
		caps, err := s.store.GetCapabilities(ctx, a.AgentID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, &AgentInfo{
			AgentID:              a.AgentID,
			Name:                 a.Name,
			Version:              a.Version,
			Namespace:            a.Namespace,
			Endpoint:             a.Endpoint,
			Status:               a.Status,
			Capabilities:         labelSet(caps),
			TotalDependencies:    a.TotalDependencies,
			DependenciesResolved: a.DependenciesResolved,
			RegisteredAt:         a.RegisteredAt,
			LastHeartbeatAt:      a.LastHeartbeatAt,
		})
	}
	return infos, nil
}

// InvalidateCache drops cached list/discovery responses. The health monitor
// calls this after lifecycle transitions.
func (s *Service) InvalidateCache() {
	s.cache.Invalidate()
}

// DropAgentState forgets in-memory per-agent state after eviction.
func (s *Service) DropAgentState(agentID string) {
	s.dropDependencyLabels(agentID)
}

func (s *Service) setDependencyLabels(agentID string, deps []database.Dependency) {
	labels := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		labels[d.Capability] = struct{}{}
	}
	s.depMu.Lock()
	s.depLabels[agentID] = labels
	s.depMu.Unlock()
}

func (s *Service) dropDependencyLabels(agentID string) {
	s.depMu.Lock()
	delete(s.depLabels, agentID)
	s.depMu.Unlock()
}

// dependencyLabels returns the agent's declared dependency labels, rebuilding
// the in-memory cache from stored capability rows after a restart.
func (s *Service) dependencyLabels(ctx context.Context, agentID string) (map[string]struct{}, error) {
	s.depMu.RLock()
	labels, ok := s.depLabels[agentID]
	s.depMu.RUnlock()
	if ok {
		return labels, nil
	}

	caps, err := s.store.GetCapabilities(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var deps []database.Dependency
	for _, c := range caps {
		deps = append(deps, c.Dependencies...)
	}
	s.setDependencyLabels(agentID, deps)

	s.depMu.RLock()
	labels = s.depLabels[agentID]
	s.depMu.RUnlock()
	return labels, nil
}

func capabilitiesFromRequest(req *AgentRegistration) []database.Capability {
	caps := make([]database.Capability, 0, len(req.Tools))
	for _, tool := range req.Tools {
		version := tool.Version
		if version == "" {
			version = "1.0.0"
		}
		caps = append(caps, database.Capability{
			AgentID:      req.AgentID,
			FunctionName: tool.FunctionName,
			Capability:   tool.Capability,
			Version:      version,
			Description:  tool.Description,
			Tags:         tool.Tags,
			Dependencies: tool.Dependencies,
		})
	}
	return caps
}

func dependenciesFromRequest(req *AgentRegistration) []database.Dependency {
	var deps []database.Dependency
	for _, tool := range req.Tools {
		deps = append(deps, tool.Dependencies...)
	}
	return deps
}

// sameSnapshot compares capability sets by their snapshot identity:
// (function_name, capability, version, sorted tags).
func sameSnapshot(old, new []database.Capability) bool {
	if len(old) != len(new) {
		return false
	}
	keys := make(map[string]int, len(old))
	for _, c := range old {
		keys[c.SnapshotKey()]++
	}
	for _, c := range new {
		keys[c.SnapshotKey()]--
		if keys[c.SnapshotKey()] < 0 {
			return false
		}
	}
	return true
}

// sameDependencies compares declared dependency sets per function so a
// dependency-only change still refreshes stored rows without emitting a
// topology event.
func sameDependencies(old, new []database.Capability) bool {
	index := func(caps []database.Capability) map[string]string {
		m := make(map[string]string, len(caps))
		for _, c := range caps {
			m[c.FunctionName] = fmt.Sprintf("%+v", c.Dependencies)
		}
		return m
	}
	oldIdx, newIdx := index(old), index(new)
	if len(oldIdx) != len(newIdx) {
		return false
	}
	for fn, deps := range newIdx {
		if oldIdx[fn] != deps {
			return false
		}
	}
	return true
}

// labelSet returns the sorted distinct capability labels of a set.
func labelSet(caps []database.Capability) []string {
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		set[c.Capability] = struct{}{}
	}
	labels := make([]string, 0, len(set))
	for l := range set {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// labelUnion returns the sorted union of old and new capability labels for
// an update event.
func labelUnion(old, new []database.Capability) []string {
	return labelSet(append(append([]database.Capability{}, old...), new...))
}
