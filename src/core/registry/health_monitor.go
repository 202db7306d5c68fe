package registry

import (
	"context"
	"sync"
	"time"

	"mcp-mesh-registry/src/core/config"
	"mcp-mesh-registry/src/core/database"
	"mcp-mesh-registry/src/core/logger"
)

// HealthMonitor is the single background task driving the agent lifecycle
// state machine off heartbeat recency: healthy agents past the timeout
// threshold go unhealthy, unhealthy agents past the eviction threshold get
// evicted with their capabilities removed, and evicted rows plus old
// topology events are eventually pruned.
type HealthMonitor struct {
	store   *database.Store
	config  *config.Config
	logger  *logger.Logger
	service *Service

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewHealthMonitor creates a health monitor. The service reference is used
// to invalidate caches and drop in-memory agent state on transitions.
func NewHealthMonitor(store *database.Store, cfg *config.Config, log *logger.Logger, svc *Service) *HealthMonitor {
	return &HealthMonitor{
		store:    store,
		config:   cfg,
		logger:   log,
		service:  svc,
		stopChan: make(chan struct{}),
	}
}

// Start launches the scan loop.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true

	interval := time.Duration(h.config.HealthCheckInterval) * time.Second
	h.logger.Info("Health monitor started (interval %s, timeout %s, eviction %s)",
		interval, h.config.TimeoutThreshold(), h.config.EvictionThreshold())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopChan:
				return
			case <-ticker.C:
				h.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for the current scan to finish.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	close(h.stopChan)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("Health monitor stopped")
}

// RunOnce performs a single scan. Stages run in reverse lifecycle order so
// an agent moves at most one state per scan: a row marked unhealthy in this
// pass is not seen by the eviction stage until the next one. Exposed so
// tests can drive transitions without waiting on the ticker.
func (h *HealthMonitor) RunOnce(ctx context.Context) {
	h.pruneEvicted(ctx)
	h.evict(ctx)
	h.markUnhealthy(ctx)
	h.pruneEvents(ctx)
}

// markUnhealthy moves stale healthy agents to unhealthy, one transaction
// per agent so a failure never leaves a half-applied transition.
func (h *HealthMonitor) markUnhealthy(ctx context.Context) {
	stale, err := h.store.AgentsStale(ctx, database.StatusHealthy, h.config.TimeoutThreshold())
	if err != nil {
		h.logger.Error("Health scan failed to query stale agents: %v", err)
		return
	}

	for _, agent := range stale {
		agentID := agent.AgentID
		err := h.store.WithTx(ctx, func(tx *database.Tx) error {
			caps, err := tx.GetCapabilities(ctx, agentID)
			if err != nil {
				return err
			}
			if err := tx.UpdateAgentStatus(ctx, agentID, database.StatusUnhealthy); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, &database.TopologyEvent{
				EventType:            database.EventUnhealthy,
				AgentID:              agentID,
				AffectedCapabilities: labelSet(caps),
			})
		})
		if err != nil {
			h.logger.Error("Failed to mark agent %s unhealthy: %v", agentID, err)
			continue
		}
		h.logger.Warning("Agent %s marked unhealthy (last heartbeat %s)",
			agentID, agent.LastHeartbeatAt.Format(time.RFC3339))
		h.service.InvalidateCache()
	}
}

// evict moves long-stale unhealthy agents to evicted. Capability rows are
// removed in the same transaction so the agent stops matching as a provider
// atomically with the transition.
func (h *HealthMonitor) evict(ctx context.Context) {
	stale, err := h.store.AgentsStale(ctx, database.StatusUnhealthy, h.config.EvictionThreshold())
	if err != nil {
		h.logger.Error("Health scan failed to query eviction candidates: %v", err)
		return
	}

	for _, agent := range stale {
		agentID := agent.AgentID
		err := h.store.WithTx(ctx, func(tx *database.Tx) error {
			caps, err := tx.GetCapabilities(ctx, agentID)
			if err != nil {
				return err
			}
			if err := tx.UpdateAgentStatus(ctx, agentID, database.StatusEvicted); err != nil {
				return err
			}
			if err := tx.DeleteCapabilities(ctx, agentID); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, &database.TopologyEvent{
				EventType:            database.EventEvicted,
				AgentID:              agentID,
				AffectedCapabilities: labelSet(caps),
			})
		})
		if err != nil {
			h.logger.Error("Failed to evict agent %s: %v", agentID, err)
			continue
		}
		h.logger.Warning("Agent %s evicted", agentID)
		h.service.DropAgentState(agentID)
		h.service.InvalidateCache()
	}
}

// pruneEvicted deletes evicted agent rows after the grace window. The row is
// kept around first so probes from the dead agent get a 410 instead of a
// silent 404.
func (h *HealthMonitor) pruneEvicted(ctx context.Context) {
	grace := h.config.EventRetention()
	stale, err := h.store.AgentsStale(ctx, database.StatusEvicted, grace)
	if err != nil {
		h.logger.Error("Health scan failed to query evicted agents: %v", err)
		return
	}

	for _, agent := range stale {
		agentID := agent.AgentID
		err := h.store.WithTx(ctx, func(tx *database.Tx) error {
			return tx.DeleteAgent(ctx, agentID)
		})
		if err != nil {
			h.logger.Error("Failed to delete evicted agent %s: %v", agentID, err)
			continue
		}
		h.logger.Info("Evicted agent %s deleted after grace period", agentID)
	}
}

// pruneEvents trims the topology log to the retention window.
func (h *HealthMonitor) pruneEvents(ctx context.Context) {
	pruned, err := h.store.PruneEvents(ctx, h.config.EventRetention())
	if err != nil {
		h.logger.Error("Failed to prune topology events: %v", err)
		return
	}
	if pruned > 0 {
		h.logger.Debug("Pruned %d topology events past retention", pruned)
	}
}
