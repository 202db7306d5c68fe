package registry

import (
	"context"
	"errors"
	"time"

	"mcp-mesh-registry/src/core/database"
)

// probeScanLimit bounds the number of events one probe inspects. Under
// steady state the cursor keeps the scan near-constant; the limit only
// matters for an agent returning after a long silence.
const probeScanLimit = 1000

// Probe answers the fast-heartbeat HEAD check for one agent. The result
// maps onto HTTP status codes: unchanged (200), topology changed (202),
// gone (410). A probe counts as liveness, so the heartbeat timestamp is
// refreshed on 200 and 202, and an unhealthy agent probing again goes back
// to healthy; the event cursor advances only on 200 so a 202 keeps firing
// until the agent sends a full heartbeat.
func (s *Service) Probe(ctx context.Context, agentID string) (ProbeResult, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, database.ErrNotFound) {
		return ProbeGone, nil
	}
	if err != nil {
		return ProbeUnchanged, err
	}
	if agent.Status == database.StatusEvicted {
		return ProbeGone, nil
	}
	recovering := agent.Status == database.StatusUnhealthy

	labels, err := s.dependencyLabels(ctx, agentID)
	if err != nil {
		return ProbeUnchanged, err
	}

	events, err := s.store.EventsAfter(ctx, agent.LastEventID, probeScanLimit)
	if err != nil {
		return ProbeUnchanged, err
	}

	changed := false
	var scannedTo int64
	for _, e := range events {
		scannedTo = e.EventID
		if e.AgentID == agentID {
			// The agent's own events never require it to re-resolve.
			continue
		}
		if e.Touches(labels) {
			changed = true
			break
		}
	}

	err = s.store.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.TouchHeartbeat(ctx, agentID, time.Now().UTC()); err != nil {
			return err
		}
		if recovering {
			caps, err := tx.GetCapabilities(ctx, agentID)
			if err != nil {
				return err
			}
			if err := tx.UpdateAgentStatus(ctx, agentID, database.StatusHealthy); err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, &database.TopologyEvent{
				EventType:            database.EventUpdate,
				AgentID:              agentID,
				AffectedCapabilities: labelSet(caps),
			}); err != nil {
				return err
			}
		}
		if !changed && scannedTo > 0 {
			return tx.SetCursor(ctx, agentID, scannedTo)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ProbeGone, nil
		}
		return ProbeUnchanged, err
	}

	if recovering {
		s.cache.Invalidate()
		s.logger.Info("Agent %s recovered on probe", agentID)
	}

	if changed {
		s.logger.Debug("Probe from %s: topology changed since event %d", agentID, agent.LastEventID)
		return ProbeTopologyChanged, nil
	}
	return ProbeUnchanged, nil
}
