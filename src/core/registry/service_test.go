package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"mcp-mesh-registry/src/core/config"
	"mcp-mesh-registry/src/core/database"
	"mcp-mesh-registry/src/core/logger"
)

func newTestService(t *testing.T) (*Service, *database.Store, *config.Config) {
	t.Helper()
	cfg := config.LoadFromEnv()
	cfg.LogLevel = "ERROR"
	cfg.Database.DatabaseURL = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	cfg.Database.JournalMode = "MEMORY"
	cfg.Database.Synchronous = "OFF"
	cfg.Database.MaxOpenConnections = 1

	store, err := database.Initialize(cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewService(store, cfg, logger.New(cfg)), store, cfg
}

func provider(id, capability string, tags ...string) *AgentRegistration {
	return &AgentRegistration{
		AgentID:  id,
		Endpoint: "http://" + id + ":8080",
		Tools: []ToolSpec{{
			FunctionName: "serve",
			Capability:   capability,
			Version:      "1.0.0",
			Tags:         tags,
		}},
	}
}

func consumer(id string, dep database.Dependency) *AgentRegistration {
	return &AgentRegistration{
		AgentID:  id,
		Endpoint: "http://" + id + ":8080",
		Tools: []ToolSpec{{
			FunctionName: "consume",
			Capability:   id + "_tool",
			Version:      "1.0.0",
			Dependencies: []database.Dependency{dep},
		}},
	}
}

func eventCount(t *testing.T, store *database.Store) int {
	t.Helper()
	events, err := store.EventsAfter(context.Background(), 0, 0)
	require.NoError(t, err)
	return len(events)
}

// S1: a consumer declaring a tagged dependency resolves to the provider's
// endpoint.
func TestBasicResolve(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, provider("date-svc", "date_service", "utc"))
	require.NoError(t, err)

	resp, err := svc.Register(ctx, consumer("greeter",
		database.Dependency{Capability: "date_service", Tags: []string{"utc"}}))
	require.NoError(t, err)

	assert.Equal(t, 1, resp.TotalDependencies)
	assert.Equal(t, 1, resp.DependenciesResolved)
	resolved := resp.ResolvedDependencies["date_service"]
	require.NotNil(t, resolved)
	assert.Equal(t, "date-svc", resolved.AgentID)
	assert.Equal(t, "http://date-svc:8080", resolved.Endpoint)
	assert.Equal(t, "serve", resolved.FunctionName)
}

// S2: preferred tags dominate; losing the preferred provider falls back to
// a remaining required-tag match.
func TestPreferenceAndFallback(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, provider("p-haiku", "llm_service", "claude", "haiku"))
	require.NoError(t, err)
	_, err = svc.Register(ctx, provider("p-sonnet", "llm_service", "claude", "sonnet"))
	require.NoError(t, err)
	_, err = svc.Register(ctx, provider("p-opus", "llm_service", "claude", "opus"))
	require.NoError(t, err)

	dep := database.Dependency{
		Capability: "llm_service",
		Tags:       []string{"claude", "+opus", "-experimental"},
	}
	resp, err := svc.Register(ctx, consumer("llm-user", dep))
	require.NoError(t, err)
	require.NotNil(t, resp.ResolvedDependencies["llm_service"])
	assert.Equal(t, "p-opus", resp.ResolvedDependencies["llm_service"].AgentID)

	// Kill p-opus; make the remaining heartbeats deterministic so the
	// tie-break picks the fresher p-sonnet.
	now := time.Now().UTC()
	require.NoError(t, store.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.UpdateAgentStatus(ctx, "p-opus", database.StatusUnhealthy); err != nil {
			return err
		}
		if err := tx.TouchHeartbeat(ctx, "p-sonnet", now); err != nil {
			return err
		}
		return tx.TouchHeartbeat(ctx, "p-haiku", now.Add(-15*time.Second))
	}))

	resp, err = svc.Heartbeat(ctx, consumer("llm-user", dep))
	require.NoError(t, err)
	require.NotNil(t, resp.ResolvedDependencies["llm_service"])
	assert.Equal(t, "p-sonnet", resp.ResolvedDependencies["llm_service"].AgentID)
}

// S3: a single provider carrying an excluded tag leaves the dependency
// unresolved.
func TestExclusion(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, provider("p-exp", "llm_service", "claude", "experimental"))
	require.NoError(t, err)

	resp, err := svc.Register(ctx, consumer("picky",
		database.Dependency{Capability: "llm_service", Tags: []string{"claude", "-experimental"}}))
	require.NoError(t, err)

	assert.Equal(t, 1, resp.TotalDependencies)
	assert.Equal(t, 0, resp.DependenciesResolved)
	assert.Empty(t, resp.ResolvedDependencies)
}

// Registering the same snapshot twice leaves stored state unchanged and
// emits no second event.
func TestIdempotentRegistration(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	req := provider("date-svc", "date_service", "utc")
	_, err := svc.Register(ctx, req)
	require.NoError(t, err)
	events := eventCount(t, store)
	caps, err := store.GetCapabilities(ctx, "date-svc")
	require.NoError(t, err)

	_, err = svc.Register(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, events, eventCount(t, store), "identical snapshot must not emit an event")
	caps2, err := store.GetCapabilities(ctx, "date-svc")
	require.NoError(t, err)
	assert.Equal(t, len(caps), len(caps2))
}

// Property: idempotence holds for arbitrary generated snapshots.
func TestIdempotentRegistrationProperty(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	nameGen := rapid.StringMatching(`[a-z][a-z0-9]{2,8}`)
	rapid.Check(t, func(rt *rapid.T) {
		agentID := "agent-" + nameGen.Draw(rt, "id")
		n := rapid.IntRange(0, 4).Draw(rt, "tools")
		tools := make([]ToolSpec, 0, n)
		for i := 0; i < n; i++ {
			tools = append(tools, ToolSpec{
				FunctionName: fmt.Sprintf("fn_%d", i),
				Capability:   nameGen.Draw(rt, "cap"),
				Version:      "1.0.0",
				Tags:         rapid.SliceOfN(nameGen, 0, 3).Draw(rt, "tags"),
			})
		}
		req := &AgentRegistration{AgentID: agentID, Endpoint: "http://x:1", Tools: tools}

		_, err := svc.Register(ctx, req)
		require.NoError(rt, err)
		before := eventCount(t, store)

		resp, err := svc.Register(ctx, req)
		require.NoError(rt, err)
		assert.Equal(rt, before, eventCount(t, store))
		assert.Equal(rt, agentID, resp.AgentID)
	})
}

// The cursor written back after registration acknowledges exactly the
// events that existed when resolution started; anything appended later
// must still flip the next probe.
func TestRegistrationCursorStopsAtResolutionSnapshot(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	dep := database.Dependency{Capability: "llm_service"}
	resp, err := svc.Register(ctx, consumer("greeter", dep))
	require.NoError(t, err)
	assert.Equal(t, 0, resp.DependenciesResolved)

	agent, err := store.GetAgent(ctx, "greeter")
	require.NoError(t, err)
	latest, err := store.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, agent.LastEventID)

	require.NoError(t, store.WithTx(ctx, func(tx *database.Tx) error {
		return tx.AppendEvent(ctx, &database.TopologyEvent{
			EventType:            database.EventRegister,
			AgentID:              "p1",
			AffectedCapabilities: []string{"llm_service"},
		})
	}))

	result, err := svc.Probe(ctx, "greeter")
	require.NoError(t, err)
	assert.Equal(t, ProbeTopologyChanged, result)
}

func TestEndpointChangeEmitsUpdateEvent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	req := provider("date-svc", "date_service", "utc")
	_, err := svc.Register(ctx, req)
	require.NoError(t, err)
	before := eventCount(t, store)

	req.Endpoint = "http://date-svc:9999"
	_, err = svc.Register(ctx, req)
	require.NoError(t, err)

	events, err := store.EventsAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, before+1)
	last := events[len(events)-1]
	assert.Equal(t, database.EventUpdate, last.EventType)
	assert.Equal(t, []string{"date_service"}, last.AffectedCapabilities)
}

func TestDuplicateFunctionNameRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Register(context.Background(), &AgentRegistration{
		AgentID: "dup",
		Tools: []ToolSpec{
			{FunctionName: "f", Capability: "a"},
			{FunctionName: "f", Capability: "b"},
		},
	})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "duplicate_function_name", vErr.Code)
}

// S5: an evicted agent re-registers into a fresh healthy lifecycle.
func TestEvictedAgentReRegisters(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	req := provider("a1", "date_service", "utc")
	_, err := svc.Register(ctx, req)
	require.NoError(t, err)

	require.NoError(t, store.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.UpdateAgentStatus(ctx, "a1", database.StatusEvicted); err != nil {
			return err
		}
		return tx.DeleteCapabilities(ctx, "a1")
	}))

	result, err := svc.Probe(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, ProbeGone, result)

	resp, err := svc.Register(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "a1", resp.AgentID)

	agent, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, database.StatusHealthy, agent.Status)

	events, err := store.EventsAfter(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, database.EventRegister, events[len(events)-1].EventType,
		"re-registration after eviction starts a fresh lifecycle")
}

// Resolver determinism: same candidates, same heartbeats, same answer.
func TestResolverDeterminism(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"p-a", "p-b", "p-c"} {
		_, err := svc.Register(ctx, provider(id, "llm_service", "claude"))
		require.NoError(t, err)
		require.NoError(t, store.WithTx(ctx, func(tx *database.Tx) error {
			return tx.TouchHeartbeat(ctx, id, now)
		}))
	}

	dep := database.Dependency{Capability: "llm_service", Tags: []string{"claude"}}
	first, err := svc.Resolver().Resolve(ctx, "", "default", dep)
	require.NoError(t, err)
	require.NotNil(t, first)
	for i := 0; i < 5; i++ {
		again, err := svc.Resolver().Resolve(ctx, "", "default", dep)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, first.AgentID, again.AgentID)
	}
	// Identical scores and heartbeats: ascending agent id wins.
	assert.Equal(t, "p-a", first.AgentID)
}

func TestSelfResolutionRequiresExplicitNamespace(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := &AgentRegistration{
		AgentID:   "loop",
		Namespace: "default",
		Endpoint:  "http://loop:8080",
		Tools: []ToolSpec{{
			FunctionName: "serve",
			Capability:   "echo_service",
			Version:      "1.0.0",
			Dependencies: []database.Dependency{{Capability: "echo_service"}},
		}},
	}
	resp, err := svc.Register(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.DependenciesResolved, "implicit namespace never self-resolves")

	req.Tools[0].Dependencies[0].Namespace = "default"
	resp, err = svc.Register(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, resp.DependenciesResolved)
	assert.Equal(t, "loop", resp.ResolvedDependencies["echo_service"].AgentID)
}

func TestUnregister(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, provider("a1", "date_service"))
	require.NoError(t, err)

	require.NoError(t, svc.Unregister(ctx, "a1"))
	_, err = store.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	events, err := store.EventsAfter(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, database.EventUnregister, events[len(events)-1].EventType)

	assert.ErrorIs(t, svc.Unregister(ctx, "a1"), database.ErrNotFound)
}

func TestListAgents(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, provider("a1", "date_service", "utc"))
	require.NoError(t, err)
	_, err = svc.Register(ctx, provider("a2", "time_service"))
	require.NoError(t, err)

	infos, err := svc.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a1", infos[0].AgentID)
	assert.Equal(t, []string{"date_service"}, infos[0].Capabilities)
	assert.Equal(t, database.StatusHealthy, infos[0].Status)
}
