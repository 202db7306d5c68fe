package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-mesh-registry/src/core/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.DatabaseConfig{
		// Shared-cache memory DB so every pooled connection sees one schema.
		DatabaseURL:        fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		BusyTimeout:        5000,
		JournalMode:        "MEMORY",
		Synchronous:        "OFF",
		EnableForeignKeys:  true,
		MaxOpenConnections: 1,
		MaxIdleConnections: 1,
		ConnMaxLifetime:    300,
	}
	store, err := Initialize(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testAgent(id string, heartbeat time.Time) *Agent {
	return &Agent{
		AgentID:         id,
		Name:            id,
		Version:         "1.0.0",
		Namespace:       "default",
		Endpoint:        "http://" + id + ":8080",
		Status:          StatusHealthy,
		RegisteredAt:    heartbeat,
		LastHeartbeatAt: heartbeat,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.migrate(context.Background()))
	require.NoError(t, store.migrate(context.Background()))
}

func TestUpsertAndGetAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	agent := testAgent("agent-1", now)
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpsertAgent(ctx, agent)
	}))

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Equal(t, "http://agent-1:8080", got.Endpoint)

	// Upsert replaces mutable columns.
	agent.Endpoint = "http://agent-1:9090"
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpsertAgent(ctx, agent)
	}))
	got, err = store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "http://agent-1:9090", got.Endpoint)

	_, err = store.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceCapabilities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertAgent(ctx, testAgent("a1", now)); err != nil {
			return err
		}
		return tx.ReplaceCapabilities(ctx, "a1", []Capability{
			{AgentID: "a1", FunctionName: "get_date", Capability: "date_service",
				Version: "1.0.0", Tags: []string{"utc"},
				Dependencies: []Dependency{{Capability: "tz_service"}}},
			{AgentID: "a1", FunctionName: "get_time", Capability: "time_service", Version: "2.1.0"},
		})
	}))

	caps, err := store.GetCapabilities(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Equal(t, "get_date", caps[0].FunctionName)
	assert.Equal(t, []string{"utc"}, caps[0].Tags)
	require.Len(t, caps[0].Dependencies, 1)
	assert.Equal(t, "tz_service", caps[0].Dependencies[0].Capability)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.ReplaceCapabilities(ctx, "a1", []Capability{
			{AgentID: "a1", FunctionName: "get_date", Capability: "date_service", Version: "1.1.0"},
		})
	}))
	caps, err = store.GetCapabilities(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "1.1.0", caps[0].Version)
}

func TestAppendEventAssignsMonotonicIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		event := &TopologyEvent{
			EventType:            EventUpdate,
			AgentID:              "a1",
			AffectedCapabilities: []string{"date_service"},
		}
		require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
			return tx.AppendEvent(ctx, event)
		}))
		ids = append(ids, event.EventID)
	}
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	latest, err := store.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest)

	events, err := store.EventsAfter(ctx, ids[0], 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ids[1], events[0].EventID)
	assert.Equal(t, []string{"date_service"}, events[0].AffectedCapabilities)
}

func TestFindProvidersFiltersStatusAndFreshness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		fresh := testAgent("fresh", now)
		stale := testAgent("stale", now.Add(-5*time.Minute))
		sick := testAgent("sick", now)
		sick.Status = StatusUnhealthy
		for _, a := range []*Agent{fresh, stale, sick} {
			if err := tx.UpsertAgent(ctx, a); err != nil {
				return err
			}
			err := tx.ReplaceCapabilities(ctx, a.AgentID, []Capability{{
				AgentID: a.AgentID, FunctionName: "f", Capability: "date_service",
				Version: "1.0.0", Tags: []string{"utc"},
			}})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	providers, err := store.FindProviders(ctx, "date_service", "default", 20*time.Second)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "fresh", providers[0].AgentID)
	assert.Equal(t, []string{"utc"}, providers[0].Tags)

	// No namespace filter still excludes stale and unhealthy rows.
	providers, err = store.FindProviders(ctx, "date_service", "", 20*time.Second)
	require.NoError(t, err)
	require.Len(t, providers, 1)

	providers, err = store.FindProviders(ctx, "date_service", "other", 20*time.Second)
	require.NoError(t, err)
	assert.Empty(t, providers)
}

func TestCursorOnlyMovesForward(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertAgent(ctx, testAgent("a1", now)); err != nil {
			return err
		}
		if err := tx.SetCursor(ctx, "a1", 7); err != nil {
			return err
		}
		return tx.SetCursor(ctx, "a1", 3)
	}))

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.LastEventID)
}

func TestAgentsStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertAgent(ctx, testAgent("alive", now)); err != nil {
			return err
		}
		return tx.UpsertAgent(ctx, testAgent("silent", now.Add(-2*time.Minute)))
	}))

	stale, err := store.AgentsStale(ctx, StatusHealthy, 20*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "silent", stale[0].AgentID)
}

func TestDeleteAgentCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertAgent(ctx, testAgent("a1", now)); err != nil {
			return err
		}
		return tx.ReplaceCapabilities(ctx, "a1", []Capability{{
			AgentID: "a1", FunctionName: "f", Capability: "c", Version: "1.0.0",
		}})
	}))

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteAgent(ctx, "a1")
	}))

	_, err := store.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	caps, err := store.GetCapabilities(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, caps)

	err = store.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteAgent(ctx, "a1")
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &TopologyEvent{EventType: EventRegister, AgentID: "a1",
		Timestamp: time.Now().UTC().Add(-time.Hour)}
	recent := &TopologyEvent{EventType: EventUpdate, AgentID: "a1"}
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.AppendEvent(ctx, old); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, recent)
	}))

	pruned, err := store.PruneEvents(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	events, err := store.EventsAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recent.EventID, events[0].EventID)
}

func TestDialectSelection(t *testing.T) {
	assert.Equal(t, "postgres", DialectFor("postgres://u:p@db/mesh").Name())
	assert.Equal(t, "postgres", DialectFor("postgresql://u:p@db/mesh").Name())
	assert.Equal(t, "sqlite", DialectFor("mcp_mesh_registry.db").Name())
}

func TestPostgresRebind(t *testing.T) {
	d := postgresDialect{}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2",
		d.Rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	// Placeholders inside string literals stay untouched.
	assert.Equal(t, "SELECT '?' , a FROM t WHERE b = $1",
		d.Rebind("SELECT '?' , a FROM t WHERE b = ?"))
}
