package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// schemaVersion is bumped whenever migrate gains a new step.
const schemaVersion = 1

// migrate applies the schema forward. The DDL for each version and its
// schema_version row are committed in a single transaction, so an
// interrupted migration is never observed as partially applied.
func (s *Store) migrate(ctx context.Context) error {
	// The version table itself must exist before we can read it.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx,
		"SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		if err := s.applyMigration(ctx, v); err != nil {
			return fmt.Errorf("failed to apply schema version %d: %w", v, err)
		}
	}

	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int) error {
	statements, ok := migrations(s.dialect)[version]
	if !ok {
		return fmt.Errorf("unknown schema version %d", version)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("DDL failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		s.dialect.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
		version, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return tx.Commit()
}

func migrations(d Dialect) map[int][]string {
	return map[int][]string{
		1: {
			`CREATE TABLE IF NOT EXISTS agents (
				agent_id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				version TEXT NOT NULL DEFAULT '',
				namespace TEXT NOT NULL DEFAULT 'default',
				endpoint TEXT NOT NULL DEFAULT '',
				total_dependencies INTEGER NOT NULL DEFAULT 0,
				dependencies_resolved INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'healthy',
				registered_at TIMESTAMP NOT NULL,
				last_heartbeat_at TIMESTAMP NOT NULL,
				last_event_id BIGINT NOT NULL DEFAULT 0
			)`,

			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS capabilities (
				id %s,
				agent_id TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
				function_name TEXT NOT NULL,
				capability TEXT NOT NULL,
				version TEXT NOT NULL DEFAULT '1.0.0',
				description TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				dependencies TEXT NOT NULL DEFAULT '[]',
				UNIQUE(agent_id, function_name)
			)`, d.AutoIncrementPK()),

			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS topology_events (
				event_id %s,
				event_type TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				affected_capabilities TEXT NOT NULL DEFAULT '[]'
			)`, d.AutoIncrementPK()),

			"CREATE INDEX IF NOT EXISTS idx_agents_namespace ON agents(namespace)",
			"CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)",
			"CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(last_heartbeat_at)",
			"CREATE INDEX IF NOT EXISTS idx_capabilities_capability ON capabilities(capability)",
			"CREATE INDEX IF NOT EXISTS idx_capabilities_agent ON capabilities(agent_id)",
			"CREATE INDEX IF NOT EXISTS idx_events_agent ON topology_events(agent_id)",
			"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON topology_events(timestamp)",
		},
	}
}
