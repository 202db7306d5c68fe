package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const agentColumns = `agent_id, name, version, namespace, endpoint,
	total_dependencies, dependencies_resolved, status,
	registered_at, last_heartbeat_at, last_event_id`

// Tx exposes the write operations available inside a store transaction.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// WithTx runs fn inside a write transaction. Transactions are serialized in
// process and retried with exponential backoff when the engine reports a
// lock or serialization conflict, so callers never see transient lock
// errors.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	operation := func() (struct{}, error) {
		err := s.runTx(ctx, fn)
		if err != nil && !isLockError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5))
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&Tx{tx: tx, dialect: s.dialect}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isLockError reports whether the error is a transient lock/serialization
// failure worth retrying (SQLite busy/locked, PostgreSQL 40001/40P01).
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "deadlock detected")
}

// UpsertAgent inserts the agent row or replaces every mutable column of an
// existing one. Registration always resets the row wholesale; partial
// updates go through the narrower setters.
func (t *Tx) UpsertAgent(ctx context.Context, agent *Agent) error {
	query := t.dialect.Rebind(`INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			namespace = excluded.namespace,
			endpoint = excluded.endpoint,
			total_dependencies = excluded.total_dependencies,
			dependencies_resolved = excluded.dependencies_resolved,
			status = excluded.status,
			registered_at = excluded.registered_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			last_event_id = excluded.last_event_id`)

	_, err := t.tx.ExecContext(ctx, query,
		agent.AgentID, agent.Name, agent.Version, agent.Namespace, agent.Endpoint,
		agent.TotalDependencies, agent.DependenciesResolved, agent.Status,
		agent.RegisteredAt.UTC(), agent.LastHeartbeatAt.UTC(), agent.LastEventID)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agent.AgentID, err)
	}
	return nil
}

// GetAgent fetches an agent row inside the transaction.
func (t *Tx) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := t.tx.QueryRowContext(ctx,
		t.dialect.Rebind("SELECT "+agentColumns+" FROM agents WHERE agent_id = ?"), agentID)
	return scanAgent(row)
}

// GetCapabilities returns the agent's capability rows inside the
// transaction, ordered by function name.
func (t *Tx) GetCapabilities(ctx context.Context, agentID string) ([]Capability, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.Rebind(
		`SELECT id, agent_id, function_name, capability, version, description, tags, dependencies
		 FROM capabilities WHERE agent_id = ? ORDER BY function_name`), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query capabilities for %s: %w", agentID, err)
	}
	defer rows.Close()
	return collectCapabilities(rows)
}

// ReplaceCapabilities replaces the agent's capability set wholesale.
func (t *Tx) ReplaceCapabilities(ctx context.Context, agentID string, caps []Capability) error {
	if _, err := t.tx.ExecContext(ctx,
		t.dialect.Rebind("DELETE FROM capabilities WHERE agent_id = ?"), agentID); err != nil {
		return fmt.Errorf("failed to clear capabilities for %s: %w", agentID, err)
	}

	insert := t.dialect.Rebind(`INSERT INTO capabilities
		(agent_id, function_name, capability, version, description, tags, dependencies)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, c := range caps {
		if _, err := t.tx.ExecContext(ctx, insert,
			agentID, c.FunctionName, c.Capability, c.Version, c.Description,
			marshalTags(c.Tags), marshalDependencies(c.Dependencies)); err != nil {
			return fmt.Errorf("failed to insert capability %s/%s: %w", agentID, c.FunctionName, err)
		}
	}
	return nil
}

// DeleteCapabilities removes every capability row for the agent. Used by the
// eviction cascade so evicted agents stop matching as providers immediately.
func (t *Tx) DeleteCapabilities(ctx context.Context, agentID string) error {
	_, err := t.tx.ExecContext(ctx,
		t.dialect.Rebind("DELETE FROM capabilities WHERE agent_id = ?"), agentID)
	if err != nil {
		return fmt.Errorf("failed to delete capabilities for %s: %w", agentID, err)
	}
	return nil
}

// AppendEvent appends a topology event and fills in its assigned event id.
func (t *Tx) AppendEvent(ctx context.Context, event *TopologyEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	query := t.dialect.Rebind(`INSERT INTO topology_events
		(event_type, agent_id, timestamp, affected_capabilities)
		VALUES (?, ?, ?, ?) RETURNING event_id`)
	err := t.tx.QueryRowContext(ctx, query,
		event.EventType, event.AgentID, event.Timestamp.UTC(),
		marshalTags(event.AffectedCapabilities)).Scan(&event.EventID)
	if err != nil {
		return fmt.Errorf("failed to append %s event for %s: %w", event.EventType, event.AgentID, err)
	}
	return nil
}

// UpdateAgentStatus sets the agent's lifecycle status.
func (t *Tx) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	res, err := t.tx.ExecContext(ctx,
		t.dialect.Rebind("UPDATE agents SET status = ? WHERE agent_id = ?"), status, agentID)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDependencyCounts records the resolution summary written back after the
// resolver runs.
func (t *Tx) SetDependencyCounts(ctx context.Context, agentID string, total, resolved int) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.Rebind(
		"UPDATE agents SET total_dependencies = ?, dependencies_resolved = ? WHERE agent_id = ?"),
		total, resolved, agentID)
	if err != nil {
		return fmt.Errorf("failed to set dependency counts for %s: %w", agentID, err)
	}
	return nil
}

// SetCursor advances the agent's topology-event cursor. The cursor only
// moves forward; a stale write is a no-op.
func (t *Tx) SetCursor(ctx context.Context, agentID string, eventID int64) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.Rebind(
		"UPDATE agents SET last_event_id = ? WHERE agent_id = ? AND last_event_id < ?"),
		eventID, agentID, eventID)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", agentID, err)
	}
	return nil
}

// TouchHeartbeat refreshes the agent's heartbeat timestamp.
func (t *Tx) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.dialect.Rebind(
		"UPDATE agents SET last_heartbeat_at = ? WHERE agent_id = ?"), at.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat for %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes the agent row and its capabilities.
func (t *Tx) DeleteAgent(ctx context.Context, agentID string) error {
	// Explicit cascade; SQLite foreign keys may be off in exotic setups.
	if err := t.DeleteCapabilities(ctx, agentID); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		t.dialect.Rebind("DELETE FROM agents WHERE agent_id = ?"), agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgent fetches an agent row outside any transaction.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.Rebind("SELECT "+agentColumns+" FROM agents WHERE agent_id = ?"), agentID)
	return scanAgent(row)
}

// ListAgents returns every agent row ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// GetCapabilities returns the agent's capability rows ordered by function
// name.
func (s *Store) GetCapabilities(ctx context.Context, agentID string) ([]Capability, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT id, agent_id, function_name, capability, version, description, tags, dependencies
		 FROM capabilities WHERE agent_id = ? ORDER BY function_name`), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query capabilities for %s: %w", agentID, err)
	}
	defer rows.Close()
	return collectCapabilities(rows)
}

// FindProviders returns healthy providers of the capability label whose
// heartbeat is younger than freshWithin. An empty namespace matches all
// namespaces. Rows come back newest-heartbeat first with agent id as the
// tiebreak, mirroring the resolver's ordering.
func (s *Store) FindProviders(ctx context.Context, capability, namespace string, freshWithin time.Duration) ([]*Provider, error) {
	query := fmt.Sprintf(`SELECT c.agent_id, c.function_name, c.capability, c.version, c.tags,
			a.namespace, a.endpoint, a.status, a.last_heartbeat_at
		FROM capabilities c
		JOIN agents a ON a.agent_id = c.agent_id
		WHERE c.capability = ? AND a.status = ? AND %s <= ?`,
		s.dialect.AgeSeconds("a.last_heartbeat_at"))
	args := []interface{}{capability, StatusHealthy, int64(freshWithin.Seconds())}
	if namespace != "" {
		query += " AND a.namespace = ?"
		args = append(args, namespace)
	}
	query += " ORDER BY a.last_heartbeat_at DESC, c.agent_id ASC"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers of %s: %w", capability, err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		var p Provider
		var tags string
		if err := rows.Scan(&p.AgentID, &p.FunctionName, &p.Capability, &p.Version, &tags,
			&p.Namespace, &p.Endpoint, &p.Status, &p.LastHeartbeatAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider row: %w", err)
		}
		p.Tags = unmarshalTags(tags)
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}

// EventsAfter returns up to limit topology events with ids greater than
// afterID, in id order.
func (s *Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]*TopologyEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT event_id, event_type, agent_id, timestamp, affected_capabilities
		 FROM topology_events WHERE event_id > ? ORDER BY event_id ASC LIMIT ?`),
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events after %d: %w", afterID, err)
	}
	defer rows.Close()

	var events []*TopologyEvent
	for rows.Next() {
		var e TopologyEvent
		var affected string
		if err := rows.Scan(&e.EventID, &e.EventType, &e.AgentID, &e.Timestamp, &affected); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.AffectedCapabilities = unmarshalTags(affected)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// LatestEventID returns the highest assigned topology event id, or 0 when
// the log is empty.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(event_id) FROM topology_events").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest event id: %w", err)
	}
	return id.Int64, nil
}

// AgentsStale returns agents in the given status whose heartbeat is older
// than the threshold. The health monitor drives both lifecycle transitions
// off this query.
func (s *Store) AgentsStale(ctx context.Context, status string, olderThan time.Duration) ([]*Agent, error) {
	query := fmt.Sprintf("SELECT %s FROM agents WHERE status = ? AND %s > ? ORDER BY agent_id",
		agentColumns, s.dialect.AgeSeconds("last_heartbeat_at"))
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query),
		status, int64(olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale %s agents: %w", status, err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// PruneEvents deletes topology events older than the retention window and
// returns how many were removed.
func (s *Store) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	var pruned int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		query := fmt.Sprintf("DELETE FROM topology_events WHERE %s > ?",
			s.dialect.AgeSeconds("timestamp"))
		res, err := tx.tx.ExecContext(ctx, s.dialect.Rebind(query), int64(retention.Seconds()))
		if err != nil {
			return fmt.Errorf("failed to prune events: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.AgentID, &a.Name, &a.Version, &a.Namespace, &a.Endpoint,
		&a.TotalDependencies, &a.DependenciesResolved, &a.Status,
		&a.RegisteredAt, &a.LastHeartbeatAt, &a.LastEventID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent row: %w", err)
	}
	return &a, nil
}

func collectCapabilities(rows *sql.Rows) ([]Capability, error) {
	var caps []Capability
	for rows.Next() {
		var c Capability
		var tags, deps string
		if err := rows.Scan(&c.ID, &c.AgentID, &c.FunctionName, &c.Capability,
			&c.Version, &c.Description, &tags, &deps); err != nil {
			return nil, fmt.Errorf("failed to scan capability row: %w", err)
		}
		c.Tags = unmarshalTags(tags)
		c.Dependencies = unmarshalDependencies(deps)
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func marshalDependencies(deps []Dependency) string {
	if deps == nil {
		deps = []Dependency{}
	}
	data, _ := json.Marshal(deps)
	return string(data)
}

func unmarshalDependencies(data string) []Dependency {
	if data == "" {
		return nil
	}
	var deps []Dependency
	if err := json.Unmarshal([]byte(data), &deps); err != nil {
		return nil
	}
	return deps
}
