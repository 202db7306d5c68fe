package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"mcp-mesh-registry/src/core/config"
)

// Store wraps the registry's SQL store. Reads go straight to the pool;
// writes are serialized through writeMu and run inside WithTx so the
// snapshot-diff-then-append-event sequence is atomic per agent.
type Store struct {
	db      *sql.DB
	dialect Dialect

	// writeMu serializes write transactions. SQLite allows a single writer
	// anyway; doing it in process keeps lock contention out of the driver
	// and gives PostgreSQL the same per-registry event ordering.
	writeMu sync.Mutex
}

// Initialize opens the store, configures the connection pool and applies
// pending schema migrations.
func Initialize(cfg *config.DatabaseConfig) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}

	dialect := DialectFor(cfg.DatabaseURL)

	dsn := cfg.DatabaseURL
	if dialect.Name() == "sqlite" {
		dsn = sqliteDSN(cfg)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db, dialect: dialect}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return store, nil
}

// sqliteDSN encodes the SQLite pragmas into the DSN so every pooled
// connection picks them up, not just the first.
func sqliteDSN(cfg *config.DatabaseConfig) string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout),
		fmt.Sprintf("_journal_mode=%s", cfg.JournalMode),
		fmt.Sprintf("_synchronous=%s", cfg.Synchronous),
	}
	if cfg.EnableForeignKeys {
		params = append(params, "_foreign_keys=on")
	}
	sep := "?"
	if strings.Contains(cfg.DatabaseURL, "?") {
		sep = "&"
	}
	return cfg.DatabaseURL + sep + strings.Join(params, "&")
}

// Dialect exposes the active dialect (tests and diagnostics).
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetStats returns row counts for the operational endpoints.
func (s *Store) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"dialect": s.dialect.Name(),
	}

	counts := map[string]string{
		"agents_total":    "SELECT COUNT(*) FROM agents",
		"agents_healthy":  "SELECT COUNT(*) FROM agents WHERE status = 'healthy'",
		"capabilities":    "SELECT COUNT(*) FROM capabilities",
		"topology_events": "SELECT COUNT(*) FROM topology_events",
	}
	for name, query := range counts {
		var n int64
		if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		stats[name] = n
	}

	return stats, nil
}
