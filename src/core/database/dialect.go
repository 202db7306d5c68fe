package database

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL differences between the embedded SQLite store
// and a clustered PostgreSQL store: parameter placeholders, auto-increment
// primary keys, and datetime arithmetic. Everything else is written once in
// portable SQL (both engines accept INSERT ... ON CONFLICT upserts).
type Dialect interface {
	// Name identifies the dialect ("sqlite" or "postgres").
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// Rebind rewrites '?' placeholders into the dialect's native form.
	Rebind(query string) string

	// AutoIncrementPK is the column clause for a monotonically increasing
	// integer primary key (event ids, capability ids).
	AutoIncrementPK() string

	// AgeSeconds is an SQL expression yielding the age of a timestamp
	// column in seconds relative to the database clock.
	AgeSeconds(column string) string
}

// DialectFor selects the dialect from a DSN. URLs with a postgres scheme get
// PostgreSQL; anything else is treated as an SQLite file path.
func DialectFor(databaseURL string) Dialect {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return postgresDialect{}
	}
	return sqliteDialect{}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite3" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) AutoIncrementPK() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (sqliteDialect) AgeSeconds(column string) string {
	return fmt.Sprintf("(strftime('%%s','now') - strftime('%%s', %s))", column)
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }

// Rebind converts '?' placeholders to $1..$n, skipping quoted literals.
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inString = !inString
		}
		if c == '?' && !inString {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (postgresDialect) AutoIncrementPK() string {
	return "BIGSERIAL PRIMARY KEY"
}

func (postgresDialect) AgeSeconds(column string) string {
	return fmt.Sprintf("EXTRACT(EPOCH FROM (NOW() - %s))", column)
}
