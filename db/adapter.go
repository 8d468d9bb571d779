// Package db opens and health-checks the pooled connection to whichever
// relational back-end World is configured for, and hands out a plain
// *sql.DB for every other component to borrow per-call.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Backend identifies which of the three supported relational back-ends an
// Adapter talks to.
type Backend string

const (
	Postgres Backend = "postgres"
	MySQL    Backend = "mysql"
	SQLite   Backend = "sqlite"
)

// DetectBackend infers the Backend from a connection string, the same
// auto-detection rule spec.md section 4.5 assigns to Config.DatabaseType:
// "postgres://" or "postgresql://" is PostgreSQL, "mysql://" is MySQL,
// and anything else — including ":memory:" and bare file paths — is
// SQLite.
func DetectBackend(connectionString string) Backend {
	switch {
	case strings.HasPrefix(connectionString, "postgres://"), strings.HasPrefix(connectionString, "postgresql://"):
		return Postgres
	case strings.HasPrefix(connectionString, "mysql://"):
		return MySQL
	default:
		return SQLite
	}
}

// Adapter opens or validates a connection pool, exposes the pool for
// typed queries, and answers liveness probes. disconnect drains the pool.
type Adapter interface {
	// Connect opens or validates the pool. For file-backed back-ends it
	// also enables WAL journaling so concurrent readers don't block the
	// writer. Safe to call more than once.
	Connect(ctx context.Context) error

	// IsHealthy issues a trivial liveness probe and reports the result
	// without returning an error — callers that need the failure detail
	// should inspect logs, not this return value.
	IsHealthy(ctx context.Context) bool

	// Disconnect drains the pool and closes all handles.
	Disconnect(ctx context.Context) error

	// DB returns the underlying pool for components that run their own
	// queries. Valid only after a successful Connect.
	DB() *sql.DB

	// Backend reports which back-end this adapter talks to.
	Backend() Backend
}

// New constructs the Adapter matching backend, wired to connectionString.
// It does not connect; call Connect before using DB().
func New(backend Backend, connectionString string) (Adapter, error) {
	switch backend {
	case Postgres:
		return newPostgresAdapter(connectionString), nil
	case MySQL:
		return newMySQLAdapter(connectionString), nil
	case SQLite:
		return newSQLiteAdapter(connectionString), nil
	default:
		return nil, fmt.Errorf("db: unknown backend %q", backend)
	}
}
