package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresAdapter pools connections via database/sql over pgx's stdlib
// driver, and separately hands out dedicated pgx.Conn values for the
// streamer's LISTEN/NOTIFY use — a plain pooled *sql.Conn cannot safely
// host a long-lived LISTEN session because the pool may recycle it.
type postgresAdapter struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

func newPostgresAdapter(dsn string) *postgresAdapter {
	return &postgresAdapter{dsn: dsn}
}

func (a *postgresAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}

	db, err := sql.Open("pgx", a.dsn)
	if err != nil {
		return fmt.Errorf("db: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("db: ping postgres: %w", err)
	}

	a.db = db
	return nil
}

func (a *postgresAdapter) IsHealthy(ctx context.Context) bool {
	a.mu.Lock()
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return false
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false
	}
	return one == 1
}

func (a *postgresAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *postgresAdapter) DB() *sql.DB {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db
}

func (a *postgresAdapter) Backend() Backend { return Postgres }

// AcquireListenConn opens a fresh, unpooled pgx connection for a single
// LISTEN session. The caller owns the connection and must Close it.
func (a *postgresAdapter) AcquireListenConn(ctx context.Context) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(a.dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse postgres dsn: %w", err)
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: dedicated listen connection: %w", err)
	}
	return conn, nil
}

// ListenConnFor type-asserts a generic Adapter into something that can hand
// out dedicated LISTEN/NOTIFY connections, used by the postgres streamer
// and queue. It returns false for MySQL/SQLite adapters.
func ListenConnFor(a Adapter) (interface {
	AcquireListenConn(ctx context.Context) (*pgx.Conn, error)
}, bool) {
	pa, ok := a.(*postgresAdapter)
	return pa, ok
}
