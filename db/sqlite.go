package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// sqliteAdapter is a single-file handle with WAL journaling enabled, the
// same configuration the teacher applies in graph/store/sqlite.go:
// exactly one open connection (SQLite allows only one writer), WAL mode
// for concurrent readers, and a busy timeout so lock contention waits
// instead of failing immediately.
type sqliteAdapter struct {
	path string

	mu     sync.Mutex
	db     *sql.DB
	health *sql.Stmt
}

func newSQLiteAdapter(path string) *sqliteAdapter {
	return &sqliteAdapter{path: path}
}

func (a *sqliteAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", a.path)
	if err != nil {
		return fmt.Errorf("db: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return fmt.Errorf("db: enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return fmt.Errorf("db: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("db: enable foreign keys: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, "SELECT 1")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("db: prepare health probe: %w", err)
	}

	a.db = db
	a.health = stmt
	return nil
}

func (a *sqliteAdapter) IsHealthy(ctx context.Context) bool {
	a.mu.Lock()
	stmt := a.health
	a.mu.Unlock()
	if stmt == nil {
		return false
	}
	var one int
	if err := stmt.QueryRowContext(ctx).Scan(&one); err != nil {
		return false
	}
	return one == 1
}

func (a *sqliteAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	if a.health != nil {
		_ = a.health.Close()
		a.health = nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *sqliteAdapter) DB() *sql.DB {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db
}

func (a *sqliteAdapter) Backend() Backend { return SQLite }
