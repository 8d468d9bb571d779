package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlAdapter pools connections lazily: Connect validates the DSN and
// configures the pool, but the driver itself defers the first real TCP
// connection until the first query, matching spec.md 4.1's "lazy connect
// on first query" for MySQL.
type mysqlAdapter struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

func newMySQLAdapter(dsn string) *mysqlAdapter {
	return &mysqlAdapter{dsn: dsn}
}

func (a *mysqlAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}

	db, err := sql.Open("mysql", a.dsn)
	if err != nil {
		return fmt.Errorf("db: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	a.db = db
	return nil
}

func (a *mysqlAdapter) IsHealthy(ctx context.Context) bool {
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

func (a *mysqlAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *mysqlAdapter) DB() *sql.DB {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db
}

func (a *mysqlAdapter) Backend() Backend { return MySQL }
