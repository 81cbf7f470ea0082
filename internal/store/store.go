// Package store provides the Postgres repositories backing shipments,
// carts, stock, seller stores and the credit ledger.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps the shared connection pool and exposes one repository per table.
type DB struct {
	db *sql.DB

	Shipments *ShipmentRepo
	Carts     *CartRepo
	Stock     *StockRepo
	Stores    *StoreRepo
	Ledger    *LedgerRepo
}

// Open connects to Postgres and prepares the repositories.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &DB{db: db}
	s.Shipments = &ShipmentRepo{db: db}
	s.Carts = &CartRepo{db: db}
	s.Stock = &StockRepo{db: db}
	s.Stores = &StoreRepo{db: db}
	s.Ledger = &LedgerRepo{db: db}
	return s, nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
