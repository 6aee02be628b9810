// Package db implements the persistence port over database/sql with
// sqlite (default, single-file) and postgres backends.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/dvdyellow/server/internal/config"
)

// Store wraps an sql.DB for the four collections: users, pawns,
// boards and results.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured database and pings it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	driverName := cfg.Driver
	if driverName == "postgres" {
		driverName = "pgx"
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// the file store has a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: sqlDB, driver: cfg.Driver}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites `?` placeholders to `$N` for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
