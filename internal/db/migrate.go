package db

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/dvdyellow/server/internal/db/migrations"
)

// Migrate creates missing tables. Schema migrations beyond first-start
// creation are out of scope; goose still versions what we ship.
func (s *Store) Migrate(ctx context.Context) error {
	var dialect, dir string
	switch s.driver {
	case "sqlite":
		dialect, dir = "sqlite3", "sqlite"
	case "postgres":
		dialect, dir = "postgres", "postgres"
	default:
		return fmt.Errorf("no migrations for driver %q", s.driver)
	}

	sub, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("selecting %s migrations: %w", dir, err)
	}

	provider, err := goose.NewProvider(goose.Dialect(dialect), s.db, sub)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
