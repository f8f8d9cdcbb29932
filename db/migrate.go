package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationFS embeds the SQL schema applied by Migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// ErrNoChange is returned when Migrate has nothing to do.
var ErrNoChange = migrate.ErrNoChange

// Migrate applies embedded migrations in direction "up" or "down".
// Already being at the target version is not an error.
func Migrate(dsn string, direction string) error {
	if dsn == "" {
		return errors.New("db: DATABASE_URL is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("db: direction must be up or down, got %q", direction)
	}

	source, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migrate %s: %w", direction, err)
	}
	return nil
}
