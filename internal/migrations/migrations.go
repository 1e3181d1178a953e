// Package migrations owns the Postgres schema:
//
//	000001  events: the append-only log, unique on (aggregate_id, sequence_number)
//	000002  clocks, scheduled_commands and scheduled_command_errors for the scheduler
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Latest is the schema version the stores in this module are written against.
const Latest uint = 2

//go:embed *.sql
var MigrationFiles embed.FS

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(MigrationFiles, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// RunMigrations brings the event store and scheduler tables up to Latest.
// With autoMigrate off it only reports the version, warning when the schema
// is behind what the stores expect.
func RunMigrations(db *sql.DB, autoMigrate bool) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}

	if dirty {
		slog.Warn("[Migrations] Schema is dirty, an earlier migration was interrupted",
			"version", version,
			"action", "forcing the recorded version and re-running")

		// Both migrations use IF NOT EXISTS, so re-running from here is safe.
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("recover dirty schema at version %d: %w", version, err)
		}
	}

	if !autoMigrate {
		if version < Latest {
			slog.Warn("[Migrations] Schema is behind and auto-migration is disabled",
				"current_version", version,
				"latest_version", Latest)
		} else {
			slog.Info("[Migrations] Auto-migration disabled", "current_version", version)
		}
		return nil
	}

	slog.Info("[Migrations] Migrating schema",
		"current_version", version,
		"latest_version", Latest)

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("[Migrations] Schema is up to date", "version", version)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version after migrating: %w", err)
	}
	slog.Info("[Migrations] Completed",
		"from_version", version,
		"to_version", newVersion)
	return nil
}
