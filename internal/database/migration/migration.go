// Package migration applies the embedded schema migrations with golang-migrate.
package migration

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var files embed.FS

// Source returns the embedded migration files as a golang-migrate source driver.
func Source() (source.Driver, error) {
	src, err := iofs.New(files, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	return src, nil
}

// Migrator runs migrations against one database.
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// New creates a Migrator for the postgres:// DSN.
func New(dsn string, logger *slog.Logger) (*Migrator, error) {
	src, err := Source()
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	m.Log = migrateLogger{logger}
	return &Migrator{m: m, logger: logger}, nil
}

// Up applies every pending migration. An up-to-date schema is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run up migrations: %w", err)
	}
	return nil
}

// Down reverts every migration.
func (mg *Migrator) Down() error {
	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run down migrations: %w", err)
	}
	return nil
}

// Steps applies n migrations; negative n reverts.
func (mg *Migrator) Steps(n int) error {
	if err := mg.m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run %d migration steps: %w", n, err)
	}
	return nil
}

// Force sets the schema version without running migrations.
func (mg *Migrator) Force(version int) error {
	return mg.m.Force(version)
}

// Version returns the applied version. A fresh database reports version 0.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close releases the source and database handles.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// EnsureMigrated brings the schema up to date, logging the outcome.
func EnsureMigrated(ctx context.Context, dsn string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "database")
	start := time.Now()

	logger.InfoContext(ctx, "db_migration_start")

	mg, err := New(dsn, logger)
	if err != nil {
		logger.ErrorContext(ctx, "db_migration_failed", "error", err.Error(), "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	defer func() { _ = mg.Close() }()

	// golang-migrate takes no context; GracefulStop is its cancellation hook.
	done := make(chan error, 1)
	go func() { done <- mg.Up() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		mg.m.GracefulStop <- true
		err = errors.Join(ctx.Err(), <-done)
	}
	if err != nil {
		logger.ErrorContext(ctx, "db_migration_failed", "error", err.Error(), "duration_ms", time.Since(start).Milliseconds())
		return err
	}

	v, dirty, _ := mg.Version()
	logger.InfoContext(ctx, "db_migration_success", "version", v, "dirty", dirty, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrate")
}

func (l migrateLogger) Verbose() bool {
	return false
}
