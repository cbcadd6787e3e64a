package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// migrateLogger routes golang-migrate progress through slog.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug("migrate: " + fmt.Sprintf(format, v...))
}

func (migrateLogger) Verbose() bool { return false }

// RunMigrations brings the user_quotas and usage_periods schema up to date.
// A dirty version means an earlier run failed halfway and needs an operator;
// startup refuses to continue on it.
func RunMigrations(dsn, dir string) error {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("loading migrations from %s: %w", dir, err)
	}
	defer m.Close()
	m.Log = migrateLogger{}

	if before, dirty, err := m.Version(); err == nil && dirty {
		return fmt.Errorf("schema version %d is dirty, fix it manually before starting", before)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		slog.Debug("schema already current")
	case err != nil:
		return fmt.Errorf("applying migrations: %w", err)
	}

	ver, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	slog.Info("schema ready", "version", ver)
	return nil
}
