package db

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// pgx/v5 database driver registration for migrations
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator is the subset of migrate.Migrate used here
type Migrator interface {
	Up() error
	Close() (error, error)
}

// MigrationEngine builds a migrator for a database URL
type MigrationEngine func(databaseURL string) (Migrator, error)

// DefaultEngine reads the embedded SQL files
func DefaultEngine(databaseURL string) (Migrator, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return migrate.NewWithSourceInstance("iofs", src, migrationURL(databaseURL))
}

// Migrate applies all pending up migrations
func Migrate(engine MigrationEngine, databaseURL string, logger *zap.Logger) (err error) {
	m, err := engine(databaseURL)
	if err != nil {
		return fmt.Errorf("[DATABASE] failed to initialise migrations: %w", err)
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("migration source error: %w", serr))
		}
		if dberr != nil {
			err = errors.Join(err, fmt.Errorf("migration database error: %w", dberr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database schema up to date")
			return nil
		}
		return fmt.Errorf("[DATABASE] migration up failed: %w", err)
	}
	logger.Info("database migrations applied")
	return nil
}

// migrationURL rewrites a libpq style URL to the scheme the pgx/v5 driver registers
func migrationURL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
