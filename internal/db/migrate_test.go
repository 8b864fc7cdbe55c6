package db

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMigrator struct {
	upErr    error
	srcErr   error
	dbErr    error
	upCalled bool
	closed   bool
}

func (m *fakeMigrator) Up() error {
	m.upCalled = true
	return m.upErr
}

func (m *fakeMigrator) Close() (error, error) {
	m.closed = true
	return m.srcErr, m.dbErr
}

func engineFor(m *fakeMigrator, gotURL *string) MigrationEngine {
	return func(databaseURL string) (Migrator, error) {
		*gotURL = databaseURL
		return m, nil
	}
}

func TestMigrate_AppliesAndCloses(t *testing.T) {
	m := &fakeMigrator{}
	var url string

	err := Migrate(engineFor(m, &url), "postgres://u:p@localhost/db", zap.NewNop())

	require.NoError(t, err)
	assert.True(t, m.upCalled)
	assert.True(t, m.closed)
	assert.Equal(t, "postgres://u:p@localhost/db", url)
}

func TestMigrate_NoChangeIsNotAnError(t *testing.T) {
	m := &fakeMigrator{upErr: migrate.ErrNoChange}
	var url string

	assert.NoError(t, Migrate(engineFor(m, &url), "postgres://localhost/db", zap.NewNop()))
}

func TestMigrate_JoinsCloseErrors(t *testing.T) {
	upErr := errors.New("dirty database")
	srcErr := errors.New("source closed twice")
	m := &fakeMigrator{upErr: upErr, srcErr: srcErr}
	var url string

	err := Migrate(engineFor(m, &url), "postgres://localhost/db", zap.NewNop())

	require.Error(t, err)
	assert.ErrorIs(t, err, upErr)
	assert.ErrorIs(t, err, srcErr)
}

func TestMigrate_EngineFailure(t *testing.T) {
	engine := func(string) (Migrator, error) { return nil, errors.New("boom") }

	err := Migrate(engine, "postgres://localhost/db", zap.NewNop())

	assert.ErrorContains(t, err, "[DATABASE] failed to initialise migrations")
}

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db", migrationURL("postgres://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://h/db", migrationURL("postgresql://h/db"))
	assert.Equal(t, "pgx5://h/db", migrationURL("pgx5://h/db"))
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "postgres://u:***@h:5432/db", MaskPassword("postgres://u:secret@h:5432/db"))
	assert.Equal(t, "postgres://h:5432/db", MaskPassword("postgres://h:5432/db"))
	assert.Equal(t, "<empty>", MaskPassword(""))
}
