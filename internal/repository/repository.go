package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository creates a new repository. lockTimeout bounds how long a
// transaction waits for a meter row lock.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// Ping checks that the database answers
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
