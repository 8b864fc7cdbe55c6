package ingest

import (
	"context"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync/internal/repository"
)

type repositoryStore struct {
	repo *repository.Repository
}

// NewRepositoryStore adapts the Postgres repository to Store
func NewRepositoryStore(repo *repository.Repository) Store {
	return repositoryStore{repo: repo}
}

func (s repositoryStore) WithMeterTx(ctx context.Context, meterID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	return s.repo.WithMeterTx(ctx, meterID, func(ctx context.Context, tx *repository.MeterTx) error {
		return fn(ctx, tx)
	})
}
