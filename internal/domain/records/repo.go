package records

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// GetMany returns the records that exist among ids, newest first.
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*Record, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, f ListFilter) ([]*Record, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
