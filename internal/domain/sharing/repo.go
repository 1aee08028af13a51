package sharing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type GrantRepository interface {
	Create(ctx context.Context, g *Grant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Grant, error)
	ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*Grant, error)
	// ListActiveForGrantee returns grants to the doctor with expires_at > now.
	ListActiveForGrantee(ctx context.Context, granteeID uuid.UUID, now time.Time) ([]*Grant, error)
	ListActiveForRecordAndGrantee(ctx context.Context, recordID, granteeID uuid.UUID, now time.Time) ([]*Grant, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteByRecord removes every grant on the record and returns them.
	DeleteByRecord(ctx context.Context, recordID uuid.UUID) ([]*Grant, error)
	// DeleteExpired removes grants with expires_at <= now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
