package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*Doctor, error)
	GetByContactEmail(ctx context.Context, email string) (*Doctor, error)
	ListActive(ctx context.Context) ([]*Doctor, error)
	TouchLastSignIn(ctx context.Context, accountID uuid.UUID, at time.Time) error
}

type ResetRepository interface {
	Create(ctx context.Context, r *PasswordReset) error
	// Consume marks an unused, unexpired token as used and returns its
	// account. Anything else is a not_found error.
	Consume(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error)
}
