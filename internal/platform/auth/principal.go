package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/apperr"
)

// Role is the kind of account a principal signed in with.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

func (r Role) Valid() bool { return r == RolePatient || r == RoleDoctor }

// Principal is the authenticated caller. It is created by the auth middleware
// from a verified token and handed explicitly to every service call.
type Principal struct {
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p Principal) IsPatient() bool { return p.Role == RolePatient }
func (p Principal) IsDoctor() bool  { return p.Role == RoleDoctor }

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// MustPrincipal returns the principal placed on the request by the auth
// middleware, or an auth error when the route was reached without one.
func MustPrincipal(c echo.Context) (Principal, error) {
	p, ok := PrincipalFromContext(c.Request().Context())
	if !ok || p.AccountID == uuid.Nil {
		return Principal{}, apperr.Unauthenticated("authentication required")
	}
	return p, nil
}
