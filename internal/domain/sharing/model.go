// Package sharing owns share grants: time-limited permissions a patient
// gives a doctor on one of their records.
package sharing

import (
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/domain/records"
)

type Permission = records.Permission

const (
	PermissionView     = records.PermissionView
	PermissionDownload = records.PermissionDownload
	PermissionFull     = records.PermissionFull
)

// Grant lets one doctor access one record until ExpiresAt. Grants are never
// updated; revoking deletes the row.
type Grant struct {
	ID         uuid.UUID  `json:"id"`
	RecordID   uuid.UUID  `json:"record_id"`
	GranteeID  uuid.UUID  `json:"grantee_id"`
	Permission Permission `json:"permission"`
	ExpiresAt  time.Time  `json:"expires_at"`
	GrantedBy  uuid.UUID  `json:"granted_by"`
	CreatedAt  time.Time  `json:"created_at"`
	// Active is computed at read time.
	Active bool `json:"active"`
}

// IsGrantActive reports whether g is in force at now. A grant expires at
// the instant now reaches ExpiresAt.
func IsGrantActive(g *Grant, now time.Time) bool {
	return g != nil && now.Before(g.ExpiresAt)
}

// SharedRecord is one entry on a doctor's dashboard.
type SharedRecord struct {
	*records.Record
	Permission Permission `json:"permission"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// SharedFilter narrows a doctor's shared record list. Query matches the
// title case-insensitively.
type SharedFilter struct {
	Type  records.Type
	Query string
}

// GrantInput is the body of POST /records/:id/grants. Exactly one of
// GranteeID and Email is set.
type GrantInput struct {
	GranteeID  uuid.UUID  `json:"grantee_id"`
	Email      string     `json:"email"`
	Permission Permission `json:"permission"`
	ExpiresAt  *time.Time `json:"expires_at"`
}
