package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/platform/auth"
)

// Account is the credential row behind every patient and doctor.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         auth.Role `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasPassword is false for accounts provisioned through OAuth sign-in.
func (a *Account) HasPassword() bool { return a.PasswordHash != "" }

// Patient is the profile of a patient account. Its ID is the account ID.
type Patient struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	FullName      string     `json:"full_name"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty"`
	ContactNumber *string    `json:"contact_number,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Doctor is a doctor directory entry. Grants reference Doctor.ID, not the
// account.
type Doctor struct {
	ID              uuid.UUID  `json:"id"`
	AccountID       uuid.UUID  `json:"account_id"`
	FullName        string     `json:"full_name"`
	Specialization  string     `json:"specialization"`
	YearsExperience int        `json:"years_experience"`
	ContactEmail    string     `json:"contact_email"`
	ContactPhone    *string    `json:"contact_phone,omitempty"`
	IsActive        bool       `json:"is_active"`
	LastSignInAt    *time.Time `json:"last_sign_in_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Identity tells the client which dashboard to show.
type Identity struct {
	Kind    auth.Role `json:"kind"`
	Patient *Patient  `json:"patient,omitempty"`
	Doctor  *Doctor   `json:"doctor,omitempty"`
}

type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  Identity  `json:"identity"`
}

type PasswordReset struct {
	TokenHash string
	AccountID uuid.UUID
	ExpiresAt time.Time
	UsedAt    *time.Time
}

type SignUpInput struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"full_name"`
	DateOfBirth   string `json:"date_of_birth"` // YYYY-MM-DD
	ContactNumber string `json:"contact_number"`
}

type DoctorSignUpInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	FullName        string `json:"full_name"`
	Specialization  string `json:"specialization"`
	YearsExperience int    `json:"years_experience"`
	ContactPhone    string `json:"contact_phone"`
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
