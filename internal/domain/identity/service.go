package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
)

const oauthStateTTL = 10 * time.Minute

// Revoker records signed-out session tokens.
type Revoker interface {
	Revoke(jti string, expiresAt time.Time)
}

// OAuthProvider runs the redirect sign-in flow against an external IdP.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (auth.ExternalIdentity, error)
}

// ResetMailer delivers password reset tokens.
type ResetMailer interface {
	SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error
}

// LogMailer writes reset tokens to the log instead of sending mail. Only
// wired in development.
type LogMailer struct {
	Logger zerolog.Logger
}

func (m LogMailer) SendPasswordReset(_ context.Context, email, token string, expiresAt time.Time) error {
	m.Logger.Info().Str("email", email).Str("reset_token", token).Time("expires_at", expiresAt).Msg("password reset requested")
	return nil
}

type Service struct {
	accounts AccountRepository
	patients PatientRepository
	doctors  DoctorRepository
	resets   ResetRepository
	tx       db.TxRunner
	tokens   *auth.TokenIssuer
	revoker  Revoker
	mailer   ResetMailer
	oauth    OAuthProvider
	resetTTL time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithMailer(m ResetMailer) Option       { return func(s *Service) { s.mailer = m } }
func WithOAuth(p OAuthProvider) Option      { return func(s *Service) { s.oauth = p } }
func WithResetTTL(ttl time.Duration) Option { return func(s *Service) { s.resetTTL = ttl } }
func WithLogger(l zerolog.Logger) Option    { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(accounts AccountRepository, patients PatientRepository, doctors DoctorRepository,
	resets ResetRepository, tx db.TxRunner, tokens *auth.TokenIssuer, revoker Revoker, opts ...Option) *Service {
	s := &Service{
		accounts: accounts,
		patients: patients,
		doctors:  doctors,
		resets:   resets,
		tx:       tx,
		tokens:   tokens,
		revoker:  revoker,
		resetTTL: time.Hour,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.mailer == nil {
		s.mailer = LogMailer{Logger: s.logger}
	}
	return s
}

// -- Sign up / sign in --

func (s *Service) SignUpPatient(ctx context.Context, in SignUpInput) (*Session, error) {
	email := NormalizeEmail(in.Email)
	if !validEmail(email) {
		return nil, apperr.Validation("a valid email is required")
	}
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return nil, apperr.Validation("full_name is required")
	}
	var dob *time.Time
	if in.DateOfBirth != "" {
		t, err := time.Parse("2006-01-02", in.DateOfBirth)
		if err != nil {
			return nil, apperr.Validation("date_of_birth must be YYYY-MM-DD")
		}
		if t.After(s.now()) {
			return nil, apperr.Validation("date_of_birth is in the future")
		}
		dob = &t
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	acct := &Account{ID: uuid.New(), Email: email, PasswordHash: hash, Role: auth.RolePatient}
	patient := &Patient{ID: acct.ID, Email: email, FullName: fullName, DateOfBirth: dob, ContactNumber: optional(in.ContactNumber)}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.accounts.Create(ctx, acct); err != nil {
			return err
		}
		return s.patients.Create(ctx, patient)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("account_id", acct.ID.String()).Msg("patient signed up")
	return s.issue(acct, Identity{Kind: auth.RolePatient, Patient: patient})
}

func (s *Service) SignUpDoctor(ctx context.Context, in DoctorSignUpInput) (*Session, error) {
	email := NormalizeEmail(in.Email)
	if !validEmail(email) {
		return nil, apperr.Validation("a valid email is required")
	}
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return nil, apperr.Validation("full_name is required")
	}
	specialization := strings.TrimSpace(in.Specialization)
	if specialization == "" {
		return nil, apperr.Validation("specialization is required")
	}
	if in.YearsExperience < 0 {
		return nil, apperr.Validation("years_experience must not be negative")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	acct := &Account{ID: uuid.New(), Email: email, PasswordHash: hash, Role: auth.RoleDoctor}
	doctor := &Doctor{
		AccountID:       acct.ID,
		FullName:        fullName,
		Specialization:  specialization,
		YearsExperience: in.YearsExperience,
		ContactEmail:    email,
		ContactPhone:    optional(in.ContactPhone),
		IsActive:        true,
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.accounts.Create(ctx, acct); err != nil {
			return err
		}
		return s.doctors.Create(ctx, doctor)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("account_id", acct.ID.String()).Str("doctor_id", doctor.ID.String()).Msg("doctor signed up")
	return s.issue(acct, Identity{Kind: auth.RoleDoctor, Doctor: doctor})
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	invalid := apperr.Unauthenticated("invalid email or password")

	acct, err := s.accounts.GetByEmail(ctx, NormalizeEmail(email))
	if apperr.IsNotFound(err) {
		return nil, invalid
	}
	if err != nil {
		return nil, err
	}
	if !acct.HasPassword() {
		return nil, invalid
	}
	ok, err := auth.CheckPassword(acct.PasswordHash, password)
	if err != nil {
		return nil, apperr.Persistence(err, "verify password")
	}
	if !ok {
		return nil, invalid
	}
	return s.startSession(ctx, acct)
}

// startSession resolves the account's identity, enforces doctor activation
// and issues a token.
func (s *Service) startSession(ctx context.Context, acct *Account) (*Session, error) {
	ident, err := s.resolveAccount(ctx, acct.ID, acct.Role)
	if err != nil {
		return nil, err
	}
	if ident.Doctor != nil {
		if !ident.Doctor.IsActive {
			return nil, apperr.Forbidden("doctor account is inactive")
		}
		at := s.now().UTC()
		if err := s.doctors.TouchLastSignIn(ctx, acct.ID, at); err != nil {
			return nil, err
		}
		ident.Doctor.LastSignInAt = &at
	}
	return s.issue(acct, *ident)
}

func (s *Service) issue(acct *Account, ident Identity) (*Session, error) {
	token, p, err := s.tokens.Issue(acct.ID, acct.Email, acct.Role)
	if err != nil {
		return nil, apperr.Persistence(err, "issue session")
	}
	return &Session{Token: token, ExpiresAt: p.ExpiresAt, Identity: ident}, nil
}

// SignOut revokes the caller's token until it would have expired anyway.
func (s *Service) SignOut(_ context.Context, p auth.Principal) error {
	if p.TokenID == "" {
		return apperr.Unauthenticated("session has no token id")
	}
	s.revoker.Revoke(p.TokenID, p.ExpiresAt)
	return nil
}

// -- Identity --

// Resolve loads the profile that decides the caller's dashboard.
func (s *Service) Resolve(ctx context.Context, p auth.Principal) (*Identity, error) {
	return s.resolveAccount(ctx, p.AccountID, p.Role)
}

func (s *Service) resolveAccount(ctx context.Context, accountID uuid.UUID, role auth.Role) (*Identity, error) {
	switch role {
	case auth.RoleDoctor:
		d, err := s.doctors.GetByAccountID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return &Identity{Kind: auth.RoleDoctor, Doctor: d}, nil
	case auth.RolePatient:
		pt, err := s.patients.GetByID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return &Identity{Kind: auth.RolePatient, Patient: pt}, nil
	default:
		return nil, apperr.Unauthenticated("unknown role %q", role)
	}
}

func (s *Service) ListActiveDoctors(ctx context.Context) ([]*Doctor, error) {
	return s.doctors.ListActive(ctx)
}

// -- Password reset --

// RequestPasswordReset hands a single-use token to the mailer. Unknown
// emails succeed silently and return an empty token.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	acct, err := s.accounts.GetByEmail(ctx, email)
	if apperr.IsNotFound(err) {
		s.logger.Debug().Msg("password reset requested for unknown email")
		return "", nil
	}
	if err != nil {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", apperr.Persistence(err, "generate reset token")
	}
	token := hex.EncodeToString(raw)
	reset := &PasswordReset{
		TokenHash: hashToken(token),
		AccountID: acct.ID,
		ExpiresAt: s.now().Add(s.resetTTL).UTC(),
	}
	if err := s.resets.Create(ctx, reset); err != nil {
		return "", err
	}
	if err := s.mailer.SendPasswordReset(ctx, acct.Email, token, reset.ExpiresAt); err != nil {
		return "", apperr.Persistence(err, "send reset email")
	}
	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if strings.TrimSpace(token) == "" {
		return apperr.Validation("token is required")
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		accountID, err := s.resets.Consume(ctx, hashToken(token), s.now().UTC())
		if apperr.IsNotFound(err) {
			return apperr.Validation("reset token is invalid or expired")
		}
		if err != nil {
			return err
		}
		return s.accounts.UpdatePassword(ctx, accountID, hash)
	})
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// -- OAuth --

func (s *Service) OAuthEnabled() bool { return s.oauth != nil }

// OAuthRedirect returns the provider URL carrying a signed state value.
func (s *Service) OAuthRedirect() (string, error) {
	if s.oauth == nil {
		return "", apperr.NotFound("oauth sign-in is not configured")
	}
	state, err := s.tokens.IssueState(uuid.NewString(), oauthStateTTL)
	if err != nil {
		return "", apperr.Persistence(err, "sign oauth state")
	}
	return s.oauth.AuthCodeURL(state), nil
}

// OAuthCallback completes the redirect flow. The provider must report the
// email as verified. A first-time email gets a patient account with no
// password.
func (s *Service) OAuthCallback(ctx context.Context, code, state string) (*Session, error) {
	if s.oauth == nil {
		return nil, apperr.NotFound("oauth sign-in is not configured")
	}
	if code == "" {
		return nil, apperr.Validation("code is required")
	}
	if err := s.tokens.VerifyState(state); err != nil {
		return nil, apperr.Unauthenticated("invalid oauth state")
	}

	ext, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, apperr.Unauthenticated("oauth exchange failed: %v", err)
	}
	email := NormalizeEmail(ext.Email)
	if !validEmail(email) {
		return nil, apperr.Unauthenticated("oauth provider returned an invalid email")
	}
	// The email picks the account, so only a provider-verified address may
	// sign in or claim one.
	if !ext.EmailVerified {
		s.logger.Warn().Str("subject", ext.Subject).Msg("oauth sign-in rejected: email not verified")
		return nil, apperr.Unauthenticated("oauth provider has not verified this email")
	}

	acct, err := s.accounts.GetByEmail(ctx, email)
	if err == nil {
		return s.startSession(ctx, acct)
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}

	acct = &Account{ID: uuid.New(), Email: email, Role: auth.RolePatient}
	name := strings.TrimSpace(ext.Name)
	if name == "" {
		name = email[:strings.IndexByte(email, '@')]
	}
	patient := &Patient{ID: acct.ID, Email: email, FullName: name}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.accounts.Create(ctx, acct); err != nil {
			return err
		}
		return s.patients.Create(ctx, patient)
	})
	if err != nil {
		return nil, fmt.Errorf("provision oauth account: %w", err)
	}
	s.logger.Info().Str("account_id", acct.ID.String()).Str("subject", ext.Subject).Msg("provisioned patient from oauth sign-in")
	return s.issue(acct, Identity{Kind: auth.RolePatient, Patient: patient})
}
