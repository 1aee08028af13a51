package identity

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
)

// -- Mock Account Repository --

type mockAccountRepo struct {
	accounts map[uuid.UUID]*Account
}

func newMockAccountRepo() *mockAccountRepo {
	return &mockAccountRepo{accounts: make(map[uuid.UUID]*Account)}
}

func (m *mockAccountRepo) Create(_ context.Context, a *Account) error {
	for _, existing := range m.accounts {
		if existing.Email == a.Email {
			return apperr.Conflict("an account with email %s already exists", a.Email)
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	m.accounts[a.ID] = a
	return nil
}

func (m *mockAccountRepo) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account not found")
	}
	return a, nil
}

func (m *mockAccountRepo) GetByEmail(_ context.Context, email string) (*Account, error) {
	for _, a := range m.accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return nil, apperr.NotFound("account not found")
}

func (m *mockAccountRepo) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	a, ok := m.accounts[id]
	if !ok {
		return apperr.NotFound("account not found")
	}
	a.PasswordHash = hash
	return nil
}

// -- Mock Patient Repository --

type mockPatientRepo struct {
	patients map[uuid.UUID]*Patient
	failNext error
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	p.CreatedAt = time.Now()
	m.patients[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, apperr.NotFound("patient profile not found")
	}
	return p, nil
}

// -- Mock Doctor Repository --

type mockDoctorRepo struct {
	doctors map[uuid.UUID]*Doctor
}

func newMockDoctorRepo() *mockDoctorRepo {
	return &mockDoctorRepo{doctors: make(map[uuid.UUID]*Doctor)}
}

func (m *mockDoctorRepo) Create(_ context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now()
	m.doctors[d.ID] = d
	return nil
}

func (m *mockDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, apperr.NotFound("doctor not found")
	}
	return d, nil
}

func (m *mockDoctorRepo) GetByAccountID(_ context.Context, accountID uuid.UUID) (*Doctor, error) {
	for _, d := range m.doctors {
		if d.AccountID == accountID {
			return d, nil
		}
	}
	return nil, apperr.NotFound("doctor not found")
}

func (m *mockDoctorRepo) GetByContactEmail(_ context.Context, email string) (*Doctor, error) {
	for _, d := range m.doctors {
		if d.ContactEmail == email {
			return d, nil
		}
	}
	return nil, apperr.NotFound("doctor not found")
}

func (m *mockDoctorRepo) ListActive(_ context.Context) ([]*Doctor, error) {
	var out []*Doctor
	for _, d := range m.doctors {
		if d.IsActive {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (m *mockDoctorRepo) TouchLastSignIn(_ context.Context, accountID uuid.UUID, at time.Time) error {
	for _, d := range m.doctors {
		if d.AccountID == accountID {
			d.LastSignInAt = &at
		}
	}
	return nil
}

// -- Mock Reset Repository --

type mockResetRepo struct {
	resets map[string]*PasswordReset
}

func newMockResetRepo() *mockResetRepo {
	return &mockResetRepo{resets: make(map[string]*PasswordReset)}
}

func (m *mockResetRepo) Create(_ context.Context, r *PasswordReset) error {
	m.resets[r.TokenHash] = r
	return nil
}

func (m *mockResetRepo) Consume(_ context.Context, tokenHash string, now time.Time) (uuid.UUID, error) {
	r, ok := m.resets[tokenHash]
	if !ok || r.UsedAt != nil || !now.Before(r.ExpiresAt) {
		return uuid.Nil, apperr.NotFound("reset token not found")
	}
	r.UsedAt = &now
	return r.AccountID, nil
}

// -- Fakes --

type fakeRevoker struct {
	revoked map[string]time.Time
}

func (f *fakeRevoker) Revoke(jti string, exp time.Time) { f.revoked[jti] = exp }

type fakeMailer struct {
	sent []string
}

func (f *fakeMailer) SendPasswordReset(_ context.Context, email, token string, _ time.Time) error {
	f.sent = append(f.sent, email+":"+token)
	return nil
}

type fakeOAuth struct {
	identity auth.ExternalIdentity
	err      error
}

func (f *fakeOAuth) AuthCodeURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (f *fakeOAuth) Exchange(_ context.Context, code string) (auth.ExternalIdentity, error) {
	return f.identity, f.err
}

type testEnv struct {
	svc      *Service
	accounts *mockAccountRepo
	patients *mockPatientRepo
	doctors  *mockDoctorRepo
	resets   *mockResetRepo
	revoker  *fakeRevoker
	mailer   *fakeMailer
	tokens   *auth.TokenIssuer
}

func newTestEnv(opts ...Option) *testEnv {
	env := &testEnv{
		accounts: newMockAccountRepo(),
		patients: newMockPatientRepo(),
		doctors:  newMockDoctorRepo(),
		resets:   newMockResetRepo(),
		revoker:  &fakeRevoker{revoked: make(map[string]time.Time)},
		mailer:   &fakeMailer{},
		tokens:   auth.NewTokenIssuer("identity-test-secret", "medvault", time.Hour),
	}
	opts = append([]Option{WithMailer(env.mailer)}, opts...)
	env.svc = NewService(env.accounts, env.patients, env.doctors, env.resets, db.NoTx{}, env.tokens, env.revoker, opts...)
	return env
}

func newTestService() *Service {
	return newTestEnv().svc
}
