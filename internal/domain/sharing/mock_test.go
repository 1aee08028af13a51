package sharing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/domain/identity"
	"github.com/medvault/medvault/internal/domain/records"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/websocket"
)

// -- Mock Grant Repository --

type mockGrantRepo struct {
	grants map[uuid.UUID]*Grant
	// failDelete makes DeleteByRecord fail once.
	failDelete error
	// failOnCreate makes the n-th Create call (1-based) fail.
	failOnCreate int
	creates      int
}

func newMockGrantRepo() *mockGrantRepo {
	return &mockGrantRepo{grants: make(map[uuid.UUID]*Grant)}
}

func (m *mockGrantRepo) Create(_ context.Context, g *Grant) error {
	m.creates++
	if m.failOnCreate > 0 && m.creates == m.failOnCreate {
		return apperr.Persistence(errBoom, "create grant")
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	g.CreatedAt = time.Now()
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *mockGrantRepo) GetByID(_ context.Context, id uuid.UUID) (*Grant, error) {
	g, ok := m.grants[id]
	if !ok {
		return nil, apperr.NotFound("grant not found")
	}
	cp := *g
	return &cp, nil
}

func (m *mockGrantRepo) filter(keep func(*Grant) bool) []*Grant {
	var out []*Grant
	for _, g := range m.grants {
		if keep(g) {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (m *mockGrantRepo) ListByRecord(_ context.Context, recordID uuid.UUID) ([]*Grant, error) {
	return m.filter(func(g *Grant) bool { return g.RecordID == recordID }), nil
}

func (m *mockGrantRepo) ListActiveForGrantee(_ context.Context, granteeID uuid.UUID, now time.Time) ([]*Grant, error) {
	return m.filter(func(g *Grant) bool { return g.GranteeID == granteeID && g.ExpiresAt.After(now) }), nil
}

func (m *mockGrantRepo) ListActiveForRecordAndGrantee(_ context.Context, recordID, granteeID uuid.UUID, now time.Time) ([]*Grant, error) {
	return m.filter(func(g *Grant) bool {
		return g.RecordID == recordID && g.GranteeID == granteeID && g.ExpiresAt.After(now)
	}), nil
}

func (m *mockGrantRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.grants[id]; !ok {
		return apperr.NotFound("grant not found")
	}
	delete(m.grants, id)
	return nil
}

func (m *mockGrantRepo) DeleteByRecord(_ context.Context, recordID uuid.UUID) ([]*Grant, error) {
	if m.failDelete != nil {
		err := m.failDelete
		m.failDelete = nil
		return nil, apperr.Persistence(err, "delete record grants")
	}
	out := m.filter(func(g *Grant) bool { return g.RecordID == recordID })
	for _, g := range out {
		delete(m.grants, g.ID)
	}
	return out, nil
}

func (m *mockGrantRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	for id, g := range m.grants {
		if !g.ExpiresAt.After(now) {
			delete(m.grants, id)
			n++
		}
	}
	return n, nil
}

// -- Mock Record Repository --

type mockRecordRepo struct {
	records map[uuid.UUID]*records.Record
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{records: make(map[uuid.UUID]*records.Record)}
}

func (m *mockRecordRepo) Create(_ context.Context, r *records.Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.records[r.ID] = r
	return nil
}

func (m *mockRecordRepo) GetByID(_ context.Context, id uuid.UUID) (*records.Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, apperr.NotFound("record not found")
	}
	return r, nil
}

func (m *mockRecordRepo) GetMany(_ context.Context, ids []uuid.UUID) ([]*records.Record, error) {
	var out []*records.Record
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRecordRepo) ListByOwner(_ context.Context, ownerID uuid.UUID, _ records.ListFilter) ([]*records.Record, int, error) {
	var out []*records.Record
	for _, r := range m.records {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (m *mockRecordRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.records[id]; !ok {
		return apperr.NotFound("record not found")
	}
	delete(m.records, id)
	return nil
}

// -- Mock Doctor Directory --

type mockDoctors struct {
	doctors map[uuid.UUID]*identity.Doctor
}

func (m *mockDoctors) GetByID(_ context.Context, id uuid.UUID) (*identity.Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, apperr.NotFound("doctor not found")
	}
	return d, nil
}

func (m *mockDoctors) GetByAccountID(_ context.Context, accountID uuid.UUID) (*identity.Doctor, error) {
	for _, d := range m.doctors {
		if d.AccountID == accountID {
			return d, nil
		}
	}
	return nil, apperr.NotFound("doctor not found")
}

func (m *mockDoctors) GetByContactEmail(_ context.Context, email string) (*identity.Doctor, error) {
	for _, d := range m.doctors {
		if d.ContactEmail == email {
			return d, nil
		}
	}
	return nil, apperr.NotFound("doctor not found")
}

// -- Recording Publisher --

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t string) []websocket.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []websocket.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// rollbackTx discards grant writes made inside a failed transaction, which
// is what the database does for the pg repositories.
type rollbackTx struct {
	grants *mockGrantRepo
}

func (r rollbackTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := make(map[uuid.UUID]*Grant, len(r.grants.grants))
	for k, v := range r.grants.grants {
		snapshot[k] = v
	}
	return db.NoTx{}.WithTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			r.grants.grants = snapshot
			return err
		}
		return nil
	})
}

var _ db.TxRunner = rollbackTx{}

// -- Test environment --

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	grants  *mockGrantRepo
	records *mockRecordRepo
	doctors *mockDoctors
	events  *recordingPublisher
	now     time.Time

	patient auth.Principal
	record  *records.Record
	doctor  *identity.Doctor
	drAuth  auth.Principal
}

func newTestEnv() *testEnv {
	env := &testEnv{
		grants:  newMockGrantRepo(),
		records: newMockRecordRepo(),
		doctors: &mockDoctors{doctors: make(map[uuid.UUID]*identity.Doctor)},
		events:  &recordingPublisher{},
		now:     testNow,
	}
	env.svc = NewService(env.grants, env.records, env.doctors, rollbackTx{grants: env.grants},
		WithPublisher(env.events),
		WithDefaultTTL(24*time.Hour),
		WithClock(func() time.Time { return env.now }),
	)

	env.patient = auth.Principal{AccountID: uuid.New(), Email: "pat@example.com", Role: auth.RolePatient}
	env.record = env.addRecord(env.patient.AccountID, "Blood panel")
	env.doctor, env.drAuth = env.addDoctor("ana@clinic.example", true)
	return env
}

func (env *testEnv) addRecord(owner uuid.UUID, title string) *records.Record {
	rec := &records.Record{
		ID:          uuid.New(),
		Title:       title,
		Type:        records.TypeLaboratory,
		OwnerID:     owner,
		StoragePath: owner.String() + "/" + uuid.NewString() + ".pdf",
		CreatedAt:   env.now.Add(-time.Duration(len(env.records.records)) * time.Minute),
	}
	env.records.records[rec.ID] = rec
	return rec
}

func (env *testEnv) addDoctor(email string, active bool) (*identity.Doctor, auth.Principal) {
	d := &identity.Doctor{
		ID:           uuid.New(),
		AccountID:    uuid.New(),
		FullName:     "Dr. " + email,
		ContactEmail: email,
		IsActive:     active,
	}
	env.doctors.doctors[d.ID] = d
	return d, auth.Principal{AccountID: d.AccountID, Email: email, Role: auth.RoleDoctor}
}

// seedGrant inserts a grant directly, bypassing validation, so tests can
// create grants that are already expired.
func (env *testEnv) seedGrant(recordID, granteeID uuid.UUID, perm Permission, expiresAt time.Time) *Grant {
	g := &Grant{
		ID:         uuid.New(),
		RecordID:   recordID,
		GranteeID:  granteeID,
		Permission: perm,
		ExpiresAt:  expiresAt,
		GrantedBy:  env.patient.AccountID,
		CreatedAt:  env.now,
	}
	env.grants.grants[g.ID] = g
	return g
}

var errBoom = errors.New("connection reset by peer")
