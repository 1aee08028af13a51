package records

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/blobstore"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/pkg/pagination"
)

var errBoom = errors.New("connection reset by peer")

// -- Mock Record Repository --

type mockRecordRepo struct {
	records    map[uuid.UUID]*Record
	failCreate error
	failDelete error
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *mockRecordRepo) Create(_ context.Context, r *Record) error {
	if m.failCreate != nil {
		return apperr.Persistence(m.failCreate, "create record")
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now()
	m.records[r.ID] = r
	return nil
}

func (m *mockRecordRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, apperr.NotFound("record not found")
	}
	return r, nil
}

func (m *mockRecordRepo) GetMany(_ context.Context, ids []uuid.UUID) ([]*Record, error) {
	var out []*Record
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRecordRepo) ListByOwner(_ context.Context, ownerID uuid.UUID, f ListFilter) ([]*Record, int, error) {
	var all []*Record
	for _, r := range m.records {
		if r.OwnerID != ownerID {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(r.Title), strings.ToLower(f.Query)) {
			continue
		}
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start, end := f.Window(len(all))
	return all[start:end], len(all), nil
}

func (m *mockRecordRepo) Delete(_ context.Context, id uuid.UUID) error {
	if m.failDelete != nil {
		return apperr.Persistence(m.failDelete, "delete record")
	}
	if _, ok := m.records[id]; !ok {
		return apperr.NotFound("record not found")
	}
	delete(m.records, id)
	return nil
}

// -- Fake Access --

type shareCall struct {
	recordID  uuid.UUID
	doctorIDs []uuid.UUID
	perm      Permission
	expiresAt time.Time
}

// fakeAccess is an owner-or-grant authorizer over an in-memory grant table
// keyed by record, then by doctor account id.
type fakeAccess struct {
	repo      *mockRecordRepo
	grants    map[uuid.UUID]map[uuid.UUID]Permission
	shares    []shareCall
	shareErr  error
	deleteErr error
	notified  map[uuid.UUID][]uuid.UUID
}

func newFakeAccess(repo *mockRecordRepo) *fakeAccess {
	return &fakeAccess{
		repo:     repo,
		grants:   make(map[uuid.UUID]map[uuid.UUID]Permission),
		notified: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeAccess) grant(recordID, accountID uuid.UUID, perm Permission) {
	if f.grants[recordID] == nil {
		f.grants[recordID] = make(map[uuid.UUID]Permission)
	}
	f.grants[recordID][accountID] = perm
}

func (f *fakeAccess) Authorize(ctx context.Context, actor auth.Principal, recordID uuid.UUID, need Permission) (*Record, error) {
	rec, err := f.repo.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID == actor.AccountID {
		return rec, nil
	}
	perm, ok := f.grants[recordID][actor.AccountID]
	if !ok {
		return nil, apperr.NotFound("record not found")
	}
	if !perm.Covers(need) {
		return nil, apperr.Forbidden("grant too weak")
	}
	return rec, nil
}

func (f *fakeAccess) ShareRecord(_ context.Context, _ auth.Principal, recordID uuid.UUID, doctorIDs []uuid.UUID, perm Permission, expiresAt time.Time) (int, error) {
	if f.shareErr != nil {
		return 0, f.shareErr
	}
	f.shares = append(f.shares, shareCall{recordID: recordID, doctorIDs: doctorIDs, perm: perm, expiresAt: expiresAt})
	for _, id := range doctorIDs {
		f.grant(recordID, id, perm)
	}
	return len(doctorIDs), nil
}

func (f *fakeAccess) DeleteRecordGrants(_ context.Context, recordID uuid.UUID) ([]uuid.UUID, error) {
	if f.deleteErr != nil {
		return nil, apperr.Persistence(f.deleteErr, "delete record grants")
	}
	var ids []uuid.UUID
	for id := range f.grants[recordID] {
		ids = append(ids, id)
	}
	delete(f.grants, recordID)
	return ids, nil
}

func (f *fakeAccess) RecordDeleted(_ context.Context, rec *Record, doctorIDs []uuid.UUID) {
	f.notified[rec.ID] = doctorIDs
}

// -- Blob store wrapper --

// spyStore counts calls to a MemoryStore and can fail Delete.
type spyStore struct {
	*blobstore.MemoryStore
	puts       int
	deletes    int
	failDelete error
}

func (s *spyStore) Put(ctx context.Context, path string, r io.Reader, size int64, opts blobstore.PutOptions) (*blobstore.Object, error) {
	s.puts++
	return s.MemoryStore.Put(ctx, path, r, size, opts)
}

func (s *spyStore) Delete(ctx context.Context, path string) error {
	s.deletes++
	if s.failDelete != nil {
		return s.failDelete
	}
	return s.MemoryStore.Delete(ctx, path)
}

// -- Test environment --

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	clock   time.Time
	svc     *Service
	repo    *mockRecordRepo
	access  *fakeAccess
	blobs   *spyStore
	patient auth.Principal
	doctor  auth.Principal
}

func newTestEnv() *testEnv {
	repo := newMockRecordRepo()
	env := &testEnv{
		clock:   testNow,
		repo:    repo,
		access:  newFakeAccess(repo),
		blobs:   &spyStore{MemoryStore: blobstore.NewMemoryStore("http://localhost:8000/blobs", []byte("blob-secret"))},
		patient: auth.Principal{AccountID: uuid.New(), Email: "pat@example.com", Role: auth.RolePatient},
		doctor:  auth.Principal{AccountID: uuid.New(), Email: "ana@clinic.example", Role: auth.RoleDoctor},
	}
	env.svc = NewService(repo, env.access, env.blobs, db.NoTx{}, Config{
		MaxUploadBytes:  30 << 20,
		DefaultGrantTTL: 24 * time.Hour,
		PublicURLTTL:    10 * time.Minute,
	}, WithClock(env.tick))
	return env
}

// tick advances the clock by a millisecond per call so consecutive uploads
// get distinct storage paths.
func (env *testEnv) tick() time.Time {
	env.clock = env.clock.Add(time.Millisecond)
	return env.clock
}

const pdfBody = "%PDF-1.4 lab results"

func pdfUpload() UploadInput {
	return UploadInput{
		Title:       "Blood panel",
		Type:        TypeLaboratory,
		FileName:    "panel.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(pdfBody)),
		Body:        strings.NewReader(pdfBody),
	}
}

// unreadable fails the test's expectations if anything reads it.
type unreadable struct{ reads int }

func (u *unreadable) Read([]byte) (int, error) {
	u.reads++
	return 0, io.ErrUnexpectedEOF
}

func pageOf(limit int) pagination.Params {
	return pagination.Params{Limit: limit}
}
