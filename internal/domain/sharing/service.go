package sharing

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/identity"
	"github.com/medvault/medvault/internal/domain/records"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/websocket"
)

// DoctorDirectory resolves grantees. identity.DoctorRepository satisfies it.
type DoctorDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*identity.Doctor, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*identity.Doctor, error)
	GetByContactEmail(ctx context.Context, email string) (*identity.Doctor, error)
}

type Service struct {
	grants  GrantRepository
	records records.Repository
	doctors DoctorDirectory
	tx      db.TxRunner
	events  websocket.Publisher
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithPublisher(p websocket.Publisher) Option { return func(s *Service) { s.events = p } }
func WithDefaultTTL(ttl time.Duration) Option    { return func(s *Service) { s.ttl = ttl } }
func WithLogger(l zerolog.Logger) Option         { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option      { return func(s *Service) { s.now = now } }

func NewService(grants GrantRepository, recs records.Repository, doctors DoctorDirectory, tx db.TxRunner, opts ...Option) *Service {
	s := &Service{
		grants:  grants,
		records: recs,
		doctors: doctors,
		tx:      tx,
		events:  websocket.NopPublisher{},
		ttl:     30 * 24 * time.Hour,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ records.Access = (*Service)(nil)

// DefaultExpiry is the expiry used when a grant request does not name one.
func (s *Service) DefaultExpiry() time.Time {
	return s.now().Add(s.ttl)
}

// -- Create --

func (s *Service) validateGrant(perm Permission, expiresAt time.Time) error {
	if !perm.Valid() {
		return apperr.Validation("permission must be one of view, download, full")
	}
	if !expiresAt.After(s.now()) {
		return apperr.Validation("expires_at must be in the future")
	}
	return nil
}

// ownedRecord loads the record and requires actor to own it.
func (s *Service) ownedRecord(ctx context.Context, actor auth.Principal, recordID uuid.UUID) (*records.Record, error) {
	rec, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != actor.AccountID {
		return nil, apperr.Forbidden("only the owner can manage sharing for this record")
	}
	return rec, nil
}

// activeDoctor resolves a grantee and rejects unknown or inactive doctors.
func (s *Service) activeDoctor(ctx context.Context, id uuid.UUID) (*identity.Doctor, error) {
	if id == uuid.Nil {
		return nil, apperr.Validation("grantee_id is required")
	}
	d, err := s.doctors.GetByID(ctx, id)
	if apperr.IsNotFound(err) {
		return nil, apperr.Validation("grantee %s is not a registered doctor", id)
	}
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, apperr.Validation("doctor %s is not active", id)
	}
	return d, nil
}

func (s *Service) CreateGrant(ctx context.Context, actor auth.Principal, recordID, granteeID uuid.UUID, perm Permission, expiresAt time.Time) (*Grant, error) {
	grants, err := s.CreateGrants(ctx, actor, recordID, []uuid.UUID{granteeID}, perm, expiresAt)
	if err != nil {
		return nil, err
	}
	return grants[0], nil
}

// CreateGrants inserts one grant per doctor in a single transaction. Duplicate
// doctor IDs are collapsed.
func (s *Service) CreateGrants(ctx context.Context, actor auth.Principal, recordID uuid.UUID, granteeIDs []uuid.UUID, perm Permission, expiresAt time.Time) ([]*Grant, error) {
	if err := s.validateGrant(perm, expiresAt); err != nil {
		return nil, err
	}
	if len(granteeIDs) == 0 {
		return nil, apperr.Validation("at least one grantee is required")
	}
	for _, id := range granteeIDs {
		if id == uuid.Nil {
			return nil, apperr.Validation("grantee_id is required")
		}
	}

	rec, err := s.ownedRecord(ctx, actor, recordID)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool, len(granteeIDs))
	var doctors []*identity.Doctor
	for _, id := range granteeIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, err := s.activeDoctor(ctx, id)
		if err != nil {
			return nil, err
		}
		doctors = append(doctors, d)
	}

	now := s.now()
	out := make([]*Grant, 0, len(doctors))
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, d := range doctors {
			g := &Grant{
				ID:         uuid.New(),
				RecordID:   rec.ID,
				GranteeID:  d.ID,
				Permission: perm,
				ExpiresAt:  expiresAt,
				GrantedBy:  actor.AccountID,
			}
			if err := s.grants.Create(ctx, g); err != nil {
				return err
			}
			g.Active = IsGrantActive(g, now)
			out = append(out, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Inside an enclosing transaction (upload), grantees hear about the
	// grants only once it commits.
	db.AfterCommit(ctx, func() {
		for i, g := range out {
			s.logger.Info().
				Str("grant_id", g.ID.String()).
				Str("record_id", rec.ID.String()).
				Str("grantee_id", g.GranteeID.String()).
				Str("permission", string(g.Permission)).
				Time("expires_at", g.ExpiresAt).
				Msg("grant created")
			s.publish(ctx, doctors[i].AccountID, websocket.EventGrantCreated, rec, g)
		}
	})
	return out, nil
}

// GrantByEmail resolves a doctor by contact email and grants them access.
func (s *Service) GrantByEmail(ctx context.Context, actor auth.Principal, recordID uuid.UUID, email string, perm Permission, expiresAt time.Time) (*Grant, error) {
	if err := s.validateGrant(perm, expiresAt); err != nil {
		return nil, err
	}
	normalized := identity.NormalizeEmail(email)
	if normalized == "" {
		return nil, apperr.Validation("email is required")
	}
	d, err := s.doctors.GetByContactEmail(ctx, normalized)
	if apperr.IsNotFound(err) {
		return nil, apperr.NotFound("no doctor registered with email %s", normalized)
	}
	if err != nil {
		return nil, err
	}
	return s.CreateGrant(ctx, actor, recordID, d.ID, perm, expiresAt)
}

// ShareRecord is the upload-time share used by the records service.
func (s *Service) ShareRecord(ctx context.Context, actor auth.Principal, recordID uuid.UUID, doctorIDs []uuid.UUID, perm Permission, expiresAt time.Time) (int, error) {
	grants, err := s.CreateGrants(ctx, actor, recordID, doctorIDs, perm, expiresAt)
	return len(grants), err
}

// -- Revoke --

// RevokeGrants deletes every grant on the record. No grants is not an error.
func (s *Service) RevokeGrants(ctx context.Context, actor auth.Principal, recordID uuid.UUID) (int, error) {
	rec, err := s.ownedRecord(ctx, actor, recordID)
	if err != nil {
		return 0, err
	}
	deleted, err := s.grants.DeleteByRecord(ctx, recordID)
	if err != nil {
		return 0, err
	}
	for _, g := range deleted {
		s.notifyGrantee(ctx, g.GranteeID, websocket.EventGrantRevoked, rec, g)
	}
	s.logger.Info().Str("record_id", recordID.String()).Int("count", len(deleted)).Msg("grants revoked")
	return len(deleted), nil
}

func (s *Service) RevokeGrant(ctx context.Context, actor auth.Principal, grantID uuid.UUID) error {
	g, err := s.grants.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	rec, err := s.ownedRecord(ctx, actor, g.RecordID)
	if err != nil {
		return err
	}
	if err := s.grants.Delete(ctx, grantID); err != nil {
		return err
	}
	s.notifyGrantee(ctx, g.GranteeID, websocket.EventGrantRevoked, rec, g)
	s.logger.Info().Str("grant_id", grantID.String()).Str("record_id", rec.ID.String()).Msg("grant revoked")
	return nil
}

// DeleteRecordGrants removes all grants on a record that is being deleted
// and returns the distinct doctor IDs that held them.
func (s *Service) DeleteRecordGrants(ctx context.Context, recordID uuid.UUID) ([]uuid.UUID, error) {
	deleted, err := s.grants.DeleteByRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(deleted))
	var ids []uuid.UUID
	for _, g := range deleted {
		if !seen[g.GranteeID] {
			seen[g.GranteeID] = true
			ids = append(ids, g.GranteeID)
		}
	}
	return ids, nil
}

func (s *Service) RecordDeleted(ctx context.Context, rec *records.Record, doctorIDs []uuid.UUID) {
	for _, id := range doctorIDs {
		s.notifyGrantee(ctx, id, websocket.EventRecordDeleted, rec, nil)
	}
}

// PurgeExpired deletes grants that expired at or before now.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := s.grants.DeleteExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int("count", n).Msg("expired grants purged")
	}
	return n, nil
}

// -- Read --

// ListGrantsForRecord returns every grant on the record, expired ones
// included, each flagged with whether it is active.
func (s *Service) ListGrantsForRecord(ctx context.Context, actor auth.Principal, recordID uuid.UUID) ([]*Grant, error) {
	if _, err := s.ownedRecord(ctx, actor, recordID); err != nil {
		return nil, err
	}
	grants, err := s.grants.ListByRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, g := range grants {
		g.Active = IsGrantActive(g, now)
	}
	return grants, nil
}

// ListVisibleRecords returns the records shared with the doctor behind
// actor through at least one active grant, with the strongest active
// permission and the latest expiry among those grants.
func (s *Service) ListVisibleRecords(ctx context.Context, actor auth.Principal, f SharedFilter) ([]*SharedRecord, error) {
	if actor.Role != auth.RoleDoctor {
		return nil, apperr.Forbidden("only doctors have shared records")
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, apperr.Validation("type %q is not a recognized record type", f.Type)
	}
	query := strings.ToLower(strings.TrimSpace(f.Query))
	d, err := s.doctors.GetByAccountID(ctx, actor.AccountID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	grants, err := s.grants.ListActiveForGrantee(ctx, d.ID, now)
	if err != nil {
		return nil, err
	}

	type access struct {
		perm      Permission
		expiresAt time.Time
	}
	byRecord := make(map[uuid.UUID]*access)
	var ids []uuid.UUID
	for _, g := range grants {
		if !IsGrantActive(g, now) {
			continue
		}
		a, ok := byRecord[g.RecordID]
		if !ok {
			byRecord[g.RecordID] = &access{perm: g.Permission, expiresAt: g.ExpiresAt}
			ids = append(ids, g.RecordID)
			continue
		}
		a.perm = a.perm.Stronger(g.Permission)
		if g.ExpiresAt.After(a.expiresAt) {
			a.expiresAt = g.ExpiresAt
		}
	}

	recs, err := s.records.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*SharedRecord, 0, len(recs))
	for _, rec := range recs {
		a := byRecord[rec.ID]
		if a == nil {
			continue
		}
		if f.Type != "" && rec.Type != f.Type {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(rec.Title), query) {
			continue
		}
		out = append(out, &SharedRecord{Record: rec, Permission: a.perm, ExpiresAt: a.expiresAt})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Authorize returns the record when actor owns it or, as a doctor, holds an
// active grant whose permission covers need. Callers without any active
// grant get not_found so record IDs do not leak; a grant that is too weak
// gets forbidden.
func (s *Service) Authorize(ctx context.Context, actor auth.Principal, recordID uuid.UUID, need Permission) (*records.Record, error) {
	rec, err := s.records.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID == actor.AccountID {
		return rec, nil
	}
	if actor.Role != auth.RoleDoctor {
		return nil, apperr.NotFound("record not found")
	}
	d, err := s.doctors.GetByAccountID(ctx, actor.AccountID)
	if apperr.IsNotFound(err) {
		return nil, apperr.NotFound("record not found")
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	grants, err := s.grants.ListActiveForRecordAndGrantee(ctx, recordID, d.ID, now)
	if err != nil {
		return nil, err
	}
	var best Permission
	for _, g := range grants {
		if IsGrantActive(g, now) {
			best = best.Stronger(g.Permission)
		}
	}
	switch {
	case best == "":
		return nil, apperr.NotFound("record not found")
	case !best.Covers(need):
		return nil, apperr.Forbidden("your %s grant does not allow %s access", best, need)
	}
	return rec, nil
}

// -- Events --

type grantEventData struct {
	Title      string     `json:"title"`
	Permission Permission `json:"permission,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (s *Service) notifyGrantee(ctx context.Context, doctorID uuid.UUID, eventType string, rec *records.Record, g *Grant) {
	d, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		s.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Str("event", eventType).Msg("event not delivered: grantee lookup failed")
		return
	}
	s.publish(ctx, d.AccountID, eventType, rec, g)
}

func (s *Service) publish(ctx context.Context, accountID uuid.UUID, eventType string, rec *records.Record, g *Grant) {
	data := grantEventData{Title: rec.Title}
	evt := websocket.Event{
		Type:      eventType,
		Topic:     websocket.AccountTopic(accountID),
		RecordID:  rec.ID.String(),
		Timestamp: s.now().UTC(),
	}
	if g != nil {
		evt.GrantID = g.ID.String()
		data.Permission = g.Permission
		exp := g.ExpiresAt
		data.ExpiresAt = &exp
	}
	evt.Data, _ = json.Marshal(data)
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("topic", evt.Topic).Msg("event publish failed")
	}
}
