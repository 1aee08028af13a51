package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/blobstore"
	"github.com/medvault/medvault/internal/platform/db"
)

// CacheControl is stored with every uploaded blob.
const CacheControl = "max-age=3600"

// Access is the share-grant side of record access. The sharing service
// implements it; records never touch the grant table directly.
type Access interface {
	// Authorize loads the record and checks that actor owns it or holds an
	// active grant covering need.
	Authorize(ctx context.Context, actor auth.Principal, recordID uuid.UUID, need Permission) (*Record, error)
	// ShareRecord creates one grant per doctor. It joins a transaction
	// already present in ctx.
	ShareRecord(ctx context.Context, actor auth.Principal, recordID uuid.UUID, doctorIDs []uuid.UUID, perm Permission, expiresAt time.Time) (int, error)
	// DeleteRecordGrants removes every grant on the record and returns the
	// affected doctor IDs. It joins a transaction already present in ctx.
	DeleteRecordGrants(ctx context.Context, recordID uuid.UUID) ([]uuid.UUID, error)
	// RecordDeleted notifies former grantees.
	RecordDeleted(ctx context.Context, rec *Record, doctorIDs []uuid.UUID)
}

type Config struct {
	// MaxUploadBytes is exclusive: a file of exactly this size is rejected.
	MaxUploadBytes  int64
	DefaultGrantTTL time.Duration
	PublicURLTTL    time.Duration
}

type Service struct {
	repo   Repository
	access Access
	blobs  blobstore.Store
	tx     db.TxRunner
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option    { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, access Access, blobs blobstore.Store, tx db.TxRunner, cfg Config, opts ...Option) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 30 << 20
	}
	if cfg.DefaultGrantTTL <= 0 {
		cfg.DefaultGrantTTL = 30 * 24 * time.Hour
	}
	if cfg.PublicURLTTL <= 0 {
		cfg.PublicURLTTL = 15 * time.Minute
	}
	s := &Service{
		repo:   repo,
		access: access,
		blobs:  blobs,
		tx:     tx,
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Types lists the record categories a patient can choose from.
func (s *Service) Types() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// -- Upload --

type validUpload struct {
	title       string
	contentType string
	ext         string
	shareWith   []uuid.UUID
	sharePerm   Permission
}

func (s *Service) validateUpload(actor auth.Principal, in UploadInput) (*validUpload, error) {
	if actor.Role != auth.RolePatient {
		return nil, apperr.Forbidden("only patients can upload records")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.Validation("title is required")
	}
	if !in.Type.Valid() {
		return nil, apperr.Validation("type %q is not a recognized record type", in.Type)
	}
	if strings.TrimSpace(in.FileName) == "" {
		return nil, apperr.Validation("file name is required")
	}
	if in.Body == nil || in.Size <= 0 {
		return nil, apperr.Validation("file is empty")
	}
	if in.Size >= s.cfg.MaxUploadBytes {
		return nil, apperr.Validation("file must be smaller than %d MiB", s.cfg.MaxUploadBytes>>20).
			WithStatus(http.StatusRequestEntityTooLarge)
	}
	contentType, ext, ok := resolveContentType(in.ContentType, in.FileName)
	if !ok {
		return nil, apperr.Validation("unsupported file type %q: upload a PDF, JPEG, PNG or Word document", in.ContentType).
			WithStatus(http.StatusUnsupportedMediaType)
	}

	seen := make(map[uuid.UUID]bool, len(in.ShareWith))
	var share []uuid.UUID
	for _, id := range in.ShareWith {
		if id == uuid.Nil {
			return nil, apperr.Validation("share_with contains an empty doctor id")
		}
		if !seen[id] {
			seen[id] = true
			share = append(share, id)
		}
	}
	perm := in.SharePermission
	if perm == "" {
		perm = PermissionDownload
	}
	if !perm.Valid() {
		return nil, apperr.Validation("share_permission must be one of view, download, full")
	}
	return &validUpload{title: title, contentType: contentType, ext: ext, shareWith: share, sharePerm: perm}, nil
}

// Upload stores the file, then inserts the metadata row and any initial
// grants in one transaction. Nothing reaches the blob store unless the input
// is valid. If the transaction fails the blob is removed again; a failed
// removal is reported in the returned error.
func (s *Service) Upload(ctx context.Context, actor auth.Principal, in UploadInput) (*Record, error) {
	v, err := s.validateUpload(actor, in)
	if err != nil {
		return nil, err
	}

	now := s.now()
	path := fmt.Sprintf("%s/%d.%s", actor.AccountID, now.UnixMilli(), v.ext)
	hash := sha256.New()
	body := io.TeeReader(io.LimitReader(in.Body, in.Size+1), hash)

	_, err = s.blobs.Put(ctx, path, body, in.Size, blobstore.PutOptions{
		ContentType:  v.contentType,
		CacheControl: CacheControl,
	})
	switch {
	case errors.Is(err, blobstore.ErrExists):
		return nil, apperr.Conflict("an upload is already stored at this path, retry")
	case err != nil:
		return nil, apperr.Persistence(err, "upload file")
	}

	rec := &Record{
		ID:           uuid.New(),
		Title:        v.title,
		Type:         in.Type,
		OwnerID:      actor.AccountID,
		UploadedBy:   actor.Email,
		StoragePath:  path,
		OriginalName: strings.TrimSpace(in.FileName),
		ContentType:  v.contentType,
		Size:         in.Size,
		ContentHash:  hex.EncodeToString(hash.Sum(nil)),
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, rec); err != nil {
			return err
		}
		if len(v.shareWith) == 0 {
			return nil
		}
		_, err := s.access.ShareRecord(ctx, actor, rec.ID, v.shareWith, v.sharePerm, now.Add(s.cfg.DefaultGrantTTL))
		return err
	})
	if err != nil {
		return nil, s.compensateUpload(ctx, path, err)
	}

	s.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("owner_id", rec.OwnerID.String()).
		Int64("size", rec.Size).
		Int("shared_with", len(v.shareWith)).
		Msg("record uploaded")
	return rec, nil
}

// compensateUpload removes a blob whose metadata row was never committed.
func (s *Service) compensateUpload(ctx context.Context, path string, cause error) error {
	cleanupErr := s.blobs.Delete(context.WithoutCancel(ctx), path)
	if cleanupErr != nil && !errors.Is(cleanupErr, blobstore.ErrNotFound) {
		s.logger.Error().Err(cleanupErr).Str("storage_path", path).AnErr("cause", cause).
			Msg("orphaned blob: metadata insert failed and cleanup failed")
		return apperr.Persistence(errors.Join(cause, cleanupErr),
			"record could not be saved and the uploaded file %s could not be removed", path).AsPartial()
	}
	if apperr.KindOf(cause) != "" && !apperr.Is(cause, apperr.KindPersistence) {
		return cause
	}
	return apperr.Persistence(cause, "record could not be saved; the uploaded file was removed")
}

// -- Read --

func (s *Service) ListOwned(ctx context.Context, actor auth.Principal, f ListFilter) ([]*Record, int, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, apperr.Validation("type %q is not a recognized record type", f.Type)
	}
	f.Query = strings.TrimSpace(f.Query)
	return s.repo.ListByOwner(ctx, actor.AccountID, f)
}

func (s *Service) Get(ctx context.Context, actor auth.Principal, id uuid.UUID) (*Record, error) {
	return s.access.Authorize(ctx, actor, id, PermissionView)
}

// Download streams the file. The caller must close the reader.
func (s *Service) Download(ctx context.Context, actor auth.Principal, id uuid.UUID) (io.ReadCloser, *Record, error) {
	rec, err := s.access.Authorize(ctx, actor, id, PermissionDownload)
	if err != nil {
		return nil, nil, err
	}
	body, _, err := s.blobs.Get(ctx, rec.StoragePath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Error().Str("record_id", rec.ID.String()).Str("storage_path", rec.StoragePath).Msg("record file missing from storage")
		}
		return nil, nil, apperr.Persistence(err, "read record file")
	}
	return body, rec, nil
}

func (s *Service) PublicURL(ctx context.Context, actor auth.Principal, id uuid.UUID) (*PublicLink, error) {
	rec, err := s.access.Authorize(ctx, actor, id, PermissionDownload)
	if err != nil {
		return nil, err
	}
	url, err := s.blobs.PublicURL(ctx, rec.StoragePath, s.cfg.PublicURLTTL)
	if err != nil {
		return nil, apperr.Persistence(err, "create public url")
	}
	return &PublicLink{URL: url, ExpiresAt: s.now().Add(s.cfg.PublicURLTTL)}, nil
}

// -- Delete --

// Delete removes the record's grants and row in one transaction, then the
// blob. A blob failure after the commit is returned as a partial
// persistence error.
func (s *Service) Delete(ctx context.Context, actor auth.Principal, id uuid.UUID) error {
	rec, err := s.access.Authorize(ctx, actor, id, PermissionView)
	if err != nil {
		return err
	}
	if rec.OwnerID != actor.AccountID {
		return apperr.Forbidden("only the owner can delete a record")
	}

	var grantees []uuid.UUID
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if grantees, err = s.access.DeleteRecordGrants(ctx, id); err != nil {
			return err
		}
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.access.RecordDeleted(ctx, rec, grantees)

	if err := s.blobs.Delete(ctx, rec.StoragePath); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Warn().Str("record_id", id.String()).Str("storage_path", rec.StoragePath).Msg("record file was already gone")
		} else {
			s.logger.Error().Err(err).Str("record_id", id.String()).Str("storage_path", rec.StoragePath).
				Msg("record deleted but file removal failed")
			return apperr.Persistence(err, "record deleted but its file could not be removed").AsPartial()
		}
	}

	s.logger.Info().Str("record_id", id.String()).Int("grants_removed", len(grantees)).Msg("record deleted")
	return nil
}
