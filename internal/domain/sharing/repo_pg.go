package sharing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/domain/records"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db"
)

type grantRepoPG struct {
	pool *pgxpool.Pool
}

func NewGrantRepo(pool *pgxpool.Pool) GrantRepository {
	return &grantRepoPG{pool: pool}
}

const grantCols = `id, record_id, grantee_id, permission, expires_at, granted_by, created_at`

func (r *grantRepoPG) Create(ctx context.Context, g *Grant) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO record_grants (id, record_id, grantee_id, permission, expires_at, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		g.ID, g.RecordID, g.GranteeID, string(g.Permission), g.ExpiresAt, g.GrantedBy,
	).Scan(&g.CreatedAt)
	if db.IsForeignKeyViolation(err) {
		return apperr.NotFound("record or doctor not found")
	}
	if err != nil {
		return apperr.Persistence(err, "create grant")
	}
	return nil
}

func (r *grantRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Grant, error) {
	return scanGrant(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+grantCols+` FROM record_grants WHERE id = $1`, id))
}

func (r *grantRepoPG) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]*Grant, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+grantCols+` FROM record_grants
		WHERE record_id = $1
		ORDER BY created_at DESC, id`, recordID)
	if err != nil {
		return nil, apperr.Persistence(err, "list grants")
	}
	return collectGrants(rows, "list grants")
}

func (r *grantRepoPG) ListActiveForGrantee(ctx context.Context, granteeID uuid.UUID, now time.Time) ([]*Grant, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+grantCols+` FROM record_grants
		WHERE grantee_id = $1 AND expires_at > $2
		ORDER BY created_at DESC, id`, granteeID, now)
	if err != nil {
		return nil, apperr.Persistence(err, "list shared grants")
	}
	return collectGrants(rows, "list shared grants")
}

func (r *grantRepoPG) ListActiveForRecordAndGrantee(ctx context.Context, recordID, granteeID uuid.UUID, now time.Time) ([]*Grant, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+grantCols+` FROM record_grants
		WHERE record_id = $1 AND grantee_id = $2 AND expires_at > $3`, recordID, granteeID, now)
	if err != nil {
		return nil, apperr.Persistence(err, "check grants")
	}
	return collectGrants(rows, "check grants")
}

func (r *grantRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM record_grants WHERE id = $1`, id)
	if err != nil {
		return apperr.Persistence(err, "delete grant")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("grant not found")
	}
	return nil
}

func (r *grantRepoPG) DeleteByRecord(ctx context.Context, recordID uuid.UUID) ([]*Grant, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		DELETE FROM record_grants WHERE record_id = $1
		RETURNING `+grantCols, recordID)
	if err != nil {
		return nil, apperr.Persistence(err, "delete record grants")
	}
	return collectGrants(rows, "delete record grants")
}

func (r *grantRepoPG) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM record_grants WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, apperr.Persistence(err, "purge expired grants")
	}
	return int(tag.RowsAffected()), nil
}

func collectGrants(rows pgx.Rows, op string) ([]*Grant, error) {
	defer rows.Close()
	var out []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "%s", op)
	}
	return out, nil
}

func scanGrant(row pgx.Row) (*Grant, error) {
	var g Grant
	var perm string
	if err := row.Scan(&g.ID, &g.RecordID, &g.GranteeID, &perm, &g.ExpiresAt, &g.GrantedBy, &g.CreatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("grant not found")
		}
		return nil, apperr.Persistence(err, "load grant")
	}
	g.Permission = records.Permission(perm)
	return &g, nil
}
