package records

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/db"
)

type recordRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

const recordCols = `id, title, type, owner_id, uploaded_by, storage_path, original_name,
	content_type, size, content_hash, created_at`

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO records (id, title, type, owner_id, uploaded_by, storage_path,
			original_name, content_type, size, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		rec.ID, rec.Title, string(rec.Type), rec.OwnerID, rec.UploadedBy, rec.StoragePath,
		rec.OriginalName, rec.ContentType, rec.Size, rec.ContentHash,
	).Scan(&rec.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("storage path %s is already in use", rec.StoragePath)
	}
	if db.IsForeignKeyViolation(err) {
		return apperr.Validation("record owner does not exist")
	}
	if err != nil {
		return apperr.Persistence(err, "create record")
	}
	return nil
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+recordCols+` FROM records WHERE id = $1`, id))
}

func (r *recordRepoPG) GetMany(ctx context.Context, ids []uuid.UUID) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+recordCols+` FROM records
		WHERE id = ANY($1)
		ORDER BY created_at DESC, id`, ids)
	if err != nil {
		return nil, apperr.Persistence(err, "load records")
	}
	return collectRecords(rows, "load records")
}

func (r *recordRepoPG) ListByOwner(ctx context.Context, ownerID uuid.UUID, f ListFilter) ([]*Record, int, error) {
	q := db.NewListQuery("records", recordCols)
	q.AddEqual("owner_id", ownerID)
	if f.Type != "" {
		q.AddEqual("type", string(f.Type))
	}
	if f.Query != "" {
		q.AddContains("title", f.Query)
	}
	q.OrderBy("created_at DESC, id")

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, apperr.Persistence(err, "count records")
	}
	rows, err := conn.Query(ctx, q.DataSQL(), q.DataArgs(f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, apperr.Persistence(err, "list records")
	}
	items, err := collectRecords(rows, "list records")
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	if db.IsForeignKeyViolation(err) {
		return apperr.Conflict("record still has share grants")
	}
	if err != nil {
		return apperr.Persistence(err, "delete record")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("record not found")
	}
	return nil
}

func collectRecords(rows pgx.Rows, op string) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "%s", op)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var typ string
	err := row.Scan(&rec.ID, &rec.Title, &typ, &rec.OwnerID, &rec.UploadedBy, &rec.StoragePath,
		&rec.OriginalName, &rec.ContentType, &rec.Size, &rec.ContentHash, &rec.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("record not found")
		}
		return nil, apperr.Persistence(err, "load record")
	}
	rec.Type = Type(typ)
	return &rec, nil
}
