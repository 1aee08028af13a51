package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
)

// -- Account Repository --

type accountRepoPG struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) AccountRepository {
	return &accountRepoPG{pool: pool}
}

const accountCols = `id, email, password_hash, role, created_at`

func (r *accountRepoPG) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO accounts (id, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		a.ID, a.Email, optional(a.PasswordHash), string(a.Role),
	).Scan(&a.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("an account with email %s already exists", a.Email)
	}
	if err != nil {
		return apperr.Persistence(err, "create account")
	}
	return nil
}

func (r *accountRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
}

func (r *accountRepoPG) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = $1`, email))
}

func (r *accountRepoPG) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE accounts SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return apperr.Persistence(err, "update password")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("account not found")
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var hash *string
	var role string
	if err := row.Scan(&a.ID, &a.Email, &hash, &role, &a.CreatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("account not found")
		}
		return nil, apperr.Persistence(err, "load account")
	}
	if hash != nil {
		a.PasswordHash = *hash
	}
	a.Role = auth.Role(role)
	return &a, nil
}

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO profiles (id, email, full_name, date_of_birth, contact_number)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		p.ID, p.Email, p.FullName, p.DateOfBirth, p.ContactNumber,
	).Scan(&p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("profile already exists")
	}
	if err != nil {
		return apperr.Persistence(err, "create profile")
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, email, full_name, date_of_birth, contact_number, created_at
		FROM profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Email, &p.FullName, &p.DateOfBirth, &p.ContactNumber, &p.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("patient profile not found")
		}
		return nil, apperr.Persistence(err, "load profile")
	}
	return &p, nil
}

// -- Doctor Repository --

type doctorRepoPG struct {
	pool *pgxpool.Pool
}

func NewDoctorRepo(pool *pgxpool.Pool) DoctorRepository {
	return &doctorRepoPG{pool: pool}
}

const doctorCols = `id, account_id, full_name, specialization, years_experience,
	contact_email, contact_phone, is_active, last_sign_in_at, created_at`

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctors (id, account_id, full_name, specialization, years_experience,
			contact_email, contact_phone, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		d.ID, d.AccountID, d.FullName, d.Specialization, d.YearsExperience,
		d.ContactEmail, d.ContactPhone, d.IsActive,
	).Scan(&d.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("a doctor with contact email %s already exists", d.ContactEmail)
	}
	if err != nil {
		return apperr.Persistence(err, "create doctor")
	}
	return nil
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE id = $1`, id))
}

func (r *doctorRepoPG) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*Doctor, error) {
	return scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE account_id = $1`, accountID))
}

func (r *doctorRepoPG) GetByContactEmail(ctx context.Context, email string) (*Doctor, error) {
	return scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE contact_email = $1`, email))
}

func (r *doctorRepoPG) ListActive(ctx context.Context) ([]*Doctor, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+doctorCols+` FROM doctors
		WHERE is_active
		ORDER BY full_name, id`)
	if err != nil {
		return nil, apperr.Persistence(err, "list doctors")
	}
	defer rows.Close()

	var out []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "list doctors")
	}
	return out, nil
}

func (r *doctorRepoPG) TouchLastSignIn(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	if _, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE doctors SET last_sign_in_at = $2 WHERE account_id = $1`, accountID, at); err != nil {
		return apperr.Persistence(err, "record doctor sign-in")
	}
	return nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.AccountID, &d.FullName, &d.Specialization, &d.YearsExperience,
		&d.ContactEmail, &d.ContactPhone, &d.IsActive, &d.LastSignInAt, &d.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("doctor not found")
		}
		return nil, apperr.Persistence(err, "load doctor")
	}
	return &d, nil
}

// -- Password Reset Repository --

type resetRepoPG struct {
	pool *pgxpool.Pool
}

func NewResetRepo(pool *pgxpool.Pool) ResetRepository {
	return &resetRepoPG{pool: pool}
}

func (r *resetRepoPG) Create(ctx context.Context, pr *PasswordReset) error {
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO password_resets (token_hash, account_id, expires_at)
		VALUES ($1, $2, $3)`,
		pr.TokenHash, pr.AccountID, pr.ExpiresAt); err != nil {
		return apperr.Persistence(err, "store reset token")
	}
	return nil
}

func (r *resetRepoPG) Consume(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE password_resets SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING account_id`,
		tokenHash, now,
	).Scan(&accountID)
	if err != nil {
		if db.IsNoRows(err) {
			return uuid.Nil, apperr.NotFound("reset token not found")
		}
		return uuid.Nil, apperr.Persistence(err, "consume reset token")
	}
	return accountID, nil
}
