//go:build integration

package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/domain/identity"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/testhelpers"
)

func TestIdentityRepos_Postgres(t *testing.T) {
	pool := testhelpers.StartPostgres(t)
	ctx := context.Background()

	accounts := identity.NewAccountRepo(pool)
	patients := identity.NewPatientRepo(pool)
	doctors := identity.NewDoctorRepo(pool)
	resets := identity.NewResetRepo(pool)

	t.Run("account email is unique regardless of case", func(t *testing.T) {
		a := &identity.Account{Email: "pat@example.com", PasswordHash: "hash", Role: auth.RolePatient}
		require.NoError(t, accounts.Create(ctx, a))
		assert.False(t, a.CreatedAt.IsZero())

		err := accounts.Create(ctx, &identity.Account{Email: "PAT@example.com", Role: auth.RolePatient})
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

		got, err := accounts.GetByEmail(ctx, "Pat@Example.com")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.True(t, got.HasPassword())
	})

	t.Run("oauth account has no password", func(t *testing.T) {
		a := &identity.Account{Email: "sso@example.com", Role: auth.RolePatient}
		require.NoError(t, accounts.Create(ctx, a))
		got, err := accounts.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, got.HasPassword())

		require.NoError(t, accounts.UpdatePassword(ctx, a.ID, "new-hash"))
		got, err = accounts.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-hash", got.PasswordHash)
	})

	t.Run("patient profile shares the account id", func(t *testing.T) {
		a := &identity.Account{Email: "jo@example.com", PasswordHash: "h", Role: auth.RolePatient}
		tx := db.NewTxRunner(pool)
		err := tx.WithTx(ctx, func(ctx context.Context) error {
			if err := accounts.Create(ctx, a); err != nil {
				return err
			}
			return patients.Create(ctx, &identity.Patient{ID: a.ID, Email: a.Email, FullName: "Jo Doe"})
		})
		require.NoError(t, err)

		p, err := patients.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Jo Doe", p.FullName)
	})

	t.Run("doctor directory", func(t *testing.T) {
		mk := func(email string, active bool) *identity.Doctor {
			a := &identity.Account{Email: email, PasswordHash: "h", Role: auth.RoleDoctor}
			require.NoError(t, accounts.Create(ctx, a))
			d := &identity.Doctor{
				AccountID:      a.ID,
				FullName:       "Dr " + email,
				Specialization: "Cardiology",
				ContactEmail:   email,
				IsActive:       active,
			}
			require.NoError(t, doctors.Create(ctx, d))
			return d
		}
		ana := mk("ana@clinic.example", true)
		mk("retired@clinic.example", false)

		got, err := doctors.GetByContactEmail(ctx, "ANA@clinic.example")
		require.NoError(t, err)
		assert.Equal(t, ana.ID, got.ID)

		got, err = doctors.GetByAccountID(ctx, ana.AccountID)
		require.NoError(t, err)
		assert.Equal(t, ana.ID, got.ID)

		active, err := doctors.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, ana.ID, active[0].ID)

		at := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, doctors.TouchLastSignIn(ctx, ana.AccountID, at))
		got, err = doctors.GetByID(ctx, ana.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastSignInAt)
		assert.True(t, got.LastSignInAt.Equal(at))

		_, err = doctors.GetByID(ctx, ana.AccountID)
		assert.True(t, apperr.IsNotFound(err), "account id is not a doctor id")
	})

	t.Run("reset tokens are single use", func(t *testing.T) {
		a := &identity.Account{Email: "reset@example.com", PasswordHash: "h", Role: auth.RolePatient}
		require.NoError(t, accounts.Create(ctx, a))
		now := time.Now()

		require.NoError(t, resets.Create(ctx, &identity.PasswordReset{TokenHash: "live", AccountID: a.ID, ExpiresAt: now.Add(time.Hour)}))
		require.NoError(t, resets.Create(ctx, &identity.PasswordReset{TokenHash: "stale", AccountID: a.ID, ExpiresAt: now.Add(-time.Minute)}))

		id, err := resets.Consume(ctx, "live", now)
		require.NoError(t, err)
		assert.Equal(t, a.ID, id)

		_, err = resets.Consume(ctx, "live", now)
		assert.True(t, apperr.IsNotFound(err))
		_, err = resets.Consume(ctx, "stale", now)
		assert.True(t, apperr.IsNotFound(err))
	})
}
