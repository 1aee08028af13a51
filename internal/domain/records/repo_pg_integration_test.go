//go:build integration

package records_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/domain/identity"
	"github.com/medvault/medvault/internal/domain/records"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/testhelpers"
	"github.com/medvault/medvault/pkg/pagination"
)

func createOwner(t *testing.T, pool *pgxpool.Pool, email string) uuid.UUID {
	t.Helper()
	a := &identity.Account{Email: email, PasswordHash: "h", Role: auth.RolePatient}
	require.NoError(t, identity.NewAccountRepo(pool).Create(context.Background(), a))
	return a.ID
}

func newRecord(owner uuid.UUID, title string, typ records.Type, n int) *records.Record {
	return &records.Record{
		Title:        title,
		Type:         typ,
		OwnerID:      owner,
		UploadedBy:   "pat@example.com",
		StoragePath:  fmt.Sprintf("%s/%d.pdf", owner, 1700000000000+n),
		OriginalName: "scan.pdf",
		ContentType:  "application/pdf",
		Size:         1024,
		ContentHash:  "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	}
}

func TestRecordRepo_Postgres(t *testing.T) {
	pool := testhelpers.StartPostgres(t)
	ctx := context.Background()
	repo := records.NewRepo(pool)

	owner := createOwner(t, pool, "pat@example.com")
	other := createOwner(t, pool, "other@example.com")

	var created []*records.Record
	for i, tc := range []struct {
		title string
		typ   records.Type
	}{
		{"Blood panel", records.TypeLaboratory},
		{"Knee MRI", records.TypeImaging},
		{"Lipid 50%_off panel", records.TypeLaboratory},
	} {
		rec := newRecord(owner, tc.title, tc.typ, i)
		require.NoError(t, repo.Create(ctx, rec))
		created = append(created, rec)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, repo.Create(ctx, newRecord(other, "Someone else", records.TypeOther, 99)))

	t.Run("get round trips", func(t *testing.T) {
		got, err := repo.GetByID(ctx, created[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "Blood panel", got.Title)
		assert.Equal(t, records.TypeLaboratory, got.Type)
		assert.Equal(t, created[0].StoragePath, got.StoragePath)
		assert.Equal(t, int64(1024), got.Size)

		_, err = repo.GetByID(ctx, uuid.New())
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("storage path is unique", func(t *testing.T) {
		dup := newRecord(owner, "Dup", records.TypeOther, 0)
		err := repo.Create(ctx, dup)
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	})

	t.Run("unknown owner", func(t *testing.T) {
		err := repo.Create(ctx, newRecord(uuid.New(), "Orphan", records.TypeOther, 500))
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("list by owner newest first", func(t *testing.T) {
		items, total, err := repo.ListByOwner(ctx, owner, records.ListFilter{Params: pagination.Params{Limit: 2}})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, items, 2)
		assert.Equal(t, created[2].ID, items[0].ID)
		assert.Equal(t, created[1].ID, items[1].ID)
	})

	t.Run("list filters by type and title", func(t *testing.T) {
		items, total, err := repo.ListByOwner(ctx, owner, records.ListFilter{
			Type:   records.TypeLaboratory,
			Params: pagination.Params{Limit: 10},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, items, 2)

		// LIKE wildcards in the query are matched literally
		items, total, err = repo.ListByOwner(ctx, owner, records.ListFilter{
			Query:  "50%_",
			Params: pagination.Params{Limit: 10},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, items, 1)
		assert.Equal(t, created[2].ID, items[0].ID)

		_, total, err = repo.ListByOwner(ctx, owner, records.ListFilter{
			Query:  "PANEL",
			Params: pagination.Params{Limit: 10},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("get many skips unknown ids", func(t *testing.T) {
		items, err := repo.GetMany(ctx, []uuid.UUID{created[0].ID, uuid.New(), created[1].ID})
		require.NoError(t, err)
		assert.Len(t, items, 2)

		items, err = repo.GetMany(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, created[1].ID))
		_, err := repo.GetByID(ctx, created[1].ID)
		assert.True(t, apperr.IsNotFound(err))
		assert.True(t, apperr.IsNotFound(repo.Delete(ctx, created[1].ID)))
	})
}
