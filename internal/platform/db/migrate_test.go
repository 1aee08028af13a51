package db

import (
	"context"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	src := fstest.MapFS{
		"010_tables.sql":   {Data: []byte("SELECT 10;")},
		"002_second.sql":   {Data: []byte("SELECT 2;")},
		"001_first.sql":    {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("docs")},
		"notes.sql":        {Data: []byte("no prefix")},
		"abc_invalid.sql":  {Data: []byte("non numeric")},
		"nested/004_x.sql": {Data: []byte("in a directory")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL %q", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, src).LoadMigrations(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestMergeStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	migs := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}

	statuses := mergeStatus(migs, map[int]time.Time{1: at})

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", statuses[1])
	}
}

func TestNoTx_CallsThrough(t *testing.T) {
	called := false
	err := NoTx{}.WithTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected fn to be called, err=%v", err)
	}
}
