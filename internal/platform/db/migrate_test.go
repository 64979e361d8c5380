package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_events.sql":   {Data: []byte("CREATE TABLE medication_event (id UUID);")},
		"001_commands.sql": {Data: []byte("CREATE TABLE medication_command (id UUID);")},
		"README.md":        {Data: []byte("not a migration")},
		"notes_x.sql":      {Data: []byte("-- no numeric prefix")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_commands.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
	if migrations[0].SQL != "CREATE TABLE medication_command (id UUID);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_a.sql"},
		{Version: 2, Name: "002_b.sql"},
		{Version: 3, Name: "003_c.sql"},
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at, 3: at}

	p := pending(migrations, applied)
	if len(p) != 1 || p[0].Version != 2 {
		t.Fatalf("expected only version 2 pending, got %+v", p)
	}

	st := statusOf(migrations, applied)
	if len(st) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(st))
	}
	if !st[0].Applied || st[1].Applied || !st[2].Applied {
		t.Errorf("unexpected applied flags: %+v", st)
	}
	if st[0].AppliedAt == nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("expected applied_at %v, got %v", at, st[0].AppliedAt)
	}
}
