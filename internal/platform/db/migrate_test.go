package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoad_SortsAndSkipsUnnumbered(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"010_late.sql":          "SELECT 10;",
		"001_billing_audit.sql": "CREATE TABLE billing_transitions (id BIGSERIAL);",
		"002_index.sql":         "SELECT 2;",
		"readme.sql":            "-- no version",
		"abc_invalid.sql":       "-- non-numeric",
		"notes.txt":             "not sql",
	})

	migrations, err := NewMigrator(nil, dir, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []int{1, 2, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration[%d] version = %d, want %d", i, migrations[i].Version, v)
		}
	}
	if !strings.HasPrefix(migrations[0].SQL, "CREATE TABLE billing_transitions") {
		t.Errorf("unexpected SQL %q", migrations[0].SQL)
	}
}

func TestLoad_DuplicateVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_a.sql": "SELECT 1;",
		"1_b.sql":   "SELECT 1;",
	})
	if _, err := NewMigrator(nil, dir, zerolog.Nop()).Load(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}

func TestLoad_MissingDir(t *testing.T) {
	if _, err := NewMigrator(nil, filepath.Join(t.TempDir(), "nope"), zerolog.Nop()).Load(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestPendingAndStatuses(t *testing.T) {
	migrations := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}, {Version: 3, Name: "003_c.sql"}}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	done := map[int]time.Time{1: at, 3: at}

	p := pending(migrations, done)
	if len(p) != 1 || p[0].Version != 2 {
		t.Errorf("pending = %+v", p)
	}

	st := statuses(migrations, done)
	if len(st) != 3 || !st[0].Applied || st[1].Applied || !st[2].Applied {
		t.Fatalf("statuses = %+v", st)
	}
	if st[1].AppliedAt != nil || !st[0].AppliedAt.Equal(at) {
		t.Errorf("applied_at not carried: %+v", st)
	}
}

func TestRepositoryMigrationsLoad(t *testing.T) {
	migrations, err := NewMigrator(nil, filepath.Join("..", "..", "..", "migrations"), zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migrations) == 0 || migrations[0].Name != "001_billing_audit.sql" {
		t.Errorf("unexpected repository migrations %+v", migrations)
	}
}
