package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMigrations(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001_blood_bank_core.sql": "CREATE TABLE blood_issue (id UUID PRIMARY KEY);",
		"002_mtp_session.sql":     "CREATE TABLE mtp_session (id UUID PRIMARY KEY);",
		"003_audit_event.sql":     "CREATE TABLE bb_audit_event (id UUID PRIMARY KEY);",
	})

	migrator := NewMigrator(nil, dir)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 || migrations[0].Name != "001_blood_bank_core.sql" {
		t.Errorf("first migration = %d %s", migrations[0].Version, migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE blood_issue (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 || migrations[2].Version != 3 {
		t.Errorf("versions = %d, %d, want 2, 3", migrations[1].Version, migrations[2].Version)
	}
}

func TestLoadMigrationsSortsByVersion(t *testing.T) {
	dir := t.TempDir()
	// Written out of order; the loader must sort by numeric prefix, not
	// lexically, so 010 follows 005.
	writeMigrations(t, dir, map[string]string{
		"010_reaction_severity.sql": "SELECT 10;",
		"002_mtp_session.sql":       "SELECT 2;",
		"001_blood_bank_core.sql":   "SELECT 1;",
		"005_vitals_index.sql":      "SELECT 5;",
	})

	migrator := NewMigrator(nil, dir)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration[%d] version = %d, want %d", i, migrations[i].Version, v)
		}
	}
}

func TestLoadMigrationsSkipsNonVersionedFiles(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001_blood_bank_core.sql": "SELECT 1;",
		"002_mtp_session.sql":     "SELECT 2;",
		"seed.sql":                "-- no version prefix",
		"notes.txt":               "not sql",
		"wip_cross_match.sql":     "-- non-numeric prefix",
	})

	migrator := NewMigrator(nil, dir)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 versioned migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("versions = %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestLoadMigrationsEmptyDir(t *testing.T) {
	migrator := NewMigrator(nil, t.TempDir())
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestLoadMigrationsMissingDir(t *testing.T) {
	migrator := NewMigrator(nil, filepath.Join(t.TempDir(), "missing"))
	if _, err := migrator.LoadMigrations(); err == nil {
		t.Error("expected error for missing directory")
	}
}

// The shipped migration set must always load: every file versioned, in order,
// non-empty.
func TestLoadShippedMigrations(t *testing.T) {
	migrator := NewMigrator(nil, filepath.Join("..", "..", "..", "migrations"))
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) < 3 {
		t.Fatalf("expected the core, mtp and audit migrations, got %d files", len(migrations))
	}
	for i, mig := range migrations {
		if mig.Version != i+1 {
			t.Errorf("migration %s has version %d at position %d; the set must be gapless", mig.Name, mig.Version, i)
		}
		if mig.SQL == "" {
			t.Errorf("migration %s is empty", mig.Name)
		}
	}
}

func TestMigrationStatusPartitioning(t *testing.T) {
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001_blood_bank_core.sql": "SELECT 1;",
		"002_mtp_session.sql":     "SELECT 2;",
		"003_audit_event.sql":     "SELECT 3;",
	})

	migrator := NewMigrator(nil, dir)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	applied := map[int]bool{1: true}
	var statuses []MigrationStatus
	for _, mig := range migrations {
		statuses = append(statuses, MigrationStatus{
			Version: mig.Version,
			Name:    mig.Name,
			Applied: applied[mig.Version],
		})
	}

	if !statuses[0].Applied {
		t.Error("core migration should report applied")
	}
	if statuses[1].Applied || statuses[2].Applied {
		t.Error("mtp and audit migrations should report pending")
	}
	if statuses[1].AppliedAt != nil || statuses[2].AppliedAt != nil {
		t.Error("pending migrations must carry no AppliedAt")
	}
}
