package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func initTemp(t *testing.T, dir string) *sql.DB {
	t.Helper()
	db, err := Init(dir)
	if err != nil {
		t.Fatalf("Init(%s): %v", dir, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_Layout(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", ".chatsync")
	initTemp(t, base)

	for _, p := range []string{base, filepath.Join(base, "exports")} {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			t.Errorf("%s: want directory, got %v (err %v)", p, info, err)
		}
	}
	info, err := os.Stat(filepath.Join(base, FileName))
	if err != nil {
		t.Fatalf("database file: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
		t.Errorf("database mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestInit_WAL(t *testing.T) {
	db := initTemp(t, t.TempDir())

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %s, want wal", mode)
	}
}

func TestInit_Schema(t *testing.T) {
	db := initTemp(t, t.TempDir())

	want := map[string]string{
		"batches":                  "table",
		"messages":                 "table",
		"settings":                 "table",
		"idx_batches_key_seq":      "index",
		"idx_messages_fingerprint": "index",
	}
	for name, typ := range want {
		var got string
		err := db.QueryRow("SELECT type FROM sqlite_master WHERE name = ?", name).Scan(&got)
		if err != nil {
			t.Errorf("%s %s missing: %v", typ, name, err)
			continue
		}
		if got != typ {
			t.Errorf("%s is a %s, want %s", name, got, typ)
		}
	}
}

func TestInit_Reopen(t *testing.T) {
	dir := t.TempDir()
	first := initTemp(t, dir)
	if _, err := first.Exec(`INSERT INTO settings (name, value, updated_at) VALUES ('k', 'v', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Close()

	second := initTemp(t, dir)
	version, err := GetUserVersion(second)
	if err != nil {
		t.Fatalf("GetUserVersion: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, CurrentSchemaVersion)
	}
	var value string
	if err := second.QueryRow(`SELECT value FROM settings WHERE name = 'k'`).Scan(&value); err != nil || value != "v" {
		t.Errorf("setting after reopen = %q, %v", value, err)
	}
}

func TestInit_RejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	db := initTemp(t, dir)
	if err := SetUserVersion(db, CurrentSchemaVersion+1); err != nil {
		t.Fatalf("SetUserVersion: %v", err)
	}
	if v, _ := GetUserVersion(db); v != CurrentSchemaVersion+1 {
		t.Fatalf("user_version = %d after SetUserVersion", v)
	}
	db.Close()

	_, err := Init(dir)
	if err == nil || !strings.Contains(err.Error(), "newer than this build") {
		t.Fatalf("Init on newer schema = %v, want refusal", err)
	}
}

func TestMigrationsLoaded(t *testing.T) {
	if CurrentSchemaVersion < 1 {
		t.Fatalf("CurrentSchemaVersion = %d, want at least 1", CurrentSchemaVersion)
	}
	for i, m := range migrations {
		if strings.TrimSpace(m) == "" {
			t.Errorf("migration %d is empty", i+1)
		}
	}
}
