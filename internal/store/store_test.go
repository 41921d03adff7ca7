package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already migrated; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Dirty {
		t.Error("schema left dirty")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestSyncStateSchema(t *testing.T) {
	db := testDB(t)

	ops := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert", "INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)", []any{"sync_enabled", "true", 1000}},
		{"upsert", "INSERT INTO sync_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", []any{"sync_enabled", "false"}},
	}
	for _, op := range ops {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}

	var value string
	if err := db.QueryRow("SELECT value FROM sync_state WHERE key = ?", "sync_enabled").Scan(&value); err != nil {
		t.Fatal(err)
	}
	if value != "false" {
		t.Errorf("value = %q, want false", value)
	}
}

func TestOpenBadPath(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "x.db")); err == nil {
		t.Fatal("expected error for unwritable path")
	}
}
