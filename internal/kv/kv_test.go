package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/focuscircle/focussync/internal/store"
	"github.com/google/uuid"
)

func sqliteStore(t *testing.T) Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLite(db)
}

func redisStore(t *testing.T) Store {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	r, err := NewRedis(context.Background(), url, "focussync-test:"+uuid.NewString()+":")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func backends() []struct {
	name string
	open func(*testing.T) Store
} {
	return []struct {
		name string
		open func(*testing.T) Store
	}{
		{"memory", func(*testing.T) Store { return NewMemory() }},
		{"sqlite", sqliteStore},
		{"redis", redisStore},
	}
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
			}
			if err := s.Set(ctx, KeyAuthToken, "tok-1"); err != nil {
				t.Fatal(err)
			}
			if err := s.Set(ctx, KeyAuthToken, "tok-2"); err != nil {
				t.Fatal(err)
			}
			v, ok, err := s.Get(ctx, KeyAuthToken)
			if err != nil || !ok || v != "tok-2" {
				t.Errorf("Get = %q, %v, %v; want tok-2", v, ok, err)
			}
		})
	}
}

func TestFlagDefaults(t *testing.T) {
	ctx := context.Background()
	f := NewFlags(NewMemory())

	if on, err := f.SyncEnabled(ctx); err != nil || on {
		t.Errorf("SyncEnabled = %v, %v; want false", on, err)
	}
	if on, err := f.RealtimeEnabled(ctx); err != nil || !on {
		t.Errorf("RealtimeEnabled = %v, %v; want true", on, err)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			f := NewFlags(b.open(t))
			if err := f.SetSyncEnabled(ctx, true); err != nil {
				t.Fatal(err)
			}
			if err := f.SetRealtimeEnabled(ctx, false); err != nil {
				t.Fatal(err)
			}
			if on, _ := f.SyncEnabled(ctx); !on {
				t.Error("sync should be enabled")
			}
			if on, _ := f.RealtimeEnabled(ctx); on {
				t.Error("realtime should be disabled")
			}
		})
	}
}

func TestFlagGarbageValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, KeySyncEnabled, "maybe")
	if _, err := NewFlags(m).SyncEnabled(ctx); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := NewSQLite(db).Set(ctx, KeySyncEnabled, "true"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if on, err := NewFlags(NewSQLite(db)).SyncEnabled(ctx); err != nil || !on {
		t.Errorf("SyncEnabled after reopen = %v, %v", on, err)
	}
}
