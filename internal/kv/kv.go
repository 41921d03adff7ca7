// Package kv holds the persisted switches and the credential behind a small
// key-value contract with sqlite, redis and in-memory backends.
package kv

import (
	"context"
	"fmt"
	"strconv"
)

// Keys read and written by the daemon.
const (
	KeySyncEnabled     = "sync_enabled"
	KeyRealtimeEnabled = "ws_enabled"
	KeyAuthToken       = "auth_token"
)

// Store is a string key-value store. A missing key is reported with ok=false
// and no error.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Flags exposes the two persisted connection switches. Sync is off until the
// user enables it; realtime defaults to on.
type Flags struct {
	store Store
}

// NewFlags wraps s.
func NewFlags(s Store) *Flags {
	return &Flags{store: s}
}

func (f *Flags) SyncEnabled(ctx context.Context) (bool, error) {
	return f.get(ctx, KeySyncEnabled, false)
}

func (f *Flags) SetSyncEnabled(ctx context.Context, on bool) error {
	return f.store.Set(ctx, KeySyncEnabled, strconv.FormatBool(on))
}

func (f *Flags) RealtimeEnabled(ctx context.Context) (bool, error) {
	return f.get(ctx, KeyRealtimeEnabled, true)
}

func (f *Flags) SetRealtimeEnabled(ctx context.Context, on bool) error {
	return f.store.Set(ctx, KeyRealtimeEnabled, strconv.FormatBool(on))
}

func (f *Flags) get(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := f.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || v == "" {
		return def, nil
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return on, nil
}
