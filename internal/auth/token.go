// Package auth provides the credential the realtime connection signs in with.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/focuscircle/focussync/internal/kv"
)

// TokenSource reads and writes the auth token in a kv.Store. An empty token
// means signed out.
type TokenSource struct {
	store kv.Store
}

func NewTokenSource(s kv.Store) *TokenSource {
	return &TokenSource{store: s}
}

// Token returns the stored token, or "" when none is set.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	v, _, err := t.store.Get(ctx, kv.KeyAuthToken)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(v), nil
}

// SetToken stores token. Whitespace is trimmed; an empty token signs out.
func (t *TokenSource) SetToken(ctx context.Context, token string) error {
	if err := t.store.Set(ctx, kv.KeyAuthToken, strings.TrimSpace(token)); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// Clear removes the token.
func (t *TokenSource) Clear(ctx context.Context) error {
	return t.SetToken(ctx, "")
}
