package auth

import (
	"context"
	"testing"

	"github.com/focuscircle/focussync/internal/kv"
)

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	ts := NewTokenSource(kv.NewMemory())

	if tok, err := ts.Token(ctx); err != nil || tok != "" {
		t.Fatalf("Token() = %q, %v; want empty", tok, err)
	}
	if err := ts.SetToken(ctx, "  abc  "); err != nil {
		t.Fatal(err)
	}
	if tok, _ := ts.Token(ctx); tok != "abc" {
		t.Errorf("Token() = %q, want abc", tok)
	}
	if err := ts.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if tok, _ := ts.Token(ctx); tok != "" {
		t.Errorf("Token() after Clear = %q", tok)
	}
}
