package nexus

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

// makeToken builds an unsigned JWT carrying the given claims. Only the claim
// extraction is under test; signatures are the server's concern.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

// ============================================================================
// UserIDFromToken
// ============================================================================

func TestUserIDFromToken(t *testing.T) {
	t.Run("userId claim", func(t *testing.T) {
		token := makeToken(t, map[string]any{"userId": "user-42", "sub": "someone-else"})
		if got := UserIDFromToken(token); got != "user-42" {
			t.Fatalf("expected user-42, got %q", got)
		}
	})

	t.Run("subject fallback", func(t *testing.T) {
		token := makeToken(t, map[string]any{"sub": "user-42"})
		if got := UserIDFromToken(token); got != "user-42" {
			t.Fatalf("expected user-42, got %q", got)
		}
	})

	t.Run("no identity claims", func(t *testing.T) {
		token := makeToken(t, map[string]any{"exp": 1790000000})
		if got := UserIDFromToken(token); got != "" {
			t.Fatalf("expected empty, got %q", got)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if got := UserIDFromToken(""); got != "" {
			t.Fatalf("expected empty, got %q", got)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if got := UserIDFromToken("not.a.jwt"); got != "" {
			t.Fatalf("expected empty, got %q", got)
		}
	})
}

// ============================================================================
// MemoryTokenStore
// ============================================================================

func TestMemoryTokenStore(t *testing.T) {
	t.Run("explicit user id wins", func(t *testing.T) {
		store := NewMemoryTokenStore()
		store.SetToken("opaque-token", "user-1")
		if store.Token() != "opaque-token" || store.UserID() != "user-1" {
			t.Fatalf("unexpected store state: %q %q", store.Token(), store.UserID())
		}
	})

	t.Run("user id derived from token", func(t *testing.T) {
		store := NewMemoryTokenStore()
		store.SetToken(makeToken(t, map[string]any{"userId": "user-9"}), "")
		if store.UserID() != "user-9" {
			t.Fatalf("expected derived user-9, got %q", store.UserID())
		}
	})

	t.Run("clear", func(t *testing.T) {
		store := NewMemoryTokenStore()
		store.SetToken("tok", "user-1")
		store.Clear()
		if store.Token() != "" || store.UserID() != "" {
			t.Fatal("expected cleared store")
		}
	})
}
