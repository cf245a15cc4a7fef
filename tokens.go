package nexus

import (
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Token storage
// ============================================================================

// TokenStore supplies the bearer credential and caller identity. The channel
// reads the token once per connect attempt; it is never refreshed behind an
// established connection.
type TokenStore interface {
	// Token returns the bearer token, or "" when unauthenticated.
	Token() string
	// UserID returns the authenticated user id, or "" when unauthenticated.
	UserID() string
}

// MemoryTokenStore is a goroutine-safe in-memory TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	token  string
	userID string
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// SetToken stores a token and user id pair. When userID is empty it is
// derived from the token's JWT claims where possible.
func (s *MemoryTokenStore) SetToken(token, userID string) {
	if userID == "" {
		userID = UserIDFromToken(token)
	}
	s.mu.Lock()
	s.token = token
	s.userID = userID
	s.mu.Unlock()
}

// Clear removes the stored credential.
func (s *MemoryTokenStore) Clear() {
	s.mu.Lock()
	s.token = ""
	s.userID = ""
	s.mu.Unlock()
}

func (s *MemoryTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryTokenStore) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// UserIDFromToken extracts the user id from a JWT's claims without verifying
// the signature. The token is only inspected client-side for routing; the
// server remains the authority on its validity.
func UserIDFromToken(token string) string {
	if token == "" {
		return ""
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	if v, ok := claims["userId"].(string); ok && v != "" {
		return v
	}
	if sub, err := claims.GetSubject(); err == nil {
		return sub
	}
	return ""
}
