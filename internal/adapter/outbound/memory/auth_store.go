package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/alexedwards/argon2id"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/identity"
)

// Credential is one API-key entry: a stored hash and the principal it
// resolves to.
type Credential struct {
	Principal identity.Principal
	// Hash is either an argon2id PHC string ("$argon2id$...") or a
	// lowercase hex SHA-256 of the raw key.
	Hash string
}

// AuthStore implements identity.Resolver over a static credential list.
// SHA-256 hashes get a direct map lookup; argon2id hashes are verified by
// iteration. Thread-safe for concurrent access.
type AuthStore struct {
	mu    sync.RWMutex
	sha   map[string]identity.Principal // sha256 hex -> principal
	argon []Credential
}

// NewAuthStore creates an auth store from the configured credentials.
func NewAuthStore(creds []Credential) *AuthStore {
	s := &AuthStore{sha: make(map[string]identity.Principal)}
	for _, c := range creds {
		if strings.HasPrefix(c.Hash, "$argon2id$") {
			s.argon = append(s.argon, c)
		} else {
			s.sha[strings.ToLower(c.Hash)] = c.Principal
		}
	}
	return s
}

// HashKey returns the hex SHA-256 of a raw API key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Resolve maps a raw API key to its principal, or
// identity.ErrUnknownCredential.
func (s *AuthStore) Resolve(_ context.Context, credential string) (identity.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Fast path: SHA-256 lookup. The key space makes the digest itself
	// the lookup token, so a plain map read is safe here.
	if principal, ok := s.sha[HashKey(credential)]; ok {
		return principal, nil
	}

	// Fallback: argon2id verification by iteration.
	for _, c := range s.argon {
		match, err := argon2id.ComparePasswordAndHash(credential, c.Hash)
		if err != nil {
			continue
		}
		if match {
			return c.Principal, nil
		}
	}

	return "", identity.ErrUnknownCredential
}

// Compile-time interface verification.
var _ identity.Resolver = (*AuthStore)(nil)
