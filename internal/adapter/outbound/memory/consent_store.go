package memory

import (
	"context"
	"sync"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/consent"
)

// ConsentStore implements consent.Store with an in-memory map.
// Thread-safe for concurrent access. For development/testing only.
type ConsentStore struct {
	mu      sync.RWMutex
	records map[string]*consent.Record // identity|binding -> record
}

// NewConsentStore creates an empty in-memory consent store.
func NewConsentStore() *ConsentStore {
	return &ConsentStore{records: make(map[string]*consent.Record)}
}

func consentKey(identity, binding string) string {
	return identity + "|" + binding
}

// Get returns the identity's consent record for the binding, or
// consent.ErrNotFound.
func (s *ConsentStore) Get(_ context.Context, identity, binding string) (*consent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[consentKey(identity, binding)]
	if !ok {
		return nil, consent.ErrNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

// Set stores a consent record (for seeding and tests).
func (s *ConsentStore) Set(rec *consent.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.records[consentKey(rec.Identity, rec.Binding)] = &recCopy
}

// Compile-time interface verification.
var _ consent.Store = (*ConsentStore)(nil)
