// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/proposal"
)

// entry pairs a proposal with its own lock so transitions on different
// proposals never contend.
type entry struct {
	mu sync.Mutex
	p  *proposal.Proposal
}

// ProposalStore implements proposal.Store with an in-memory map and
// fine-grained per-proposal locking.
type ProposalStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewProposalStore creates an empty in-memory proposal store.
func NewProposalStore() *ProposalStore {
	return &ProposalStore{entries: make(map[string]*entry)}
}

// Create persists a new proposal. The ID must be unique.
func (s *ProposalStore) Create(_ context.Context, p *proposal.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[p.ID] = &entry{p: p.Clone()}
	return nil
}

// Get returns a copy of the proposal, or proposal.ErrNotFound.
func (s *ProposalStore) Get(_ context.Context, id string) (*proposal.Proposal, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, proposal.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone(), nil
}

// List returns copies of matching proposals ordered by ProposedAt ascending.
func (s *ProposalStore) List(_ context.Context, f proposal.Filter) ([]*proposal.Proposal, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*proposal.Proposal
	for _, e := range entries {
		e.mu.Lock()
		if f.Matches(e.p) {
			out = append(out, e.p.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProposedAt.Equal(out[j].ProposedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ProposedAt.Before(out[j].ProposedAt)
	})
	return out, nil
}

// Mutate applies fn under the proposal's exclusive lock and persists the
// result if fn returns nil.
func (s *ProposalStore) Mutate(_ context.Context, id string, fn func(p *proposal.Proposal) error) (*proposal.Proposal, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, proposal.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.p.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.p = working
	return working.Clone(), nil
}

// Close releases resources (none for the in-memory store).
func (s *ProposalStore) Close() error { return nil }

// Compile-time interface verification.
var _ proposal.Store = (*ProposalStore)(nil)
