package proposal

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a proposal ID does not exist.
var ErrNotFound = errors.New("proposal not found")

// Store persists proposals and enforces single-writer transitions.
// Interface owned by the domain per hexagonal architecture.
type Store interface {
	// Create persists a new proposal. The ID must be unique.
	Create(ctx context.Context, p *Proposal) error

	// Get returns a copy of the proposal, or ErrNotFound.
	Get(ctx context.Context, id string) (*Proposal, error)

	// List returns copies of all proposals matching the filter, ordered
	// by ProposedAt ascending.
	List(ctx context.Context, f Filter) ([]*Proposal, error)

	// Mutate loads the proposal, applies fn under the proposal's
	// exclusive lock, and persists the result if fn returns nil.
	// The updated copy is returned. If fn returns an error the proposal
	// is left unchanged and the error is propagated. Returns ErrNotFound
	// for unknown IDs.
	Mutate(ctx context.Context, id string, fn func(p *Proposal) error) (*Proposal, error)

	// Close releases resources.
	Close() error
}
