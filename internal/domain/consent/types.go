// Package consent defines the consent store port. Consent is queried by
// the admission gate, never written by it.
package consent

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an identity has no consent record for a
// binding; the binding's defaults apply in that case.
var ErrNotFound = errors.New("consent record not found")

// Record is an identity's stored consent decision for one binding.
type Record struct {
	Identity string
	Binding  string
	// Allowed is false when the identity has explicitly refused the
	// operation category.
	Allowed bool
	// Reason is the stored refusal reason, if any.
	Reason string
}

// Store is the read-side consent port.
type Store interface {
	// Get returns the identity's consent record for the binding, or
	// ErrNotFound when none exists.
	Get(ctx context.Context, identity, binding string) (*Record, error)
}
