// Package executor defines the contract for the external mutation
// executor. The gate is the sole authority on authorization; the executor
// performs the mutation and reports success or failure.
package executor

import (
	"context"
	"errors"
)

// Request is the approved payload handed to the executor. ProposalID is
// the idempotency key: repeated execution with identical
// (ProposalID, Payload) must have no duplicate effect.
type Request struct {
	ProposalID string
	Mutation   string
	Payload    map[string]any
}

// Result is a successful execution outcome.
type Result struct {
	Detail string
}

// Executor performs gated mutations. Implementations must be idempotent
// under identical (ProposalID, Payload) and must not reject based on
// authorization.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// RetriableError marks a transient executor failure: the proposal stays
// APPROVED and execution may be retried with the same idempotency key.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return "retriable: " + e.Err.Error() }
func (e *RetriableError) Unwrap() error { return e.Err }

// FatalError marks a policy-level executor failure: the proposal is
// rejected and will not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Retriable wraps err as a transient failure.
func Retriable(err error) error { return &RetriableError{Err: err} }

// Fatal wraps err as a non-retriable failure.
func Fatal(err error) error { return &FatalError{Err: err} }

// IsRetriable reports whether err is a transient executor failure.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

// IsFatal reports whether err is a non-retriable executor failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Compile-time check that Func implements Executor.
var _ Executor = (Func)(nil)
