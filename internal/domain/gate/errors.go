// Package gate defines the denial taxonomy shared by the admission gate
// and the proposal state machine. Every deny carries a stable
// machine-readable kind plus a human-readable message; implementation
// detail never leaks to callers.
package gate

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable denial category.
type Kind string

const (
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindUnknownMutation Kind = "UNKNOWN_MUTATION"
	KindNotFound        Kind = "NOT_FOUND"
	KindTimelockActive  Kind = "TIMELOCK_ACTIVE"
	KindAlreadyTerminal Kind = "ALREADY_TERMINAL"
	KindInProgress      Kind = "IN_PROGRESS"
	KindConsentDenied   Kind = "CONSENT_DENIED"
	KindPolicyChanged   Kind = "POLICY_CHANGED"
	KindInternal        Kind = "INTERNAL"
)

// Denial is a rejected gate operation.
type Denial struct {
	Kind    Kind
	Message string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// Deny builds a Denial with a formatted message.
func Deny(kind Kind, format string, args ...any) *Denial {
	return &Denial{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsDenial extracts a Denial from an error chain. Errors that are not
// denials map to KindInternal with a generic message so no internals leak.
func AsDenial(err error) *Denial {
	var d *Denial
	if errors.As(err, &d) {
		return d
	}
	return &Denial{Kind: KindInternal, Message: "internal error"}
}

// IsKind reports whether err is a Denial of the given kind.
func IsKind(err error, kind Kind) bool {
	var d *Denial
	return errors.As(err, &d) && d.Kind == kind
}
