// Package ctxkey defines context keys shared between inbound adapters and
// services.
package ctxkey

import (
	"context"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/identity"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a context carrying the verified principal.
func WithPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the verified principal, or "" when the
// request is unauthenticated.
func PrincipalFromContext(ctx context.Context) identity.Principal {
	p, _ := ctx.Value(principalKey).(identity.Principal)
	return p
}
