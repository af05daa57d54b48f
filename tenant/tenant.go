// Package tenant carries the identity of the tenant an operation runs on
// behalf of. The scope rides the context.Context of the logical operation:
// a job-creation request, a queue message handler, a CLI invocation. Code
// that touches tenant-owned data resolves the scope with Current and fails
// with ErrNoScope when none is bound, so a missing scope can never widen a
// query to all tenants.
package tenant

import (
	"context"
	"errors"
)

// ErrNoScope is returned when an operation requires a tenant scope and the
// context does not carry one.
var ErrNoScope = errors.New("no tenant scope in context")

// Scope identifies the tenant an operation acts for.
type Scope struct {
	// TenantID is the internal tenant identifier (tenants.id).
	TenantID string

	// OrgID is the organization login at the hosting platform. Informational;
	// storage scoping keys on TenantID only.
	OrgID string
}

type scopeKey struct{}

// WithScope returns a child context carrying the scope. The parent context
// is unaffected, so concurrent operations holding different scopes cannot
// observe each other.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// RunWith binds the scope to a child context and runs fn with it. The scope
// is visible to everything fn calls, including code that never received it
// as a parameter, and ends when fn returns.
func RunWith(ctx context.Context, s Scope, fn func(context.Context) error) error {
	return fn(WithScope(ctx, s))
}

// Current returns the scope bound to the context, or ErrNoScope when the
// context carries none. A scope with an empty TenantID counts as absent.
func Current(ctx context.Context) (Scope, error) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok || s.TenantID == "" {
		return Scope{}, ErrNoScope
	}
	return s, nil
}

// CurrentTenantID returns the tenant id bound to the context, or ErrNoScope.
func CurrentTenantID(ctx context.Context) (string, error) {
	s, err := Current(ctx)
	if err != nil {
		return "", err
	}
	return s.TenantID, nil
}

// Has reports whether the context carries a tenant scope.
func Has(ctx context.Context) bool {
	_, err := Current(ctx)
	return err == nil
}
