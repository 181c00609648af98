// Package auth validates OAuth2 bearer tokens and carries the authenticated
// principal through request contexts.
package auth

import (
	"context"
	"slices"
	"time"
)

// SecurityContext is the authenticated principal of one request. It never holds
// the raw token.
type SecurityContext struct {
	Subject  string
	Username string
	Scopes   []string
	TokenID  string
	Expiry   time.Time
}

// HasScope reports whether the principal was granted scope.
func (s *SecurityContext) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.Scopes, scope)
}

// Name is the identity recorded as owner and actor.
func (s *SecurityContext) Name() string {
	if s == nil {
		return ""
	}
	return s.Subject
}

type contextKey struct{}

// WithSecurityContext returns a copy of ctx carrying sc.
func WithSecurityContext(ctx context.Context, sc *SecurityContext) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(contextKey{}).(*SecurityContext)
	return sc, ok && sc != nil
}
