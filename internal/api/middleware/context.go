package middleware

import (
	"context"

	"github.com/nimbusgrid/iotbroker/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions with
// other packages' keys.
type contextKey string

const claimsKey contextKey = "claims"

// WithClaims returns a context carrying the authenticated caller's
// claims, for use by RequireAuth and tests.
func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// GetClaims extracts the bearer token claims RequireAuth verified for
// this request. Returns nil, false on an unauthenticated request.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}
