// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the authenticated agent via context

package auth

import (
	"context"
	"slices"

	"github.com/2389/agentgate/internal/store"
)

// Credential methods recorded in AuthContext.Method.
const (
	MethodAPIKey = "api_key"
	MethodBearer = "bearer"
)

// AuthContext holds the authenticated agent extracted from a request.
// This is populated by the HTTP middleware and can be retrieved from context in handlers.
type AuthContext struct {
	AgentID string
	Scopes  []string          // scopes usable on this request
	Status  store.AgentStatus // active or flagged
	Method  string            // MethodAPIKey | MethodBearer
	Agent   *store.Agent      // snapshot at authentication time
}

// HasScope reports whether scope may be used on this request.
func (a *AuthContext) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
