// ABOUTME: HTTP middleware authenticating agents by API key or bearer token
// ABOUTME: Adds the AuthContext to the request context and enforces required scopes

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/2389/agentgate/internal/agenterr"
)

// HeaderAPIKey carries an API key as an alternative to the Authorization header.
const HeaderAPIKey = "X-API-Key"

// Authenticator resolves a credential to an AuthContext.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*AuthContext, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// extractCredential prefers X-API-Key and falls back to the bearer token.
func extractCredential(r *http.Request) (string, string) {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key, ""
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates the caller
// and adds AuthContext to the request context. Failures are written as error
// envelopes.
func HTTPAuthMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, errMsg := extractCredential(r)
			if errMsg != "" {
				agenterr.WriteHTTP(w, agenterr.InvalidToken(errMsg))
				return
			}

			authCtx, err := authn.Authenticate(r.Context(), credential)
			if err != nil {
				agenterr.WriteHTTP(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// OptionalAuthMiddleware attempts authentication but lets anonymous or
// unauthenticated requests through without an AuthContext.
func OptionalAuthMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, errMsg := extractCredential(r)
			if errMsg != "" {
				next.ServeHTTP(w, r) // Continue as anonymous
				return
			}

			authCtx, err := authn.Authenticate(r.Context(), credential)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireScopeHTTP creates an HTTP middleware that requires scope.
// Must be used after HTTPAuthMiddleware.
func RequireScopeHTTP(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				agenterr.WriteHTTP(w, agenterr.InvalidToken("not authenticated"))
				return
			}

			if !authCtx.HasScope(scope) {
				agenterr.WriteHTTP(w, agenterr.InsufficientScope("scope "+scope+" required").
					WithDetail("scope", scope))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
