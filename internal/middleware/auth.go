// Package middleware contains HTTP middleware for story-time.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Brahmajyot/story-time/internal/auth"
	"github.com/Brahmajyot/story-time/internal/handler"
)

// =============================================================================
// Auth Middleware Configuration
// =============================================================================

// AuthMiddleware establishes the request identity from a bearer token.
//
// A bearer token is either a session token issued by the identity provider
// (resolving to a principal) or an administrator token carrying
// auth.AdminTokenPrefix.
type AuthMiddleware struct {
	tokens auth.TokenVerifier
	admin  *auth.AdminAuthorizer
	logger *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance. tokens may be nil
// when session tokens are not configured; admin may be nil or empty when no
// admin token is configured.
func NewAuthMiddleware(tokens auth.TokenVerifier, admin *auth.AdminAuthorizer, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		admin:  admin,
		logger: logger,
	}
}

// =============================================================================
// WithIdentity Middleware
// =============================================================================

// WithIdentity resolves the Authorization header into an auth.Identity and
// stores it in the request context. Requests without a valid token continue
// without an identity; use RequirePrincipal or RequireAdmin to reject them.
func (m *AuthMiddleware) WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if id := m.identify(token); id != nil {
			r = r.WithContext(auth.SetIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) identify(token string) *auth.Identity {
	if auth.IsAdminToken(token) {
		if m.admin.Authorize(token) {
			return &auth.Identity{Admin: true}
		}
		m.logger.Debug("admin token rejected")
		return nil
	}

	if m.tokens != nil {
		principalID, err := m.tokens.Verify(token)
		if err == nil {
			return &auth.Identity{PrincipalID: principalID}
		}
		if errors.Is(err, auth.ErrExpiredToken) {
			m.logger.Debug("expired session token")
			return nil
		}
	}

	m.logger.Debug("bearer token rejected")
	return nil
}

// =============================================================================
// Require Middleware
// =============================================================================

// RequireAuth requires any identity: a principal or an administrator.
// Use it AFTER WithIdentity in the middleware chain.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.GetIdentityFromRequest(r) == nil {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePrincipal requires a session-authenticated principal.
// Use it AFTER WithIdentity in the middleware chain.
func (m *AuthMiddleware) RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.PrincipalID(r.Context()) == "" {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin requires the administrative capability.
// Use it AFTER WithIdentity in the middleware chain.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.GetIdentityFromRequest(r)
		if id == nil {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		if !id.Admin {
			m.logger.Warn("non-admin access to admin route",
				"principal_id", id.PrincipalID,
				"path", r.URL.Path,
			)
			handler.ForbiddenResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Request Helpers
// =============================================================================

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(authMw.WithIdentity, authMw.RequirePrincipal)
//	mux.Handle("GET /api/stories", stack(listHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Ensure middleware functions have correct signature
var (
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).WithIdentity
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireAuth
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequirePrincipal
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireAdmin
)
