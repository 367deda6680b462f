// Package auth establishes who is calling: session token verification for
// principals, the admin capability check, and verification of identity
// provider lifecycle webhooks. Context helpers live here so middleware and
// handlers can share them without import cycles.
package auth

import (
	"context"
	"net/http"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	// PrincipalID is set for session-authenticated principals.
	PrincipalID string

	// Admin is set when the request carried a valid admin token.
	Admin bool
}

// CanAccess reports whether the caller may act on principalID's ledger.
func (i *Identity) CanAccess(principalID string) bool {
	if i == nil {
		return false
	}
	return i.Admin || (i.PrincipalID != "" && i.PrincipalID == principalID)
}

// GetIdentity returns the authenticated identity, or nil.
func GetIdentity(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok {
		return nil
	}
	return id
}

// GetIdentityFromRequest is GetIdentity for the request's context.
func GetIdentityFromRequest(r *http.Request) *Identity {
	return GetIdentity(r.Context())
}

// PrincipalID returns the session principal, or "" when absent.
func PrincipalID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.PrincipalID
	}
	return ""
}

// SetIdentity stores the identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}
