package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminTokenPrefix marks administrator bearer tokens. Tokens without it are
// never compared against the configured hashes.
const AdminTokenPrefix = "sta_"

// AdminAuthorizer checks the administrative capability: a bearer token whose
// bcrypt hash is configured. With no hashes configured nobody is an admin.
type AdminAuthorizer struct {
	hashes  [][]byte
	compare func(hash, token []byte) error
}

// NewAdminAuthorizer takes bcrypt hashes, e.g. from a comma-separated env var.
func NewAdminAuthorizer(hashes []string) *AdminAuthorizer {
	a := &AdminAuthorizer{compare: bcrypt.CompareHashAndPassword}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

// Enabled reports whether any admin token is configured.
func (a *AdminAuthorizer) Enabled() bool {
	return a != nil && len(a.hashes) > 0
}

// IsAdminToken reports whether token has the admin token shape.
func IsAdminToken(token string) bool {
	return len(token) > len(AdminTokenPrefix) && strings.HasPrefix(token, AdminTokenPrefix)
}

// Authorize reports whether token matches a configured hash.
func (a *AdminAuthorizer) Authorize(token string) bool {
	if !a.Enabled() || !IsAdminToken(token) {
		return false
	}
	for _, h := range a.hashes {
		if a.compare(h, []byte(token)) == nil {
			return true
		}
	}
	return false
}
