package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Principal is an authenticated identity consuming the metered feature. The
// ID is the identity provider's opaque subject.
type Principal struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName returns a title-cased "First Last", falling back to the email.
func (p Principal) DisplayName() string {
	name := strings.TrimSpace(strings.Join([]string{p.FirstName, p.LastName}, " "))
	if name == "" {
		return p.Email
	}
	return cases.Title(language.English).String(strings.ToLower(name))
}

// Profile carries identity attributes from the identity provider's
// user lifecycle events. Applying a profile never touches the ledger.
type Profile struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}

// PrincipalSummary is the administrative listing row.
type PrincipalSummary struct {
	Principal        Principal
	Entitlement      EntitlementRecord
	StoriesGenerated int
}

// Stats aggregates ledger-wide counts for the admin dashboard.
type Stats struct {
	TotalPrincipals     int     `json:"totalUsers"`
	UnlimitedPrincipals int     `json:"unlimitedUsers"`
	PayPerUsePrincipals int     `json:"payPerUseUsers"`
	FreePrincipals      int     `json:"freeUsers"`
	TotalStories        int     `json:"totalStories"`
	UnlimitedPercentage float64 `json:"unlimitedPercentage"`
}

// ComputePercentage fills UnlimitedPercentage from the counts, rounded to one decimal.
func (s *Stats) ComputePercentage() {
	if s.TotalPrincipals == 0 {
		s.UnlimitedPercentage = 0
		return
	}
	pct := float64(s.UnlimitedPrincipals) / float64(s.TotalPrincipals) * 100
	s.UnlimitedPercentage = float64(int(pct*10+0.5)) / 10
}
