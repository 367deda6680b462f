package domain

import (
	"time"

	"github.com/google/uuid"
)

// UsageOutcome is the result recorded in the audit trail.
type UsageOutcome string

const (
	UsageGranted  UsageOutcome = "granted"
	UsageDenied   UsageOutcome = "denied"
	UsageRefunded UsageOutcome = "refunded"
)

// UsageRecord is an append-only audit entry for a gate decision.
type UsageRecord struct {
	ID             uuid.UUID
	PrincipalID    string
	Outcome        UsageOutcome
	Kind           ConsumeKind // empty for denials
	FreeUsageCount int
	Credits        int
	Tier           Tier
	CreatedAt      time.Time
}

// NewUsageRecord captures the counters of rec after a decision.
func NewUsageRecord(rec *EntitlementRecord, outcome UsageOutcome, kind ConsumeKind, now time.Time) *UsageRecord {
	return &UsageRecord{
		ID:             uuid.New(),
		PrincipalID:    rec.PrincipalID,
		Outcome:        outcome,
		Kind:           kind,
		FreeUsageCount: rec.FreeUsageCount,
		Credits:        rec.Credits,
		Tier:           rec.Tier,
		CreatedAt:      now,
	}
}
