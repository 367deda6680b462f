// Package domain contains core business types and interfaces.
//
// This file defines the entitlement ledger record and the pure state
// transitions applied to it. Atomicity is the Store's job; everything here
// operates on a record the caller already holds exclusively.
package domain

import (
	"fmt"
	"time"
)

// DefaultFreeLimit is the number of stories a principal may generate on the
// free allowance before credits or a subscription are required.
const DefaultFreeLimit = 5

// Tier represents the principal's entitlement tier.
type Tier string

const (
	TierFree      Tier = "free"
	TierUnlimited Tier = "unlimited"
	TierPayPerUse Tier = "payperuse"
)

// Valid checks if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierUnlimited, TierPayPerUse:
		return true
	default:
		return false
	}
}

// ParseTier converts a raw string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// TierOverride is the administrative tier change request.
type TierOverride struct {
	Tier Tier `json:"tier" validate:"required,oneof=free unlimited payperuse"`
}

// ConsumeKind records which branch of the consume rule debited the ledger.
// Refund reverses exactly that branch.
type ConsumeKind string

const (
	ConsumeUnlimited ConsumeKind = "unlimited"
	ConsumeCredit    ConsumeKind = "credit"
	ConsumeFree      ConsumeKind = "free"
)

// Valid checks if the kind is a known value.
func (k ConsumeKind) Valid() bool {
	switch k {
	case ConsumeUnlimited, ConsumeCredit, ConsumeFree:
		return true
	default:
		return false
	}
}

// EntitlementRecord is the per-principal quota state.
type EntitlementRecord struct {
	PrincipalID            string
	FreeUsageCount         int
	Credits                int
	Tier                   Tier
	BillingCustomerRef     string
	BillingSubscriptionRef string
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NewEntitlementRecord returns the default record for a newly seen principal.
func NewEntitlementRecord(principalID string, now time.Time) *EntitlementRecord {
	return &EntitlementRecord{
		PrincipalID: principalID,
		Tier:        TierFree,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a copy safe to hand to callers outside the store's lock.
func (e *EntitlementRecord) Clone() *EntitlementRecord {
	c := *e
	return &c
}

// CanConsume reports whether a consume call would currently succeed.
func (e *EntitlementRecord) CanConsume(freeLimit int) bool {
	return e.Tier == TierUnlimited || e.Credits > 0 || e.FreeUsageCount < freeLimit
}

// Consume applies the consume rule in priority order: unlimited tier, then
// prepaid credits, then the free allowance. It mutates nothing on failure.
func (e *EntitlementRecord) Consume(freeLimit int) (ConsumeKind, error) {
	switch {
	case e.Tier == TierUnlimited:
		return ConsumeUnlimited, nil
	case e.Credits > 0:
		e.Credits--
		return ConsumeCredit, nil
	case e.FreeUsageCount < freeLimit:
		e.FreeUsageCount++
		return ConsumeFree, nil
	default:
		return "", ErrQuotaExceeded
	}
}

// Refund reverses a prior Consume of the given kind.
//
// A free refund is the one place FreeUsageCount goes down; it only ever
// undoes an increment that the same invocation made.
func (e *EntitlementRecord) Refund(kind ConsumeKind) error {
	switch kind {
	case ConsumeUnlimited:
		return nil
	case ConsumeCredit:
		e.Credits++
		return nil
	case ConsumeFree:
		if e.FreeUsageCount > 0 {
			e.FreeUsageCount--
		}
		return nil
	default:
		return fmt.Errorf("unknown consume kind %q", kind)
	}
}

// GrantCredits adds prepaid credits.
func (e *EntitlementRecord) GrantCredits(n int) error {
	if n <= 0 {
		return fmt.Errorf("credit grant must be positive, got %d", n)
	}
	e.Credits += n
	return nil
}

// SetTier changes the tier.
func (e *EntitlementRecord) SetTier(t Tier) error {
	if !t.Valid() {
		return fmt.Errorf("unknown tier %q", t)
	}
	e.Tier = t
	return nil
}

// LinkCustomer attaches a billing customer reference. Once set the reference
// is immutable; relinking to the same value is a no-op.
func (e *EntitlementRecord) LinkCustomer(customerRef string) error {
	if customerRef == "" {
		return nil
	}
	if e.BillingCustomerRef == "" {
		e.BillingCustomerRef = customerRef
		return nil
	}
	if e.BillingCustomerRef != customerRef {
		return ErrConflictingLink
	}
	return nil
}

// Snapshot returns the externally visible view of the record.
func (e *EntitlementRecord) Snapshot(freeLimit int) Snapshot {
	return Snapshot{
		PrincipalID:    e.PrincipalID,
		FreeUsageCount: e.FreeUsageCount,
		FreeLimit:      freeLimit,
		Credits:        e.Credits,
		Tier:           e.Tier,
		CanConsume:     e.CanConsume(freeLimit),
	}
}

// Snapshot is a point-in-time view of a principal's entitlement.
type Snapshot struct {
	PrincipalID    string `json:"principalId"`
	FreeUsageCount int    `json:"freeUsageCount"`
	FreeLimit      int    `json:"freeLimit"`
	Credits        int    `json:"credits"`
	Tier           Tier   `json:"tier"`
	CanConsume     bool   `json:"canConsume"`
}

// FreeRemaining returns how many free stories are left.
func (s Snapshot) FreeRemaining() int {
	if r := s.FreeLimit - s.FreeUsageCount; r > 0 {
		return r
	}
	return 0
}
