package domain

import (
	"encoding/json"
	"time"
)

// BillingEventType identifies a verified billing event variant.
type BillingEventType string

const (
	EventCheckoutCompleted   BillingEventType = "checkout.session.completed"
	EventSubscriptionUpdated BillingEventType = "customer.subscription.updated"
	EventSubscriptionDeleted BillingEventType = "customer.subscription.deleted"
	EventPaymentFailed       BillingEventType = "invoice.payment_failed"
)

// DefaultCheckoutCredits is granted when a pay-per-use checkout omits an amount.
const DefaultCheckoutCredits = 1

// CheckoutRequest selects the product to buy. Credits only applies to
// pay-per-use purchases; zero means DefaultCheckoutCredits.
type CheckoutRequest struct {
	Kind    Tier `json:"kind" validate:"required,oneof=unlimited payperuse"`
	Credits int  `json:"credits" validate:"min=0"`
}

// BillingEvent is a verified event from the billing provider. Each variant
// carries only the fields its transition needs.
type BillingEvent interface {
	Meta() EventMeta
}

// EventMeta holds fields shared by every variant.
type EventMeta struct {
	ID          string
	Type        BillingEventType
	CustomerRef string
	Created     time.Time
	Payload     json.RawMessage
}

func (m EventMeta) Meta() EventMeta { return m }

// CheckoutCompleted grants either credits or the unlimited tier.
type CheckoutCompleted struct {
	EventMeta
	PrincipalID     string // client reference set when the session was created; may be empty
	SubscriptionRef string
	Kind            Tier // TierUnlimited or TierPayPerUse
	CreditAmount    int
}

// SubscriptionChanged covers subscription updates and deletions.
type SubscriptionChanged struct {
	EventMeta
	SubscriptionRef string
	Status          string
}

// Active reports whether the subscription grants the unlimited tier.
func (s SubscriptionChanged) Active() bool {
	return s.Status == "active"
}

// PaymentFailed revokes the unlimited tier.
type PaymentFailed struct {
	EventMeta
	SubscriptionRef string
}

// UnhandledEvent is a verified event of a type the ledger ignores. It is
// acknowledged so the provider stops redelivering it.
type UnhandledEvent struct {
	EventMeta
}

// ReconcileOutcome describes what happened to a verified event.
type ReconcileOutcome string

const (
	OutcomeApplied   ReconcileOutcome = "applied"
	OutcomeDuplicate ReconcileOutcome = "duplicate"
	OutcomeDiscarded ReconcileOutcome = "discarded"
	OutcomeIgnored   ReconcileOutcome = "ignored"
)

// BillingReceipt is the durable idempotency record of a processed event.
type BillingReceipt struct {
	EventID     string
	Type        BillingEventType
	CustomerRef string
	PrincipalID string
	Payload     json.RawMessage
	ProcessedAt time.Time
}

// NewBillingReceipt builds the receipt for an event about to be applied.
func NewBillingReceipt(ev BillingEvent, principalID string, now time.Time) BillingReceipt {
	m := ev.Meta()
	return BillingReceipt{
		EventID:     m.ID,
		Type:        m.Type,
		CustomerRef: m.CustomerRef,
		PrincipalID: principalID,
		Payload:     m.Payload,
		ProcessedAt: now,
	}
}
