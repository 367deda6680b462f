// Package billing integrates the Stripe billing provider: signature
// verification of inbound webhook events, translation of those events into
// domain.BillingEvent variants, and creation of customers and Checkout
// sessions.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/stripe/stripe-go/v79"
	stripeclient "github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Checkout session metadata keys
const (
	MetadataKind      = "subscription_type"
	MetadataCredits   = "credits"
	MetadataPrincipal = "principal_id"
)

// DefaultTolerance bounds the age of an accepted signature.
const DefaultTolerance = 5 * time.Minute

// =============================================================================
// Verifier
// =============================================================================

// Verifier authenticates raw webhook deliveries and decodes them.
type Verifier interface {
	// Verify checks the signature header against payload and returns the
	// decoded event. Authenticity failures wrap domain.ErrInvalidSignature;
	// authentic but malformed payloads return EINVALID without it.
	Verify(payload []byte, sigHeader string) (domain.BillingEvent, error)
}

// StripeVerifier implements Verifier with Stripe's v1 signature scheme.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier. A zero tolerance uses DefaultTolerance.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

func (v *StripeVerifier) Verify(payload []byte, sigHeader string) (domain.BillingEvent, error) {
	const op = "billing.verify"

	if v.secret == "" {
		return nil, domain.InvalidSignature(errors.New("webhook secret not configured"), op)
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, domain.InvalidSignature(err, op)
	}

	return decodeEvent(event)
}

// decodeEvent maps a verified Stripe event onto a BillingEvent variant.
func decodeEvent(event stripe.Event) (domain.BillingEvent, error) {
	const op = "billing.decode"

	meta := domain.EventMeta{
		ID:      event.ID,
		Type:    domain.BillingEventType(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		meta.Payload = event.Data.Raw
	}
	if meta.ID == "" {
		return nil, domain.Invalid(op, "event id is missing")
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return domain.UnhandledEvent{EventMeta: meta}, nil
	}

	switch meta.Type {
	case domain.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, op, "malformed checkout session")
		}
		return checkoutEvent(op, meta, &session)

	case domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, op, "malformed subscription")
		}
		if sub.Customer == nil || sub.Customer.ID == "" {
			return nil, domain.Invalid(op, "subscription event has no customer")
		}
		meta.CustomerRef = sub.Customer.ID
		status := string(sub.Status)
		if meta.Type == domain.EventSubscriptionDeleted {
			status = string(stripe.SubscriptionStatusCanceled)
		}
		return domain.SubscriptionChanged{
			EventMeta:       meta,
			SubscriptionRef: sub.ID,
			Status:          status,
		}, nil

	case domain.EventPaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, domain.Wrap(err, domain.EINVALID, op, "malformed invoice")
		}
		if invoice.Customer == nil || invoice.Customer.ID == "" {
			return nil, domain.Invalid(op, "invoice event has no customer")
		}
		meta.CustomerRef = invoice.Customer.ID
		ev := domain.PaymentFailed{EventMeta: meta}
		if invoice.Subscription != nil {
			ev.SubscriptionRef = invoice.Subscription.ID
		}
		return ev, nil

	default:
		return domain.UnhandledEvent{EventMeta: meta}, nil
	}
}

func checkoutEvent(op string, meta domain.EventMeta, session *stripe.CheckoutSession) (domain.BillingEvent, error) {
	if session.Customer != nil {
		meta.CustomerRef = session.Customer.ID
	}
	if meta.CustomerRef == "" {
		return nil, domain.Invalid(op, "checkout session has no customer")
	}

	ev := domain.CheckoutCompleted{
		EventMeta:   meta,
		PrincipalID: session.ClientReferenceID,
		Kind:        domain.TierUnlimited,
	}
	if session.Subscription != nil {
		ev.SubscriptionRef = session.Subscription.ID
	}

	// Only an explicit payperuse purchase grants credits; every other kind
	// buys the subscription.
	if domain.Tier(strings.TrimSpace(session.Metadata[MetadataKind])) == domain.TierPayPerUse {
		ev.Kind = domain.TierPayPerUse
	}
	// An unreadable amount falls back to the default credit grant.
	if n, err := strconv.Atoi(strings.TrimSpace(session.Metadata[MetadataCredits])); err == nil && n > 0 {
		ev.CreditAmount = n
	}
	return ev, nil
}

// =============================================================================
// Checkout
// =============================================================================

// Service creates billing-side objects for a principal.
type Service interface {
	// CreateCustomer creates a Stripe customer tagged with the principal id.
	CreateCustomer(ctx context.Context, principalID, email, name string) (string, error)

	// CreateCheckoutSession returns the hosted Checkout URL.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)
}

// CheckoutParams describes one purchase.
type CheckoutParams struct {
	PrincipalID string
	CustomerRef string
	Kind        domain.Tier // TierUnlimited or TierPayPerUse
	Credits     int
	SuccessURL  string
	CancelURL   string
}

// PriceConfig holds the Stripe price ids for each product.
type PriceConfig struct {
	UnlimitedPriceID string // recurring
	CreditPriceID    string // one-time, per credit
}

type stripeService struct {
	api    *stripeclient.API
	prices PriceConfig
}

// NewStripeService creates a Service with its own API client. Passing nil
// backends uses Stripe's production endpoints.
func NewStripeService(secretKey string, prices PriceConfig, backends *stripe.Backends) Service {
	return &stripeService{
		api:    stripeclient.New(secretKey, backends),
		prices: prices,
	}
}

func (s *stripeService) CreateCustomer(ctx context.Context, principalID, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{MetadataPrincipal: principalID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx

	c, err := s.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (s *stripeService) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	const op = "billing.checkout"

	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(p.CustomerRef),
		ClientReferenceID: stripe.String(p.PrincipalID),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		Metadata: map[string]string{
			MetadataKind:    string(p.Kind),
			MetadataCredits: strconv.Itoa(p.Credits),
		},
	}

	switch p.Kind {
	case domain.TierUnlimited:
		if s.prices.UnlimitedPriceID == "" {
			return "", domain.Unavailable(nil, op, "Unlimited plan is not available.")
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(s.prices.UnlimitedPriceID), Quantity: stripe.Int64(1)},
		}
	case domain.TierPayPerUse:
		if s.prices.CreditPriceID == "" {
			return "", domain.Unavailable(nil, op, "Story credits are not available.")
		}
		if p.Credits <= 0 {
			return "", domain.Invalid(op, "credits must be positive")
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(s.prices.CreditPriceID), Quantity: stripe.Int64(int64(p.Credits))},
		}
	default:
		return "", domain.Invalid(op, "kind must be unlimited or payperuse")
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}
