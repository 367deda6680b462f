// Package handler contains the HTTP handlers for story-time.
//
// This file implements checkout session creation.
//
// Routes handled:
//   - POST /api/billing/checkout -> CreateCheckout
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Brahmajyot/story-time/internal/auth"
	"github.com/Brahmajyot/story-time/internal/billing"
	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/service"
)

// BillingHandler starts purchases with the billing provider.
type BillingHandler struct {
	billing    billing.Service
	linker     service.LinkerService
	principals service.PrincipalService
	baseURL    string
	logger     *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
// billingService may be nil when Stripe is not configured (development mode).
func NewBillingHandler(billingService billing.Service, linker service.LinkerService, principals service.PrincipalService, baseURL string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		billing:    billingService,
		linker:     linker,
		principals: principals,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, requirePrincipal func(http.Handler) http.Handler) {
	mux.Handle("POST /api/billing/checkout", requirePrincipal(http.HandlerFunc(h.CreateCheckout)))
}

// CheckoutResponse carries the hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// CreateCheckout ensures the principal has a billing customer and creates a
// Checkout session for it.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	const op = "billing.create_checkout"

	principalID := auth.PrincipalID(r.Context())
	if principalID == "" {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	if h.billing == nil {
		h.logger.Warn("checkout attempted but Stripe is not configured")
		ErrorResponse(w, r, h.logger, domain.Unavailable(nil, op, "Billing is not available."))
		return
	}

	var req domain.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if err := service.ValidateRequest(op, req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.Kind != domain.TierPayPerUse {
		req.Credits = 0
	} else if req.Credits == 0 {
		req.Credits = domain.DefaultCheckoutCredits
	}

	customerRef, err := h.ensureCustomer(r, principalID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	url, err := h.billing.CreateCheckoutSession(r.Context(), billing.CheckoutParams{
		PrincipalID: principalID,
		CustomerRef: customerRef,
		Kind:        req.Kind,
		Credits:     req.Credits,
		SuccessURL:  h.baseURL + "/?checkout=success",
		CancelURL:   h.baseURL + "/?checkout=canceled",
	})
	if err != nil {
		var coded *domain.Error
		if !errors.As(err, &coded) {
			err = domain.Unavailable(err, op, "Unable to start checkout. Please try again.")
		}
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("checkout session created",
		"principal_id", principalID,
		"customer_ref", customerRef,
		"kind", req.Kind,
		"credits", req.Credits,
	)
	writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// ensureCustomer returns the principal's linked billing customer, creating
// and linking one on first checkout.
func (h *BillingHandler) ensureCustomer(r *http.Request, principalID string) (string, error) {
	const op = "billing.ensure_customer"
	ctx := r.Context()

	p, err := h.principals.Ensure(ctx, principalID)
	if err != nil {
		return "", err
	}

	customerRef, err := h.linker.CustomerFor(ctx, principalID)
	if err != nil || customerRef != "" {
		return customerRef, err
	}

	customerRef, err = h.billing.CreateCustomer(ctx, principalID, p.Email, p.DisplayName())
	if err != nil {
		return "", domain.Unavailable(err, op, "Unable to start checkout. Please try again.")
	}

	if err := h.linker.Link(ctx, principalID, customerRef); err != nil {
		if domain.ErrorCode(err) != domain.ECONFLICT {
			return "", err
		}
		// A concurrent checkout linked a customer first; use that one.
		h.logger.Warn("billing customer created concurrently; using existing link",
			"principal_id", principalID,
			"orphaned_customer_ref", customerRef,
		)
		return h.linker.CustomerFor(ctx, principalID)
	}
	return customerRef, nil
}
