// Package handler contains the HTTP handlers for story-time.
//
// This file implements the inbound webhook handlers.
//
// Routes:
//   - POST /billing/webhook     -> HandleBillingWebhook
//   - POST /webhooks/identity   -> HandleIdentityWebhook
//
// These routes are PUBLIC (no auth middleware) because the providers call
// them directly. Authentication is via signature verification.
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Brahmajyot/story-time/internal/auth"
	"github.com/Brahmajyot/story-time/internal/billing"
	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/metrics"
	"github.com/Brahmajyot/story-time/internal/service"
)

// webhookBodyLimit bounds webhook payloads (64 KiB).
const webhookBodyLimit = 64 << 10

// Webhook sources for metrics labels
const (
	sourceBilling  = "billing"
	sourceIdentity = "identity"
)

type webhookResponse struct {
	Received bool                    `json:"received"`
	Outcome  domain.ReconcileOutcome `json:"outcome,omitempty"`
}

// =============================================================================
// Billing
// =============================================================================

// BillingWebhookHandler verifies billing provider deliveries and hands them to
// the reconciler.
type BillingWebhookHandler struct {
	verifier   billing.Verifier
	reconciler service.ReconcilerService
	logger     *slog.Logger
}

// NewBillingWebhookHandler creates a new BillingWebhookHandler.
func NewBillingWebhookHandler(verifier billing.Verifier, reconciler service.ReconcilerService, logger *slog.Logger) *BillingWebhookHandler {
	return &BillingWebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RegisterRoutes registers the billing webhook route.
func (h *BillingWebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /billing/webhook", h.HandleBillingWebhook)
}

// HandleBillingWebhook responds 200 once the event is applied, recognized as
// a duplicate, or deliberately discarded; 400 when it cannot be verified or
// decoded; 500 only when nothing was recorded and redelivery is wanted.
func (h *BillingWebhookHandler) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(sourceBilling, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(sourceBilling).Observe(time.Since(start).Seconds())
	}()

	payload, err := readWebhookBody(w, r)
	if err != nil {
		h.logger.Warn("failed to read billing webhook body", "error", err)
		status = http.StatusBadRequest
		writeJSONError(w, status, domain.EINVALID, "failed to read request body")
		return
	}

	ev, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			h.logger.Warn("billing webhook signature verification failed", "error", err)
		} else {
			h.logger.Warn("billing webhook payload rejected", "error", err)
		}
		status = http.StatusBadRequest
		writeJSONError(w, status, domain.EINVALID, domain.ErrorMessage(err))
		return
	}

	meta := ev.Meta()
	h.logger.Info("billing webhook received", "event_id", meta.ID, "event_type", meta.Type)

	outcome, err := h.reconciler.Apply(r.Context(), ev)
	if err != nil {
		status = http.StatusInternalServerError
		logError(h.logger, r, err, domain.ErrorCode(err), domain.ErrorOp(err), status)
		writeJSONError(w, status, domain.EINTERNAL, "processing failed")
		return
	}

	writeJSON(w, status, webhookResponse{Received: true, Outcome: outcome})
}

// =============================================================================
// Identity
// =============================================================================

// IdentityWebhookHandler applies identity provider user lifecycle events to
// the principal directory.
type IdentityWebhookHandler struct {
	verifier   *auth.ProfileEventVerifier
	principals service.PrincipalService
	logger     *slog.Logger
}

// NewIdentityWebhookHandler creates a new IdentityWebhookHandler.
// verifier may be nil when no signing secret is configured; every delivery
// is then rejected.
func NewIdentityWebhookHandler(verifier *auth.ProfileEventVerifier, principals service.PrincipalService, logger *slog.Logger) *IdentityWebhookHandler {
	return &IdentityWebhookHandler{
		verifier:   verifier,
		principals: principals,
		logger:     logger,
	}
}

// RegisterRoutes registers the identity webhook route.
func (h *IdentityWebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/identity", h.HandleIdentityWebhook)
}

// HandleIdentityWebhook verifies a svix-signed delivery and upserts the profile.
func (h *IdentityWebhookHandler) HandleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(sourceIdentity, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(sourceIdentity).Observe(time.Since(start).Seconds())
	}()

	if h.verifier == nil {
		h.logger.Warn("identity webhook received but no signing secret is configured")
		status = http.StatusBadRequest
		writeJSONError(w, status, domain.EINVALID, "invalid event signature")
		return
	}

	payload, err := readWebhookBody(w, r)
	if err != nil {
		status = http.StatusBadRequest
		writeJSONError(w, status, domain.EINVALID, "failed to read request body")
		return
	}

	ev, err := h.verifier.Verify(payload, r.Header)
	if err != nil {
		h.logger.Warn("identity webhook rejected", "error", err)
		status = http.StatusBadRequest
		writeJSONError(w, status, domain.EINVALID, domain.ErrorMessage(err))
		return
	}

	if !ev.Upserts() {
		h.logger.Debug("identity webhook event ignored", "type", ev.Type)
		writeJSON(w, status, webhookResponse{Received: true})
		return
	}

	if _, err := h.principals.UpsertProfile(r.Context(), ev.Profile); err != nil {
		status = domainStatus(err)
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, status, webhookResponse{Received: true})
}

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	return io.ReadAll(r.Body)
}

func domainStatus(err error) int {
	return ErrorCodeToHTTPStatus(domain.ErrorCode(err))
}
