// Package handler contains the HTTP handlers for story-time.
//
// This file implements the entitlement ledger endpoints.
//
// Routes:
//   - GET  /entitlement/{principalId}         -> Snapshot
//   - POST /entitlement/{principalId}/consume -> Consume
//
// Both require the caller to be {principalId} or an administrator.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/Brahmajyot/story-time/internal/auth"
	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/service"
)

// EntitlementHandler exposes the Usage Gate over HTTP.
type EntitlementHandler struct {
	quota      service.QuotaService
	principals service.PrincipalService
	logger     *slog.Logger
}

// NewEntitlementHandler creates a new EntitlementHandler.
func NewEntitlementHandler(quota service.QuotaService, principals service.PrincipalService, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		quota:      quota,
		principals: principals,
		logger:     logger,
	}
}

// RegisterRoutes registers the entitlement routes. requireAuth must populate
// the request identity; limit rate limits the metered route.
func (h *EntitlementHandler) RegisterRoutes(mux *http.ServeMux, requireAuth, limit func(http.Handler) http.Handler) {
	mux.Handle("GET /entitlement/{principalId}", requireAuth(http.HandlerFunc(h.Snapshot)))
	mux.Handle("POST /entitlement/{principalId}/consume", requireAuth(limit(http.HandlerFunc(h.Consume))))
}

// ConsumeResponse is returned by a granted consume.
type ConsumeResponse struct {
	Granted       bool               `json:"granted"`
	Kind          domain.ConsumeKind `json:"kind"`
	SnapshotAfter domain.Snapshot    `json:"snapshotAfter"`
}

// Snapshot returns the principal's current entitlement.
func (h *EntitlementHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	snap, err := h.quota.Snapshot(r.Context(), principalID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Consume debits one use of the metered feature.
func (h *EntitlementHandler) Consume(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	if _, err := h.principals.Ensure(r.Context(), principalID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	grant, err := h.quota.Consume(r.Context(), principalID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, ConsumeResponse{
		Granted:       true,
		Kind:          grant.Kind,
		SnapshotAfter: grant.Snapshot,
	})
}

// authorize resolves {principalId} and checks the caller may act on it.
func (h *EntitlementHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	principalID := r.PathValue("principalId")
	if principalID == "" {
		ErrorResponse(w, r, h.logger, domain.Invalid("entitlement.authorize", "principal id is required"))
		return "", false
	}

	id := auth.GetIdentityFromRequest(r)
	if id == nil {
		UnauthorizedResponse(w, r, h.logger)
		return "", false
	}
	if !id.CanAccess(principalID) {
		ForbiddenResponse(w, r, h.logger)
		return "", false
	}
	return principalID, true
}
