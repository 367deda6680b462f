package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/service"
)

// AdminHandler handles administrative HTTP requests.
type AdminHandler struct {
	principals service.PrincipalService
	stories    service.StoryService
	logger     *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(principals service.PrincipalService, stories service.StoryService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		principals: principals,
		stories:    stories,
		logger:     logger,
	}
}

// RegisterRoutes registers admin routes with the provided middleware.
func (h *AdminHandler) RegisterRoutes(
	mux *http.ServeMux,
	requireAdmin func(http.Handler) http.Handler,
) {
	mux.Handle("GET /admin/check", requireAdmin(http.HandlerFunc(h.Check)))
	mux.Handle("GET /admin/principals", requireAdmin(http.HandlerFunc(h.Principals)))
	mux.Handle("GET /admin/stats", requireAdmin(http.HandlerFunc(h.Stats)))
	mux.Handle("GET /admin/principals/{id}/stories", requireAdmin(http.HandlerFunc(h.PrincipalStories)))
	mux.Handle("GET /admin/principals/{id}/usage", requireAdmin(http.HandlerFunc(h.PrincipalUsage)))
	mux.Handle("PUT /entitlement/{principalId}/tier", requireAdmin(http.HandlerFunc(h.SetTier)))
}

// PrincipalRow is one line of the admin principal listing.
type PrincipalRow struct {
	ID                 string      `json:"id"`
	Email              string      `json:"email"`
	DisplayName        string      `json:"displayName"`
	Tier               domain.Tier `json:"tier"`
	FreeUsageCount     int         `json:"freeUsageCount"`
	Credits            int         `json:"credits"`
	StoriesGenerated   int         `json:"storiesGenerated"`
	BillingCustomerRef string      `json:"billingCustomerRef,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// UsageRow is one audit record.
type UsageRow struct {
	Outcome        domain.UsageOutcome `json:"outcome"`
	Kind           domain.ConsumeKind  `json:"kind,omitempty"`
	FreeUsageCount int                 `json:"freeUsageCount"`
	Credits        int                 `json:"credits"`
	Tier           domain.Tier         `json:"tier"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// Check confirms the admin token is valid.
func (h *AdminHandler) Check(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"isAdmin": true})
}

// Principals lists every principal with its entitlement.
func (h *AdminHandler) Principals(w http.ResponseWriter, r *http.Request) {
	list, err := h.principals.List(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	rows := make([]PrincipalRow, 0, len(list))
	for _, s := range list {
		rows = append(rows, PrincipalRow{
			ID:                 s.Principal.ID,
			Email:              s.Principal.Email,
			DisplayName:        s.Principal.DisplayName(),
			Tier:               s.Entitlement.Tier,
			FreeUsageCount:     s.Entitlement.FreeUsageCount,
			Credits:            s.Entitlement.Credits,
			StoriesGenerated:   s.StoriesGenerated,
			BillingCustomerRef: s.Entitlement.BillingCustomerRef,
			CreatedAt:          s.Principal.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"principals": rows})
}

// Stats returns ledger-wide counts.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.principals.Stats(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// PrincipalStories lists every story of one principal.
func (h *AdminHandler) PrincipalStories(w http.ResponseWriter, r *http.Request) {
	principalID := r.PathValue("id")
	if _, err := h.principals.Get(r.Context(), principalID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	stories, err := h.stories.ListAll(r.Context(), principalID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StoriesResponse{Stories: stories})
}

// PrincipalUsage returns the audit trail of one principal. The optional
// limit query parameter caps the number of records.
func (h *AdminHandler) PrincipalUsage(w http.ResponseWriter, r *http.Request) {
	principalID := r.PathValue("id")
	if _, err := h.principals.Get(r.Context(), principalID); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.principals.UsageHistory(r.Context(), principalID, limit)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	rows := make([]UsageRow, 0, len(history))
	for _, u := range history {
		rows = append(rows, UsageRow{
			Outcome:        u.Outcome,
			Kind:           u.Kind,
			FreeUsageCount: u.FreeUsageCount,
			Credits:        u.Credits,
			Tier:           u.Tier,
			CreatedAt:      u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": rows})
}

// SetTier is the administrative tier override.
func (h *AdminHandler) SetTier(w http.ResponseWriter, r *http.Request) {
	principalID := r.PathValue("principalId")

	var req domain.TierOverride
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	snap, err := h.principals.SetTier(r.Context(), principalID, req.Tier)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
