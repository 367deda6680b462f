// Package handler contains the HTTP handlers for story-time.
//
// This file implements the story endpoints.
//
// Routes handled:
//   - GET  /api/stories/count    -> Count
//   - POST /api/stories/generate -> Generate
//   - GET  /api/stories          -> List
//   - GET  /api/stories/{id}     -> Get
package handler

import (
	"log/slog"
	"net/http"

	"github.com/Brahmajyot/story-time/internal/auth"
	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/service"
	"github.com/google/uuid"
)

// StoryHandler handles story generation and retrieval.
type StoryHandler struct {
	stories service.StoryService
	logger  *slog.Logger
}

// NewStoryHandler creates a new StoryHandler.
func NewStoryHandler(stories service.StoryService, logger *slog.Logger) *StoryHandler {
	return &StoryHandler{
		stories: stories,
		logger:  logger,
	}
}

// RegisterRoutes registers story routes. limit rate limits generation.
func (h *StoryHandler) RegisterRoutes(mux *http.ServeMux, requirePrincipal, limit func(http.Handler) http.Handler) {
	mux.Handle("GET /api/stories/count", requirePrincipal(http.HandlerFunc(h.Count)))
	mux.Handle("POST /api/stories/generate", requirePrincipal(limit(http.HandlerFunc(h.Generate))))
	mux.Handle("GET /api/stories", requirePrincipal(http.HandlerFunc(h.List)))
	mux.Handle("GET /api/stories/{id}", requirePrincipal(http.HandlerFunc(h.Get)))
}

// CountResponse summarizes the caller's usage.
type CountResponse struct {
	StoriesGenerated int         `json:"storiesGenerated"`
	FreeUsageCount   int         `json:"freeUsageCount"`
	FreeLimit        int         `json:"freeLimit"`
	FreeRemaining    int         `json:"freeRemaining"`
	Credits          int         `json:"credits"`
	Tier             domain.Tier `json:"tier"`
	CanGenerateStory bool        `json:"canGenerateStory"`
}

// GenerateResponse is a saved story with the caller's entitlement after the debit.
type GenerateResponse struct {
	Story       *domain.Story   `json:"story"`
	Entitlement domain.Snapshot `json:"entitlement"`
}

// StoriesResponse wraps a story list.
type StoriesResponse struct {
	Stories []domain.Story `json:"stories"`
}

// Count returns stories generated and the remaining allowance.
func (h *StoryHandler) Count(w http.ResponseWriter, r *http.Request) {
	principalID := auth.PrincipalID(r.Context())

	usage, err := h.stories.Usage(r.Context(), principalID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	snap := usage.Entitlement
	writeJSON(w, http.StatusOK, CountResponse{
		StoriesGenerated: usage.StoriesGenerated,
		FreeUsageCount:   snap.FreeUsageCount,
		FreeLimit:        snap.FreeLimit,
		FreeRemaining:    snap.FreeRemaining(),
		Credits:          snap.Credits,
		Tier:             snap.Tier,
		CanGenerateStory: snap.CanConsume,
	})
}

// Generate debits the caller's allowance and generates a story.
func (h *StoryHandler) Generate(w http.ResponseWriter, r *http.Request) {
	principalID := auth.PrincipalID(r.Context())

	var req domain.StoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	result, err := h.stories.Generate(r.Context(), principalID, req)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, GenerateResponse{
		Story:       result.Story,
		Entitlement: result.Entitlement,
	})
}

// List returns the caller's most recent stories, newest first.
func (h *StoryHandler) List(w http.ResponseWriter, r *http.Request) {
	stories, err := h.stories.List(r.Context(), auth.PrincipalID(r.Context()))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StoriesResponse{Stories: stories})
}

// Get returns one of the caller's stories. Stories of other principals are
// reported as not found.
func (h *StoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		NotFoundResponse(w, r, h.logger)
		return
	}

	story, err := h.stories.Get(r.Context(), auth.PrincipalID(r.Context()), id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, story)
}
