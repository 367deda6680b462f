package handler

import (
	"net/http"
	"testing"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdminMux(f *fixture) *http.ServeMux {
	mux := http.NewServeMux()
	NewAdminHandler(f.principals, f.stories, discardLogger()).RegisterRoutes(mux, passthrough)
	return mux
}

func TestAdmin_Check(t *testing.T) {
	rec := do(t, newAdminMux(newFixture(t)), http.MethodGet, "/admin/check", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[map[string]bool](t, rec)["isAdmin"])
}

func TestAdmin_PrincipalsAndStats(t *testing.T) {
	f := newFixture(t)
	mux := newAdminMux(f)
	ctx := t.Context()

	_, err := f.principals.UpsertProfile(ctx, domain.Profile{ID: "user_1", Email: "Ada@Example.com", FirstName: "ada", LastName: "lovelace"})
	require.NoError(t, err)
	_, err = f.principals.Ensure(ctx, "user_2")
	require.NoError(t, err)
	_, err = f.principals.SetTier(ctx, "user_2", domain.TierUnlimited)
	require.NoError(t, err)
	_, err = f.stories.Generate(ctx, "user_1", domain.StoryRequest{ChildName: "Mia", FavoriteAnimal: "otter", MoralLesson: "kindness"})
	require.NoError(t, err)

	rec := do(t, mux, http.MethodGet, "/admin/principals", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Principals []PrincipalRow `json:"principals"`
	}](t, rec)
	require.Len(t, body.Principals, 2)

	byID := map[string]PrincipalRow{}
	for _, p := range body.Principals {
		byID[p.ID] = p
	}
	assert.Equal(t, "ada@example.com", byID["user_1"].Email)
	assert.Equal(t, "Ada Lovelace", byID["user_1"].DisplayName)
	assert.Equal(t, 1, byID["user_1"].StoriesGenerated)
	assert.Equal(t, 1, byID["user_1"].FreeUsageCount)
	assert.Equal(t, domain.TierUnlimited, byID["user_2"].Tier)

	rec = do(t, mux, http.MethodGet, "/admin/stats", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[domain.Stats](t, rec)
	assert.Equal(t, 2, stats.TotalPrincipals)
	assert.Equal(t, 1, stats.UnlimitedPrincipals)
	assert.Equal(t, 1, stats.TotalStories)
	assert.Equal(t, 50.0, stats.UnlimitedPercentage)
}

func TestAdmin_PrincipalStoriesAndUsage(t *testing.T) {
	f := newFixture(t)
	mux := newAdminMux(f)

	_, err := f.stories.Generate(t.Context(), "user_1", domain.StoryRequest{ChildName: "Mia", FavoriteAnimal: "otter", MoralLesson: "kindness"})
	require.NoError(t, err)

	rec := do(t, mux, http.MethodGet, "/admin/principals/user_1/stories", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	stories := decodeBody[StoriesResponse](t, rec)
	require.Len(t, stories.Stories, 1)
	assert.Equal(t, "Mia", stories.Stories[0].ChildName)

	rec = do(t, mux, http.MethodGet, "/admin/principals/user_1/usage?limit=10", nil, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decodeBody[struct {
		Usage []UsageRow `json:"usage"`
	}](t, rec)
	require.Len(t, usage.Usage, 1)
	assert.Equal(t, domain.UsageGranted, usage.Usage[0].Outcome)
	assert.Equal(t, domain.ConsumeFree, usage.Usage[0].Kind)

	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/admin/principals/nobody/stories", nil, asAdmin()).Code)
	assert.Equal(t, http.StatusNotFound, do(t, mux, http.MethodGet, "/admin/principals/nobody/usage", nil, asAdmin()).Code)
}

func TestAdmin_SetTierErrors(t *testing.T) {
	f := newFixture(t)
	mux := newAdminMux(f)
	_, err := f.principals.Ensure(t.Context(), "user_1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
		body   any
		want   int
		field  string
	}{
		{"unknown tier", "/entitlement/user_1/tier", map[string]string{"tier": "gold"}, http.StatusBadRequest, "tier"},
		{"missing tier", "/entitlement/user_1/tier", map[string]string{}, http.StatusBadRequest, "tier"},
		{"unknown field", "/entitlement/user_1/tier", `{"tier":"free","credits":9}`, http.StatusBadRequest, ""},
		{"malformed", "/entitlement/user_1/tier", `{"tier":`, http.StatusBadRequest, ""},
		{"unknown principal", "/entitlement/nobody/tier", map[string]string{"tier": "free"}, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, mux, http.MethodPut, tt.target, tt.body, asAdmin())
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.field != "" {
				assert.Contains(t, decodeBody[JSONError](t, rec).Error.Fields, tt.field)
			}
		})
	}
}
