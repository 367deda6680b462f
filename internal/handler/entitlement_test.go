package handler

import (
	"net/http"
	"testing"

	"github.com/Brahmajyot/story-time/internal/auth"
	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntitlementMux(f *fixture) *http.ServeMux {
	mux := http.NewServeMux()
	NewEntitlementHandler(f.quota, f.principals, discardLogger()).RegisterRoutes(mux, requireIdentity, passthrough)
	NewAdminHandler(f.principals, f.stories, discardLogger()).RegisterRoutes(mux, passthrough)
	return mux
}

// =============================================================================
// Snapshot
// =============================================================================

func TestEntitlement_Snapshot(t *testing.T) {
	f := newFixture(t)
	mux := newEntitlementMux(f)

	rec := do(t, mux, http.MethodGet, "/entitlement/user_1", nil, asPrincipal("user_1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap := decodeBody[domain.Snapshot](t, rec)
	assert.Equal(t, domain.Snapshot{
		PrincipalID:    "user_1",
		FreeUsageCount: 0,
		FreeLimit:      domain.DefaultFreeLimit,
		Credits:        0,
		Tier:           domain.TierFree,
		CanConsume:     true,
	}, snap)
}

func TestEntitlement_Access(t *testing.T) {
	f := newFixture(t)
	mux := newEntitlementMux(f)

	tests := []struct {
		name string
		id   *auth.Identity
		want int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"other principal", asPrincipal("user_2"), http.StatusForbidden},
		{"owner", asPrincipal("user_1"), http.StatusOK},
		{"admin", asAdmin(), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, mux, http.MethodGet, "/entitlement/user_1", nil, tt.id).Code)
			assert.Equal(t, tt.want, do(t, mux, http.MethodPost, "/entitlement/user_1/consume", nil, tt.id).Code)
		})
	}
}

// =============================================================================
// Consume
// =============================================================================

func TestEntitlement_ConsumeUntilDenied(t *testing.T) {
	f := newFixture(t)
	mux := newEntitlementMux(f)
	me := asPrincipal("user_1")

	for i := 1; i <= domain.DefaultFreeLimit; i++ {
		rec := do(t, mux, http.MethodPost, "/entitlement/user_1/consume", nil, me)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[ConsumeResponse](t, rec)
		assert.True(t, resp.Granted)
		assert.Equal(t, domain.ConsumeFree, resp.Kind)
		assert.Equal(t, i, resp.SnapshotAfter.FreeUsageCount)
	}

	rec := do(t, mux, http.MethodPost, "/entitlement/user_1/consume", nil, me)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.EQUOTA, decodeBody[JSONError](t, rec).Error.Code)

	// The denial did not change the ledger
	snap := decodeBody[domain.Snapshot](t, do(t, mux, http.MethodGet, "/entitlement/user_1", nil, me))
	assert.Equal(t, domain.DefaultFreeLimit, snap.FreeUsageCount)
	assert.False(t, snap.CanConsume)
}

func TestEntitlement_ConsumeAfterTierOverride(t *testing.T) {
	f := newFixture(t)
	mux := newEntitlementMux(f)
	_, err := f.principals.Ensure(t.Context(), "user_1")
	require.NoError(t, err)

	rec := do(t, mux, http.MethodPut, "/entitlement/user_1/tier", map[string]string{"tier": "unlimited"}, asAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.TierUnlimited, decodeBody[domain.Snapshot](t, rec).Tier)

	rec = do(t, mux, http.MethodPost, "/entitlement/user_1/consume", nil, asPrincipal("user_1"))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ConsumeResponse](t, rec)
	assert.Equal(t, domain.ConsumeUnlimited, resp.Kind)
	assert.Equal(t, 0, resp.SnapshotAfter.FreeUsageCount)
}
