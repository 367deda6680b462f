package service

import (
	"context"
	"testing"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipal_UpsertProfileLeavesLedger(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := NewPrincipalService(store, domain.DefaultFreeLimit, testLogger())
	grant(t, store, "user_1", func(rec *domain.EntitlementRecord) { rec.Credits = 4 })

	p, err := svc.UpsertProfile(ctx, domain.Profile{
		ID:        "user_1",
		Email:     "  Parent@Example.COM ",
		FirstName: "ada",
		LastName:  "lovelace",
	})
	require.NoError(t, err)
	assert.Equal(t, "parent@example.com", p.Email)
	assert.Equal(t, "Ada Lovelace", p.DisplayName())

	rec, err := store.Entitlement(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Credits)
}

func TestPrincipal_SetTier(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := NewPrincipalService(store, domain.DefaultFreeLimit, testLogger())
	_, err := svc.Ensure(ctx, "user_1")
	require.NoError(t, err)

	snap, err := svc.SetTier(ctx, "user_1", domain.TierUnlimited)
	require.NoError(t, err)
	assert.Equal(t, domain.TierUnlimited, snap.Tier)
	assert.True(t, snap.CanConsume)

	rec, err := store.Entitlement(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestPrincipal_SetTierErrors(t *testing.T) {
	ctx := context.Background()
	svc := NewPrincipalService(repository.NewMemoryStore(), domain.DefaultFreeLimit, testLogger())

	_, err := svc.SetTier(ctx, "user_1", domain.Tier("gold"))
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = svc.SetTier(ctx, "missing", domain.TierFree)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestPrincipal_ListAndStats(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := NewPrincipalService(store, domain.DefaultFreeLimit, testLogger())

	for _, id := range []string{"user_1", "user_2", "user_3", "user_4"} {
		_, err := svc.Ensure(ctx, id)
		require.NoError(t, err)
	}
	_, err := svc.SetTier(ctx, "user_1", domain.TierUnlimited)
	require.NoError(t, err)
	_, err = svc.SetTier(ctx, "user_2", domain.TierPayPerUse)
	require.NoError(t, err)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 4)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalPrincipals)
	assert.Equal(t, 1, stats.UnlimitedPrincipals)
	assert.Equal(t, 1, stats.PayPerUsePrincipals)
	assert.Equal(t, 2, stats.FreePrincipals)
	assert.InDelta(t, 25.0, stats.UnlimitedPercentage, 0.001)
}
