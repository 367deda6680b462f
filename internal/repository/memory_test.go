package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func consume(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
	kind, err := rec.Consume(domain.DefaultFreeLimit)
	if err != nil {
		return nil, err
	}
	return domain.NewUsageRecord(rec, domain.UsageGranted, kind, time.Now()), nil
}

func grantCredits(n int) Mutation {
	return func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		return nil, rec.GrantCredits(n)
	}
}

// =============================================================================
// Principal lifecycle
// =============================================================================

func TestMemoryStore_EnsurePrincipal_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.EnsurePrincipal(ctx, "user_1")
	require.NoError(t, err)

	_, err = s.Update(ctx, "user_1", grantCredits(2))
	require.NoError(t, err)

	second, err := s.EnsurePrincipal(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	rec, err := s.Entitlement(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Credits, "re-ensuring must not reset the ledger")
}

func TestMemoryStore_Entitlement_DefaultsLazily(t *testing.T) {
	s := NewMemoryStore()

	rec, err := s.Entitlement(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, rec.Tier)
	assert.Zero(t, rec.Credits)
	assert.Zero(t, rec.FreeUsageCount)
}

func TestMemoryStore_UpsertProfile_LeavesLedgerAlone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Update(ctx, "user_1", grantCredits(3))
	require.NoError(t, err)

	p, err := s.UpsertProfile(ctx, domain.Profile{ID: "user_1", Email: "a@example.com", FirstName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", p.Email)

	rec, _ := s.Entitlement(ctx, "user_1")
	assert.Equal(t, 3, rec.Credits)
	assert.Equal(t, int64(1), rec.Version)
}

// =============================================================================
// Atomic updates
// =============================================================================

func TestMemoryStore_Update_ConcurrentSingleCredit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Update(ctx, "user_1", func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		rec.Tier = domain.TierPayPerUse
		rec.FreeUsageCount = domain.DefaultFreeLimit
		rec.Credits = 1
		return nil, nil
	})
	require.NoError(t, err)

	const k = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		denials   int
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "user_1", consume)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, domain.ErrQuotaExceeded) {
				denials++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, k-1, denials)

	rec, _ := s.Entitlement(ctx, "user_1")
	assert.Equal(t, 0, rec.Credits)

	history, _ := s.UsageHistory(ctx, "user_1", 0)
	assert.Len(t, history, 1)
}

func TestMemoryStore_Update_FailedMutationWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Update(ctx, "user_1", func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		rec.Credits = 50
		return nil, errors.New("abort")
	})
	assert.Error(t, err)

	rec, _ := s.Entitlement(ctx, "user_1")
	assert.Zero(t, rec.Credits)
	assert.Zero(t, rec.Version)
}

func TestMemoryStore_Update_VersionIncrements(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 1; i <= 3; i++ {
		rec, err := s.Update(ctx, "user_1", grantCredits(1))
		require.NoError(t, err)
		assert.Equal(t, int64(i), rec.Version)
	}
}

// =============================================================================
// Customer links
// =============================================================================

func TestMemoryStore_CustomerRefUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	link := func(ref string) Mutation {
		return func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
			return nil, rec.LinkCustomer(ref)
		}
	}

	_, err := s.Update(ctx, "user_1", link("cus_1"))
	require.NoError(t, err)

	id, err := s.ResolveCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", id)

	_, err = s.Update(ctx, "user_2", link("cus_1"))
	assert.ErrorIs(t, err, ErrCustomerLinked)

	rec, _ := s.Entitlement(ctx, "user_2")
	assert.Empty(t, rec.BillingCustomerRef)

	_, err = s.ResolveCustomer(ctx, "cus_unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Billing event receipts
// =============================================================================

func TestMemoryStore_ApplyBillingEvent_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	receipt := domain.BillingReceipt{EventID: "evt_1", PrincipalID: "user_1", ProcessedAt: time.Now()}

	_, err := s.ApplyBillingEvent(ctx, receipt, grantCredits(3))
	require.NoError(t, err)

	_, err = s.ApplyBillingEvent(ctx, receipt, grantCredits(3))
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	rec, _ := s.Entitlement(ctx, "user_1")
	assert.Equal(t, 3, rec.Credits)
}

func TestMemoryStore_ApplyBillingEvent_FailureNotRecorded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	receipt := domain.BillingReceipt{EventID: "evt_1", PrincipalID: "user_1", ProcessedAt: time.Now()}

	_, err := s.ApplyBillingEvent(ctx, receipt, func(*domain.EntitlementRecord) (*domain.UsageRecord, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	// Redelivery is applied because the first attempt never committed
	_, err = s.ApplyBillingEvent(ctx, receipt, grantCredits(2))
	require.NoError(t, err)

	rec, _ := s.Entitlement(ctx, "user_1")
	assert.Equal(t, 2, rec.Credits)
}

func TestMemoryStore_ApplyBillingEvent_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	receipt := domain.BillingReceipt{EventID: "evt_1", PrincipalID: "user_1", ProcessedAt: time.Now()}
	_, err := s.ApplyBillingEvent(ctx, receipt, grantCredits(1))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.ApplyBillingEvent(context.Background(), receipt, grantCredits(1))
	assert.NoError(t, err)
}

func TestMemoryStore_PruneBillingEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := time.Now().Add(-48 * time.Hour)

	_, err := s.ApplyBillingEvent(ctx, domain.BillingReceipt{EventID: "old", PrincipalID: "u", ProcessedAt: old}, grantCredits(1))
	require.NoError(t, err)
	_, err = s.ApplyBillingEvent(ctx, domain.BillingReceipt{EventID: "new", PrincipalID: "u", ProcessedAt: time.Now()}, grantCredits(1))
	require.NoError(t, err)

	n, err := s.PruneBillingEvents(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.ApplyBillingEvent(ctx, domain.BillingReceipt{EventID: "new", PrincipalID: "u", ProcessedAt: time.Now()}, grantCredits(1))
	assert.ErrorIs(t, err, ErrDuplicateEvent)
}

// =============================================================================
// Stories and stats
// =============================================================================

func TestMemoryStore_StoriesAndStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateStory(ctx, &domain.Story{
			ID:          uuid.New(),
			PrincipalID: "user_1",
			Text:        "once",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}
	_, err := s.Update(ctx, "user_2", func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		return nil, rec.SetTier(domain.TierUnlimited)
	})
	require.NoError(t, err)
	_, _ = s.EnsurePrincipal(ctx, "user_1")

	stories, err := s.ListStories(ctx, "user_1", 2)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.True(t, stories[0].CreatedAt.After(stories[1].CreatedAt))

	_, err = s.GetStory(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalPrincipals)
	assert.Equal(t, 1, stats.UnlimitedPrincipals)
	assert.Equal(t, 1, stats.FreePrincipals)
	assert.Equal(t, 3, stats.TotalStories)
	assert.Equal(t, 50.0, stats.UnlimitedPercentage)

	list, err := s.ListPrincipals(ctx)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, p := range list {
		counts[p.Principal.ID] = p.StoriesGenerated
	}
	assert.Equal(t, 3, counts["user_1"])
	assert.Equal(t, 0, counts["user_2"])
}
