package service

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/repository"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQuotaConfig() QuotaConfig {
	return QuotaConfig{
		FreeLimit:      domain.DefaultFreeLimit,
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	}
}

// flakyStore fails the first `failures` calls to Update and ApplyBillingEvent
// with a transient error, then delegates. A negative value fails forever.
type flakyStore struct {
	repository.Store
	failures int64
	calls    atomic.Int64
}

func (f *flakyStore) fail() bool {
	n := f.calls.Add(1)
	return f.failures < 0 || n <= f.failures
}

func (f *flakyStore) Update(ctx context.Context, id string, fn repository.Mutation) (*domain.EntitlementRecord, error) {
	if f.fail() {
		return nil, repository.ErrTransient
	}
	return f.Store.Update(ctx, id, fn)
}

func (f *flakyStore) ApplyBillingEvent(ctx context.Context, r domain.BillingReceipt, fn repository.Mutation) (*domain.EntitlementRecord, error) {
	if f.fail() {
		return nil, repository.ErrTransient
	}
	return f.Store.ApplyBillingEvent(ctx, r, fn)
}

func grant(t *testing.T, store repository.Store, principalID string, mutate func(*domain.EntitlementRecord)) {
	t.Helper()
	_, err := store.Update(context.Background(), principalID, func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		mutate(rec)
		return nil, nil
	})
	require.NoError(t, err)
}
