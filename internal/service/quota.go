// Package service contains the business logic layer.
//
// This file implements the Usage Gate: the only path by which a feature
// invocation debits the entitlement ledger, and the compensating refund that
// undoes a debit when generation fails afterwards.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/metrics"
	"github.com/Brahmajyot/story-time/internal/repository"
	"github.com/sethvargo/go-retry"
)

// =============================================================================
// Interface Definition
// =============================================================================

// QuotaService gates metered feature invocations.
type QuotaService interface {
	// CanConsume reports whether Consume would currently succeed. It is a
	// pure read and takes no lock.
	CanConsume(ctx context.Context, principalID string) (bool, error)

	// Snapshot returns the principal's current entitlement view.
	Snapshot(ctx context.Context, principalID string) (domain.Snapshot, error)

	// Consume atomically evaluates the consume rule and debits the ledger.
	// Returns an EQUOTA error when no branch applies or when the store stays
	// unavailable past the retry bound.
	Consume(ctx context.Context, principalID string) (*Grant, error)

	// Refund reverses a prior Consume of the given kind.
	Refund(ctx context.Context, principalID string, kind domain.ConsumeKind) (domain.Snapshot, error)

	// FreeLimit returns the configured free allowance.
	FreeLimit() int
}

// Grant is the result of a successful Consume.
type Grant struct {
	Kind     domain.ConsumeKind
	Snapshot domain.Snapshot
}

// QuotaConfig tunes the gate.
type QuotaConfig struct {
	FreeLimit      int
	RetryAttempts  uint64        // retries after the first attempt on transient store failures
	RetryBaseDelay time.Duration // base for exponential backoff
}

// DefaultQuotaConfig returns the production defaults.
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		FreeLimit:      domain.DefaultFreeLimit,
		RetryAttempts:  3,
		RetryBaseDelay: 25 * time.Millisecond,
	}
}

// =============================================================================
// Implementation
// =============================================================================

type quotaService struct {
	store  repository.Store
	config QuotaConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewQuotaService creates a new QuotaService.
func NewQuotaService(store repository.Store, config QuotaConfig, logger *slog.Logger) QuotaService {
	if config.FreeLimit <= 0 {
		config.FreeLimit = domain.DefaultFreeLimit
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 25 * time.Millisecond
	}
	return &quotaService{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (s *quotaService) FreeLimit() int {
	return s.config.FreeLimit
}

func (s *quotaService) CanConsume(ctx context.Context, principalID string) (bool, error) {
	snap, err := s.Snapshot(ctx, principalID)
	if err != nil {
		return false, err
	}
	return snap.CanConsume, nil
}

func (s *quotaService) Snapshot(ctx context.Context, principalID string) (domain.Snapshot, error) {
	const op = "entitlement.snapshot"

	var rec *domain.EntitlementRecord
	err := withStoreRetry(ctx, s.config, op, func(ctx context.Context) error {
		var err error
		rec, err = s.store.Entitlement(ctx, principalID)
		return err
	})
	if err != nil {
		return domain.Snapshot{}, domain.Internal(err, op, "failed to load entitlement")
	}
	return rec.Snapshot(s.config.FreeLimit), nil
}

func (s *quotaService) Consume(ctx context.Context, principalID string) (*Grant, error) {
	const op = "entitlement.consume"

	var (
		kind   domain.ConsumeKind
		denied *domain.EntitlementRecord
	)
	mutate := func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		k, err := rec.Consume(s.config.FreeLimit)
		if err != nil {
			denied = rec.Clone()
			return nil, err
		}
		kind = k
		return domain.NewUsageRecord(rec, domain.UsageGranted, k, s.now()), nil
	}

	var rec *domain.EntitlementRecord
	err := withStoreRetry(ctx, s.config, op, func(ctx context.Context) error {
		var err error
		rec, err = s.store.Update(ctx, principalID, mutate)
		return err
	})

	switch {
	case err == nil:
		metrics.ConsumeTotal.WithLabelValues(string(kind)).Inc()
		return &Grant{Kind: kind, Snapshot: rec.Snapshot(s.config.FreeLimit)}, nil

	case errors.Is(err, domain.ErrQuotaExceeded):
		metrics.ConsumeTotal.WithLabelValues("denied").Inc()
		snap := denied.Snapshot(s.config.FreeLimit)
		s.logger.Info("Story quota exceeded",
			"principal_id", principalID,
			"tier", snap.Tier,
			"free_used", snap.FreeUsageCount,
			"free_limit", snap.FreeLimit,
			"credits", snap.Credits,
		)
		// Audit the denial outside the ledger's critical section
		if aerr := s.store.AppendUsage(ctx, domain.NewUsageRecord(denied, domain.UsageDenied, "", s.now())); aerr != nil {
			s.logger.Warn("Failed to record denied usage", "principal_id", principalID, "error", aerr)
		}
		return nil, domain.QuotaExceeded(op, snap)

	case errors.Is(err, repository.ErrTransient):
		metrics.ConsumeTotal.WithLabelValues("unavailable").Inc()
		s.logger.Error("Entitlement store unavailable, denying consumption",
			"principal_id", principalID,
			"error", err,
		)
		return nil, domain.QuotaUnavailable(err, op)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err

	default:
		return nil, domain.Internal(err, op, "failed to consume entitlement")
	}
}

func (s *quotaService) Refund(ctx context.Context, principalID string, kind domain.ConsumeKind) (domain.Snapshot, error) {
	const op = "entitlement.refund"

	if !kind.Valid() {
		return domain.Snapshot{}, domain.Invalid(op, "unknown consume kind")
	}
	if kind == domain.ConsumeUnlimited {
		// Nothing was debited
		return s.Snapshot(ctx, principalID)
	}

	mutate := func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		if err := rec.Refund(kind); err != nil {
			return nil, err
		}
		return domain.NewUsageRecord(rec, domain.UsageRefunded, kind, s.now()), nil
	}

	var rec *domain.EntitlementRecord
	err := withStoreRetry(ctx, s.config, op, func(ctx context.Context) error {
		var err error
		rec, err = s.store.Update(ctx, principalID, mutate)
		return err
	})
	if err != nil {
		metrics.RefundTotal.WithLabelValues(string(kind), "failed").Inc()
		return domain.Snapshot{}, domain.Internal(err, op, "failed to refund entitlement")
	}

	metrics.RefundTotal.WithLabelValues(string(kind), "completed").Inc()
	s.logger.Info("Entitlement refunded",
		"principal_id", principalID,
		"kind", kind,
		"credits", rec.Credits,
		"free_used", rec.FreeUsageCount,
	)
	return rec.Snapshot(s.config.FreeLimit), nil
}

// withStoreRetry retries fn with exponential backoff while it fails with
// repository.ErrTransient. Any other error returns immediately.
func withStoreRetry(ctx context.Context, config QuotaConfig, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(config.RetryAttempts, retry.NewExponential(config.RetryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, repository.ErrTransient) {
			metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
			return retry.RetryableError(err)
		}
		return err
	})
}
