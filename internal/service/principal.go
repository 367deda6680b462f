package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/repository"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Interface Definition
// =============================================================================

// PrincipalService manages principal profiles and administrative ledger
// operations.
type PrincipalService interface {
	// Ensure creates the principal and its default entitlement if absent.
	Ensure(ctx context.Context, principalID string) (*domain.Principal, error)

	// UpsertProfile applies identity provider profile attributes. It never
	// touches the entitlement ledger.
	UpsertProfile(ctx context.Context, profile domain.Profile) (*domain.Principal, error)

	// Get returns the principal or ENOTFOUND.
	Get(ctx context.Context, principalID string) (*domain.Principal, error)

	// List returns all principals with their entitlements, newest first.
	List(ctx context.Context) ([]domain.PrincipalSummary, error)

	// Stats returns ledger-wide counts.
	Stats(ctx context.Context) (domain.Stats, error)

	// SetTier is the administrative override. It goes through the same
	// atomic update path as consumption and billing events.
	SetTier(ctx context.Context, principalID string, tier domain.Tier) (domain.Snapshot, error)

	// UsageHistory returns the most recent audit records, oldest first.
	UsageHistory(ctx context.Context, principalID string, limit int) ([]domain.UsageRecord, error)
}

// =============================================================================
// Implementation
// =============================================================================

type principalService struct {
	store     repository.Store
	freeLimit int
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewPrincipalService creates a new PrincipalService.
func NewPrincipalService(store repository.Store, freeLimit int, logger *slog.Logger) PrincipalService {
	if freeLimit <= 0 {
		freeLimit = domain.DefaultFreeLimit
	}
	return &principalService{
		store:     store,
		freeLimit: freeLimit,
		validate:  newValidator(),
		logger:    logger,
	}
}

func (s *principalService) Ensure(ctx context.Context, principalID string) (*domain.Principal, error) {
	const op = "principal.ensure"

	if strings.TrimSpace(principalID) == "" {
		return nil, domain.Invalid(op, "principal id is required")
	}
	p, err := s.store.EnsurePrincipal(ctx, principalID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to ensure principal")
	}
	return p, nil
}

func (s *principalService) UpsertProfile(ctx context.Context, profile domain.Profile) (*domain.Principal, error) {
	const op = "principal.upsert_profile"

	if strings.TrimSpace(profile.ID) == "" {
		return nil, domain.Invalid(op, "principal id is required")
	}
	profile.Email = strings.ToLower(strings.TrimSpace(profile.Email))

	p, err := s.store.UpsertProfile(ctx, profile)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to upsert profile")
	}
	s.logger.Info("Principal profile upserted", "principal_id", p.ID)
	return p, nil
}

func (s *principalService) Get(ctx context.Context, principalID string) (*domain.Principal, error) {
	const op = "principal.get"

	p, err := s.store.GetPrincipal(ctx, principalID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.NotFound(op, "principal", principalID)
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load principal")
	}
	return p, nil
}

func (s *principalService) List(ctx context.Context) ([]domain.PrincipalSummary, error) {
	const op = "principal.list"

	list, err := s.store.ListPrincipals(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list principals")
	}
	return list, nil
}

func (s *principalService) Stats(ctx context.Context) (domain.Stats, error) {
	const op = "principal.stats"

	st, err := s.store.Stats(ctx)
	if err != nil {
		return domain.Stats{}, domain.Internal(err, op, "failed to compute stats")
	}
	return st, nil
}

func (s *principalService) SetTier(ctx context.Context, principalID string, tier domain.Tier) (domain.Snapshot, error) {
	const op = "principal.set_tier"

	if err := s.validate.Struct(domain.TierOverride{Tier: tier}); err != nil {
		return domain.Snapshot{}, validationError(op, err)
	}
	if _, err := s.Get(ctx, principalID); err != nil {
		return domain.Snapshot{}, err
	}

	var previous domain.Tier
	rec, err := s.store.Update(ctx, principalID, func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		previous = rec.Tier
		return nil, rec.SetTier(tier)
	})
	if err != nil {
		return domain.Snapshot{}, domain.Internal(err, op, "failed to set tier")
	}

	s.logger.Info("Tier overridden by administrator",
		"principal_id", principalID,
		"from", previous,
		"to", tier,
	)
	return rec.Snapshot(s.freeLimit), nil
}

func (s *principalService) UsageHistory(ctx context.Context, principalID string, limit int) ([]domain.UsageRecord, error) {
	const op = "principal.usage_history"

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	history, err := s.store.UsageHistory(ctx, principalID, limit)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load usage history")
	}
	return history, nil
}
