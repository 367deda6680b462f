package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/repository"
)

// LinkerService maintains the mapping between billing customer references
// and principals. Billing events name customers, never principals, so every
// revoke/grant after checkout goes through Resolve.
type LinkerService interface {
	// Link attaches customerRef to principalID. It is a no-op when the link
	// already exists and fails with ECONFLICT when either side is already
	// linked elsewhere.
	Link(ctx context.Context, principalID, customerRef string) error

	// Resolve returns the principal linked to customerRef, or ENOTFOUND
	// wrapping domain.ErrUnknownCustomer.
	Resolve(ctx context.Context, customerRef string) (string, error)

	// CustomerFor returns the principal's linked customer, or "" if none.
	CustomerFor(ctx context.Context, principalID string) (string, error)
}

type linkerService struct {
	store  repository.Store
	logger *slog.Logger
}

// NewLinkerService creates a new LinkerService.
func NewLinkerService(store repository.Store, logger *slog.Logger) LinkerService {
	return &linkerService{
		store:  store,
		logger: logger,
	}
}

func (s *linkerService) Link(ctx context.Context, principalID, customerRef string) error {
	const op = "linker.link"

	if principalID == "" || customerRef == "" {
		return domain.Invalid(op, "principal and customer are required")
	}

	current, err := s.CustomerFor(ctx, principalID)
	if err != nil {
		return err
	}
	if current == customerRef {
		return nil
	}

	_, err = s.store.Update(ctx, principalID, func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		return nil, rec.LinkCustomer(customerRef)
	})
	if err != nil {
		return LinkError(op, principalID, customerRef, err)
	}

	s.logger.Info("Billing customer linked",
		"principal_id", principalID,
		"customer_ref", customerRef,
	)
	return nil
}

func (s *linkerService) Resolve(ctx context.Context, customerRef string) (string, error) {
	const op = "linker.resolve"

	principalID, err := s.store.ResolveCustomer(ctx, customerRef)
	if errors.Is(err, repository.ErrNotFound) {
		return "", domain.UnknownCustomer(op, customerRef)
	}
	if err != nil {
		return "", domain.Internal(err, op, "failed to resolve billing customer")
	}
	return principalID, nil
}

func (s *linkerService) CustomerFor(ctx context.Context, principalID string) (string, error) {
	const op = "linker.customer_for"

	rec, err := s.store.Entitlement(ctx, principalID)
	if err != nil {
		return "", domain.Internal(err, op, "failed to load entitlement")
	}
	return rec.BillingCustomerRef, nil
}

// LinkError converts store-level link failures into coded errors. Other coded
// errors pass through; anything else becomes EINTERNAL.
func LinkError(op, principalID, customerRef string, err error) error {
	if errors.Is(err, domain.ErrConflictingLink) || errors.Is(err, repository.ErrCustomerLinked) {
		return domain.ConflictingLink(op, principalID, customerRef)
	}
	var coded *domain.Error
	if errors.As(err, &coded) {
		return err
	}
	return domain.Internal(err, op, "failed to link billing customer")
}
