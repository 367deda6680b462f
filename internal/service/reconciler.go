package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/Brahmajyot/story-time/internal/metrics"
	"github.com/Brahmajyot/story-time/internal/repository"
)

// ReconcilerService applies verified billing events to the ledger.
//
// Events are applied at most once per external id. Delivery order is treated
// as authoritative: a grant and a later revoke for the same customer are not
// reordered here.
type ReconcilerService interface {
	// Apply maps ev onto the ledger. A nil error means the provider may stop
	// redelivering ev; the outcome says whether anything changed. A non-nil
	// error means nothing was recorded and redelivery is wanted.
	Apply(ctx context.Context, ev domain.BillingEvent) (domain.ReconcileOutcome, error)
}

type reconcilerService struct {
	store  repository.Store
	linker LinkerService
	config QuotaConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewReconcilerService creates a new ReconcilerService. The quota config
// supplies the retry bound for transient store failures.
func NewReconcilerService(store repository.Store, linker LinkerService, config QuotaConfig, logger *slog.Logger) ReconcilerService {
	return &reconcilerService{
		store:  store,
		linker: linker,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (s *reconcilerService) Apply(ctx context.Context, ev domain.BillingEvent) (domain.ReconcileOutcome, error) {
	const op = "reconciler.apply"

	meta := ev.Meta()
	log := s.logger.With("event_id", meta.ID, "event_type", meta.Type, "customer_ref", meta.CustomerRef)

	if _, ok := ev.(domain.UnhandledEvent); ok {
		log.Debug("Ignoring unhandled billing event")
		return s.record(meta, domain.OutcomeIgnored), nil
	}

	principalID, mutate, err := s.plan(ctx, ev)
	if errors.Is(err, domain.ErrUnknownCustomer) {
		// The receipt is not recorded, so a redelivery after the link exists
		// is applied normally.
		log.Warn("Discarding billing event for unknown customer")
		return s.record(meta, domain.OutcomeDiscarded), nil
	}
	if err != nil {
		return "", err
	}
	log = log.With("principal_id", principalID)

	receipt := domain.NewBillingReceipt(ev, principalID, s.now())
	var rec *domain.EntitlementRecord
	err = withStoreRetry(ctx, s.config, op, func(ctx context.Context) error {
		var err error
		rec, err = s.store.ApplyBillingEvent(ctx, receipt, mutate)
		return err
	})

	switch {
	case err == nil:
		log.Info("Billing event applied",
			"tier", rec.Tier,
			"credits", rec.Credits,
			"version", rec.Version,
		)
		return s.record(meta, domain.OutcomeApplied), nil

	case errors.Is(err, repository.ErrDuplicateEvent):
		log.Info("Duplicate billing event ignored")
		return s.record(meta, domain.OutcomeDuplicate), nil

	case errors.Is(err, domain.ErrConflictingLink), errors.Is(err, repository.ErrCustomerLinked):
		// Data-integrity violation: surface to operators, never auto-resolve.
		log.Error("Billing event conflicts with existing customer link; discarded",
			"error", LinkError(op, principalID, meta.CustomerRef, err),
		)
		return s.record(meta, domain.OutcomeDiscarded), nil

	default:
		metrics.BillingEventsTotal.WithLabelValues(string(meta.Type), "failed").Inc()
		log.Error("Failed to apply billing event", "error", err)
		return "", domain.Internal(err, op, "failed to apply billing event")
	}
}

// plan resolves the target principal and builds the ledger mutation for ev.
func (s *reconcilerService) plan(ctx context.Context, ev domain.BillingEvent) (string, repository.Mutation, error) {
	switch e := ev.(type) {
	case domain.CheckoutCompleted:
		principalID := e.PrincipalID
		if principalID == "" {
			id, err := s.linker.Resolve(ctx, e.CustomerRef)
			if err != nil {
				return "", nil, err
			}
			principalID = id
		}
		return principalID, checkoutMutation(e), nil

	case domain.SubscriptionChanged:
		principalID, err := s.linker.Resolve(ctx, e.CustomerRef)
		if err != nil {
			return "", nil, err
		}
		return principalID, func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
			if e.SubscriptionRef != "" {
				rec.BillingSubscriptionRef = e.SubscriptionRef
			}
			if e.Active() {
				return nil, rec.SetTier(domain.TierUnlimited)
			}
			return nil, rec.SetTier(domain.TierFree)
		}, nil

	case domain.PaymentFailed:
		principalID, err := s.linker.Resolve(ctx, e.CustomerRef)
		if err != nil {
			return "", nil, err
		}
		return principalID, func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
			return nil, rec.SetTier(domain.TierFree)
		}, nil

	default:
		return "", nil, domain.Errorf(domain.EINVALID, "reconciler.plan", "unsupported billing event %T", ev)
	}
}

func checkoutMutation(e domain.CheckoutCompleted) repository.Mutation {
	return func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error) {
		if err := rec.LinkCustomer(e.CustomerRef); err != nil {
			return nil, err
		}
		if e.Kind == domain.TierPayPerUse {
			amount := e.CreditAmount
			if amount <= 0 {
				amount = domain.DefaultCheckoutCredits
			}
			return nil, rec.GrantCredits(amount)
		}
		if e.SubscriptionRef != "" {
			rec.BillingSubscriptionRef = e.SubscriptionRef
		}
		return nil, rec.SetTier(domain.TierUnlimited)
	}
}

func (s *reconcilerService) record(meta domain.EventMeta, outcome domain.ReconcileOutcome) domain.ReconcileOutcome {
	metrics.BillingEventsTotal.WithLabelValues(string(meta.Type), string(outcome)).Inc()
	return outcome
}
