// Package repository provides durable storage for the entitlement ledger,
// principals, billing event receipts and stories.
//
// Two implementations share one contract: PostgresStore for production and
// MemoryStore for development and tests. Every mutation of an
// EntitlementRecord goes through Update or ApplyBillingEvent, which serialize
// writers per principal and never hold a lock across principals.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrDuplicateEvent indicates the billing event id was already processed.
	ErrDuplicateEvent = errors.New("repository: billing event already processed")

	// ErrCustomerLinked indicates the billing customer reference belongs to another principal.
	ErrCustomerLinked = errors.New("repository: billing customer linked to another principal")

	// ErrTransient marks contention or connectivity failures that may succeed on retry.
	ErrTransient = errors.New("repository: transient failure")
)

// Mutation is applied to an exclusively held EntitlementRecord. Returning an
// error aborts the update with nothing written. A non-nil UsageRecord is
// appended in the same atomic unit as the record change.
type Mutation func(rec *domain.EntitlementRecord) (*domain.UsageRecord, error)

// Store is the persistence contract for the ledger. Implementations must be
// safe for concurrent use.
type Store interface {
	// EnsurePrincipal creates the principal and its default entitlement if
	// absent. Calling it for an existing principal is a no-op.
	EnsurePrincipal(ctx context.Context, principalID string) (*domain.Principal, error)
	UpsertProfile(ctx context.Context, profile domain.Profile) (*domain.Principal, error)
	GetPrincipal(ctx context.Context, principalID string) (*domain.Principal, error)
	ListPrincipals(ctx context.Context) ([]domain.PrincipalSummary, error)

	// Entitlement returns a copy of the current record, creating the default
	// record lazily.
	Entitlement(ctx context.Context, principalID string) (*domain.EntitlementRecord, error)

	// Update runs fn against the principal's record under an exclusive lock
	// (or row lock), persists the result with a bumped version and returns
	// the committed copy.
	Update(ctx context.Context, principalID string, fn Mutation) (*domain.EntitlementRecord, error)

	AppendUsage(ctx context.Context, rec *domain.UsageRecord) error
	UsageHistory(ctx context.Context, principalID string, limit int) ([]domain.UsageRecord, error)

	// ResolveCustomer maps a billing customer reference to its principal.
	ResolveCustomer(ctx context.Context, customerRef string) (string, error)

	// ApplyBillingEvent records receipt.EventID and applies fn to
	// receipt.PrincipalID's record as one atomic unit. If the id was already
	// recorded it returns ErrDuplicateEvent without calling fn. If fn fails
	// the receipt is not recorded.
	ApplyBillingEvent(ctx context.Context, receipt domain.BillingReceipt, fn Mutation) (*domain.EntitlementRecord, error)

	// PruneBillingEvents deletes receipts processed before the cutoff.
	PruneBillingEvents(ctx context.Context, before time.Time) (int64, error)

	CreateStory(ctx context.Context, story *domain.Story) error
	ListStories(ctx context.Context, principalID string, limit int) ([]domain.Story, error)
	GetStory(ctx context.Context, id uuid.UUID) (*domain.Story, error)
	CountStories(ctx context.Context, principalID string) (int, error)
	Stats(ctx context.Context) (domain.Stats, error)

	Ping(ctx context.Context) error
	Close() error
}
