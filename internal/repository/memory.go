package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Brahmajyot/story-time/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Each principal has its own mutex, so
// ledger updates for different principals never wait on each other.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]*principalEntry
	customers  map[string]string // billing customer ref -> principal id

	eventsMu sync.Mutex
	events   map[string]domain.BillingReceipt
	inflight map[string]struct{}

	usageMu sync.RWMutex
	usage   map[string][]domain.UsageRecord

	storiesMu sync.RWMutex
	stories   map[uuid.UUID]domain.Story

	now func() time.Time
}

type principalEntry struct {
	mu        sync.Mutex
	principal domain.Principal
	rec       domain.EntitlementRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*principalEntry),
		customers:  make(map[string]string),
		events:     make(map[string]domain.BillingReceipt),
		inflight:   make(map[string]struct{}),
		usage:      make(map[string][]domain.UsageRecord),
		stories:    make(map[uuid.UUID]domain.Story),
		now:        time.Now,
	}
}

// entry returns the principal's entry, creating the default one if needed.
func (s *MemoryStore) entry(principalID string) *principalEntry {
	s.mu.RLock()
	e, ok := s.principals[principalID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.principals[principalID]; ok {
		return e
	}
	now := s.now()
	e = &principalEntry{
		principal: domain.Principal{ID: principalID, CreatedAt: now, UpdatedAt: now},
		rec:       *domain.NewEntitlementRecord(principalID, now),
	}
	s.principals[principalID] = e
	return e
}

func (s *MemoryStore) lookup(principalID string) (*principalEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.principals[principalID]
	return e, ok
}

// =============================================================================
// Principals
// =============================================================================

func (s *MemoryStore) EnsurePrincipal(_ context.Context, principalID string) (*domain.Principal, error) {
	e := s.entry(principalID)
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.principal
	return &p, nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, profile domain.Profile) (*domain.Principal, error) {
	e := s.entry(profile.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.principal.Email = profile.Email
	e.principal.FirstName = profile.FirstName
	e.principal.LastName = profile.LastName
	e.principal.UpdatedAt = s.now()
	p := e.principal
	return &p, nil
}

func (s *MemoryStore) GetPrincipal(_ context.Context, principalID string) (*domain.Principal, error) {
	e, ok := s.lookup(principalID)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.principal
	return &p, nil
}

func (s *MemoryStore) ListPrincipals(_ context.Context) ([]domain.PrincipalSummary, error) {
	s.mu.RLock()
	entries := make([]*principalEntry, 0, len(s.principals))
	for _, e := range s.principals {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	counts := s.storyCounts()
	out := make([]domain.PrincipalSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, domain.PrincipalSummary{
			Principal:        e.principal,
			Entitlement:      e.rec,
			StoriesGenerated: counts[e.principal.ID],
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Principal.CreatedAt.After(out[j].Principal.CreatedAt)
	})
	return out, nil
}

// =============================================================================
// Entitlements
// =============================================================================

func (s *MemoryStore) Entitlement(_ context.Context, principalID string) (*domain.EntitlementRecord, error) {
	e := s.entry(principalID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, principalID string, fn Mutation) (*domain.EntitlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.entry(principalID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.applyLocked(e, fn)
}

// applyLocked runs fn on a working copy and commits it only if fn and the
// customer index claim both succeed. Caller holds e.mu.
func (s *MemoryStore) applyLocked(e *principalEntry, fn Mutation) (*domain.EntitlementRecord, error) {
	work := e.rec
	usage, err := fn(&work)
	if err != nil {
		return nil, err
	}

	if work.BillingCustomerRef != e.rec.BillingCustomerRef {
		if e.rec.BillingCustomerRef != "" {
			return nil, domain.ErrConflictingLink
		}
		if err := s.claimCustomer(work.BillingCustomerRef, work.PrincipalID); err != nil {
			return nil, err
		}
	}

	work.Version = e.rec.Version + 1
	work.UpdatedAt = s.now()
	e.rec = work

	if usage != nil {
		s.appendUsage(*usage)
	}
	return e.rec.Clone(), nil
}

func (s *MemoryStore) claimCustomer(customerRef, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.customers[customerRef]; ok && owner != principalID {
		return ErrCustomerLinked
	}
	s.customers[customerRef] = principalID
	return nil
}

func (s *MemoryStore) ResolveCustomer(_ context.Context, customerRef string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.customers[customerRef]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// =============================================================================
// Usage audit
// =============================================================================

func (s *MemoryStore) AppendUsage(_ context.Context, rec *domain.UsageRecord) error {
	s.appendUsage(*rec)
	return nil
}

func (s *MemoryStore) appendUsage(rec domain.UsageRecord) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usage[rec.PrincipalID] = append(s.usage[rec.PrincipalID], rec)
}

func (s *MemoryStore) UsageHistory(_ context.Context, principalID string, limit int) ([]domain.UsageRecord, error) {
	s.usageMu.RLock()
	defer s.usageMu.RUnlock()

	all := s.usage[principalID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.UsageRecord, len(all))
	copy(out, all)
	return out, nil
}

// =============================================================================
// Billing events
// =============================================================================

func (s *MemoryStore) ApplyBillingEvent(ctx context.Context, receipt domain.BillingReceipt, fn Mutation) (*domain.EntitlementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.beginEvent(receipt.EventID); err != nil {
		return nil, err
	}

	e := s.entry(receipt.PrincipalID)
	e.mu.Lock()
	rec, err := s.applyLocked(e, fn)
	if err == nil {
		s.finishEvent(receipt, true)
	} else {
		s.finishEvent(receipt, false)
	}
	e.mu.Unlock()

	return rec, err
}

// beginEvent reserves an event id. A concurrent delivery of the same id sees
// a transient error so the provider retries it after the first one settles.
func (s *MemoryStore) beginEvent(eventID string) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if _, ok := s.events[eventID]; ok {
		return ErrDuplicateEvent
	}
	if _, ok := s.inflight[eventID]; ok {
		return fmt.Errorf("%w: event %s is being applied", ErrTransient, eventID)
	}
	s.inflight[eventID] = struct{}{}
	return nil
}

func (s *MemoryStore) finishEvent(receipt domain.BillingReceipt, committed bool) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	delete(s.inflight, receipt.EventID)
	if committed {
		s.events[receipt.EventID] = receipt
	}
}

func (s *MemoryStore) PruneBillingEvents(_ context.Context, before time.Time) (int64, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	var n int64
	for id, r := range s.events {
		if r.ProcessedAt.Before(before) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Stories
// =============================================================================

func (s *MemoryStore) CreateStory(_ context.Context, story *domain.Story) error {
	s.storiesMu.Lock()
	defer s.storiesMu.Unlock()
	s.stories[story.ID] = *story
	return nil
}

func (s *MemoryStore) ListStories(_ context.Context, principalID string, limit int) ([]domain.Story, error) {
	s.storiesMu.RLock()
	out := make([]domain.Story, 0)
	for _, st := range s.stories {
		if st.PrincipalID == principalID {
			out = append(out, st)
		}
	}
	s.storiesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetStory(_ context.Context, id uuid.UUID) (*domain.Story, error) {
	s.storiesMu.RLock()
	defer s.storiesMu.RUnlock()
	st, ok := s.stories[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStore) CountStories(_ context.Context, principalID string) (int, error) {
	return s.storyCounts()[principalID], nil
}

func (s *MemoryStore) storyCounts() map[string]int {
	s.storiesMu.RLock()
	defer s.storiesMu.RUnlock()
	counts := make(map[string]int)
	for _, st := range s.stories {
		counts[st.PrincipalID]++
	}
	return counts
}

func (s *MemoryStore) Stats(ctx context.Context) (domain.Stats, error) {
	summaries, err := s.ListPrincipals(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	var st domain.Stats
	for _, p := range summaries {
		st.TotalPrincipals++
		switch p.Entitlement.Tier {
		case domain.TierUnlimited:
			st.UnlimitedPrincipals++
		case domain.TierPayPerUse:
			st.PayPerUsePrincipals++
		default:
			st.FreePrincipals++
		}
	}
	s.storiesMu.RLock()
	st.TotalStories = len(s.stories)
	s.storiesMu.RUnlock()
	st.ComputePercentage()
	return st, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
