package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	plans     map[string]*model.Plan
	positions map[string]*model.Position
	balances  map[string]decimal.Decimal
	entries   []model.BalanceLedgerEntry
	refs      map[string]struct{} // reason|refID pairs already applied
	referrals map[string]int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:     make(map[string]*model.Plan),
		positions: make(map[string]*model.Position),
		balances:  make(map[string]decimal.Decimal),
		refs:      make(map[string]struct{}),
		referrals: make(map[string]int),
	}
}

// --- Plans ---

// PutPlan seeds or replaces a plan in the catalog.
func (s *MemoryStore) PutPlan(p *model.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.plans[p.ID] = &cp
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListActivePlans(_ context.Context) ([]model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]model.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if p.Status == model.PlanActive {
			plans = append(plans, *p)
		}
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context, ownerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.OwnerID == ownerID && !p.Terminal() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (s *MemoryStore) ListRunnable(_ context.Context, now time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Terminal() {
			continue
		}
		if now.Before(p.ActivationAt) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.positions[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, p.ID)
	}
	if stored.Status == model.PositionCancelled {
		return fmt.Errorf("%w: %s", ErrPositionTerminal, p.ID)
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) CancelPosition(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if p.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrPositionTerminal, id, p.Status)
	}
	p.Status = model.PositionCancelled
	p.CancelReason = reason
	return nil
}

// --- Balance ledger ---

func (s *MemoryStore) GetBalance(_ context.Context, ownerID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[ownerID], nil
}

func (s *MemoryStore) ApplyDelta(_ context.Context, ownerID string, delta decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := reason + "|" + refID
	if _, dup := s.refs[key]; dup {
		return s.balances[ownerID], fmt.Errorf("%w: %s %s", ErrDuplicateRef, reason, refID)
	}

	before := s.balances[ownerID]
	after := before.Add(delta)
	if after.IsNegative() {
		return before, fmt.Errorf("%w: balance %s, delta %s", ErrInsufficientFunds, before, delta)
	}

	s.refs[key] = struct{}{}
	s.balances[ownerID] = after
	s.entries = append(s.entries, model.BalanceLedgerEntry{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		AmountBefore: before,
		AmountAfter:  after,
		Delta:        delta,
		Reason:       reason,
		ReferenceID:  refID,
		Timestamp:    time.Now().UTC(),
	})
	return after, nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, ownerID string) ([]model.BalanceLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.BalanceLedgerEntry
	for _, e := range s.entries {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Referrals ---

// SetReferralCount seeds an owner's active referral count.
func (s *MemoryStore) SetReferralCount(ownerID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[ownerID] = count
}

func (s *MemoryStore) ActiveReferralCount(_ context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referrals[ownerID], nil
}
