package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: plan lookups, position snapshots and owner
// balances. Writes go to the primary store and invalidate the cache.
//
// The balance ledger itself is never cached — idempotency and conservation
// live in the primary store only.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Plans (read-through) ---

func (s *CachedStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	data, err := s.rdb.Get(ctx, planKey(id)).Bytes()
	if err == nil {
		var p model.Plan
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, planKey(id), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListActivePlans(ctx context.Context) ([]model.Plan, error) {
	return s.primary.ListActivePlans(ctx)
}

// --- Positions (read-through, invalidate on write) ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.cachePosition(ctx, p)
	return nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePosition(ctx, p)
	return p, nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	err := s.primary.UpdatePosition(ctx, p)
	// Invalidate even on failure; the guard may have rejected a stale write.
	s.rdb.Del(ctx, positionKey(p.ID))
	return err
}

func (s *CachedStore) CancelPosition(ctx context.Context, id, reason string) error {
	err := s.primary.CancelPosition(ctx, id, reason)
	s.rdb.Del(ctx, positionKey(id))
	return err
}

// --- Passthrough position queries (scan-shaped, not cached) ---

func (s *CachedStore) ListActivePositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	return s.primary.ListActivePositions(ctx, ownerID)
}

func (s *CachedStore) ListRunnable(ctx context.Context, now time.Time) ([]model.Position, error) {
	return s.primary.ListRunnable(ctx, now)
}

// --- Balances (read-through, invalidate on delta) ---

func (s *CachedStore) GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	val, err := s.rdb.Get(ctx, balanceKey(ownerID)).Result()
	if err == nil {
		if b, perr := decimal.NewFromString(val); perr == nil {
			return b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceKey(ownerID), b.String(), s.ttl)
	return b, nil
}

func (s *CachedStore) ApplyDelta(ctx context.Context, ownerID string, delta decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	newBal, err := s.primary.ApplyDelta(ctx, ownerID, delta, reason, refID)
	if err != nil {
		return newBal, err
	}
	s.rdb.Set(ctx, balanceKey(ownerID), newBal.String(), s.ttl)
	return newBal, nil
}

func (s *CachedStore) LedgerEntries(ctx context.Context, ownerID string) ([]model.BalanceLedgerEntry, error) {
	return s.primary.LedgerEntries(ctx, ownerID)
}

// --- Referrals (passthrough) ---

func (s *CachedStore) ActiveReferralCount(ctx context.Context, ownerID string) (int, error) {
	return s.primary.ActiveReferralCount(ctx, ownerID)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
}

func planKey(id string) string      { return fmt.Sprintf("plan:%s", id) }
func positionKey(id string) string  { return fmt.Sprintf("position:%s", id) }
func balanceKey(owner string) string { return fmt.Sprintf("balance:%s", owner) }
