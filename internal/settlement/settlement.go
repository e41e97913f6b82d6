// Package settlement applies balance mutations for the invest engine: the
// capital debit when a position opens, the profit credit when an operation
// settles, and admin adjustments. Every mutation is an append to the balance
// ledger keyed by (reason, refID), so retries replay idempotently instead of
// double-applying.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
	"github.com/arbitra/invest-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the owner's
	// balance. No ledger entry is written.
	ErrInsufficientFunds = errors.New("settlement: insufficient funds")

	// ErrInvalidAmount is returned for non-positive debit/credit amounts.
	ErrInvalidAmount = errors.New("settlement: amount must be positive")
)

// ConsistencyError reports a failed compensating transaction: a debit was
// applied, the dependent write failed, and the compensating credit also
// failed. The owner's ledger needs manual reconciliation; this error must
// never be swallowed.
type ConsistencyError struct {
	OwnerID     string
	ReferenceID string
	Err         error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("settlement: compensation failed for owner %s ref %s: %v",
		e.OwnerID, e.ReferenceID, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// Service serializes balance mutations per owner and provides the atomic
// debit/credit/settle operations. The store's (reason, refID) uniqueness is
// the durable idempotency key; the per-owner mutex keeps concurrent
// debit/credit ordering deterministic within one process.
type Service struct {
	ledger store.LedgerStore

	mu     sync.Mutex
	owners map[string]*sync.Mutex
}

// NewService creates a settlement service over a ledger store.
func NewService(ledger store.LedgerStore) *Service {
	return &Service{
		ledger: ledger,
		owners: make(map[string]*sync.Mutex),
	}
}

func (s *Service) ownerLock(ownerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.owners[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.owners[ownerID] = l
	}
	return l
}

// Debit removes amount from the owner's balance. Fails with
// ErrInsufficientFunds when the balance cannot cover it. A replayed
// (reason, refID) pair is a no-op returning the current balance.
func (s *Service) Debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l := s.ownerLock(ownerID)
	l.Lock()
	defer l.Unlock()

	bal, err := s.ledger.ApplyDelta(ctx, ownerID, amount.Neg(), reason, refID)
	switch {
	case errors.Is(err, store.ErrDuplicateRef):
		slog.Info("debit replayed, no-op", "owner", ownerID, "reason", reason, "ref", refID)
		return bal, nil
	case errors.Is(err, store.ErrInsufficientFunds):
		return bal, fmt.Errorf("%w: owner %s needs %s", ErrInsufficientFunds, ownerID, amount)
	case err != nil:
		return bal, fmt.Errorf("debit owner %s: %w", ownerID, err)
	}
	return bal, nil
}

// Credit adds amount to the owner's balance. A replayed (reason, refID)
// pair is a no-op returning the current balance.
func (s *Service) Credit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l := s.ownerLock(ownerID)
	l.Lock()
	defer l.Unlock()

	bal, err := s.ledger.ApplyDelta(ctx, ownerID, amount, reason, refID)
	switch {
	case errors.Is(err, store.ErrDuplicateRef):
		slog.Info("credit replayed, no-op", "owner", ownerID, "reason", reason, "ref", refID)
		return bal, nil
	case err != nil:
		return bal, fmt.Errorf("credit owner %s: %w", ownerID, err)
	}
	return bal, nil
}

// Settle applies a completed operation's profit to the owner's balance,
// exactly once: the operation ID is the idempotency key, so replaying the
// same SettlementRequest credits nothing further.
func (s *Service) Settle(ctx context.Context, ownerID string, req model.SettlementRequest) (decimal.Decimal, error) {
	return s.Credit(ctx, ownerID, req.Profit, model.ReasonOperationSettlement, req.OperationID)
}

// CompensateOpen reverses a position-open debit after the position write
// failed. If the compensating credit itself fails, the returned
// ConsistencyError flags the owner for manual reconciliation.
func (s *Service) CompensateOpen(ctx context.Context, ownerID string, amount decimal.Decimal, positionID string) error {
	_, err := s.Credit(ctx, ownerID, amount, model.ReasonPositionOpenReversal, positionID)
	if err != nil {
		return &ConsistencyError{OwnerID: ownerID, ReferenceID: positionID, Err: err}
	}
	slog.Warn("position open compensated",
		"owner", ownerID, "position", positionID, "amount", amount.String())
	return nil
}

// AdjustBalance applies an admin-initiated signed delta. Routed through the
// same ledger path as every other mutation — there is no bypass route.
func (s *Service) AdjustBalance(ctx context.Context, ownerID string, delta decimal.Decimal, refID string) (decimal.Decimal, error) {
	if delta.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: zero delta", ErrInvalidAmount)
	}
	if delta.IsPositive() {
		return s.Credit(ctx, ownerID, delta, model.ReasonAdminAdjustment, refID)
	}
	return s.Debit(ctx, ownerID, delta.Neg(), model.ReasonAdminAdjustment, refID)
}
