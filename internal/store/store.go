// Package store defines the persistence boundary for the invest engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
)

var (
	// ErrPlanNotFound is returned when no plan exists for the given ID.
	ErrPlanNotFound = errors.New("store: plan not found")

	// ErrPositionNotFound is returned when no position exists for the given ID.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrPositionTerminal is returned when a write targets a completed or
	// cancelled position. Terminal states never transition again.
	ErrPositionTerminal = errors.New("store: position is terminal")

	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrDuplicateRef is returned when a ledger delta replays an already
	// applied (reason, refID) pair. The balance is unchanged; callers treat
	// this as an idempotent no-op.
	ErrDuplicateRef = errors.New("store: duplicate ledger reference")
)

// PlanStore reads the plan catalog. Catalog writes belong to the excluded
// admin application.
type PlanStore interface {
	// GetPlan retrieves a plan by ID.
	GetPlan(ctx context.Context, id string) (*model.Plan, error)

	// ListActivePlans returns all plans open for new positions.
	ListActivePlans(ctx context.Context) ([]model.Plan, error)
}

// PositionStore is the authoritative record of open and closed positions.
type PositionStore interface {
	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListActivePositions returns an owner's non-terminal positions.
	ListActivePositions(ctx context.Context, ownerID string) ([]model.Position, error)

	// ListRunnable returns every non-terminal position whose activation time
	// has passed or will pass by now — the scheduler's work list.
	ListRunnable(ctx context.Context, now time.Time) ([]model.Position, error)

	// UpdatePosition rewrites a position's mutable fields (status, counters,
	// cooldown timestamps). Fails with ErrPositionTerminal if the stored row
	// is already cancelled, so a cancel recorded first always wins.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// CancelPosition marks a position cancelled. Terminal and idempotent in
	// effect: cancelling a completed position fails with ErrPositionTerminal.
	CancelPosition(ctx context.Context, id, reason string) error
}

// LedgerStore owns balances and the append-only balance ledger. Every
// mutation is keyed by (reason, refID) and replays are rejected with
// ErrDuplicateRef, which is what makes settlement retry-safe.
type LedgerStore interface {
	// GetBalance returns the owner's current balance (zero if unseen).
	GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error)

	// ApplyDelta atomically appends a ledger entry and moves the balance.
	// Negative deltas fail with ErrInsufficientFunds rather than going below
	// zero. Replayed (reason, refID) pairs fail with ErrDuplicateRef and
	// leave the balance untouched.
	ApplyDelta(ctx context.Context, ownerID string, delta decimal.Decimal, reason, refID string) (decimal.Decimal, error)

	// LedgerEntries returns an owner's ledger entries in append order.
	LedgerEntries(ctx context.Context, ownerID string) ([]model.BalanceLedgerEntry, error)
}

// ReferralStore reads referral state maintained by the excluded application.
type ReferralStore interface {
	// ActiveReferralCount returns the owner's count of active referrals.
	ActiveReferralCount(ctx context.Context, ownerID string) (int, error)
}

// Store is the combined persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	PlanStore
	PositionStore
	LedgerStore
	ReferralStore
}
