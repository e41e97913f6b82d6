// Package invest implements the investment lifecycle engine: the eligibility
// gate in front of position opens, the position ledger, the cooldown/cap
// controller, the arbitrage operation state machine, and the admin override
// path. It exposes the engine over HTTP and broadcasts operation progress
// over WebSocket.
//
// All monetary values use shopspring/decimal — never float64 for money.
package invest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/eligibility"
	"github.com/arbitra/invest-engine/internal/metrics"
	"github.com/arbitra/invest-engine/internal/model"
	"github.com/arbitra/invest-engine/internal/plan"
	"github.com/arbitra/invest-engine/internal/settlement"
	"github.com/arbitra/invest-engine/internal/store"
)

// Config tunes the engine's timing. Zero values pick the defaults.
type Config struct {
	// ActivationDelay before a fresh position's first operation. Default 24h.
	ActivationDelay time.Duration

	// OperationDuration is the wall-clock length of one operation. Default 60s.
	OperationDuration time.Duration

	// SettleRetries is how many times a failed settlement is retried before
	// being surfaced. Replays are idempotent, so retrying is always safe.
	SettleRetries int

	// Seed for the synthetic quote/variance generator. Zero seeds from the
	// clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.ActivationDelay == 0 {
		c.ActivationDelay = 24 * time.Hour
	}
	if c.OperationDuration == 0 {
		c.OperationDuration = 60 * time.Second
	}
	if c.SettleRetries == 0 {
		c.SettleRetries = 3
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Service is the investment lifecycle engine. A single mutex serializes
// operation admission (single-instance, like the rest of the engine); the
// per-position in-flight registry is what guarantees at most one operation
// per position.
type Service struct {
	store      store.Store
	settle     *settlement.Service
	controller *Controller
	hub        *Hub // optional WebSocket hub for progress broadcasts
	cfg        Config

	mu       sync.Mutex
	inflight map[string]*model.Operation
	rng      *rand.Rand
}

// NewService creates the engine. Pass nil for hub if progress broadcasting
// is not needed.
func NewService(st store.Store, settle *settlement.Service, hub *Hub, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store:      st,
		settle:     settle,
		controller: NewController(cfg.ActivationDelay),
		hub:        hub,
		cfg:        cfg,
		inflight:   make(map[string]*model.Operation),
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}
}

// OpenPosition runs the eligibility gate and, on acceptance, debits the
// capital and creates the position in one logical transaction: a failed
// position write triggers a compensating credit before the error surfaces.
func (s *Service) OpenPosition(ctx context.Context, ownerID, planID string, amount decimal.Decimal) (*model.Position, error) {
	p, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(p); err != nil {
		return nil, err
	}

	balance, err := s.store.GetBalance(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	referrals, err := s.store.ActiveReferralCount(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load referrals: %w", err)
	}

	now := time.Now().UTC()
	cmd, err := eligibility.Evaluate(eligibility.Candidate{
		OwnerID:       ownerID,
		Amount:        amount,
		Balance:       balance,
		ReferralCount: referrals,
	}, p, now)
	if err != nil {
		var rej *eligibility.Rejection
		if errors.As(err, &rej) {
			metrics.OpenRejections.WithLabelValues(string(rej.Check)).Inc()
		}
		return nil, err
	}

	policy := plan.Resolve(p)
	positionID := uuid.New().String()

	if _, err := s.settle.Debit(ctx, ownerID, cmd.Amount, model.ReasonPositionOpen, positionID); err != nil {
		return nil, err
	}

	pos := &model.Position{
		ID:           positionID,
		OwnerID:      ownerID,
		PlanID:       cmd.PlanID,
		Amount:       cmd.Amount,
		DailyRate:    cmd.DailyRate,
		YieldPolicy:  cmd.YieldPolicy,
		DailyOpsCap:  policy.OpsPerDay,
		Cooldown:     policy.Cooldown,
		StartDate:    now,
		EndDate:      cmd.EndDate,
		ActivationAt: now.Add(s.controller.ActivationDelay),
		OpsTodayDate: model.DayKey(now),
		TotalEarned:  decimal.Zero,
		Status:       model.PositionPendingActivation,
	}

	if err := s.store.CreatePosition(ctx, pos); err != nil {
		// Debit landed but the position did not: compensate before
		// surfacing. A failed compensation is fatal (manual reconciliation).
		if compErr := s.settle.CompensateOpen(ctx, ownerID, cmd.Amount, positionID); compErr != nil {
			return nil, compErr
		}
		return nil, fmt.Errorf("create position: %w", err)
	}

	metrics.PositionsOpened.WithLabelValues(cmd.PlanID).Inc()
	slog.Info("position opened",
		"id", positionID,
		"owner", ownerID,
		"plan", cmd.PlanID,
		"amount", cmd.Amount.String(),
		"daily_target", cmd.DailyTarget.String(),
		"activation_at", pos.ActivationAt,
	)
	return pos, nil
}

// GetPosition returns a position by ID.
func (s *Service) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.store.GetPosition(ctx, id)
}

// ListActivePositions returns an owner's open positions.
func (s *Service) ListActivePositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	return s.store.ListActivePositions(ctx, ownerID)
}

// CancelPosition is the admin override: it marks the position cancelled
// (terminal — a cancel recorded first beats any racing settlement) and
// refunds the committed capital. An in-flight operation observes the
// cancelled status before emitting its settlement and aborts.
func (s *Service) CancelPosition(ctx context.Context, id, reason string) error {
	pos, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.CancelPosition(ctx, id, reason); err != nil {
		return err
	}

	// Refund the committed capital. Keyed on the position ID, so neither a
	// retried cancel nor a retried credit can refund twice; transient ledger
	// failures are replayed before the cancel is surfaced as inconsistent.
	var refundErr error
	for attempt := 0; attempt < s.cfg.SettleRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		if _, refundErr = s.settle.Credit(ctx, pos.OwnerID, pos.Amount, model.ReasonAdminCancel, id); refundErr == nil {
			break
		}
	}
	if refundErr != nil {
		return &settlement.ConsistencyError{OwnerID: pos.OwnerID, ReferenceID: id, Err: refundErr}
	}

	slog.Info("position cancelled",
		"id", id, "owner", pos.OwnerID, "reason", reason, "refund", pos.Amount.String())
	return nil
}

// AdjustBalance is the admin override for balance corrections. It routes
// through the settlement service and the ledger like every other mutation.
func (s *Service) AdjustBalance(ctx context.Context, ownerID string, delta decimal.Decimal, refID string) (decimal.Decimal, error) {
	if refID == "" {
		refID = uuid.New().String()
	}
	return s.settle.AdjustBalance(ctx, ownerID, delta, refID)
}
