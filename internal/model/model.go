// Package model defines the core domain types shared across the invest engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Plan statuses.
const (
	PlanActive   = "active"
	PlanInactive = "inactive"
)

// Yield policies. A variable plan draws a bounded variance factor per
// operation; a fixed plan always pays the full daily rate.
const (
	YieldVariable = "variable"
	YieldFixed    = "fixed"
)

// Position statuses.
const (
	PositionPendingActivation = "pending_activation"
	PositionActive            = "active"
	PositionCompleted         = "completed"
	PositionCancelled         = "cancelled"
)

// Ledger entry reasons.
const (
	ReasonPositionOpen         = "position_open"
	ReasonPositionOpenReversal = "position_open_reversal"
	ReasonOperationSettlement  = "operation_settlement"
	ReasonAdminAdjustment      = "admin_adjustment"
	ReasonAdminCancel          = "admin_cancel"
)

// Plan is a rate-bearing investment product. Plans are read-mostly config;
// a Position snapshots everything it needs at creation time, so later plan
// edits never retroactively alter open positions.
type Plan struct {
	ID                string          `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	DailyRate         decimal.Decimal `json:"daily_rate" db:"daily_rate"` // fraction, e.g. 0.025
	MinimumAmount     decimal.Decimal `json:"minimum_amount" db:"minimum_amount"`
	MaximumAmount     decimal.Decimal `json:"maximum_amount" db:"maximum_amount"` // zero = no cap
	DurationDays      int             `json:"duration_days" db:"duration_days"`
	RequiredReferrals int             `json:"required_referrals" db:"required_referrals"`
	YieldPolicy       string          `json:"yield_policy" db:"yield_policy"` // "fixed" or "variable"
	OpsPerDay         int             `json:"ops_per_day" db:"ops_per_day"`   // 0 = tier default
	Cooldown          time.Duration   `json:"cooldown" db:"cooldown"`         // 0 = tier default
	Status            string          `json:"status" db:"status"`
}

// Position is a user's open capital commitment against a Plan.
// Rate, cap and cooldown are snapshots taken at creation.
type Position struct {
	ID            string          `json:"id" db:"id"`
	OwnerID       string          `json:"owner_id" db:"owner_id"`
	PlanID        string          `json:"plan_id" db:"plan_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	DailyRate     decimal.Decimal `json:"daily_rate" db:"daily_rate"`
	YieldPolicy   string          `json:"yield_policy" db:"yield_policy"`
	DailyOpsCap   int             `json:"daily_ops_cap" db:"daily_ops_cap"`
	Cooldown      time.Duration   `json:"cooldown" db:"cooldown"`
	StartDate     time.Time       `json:"start_date" db:"start_date"`
	EndDate       time.Time       `json:"end_date" db:"end_date"`
	ActivationAt  time.Time       `json:"activation_at" db:"activation_at"`
	CooldownUntil time.Time       `json:"cooldown_until" db:"cooldown_until"`
	OpsToday      int             `json:"ops_today" db:"ops_today"`
	OpsTodayDate  string          `json:"ops_today_date" db:"ops_today_date"` // UTC day key, YYYY-MM-DD
	TotalOps      int             `json:"total_ops" db:"total_ops"`
	TotalEarned   decimal.Decimal `json:"total_earned" db:"total_earned"`
	Status        string          `json:"status" db:"status"`
	CancelReason  string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
}

// DaysRemaining reports whole days left until the position's end date,
// clamped at zero.
func (p *Position) DaysRemaining(now time.Time) int {
	if !now.Before(p.EndDate) {
		return 0
	}
	return int(p.EndDate.Sub(now).Hours()/24) + 1
}

// Terminal reports whether the position can never run another operation.
func (p *Position) Terminal() bool {
	return p.Status == PositionCompleted || p.Status == PositionCancelled
}

// MarshalJSON adds the derived days_remaining field, computed at
// serialization time so stored rows never carry a stale countdown.
func (p *Position) MarshalJSON() ([]byte, error) {
	type alias Position
	return json.Marshal(struct {
		*alias
		DaysRemaining int `json:"days_remaining"`
	}{(*alias)(p), p.DaysRemaining(time.Now().UTC())})
}

// Operation is one timed arbitrage cycle against a Position. It is ephemeral:
// only its settlement survives completion, as a balance ledger entry keyed on
// the operation ID.
type Operation struct {
	ID          string          `json:"id"`
	PositionID  string          `json:"position_id"`
	Pair        string          `json:"pair"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	FinalProfit decimal.Decimal `json:"-"` // hidden until revealed via progress
	StartedAt   time.Time       `json:"started_at"`
	Duration    time.Duration   `json:"duration"`
	Auto        bool            `json:"auto"`
}

// OperationSnapshot is the externally visible state of a running operation,
// derived on demand from wall-clock progress.
type OperationSnapshot struct {
	ID            string          `json:"id"`
	PositionID    string          `json:"position_id"`
	Pair          string          `json:"pair"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	Stage         string          `json:"stage"`
	Progress      decimal.Decimal `json:"progress"` // 0–100
	CurrentProfit decimal.Decimal `json:"current_profit"`
	StartedAt     time.Time       `json:"started_at"`
}

// BalanceLedgerEntry is an immutable record of one balance mutation.
// Conservation invariant: AmountAfter == AmountBefore + Delta, always.
type BalanceLedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	OwnerID      string          `json:"owner_id" db:"owner_id"`
	AmountBefore decimal.Decimal `json:"amount_before" db:"amount_before"`
	AmountAfter  decimal.Decimal `json:"amount_after" db:"amount_after"`
	Delta        decimal.Decimal `json:"delta" db:"delta"`
	Reason       string          `json:"reason" db:"reason"`
	ReferenceID  string          `json:"reference_id" db:"reference_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// SettlementRequest is emitted exactly once by a completed operation and
// applied exactly once by Balance Settlement (replays are no-ops).
type SettlementRequest struct {
	PositionID  string          `json:"position_id"`
	OperationID string          `json:"operation_id"`
	Profit      decimal.Decimal `json:"profit"`
}

// DayKey formats a time as the UTC calendar-day key used for daily op caps.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
