// Package eligibility decides whether a user may open a capital position
// against a plan. Checks run in a fixed order and short-circuit on the first
// failure; every rejection carries the specific failing check so callers can
// render an exact reason. Evaluation has no side effects.
package eligibility

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
)

// Check tags identify the failing eligibility check.
type Check string

const (
	CheckPlanActive   Check = "plan_active"
	CheckMinAmount    Check = "minimum_amount"
	CheckMaxAmount    Check = "maximum_amount"
	CheckReferrals    Check = "required_referrals"
	CheckBalance      Check = "sufficient_balance"
)

// Rejection is returned when a candidate position fails an eligibility
// check. Validation reports whether the failure is user-correctable input
// (amount bounds, inactive plan) as opposed to an account-state shortfall
// (referrals, balance).
type Rejection struct {
	Check      Check
	Validation bool
	Detail     string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("eligibility: %s: %s", r.Check, r.Detail)
}

// OpenPositionCommand carries everything Position Ledger needs to create a
// position: the plan snapshot is taken here so later plan edits cannot leak
// into an already-approved open.
type OpenPositionCommand struct {
	OwnerID     string
	PlanID      string
	Amount      decimal.Decimal
	DailyRate   decimal.Decimal
	YieldPolicy string
	EndDate     time.Time
	DailyTarget decimal.Decimal // amount × dailyRate
}

// Candidate is the input to an eligibility evaluation.
type Candidate struct {
	OwnerID       string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
	ReferralCount int
}

// Evaluate runs the gate. On success it returns the open command; on failure
// a *Rejection tagged with the first unmet check. Order is fixed:
// plan status, minimum, maximum, referrals, balance.
func Evaluate(c Candidate, p *model.Plan, now time.Time) (*OpenPositionCommand, error) {
	if p.Status != model.PlanActive {
		return nil, &Rejection{
			Check:      CheckPlanActive,
			Validation: true,
			Detail:     fmt.Sprintf("plan %s is not active", p.ID),
		}
	}
	if c.Amount.LessThan(p.MinimumAmount) {
		return nil, &Rejection{
			Check:      CheckMinAmount,
			Validation: true,
			Detail:     fmt.Sprintf("amount %s below plan minimum %s", c.Amount, p.MinimumAmount),
		}
	}
	if p.MaximumAmount.IsPositive() && c.Amount.GreaterThan(p.MaximumAmount) {
		return nil, &Rejection{
			Check:      CheckMaxAmount,
			Validation: true,
			Detail:     fmt.Sprintf("amount %s above plan maximum %s", c.Amount, p.MaximumAmount),
		}
	}
	if c.ReferralCount < p.RequiredReferrals {
		return nil, &Rejection{
			Check:  CheckReferrals,
			Detail: fmt.Sprintf("have %d referrals, plan requires %d", c.ReferralCount, p.RequiredReferrals),
		}
	}
	if c.Balance.LessThan(c.Amount) {
		return nil, &Rejection{
			Check:  CheckBalance,
			Detail: fmt.Sprintf("balance %s below amount %s", c.Balance, c.Amount),
		}
	}

	yield := p.YieldPolicy
	if yield == "" {
		yield = model.YieldVariable
	}

	return &OpenPositionCommand{
		OwnerID:     c.OwnerID,
		PlanID:      p.ID,
		Amount:      c.Amount,
		DailyRate:   p.DailyRate,
		YieldPolicy: yield,
		EndDate:     now.Add(time.Duration(p.DurationDays) * 24 * time.Hour),
		DailyTarget: c.Amount.Mul(p.DailyRate),
	}, nil
}
