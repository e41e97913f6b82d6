package eligibility_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/eligibility"
	"github.com/arbitra/invest-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testPlan() *model.Plan {
	return &model.Plan{
		ID:            "plan-1",
		Name:          "Starter",
		DailyRate:     d(0.025),
		MinimumAmount: d(10),
		MaximumAmount: d(100),
		DurationDays:  30,
		Status:        model.PlanActive,
	}
}

func rejection(t *testing.T, err error) *eligibility.Rejection {
	t.Helper()
	var rej *eligibility.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *Rejection, got %v", err)
	}
	return rej
}

func TestEvaluate_Accepts(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cmd, err := eligibility.Evaluate(eligibility.Candidate{
		OwnerID: "owner-1",
		Amount:  d(10),
		Balance: d(50),
	}, testPlan(), now)
	if err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}

	if !cmd.DailyTarget.Equal(d(0.25)) {
		t.Errorf("daily target = %s, want 0.25", cmd.DailyTarget)
	}
	if !cmd.DailyRate.Equal(d(0.025)) {
		t.Errorf("daily rate snapshot = %s, want 0.025", cmd.DailyRate)
	}
	wantEnd := now.Add(30 * 24 * time.Hour)
	if !cmd.EndDate.Equal(wantEnd) {
		t.Errorf("end date = %v, want %v", cmd.EndDate, wantEnd)
	}
	if cmd.YieldPolicy != model.YieldVariable {
		t.Errorf("yield policy = %s, want variable default", cmd.YieldPolicy)
	}
}

func TestEvaluate_BelowMinimum(t *testing.T) {
	// Amount below minimum rejects regardless of balance or referrals.
	_, err := eligibility.Evaluate(eligibility.Candidate{
		Amount:        d(5),
		Balance:       d(1000000),
		ReferralCount: 100,
	}, testPlan(), time.Now())

	rej := rejection(t, err)
	if rej.Check != eligibility.CheckMinAmount {
		t.Errorf("check = %s, want minimum_amount", rej.Check)
	}
	if !rej.Validation {
		t.Error("amount bound failure should be tagged as validation")
	}
}

func TestEvaluate_AboveMaximum(t *testing.T) {
	_, err := eligibility.Evaluate(eligibility.Candidate{
		Amount:  d(150),
		Balance: d(1000),
	}, testPlan(), time.Now())

	if rej := rejection(t, err); rej.Check != eligibility.CheckMaxAmount {
		t.Errorf("check = %s, want maximum_amount", rej.Check)
	}
}

func TestEvaluate_NoMaximum(t *testing.T) {
	p := testPlan()
	p.MaximumAmount = decimal.Zero // uncapped

	if _, err := eligibility.Evaluate(eligibility.Candidate{
		Amount:  d(100000),
		Balance: d(100000),
	}, p, time.Now()); err != nil {
		t.Errorf("uncapped plan should accept large amount, got %v", err)
	}
}

func TestEvaluate_ReferralShortfall(t *testing.T) {
	// Referral shortfall rejects even when amount and balance are fine.
	p := testPlan()
	p.RequiredReferrals = 10

	_, err := eligibility.Evaluate(eligibility.Candidate{
		Amount:        d(50),
		Balance:       d(500),
		ReferralCount: 3,
	}, p, time.Now())

	rej := rejection(t, err)
	if rej.Check != eligibility.CheckReferrals {
		t.Errorf("check = %s, want required_referrals", rej.Check)
	}
	if rej.Validation {
		t.Error("referral shortfall is an eligibility failure, not validation")
	}
}

func TestEvaluate_InsufficientBalance(t *testing.T) {
	_, err := eligibility.Evaluate(eligibility.Candidate{
		Amount:  d(50),
		Balance: d(49.99),
	}, testPlan(), time.Now())

	if rej := rejection(t, err); rej.Check != eligibility.CheckBalance {
		t.Errorf("check = %s, want sufficient_balance", rej.Check)
	}
}

func TestEvaluate_InactivePlan(t *testing.T) {
	p := testPlan()
	p.Status = model.PlanInactive

	_, err := eligibility.Evaluate(eligibility.Candidate{
		Amount:  d(50),
		Balance: d(500),
	}, p, time.Now())

	if rej := rejection(t, err); rej.Check != eligibility.CheckPlanActive {
		t.Errorf("check = %s, want plan_active", rej.Check)
	}
}

func TestEvaluate_CheckOrder(t *testing.T) {
	// When multiple checks would fail, the first in order is reported:
	// inactive plan beats bad amount beats referrals beats balance.
	p := testPlan()
	p.Status = model.PlanInactive
	p.RequiredReferrals = 10

	_, err := eligibility.Evaluate(eligibility.Candidate{
		Amount:  d(1), // also below minimum
		Balance: d(0), // also insufficient
	}, p, time.Now())

	if rej := rejection(t, err); rej.Check != eligibility.CheckPlanActive {
		t.Errorf("check = %s, want plan_active (first in order)", rej.Check)
	}
}
