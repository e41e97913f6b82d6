package plan_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
	"github.com/arbitra/invest-engine/internal/plan"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestTier_RateBands(t *testing.T) {
	cases := []struct {
		rate float64
		want string
	}{
		{0.005, plan.TierStarter},
		{0.015, plan.TierStarter},
		{0.02, plan.TierGrowth},
		{0.025, plan.TierGrowth},
		{0.034, plan.TierGrowth},
		{0.035, plan.TierPro},
		{0.08, plan.TierPro},
	}
	for _, tc := range cases {
		if got := plan.Tier(d(tc.rate)); got != tc.want {
			t.Errorf("Tier(%v) = %s, want %s", tc.rate, got, tc.want)
		}
	}
}

func TestResolve_TierDefaults(t *testing.T) {
	cases := []struct {
		rate         float64
		wantCap      int
		wantCooldown time.Duration
	}{
		{0.01, 2, 8 * time.Hour},
		{0.025, 3, 6 * time.Hour},
		{0.05, 4, 4 * time.Hour},
	}
	for _, tc := range cases {
		pol := plan.Resolve(&model.Plan{DailyRate: d(tc.rate)})
		if pol.OpsPerDay != tc.wantCap {
			t.Errorf("rate %v: OpsPerDay = %d, want %d", tc.rate, pol.OpsPerDay, tc.wantCap)
		}
		if pol.Cooldown != tc.wantCooldown {
			t.Errorf("rate %v: Cooldown = %v, want %v", tc.rate, pol.Cooldown, tc.wantCooldown)
		}
		if pol.YieldPolicy != model.YieldVariable {
			t.Errorf("rate %v: default yield should be variable, got %s", tc.rate, pol.YieldPolicy)
		}
	}
}

func TestResolve_ExplicitOverridesWin(t *testing.T) {
	p := &model.Plan{
		DailyRate:   d(0.01), // starter band
		OpsPerDay:   5,
		Cooldown:    90 * time.Minute,
		YieldPolicy: model.YieldFixed,
	}
	pol := plan.Resolve(p)
	if pol.OpsPerDay != 5 {
		t.Errorf("OpsPerDay = %d, want explicit 5", pol.OpsPerDay)
	}
	if pol.Cooldown != 90*time.Minute {
		t.Errorf("Cooldown = %v, want explicit 90m", pol.Cooldown)
	}
	if pol.YieldPolicy != model.YieldFixed {
		t.Errorf("YieldPolicy = %s, want fixed", pol.YieldPolicy)
	}
	if pol.Tier != plan.TierStarter {
		t.Errorf("Tier = %s, want starter (tier tracks the rate band)", pol.Tier)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *model.Plan {
		return &model.Plan{
			DailyRate:     d(0.025),
			MinimumAmount: d(10),
			MaximumAmount: d(100),
			DurationDays:  30,
			YieldPolicy:   model.YieldVariable,
		}
	}

	if err := plan.Validate(valid()); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	p := valid()
	p.DailyRate = decimal.Zero
	if err := plan.Validate(p); !errors.Is(err, plan.ErrInvalidRate) {
		t.Errorf("zero rate: got %v, want ErrInvalidRate", err)
	}

	p = valid()
	p.DurationDays = 0
	if err := plan.Validate(p); !errors.Is(err, plan.ErrInvalidDuration) {
		t.Errorf("zero duration: got %v, want ErrInvalidDuration", err)
	}

	p = valid()
	p.MaximumAmount = d(5)
	if err := plan.Validate(p); !errors.Is(err, plan.ErrInvalidBounds) {
		t.Errorf("max < min: got %v, want ErrInvalidBounds", err)
	}

	p = valid()
	p.MaximumAmount = decimal.Zero // zero max = uncapped, not invalid
	if err := plan.Validate(p); err != nil {
		t.Errorf("uncapped plan rejected: %v", err)
	}

	p = valid()
	p.YieldPolicy = "lunar"
	if err := plan.Validate(p); !errors.Is(err, plan.ErrInvalidYield) {
		t.Errorf("bad yield policy: got %v, want ErrInvalidYield", err)
	}
}
