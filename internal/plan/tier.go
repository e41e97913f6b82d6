// Package plan resolves per-plan operation policy: how many arbitrage
// operations a position may run per day, how long the cooldown between them
// lasts, and which yield policy applies. Plans may set these explicitly;
// otherwise deterministic tier defaults are derived from the daily rate band.
package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
)

// Tier names, by daily rate band.
const (
	TierStarter = "starter"
	TierGrowth  = "growth"
	TierPro     = "pro"
)

var (
	ErrInvalidRate     = errors.New("plan: daily rate must be positive")
	ErrInvalidDuration = errors.New("plan: duration must be at least one day")
	ErrInvalidBounds   = errors.New("plan: maximum amount below minimum amount")
	ErrInvalidYield    = errors.New("plan: unsupported yield policy")
)

var (
	growthRate = decimal.NewFromFloat(0.02)  // ≥ 2%/day
	proRate    = decimal.NewFromFloat(0.035) // ≥ 3.5%/day
)

// Policy is the resolved operation policy for a plan.
type Policy struct {
	Tier        string
	OpsPerDay   int
	Cooldown    time.Duration
	YieldPolicy string
}

// Tier classifies a daily rate into a plan tier.
func Tier(dailyRate decimal.Decimal) string {
	switch {
	case dailyRate.GreaterThanOrEqual(proRate):
		return TierPro
	case dailyRate.GreaterThanOrEqual(growthRate):
		return TierGrowth
	default:
		return TierStarter
	}
}

// tierDefaults maps a tier to its default cap and cooldown.
func tierDefaults(tier string) (int, time.Duration) {
	switch tier {
	case TierPro:
		return 4, 4 * time.Hour
	case TierGrowth:
		return 3, 6 * time.Hour
	default:
		return 2, 8 * time.Hour
	}
}

// Resolve returns the operation policy for a plan. Explicit plan settings
// win; zero values fall back to the tier defaults for the plan's rate band.
func Resolve(p *model.Plan) Policy {
	tier := Tier(p.DailyRate)
	cap, cooldown := tierDefaults(tier)

	if p.OpsPerDay > 0 {
		cap = p.OpsPerDay
	}
	if p.Cooldown > 0 {
		cooldown = p.Cooldown
	}

	yield := p.YieldPolicy
	if yield == "" {
		yield = model.YieldVariable
	}

	return Policy{
		Tier:        tier,
		OpsPerDay:   cap,
		Cooldown:    cooldown,
		YieldPolicy: yield,
	}
}

// Validate checks a plan record for internal consistency. Catalog writes are
// external to the engine, but every plan read at position-open time passes
// through here so a malformed row cannot mint a broken position.
func Validate(p *model.Plan) error {
	if p.DailyRate.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidRate, p.DailyRate)
	}
	if p.DurationDays < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidDuration, p.DurationDays)
	}
	if p.MaximumAmount.IsPositive() && p.MaximumAmount.LessThan(p.MinimumAmount) {
		return fmt.Errorf("%w: min=%s max=%s", ErrInvalidBounds, p.MinimumAmount, p.MaximumAmount)
	}
	switch p.YieldPolicy {
	case "", model.YieldFixed, model.YieldVariable:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidYield, p.YieldPolicy)
	}
	return nil
}
