// Package profit implements the quantitative core of an arbitrage operation:
// the stage schedule, the wall-clock progress function, the monotone profit
// reveal curve, and the yield computation.
//
// Progress, stage and revealed profit are pure functions of
// (now - startedAt) / duration. Nothing here ticks or stores state — the
// caller recomputes on demand, so a restart or a late reader always sees the
// same answer for the same instant.
//
// All monetary values use shopspring/decimal — never float64 for money.
package profit

import (
	"errors"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
)

// Operation stages, in strict forward order. Terminal states (completed,
// aborted) are owned by the runner, not the schedule.
const (
	StageAnalyzing    = "analyzing"
	StageOpportunity  = "opportunity"
	StageCalculating  = "calculating"
	StageBuying       = "buying"
	StageTransferring = "transferring"
	StageSelling      = "selling"
	StageFinalizing   = "finalizing"
	StageCompleted    = "completed"
	StageAborted      = "aborted"
)

// stageWeights is the relative duration of each stage, in percent of the
// operation's total wall-clock time. Must sum to 100.
var stageWeights = []struct {
	name   string
	weight int
}{
	{StageAnalyzing, 15},
	{StageOpportunity, 15},
	{StageCalculating, 10},
	{StageBuying, 20},
	{StageTransferring, 15},
	{StageSelling, 20},
	{StageFinalizing, 5},
}

var (
	// ErrUnknownYieldPolicy is returned for a yield policy the engine does
	// not recognise.
	ErrUnknownYieldPolicy = errors.New("profit: unknown yield policy")

	// MinVariance is the lower bound of the variance factor for
	// variable-yield plans.
	MinVariance = decimal.NewFromFloat(0.5)

	// ProfitScale is the number of decimal places for profit rounding.
	ProfitScale int32 = 8
)

var hundred = decimal.NewFromInt(100)

// Progress maps elapsed/total to a percentage in [0, 100].
// elapsed and total are expressed in the same unit (e.g. nanoseconds).
func Progress(elapsed, total int64) decimal.Decimal {
	if total <= 0 || elapsed >= total {
		return hundred
	}
	if elapsed <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(elapsed).Mul(hundred).Div(decimal.NewFromInt(total)).Round(2)
}

// StageAt returns the stage active at the given progress percentage.
// Progress 100 maps to completed.
func StageAt(progress decimal.Decimal) string {
	if progress.GreaterThanOrEqual(hundred) {
		return StageCompleted
	}
	cum := decimal.Zero
	for _, s := range stageWeights {
		cum = cum.Add(decimal.NewFromInt(int64(s.weight)))
		if progress.LessThan(cum) {
			return s.name
		}
	}
	return StageFinalizing
}

// Reveal computes the profit shown at an intermediate progress value.
//
// The reveal curve is a quadratic ease-out of the progress fraction x:
//
//	revealed = finalProfit × (1 - (1-x)²)
//
// The curve is monotone non-decreasing on [0, 1], equals finalProfit exactly
// at x = 1, and never exceeds it in between — the caller-visible profit can
// only converge upward to the settled figure, never overshoot it.
func Reveal(finalProfit, progress decimal.Decimal) decimal.Decimal {
	if progress.GreaterThanOrEqual(hundred) {
		return finalProfit
	}
	if progress.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	x := progress.Div(hundred)
	remain := decimal.NewFromInt(1).Sub(x)
	factor := decimal.NewFromInt(1).Sub(remain.Mul(remain))
	return finalProfit.Mul(factor).Round(ProfitScale)
}

// Final computes the settled profit for one operation:
//
//	finalProfit = amount × dailyRate × varianceFactor
//
// varianceFactor is fixed 1.0 for fixed-yield plans and uniform in
// [MinVariance, 1.0] for variable-yield plans, drawn once at trigger time
// from rng.
func Final(amount, dailyRate decimal.Decimal, yieldPolicy string, rng *rand.Rand) (decimal.Decimal, error) {
	base := amount.Mul(dailyRate)

	switch yieldPolicy {
	case model.YieldFixed:
		return base.Round(ProfitScale), nil
	case model.YieldVariable, "":
		span := decimal.NewFromInt(1).Sub(MinVariance)
		factor := MinVariance.Add(span.Mul(decimal.NewFromFloat(rng.Float64())))
		return base.Mul(factor).Round(ProfitScale), nil
	default:
		return decimal.Zero, ErrUnknownYieldPolicy
	}
}

// pairs are the instrument labels used for synthetic operations. Real market
// data sourcing is out of scope; the engine only needs plausible labels and
// a consistent buy/sell spread.
var pairs = []string{
	"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT",
	"XRP/USDT", "ADA/USDT", "AVAX/USDT", "DOT/USDT",
}

var basePrices = map[string]decimal.Decimal{
	"BTC/USDT":  decimal.NewFromInt(67000),
	"ETH/USDT":  decimal.NewFromInt(3500),
	"SOL/USDT":  decimal.NewFromInt(160),
	"BNB/USDT":  decimal.NewFromInt(580),
	"XRP/USDT":  decimal.NewFromFloat(0.52),
	"ADA/USDT":  decimal.NewFromFloat(0.45),
	"AVAX/USDT": decimal.NewFromInt(36),
	"DOT/USDT":  decimal.NewFromFloat(7.2),
}

// Quote generates a synthetic instrument with a buy price and a sell price
// above it. The spread is between 0.1% and 0.9% — wide enough to read as an
// arbitrage edge, narrow enough to stay plausible.
func Quote(rng *rand.Rand) (pair string, buy, sell decimal.Decimal) {
	pair = pairs[rng.Intn(len(pairs))]
	base := basePrices[pair]

	// Jitter the base ±2% so repeated operations do not quote identically.
	jitter := decimal.NewFromFloat(0.98 + rng.Float64()*0.04)
	buy = base.Mul(jitter).Round(4)

	spread := decimal.NewFromFloat(1.001 + rng.Float64()*0.008)
	sell = buy.Mul(spread).Round(4)
	return pair, buy, sell
}
