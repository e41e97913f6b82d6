package invest

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
)

var (
	// ErrOperationInProgress is returned when an operation is already in
	// flight for the position. Retryable once it settles.
	ErrOperationInProgress = errors.New("invest: operation already in progress")

	// ErrNotActivated is returned while a position is still inside its
	// activation delay.
	ErrNotActivated = errors.New("invest: position not yet activated")

	// ErrCooldownActive is returned while the inter-operation cooldown has
	// not elapsed.
	ErrCooldownActive = errors.New("invest: cooldown active")

	// ErrDailyCapReached is returned once the position has run its daily
	// operation cap; clears at the next UTC day boundary.
	ErrDailyCapReached = errors.New("invest: daily operation cap reached")

	// ErrPositionNotRunnable is returned for completed or cancelled
	// positions.
	ErrPositionNotRunnable = errors.New("invest: position is not runnable")
)

// Controller enforces the activation delay, daily operation caps and
// cooldown windows. It owns no timers: every decision is recomputed from the
// position's persisted timestamps, so enforcement survives restarts and
// cannot be bypassed by a client holding stale state.
type Controller struct {
	// ActivationDelay is how long a freshly opened position waits before
	// its first operation may run.
	ActivationDelay time.Duration
}

// NewController creates a controller with the given activation delay.
func NewController(activationDelay time.Duration) *Controller {
	return &Controller{ActivationDelay: activationDelay}
}

// Gate decides whether the position may start an operation at now. It also
// applies the lazy transitions that are due: pending_activation → active
// once the delay has passed, the daily counter reset at the UTC day
// boundary, and active → completed once the end date is reached. The caller
// persists the position whenever changed is true, even on rejection.
func (c *Controller) Gate(p *model.Position, now time.Time) (changed bool, err error) {
	if p.Terminal() {
		return false, ErrPositionNotRunnable
	}

	if !now.Before(p.EndDate) {
		p.Status = model.PositionCompleted
		return true, ErrPositionNotRunnable
	}

	if p.Status == model.PositionPendingActivation {
		if now.Before(p.ActivationAt) {
			return false, ErrNotActivated
		}
		p.Status = model.PositionActive
		changed = true
	}

	if key := model.DayKey(now); p.OpsTodayDate != key {
		p.OpsToday = 0
		p.OpsTodayDate = key
		changed = true
	}

	if now.Before(p.CooldownUntil) {
		return changed, ErrCooldownActive
	}
	if p.OpsToday >= p.DailyOpsCap {
		return changed, ErrDailyCapReached
	}
	return changed, nil
}

// OnCompleted records a settled operation: counters move, earnings
// accumulate, and the next window opens — a short cooldown while the daily
// cap has headroom, otherwise the next UTC day boundary.
func (c *Controller) OnCompleted(p *model.Position, profit decimal.Decimal, now time.Time) {
	if key := model.DayKey(now); p.OpsTodayDate != key {
		p.OpsToday = 0
		p.OpsTodayDate = key
	}

	p.OpsToday++
	p.TotalOps++
	p.TotalEarned = p.TotalEarned.Add(profit)

	if p.OpsToday >= p.DailyOpsCap {
		p.CooldownUntil = nextDayStart(now)
	} else {
		p.CooldownUntil = now.Add(p.Cooldown)
	}

	if !now.Before(p.EndDate) {
		p.Status = model.PositionCompleted
	}
}

// nextDayStart returns the next UTC midnight after t.
func nextDayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
