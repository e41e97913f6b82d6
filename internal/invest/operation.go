package invest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbitra/invest-engine/internal/metrics"
	"github.com/arbitra/invest-engine/internal/model"
	"github.com/arbitra/invest-engine/internal/profit"
	"github.com/arbitra/invest-engine/internal/settlement"
	"github.com/arbitra/invest-engine/internal/store"
)

// Trigger sources for operation starts.
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// StartOperation admits one arbitrage operation for the position, holding
// its exclusive in-flight slot for the operation's whole run. The final
// profit is fixed here, at trigger time; progress only reveals it.
func (s *Service) StartOperation(ctx context.Context, positionID, trigger string) (*model.OperationSnapshot, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[positionID]; busy {
		return nil, ErrOperationInProgress
	}

	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}

	changed, gateErr := s.controller.Gate(pos, now)
	if changed {
		// Persist lazy transitions (activation, daily reset, expiry) even
		// when the gate rejects.
		if err := s.store.UpdatePosition(ctx, pos); err != nil {
			slog.Error("persist gate transition failed", "position", positionID, "err", err)
		}
	}
	if gateErr != nil {
		metrics.OperationRejections.WithLabelValues(rejectionLabel(gateErr)).Inc()
		return nil, gateErr
	}

	finalProfit, err := profit.Final(pos.Amount, pos.DailyRate, pos.YieldPolicy, s.rng)
	if err != nil {
		return nil, err
	}
	pair, buy, sell := profit.Quote(s.rng)

	op := &model.Operation{
		ID:          uuid.New().String(),
		PositionID:  positionID,
		Pair:        pair,
		BuyPrice:    buy,
		SellPrice:   sell,
		FinalProfit: finalProfit,
		StartedAt:   now,
		Duration:    s.cfg.OperationDuration,
		Auto:        trigger == TriggerAuto,
	}
	s.inflight[positionID] = op

	metrics.OperationsStarted.WithLabelValues(trigger).Inc()
	metrics.RunningOperations.Inc()
	slog.Info("operation started",
		"id", op.ID,
		"position", positionID,
		"pair", pair,
		"trigger", trigger,
		"duration", op.Duration,
	)

	go s.run(op, pos.OwnerID)

	snap := snapshotAt(op, now)
	s.broadcast("operation_started", snap)
	return snap, nil
}

// CurrentOperation returns the in-flight operation's snapshot, derived from
// wall-clock progress at call time. Returns nil when nothing is running.
func (s *Service) CurrentOperation(positionID string) *model.OperationSnapshot {
	s.mu.Lock()
	op := s.inflight[positionID]
	s.mu.Unlock()

	if op == nil {
		return nil
	}
	return snapshotAt(op, time.Now().UTC())
}

// run drives one operation from trigger to settlement. It broadcasts a
// progress tick every second, then at completion re-reads the position: a
// cancel recorded first wins and the operation aborts with no settlement;
// otherwise the settlement is applied before the in-flight slot is released,
// so the next operation can never start ahead of this one's credit.
func (s *Service) run(op *model.Operation, ownerID string) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, op.PositionID)
		s.mu.Unlock()
		metrics.RunningOperations.Dec()
	}()

	deadline := op.StartedAt.Add(op.Duration)
	done := time.NewTimer(time.Until(deadline))
	defer done.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for running := true; running; {
		select {
		case <-done.C:
			running = false
		case now := <-ticker.C:
			s.broadcast("operation_progress", snapshotAt(op, now.UTC()))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.finish(ctx, op, ownerID)
}

// finish settles a completed operation, or aborts it if the position was
// cancelled mid-run.
func (s *Service) finish(ctx context.Context, op *model.Operation, ownerID string) {
	now := time.Now().UTC()

	pos, err := s.store.GetPosition(ctx, op.PositionID)
	if err != nil {
		slog.Error("operation abort: position unreadable", "operation", op.ID, "err", err)
		s.abort(op)
		return
	}
	if pos.Status == model.PositionCancelled {
		slog.Info("operation aborted: position cancelled",
			"operation", op.ID, "position", op.PositionID)
		s.abort(op)
		return
	}

	req := model.SettlementRequest{
		PositionID:  op.PositionID,
		OperationID: op.ID,
		Profit:      op.FinalProfit,
	}

	// Retried with idempotent replay; the operation ID keys the credit.
	var settleErr error
	for attempt := 0; attempt < s.cfg.SettleRetries; attempt++ {
		if attempt > 0 {
			metrics.SettlementReplays.Inc()
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		if _, settleErr = s.settle.Settle(ctx, ownerID, req); settleErr == nil {
			break
		}
	}
	if settleErr != nil {
		// Never silently dropped: the operation aborts loudly and the cap is
		// not consumed, so a later trigger can earn the missed profit.
		slog.Error("settlement failed after retries",
			"operation", op.ID, "position", op.PositionID, "err", settleErr)
		s.abort(op)
		return
	}

	s.controller.OnCompleted(pos, op.FinalProfit, now)

	// The credit is already on the ledger; the counter write must land too or
	// the next trigger would pass the gate and pay again. Retried like the
	// settlement itself; only a recorded cancel is allowed to win.
	var updErr error
	for attempt := 0; attempt < s.cfg.SettleRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		updErr = s.store.UpdatePosition(ctx, pos)
		if updErr == nil || errors.Is(updErr, store.ErrPositionTerminal) {
			break
		}
	}
	switch {
	case errors.Is(updErr, store.ErrPositionTerminal):
		// A cancel that raced in after the settlement read: the credit
		// stands (settlement was already in flight) and cancellation
		// governs future operations only.
		slog.Warn("position update after settlement rejected",
			"operation", op.ID, "position", op.PositionID, "err", updErr)
	case updErr != nil:
		cerr := &settlement.ConsistencyError{OwnerID: ownerID, ReferenceID: op.ID, Err: updErr}
		slog.Error("position write failed after settlement, ledger and position diverged",
			"operation", op.ID, "position", op.PositionID, "err", cerr)
		s.abort(op)
		return
	}

	metrics.OperationsSettled.Inc()
	slog.Info("operation settled",
		"id", op.ID,
		"position", op.PositionID,
		"profit", op.FinalProfit.String(),
		"ops_today", pos.OpsToday,
		"cooldown_until", pos.CooldownUntil,
	)

	snap := snapshotAt(op, now)
	snap.Stage = profit.StageCompleted
	s.broadcast("operation_completed", snap)
}

func (s *Service) abort(op *model.Operation) {
	metrics.OperationsAborted.Inc()
	snap := snapshotAt(op, time.Now().UTC())
	snap.Stage = profit.StageAborted
	s.broadcast("operation_aborted", snap)
}

// RunScheduler drives the automatic operation cycle: it periodically scans
// runnable positions and triggers those whose activation delay and cooldown
// have elapsed. Because every decision derives from persisted timestamps,
// a restarted process picks up exactly where the previous one left off.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler running", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.schedulerTick(ctx)
		}
	}
}

func (s *Service) schedulerTick(ctx context.Context) {
	positions, err := s.store.ListRunnable(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("scheduler scan failed", "err", err)
		return
	}

	for _, p := range positions {
		_, err := s.StartOperation(ctx, p.ID, TriggerAuto)
		switch {
		case err == nil:
		case isRetryableGateError(err):
			// Not due yet; the next scan re-evaluates from stored timestamps.
		default:
			slog.Error("auto trigger failed", "position", p.ID, "err", err)
		}
	}
}

func isRetryableGateError(err error) bool {
	for _, known := range []error{
		ErrOperationInProgress, ErrNotActivated, ErrCooldownActive,
		ErrDailyCapReached, ErrPositionNotRunnable,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, ErrOperationInProgress):
		return "in_progress"
	case errors.Is(err, ErrNotActivated):
		return "not_activated"
	case errors.Is(err, ErrCooldownActive):
		return "cooldown"
	case errors.Is(err, ErrDailyCapReached):
		return "daily_cap"
	case errors.Is(err, ErrPositionNotRunnable):
		return "not_runnable"
	case errors.Is(err, store.ErrPositionNotFound):
		return "not_found"
	default:
		return "other"
	}
}

// snapshotAt derives the externally visible operation state at an instant.
func snapshotAt(op *model.Operation, now time.Time) *model.OperationSnapshot {
	elapsed := now.Sub(op.StartedAt)
	progress := profit.Progress(int64(elapsed), int64(op.Duration))
	return &model.OperationSnapshot{
		ID:            op.ID,
		PositionID:    op.PositionID,
		Pair:          op.Pair,
		BuyPrice:      op.BuyPrice,
		SellPrice:     op.SellPrice,
		Stage:         profit.StageAt(progress),
		Progress:      progress,
		CurrentProfit: profit.Reveal(op.FinalProfit, progress),
		StartedAt:     op.StartedAt,
	}
}

func (s *Service) broadcast(event string, snap *model.OperationSnapshot) {
	if s.hub != nil {
		s.hub.Broadcast(ProgressMessage{
			Type:          event,
			OperationID:   snap.ID,
			PositionID:    snap.PositionID,
			Pair:          snap.Pair,
			Stage:         snap.Stage,
			Progress:      snap.Progress.String(),
			CurrentProfit: snap.CurrentProfit.String(),
		})
	}
}
