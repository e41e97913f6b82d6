package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Expected schema:
//
//	plans            (id, name, daily_rate, minimum_amount, maximum_amount,
//	                  duration_days, required_referrals, yield_policy,
//	                  ops_per_day, cooldown_seconds, status)
//	positions        (id, owner_id, plan_id, amount, daily_rate, yield_policy,
//	                  daily_ops_cap, cooldown_seconds, start_date, end_date,
//	                  activation_at, cooldown_until, ops_today, ops_today_date,
//	                  total_ops, total_earned, status, cancel_reason)
//	balances         (owner_id PRIMARY KEY, balance NUMERIC)
//	balance_ledger   (id, owner_id, amount_before, amount_after, delta,
//	                  reason, ref_id, ts, UNIQUE (reason, ref_id))
//	referrals        (id, referrer_id, status)
//
// The UNIQUE (reason, ref_id) constraint on balance_ledger is what gives
// ApplyDelta its idempotent-replay guarantee.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Plans ---

const planColumns = `id, name, daily_rate::TEXT, minimum_amount::TEXT,
	COALESCE(maximum_amount, 0)::TEXT, duration_days, required_referrals,
	yield_policy, ops_per_day, cooldown_seconds, status`

func scanPlan(row pgx.Row) (*model.Plan, error) {
	var p model.Plan
	var rate, min, max string
	var cooldownSec int64

	err := row.Scan(&p.ID, &p.Name, &rate, &min, &max,
		&p.DurationDays, &p.RequiredReferrals,
		&p.YieldPolicy, &p.OpsPerDay, &cooldownSec, &p.Status)
	if err != nil {
		return nil, err
	}

	p.DailyRate, _ = decimal.NewFromString(rate)
	p.MinimumAmount, _ = decimal.NewFromString(min)
	p.MaximumAmount, _ = decimal.NewFromString(max)
	p.Cooldown = time.Duration(cooldownSec) * time.Second
	return &p, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListActivePlans(ctx context.Context) ([]model.Plan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// --- Positions ---

const positionColumns = `id, owner_id, plan_id, amount::TEXT, daily_rate::TEXT,
	yield_policy, daily_ops_cap, cooldown_seconds, start_date, end_date,
	activation_at, cooldown_until, ops_today, ops_today_date, total_ops,
	total_earned::TEXT, status, COALESCE(cancel_reason, '')`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var amount, rate, earned string
	var cooldownSec int64

	err := row.Scan(&p.ID, &p.OwnerID, &p.PlanID, &amount, &rate,
		&p.YieldPolicy, &p.DailyOpsCap, &cooldownSec,
		&p.StartDate, &p.EndDate, &p.ActivationAt, &p.CooldownUntil,
		&p.OpsToday, &p.OpsTodayDate, &p.TotalOps,
		&earned, &p.Status, &p.CancelReason)
	if err != nil {
		return nil, err
	}

	p.Amount, _ = decimal.NewFromString(amount)
	p.DailyRate, _ = decimal.NewFromString(rate)
	p.TotalEarned, _ = decimal.NewFromString(earned)
	p.Cooldown = time.Duration(cooldownSec) * time.Second
	return &p, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, owner_id, plan_id, amount, daily_rate,
		   yield_policy, daily_ops_cap, cooldown_seconds, start_date, end_date,
		   activation_at, cooldown_until, ops_today, ops_today_date, total_ops,
		   total_earned, status, cancel_reason)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10,
		   $11, $12, $13, $14, $15, $16::NUMERIC, $17, NULLIF($18, ''))`,
		p.ID, p.OwnerID, p.PlanID, p.Amount.String(), p.DailyRate.String(),
		p.YieldPolicy, p.DailyOpsCap, int64(p.Cooldown/time.Second),
		p.StartDate, p.EndDate, p.ActivationAt, p.CooldownUntil,
		p.OpsToday, p.OpsTodayDate, p.TotalOps,
		p.TotalEarned.String(), p.Status, p.CancelReason,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) listPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActivePositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE owner_id = $1 AND status IN ('pending_activation', 'active')
		 ORDER BY start_date`, ownerID)
}

func (s *PostgresStore) ListRunnable(ctx context.Context, now time.Time) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status IN ('pending_activation', 'active') AND activation_at <= $1
		 ORDER BY id`, now)
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	// The status guard makes a recorded cancel win any racing update.
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET cooldown_until = $2, ops_today = $3, ops_today_date = $4,
		     total_ops = $5, total_earned = $6::NUMERIC, status = $7,
		     activation_at = $8
		 WHERE id = $1 AND status <> 'cancelled'`,
		p.ID, p.CooldownUntil, p.OpsToday, p.OpsTodayDate,
		p.TotalOps, p.TotalEarned.String(), p.Status, p.ActivationAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPosition(ctx, p.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrPositionTerminal, p.ID)
	}
	return nil
}

func (s *PostgresStore) CancelPosition(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = 'cancelled', cancel_reason = $2
		 WHERE id = $1 AND status IN ('pending_activation', 'active')`,
		id, reason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPosition(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrPositionTerminal, id)
	}
	return nil
}

// --- Balance ledger ---

func (s *PostgresStore) GetBalance(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   (SELECT balance::TEXT FROM balances WHERE owner_id = $1), '0')`,
		ownerID).Scan(&bal)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance %s: %w", ownerID, err)
	}
	b, _ := decimal.NewFromString(bal)
	return b, nil
}

// ApplyDelta runs inside a transaction with the owner's balance row locked:
// insert-if-absent, SELECT FOR UPDATE, funds check, ledger append (which
// trips the unique constraint on replay), balance move, commit.
func (s *PostgresStore) ApplyDelta(ctx context.Context, ownerID string, delta decimal.Decimal, reason, refID string) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (owner_id, balance) VALUES ($1, 0)
		 ON CONFLICT (owner_id) DO NOTHING`, ownerID); err != nil {
		return decimal.Zero, err
	}

	var beforeS string
	if err := tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM balances WHERE owner_id = $1 FOR UPDATE`,
		ownerID).Scan(&beforeS); err != nil {
		return decimal.Zero, err
	}
	before, _ := decimal.NewFromString(beforeS)

	after := before.Add(delta)
	if after.IsNegative() {
		return before, fmt.Errorf("%w: balance %s, delta %s", ErrInsufficientFunds, before, delta)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO balance_ledger (id, owner_id, amount_before, amount_after, delta, reason, ref_id, ts)
		 VALUES (gen_random_uuid(), $1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6, now())
		 ON CONFLICT (reason, ref_id) DO NOTHING`,
		ownerID, before.String(), after.String(), delta.String(), reason, refID,
	)
	if err != nil {
		return before, err
	}
	if tag.RowsAffected() == 0 {
		return before, fmt.Errorf("%w: %s %s", ErrDuplicateRef, reason, refID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE balances SET balance = $2::NUMERIC WHERE owner_id = $1`,
		ownerID, after.String()); err != nil {
		return before, err
	}

	if err := tx.Commit(ctx); err != nil {
		return before, err
	}
	return after, nil
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, ownerID string) ([]model.BalanceLedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, amount_before::TEXT, amount_after::TEXT,
		        delta::TEXT, reason, ref_id, ts
		 FROM balance_ledger WHERE owner_id = $1 ORDER BY ts`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.BalanceLedgerEntry
	for rows.Next() {
		var e model.BalanceLedgerEntry
		var beforeS, afterS, deltaS string

		if err := rows.Scan(&e.ID, &e.OwnerID, &beforeS, &afterS,
			&deltaS, &e.Reason, &e.ReferenceID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.AmountBefore, _ = decimal.NewFromString(beforeS)
		e.AmountAfter, _ = decimal.NewFromString(afterS)
		e.Delta, _ = decimal.NewFromString(deltaS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Referrals ---

func (s *PostgresStore) ActiveReferralCount(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1 AND status = 'active'`,
		ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("referral count %s: %w", ownerID, err)
	}
	return count, nil
}
