package invest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/invest"
	"github.com/arbitra/invest-engine/internal/model"
	"github.com/arbitra/invest-engine/internal/settlement"
	"github.com/arbitra/invest-engine/internal/store"
)

type testEnv struct {
	st     *store.MemoryStore
	settle *settlement.Service
	engine *invest.Service
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, cfg invest.Config) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	settleSvc := settlement.NewService(st)
	engine := invest.NewService(st, settleSvc, nil, cfg)

	r := chi.NewRouter()
	engine.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{st: st, settle: settleSvc, engine: engine, srv: srv}
}

func (e *testEnv) seedPlan(t *testing.T, p *model.Plan) {
	t.Helper()
	if p.Status == "" {
		p.Status = model.PlanActive
	}
	e.st.PutPlan(p)
}

func (e *testEnv) fund(t *testing.T, ownerID string, amount int64) {
	t.Helper()
	ref := fmt.Sprintf("seed-%s-%d", ownerID, time.Now().UnixNano())
	if _, err := e.st.ApplyDelta(context.Background(), ownerID, decimal.NewFromInt(amount), model.ReasonAdminAdjustment, ref); err != nil {
		t.Fatalf("fund %s: %v", ownerID, err)
	}
}

func (e *testEnv) balance(t *testing.T, ownerID string) decimal.Decimal {
	t.Helper()
	bal, err := e.st.GetBalance(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("balance %s: %v", ownerID, err)
	}
	return bal
}

func (e *testEnv) doJSON(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func starterPlan() *model.Plan {
	return &model.Plan{
		ID:            "starter-30",
		Name:          "Starter 30",
		DailyRate:     decimal.NewFromFloat(0.025),
		MinimumAmount: decimal.NewFromInt(10),
		DurationDays:  30,
		YieldPolicy:   model.YieldVariable,
		Status:        model.PlanActive,
	}
}

func TestOpenPosition(t *testing.T) {
	env := newTestEnv(t, invest.Config{})
	env.seedPlan(t, starterPlan())
	env.fund(t, "u1", 50)

	var pos model.Position
	code := env.doJSON(t, http.MethodPost, "/positions", invest.OpenPositionRequest{
		OwnerID: "u1",
		PlanID:  "starter-30",
		Amount:  decimal.NewFromInt(10),
	}, &pos)
	if code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", code)
	}

	if pos.Status != model.PositionPendingActivation {
		t.Errorf("status = %s, want pending_activation", pos.Status)
	}
	if !pos.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("amount = %s, want 10", pos.Amount)
	}
	if !pos.DailyRate.Equal(decimal.NewFromFloat(0.025)) {
		t.Errorf("daily rate = %s, want 0.025", pos.DailyRate)
	}
	// A 2.5% plan lands in the growth tier: 3 ops/day, 6h cooldown.
	if pos.DailyOpsCap != 3 {
		t.Errorf("daily ops cap = %d, want 3", pos.DailyOpsCap)
	}
	if pos.Cooldown != 6*time.Hour {
		t.Errorf("cooldown = %v, want 6h", pos.Cooldown)
	}
	if pos.ActivationAt.Before(pos.StartDate.Add(23 * time.Hour)) {
		t.Errorf("activation %v too early for a 24h delay from %v", pos.ActivationAt, pos.StartDate)
	}

	// Capital committed: balance 50 → 40 with one ledger entry for the debit.
	var br invest.BalanceResponse
	if code := env.doJSON(t, http.MethodGet, "/balance/u1", nil, &br); code != http.StatusOK {
		t.Fatalf("balance status = %d", code)
	}
	if !br.Balance.Equal(decimal.NewFromInt(40)) {
		t.Errorf("balance = %s, want 40", br.Balance)
	}
	var open *model.BalanceLedgerEntry
	for i := range br.Ledger {
		if br.Ledger[i].Reason == model.ReasonPositionOpen {
			open = &br.Ledger[i]
		}
	}
	if open == nil {
		t.Fatal("no position_open ledger entry")
	}
	if !open.Delta.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("open delta = %s, want -10", open.Delta)
	}
	if open.ReferenceID != pos.ID {
		t.Errorf("open ref = %s, want position id %s", open.ReferenceID, pos.ID)
	}

	// The serialized position carries the derived countdown.
	var raw map[string]any
	if code := env.doJSON(t, http.MethodGet, "/positions/"+pos.ID, nil, &raw); code != http.StatusOK {
		t.Fatalf("get position: status = %d", code)
	}
	if dr, ok := raw["days_remaining"].(float64); !ok || int(dr) != 30 {
		t.Errorf("days_remaining = %v, want 30", raw["days_remaining"])
	}
}

func TestOpenPosition_Rejections(t *testing.T) {
	env := newTestEnv(t, invest.Config{})

	p := starterPlan()
	p.MaximumAmount = decimal.NewFromInt(1000)
	env.seedPlan(t, p)

	exclusive := starterPlan()
	exclusive.ID = "exclusive"
	exclusive.RequiredReferrals = 3
	env.seedPlan(t, exclusive)

	retired := starterPlan()
	retired.ID = "retired"
	retired.Status = model.PlanInactive
	env.seedPlan(t, retired)

	env.fund(t, "u1", 50)

	cases := []struct {
		name     string
		req      invest.OpenPositionRequest
		wantCode int
	}{
		{"below minimum", invest.OpenPositionRequest{OwnerID: "u1", PlanID: "starter-30", Amount: decimal.NewFromInt(5)}, http.StatusBadRequest},
		{"above maximum", invest.OpenPositionRequest{OwnerID: "u1", PlanID: "starter-30", Amount: decimal.NewFromInt(2000)}, http.StatusBadRequest},
		{"inactive plan", invest.OpenPositionRequest{OwnerID: "u1", PlanID: "retired", Amount: decimal.NewFromInt(10)}, http.StatusBadRequest},
		{"unknown plan", invest.OpenPositionRequest{OwnerID: "u1", PlanID: "nope", Amount: decimal.NewFromInt(10)}, http.StatusNotFound},
		{"referral shortfall", invest.OpenPositionRequest{OwnerID: "u1", PlanID: "exclusive", Amount: decimal.NewFromInt(10)}, http.StatusUnprocessableEntity},
		{"insufficient balance", invest.OpenPositionRequest{OwnerID: "u1", PlanID: "starter-30", Amount: decimal.NewFromInt(100)}, http.StatusUnprocessableEntity},
		{"missing owner", invest.OpenPositionRequest{PlanID: "starter-30", Amount: decimal.NewFromInt(10)}, http.StatusBadRequest},
		{"zero amount", invest.OpenPositionRequest{OwnerID: "u1", PlanID: "starter-30"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := env.doJSON(t, http.MethodPost, "/positions", tc.req, nil); code != tc.wantCode {
				t.Errorf("status = %d, want %d", code, tc.wantCode)
			}
		})
	}

	// No rejection may touch the balance.
	if bal := env.balance(t, "u1"); !bal.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want untouched 50", bal)
	}
}

func TestTriggerOperation_BeforeActivation(t *testing.T) {
	env := newTestEnv(t, invest.Config{ActivationDelay: time.Hour})
	env.seedPlan(t, starterPlan())
	env.fund(t, "u1", 50)

	var pos model.Position
	env.doJSON(t, http.MethodPost, "/positions", invest.OpenPositionRequest{
		OwnerID: "u1", PlanID: "starter-30", Amount: decimal.NewFromInt(10),
	}, &pos)

	code := env.doJSON(t, http.MethodPost, "/positions/"+pos.ID+"/operations", struct{}{}, nil)
	if code != http.StatusConflict {
		t.Errorf("trigger before activation: status = %d, want 409", code)
	}

	// Nothing running, so the current-operation probe is a 404.
	code = env.doJSON(t, http.MethodGet, "/positions/"+pos.ID+"/operations/current", nil, nil)
	if code != http.StatusNotFound {
		t.Errorf("current operation: status = %d, want 404", code)
	}
}

func TestListPositions(t *testing.T) {
	env := newTestEnv(t, invest.Config{})
	env.seedPlan(t, starterPlan())
	env.fund(t, "u1", 100)

	for i := 0; i < 2; i++ {
		if code := env.doJSON(t, http.MethodPost, "/positions", invest.OpenPositionRequest{
			OwnerID: "u1", PlanID: "starter-30", Amount: decimal.NewFromInt(10),
		}, nil); code != http.StatusCreated {
			t.Fatalf("open %d: status = %d", i, code)
		}
	}

	var positions []model.Position
	if code := env.doJSON(t, http.MethodGet, "/positions?owner_id=u1", nil, &positions); code != http.StatusOK {
		t.Fatalf("list: status = %d", code)
	}
	if len(positions) != 2 {
		t.Errorf("got %d positions, want 2", len(positions))
	}

	if code := env.doJSON(t, http.MethodGet, "/positions", nil, nil); code != http.StatusBadRequest {
		t.Errorf("list without owner_id: status = %d, want 400", code)
	}
}

func TestAdminCancel_RefundsCapital(t *testing.T) {
	env := newTestEnv(t, invest.Config{})
	env.seedPlan(t, starterPlan())
	env.fund(t, "u1", 50)

	var pos model.Position
	env.doJSON(t, http.MethodPost, "/positions", invest.OpenPositionRequest{
		OwnerID: "u1", PlanID: "starter-30", Amount: decimal.NewFromInt(10),
	}, &pos)

	code := env.doJSON(t, http.MethodPost, "/admin/positions/"+pos.ID+"/cancel",
		invest.CancelRequest{Reason: "support ticket 4411"}, nil)
	if code != http.StatusNoContent {
		t.Fatalf("cancel: status = %d, want 204", code)
	}

	var got model.Position
	env.doJSON(t, http.MethodGet, "/positions/"+pos.ID, nil, &got)
	if got.Status != model.PositionCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.CancelReason != "support ticket 4411" {
		t.Errorf("cancel reason = %q", got.CancelReason)
	}

	// Capital refunded in full.
	if bal := env.balance(t, "u1"); !bal.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want 50 after refund", bal)
	}

	// Cancelling a terminal position is a conflict and refunds nothing more.
	code = env.doJSON(t, http.MethodPost, "/admin/positions/"+pos.ID+"/cancel",
		invest.CancelRequest{Reason: "again"}, nil)
	if code != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", code)
	}
	if bal := env.balance(t, "u1"); !bal.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s after repeated cancel, want 50", bal)
	}
}

func TestAdminAdjust(t *testing.T) {
	env := newTestEnv(t, invest.Config{})
	env.fund(t, "u1", 50)

	var resp map[string]decimal.Decimal
	code := env.doJSON(t, http.MethodPost, "/admin/balance/adjust", invest.AdjustRequest{
		OwnerID:     "u1",
		Delta:       decimal.NewFromInt(25),
		ReferenceID: "corr-1",
	}, &resp)
	if code != http.StatusOK {
		t.Fatalf("adjust: status = %d", code)
	}
	if !resp["balance"].Equal(decimal.NewFromInt(75)) {
		t.Errorf("balance = %s, want 75", resp["balance"])
	}

	// Overdraw is rejected.
	code = env.doJSON(t, http.MethodPost, "/admin/balance/adjust", invest.AdjustRequest{
		OwnerID:     "u1",
		Delta:       decimal.NewFromInt(-500),
		ReferenceID: "corr-2",
	}, nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("overdraw: status = %d, want 422", code)
	}

	// Replaying the same reference is a no-op, not a second credit.
	code = env.doJSON(t, http.MethodPost, "/admin/balance/adjust", invest.AdjustRequest{
		OwnerID:     "u1",
		Delta:       decimal.NewFromInt(25),
		ReferenceID: "corr-1",
	}, &resp)
	if code != http.StatusOK {
		t.Fatalf("replayed adjust: status = %d", code)
	}
	if bal := env.balance(t, "u1"); !bal.Equal(decimal.NewFromInt(75)) {
		t.Errorf("balance = %s after replay, want 75", bal)
	}
}

func TestListPlans(t *testing.T) {
	env := newTestEnv(t, invest.Config{})
	env.seedPlan(t, starterPlan())
	retired := starterPlan()
	retired.ID = "retired"
	retired.Status = model.PlanInactive
	env.seedPlan(t, retired)

	var plans []model.Plan
	if code := env.doJSON(t, http.MethodGet, "/plans", nil, &plans); code != http.StatusOK {
		t.Fatalf("list plans: status = %d", code)
	}
	if len(plans) != 1 || plans[0].ID != "starter-30" {
		t.Errorf("plans = %+v, want only starter-30", plans)
	}
}
