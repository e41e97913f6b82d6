package invest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/arbitra/invest-engine/internal/eligibility"
	"github.com/arbitra/invest-engine/internal/model"
	"github.com/arbitra/invest-engine/internal/plan"
	"github.com/arbitra/invest-engine/internal/settlement"
	"github.com/arbitra/invest-engine/internal/store"
)

// --- Request/Response types ---

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	OwnerID string          `json:"owner_id"`
	PlanID  string          `json:"plan_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// BalanceResponse is the JSON body for GET /balance/{ownerID}.
type BalanceResponse struct {
	OwnerID string                     `json:"owner_id"`
	Balance decimal.Decimal            `json:"balance"`
	Ledger  []model.BalanceLedgerEntry `json:"ledger"`
}

// CancelRequest is the JSON body for POST /admin/positions/{positionID}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// AdjustRequest is the JSON body for POST /admin/balance/adjust.
type AdjustRequest struct {
	OwnerID     string          `json:"owner_id"`
	Delta       decimal.Decimal `json:"delta"`
	ReferenceID string          `json:"reference_id"`
}

// --- HTTP Handlers ---

// HandleOpenPosition handles POST /api/v1/positions.
func (s *Service) HandleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if req.PlanID == "" {
		writeError(w, "plan_id is required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	pos, err := s.OpenPosition(r.Context(), req.OwnerID, req.PlanID, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pos)
}

// HandleGetPosition handles GET /api/v1/positions/{positionID}.
func (s *Service) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.GetPosition(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// HandleListPositions handles GET /api/v1/positions?owner_id=...
func (s *Service) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, "owner_id query parameter is required", http.StatusBadRequest)
		return
	}

	positions, err := s.ListActivePositions(r.Context(), ownerID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// HandleTriggerOperation handles POST /api/v1/positions/{positionID}/operations.
func (s *Service) HandleTriggerOperation(w http.ResponseWriter, r *http.Request) {
	snap, err := s.StartOperation(r.Context(), chi.URLParam(r, "positionID"), TriggerManual)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(snap)
}

// HandleCurrentOperation handles GET /api/v1/positions/{positionID}/operations/current.
func (s *Service) HandleCurrentOperation(w http.ResponseWriter, r *http.Request) {
	snap := s.CurrentOperation(chi.URLParam(r, "positionID"))
	if snap == nil {
		writeError(w, "no operation in progress", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// HandleListPlans handles GET /api/v1/plans.
func (s *Service) HandleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListActivePlans(r.Context())
	if err != nil {
		writeError(w, "failed to list plans", http.StatusInternalServerError)
		return
	}
	if plans == nil {
		plans = []model.Plan{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(plans)
}

// HandleGetBalance handles GET /api/v1/balance/{ownerID}.
func (s *Service) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	ctx := r.Context()

	balance, err := s.store.GetBalance(ctx, ownerID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	ledger, err := s.store.LedgerEntries(ctx, ownerID)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if ledger == nil {
		ledger = []model.BalanceLedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BalanceResponse{
		OwnerID: ownerID,
		Balance: balance,
		Ledger:  ledger,
	})
}

// HandleAdminCancel handles POST /api/v1/admin/positions/{positionID}/cancel.
func (s *Service) HandleAdminCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}

	if err := s.CancelPosition(r.Context(), chi.URLParam(r, "positionID"), req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleAdminAdjust handles POST /api/v1/admin/balance/adjust.
func (s *Service) HandleAdminAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	newBalance, err := s.AdjustBalance(r.Context(), req.OwnerID, req.Delta, req.ReferenceID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"balance": newBalance})
}

// Routes mounts the engine's API onto a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/plans", s.HandleListPlans)
	r.Post("/positions", s.HandleOpenPosition)
	r.Get("/positions", s.HandleListPositions)
	r.Get("/positions/{positionID}", s.HandleGetPosition)
	r.Post("/positions/{positionID}/operations", s.HandleTriggerOperation)
	r.Get("/positions/{positionID}/operations/current", s.HandleCurrentOperation)
	r.Get("/balance/{ownerID}", s.HandleGetBalance)
	r.Post("/admin/positions/{positionID}/cancel", s.HandleAdminCancel)
	r.Post("/admin/balance/adjust", s.HandleAdminAdjust)
}

// writeEngineError maps engine error categories to HTTP status codes:
// validation 400, eligibility 422, concurrency 409, not found 404,
// settlement/consistency 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var rej *eligibility.Rejection
	var consistency *settlement.ConsistencyError

	switch {
	case errors.As(err, &rej):
		if rej.Validation {
			writeError(w, err.Error(), http.StatusBadRequest)
		} else {
			writeError(w, err.Error(), http.StatusUnprocessableEntity)
		}
	case errors.Is(err, plan.ErrInvalidRate),
		errors.Is(err, plan.ErrInvalidDuration),
		errors.Is(err, plan.ErrInvalidBounds),
		errors.Is(err, plan.ErrInvalidYield):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, settlement.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, settlement.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrOperationInProgress),
		errors.Is(err, ErrNotActivated),
		errors.Is(err, ErrCooldownActive),
		errors.Is(err, ErrDailyCapReached),
		errors.Is(err, ErrPositionNotRunnable),
		errors.Is(err, store.ErrPositionTerminal):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrPlanNotFound),
		errors.Is(err, store.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &consistency):
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
