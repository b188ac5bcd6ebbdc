// Package engine provides the HTTP surface of the allocation engine:
// decision-feed ingestion, account management, capital and risk events, and
// snapshot/report queries for the external UI layer.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/fanout"
	"github.com/mirrortrade/allocation-engine/internal/metrics"
	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/pnl"
	"github.com/mirrortrade/allocation-engine/internal/prices"
	"github.com/mirrortrade/allocation-engine/internal/rebalance"
	"github.com/mirrortrade/allocation-engine/internal/risk"
	"github.com/mirrortrade/allocation-engine/internal/store"
)

// Service handles the engine's HTTP operations.
type Service struct {
	store  store.Store
	locks  *store.AccountLocks
	rebal  *rebalance.Service
	runner *fanout.Runner
	prices prices.Source
	wsHub  *WSHub // optional, nil disables broadcasts
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, locks *store.AccountLocks, rebal *rebalance.Service,
	runner *fanout.Runner, src prices.Source, hub *WSHub) *Service {
	return &Service{
		store:  st,
		locks:  locks,
		rebal:  rebal,
		runner: runner,
		prices: src,
		wsHub:  hub,
	}
}

// Routes mounts all engine endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/decisions", s.SubmitDecisions)
	r.Get("/model", s.GetModel)
	r.Get("/model/history", s.GetModelHistory)

	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{userID}", s.GetAccount)
	r.Post("/accounts/{userID}/capital", s.CapitalEvent)
	r.Put("/accounts/{userID}/risk", s.UpdateRisk)
	r.Post("/accounts/{userID}/sync", s.ToggleSync)
	r.Delete("/accounts/{userID}", s.DeactivateAccount)
	r.Get("/accounts/{userID}/snapshot", s.GetSnapshot)
	r.Get("/accounts/{userID}/trades", s.ListTrades)

	r.Get("/reports/last", s.LastReport)
}

// --- Request/Response types ---

// DecisionBatchRequest is the JSON body for POST /decisions. BaseVersion is
// optional; when present the event is rejected as stale unless it matches
// the store's current model version.
type DecisionBatchRequest struct {
	SourceDecisionID string           `json:"source_decision_id"`
	BaseVersion      *int64           `json:"base_version,omitempty"`
	Decisions        []model.Decision `json:"decisions"`
}

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	UserID          string          `json:"user_id,omitempty"` // generated when empty
	RiskMultiplier  decimal.Decimal `json:"risk_multiplier"`
	MinCashFraction decimal.Decimal `json:"min_cash_fraction"`
}

// CapitalEventRequest is the JSON body for POST /accounts/{userID}/capital.
type CapitalEventRequest struct {
	Type   string          `json:"type"` // deposit or withdraw
	Amount decimal.Decimal `json:"amount"`
}

// RiskConfigRequest is the JSON body for PUT /accounts/{userID}/risk.
type RiskConfigRequest struct {
	RiskMultiplier  decimal.Decimal `json:"risk_multiplier"`
	MinCashFraction decimal.Decimal `json:"min_cash_fraction"`
}

// SyncToggleRequest is the JSON body for POST /accounts/{userID}/sync.
type SyncToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// --- Decision feed ---

// SubmitDecisions handles POST /api/v1/decisions.
// Validates, normalizes, and applies one decision batch; replays of an
// already-applied source decision id return the existing version unchanged.
func (s *Service) SubmitDecisions(w http.ResponseWriter, r *http.Request) {
	var req DecisionBatchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields() // unknown/extra fields rejected, not ignored
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	baseVersion := int64(-1)
	if req.BaseVersion != nil {
		baseVersion = *req.BaseVersion
	}

	applied, err := s.rebal.Process(r.Context(), req.SourceDecisionID, baseVersion, req.Decisions)
	switch {
	case errors.Is(err, rebalance.ErrInvalidEvent):
		metrics.RebalancesTotal.WithLabelValues("invalid").Inc()
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case errors.Is(err, rebalance.ErrStaleEvent):
		metrics.RebalancesTotal.WithLabelValues("stale").Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, "failed to apply rebalance", http.StatusInternalServerError)
		return
	}

	metrics.RebalancesTotal.WithLabelValues("applied").Inc()
	writeJSON(w, http.StatusOK, applied)
}

// GetModel handles GET /api/v1/model[?version=N].
func (s *Service) GetModel(w http.ResponseWriter, r *http.Request) {
	var version int64
	if v := r.URL.Query().Get("version"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, "invalid version", http.StatusBadRequest)
			return
		}
		version = parsed
	}

	m, err := s.rebal.Get(r.Context(), version)
	if err != nil {
		writeError(w, "model version not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetModelHistory handles GET /api/v1/model/history.
// Returns the applied rebalance event log for audit and replay.
func (s *Service) GetModelHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.rebal.Events(r.Context())
	if err != nil {
		writeError(w, "failed to load event history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.RebalanceEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts.
// New accounts start in onboarding with zero capital; the first deposit
// activates them.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.RiskMultiplier.IsZero() {
		req.RiskMultiplier = decimal.NewFromInt(1)
	}
	if err := risk.ValidateConfig(req.RiskMultiplier, req.MinCashFraction); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	latest, err := s.rebal.Get(r.Context(), 0)
	if err != nil {
		writeError(w, "model portfolio not initialized", http.StatusInternalServerError)
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = uuid.New().String()
	}

	account := &model.UserAccount{
		UserID:          userID,
		Capital:         decimal.Zero,
		Cash:            decimal.Zero,
		RiskMultiplier:  req.RiskMultiplier,
		MinCashFraction: req.MinCashFraction,
		SyncEnabled:     true,
		Status:          model.StatusOnboarding,
		// New accounts have nothing to project until funded; they join
		// at the current version rather than replaying history.
		LastSyncedVersion: latest.Version,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, "account already exists", http.StatusConflict)
			return
		}
		writeError(w, "failed to create account", http.StatusInternalServerError)
		return
	}

	slog.Info("account created",
		"user", userID,
		"risk_multiplier", req.RiskMultiplier.String(),
		"min_cash_fraction", req.MinCashFraction.String(),
	)
	writeJSON(w, http.StatusCreated, account)
}

// GetAccount handles GET /api/v1/accounts/{userID}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	account, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// CapitalEvent handles POST /api/v1/accounts/{userID}/capital.
// Deposits and withdrawals come from the payments collaborator, which has
// already validated them (including the non-reserved-cash check on
// withdrawals); the engine applies them to the ledger. The first deposit
// moves an onboarding account to active.
func (s *Service) CapitalEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req CapitalEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusUnprocessableEntity)
		return
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	account, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if account.Status == model.StatusDeactivated {
		writeError(w, "account is deactivated", http.StatusConflict)
		return
	}

	switch req.Type {
	case "deposit":
		account.Cash = account.Cash.Add(req.Amount)
		account.Capital = account.Capital.Add(req.Amount)
		if account.Status == model.StatusOnboarding {
			account.Status = model.StatusActive
		}
	case "withdraw":
		account.Cash = account.Cash.Sub(req.Amount)
		account.Capital = account.Capital.Sub(req.Amount)
	default:
		writeError(w, "type must be deposit or withdraw", http.StatusUnprocessableEntity)
		return
	}

	if err := s.store.UpdateAccount(r.Context(), account); err != nil {
		writeError(w, "failed to update account", http.StatusInternalServerError)
		return
	}

	slog.Info("capital event applied",
		"user", userID,
		"type", req.Type,
		"amount", req.Amount.String(),
		"cash", account.Cash.String(),
	)

	// A funded account may now be behind the model; let the next cycle
	// pick it up.
	if s.runner != nil {
		s.runner.Notify()
	}
	writeJSON(w, http.StatusOK, account)
}

// UpdateRisk handles PUT /api/v1/accounts/{userID}/risk.
func (s *Service) UpdateRisk(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req RiskConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := risk.ValidateConfig(req.RiskMultiplier, req.MinCashFraction); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	account, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if account.Status == model.StatusDeactivated {
		writeError(w, "account is deactivated", http.StatusConflict)
		return
	}

	account.RiskMultiplier = req.RiskMultiplier
	account.MinCashFraction = req.MinCashFraction
	if err := s.store.UpdateAccount(r.Context(), account); err != nil {
		writeError(w, "failed to update account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ToggleSync handles POST /api/v1/accounts/{userID}/sync.
// Pausing stops new projections but retains existing positions.
func (s *Service) ToggleSync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req SyncToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	account, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if account.Status == model.StatusDeactivated {
		writeError(w, "account is deactivated", http.StatusConflict)
		return
	}

	account.SyncEnabled = req.Enabled
	switch account.Status {
	case model.StatusActive, model.StatusPaused:
		if req.Enabled {
			account.Status = model.StatusActive
		} else {
			account.Status = model.StatusPaused
		}
	}

	if err := s.store.UpdateAccount(r.Context(), account); err != nil {
		writeError(w, "failed to update account", http.StatusInternalServerError)
		return
	}

	slog.Info("sync toggled", "user", userID, "enabled", req.Enabled)
	if req.Enabled && s.runner != nil {
		s.runner.Notify() // resumed account catches up on the next cycle
	}
	writeJSON(w, http.StatusOK, account)
}

// DeactivateAccount handles DELETE /api/v1/accounts/{userID}.
// Positions are liquidated externally; the ledger is retained for audit.
func (s *Service) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	account, err := s.store.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	account.Status = model.StatusDeactivated
	account.SyncEnabled = false
	if err := s.store.UpdateAccount(r.Context(), account); err != nil {
		writeError(w, "failed to update account", http.StatusInternalServerError)
		return
	}

	slog.Info("account deactivated", "user", userID)
	writeJSON(w, http.StatusOK, account)
}

// --- Queries ---

// GetSnapshot handles GET /api/v1/accounts/{userID}/snapshot.
// A paused or failed-to-sync account serves its last consistent state with
// Stale set — never a partial position.
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	positions, err := s.store.GetPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	realized, err := s.store.GetRealizedPnl(ctx, userID)
	if err != nil {
		writeError(w, "failed to load realized pnl", http.StatusInternalServerError)
		return
	}

	var latestVersion int64
	if latest, err := s.rebal.Get(ctx, 0); err == nil {
		latestVersion = latest.Version
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	priceTable, err := s.prices.Prices(ctx, symbols)
	if err != nil {
		// Feed down: value positions at cost and flag the snapshot.
		priceTable = map[string]decimal.Decimal{}
	}

	snap := pnl.Snapshot(account, positions, realized, priceTable, latestVersion)
	writeJSON(w, http.StatusOK, snap)
}

// ListTrades handles GET /api/v1/accounts/{userID}/trades.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	instructions, err := s.store.ListInstructions(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if instructions == nil {
		instructions = []model.TradeInstruction{}
	}
	writeJSON(w, http.StatusOK, instructions)
}

// LastReport handles GET /api/v1/reports/last.
func (s *Service) LastReport(w http.ResponseWriter, r *http.Request) {
	report := s.runner.LastReport()
	if report == nil {
		writeError(w, "no cycle has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

// BroadcastModel publishes a model-version change to WebSocket clients.
// Registered as a rebalance subscriber in main.
func (s *Service) BroadcastModel(_, next *model.ModelPortfolio) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:       "model_updated",
		Version:    next.Version,
		DecisionID: next.DecisionID,
		CashWeight: next.CashWeight.String(),
		Symbols:    len(next.Holdings),
	})
}

// BroadcastCycle publishes a cycle completion to WebSocket clients.
// Registered as the fan-out runner's OnCycle hook in main.
func (s *Service) BroadcastCycle(report model.CycleReport) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:      "cycle_complete",
		Version:   report.Version,
		Projected: report.Projected,
		Skipped:   report.Skipped,
		Failed:    len(report.Failed),
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

