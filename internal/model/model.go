// Package model defines the core domain types shared across the allocation
// engine. All monetary values, weights, and share counts use
// shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Decision actions. "hold" survives only inside a raw decision batch; after
// processing every entry carries an explicit target weight.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Account lifecycle states.
const (
	StatusOnboarding  = "onboarding"
	StatusActive      = "active"
	StatusPaused      = "paused"
	StatusDeactivated = "deactivated"
)

// ModelPortfolio is one immutable version of the canonical target allocation
// all subscriber accounts are projected against. Version 0 is the bootstrap
// portfolio: 100% cash, no holdings. Old versions are retained for audit
// and replay.
//
// Invariant: sum(Holdings) + CashWeight == 1 within 1e-6.
type ModelPortfolio struct {
	Version    int64                      `json:"version" db:"version"`
	DecisionID string                     `json:"decision_id" db:"decision_id"`
	Holdings   map[string]decimal.Decimal `json:"holdings"` // symbol → target weight
	CashWeight decimal.Decimal            `json:"cash_weight" db:"cash_weight"`
	CreatedAt  time.Time                  `json:"created_at" db:"created_at"`
}

// Weight returns the target weight for a symbol, zero if absent.
func (m *ModelPortfolio) Weight(symbol string) decimal.Decimal {
	if w, ok := m.Holdings[symbol]; ok {
		return w
	}
	return decimal.Zero
}

// CloneHoldings returns a copy of the holdings map. ModelPortfolio values are
// shared across goroutines after publication, so mutations must go through a
// copy.
func (m *ModelPortfolio) CloneHoldings() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.Holdings))
	for sym, w := range m.Holdings {
		out[sym] = w
	}
	return out
}

// Decision is a single entry in a decision feed batch.
// Reasoning is free text from the decision source; it is stored for audit and
// never interpreted.
type Decision struct {
	Symbol       string          `json:"symbol"`
	Action       string          `json:"action"` // buy, sell, hold
	TargetWeight decimal.Decimal `json:"target_weight"`
	Confidence   decimal.Decimal `json:"confidence"` // clamped to [0,1]
	Reasoning    string          `json:"reasoning,omitempty"`
}

// RebalanceEvent is one validated, normalized batch of decisions that
// advances the model portfolio to a new version. Events form an append-only
// log; each is consumed exactly once (idempotent on SourceDecisionID).
type RebalanceEvent struct {
	ID               string     `json:"id" db:"id"`
	SourceDecisionID string     `json:"source_decision_id" db:"source_decision_id"`
	BaseVersion      int64      `json:"base_version" db:"base_version"` // model version the event was computed against
	Timestamp        time.Time  `json:"timestamp" db:"timestamp"`
	Decisions        []Decision `json:"decisions"`
}

// UserAccount is one subscriber following the model portfolio.
// Cash and Capital are kept separately: Capital is total equity (cash +
// position market value as of the last sync) and is mutated by external
// deposit/withdraw events and executed instructions. Accounts are never
// deleted, only deactivated.
type UserAccount struct {
	UserID            string          `json:"user_id" db:"user_id"`
	Capital           decimal.Decimal `json:"capital" db:"capital"`
	Cash              decimal.Decimal `json:"cash" db:"cash"`
	RiskMultiplier    decimal.Decimal `json:"risk_multiplier" db:"risk_multiplier"`     // [0.1, 3.0]
	MinCashFraction   decimal.Decimal `json:"min_cash_fraction" db:"min_cash_fraction"` // [0, 0.5]
	SyncEnabled       bool            `json:"sync_enabled" db:"sync_enabled"`
	Status            string          `json:"status" db:"status"`
	LastSyncedVersion int64           `json:"last_synced_version" db:"last_synced_version"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Lot is a discrete purchase of shares at one cost basis, consumed FIFO on
// sale. Cost is the total cost of the lot (shares × fill price).
type Lot struct {
	Date   time.Time       `json:"date" db:"date"`
	Shares decimal.Decimal `json:"shares" db:"shares"`
	Cost   decimal.Decimal `json:"cost" db:"cost"`
}

// UserPosition is a user's aggregate holding in one symbol, backed by its
// lot ledger. Removed when shares reach zero.
type UserPosition struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	CostBasis decimal.Decimal `json:"cost_basis" db:"cost_basis"` // Σ open lot costs
	EntryDate time.Time       `json:"entry_date" db:"entry_date"` // oldest open lot's date
	Lots      []Lot           `json:"lots,omitempty"`
}

// CostBasisPerShare returns CostBasis / Shares, or zero for an empty position.
func (p *UserPosition) CostBasisPerShare() decimal.Decimal {
	if p.Shares.IsZero() {
		return decimal.Zero
	}
	return p.CostBasis.Div(p.Shares)
}

// TradeInstruction is one buy or sell projected for one user by a rebalance
// cycle. Shares is always positive; Action carries the direction.
type TradeInstruction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Action       string          `json:"action" db:"action"` // buy or sell
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Notional     decimal.Decimal `json:"notional" db:"notional"` // shares × price
	ModelVersion int64           `json:"model_version" db:"model_version"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// PositionValue is the per-symbol detail inside a snapshot.
type PositionValue struct {
	Symbol        string          `json:"symbol"`
	Shares        decimal.Decimal `json:"shares"`
	Price         decimal.Decimal `json:"price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

// UserPortfolioSnapshot is a derived, read-only view of one account. It is
// recomputed on demand and lives no longer than the request that produced it.
// Stale is set when the account failed or skipped its latest sync and the
// snapshot reflects an older model version.
type UserPortfolioSnapshot struct {
	UserID            string          `json:"user_id"`
	TotalMarketValue  decimal.Decimal `json:"total_market_value"`
	Cash              decimal.Decimal `json:"cash"`
	Equity            decimal.Decimal `json:"equity"` // cash + market value
	UnrealizedPnl     decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl       decimal.Decimal `json:"realized_pnl"`
	LastSyncedVersion int64           `json:"last_synced_version"`
	Stale             bool            `json:"stale"`
	Positions         []PositionValue `json:"positions"`
	ComputedAt        time.Time       `json:"computed_at"`
}

// CycleReport summarizes one rebalance fan-out: which accounts projected,
// which were skipped as paused, and which failed with what reason. Failed
// accounts are retried on the next cycle.
type CycleReport struct {
	Version    int64             `json:"version"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration_ns"`
	Projected  int               `json:"projected"`
	Skipped    int               `json:"skipped"`
	Failed     map[string]string `json:"failed,omitempty"` // userID → reason
	Canceled   bool              `json:"canceled"`
	Instructed int               `json:"instructed"` // total instructions emitted
}
