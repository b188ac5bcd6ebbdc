// Package store defines the persistence interface for the allocation engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a create collides with an
	// existing record (account id, model version, decision id).
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Model versions are immutable
// once inserted; accounts and positions are mutated only through
// UpdateAccount and CommitProjection.
type Store interface {
	// --- Model portfolio versions (immutable, append-only) ---

	// InsertModelVersion persists a new immutable model portfolio version.
	InsertModelVersion(ctx context.Context, m *model.ModelPortfolio) error

	// GetModelVersion retrieves a specific version.
	GetModelVersion(ctx context.Context, version int64) (*model.ModelPortfolio, error)

	// LatestModelVersion retrieves the highest version.
	LatestModelVersion(ctx context.Context) (*model.ModelPortfolio, error)

	// GetModelByDecisionID retrieves the version produced by a decision id,
	// used for idempotent replay detection.
	GetModelByDecisionID(ctx context.Context, decisionID string) (*model.ModelPortfolio, error)

	// --- Rebalance event log (append-only, for audit/replay) ---

	// InsertRebalanceEvent appends an applied event to the log.
	InsertRebalanceEvent(ctx context.Context, e *model.RebalanceEvent) error

	// ListRebalanceEvents returns the applied-event log in order.
	ListRebalanceEvents(ctx context.Context) ([]model.RebalanceEvent, error)

	// --- User accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.UserAccount) error

	// GetAccount retrieves an account by user id.
	GetAccount(ctx context.Context, userID string) (*model.UserAccount, error)

	// ListAccounts returns all accounts.
	ListAccounts(ctx context.Context) ([]model.UserAccount, error)

	// UpdateAccount persists account mutations (capital events, risk
	// config, sync toggle, status transitions).
	UpdateAccount(ctx context.Context, a *model.UserAccount) error

	// --- Positions and trade ledger ---

	// GetPositions returns a user's open positions with lot ledgers.
	GetPositions(ctx context.Context, userID string) ([]model.UserPosition, error)

	// GetRealizedPnl returns the user's accumulated realized P&L.
	GetRealizedPnl(ctx context.Context, userID string) (decimal.Decimal, error)

	// ListInstructions returns a user's executed instructions in order.
	ListInstructions(ctx context.Context, userID string) ([]model.TradeInstruction, error)

	// CommitProjection applies one account's instruction set as a single
	// atomic unit: lot ledger mutations (buys append lots, sells consume
	// FIFO), cash and realized P&L updates, the account's new capital and
	// synced version, and the instruction records. A concurrent snapshot
	// read observes either none or all of it.
	CommitProjection(ctx context.Context, userID string, version int64,
		newCapital, newCash decimal.Decimal, instructions []model.TradeInstruction) error
}
