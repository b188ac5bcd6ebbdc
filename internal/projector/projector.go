// Package projector maps one model portfolio transition onto one user
// account: risk-scaled weight deltas, dollar targeting against the account's
// equity, share rounding to the market's lot size, and cash-reserve
// clipping. Projection is pure computation — committing the resulting
// instruction set is the store's job.
package projector

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/pnl"
	"github.com/mirrortrade/allocation-engine/internal/risk"
)

var (
	// ErrAccountPaused signals an account that is not following the
	// model. Expected, not a fault: callers skip, never retry.
	ErrAccountPaused = errors.New("projector: account paused")

	// ErrInsufficientCapital signals an account with zero or negative
	// equity. Skipped and flagged for operator review.
	ErrInsufficientCapital = errors.New("projector: insufficient capital")

	// ErrPriceUnavailable signals a symbol with no usable quote this
	// cycle. That symbol's instruction is dropped; the rest of the
	// account still projects.
	ErrPriceUnavailable = errors.New("projector: price unavailable")
)

// Config holds the market rules the projector receives, not decides.
type Config struct {
	// LotSize is the minimum tradable share unit. 1 for whole-share
	// markets, a small step like 0.0001 where fractional shares trade.
	LotSize decimal.Decimal

	// MinTradeNotional suppresses micro-trades: share deltas worth less
	// than this are emitted as no-ops.
	MinTradeNotional decimal.Decimal
}

// DefaultConfig returns whole-share trading with a $1 minimum trade.
func DefaultConfig() Config {
	return Config{
		LotSize:          decimal.NewFromInt(1),
		MinTradeNotional: decimal.NewFromInt(1),
	}
}

// Result is one account's projected instruction set plus the post-trade
// account figures the commit needs. Dropped lists symbols skipped because
// no price was available; when non-empty the account's synced version must
// not advance, so the next cycle retries them.
type Result struct {
	Instructions []model.TradeInstruction
	NewCash      decimal.Decimal
	NewCapital   decimal.Decimal
	Dropped      map[string]string // symbol → reason
}

// Partial reports whether any symbol was dropped this cycle.
func (r *Result) Partial() bool { return len(r.Dropped) > 0 }

// Projector computes per-account instruction sets.
type Projector struct {
	cfg Config
}

// New creates a projector with the given market configuration.
func New(cfg Config) *Projector {
	if cfg.LotSize.LessThanOrEqual(decimal.Zero) {
		cfg.LotSize = decimal.NewFromInt(1)
	}
	if cfg.MinTradeNotional.IsNegative() {
		cfg.MinTradeNotional = decimal.Zero
	}
	return &Projector{cfg: cfg}
}

// Project computes the buy/sell instructions that move one account from its
// held positions toward the new model version, scaled by the account's risk
// multiplier and clipped by its cash reserve.
//
// For each symbol in either model version:
//
//	rawDelta     = next.weight − prev.weight
//	scaledTarget = clamp01(prevEffectiveWeight + rawDelta·riskMultiplier)
//
// where prevEffectiveWeight is the account's risk-scaled weight under the
// previous version (riskMultiplier · prev.weight). The target depends only
// on the model pair and the multiplier, so re-projecting the same pair is a
// no-op for symbols whose trade already landed; drift correction happens in
// the share diff against actual holdings below. A symbol dropped to weight
// zero by the model is an implicit full sell: the target is zero regardless
// of scaling.
//
// The returned instruction set, once applied, leaves the account within
// risk-scaled tolerance of the model or strictly less exposed after
// cash-reserve clipping — never more exposed than the model's conviction.
func (p *Projector) Project(account *model.UserAccount, prev, next *model.ModelPortfolio,
	prices map[string]decimal.Decimal, positions []model.UserPosition) (*Result, error) {

	if account.Status == model.StatusDeactivated || !account.SyncEnabled {
		return nil, fmt.Errorf("%w: %s", ErrAccountPaused, account.UserID)
	}

	equity := pnl.Equity(account.Cash, positions, prices)
	if equity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: account %s equity %s", ErrInsufficientCapital, account.UserID, equity.String())
	}

	held := make(map[string]decimal.Decimal, len(positions))
	for _, pos := range positions {
		held[pos.Symbol] = pos.Shares
	}

	symbols := symbolUnion(prev, next)
	res := &Result{
		NewCash:    account.Cash,
		NewCapital: equity,
		Dropped:    make(map[string]string),
	}
	now := time.Now().UTC()

	var raw []model.TradeInstruction
	for _, symbol := range symbols {
		rawDelta := next.Weight(symbol).Sub(prev.Weight(symbol))
		heldShares := held[symbol]

		price, ok := prices[symbol]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			if !rawDelta.IsZero() || heldShares.IsPositive() {
				res.Dropped[symbol] = "price unavailable"
			}
			continue
		}

		var target decimal.Decimal
		if next.Weight(symbol).IsZero() {
			// Implicit sell: the model dropped this symbol entirely.
			target = decimal.Zero
		} else {
			prevEffective := prev.Weight(symbol).Mul(account.RiskMultiplier)
			target = risk.Scale(prevEffective, rawDelta, account.RiskMultiplier)
		}

		targetShares := floorToLot(target.Mul(equity).Div(price), p.cfg.LotSize)
		deltaShares := targetShares.Sub(heldShares)
		notional := deltaShares.Abs().Mul(price)
		if notional.LessThan(p.cfg.MinTradeNotional) {
			continue // micro-trade, no-op
		}

		action := model.ActionBuy
		if deltaShares.IsNegative() {
			action = model.ActionSell
		}
		raw = append(raw, model.TradeInstruction{
			ID:           uuid.New().String(),
			UserID:       account.UserID,
			Symbol:       symbol,
			Action:       action,
			Shares:       deltaShares.Abs(),
			Price:        price,
			Notional:     notional,
			ModelVersion: next.Version,
			ExecutedAt:   now,
		})
	}

	clipped := Clip(raw, account, equity, p.cfg.LotSize)

	// Sells first so freed cash covers the buys.
	sort.SliceStable(clipped, func(i, j int) bool {
		if clipped[i].Action != clipped[j].Action {
			return clipped[i].Action == model.ActionSell
		}
		return clipped[i].Symbol < clipped[j].Symbol
	})

	for _, ins := range clipped {
		if ins.Action == model.ActionBuy {
			res.NewCash = res.NewCash.Sub(ins.Notional)
		} else {
			res.NewCash = res.NewCash.Add(ins.Notional)
		}
	}
	res.Instructions = clipped
	return res, nil
}

// symbolUnion returns the sorted union of symbols across two model versions.
func symbolUnion(prev, next *model.ModelPortfolio) []string {
	seen := make(map[string]bool, len(prev.Holdings)+len(next.Holdings))
	for s := range prev.Holdings {
		seen[s] = true
	}
	for s := range next.Holdings {
		seen[s] = true
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// floorToLot rounds a share count down to a multiple of the lot size.
func floorToLot(shares, lot decimal.Decimal) decimal.Decimal {
	if shares.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return shares.Div(lot).Floor().Mul(lot)
}
