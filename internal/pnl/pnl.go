// Package pnl computes per-user portfolio snapshots and maintains the FIFO
// lot accounting used for realized P&L. Snapshot computation is read-only:
// it never mutates positions or accounts.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pnl

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
)

// Snapshot derives a read-only portfolio view for one account from its open
// positions and current prices.
//
//	marketValue   = Σ shares × price
//	unrealizedPnl = Σ shares × (price − costBasisPerShare)
//
// realizedPnl is the running total accumulated by the store at each executed
// sell. A symbol with no available price is marked stale and valued at its
// cost basis so the snapshot never silently understates holdings.
func Snapshot(account *model.UserAccount, positions []model.UserPosition,
	realizedPnl decimal.Decimal, prices map[string]decimal.Decimal,
	latestVersion int64) model.UserPortfolioSnapshot {

	snap := model.UserPortfolioSnapshot{
		UserID:            account.UserID,
		Cash:              account.Cash,
		RealizedPnl:       realizedPnl,
		LastSyncedVersion: account.LastSyncedVersion,
		TotalMarketValue:  decimal.Zero,
		UnrealizedPnl:     decimal.Zero,
		ComputedAt:        time.Now().UTC(),
	}

	for _, p := range positions {
		if p.Shares.IsZero() {
			continue
		}
		pv := model.PositionValue{
			Symbol:    p.Symbol,
			Shares:    p.Shares,
			CostBasis: p.CostBasis,
		}
		price, ok := prices[p.Symbol]
		if ok {
			pv.Price = price
			pv.MarketValue = p.Shares.Mul(price)
			pv.UnrealizedPnl = pv.MarketValue.Sub(p.CostBasis)
		} else {
			// No quote this cycle: carry at cost, flag the snapshot.
			pv.MarketValue = p.CostBasis
			pv.UnrealizedPnl = decimal.Zero
			snap.Stale = true
		}
		snap.TotalMarketValue = snap.TotalMarketValue.Add(pv.MarketValue)
		snap.UnrealizedPnl = snap.UnrealizedPnl.Add(pv.UnrealizedPnl)
		snap.Positions = append(snap.Positions, pv)
	}

	sort.Slice(snap.Positions, func(i, j int) bool {
		return snap.Positions[i].Symbol < snap.Positions[j].Symbol
	})

	snap.Equity = snap.Cash.Add(snap.TotalMarketValue)
	if account.LastSyncedVersion < latestVersion {
		snap.Stale = true
	}
	return snap
}

// Equity returns cash plus the mark-to-market value of the given positions.
// Positions without a quote are carried at cost basis.
func Equity(cash decimal.Decimal, positions []model.UserPosition, prices map[string]decimal.Decimal) decimal.Decimal {
	total := cash
	for _, p := range positions {
		if price, ok := prices[p.Symbol]; ok {
			total = total.Add(p.Shares.Mul(price))
		} else {
			total = total.Add(p.CostBasis)
		}
	}
	return total
}
