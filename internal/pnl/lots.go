package pnl

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
)

// AppendLot records a buy as a new lot at the end of the ledger.
func AppendLot(lots []model.Lot, date time.Time, shares, cost decimal.Decimal) []model.Lot {
	return append(lots, model.Lot{Date: date, Shares: shares, Cost: cost})
}

// ConsumeFIFO removes sharesToSell from the ledger oldest-lot-first and
// returns the remaining lots plus the cost basis of the shares sold. A
// partial sale of a lot prorates its cost by the fraction of shares taken.
//
// Selling more shares than the ledger holds consumes everything; callers
// validate sell quantities against held shares before reaching this point.
func ConsumeFIFO(lots []model.Lot, sharesToSell decimal.Decimal) (remaining []model.Lot, costOfSold decimal.Decimal) {
	costOfSold = decimal.Zero
	for _, l := range lots {
		if sharesToSell.IsZero() || sharesToSell.IsNegative() {
			remaining = append(remaining, l)
			continue
		}
		if l.Shares.GreaterThan(sharesToSell) {
			// Partial sale from this lot.
			soldCost := l.Cost.Mul(sharesToSell).Div(l.Shares)
			costOfSold = costOfSold.Add(soldCost)
			remaining = append(remaining, model.Lot{
				Date:   l.Date,
				Shares: l.Shares.Sub(sharesToSell),
				Cost:   l.Cost.Sub(soldCost),
			})
			sharesToSell = decimal.Zero
		} else {
			// Full sale of this lot.
			costOfSold = costOfSold.Add(l.Cost)
			sharesToSell = sharesToSell.Sub(l.Shares)
		}
	}
	return remaining, costOfSold
}

// SumLots aggregates a lot ledger into total shares and total cost basis.
func SumLots(lots []model.Lot) (shares, cost decimal.Decimal) {
	shares, cost = decimal.Zero, decimal.Zero
	for _, l := range lots {
		shares = shares.Add(l.Shares)
		cost = cost.Add(l.Cost)
	}
	return shares, cost
}

// OldestLotDate returns the date of the oldest open lot, or the zero time
// for an empty ledger. Lots are stored in purchase order, so this is the
// first entry.
func OldestLotDate(lots []model.Lot) time.Time {
	if len(lots) == 0 {
		return time.Time{}
	}
	return lots[0].Date
}
