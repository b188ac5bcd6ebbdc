package projector

import (
	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
)

// Clip enforces the account's minimum cash fraction on an instruction set.
//
// The post-trade cash fraction is projected against the account's equity; if
// it would fall below MinCashFraction, every buy is scaled down by the same
// factor — preserving relative proportions between symbols — until the
// constraint holds. Sells are never touched: they only increase cash.
//
// Deterministic and idempotent: clipping an already-compliant set returns it
// unchanged.
func Clip(instructions []model.TradeInstruction, account *model.UserAccount,
	equity decimal.Decimal, lotSize decimal.Decimal) []model.TradeInstruction {

	if len(instructions) == 0 {
		return instructions
	}

	buyTotal, sellTotal := decimal.Zero, decimal.Zero
	for _, ins := range instructions {
		if ins.Action == model.ActionBuy {
			buyTotal = buyTotal.Add(ins.Notional)
		} else {
			sellTotal = sellTotal.Add(ins.Notional)
		}
	}

	minCash := account.MinCashFraction.Mul(equity)
	postCash := account.Cash.Add(sellTotal).Sub(buyTotal)
	if postCash.GreaterThanOrEqual(minCash) || buyTotal.IsZero() {
		return instructions
	}

	// Cash available for buying once the reserve is carved out.
	available := account.Cash.Add(sellTotal).Sub(minCash)
	if available.LessThanOrEqual(decimal.Zero) {
		// Reserve already breached before any buy: drop all buys.
		var out []model.TradeInstruction
		for _, ins := range instructions {
			if ins.Action == model.ActionSell {
				out = append(out, ins)
			}
		}
		return out
	}

	factor := available.Div(buyTotal)
	var out []model.TradeInstruction
	for _, ins := range instructions {
		if ins.Action != model.ActionBuy {
			out = append(out, ins)
			continue
		}
		shares := floorToLot(ins.Shares.Mul(factor), lotSize)
		if shares.IsZero() {
			continue
		}
		clipped := ins
		clipped.Shares = shares
		clipped.Notional = shares.Mul(ins.Price)
		out = append(out, clipped)
	}
	return out
}
