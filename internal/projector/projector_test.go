package projector

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func activeAccount(cash, riskMultiplier, minCashFraction float64) *model.UserAccount {
	return &model.UserAccount{
		UserID:          "user-1",
		Capital:         d(cash),
		Cash:            d(cash),
		RiskMultiplier:  d(riskMultiplier),
		MinCashFraction: d(minCashFraction),
		SyncEnabled:     true,
		Status:          model.StatusActive,
	}
}

// modelVersion builds a portfolio from symbol/weight pairs; cash is the
// remainder.
func modelVersion(version int64, pairs ...any) *model.ModelPortfolio {
	holdings := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for i := 0; i < len(pairs); i += 2 {
		w := d(pairs[i+1].(float64))
		holdings[pairs[i].(string)] = w
		total = total.Add(w)
	}
	return &model.ModelPortfolio{
		Version:    version,
		Holdings:   holdings,
		CashWeight: decimal.NewFromInt(1).Sub(total),
	}
}

func TestProject_NewPositionScaledByEquity(t *testing.T) {
	// $10,000 account, multiplier 1.0, model moves AAPL 0 → 0.20 at $150:
	// target $2,000 → 13 whole shares ($1,950).
	p := New(DefaultConfig())
	account := activeAccount(10000, 1.0, 0.05)
	prices := map[string]decimal.Decimal{"AAPL": d(150)}

	res, err := p.Project(account, modelVersion(0), modelVersion(1, "AAPL", 0.20), prices, nil)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(res.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(res.Instructions))
	}
	ins := res.Instructions[0]
	if ins.Action != model.ActionBuy || ins.Symbol != "AAPL" {
		t.Errorf("unexpected instruction %+v", ins)
	}
	if !ins.Shares.Equal(d(13)) {
		t.Errorf("expected 13 shares, got %s", ins.Shares)
	}
	if !ins.Notional.Equal(d(1950)) {
		t.Errorf("expected notional 1950, got %s", ins.Notional)
	}
	if !res.NewCash.Equal(d(8050)) {
		t.Errorf("expected cash 8050, got %s", res.NewCash)
	}
	if res.Partial() {
		t.Error("projection should be complete")
	}
}

func TestProject_RiskMultiplierScalesDelta(t *testing.T) {
	p := New(DefaultConfig())
	prices := map[string]decimal.Decimal{"AAPL": d(150)}
	prev, next := modelVersion(0), modelVersion(1, "AAPL", 0.20)

	cases := []struct {
		multiplier float64
		shares     float64
	}{
		{0.5, 6},  // target $1,000
		{1.0, 13}, // target $2,000
		{2.0, 26}, // target $4,000
	}
	for _, tc := range cases {
		res, err := p.Project(activeAccount(10000, tc.multiplier, 0.05), prev, next, prices, nil)
		if err != nil {
			t.Fatalf("multiplier %v: %v", tc.multiplier, err)
		}
		if len(res.Instructions) != 1 || !res.Instructions[0].Shares.Equal(d(tc.shares)) {
			t.Errorf("multiplier %v: expected %v shares, got %+v",
				tc.multiplier, tc.shares, res.Instructions)
		}
	}
}

func TestProject_PausedAccount(t *testing.T) {
	p := New(DefaultConfig())

	paused := activeAccount(10000, 1.0, 0.05)
	paused.SyncEnabled = false
	paused.Status = model.StatusPaused

	_, err := p.Project(paused, modelVersion(0), modelVersion(1, "AAPL", 0.20),
		map[string]decimal.Decimal{"AAPL": d(150)}, nil)
	if !errors.Is(err, ErrAccountPaused) {
		t.Fatalf("expected ErrAccountPaused, got %v", err)
	}
}

func TestProject_DeactivatedAccount(t *testing.T) {
	p := New(DefaultConfig())

	gone := activeAccount(10000, 1.0, 0.05)
	gone.Status = model.StatusDeactivated

	_, err := p.Project(gone, modelVersion(0), modelVersion(1, "AAPL", 0.20),
		map[string]decimal.Decimal{"AAPL": d(150)}, nil)
	if !errors.Is(err, ErrAccountPaused) {
		t.Fatalf("expected ErrAccountPaused, got %v", err)
	}
}

func TestProject_InsufficientCapital(t *testing.T) {
	p := New(DefaultConfig())

	_, err := p.Project(activeAccount(0, 1.0, 0.05), modelVersion(0),
		modelVersion(1, "AAPL", 0.20), map[string]decimal.Decimal{"AAPL": d(150)}, nil)
	if !errors.Is(err, ErrInsufficientCapital) {
		t.Fatalf("expected ErrInsufficientCapital, got %v", err)
	}
}

func TestProject_MinTradeNotionalSuppressesMicroTrades(t *testing.T) {
	p := New(Config{LotSize: decimal.NewFromInt(1), MinTradeNotional: d(500)})
	prices := map[string]decimal.Decimal{"AAPL": d(150)}

	// Target is $300 — under the $500 floor, so no instruction.
	res, err := p.Project(activeAccount(10000, 1.0, 0.05), modelVersion(0),
		modelVersion(1, "AAPL", 0.03), prices, nil)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(res.Instructions) != 0 {
		t.Errorf("expected no instructions, got %+v", res.Instructions)
	}
	if !res.NewCash.Equal(d(10000)) {
		t.Errorf("cash must be untouched, got %s", res.NewCash)
	}
}

func TestProject_ImplicitSellOnDroppedSymbol(t *testing.T) {
	p := New(DefaultConfig())
	account := activeAccount(8500, 1.0, 0.05)
	positions := []model.UserPosition{
		{UserID: account.UserID, Symbol: "AAPL", Shares: d(10), CostBasis: d(1400)},
	}
	prices := map[string]decimal.Decimal{"AAPL": d(150)}

	// AAPL absent from the next version: full sell regardless of multiplier.
	res, err := p.Project(account, modelVersion(1, "AAPL", 0.20), modelVersion(2), prices, positions)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(res.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(res.Instructions))
	}
	ins := res.Instructions[0]
	if ins.Action != model.ActionSell || !ins.Shares.Equal(d(10)) {
		t.Errorf("expected sell of 10 shares, got %+v", ins)
	}
	if !res.NewCash.Equal(d(10000)) {
		t.Errorf("expected cash 10000 after sell, got %s", res.NewCash)
	}
}

func TestProject_PriceUnavailableDropsSymbolOnly(t *testing.T) {
	p := New(DefaultConfig())
	prices := map[string]decimal.Decimal{"AAPL": d(150)} // no MSFT quote

	res, err := p.Project(activeAccount(10000, 1.0, 0.05), modelVersion(0),
		modelVersion(1, "AAPL", 0.20, "MSFT", 0.20), prices, nil)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if !res.Partial() {
		t.Fatal("expected a partial projection")
	}
	if _, dropped := res.Dropped["MSFT"]; !dropped {
		t.Errorf("expected MSFT dropped, got %+v", res.Dropped)
	}
	if len(res.Instructions) != 1 || res.Instructions[0].Symbol != "AAPL" {
		t.Errorf("AAPL must still project: %+v", res.Instructions)
	}
}

func TestProject_SellsOrderedBeforeBuys(t *testing.T) {
	p := New(DefaultConfig())
	account := activeAccount(8500, 1.0, 0.05)
	positions := []model.UserPosition{
		{UserID: account.UserID, Symbol: "AAPL", Shares: d(10), CostBasis: d(1400)},
	}
	prices := map[string]decimal.Decimal{"AAPL": d(150), "MSFT": d(400)}

	res, err := p.Project(account, modelVersion(1, "AAPL", 0.20),
		modelVersion(2, "MSFT", 0.20), prices, positions)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(res.Instructions) != 2 {
		t.Fatalf("expected 2 instructions, got %+v", res.Instructions)
	}
	if res.Instructions[0].Action != model.ActionSell {
		t.Errorf("sell must come first, got %+v", res.Instructions)
	}
	if res.Instructions[1].Action != model.ActionBuy || res.Instructions[1].Symbol != "MSFT" {
		t.Errorf("expected MSFT buy second, got %+v", res.Instructions[1])
	}
}

func TestProject_CashReserveClipsBuys(t *testing.T) {
	p := New(DefaultConfig())
	// 50% reserve on a $10,000 all-cash account: $8,000 of buys must shrink
	// until $5,000 stays in cash.
	account := activeAccount(10000, 1.0, 0.50)
	prices := map[string]decimal.Decimal{"AAPL": d(100)}

	res, err := p.Project(account, modelVersion(0), modelVersion(1, "AAPL", 0.80), prices, nil)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(res.Instructions) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(res.Instructions))
	}
	if !res.Instructions[0].Shares.Equal(d(50)) {
		t.Errorf("expected clip to 50 shares, got %s", res.Instructions[0].Shares)
	}
	if !res.NewCash.Equal(d(5000)) {
		t.Errorf("expected cash held at reserve 5000, got %s", res.NewCash)
	}
}
