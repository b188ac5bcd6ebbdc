package rebalance

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(store.NewMemoryStore())
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return svc
}

func buy(symbol string, weight float64) model.Decision {
	return model.Decision{Symbol: symbol, Action: model.ActionBuy, TargetWeight: d(weight), Confidence: d(0.8)}
}

func sell(symbol string, weight float64) model.Decision {
	return model.Decision{Symbol: symbol, Action: model.ActionSell, TargetWeight: d(weight), Confidence: d(0.8)}
}

func hold(symbol string) model.Decision {
	return model.Decision{Symbol: symbol, Action: model.ActionHold, Confidence: d(0.8)}
}

func assertInvariant(t *testing.T, m *model.ModelPortfolio) {
	t.Helper()
	total := m.CashWeight
	for _, w := range m.Holdings {
		total = total.Add(w)
	}
	if total.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(WeightEpsilon) {
		t.Errorf("weights + cash sum to %s, want 1", total)
	}
}

func TestBootstrap(t *testing.T) {
	svc := newTestService(t)

	m, err := svc.Get(context.Background(), 0)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if m.Version != 0 {
		t.Errorf("expected genesis version 0, got %d", m.Version)
	}
	if !m.CashWeight.Equal(decimal.NewFromInt(1)) || len(m.Holdings) != 0 {
		t.Errorf("genesis must be 100%% cash, got cash=%s holdings=%v", m.CashWeight, m.Holdings)
	}

	// Bootstrap is idempotent.
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	latest, _ := svc.Get(context.Background(), 0)
	if latest.Version != 0 {
		t.Errorf("second bootstrap advanced version to %d", latest.Version)
	}
}

func TestProcess_AppliesBatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	next, err := svc.Process(ctx, "dec-1", 0, []model.Decision{
		buy("AAPL", 0.20),
		buy("MSFT", 0.30),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if next.Version != 1 {
		t.Errorf("expected version 1, got %d", next.Version)
	}
	if !next.Weight("AAPL").Equal(d(0.20)) || !next.Weight("MSFT").Equal(d(0.30)) {
		t.Errorf("unexpected holdings: %v", next.Holdings)
	}
	if !next.CashWeight.Equal(d(0.50)) {
		t.Errorf("expected cash weight 0.50, got %s", next.CashWeight)
	}
	assertInvariant(t, next)

	events, err := svc.Events(ctx)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].SourceDecisionID != "dec-1" {
		t.Errorf("expected one logged event for dec-1, got %+v", events)
	}
}

func TestProcess_IdempotentOnDecisionID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Process(ctx, "dec-1", 0, []model.Decision{buy("AAPL", 0.20)})
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// Replaying the same decision id is a no-op, even with different content.
	replay, err := svc.Process(ctx, "dec-1", first.Version, []model.Decision{buy("TSLA", 0.90)})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Version != first.Version {
		t.Errorf("replay advanced version: %d → %d", first.Version, replay.Version)
	}
	if !replay.Weight("TSLA").IsZero() {
		t.Error("replay content must be ignored")
	}

	latest, _ := svc.Get(ctx, 0)
	if latest.Version != first.Version {
		t.Errorf("latest version moved to %d after replay", latest.Version)
	}
}

func TestProcess_RejectsStaleBaseVersion(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, "dec-1", 0, []model.Decision{buy("AAPL", 0.20)}); err != nil {
		t.Fatalf("setup apply: %v", err)
	}

	// Store is now at version 1; an event computed against 0 is stale.
	_, err := svc.Process(ctx, "dec-2", 0, []model.Decision{buy("MSFT", 0.10)})
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}

	latest, _ := svc.Get(ctx, 0)
	if latest.Version != 1 {
		t.Errorf("stale event mutated model, version %d", latest.Version)
	}
}

func TestProcess_NegativeBaseVersionSkipsStaleCheck(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, "dec-1", -1, []model.Decision{buy("AAPL", 0.20)}); err != nil {
		t.Fatalf("apply against current: %v", err)
	}
	if _, err := svc.Process(ctx, "dec-2", -1, []model.Decision{buy("AAPL", 0.25)}); err != nil {
		t.Fatalf("second apply against current: %v", err)
	}
}

func TestProcess_HoldKeepsPreviousWeight(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, "dec-1", 0, []model.Decision{buy("AAPL", 0.20)}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	next, err := svc.Process(ctx, "dec-2", 1, []model.Decision{
		hold("AAPL"),
		buy("MSFT", 0.10),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !next.Weight("AAPL").Equal(d(0.20)) {
		t.Errorf("hold changed AAPL weight to %s", next.Weight("AAPL"))
	}
	assertInvariant(t, next)
}

func TestProcess_AbsentSymbolDropped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, "dec-1", 0, []model.Decision{
		buy("AAPL", 0.20), buy("MSFT", 0.30),
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// MSFT not mentioned in the next batch: dropped to zero.
	next, err := svc.Process(ctx, "dec-2", 1, []model.Decision{buy("AAPL", 0.25)})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, held := next.Holdings["MSFT"]; held {
		t.Error("MSFT should have been dropped")
	}
	if !next.CashWeight.Equal(d(0.75)) {
		t.Errorf("expected cash 0.75, got %s", next.CashWeight)
	}
}

func TestProcess_DuplicateSymbolLastWriteWins(t *testing.T) {
	svc := newTestService(t)

	next, err := svc.Process(context.Background(), "dec-1", 0, []model.Decision{
		buy("AAPL", 0.10),
		buy("AAPL", 0.30),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !next.Weight("AAPL").Equal(d(0.30)) {
		t.Errorf("expected later entry to win (0.30), got %s", next.Weight("AAPL"))
	}
}

func TestProcess_SellToZeroDropsSymbol(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, "dec-1", 0, []model.Decision{buy("AAPL", 0.20)}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	next, err := svc.Process(ctx, "dec-2", 1, []model.Decision{sell("AAPL", 0)})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(next.Holdings) != 0 {
		t.Errorf("expected empty holdings, got %v", next.Holdings)
	}
	if !next.CashWeight.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected full cash, got %s", next.CashWeight)
	}
}

func TestProcess_ConfidenceClampedNotRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Process(ctx, "dec-1", 0, []model.Decision{
		{Symbol: "AAPL", Action: model.ActionBuy, TargetWeight: d(0.20), Confidence: d(1.7)},
	}); err != nil {
		t.Fatalf("over-range confidence must apply: %v", err)
	}

	events, _ := svc.Events(ctx)
	if got := events[0].Decisions[0].Confidence; !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected confidence clamped to 1, got %s", got)
	}
}

func TestProcess_InvalidBatches(t *testing.T) {
	cases := []struct {
		name       string
		decisionID string
		decisions  []model.Decision
	}{
		{"empty id", "", []model.Decision{buy("AAPL", 0.20)}},
		{"empty batch", "dec-1", nil},
		{"empty symbol", "dec-1", []model.Decision{buy("", 0.20)}},
		{"weight above one", "dec-1", []model.Decision{buy("AAPL", 1.10)}},
		{"negative weight", "dec-1", []model.Decision{buy("AAPL", -0.10)}},
		{"unknown action", "dec-1", []model.Decision{{Symbol: "AAPL", Action: "short", TargetWeight: d(0.10)}}},
		{"weights sum above one", "dec-1", []model.Decision{buy("AAPL", 0.60), buy("MSFT", 0.50)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(t)
			_, err := svc.Process(context.Background(), tc.decisionID, 0, tc.decisions)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}

			latest, _ := svc.Get(context.Background(), 0)
			if latest.Version != 0 {
				t.Errorf("invalid batch mutated model, version %d", latest.Version)
			}
		})
	}
}

func TestProcess_NotifiesSubscribers(t *testing.T) {
	svc := newTestService(t)

	var gotPrev, gotNext *model.ModelPortfolio
	svc.Subscribe(func(prev, next *model.ModelPortfolio) {
		gotPrev, gotNext = prev, next
	})

	if _, err := svc.Process(context.Background(), "dec-1", 0, []model.Decision{buy("AAPL", 0.20)}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if gotPrev == nil || gotNext == nil {
		t.Fatal("subscriber not notified")
	}
	if gotPrev.Version != 0 || gotNext.Version != 1 {
		t.Errorf("subscriber saw versions %d → %d, want 0 → 1", gotPrev.Version, gotNext.Version)
	}
}
