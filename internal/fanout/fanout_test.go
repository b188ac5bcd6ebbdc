package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/prices"
	"github.com/mirrortrade/allocation-engine/internal/projector"
	"github.com/mirrortrade/allocation-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	src    *prices.Static
	runner *Runner
}

func newTestEnv(t *testing.T, table map[string]decimal.Decimal) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	genesis := &model.ModelPortfolio{
		Version:    0,
		Holdings:   map[string]decimal.Decimal{},
		CashWeight: decimal.NewFromInt(1),
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.InsertModelVersion(context.Background(), genesis); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}

	src := prices.NewStatic(table)
	runner := New(st, store.NewAccountLocks(), projector.New(projector.DefaultConfig()), src, 4)
	return &testEnv{store: st, src: src, runner: runner}
}

func (e *testEnv) publishModel(t *testing.T, version int64, pairs ...any) {
	t.Helper()
	holdings := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for i := 0; i < len(pairs); i += 2 {
		w := d(pairs[i+1].(float64))
		holdings[pairs[i].(string)] = w
		total = total.Add(w)
	}
	m := &model.ModelPortfolio{
		Version:    version,
		DecisionID: "dec-" + string(rune('0'+version)),
		Holdings:   holdings,
		CashWeight: decimal.NewFromInt(1).Sub(total),
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.InsertModelVersion(context.Background(), m); err != nil {
		t.Fatalf("insert model v%d: %v", version, err)
	}
}

func (e *testEnv) addAccount(t *testing.T, userID string, cash, riskMultiplier float64, status string) {
	t.Helper()
	a := &model.UserAccount{
		UserID:          userID,
		Capital:         d(cash),
		Cash:            d(cash),
		RiskMultiplier:  d(riskMultiplier),
		MinCashFraction: d(0.05),
		SyncEnabled:     status == model.StatusActive,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account %s: %v", userID, err)
	}
}

func (e *testEnv) sharesHeld(t *testing.T, userID, symbol string) decimal.Decimal {
	t.Helper()
	positions, err := e.store.GetPositions(context.Background(), userID)
	if err != nil {
		t.Fatalf("positions %s: %v", userID, err)
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.Shares
		}
	}
	return decimal.Zero
}

func TestCycle_ProjectsAllAccounts(t *testing.T) {
	env := newTestEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})
	env.addAccount(t, "user-a", 10000, 1.0, model.StatusActive)
	env.addAccount(t, "user-b", 10000, 0.5, model.StatusActive)
	env.publishModel(t, 1, "AAPL", 0.20)

	report, err := env.runner.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Projected != 2 {
		t.Errorf("expected 2 projected, got %+v", report)
	}
	if report.Instructed != 2 {
		t.Errorf("expected 2 instructions, got %d", report.Instructed)
	}
	if len(report.Failed) != 0 {
		t.Errorf("unexpected failures: %v", report.Failed)
	}

	// Full multiplier buys 13 shares, half multiplier buys 6.
	if got := env.sharesHeld(t, "user-a", "AAPL"); !got.Equal(d(13)) {
		t.Errorf("user-a: expected 13 shares, got %s", got)
	}
	if got := env.sharesHeld(t, "user-b", "AAPL"); !got.Equal(d(6)) {
		t.Errorf("user-b: expected 6 shares, got %s", got)
	}

	for _, userID := range []string{"user-a", "user-b"} {
		a, _ := env.store.GetAccount(context.Background(), userID)
		if a.LastSyncedVersion != 1 {
			t.Errorf("%s: expected synced version 1, got %d", userID, a.LastSyncedVersion)
		}
	}
}

func TestCycle_PausedAccountNeverMutated(t *testing.T) {
	env := newTestEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})
	env.addAccount(t, "user-paused", 10000, 1.0, model.StatusPaused)
	env.publishModel(t, 1, "AAPL", 0.20)

	// Pause holds across any number of cycles.
	for i := 0; i < 3; i++ {
		report, err := env.runner.Cycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if report.Skipped != 1 || report.Projected != 0 {
			t.Errorf("cycle %d: expected 1 skipped, got %+v", i, report)
		}
	}

	a, _ := env.store.GetAccount(context.Background(), "user-paused")
	if !a.Cash.Equal(d(10000)) || a.LastSyncedVersion != 0 {
		t.Errorf("paused account mutated: cash=%s version=%d", a.Cash, a.LastSyncedVersion)
	}
	if !env.sharesHeld(t, "user-paused", "AAPL").IsZero() {
		t.Error("paused account acquired a position")
	}
}

func TestCycle_DeactivatedAccountIgnored(t *testing.T) {
	env := newTestEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})
	env.addAccount(t, "user-gone", 10000, 1.0, model.StatusDeactivated)
	env.publishModel(t, 1, "AAPL", 0.20)

	report, err := env.runner.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Projected != 0 || report.Skipped != 0 || len(report.Failed) != 0 {
		t.Errorf("deactivated account should not appear in the report: %+v", report)
	}
}

func TestCycle_FailureIsolation(t *testing.T) {
	env := newTestEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})
	env.addAccount(t, "user-ok", 10000, 1.0, model.StatusActive)
	env.addAccount(t, "user-broke", 0, 1.0, model.StatusActive)
	env.publishModel(t, 1, "AAPL", 0.20)

	report, err := env.runner.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Projected != 1 {
		t.Errorf("healthy account must still project: %+v", report)
	}
	if report.Failed["user-broke"] != "insufficient capital" {
		t.Errorf("expected insufficient capital failure, got %v", report.Failed)
	}

	// The failed account stays at its old version for the next cycle.
	broke, _ := env.store.GetAccount(context.Background(), "user-broke")
	if broke.LastSyncedVersion != 0 {
		t.Errorf("failed account advanced to version %d", broke.LastSyncedVersion)
	}
}

func TestCycle_PartialProjectionRetriesNextCycle(t *testing.T) {
	// MSFT has no quote in the first cycle.
	env := newTestEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})
	env.addAccount(t, "user-a", 10000, 1.0, model.StatusActive)
	env.publishModel(t, 1, "AAPL", 0.20, "MSFT", 0.20)

	report, err := env.runner.Cycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("expected the partial account reported, got %+v", report)
	}

	// AAPL committed, MSFT pending, version held back.
	if got := env.sharesHeld(t, "user-a", "AAPL"); !got.Equal(d(13)) {
		t.Errorf("expected AAPL leg committed (13 shares), got %s", got)
	}
	a, _ := env.store.GetAccount(context.Background(), "user-a")
	if a.LastSyncedVersion != 0 {
		t.Errorf("partial projection advanced version to %d", a.LastSyncedVersion)
	}

	// Quote recovers: the retry completes without re-buying AAPL.
	env.src.Set("MSFT", d(400))
	report, err = env.runner.Cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if report.Projected != 1 || len(report.Failed) != 0 {
		t.Errorf("retry should complete cleanly: %+v", report)
	}
	if got := env.sharesHeld(t, "user-a", "AAPL"); !got.Equal(d(13)) {
		t.Errorf("retry re-traded AAPL: %s shares", got)
	}
	if got := env.sharesHeld(t, "user-a", "MSFT"); !got.Equal(d(5)) {
		t.Errorf("expected 5 MSFT shares after retry, got %s", got)
	}
	a, _ = env.store.GetAccount(context.Background(), "user-a")
	if a.LastSyncedVersion != 1 {
		t.Errorf("expected synced version 1 after retry, got %d", a.LastSyncedVersion)
	}
}

func TestCycle_PriceFeedDownIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil) // empty table: every symbol unpriced
	env.addAccount(t, "user-a", 10000, 1.0, model.StatusActive)
	env.publishModel(t, 1, "AAPL", 0.20)

	report, err := env.runner.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(report.Failed) != 1 {
		t.Errorf("expected the account flagged for retry, got %+v", report)
	}
	a, _ := env.store.GetAccount(context.Background(), "user-a")
	if a.LastSyncedVersion != 0 || !a.Cash.Equal(d(10000)) {
		t.Errorf("no-quote cycle mutated account: %+v", a)
	}
}

func TestCycle_CanceledContext(t *testing.T) {
	env := newTestEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})
	env.addAccount(t, "user-a", 10000, 1.0, model.StatusActive)
	env.publishModel(t, 1, "AAPL", 0.20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := env.runner.Cycle(ctx)
	if err != nil {
		// A canceled store read aborting the cycle is acceptable too.
		return
	}
	if !report.Canceled {
		t.Errorf("expected canceled report, got %+v", report)
	}

	// Unprocessed accounts keep their previous synced version.
	a, _ := env.store.GetAccount(context.Background(), "user-a")
	if a.LastSyncedVersion != 0 {
		t.Errorf("canceled cycle advanced version to %d", a.LastSyncedVersion)
	}
}

func TestNotifyCoalesces(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 10; i++ {
		env.runner.Notify()
	}
	if len(env.runner.trigger) != 1 {
		t.Errorf("expected a single pending trigger, got %d", len(env.runner.trigger))
	}
}

func TestLastReport(t *testing.T) {
	env := newTestEnv(t, map[string]decimal.Decimal{"AAPL": d(150)})
	if env.runner.LastReport() != nil {
		t.Fatal("expected nil report before the first cycle")
	}

	env.publishModel(t, 1, "AAPL", 0.20)
	if _, err := env.runner.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	report := env.runner.LastReport()
	if report == nil || report.Version != 1 {
		t.Errorf("expected report for version 1, got %+v", report)
	}
}
