// Package fanout runs one projection cycle per model-portfolio version
// change: an embarrassingly parallel map over all subscriber accounts with
// no ordering between them. Per-account failures are isolated and collected
// into a CycleReport; a canceled cycle leaves unprocessed accounts at their
// previous synced version, to be picked up by the next cycle.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mirrortrade/allocation-engine/internal/metrics"
	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/prices"
	"github.com/mirrortrade/allocation-engine/internal/projector"
	"github.com/mirrortrade/allocation-engine/internal/store"
)

// Runner coordinates projection cycles. Cycles run one at a time: a version
// arriving mid-cycle is coalesced into the trigger channel and handled by
// the next cycle, so an account already projecting keeps its consistent
// (prev, next) pair instead of being interrupted.
type Runner struct {
	store   store.Store
	locks   *store.AccountLocks
	proj    *projector.Projector
	src     prices.Source
	workers int

	trigger chan struct{}

	mu         sync.Mutex
	lastReport *model.CycleReport
	onCycle    func(report model.CycleReport)
}

// New creates a fan-out runner.
func New(st store.Store, locks *store.AccountLocks, proj *projector.Projector, src prices.Source, workers int) *Runner {
	if workers <= 0 {
		workers = 8
	}
	return &Runner{
		store:   st,
		locks:   locks,
		proj:    proj,
		src:     src,
		workers: workers,
		trigger: make(chan struct{}, 1),
	}
}

// OnCycle registers a hook invoked after each completed cycle (the engine
// uses it for WebSocket broadcasts). Must be set before Run starts.
func (r *Runner) OnCycle(fn func(report model.CycleReport)) {
	r.onCycle = fn
}

// Notify requests a projection cycle. Safe to call from any goroutine;
// back-to-back notifications coalesce into one pending cycle.
func (r *Runner) Notify() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run processes cycle triggers until ctx is canceled. Call in a goroutine.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
			report, err := r.Cycle(ctx)
			if err != nil {
				slog.Error("projection cycle failed", "err", err)
				continue
			}
			if r.onCycle != nil && report != nil {
				r.onCycle(*report)
			}
		}
	}
}

// LastReport returns the most recent cycle report, or nil before the first
// cycle completes.
func (r *Runner) LastReport() *model.CycleReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReport
}

// Cycle projects every out-of-date account against the latest model
// version. Per-account errors never abort the batch. A ctx cancellation
// stops scheduling new accounts; accounts already past their commit keep
// their result — no partial per-account state exists at any point.
func (r *Runner) Cycle(ctx context.Context) (*model.CycleReport, error) {
	started := time.Now().UTC()

	next, err := r.store.LatestModelVersion(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	priceTable, err := r.fetchPrices(ctx, next, accounts)
	if err != nil {
		// Feed fully down: every account stays at its version and the
		// next cycle retries. Not a batch abort, a batch no-op.
		slog.Warn("price feed unavailable, cycle skipped", "version", next.Version, "err", err)
		priceTable = map[string]decimal.Decimal{}
	}

	report := &model.CycleReport{
		Version:   next.Version,
		StartedAt: started,
		Failed:    make(map[string]string),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	var mu sync.Mutex // guards report counters

	for _, account := range accounts {
		// Onboarding accounts have no capital yet; they start following
		// the model on their first funded cycle.
		if account.Status == model.StatusDeactivated || account.Status == model.StatusOnboarding ||
			account.LastSyncedVersion >= next.Version {
			continue
		}
		account := account
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				report.Canceled = true
				mu.Unlock()
				return nil
			}
			projected, skipped, failReason, instructed := r.projectAccount(gctx, &account, next, priceTable)
			mu.Lock()
			if projected {
				report.Projected++
				report.Instructed += instructed
			}
			if skipped {
				report.Skipped++
			}
			if failReason != "" {
				report.Failed[account.UserID] = failReason
			}
			mu.Unlock()
			return nil
		})
	}

	g.Wait()
	if ctx.Err() != nil {
		report.Canceled = true
	}
	report.Duration = time.Since(started)

	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(report.Duration.Seconds())
	metrics.AccountsProjected.Add(float64(report.Projected))
	metrics.AccountsFailed.Add(float64(len(report.Failed)))

	slog.Info("projection cycle complete",
		"version", next.Version,
		"projected", report.Projected,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
		"instructions", report.Instructed,
		"duration", report.Duration,
	)

	r.mu.Lock()
	r.lastReport = report
	r.mu.Unlock()
	return report, nil
}

// projectAccount runs one account's projection and atomic commit under that
// account's lock.
func (r *Runner) projectAccount(ctx context.Context, account *model.UserAccount,
	next *model.ModelPortfolio, priceTable map[string]decimal.Decimal) (projected, skipped bool, failReason string, instructed int) {

	r.locks.Lock(account.UserID)
	defer r.locks.Unlock(account.UserID)

	// Re-read under the lock: a deposit may have landed since listing.
	fresh, err := r.store.GetAccount(ctx, account.UserID)
	if err != nil {
		return false, false, "load account: " + err.Error(), 0
	}
	if fresh.LastSyncedVersion >= next.Version {
		return false, false, "", 0
	}

	prev, err := r.store.GetModelVersion(ctx, fresh.LastSyncedVersion)
	if err != nil {
		return false, false, "load base model version: " + err.Error(), 0
	}
	positions, err := r.store.GetPositions(ctx, fresh.UserID)
	if err != nil {
		return false, false, "load positions: " + err.Error(), 0
	}

	res, err := r.proj.Project(fresh, prev, next, priceTable, positions)
	switch {
	case errors.Is(err, projector.ErrAccountPaused):
		return false, true, "", 0 // expected, not a fault
	case errors.Is(err, projector.ErrInsufficientCapital):
		metrics.InsufficientCapitalSkips.Inc()
		return false, false, "insufficient capital", 0
	case err != nil:
		return false, false, err.Error(), 0
	}

	// A partial projection (some symbols had no price) commits what it has
	// but does not advance the synced version, so the next cycle retries
	// the dropped symbols and the snapshot shows as stale.
	commitVersion := next.Version
	if res.Partial() {
		commitVersion = fresh.LastSyncedVersion
		for symbol, reason := range res.Dropped {
			failReason = "symbol " + symbol + ": " + reason
		}
		metrics.PriceUnavailableDrops.Add(float64(len(res.Dropped)))
	}

	if err := r.store.CommitProjection(ctx, fresh.UserID, commitVersion,
		res.NewCapital, res.NewCash, res.Instructions); err != nil {
		return false, false, "commit: " + err.Error(), 0
	}

	metrics.InstructionsTotal.Add(float64(len(res.Instructions)))
	return true, false, failReason, len(res.Instructions)
}

// fetchPrices gathers the symbol universe one cycle needs: the new model's
// holdings plus every account's held and base-version symbols.
func (r *Runner) fetchPrices(ctx context.Context, next *model.ModelPortfolio,
	accounts []model.UserAccount) (map[string]decimal.Decimal, error) {

	seen := make(map[string]bool)
	for symbol := range next.Holdings {
		seen[symbol] = true
	}
	for _, account := range accounts {
		if account.Status == model.StatusDeactivated {
			continue
		}
		positions, err := r.store.GetPositions(ctx, account.UserID)
		if err != nil {
			return nil, err
		}
		for _, p := range positions {
			seen[p.Symbol] = true
		}
		prev, err := r.store.GetModelVersion(ctx, account.LastSyncedVersion)
		if err != nil {
			continue // version gap is not fatal for the price universe
		}
		for symbol := range prev.Holdings {
			seen[symbol] = true
		}
	}

	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	return r.src.Prices(ctx, symbols)
}
