// Package rebalance owns the canonical model portfolio: it validates and
// sequences inbound decision batches, converts them into versioned immutable
// ModelPortfolio values, and publishes each new version to subscribers.
//
// Apply is the single serialization point for model state — one writer,
// many readers.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/store"
)

var (
	// ErrInvalidEvent is returned for malformed or out-of-range decision
	// data. The decision feed must resend a corrected batch; the engine
	// never retries with altered data.
	ErrInvalidEvent = errors.New("rebalance: invalid event")

	// ErrStaleEvent is returned when an event was computed against a
	// superseded model version. The caller must re-fetch the latest
	// version and recompute — there is no automatic merge.
	ErrStaleEvent = errors.New("rebalance: stale event")
)

// WeightEpsilon is the tolerance for the Σweights + cash == 1 invariant.
var WeightEpsilon = decimal.New(1, -6) // 1e-6

// Subscriber receives each newly applied model version together with the
// version it replaced.
type Subscriber func(prev, next *model.ModelPortfolio)

// Service validates and applies rebalance events against the model
// portfolio store. The mutex makes Apply effectively mutually exclusive,
// so versions are strictly increasing and applied in order.
type Service struct {
	store store.Store

	mu   sync.Mutex
	subs []Subscriber
}

// NewService creates a rebalance service over the given store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Subscribe registers a subscriber for new model versions. Must be called
// before the first Apply.
func (s *Service) Subscribe(fn Subscriber) {
	s.subs = append(s.subs, fn)
}

// Bootstrap ensures a version-0 model portfolio (100% cash) exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.store.LatestModelVersion(ctx); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	genesis := &model.ModelPortfolio{
		Version:    0,
		DecisionID: "",
		Holdings:   map[string]decimal.Decimal{},
		CashWeight: decimal.NewFromInt(1),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertModelVersion(ctx, genesis); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	slog.Info("model portfolio bootstrapped", "version", 0, "cash_weight", "1")
	return nil
}

// Get returns the given model version, or the latest when version <= 0.
func (s *Service) Get(ctx context.Context, version int64) (*model.ModelPortfolio, error) {
	if version <= 0 {
		return s.store.LatestModelVersion(ctx)
	}
	return s.store.GetModelVersion(ctx, version)
}

// Events returns the applied rebalance event log for audit and replay.
func (s *Service) Events(ctx context.Context) ([]model.RebalanceEvent, error) {
	return s.store.ListRebalanceEvents(ctx)
}

// Process validates and normalizes a raw decision batch into a
// RebalanceEvent, then delegates to Apply.
//
// Resolution rules (contract, not accident):
//   - hold keeps the symbol's previous weight;
//   - buy and sell set the explicit target weight;
//   - two decisions for the same symbol in one batch: the later entry wins;
//   - a symbol held by the previous version but absent from the batch is
//     dropped to weight zero — an implicit sell;
//   - remainder after Σweights becomes the cash weight.
//
// baseVersion < 0 means "against whatever is current". Confidence outside
// [0,1] is clamped with a warning, not rejected.
func (s *Service) Process(ctx context.Context, sourceDecisionID string, baseVersion int64, raw []model.Decision) (*model.ModelPortfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processLocked(ctx, sourceDecisionID, baseVersion, raw)
}

func (s *Service) processLocked(ctx context.Context, sourceDecisionID string, baseVersion int64, raw []model.Decision) (*model.ModelPortfolio, error) {
	if sourceDecisionID == "" {
		return nil, fmt.Errorf("%w: missing source decision id", ErrInvalidEvent)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty decision batch", ErrInvalidEvent)
	}

	// Idempotency: a replayed decision id is a no-op returning the
	// version it originally produced.
	if existing, err := s.store.GetModelByDecisionID(ctx, sourceDecisionID); err == nil {
		slog.Info("duplicate decision id, returning existing version",
			"decision_id", sourceDecisionID, "version", existing.Version)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	current, err := s.store.LatestModelVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current model: %w", err)
	}

	if baseVersion >= 0 && baseVersion != current.Version {
		return nil, fmt.Errorf("%w: event base version %d, store at %d",
			ErrStaleEvent, baseVersion, current.Version)
	}

	resolved := make([]model.Decision, 0, len(raw))
	weights := make(map[string]decimal.Decimal, len(raw))
	one := decimal.NewFromInt(1)

	for _, dec := range raw {
		if dec.Symbol == "" {
			return nil, fmt.Errorf("%w: decision with empty symbol", ErrInvalidEvent)
		}

		d := dec
		if d.Confidence.IsNegative() {
			slog.Warn("confidence below range, clamping", "symbol", d.Symbol, "confidence", d.Confidence.String())
			d.Confidence = decimal.Zero
		} else if d.Confidence.GreaterThan(one) {
			slog.Warn("confidence above range, clamping", "symbol", d.Symbol, "confidence", d.Confidence.String())
			d.Confidence = one
		}

		switch d.Action {
		case model.ActionHold:
			d.TargetWeight = current.Weight(d.Symbol)
		case model.ActionBuy, model.ActionSell:
			if d.TargetWeight.IsNegative() || d.TargetWeight.GreaterThan(one) {
				return nil, fmt.Errorf("%w: target weight %s for %s outside [0,1]",
					ErrInvalidEvent, d.TargetWeight.String(), d.Symbol)
			}
		default:
			return nil, fmt.Errorf("%w: unknown action %q for %s", ErrInvalidEvent, d.Action, d.Symbol)
		}

		// Last write wins on duplicate symbols within one batch.
		weights[d.Symbol] = d.TargetWeight
		resolved = append(resolved, d)
	}

	total := decimal.Zero
	holdings := make(map[string]decimal.Decimal, len(weights))
	for symbol, w := range weights {
		if w.IsZero() {
			continue // weight zero drops the symbol entirely
		}
		holdings[symbol] = w
		total = total.Add(w)
	}

	if total.GreaterThan(one.Add(WeightEpsilon)) {
		return nil, fmt.Errorf("%w: target weights sum to %s > 1", ErrInvalidEvent, total.String())
	}
	cashWeight := one.Sub(total)
	if cashWeight.IsNegative() {
		cashWeight = decimal.Zero // total within epsilon of 1
	}

	event := &model.RebalanceEvent{
		ID:               uuid.New().String(),
		SourceDecisionID: sourceDecisionID,
		BaseVersion:      current.Version,
		Timestamp:        time.Now().UTC(),
		Decisions:        resolved,
	}

	next := &model.ModelPortfolio{
		Version:    current.Version + 1,
		DecisionID: sourceDecisionID,
		Holdings:   holdings,
		CashWeight: cashWeight,
		CreatedAt:  event.Timestamp,
	}

	if err := validateInvariant(next); err != nil {
		return nil, err
	}

	if err := s.store.InsertModelVersion(ctx, next); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a race with a concurrent writer on another instance.
			return nil, fmt.Errorf("%w: version %d already applied", ErrStaleEvent, next.Version)
		}
		return nil, fmt.Errorf("persist model version: %w", err)
	}
	if err := s.store.InsertRebalanceEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persist rebalance event: %w", err)
	}

	slog.Info("rebalance applied",
		"version", next.Version,
		"decision_id", sourceDecisionID,
		"symbols", len(next.Holdings),
		"cash_weight", next.CashWeight.String(),
	)

	for _, fn := range s.subs {
		fn(current, next)
	}
	return next, nil
}

// validateInvariant checks Σweights + cash == 1 within WeightEpsilon and
// that every weight is in [0,1].
func validateInvariant(m *model.ModelPortfolio) error {
	one := decimal.NewFromInt(1)
	total := m.CashWeight
	for symbol, w := range m.Holdings {
		if w.IsNegative() || w.GreaterThan(one) {
			return fmt.Errorf("%w: weight %s for %s outside [0,1]", ErrInvalidEvent, w.String(), symbol)
		}
		total = total.Add(w)
	}
	if total.Sub(one).Abs().GreaterThan(WeightEpsilon) {
		return fmt.Errorf("%w: weights + cash sum to %s, want 1", ErrInvalidEvent, total.String())
	}
	return nil
}
