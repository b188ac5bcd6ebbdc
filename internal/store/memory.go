package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/pnl"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). A single
// RWMutex serializes every mutation, which trivially satisfies the
// per-account atomic-commit requirement.
type MemoryStore struct {
	mu           sync.RWMutex
	models       map[int64]*model.ModelPortfolio
	byDecision   map[string]int64
	latest       int64
	hasModel     bool
	events       []model.RebalanceEvent
	accounts     map[string]*model.UserAccount
	lots         map[string]map[string][]model.Lot // userID → symbol → lot ledger
	realized     map[string]decimal.Decimal
	instructions map[string][]model.TradeInstruction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models:       make(map[int64]*model.ModelPortfolio),
		byDecision:   make(map[string]int64),
		accounts:     make(map[string]*model.UserAccount),
		lots:         make(map[string]map[string][]model.Lot),
		realized:     make(map[string]decimal.Decimal),
		instructions: make(map[string][]model.TradeInstruction),
	}
}

// --- Model portfolio versions ---

func (s *MemoryStore) InsertModelVersion(_ context.Context, m *model.ModelPortfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.models[m.Version]; ok {
		return fmt.Errorf("model version %d: %w", m.Version, ErrAlreadyExists)
	}
	if m.DecisionID != "" {
		if _, ok := s.byDecision[m.DecisionID]; ok {
			return fmt.Errorf("decision %s: %w", m.DecisionID, ErrAlreadyExists)
		}
	}

	cp := copyModel(m)
	s.models[m.Version] = cp
	if m.DecisionID != "" {
		s.byDecision[m.DecisionID] = m.Version
	}
	if !s.hasModel || m.Version > s.latest {
		s.latest = m.Version
		s.hasModel = true
	}
	return nil
}

func (s *MemoryStore) GetModelVersion(_ context.Context, version int64) (*model.ModelPortfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[version]
	if !ok {
		return nil, fmt.Errorf("model version %d: %w", version, ErrNotFound)
	}
	return copyModel(m), nil
}

func (s *MemoryStore) LatestModelVersion(_ context.Context) (*model.ModelPortfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasModel {
		return nil, fmt.Errorf("latest model version: %w", ErrNotFound)
	}
	return copyModel(s.models[s.latest]), nil
}

func (s *MemoryStore) GetModelByDecisionID(_ context.Context, decisionID string) (*model.ModelPortfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.byDecision[decisionID]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", decisionID, ErrNotFound)
	}
	return copyModel(s.models[v]), nil
}

// --- Rebalance event log ---

func (s *MemoryStore) InsertRebalanceEvent(_ context.Context, e *model.RebalanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListRebalanceEvents(_ context.Context) ([]model.RebalanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RebalanceEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}

// --- User accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; ok {
		return fmt.Errorf("account %s: %w", a.UserID, ErrAlreadyExists)
	}
	cp := *a
	s.accounts[a.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.UserAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].UserID < accounts[j].UserID
	})
	return accounts, nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, a *model.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; !ok {
		return fmt.Errorf("account %s: %w", a.UserID, ErrNotFound)
	}
	cp := *a
	s.accounts[a.UserID] = &cp
	return nil
}

// --- Positions and trade ledger ---

func (s *MemoryStore) GetPositions(_ context.Context, userID string) ([]model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.positionsLocked(userID), nil
}

func (s *MemoryStore) positionsLocked(userID string) []model.UserPosition {
	var positions []model.UserPosition
	for symbol, lots := range s.lots[userID] {
		shares, cost := pnl.SumLots(lots)
		if shares.IsZero() {
			continue
		}
		cp := make([]model.Lot, len(lots))
		copy(cp, lots)
		positions = append(positions, model.UserPosition{
			UserID:    userID,
			Symbol:    symbol,
			Shares:    shares,
			CostBasis: cost,
			EntryDate: pnl.OldestLotDate(lots),
			Lots:      cp,
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions
}

func (s *MemoryStore) GetRealizedPnl(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.realized[userID], nil
}

func (s *MemoryStore) ListInstructions(_ context.Context, userID string) ([]model.TradeInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TradeInstruction, len(s.instructions[userID]))
	copy(out, s.instructions[userID])
	return out, nil
}

func (s *MemoryStore) CommitProjection(_ context.Context, userID string, version int64,
	newCapital, newCash decimal.Decimal, instructions []model.TradeInstruction) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}

	userLots := s.lots[userID]
	if userLots == nil {
		userLots = make(map[string][]model.Lot)
		s.lots[userID] = userLots
	}

	for _, ins := range instructions {
		switch ins.Action {
		case model.ActionBuy:
			userLots[ins.Symbol] = pnl.AppendLot(userLots[ins.Symbol], ins.ExecutedAt, ins.Shares, ins.Notional)
		case model.ActionSell:
			remaining, costOfSold := pnl.ConsumeFIFO(userLots[ins.Symbol], ins.Shares)
			if len(remaining) == 0 {
				delete(userLots, ins.Symbol)
			} else {
				userLots[ins.Symbol] = remaining
			}
			s.realized[userID] = s.realized[userID].Add(ins.Notional.Sub(costOfSold))
		default:
			return fmt.Errorf("commit projection for %s: unknown action %q", userID, ins.Action)
		}
		s.instructions[userID] = append(s.instructions[userID], ins)
	}

	account.Capital = newCapital
	account.Cash = newCash
	account.LastSyncedVersion = version
	return nil
}

func copyModel(m *model.ModelPortfolio) *model.ModelPortfolio {
	cp := *m
	cp.Holdings = m.CloneHoldings()
	return &cp
}
