package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Model versions are immutable once written, so per-version entries never
// need invalidation; only the "latest" pointer and per-user entries do.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Model portfolio versions ---

func (s *CachedStore) InsertModelVersion(ctx context.Context, m *model.ModelPortfolio) error {
	if err := s.primary.InsertModelVersion(ctx, m); err != nil {
		return err
	}
	s.cacheModel(ctx, m)
	// New version supersedes the latest pointer.
	s.rdb.Del(ctx, latestModelKey())
	return nil
}

func (s *CachedStore) GetModelVersion(ctx context.Context, version int64) (*model.ModelPortfolio, error) {
	data, err := s.rdb.Get(ctx, modelKey(version)).Bytes()
	if err == nil {
		var m model.ModelPortfolio
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetModelVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	s.cacheModel(ctx, m)
	return m, nil
}

func (s *CachedStore) LatestModelVersion(ctx context.Context) (*model.ModelPortfolio, error) {
	versionS, err := s.rdb.Get(ctx, latestModelKey()).Result()
	if err == nil {
		if version, perr := strconv.ParseInt(versionS, 10, 64); perr == nil {
			return s.GetModelVersion(ctx, version)
		}
	}

	m, err := s.primary.LatestModelVersion(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheModel(ctx, m)
	s.rdb.Set(ctx, latestModelKey(), strconv.FormatInt(m.Version, 10), s.ttl)
	return m, nil
}

func (s *CachedStore) GetModelByDecisionID(ctx context.Context, decisionID string) (*model.ModelPortfolio, error) {
	versionS, err := s.rdb.Get(ctx, decisionKey(decisionID)).Result()
	if err == nil {
		if version, perr := strconv.ParseInt(versionS, 10, 64); perr == nil {
			return s.GetModelVersion(ctx, version)
		}
	}

	m, err := s.primary.GetModelByDecisionID(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	s.cacheModel(ctx, m)
	return m, nil
}

// --- Rebalance event log (not cached) ---

func (s *CachedStore) InsertRebalanceEvent(ctx context.Context, e *model.RebalanceEvent) error {
	return s.primary.InsertRebalanceEvent(ctx, e)
}

func (s *CachedStore) ListRebalanceEvents(ctx context.Context) ([]model.RebalanceEvent, error) {
	return s.primary.ListRebalanceEvents(ctx)
}

// --- User accounts ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.UserAccount) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.UserAccount
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(userID), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.UserAccount, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) UpdateAccount(ctx context.Context, a *model.UserAccount) error {
	if err := s.primary.UpdateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.UserID))
	return nil
}

// --- Positions and trade ledger ---

func (s *CachedStore) GetPositions(ctx context.Context, userID string) ([]model.UserPosition, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.UserPosition
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) GetRealizedPnl(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetRealizedPnl(ctx, userID)
}

func (s *CachedStore) ListInstructions(ctx context.Context, userID string) ([]model.TradeInstruction, error) {
	return s.primary.ListInstructions(ctx, userID)
}

func (s *CachedStore) CommitProjection(ctx context.Context, userID string, version int64,
	newCapital, newCash decimal.Decimal, instructions []model.TradeInstruction) error {

	if err := s.primary.CommitProjection(ctx, userID, version, newCapital, newCash, instructions); err != nil {
		return err
	}
	// Invalidate everything the commit touched; next read re-populates.
	s.rdb.Del(ctx, positionsKey(userID), accountKey(userID))
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheModel(ctx context.Context, m *model.ModelPortfolio) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, modelKey(m.Version), data, s.ttl)
		if m.DecisionID != "" {
			s.rdb.Set(ctx, decisionKey(m.DecisionID), strconv.FormatInt(m.Version, 10), s.ttl)
		}
	}
}

func modelKey(version int64) string  { return fmt.Sprintf("model:v%d", version) }
func latestModelKey() string         { return "model:latest" }
func decisionKey(id string) string   { return fmt.Sprintf("decision:%s", id) }
func accountKey(uid string) string   { return fmt.Sprintf("account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
