package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mirrortrade/allocation-engine/internal/model"
	"github.com/mirrortrade/allocation-engine/internal/pnl"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// holdings and decision payloads are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Model portfolio versions ---

func (s *PostgresStore) InsertModelVersion(ctx context.Context, m *model.ModelPortfolio) error {
	holdings, err := json.Marshal(m.Holdings)
	if err != nil {
		return fmt.Errorf("marshal holdings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_versions (version, decision_id, cash_weight, holdings, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::JSONB, $5)`,
		m.Version, m.DecisionID, m.CashWeight.String(), holdings, m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("model version %d: %w", m.Version, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetModelVersion(ctx context.Context, version int64) (*model.ModelPortfolio, error) {
	return s.scanModel(s.pool.QueryRow(ctx,
		`SELECT version, decision_id, cash_weight::TEXT, holdings, created_at
		 FROM model_versions WHERE version = $1`, version))
}

func (s *PostgresStore) LatestModelVersion(ctx context.Context) (*model.ModelPortfolio, error) {
	return s.scanModel(s.pool.QueryRow(ctx,
		`SELECT version, decision_id, cash_weight::TEXT, holdings, created_at
		 FROM model_versions ORDER BY version DESC LIMIT 1`))
}

func (s *PostgresStore) GetModelByDecisionID(ctx context.Context, decisionID string) (*model.ModelPortfolio, error) {
	return s.scanModel(s.pool.QueryRow(ctx,
		`SELECT version, decision_id, cash_weight::TEXT, holdings, created_at
		 FROM model_versions WHERE decision_id = $1`, decisionID))
}

func (s *PostgresStore) scanModel(row pgx.Row) (*model.ModelPortfolio, error) {
	var m model.ModelPortfolio
	var cashWeight string
	var holdings []byte

	err := row.Scan(&m.Version, &m.DecisionID, &cashWeight, &holdings, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan model version: %w", err)
	}

	m.CashWeight, _ = decimal.NewFromString(cashWeight)
	if err := json.Unmarshal(holdings, &m.Holdings); err != nil {
		return nil, fmt.Errorf("unmarshal holdings: %w", err)
	}
	return &m, nil
}

// --- Rebalance event log ---

func (s *PostgresStore) InsertRebalanceEvent(ctx context.Context, e *model.RebalanceEvent) error {
	decisions, err := json.Marshal(e.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rebalance_events (id, source_decision_id, base_version, ts, decisions)
		 VALUES ($1, $2, $3, $4, $5::JSONB)`,
		e.ID, e.SourceDecisionID, e.BaseVersion, e.Timestamp, decisions,
	)
	return err
}

func (s *PostgresStore) ListRebalanceEvents(ctx context.Context) ([]model.RebalanceEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_decision_id, base_version, ts, decisions
		 FROM rebalance_events ORDER BY ts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.RebalanceEvent
	for rows.Next() {
		var e model.RebalanceEvent
		var decisions []byte
		if err := rows.Scan(&e.ID, &e.SourceDecisionID, &e.BaseVersion, &e.Timestamp, &decisions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(decisions, &e.Decisions); err != nil {
			return nil, fmt.Errorf("unmarshal decisions: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- User accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.UserAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, capital, cash, risk_multiplier, min_cash_fraction,
		                       sync_enabled, status, last_synced_version, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		a.UserID, a.Capital.String(), a.Cash.String(),
		a.RiskMultiplier.String(), a.MinCashFraction.String(),
		a.SyncEnabled, a.Status, a.LastSyncedVersion, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.UserID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, capital::TEXT, cash::TEXT, risk_multiplier::TEXT, min_cash_fraction::TEXT,
		        sync_enabled, status, last_synced_version, created_at
		 FROM accounts WHERE user_id = $1`, userID))
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.UserAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, capital::TEXT, cash::TEXT, risk_multiplier::TEXT, min_cash_fraction::TEXT,
		        sync_enabled, status, last_synced_version, created_at
		 FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.UserAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, a *model.UserAccount) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET capital = $2::NUMERIC, cash = $3::NUMERIC,
		     risk_multiplier = $4::NUMERIC, min_cash_fraction = $5::NUMERIC,
		     sync_enabled = $6, status = $7, last_synced_version = $8
		 WHERE user_id = $1`,
		a.UserID, a.Capital.String(), a.Cash.String(),
		a.RiskMultiplier.String(), a.MinCashFraction.String(),
		a.SyncEnabled, a.Status, a.LastSyncedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.UserID, ErrNotFound)
	}
	return nil
}

func scanAccount(row pgx.Row) (*model.UserAccount, error) {
	var a model.UserAccount
	var capital, cash, riskMult, minCash string

	err := row.Scan(&a.UserID, &capital, &cash, &riskMult, &minCash,
		&a.SyncEnabled, &a.Status, &a.LastSyncedVersion, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.Capital, _ = decimal.NewFromString(capital)
	a.Cash, _ = decimal.NewFromString(cash)
	a.RiskMultiplier, _ = decimal.NewFromString(riskMult)
	a.MinCashFraction, _ = decimal.NewFromString(minCash)
	return &a, nil
}

// --- Positions and trade ledger ---

func (s *PostgresStore) GetPositions(ctx context.Context, userID string) ([]model.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, lot_date, shares::TEXT, cost::TEXT
		 FROM lots WHERE user_id = $1 ORDER BY symbol, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lotsBySymbol := make(map[string][]model.Lot)
	var order []string
	for rows.Next() {
		var symbol, sharesS, costS string
		var l model.Lot
		if err := rows.Scan(&symbol, &l.Date, &sharesS, &costS); err != nil {
			return nil, err
		}
		l.Shares, _ = decimal.NewFromString(sharesS)
		l.Cost, _ = decimal.NewFromString(costS)
		if _, ok := lotsBySymbol[symbol]; !ok {
			order = append(order, symbol)
		}
		lotsBySymbol[symbol] = append(lotsBySymbol[symbol], l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var positions []model.UserPosition
	for _, symbol := range order {
		lots := lotsBySymbol[symbol]
		shares, cost := pnl.SumLots(lots)
		if shares.IsZero() {
			continue
		}
		positions = append(positions, model.UserPosition{
			UserID:    userID,
			Symbol:    symbol,
			Shares:    shares,
			CostBasis: cost,
			EntryDate: pnl.OldestLotDate(lots),
			Lots:      lots,
		})
	}
	return positions, nil
}

func (s *PostgresStore) GetRealizedPnl(ctx context.Context, userID string) (decimal.Decimal, error) {
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM realized_pnl WHERE user_id = $1`, userID).Scan(&amount)
	if err == pgx.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(amount)
	return d, nil
}

func (s *PostgresStore) ListInstructions(ctx context.Context, userID string) ([]model.TradeInstruction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, action, shares::TEXT, price::TEXT, notional::TEXT,
		        model_version, executed_at
		 FROM instructions WHERE user_id = $1 ORDER BY executed_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instructions []model.TradeInstruction
	for rows.Next() {
		var ins model.TradeInstruction
		var sharesS, priceS, notionalS string
		if err := rows.Scan(&ins.ID, &ins.UserID, &ins.Symbol, &ins.Action,
			&sharesS, &priceS, &notionalS, &ins.ModelVersion, &ins.ExecutedAt); err != nil {
			return nil, err
		}
		ins.Shares, _ = decimal.NewFromString(sharesS)
		ins.Price, _ = decimal.NewFromString(priceS)
		ins.Notional, _ = decimal.NewFromString(notionalS)
		instructions = append(instructions, ins)
	}
	return instructions, rows.Err()
}

// CommitProjection applies one account's instruction set inside a single
// transaction. The account row is locked FOR UPDATE for the duration, which
// serializes rebalance commits against concurrent deposit/withdraw updates
// for the same user.
func (s *PostgresStore) CommitProjection(ctx context.Context, userID string, version int64,
	newCapital, newCash decimal.Decimal, instructions []model.TradeInstruction) error {

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT TRUE FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&exists); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("account %s: %w", userID, ErrNotFound)
		}
		return err
	}

	for _, ins := range instructions {
		switch ins.Action {
		case model.ActionBuy:
			if _, err := tx.Exec(ctx,
				`INSERT INTO lots (user_id, symbol, lot_date, shares, cost)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)`,
				userID, ins.Symbol, ins.ExecutedAt, ins.Shares.String(), ins.Notional.String(),
			); err != nil {
				return err
			}

		case model.ActionSell:
			// Load the symbol's ledger, consume FIFO in memory, rewrite it.
			lots, err := loadLotsTx(ctx, tx, userID, ins.Symbol)
			if err != nil {
				return err
			}
			remaining, costOfSold := pnl.ConsumeFIFO(lots, ins.Shares)
			if _, err := tx.Exec(ctx,
				`DELETE FROM lots WHERE user_id = $1 AND symbol = $2`, userID, ins.Symbol); err != nil {
				return err
			}
			for _, l := range remaining {
				if _, err := tx.Exec(ctx,
					`INSERT INTO lots (user_id, symbol, lot_date, shares, cost)
					 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)`,
					userID, ins.Symbol, l.Date, l.Shares.String(), l.Cost.String(),
				); err != nil {
					return err
				}
			}
			realized := ins.Notional.Sub(costOfSold)
			if _, err := tx.Exec(ctx,
				`INSERT INTO realized_pnl (user_id, amount) VALUES ($1, $2::NUMERIC)
				 ON CONFLICT (user_id) DO UPDATE SET amount = realized_pnl.amount + $2::NUMERIC`,
				userID, realized.String(),
			); err != nil {
				return err
			}

		default:
			return fmt.Errorf("commit projection for %s: unknown action %q", userID, ins.Action)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO instructions (id, user_id, symbol, action, shares, price, notional, model_version, executed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
			ins.ID, ins.UserID, ins.Symbol, ins.Action,
			ins.Shares.String(), ins.Price.String(), ins.Notional.String(),
			ins.ModelVersion, ins.ExecutedAt,
		); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET capital = $2::NUMERIC, cash = $3::NUMERIC, last_synced_version = $4
		 WHERE user_id = $1`,
		userID, newCapital.String(), newCash.String(), version,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func loadLotsTx(ctx context.Context, tx pgx.Tx, userID, symbol string) ([]model.Lot, error) {
	rows, err := tx.Query(ctx,
		`SELECT lot_date, shares::TEXT, cost::TEXT
		 FROM lots WHERE user_id = $1 AND symbol = $2 ORDER BY id`, userID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		var sharesS, costS string
		if err := rows.Scan(&l.Date, &sharesS, &costS); err != nil {
			return nil, err
		}
		l.Shares, _ = decimal.NewFromString(sharesS)
		l.Cost, _ = decimal.NewFromString(costS)
		lots = append(lots, l)
	}
	return lots, rows.Err()
}
