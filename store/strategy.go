package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Strategy lifecycle states. Transitions are monotonic except the explicit
// reset from STOPPED back to CREATED.
const (
	StatusCreated  = "CREATED"
	StatusRunning  = "RUNNING"
	StatusStopped  = "STOPPED"
	StatusFinished = "FINISHED"
)

// GridStrategy is the persisted strategy row
type GridStrategy struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	MarketType      string    `json:"market_type"` // futures only
	GridType        string    `json:"grid_type"`   // arithmetic | geometric
	Bias            string    `json:"bias"`        // bullish | neutral | bearish
	UpperPrice      float64   `json:"upper_price"`
	LowerPrice      float64   `json:"lower_price"`
	GridCount       int       `json:"grid_count"`
	TotalInvestment float64   `json:"total_investment"`
	Leverage        int       `json:"leverage"`
	StopLossPct     float64   `json:"stop_loss_pct"`   // 0 = disabled
	TakeProfitPct   float64   `json:"take_profit_pct"` // 0 = disabled
	Status          string    `json:"status"`
	Degraded        bool      `json:"degraded"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	RealizedPnL     float64   `json:"realized_pnl"`
	RulesSnapshot   string    `json:"rules_snapshot,omitempty"` // symbol rules JSON cached at creation
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StrategyStore grid strategy storage
type StrategyStore struct {
	db *sql.DB
}

func (s *StrategyStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_strategies (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			market_type TEXT NOT NULL DEFAULT 'futures',
			grid_type TEXT NOT NULL,
			bias TEXT NOT NULL,
			upper_price REAL NOT NULL,
			lower_price REAL NOT NULL,
			grid_count INTEGER NOT NULL,
			total_investment REAL NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			stop_loss_pct REAL NOT NULL DEFAULT 0,
			take_profit_pct REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'CREATED',
			degraded BOOLEAN NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			realized_pnl REAL NOT NULL DEFAULT 0,
			rules_snapshot TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_grid_strategies_owner ON grid_strategies(owner_id)`)
	return err
}

// Create persists a new strategy row
func (s *StrategyStore) Create(st *GridStrategy) error {
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.Status == "" {
		st.Status = StatusCreated
	}
	if st.MarketType == "" {
		st.MarketType = "futures"
	}
	_, err := s.db.Exec(`
		INSERT INTO grid_strategies (
			id, owner_id, exchange, symbol, market_type, grid_type, bias,
			upper_price, lower_price, grid_count, total_investment, leverage,
			stop_loss_pct, take_profit_pct, status, degraded, failure_reason,
			realized_pnl, rules_snapshot, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.OwnerID, st.Exchange, st.Symbol, st.MarketType, st.GridType, st.Bias,
		st.UpperPrice, st.LowerPrice, st.GridCount, st.TotalInvestment, st.Leverage,
		st.StopLossPct, st.TakeProfitPct, st.Status, st.Degraded, st.FailureReason,
		st.RealizedPnL, st.RulesSnapshot, st.CreatedAt, st.UpdatedAt)
	return err
}

// Get loads one strategy by id
func (s *StrategyStore) Get(id string) (*GridStrategy, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_id, exchange, symbol, market_type, grid_type, bias,
			upper_price, lower_price, grid_count, total_investment, leverage,
			stop_loss_pct, take_profit_pct, status, degraded, failure_reason,
			realized_pnl, rules_snapshot, created_at, updated_at
		FROM grid_strategies WHERE id = ?
	`, id)
	return scanStrategy(row)
}

// List returns all strategies for an owner, newest first
func (s *StrategyStore) List(ownerID string) ([]*GridStrategy, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, exchange, symbol, market_type, grid_type, bias,
			upper_price, lower_price, grid_count, total_investment, leverage,
			stop_loss_pct, take_profit_pct, status, degraded, failure_reason,
			realized_pnl, rules_snapshot, created_at, updated_at
		FROM grid_strategies WHERE owner_id = ? ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GridStrategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListByStatus returns all strategies in a given state (used on restart)
func (s *StrategyStore) ListByStatus(status string) ([]*GridStrategy, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, exchange, symbol, market_type, grid_type, bias,
			upper_price, lower_price, grid_count, total_investment, leverage,
			stop_loss_pct, take_profit_pct, status, degraded, failure_reason,
			realized_pnl, rules_snapshot, created_at, updated_at
		FROM grid_strategies WHERE status = ?
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GridStrategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStatus updates the lifecycle state and failure reason
func (s *StrategyStore) UpdateStatus(id, status, failureReason string) error {
	res, err := s.db.Exec(`
		UPDATE grid_strategies
		SET status = ?, failure_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, failureReason, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, id)
}

// SetDegraded flags/unflags degraded connectivity without touching the state
func (s *StrategyStore) SetDegraded(id string, degraded bool) error {
	_, err := s.db.Exec(`
		UPDATE grid_strategies SET degraded = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, degraded, id)
	return err
}

// AddRealizedPnL accumulates realized profit onto the strategy row
func (s *StrategyStore) AddRealizedPnL(id string, delta float64) error {
	_, err := s.db.Exec(`
		UPDATE grid_strategies
		SET realized_pnl = realized_pnl + ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, delta, id)
	return err
}

// SetRulesSnapshot caches the symbol rules JSON taken at creation
func (s *StrategyStore) SetRulesSnapshot(id, snapshot string) error {
	_, err := s.db.Exec(`
		UPDATE grid_strategies SET rules_snapshot = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, snapshot, id)
	return err
}

// Delete removes a strategy and cascade-deletes its orders
func (s *StrategyStore) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM grid_orders WHERE strategy_id = ?`, id); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM grid_strategies WHERE id = ?`, id); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row rowScanner) (*GridStrategy, error) {
	var st GridStrategy
	err := row.Scan(&st.ID, &st.OwnerID, &st.Exchange, &st.Symbol, &st.MarketType,
		&st.GridType, &st.Bias, &st.UpperPrice, &st.LowerPrice, &st.GridCount,
		&st.TotalInvestment, &st.Leverage, &st.StopLossPct, &st.TakeProfitPct,
		&st.Status, &st.Degraded, &st.FailureReason, &st.RealizedPnL,
		&st.RulesSnapshot, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("strategy not found")
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func requireRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("strategy %s not found", id)
	}
	return nil
}
