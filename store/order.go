package store

import (
	"database/sql"
	"time"
)

// Grid order states. PLACED is the only non-terminal state; the partial
// unique index below enforces at most one non-terminal order per
// (strategy, grid index) slot.
const (
	OrderPlaced   = "PLACED"
	OrderFilled   = "FILLED"
	OrderCanceled = "CANCELED"
	OrderRejected = "REJECTED"
)

// GridOrder is one order bound to a grid slot
type GridOrder struct {
	ID              string    `json:"id"`
	StrategyID      string    `json:"strategy_id"`
	GridIndex       int       `json:"grid_index"`
	Side            string    `json:"side"` // BUY | SELL
	Price           float64   `json:"price"`
	Quantity        float64   `json:"quantity"`
	ClientOrderID   string    `json:"client_order_id"`   // correlation id
	ExchangeOrderID string    `json:"exchange_order_id"` // assigned on ack
	Status          string    `json:"status"`
	RealizedProfit  float64   `json:"realized_profit"` // set when a SELL closes a lower BUY
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OrderStore grid order storage
type OrderStore struct {
	db *sql.DB
}

func (s *OrderStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_orders (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			grid_index INTEGER NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			client_order_id TEXT NOT NULL DEFAULT '',
			exchange_order_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PLACED',
			realized_profit REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_grid_orders_strategy ON grid_orders(strategy_id)`); err != nil {
		return err
	}
	// one open order per grid slot
	_, err = s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_grid_orders_open_slot
		ON grid_orders(strategy_id, grid_index) WHERE status = 'PLACED'
	`)
	return err
}

// Create persists an order row
func (s *OrderStore) Create(o *GridOrder) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = OrderPlaced
	}
	_, err := s.db.Exec(`
		INSERT INTO grid_orders (
			id, strategy_id, grid_index, side, price, quantity,
			client_order_id, exchange_order_id, status, realized_profit,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.StrategyID, o.GridIndex, o.Side, o.Price, o.Quantity,
		o.ClientOrderID, o.ExchangeOrderID, o.Status, o.RealizedProfit,
		o.CreatedAt, o.UpdatedAt)
	return err
}

// UpdateStatus moves an order to a new state
func (s *OrderStore) UpdateStatus(id, status string) error {
	_, err := s.db.Exec(`
		UPDATE grid_orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	return err
}

// SetExchangeOrderID records the exchange-assigned id after the ack
func (s *OrderStore) SetExchangeOrderID(id, exchangeOrderID string) error {
	_, err := s.db.Exec(`
		UPDATE grid_orders SET exchange_order_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, exchangeOrderID, id)
	return err
}

// MarkFilled finalizes an order with its realized profit
func (s *OrderStore) MarkFilled(id string, realizedProfit float64) error {
	_, err := s.db.Exec(`
		UPDATE grid_orders
		SET status = ?, realized_profit = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, OrderFilled, realizedProfit, id)
	return err
}

// ListByStrategy returns every order of one strategy, oldest first
func (s *OrderStore) ListByStrategy(strategyID string) ([]*GridOrder, error) {
	rows, err := s.db.Query(`
		SELECT id, strategy_id, grid_index, side, price, quantity,
			client_order_id, exchange_order_id, status, realized_profit,
			created_at, updated_at
		FROM grid_orders WHERE strategy_id = ? ORDER BY created_at ASC
	`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOpen returns the PLACED orders of one strategy
func (s *OrderStore) ListOpen(strategyID string) ([]*GridOrder, error) {
	rows, err := s.db.Query(`
		SELECT id, strategy_id, grid_index, side, price, quantity,
			client_order_id, exchange_order_id, status, realized_profit,
			created_at, updated_at
		FROM grid_orders WHERE strategy_id = ? AND status = ? ORDER BY grid_index ASC
	`, strategyID, OrderPlaced)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// GetOpenAtSlot returns the open order occupying a grid slot, or nil
func (s *OrderStore) GetOpenAtSlot(strategyID string, gridIndex int) (*GridOrder, error) {
	row := s.db.QueryRow(`
		SELECT id, strategy_id, grid_index, side, price, quantity,
			client_order_id, exchange_order_id, status, realized_profit,
			created_at, updated_at
		FROM grid_orders WHERE strategy_id = ? AND grid_index = ? AND status = ?
	`, strategyID, gridIndex, OrderPlaced)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetByClientOrderID resolves an order by its correlation id
func (s *OrderStore) GetByClientOrderID(clientOrderID string) (*GridOrder, error) {
	row := s.db.QueryRow(`
		SELECT id, strategy_id, grid_index, side, price, quantity,
			client_order_id, exchange_order_id, status, realized_profit,
			created_at, updated_at
		FROM grid_orders WHERE client_order_id = ?
	`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CountFilledAtSlot returns how many fills a slot has seen; the rotation
// counter keeps correlation ids unique across re-placements of the same slot.
func (s *OrderStore) CountFilledAtSlot(strategyID string, gridIndex int) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM grid_orders
		WHERE strategy_id = ? AND grid_index = ? AND status != ?
	`, strategyID, gridIndex, OrderPlaced).Scan(&n)
	return n, err
}

// SumRealizedProfit computes the strategy PnL from its filled orders
func (s *OrderStore) SumRealizedProfit(strategyID string) (float64, error) {
	var pnl float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(realized_profit), 0) FROM grid_orders
		WHERE strategy_id = ? AND status = ?
	`, strategyID, OrderFilled).Scan(&pnl)
	return pnl, err
}

// LatestFilledBuyBelow finds the most recent FILLED BUY at a lower grid index,
// used to compute the realized profit of a closing SELL.
func (s *OrderStore) LatestFilledBuyBelow(strategyID string, gridIndex int) (*GridOrder, error) {
	row := s.db.QueryRow(`
		SELECT id, strategy_id, grid_index, side, price, quantity,
			client_order_id, exchange_order_id, status, realized_profit,
			created_at, updated_at
		FROM grid_orders
		WHERE strategy_id = ? AND grid_index < ? AND side = 'BUY' AND status = ?
		ORDER BY updated_at DESC LIMIT 1
	`, strategyID, gridIndex, OrderFilled)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func scanOrder(row rowScanner) (*GridOrder, error) {
	var o GridOrder
	err := row.Scan(&o.ID, &o.StrategyID, &o.GridIndex, &o.Side, &o.Price,
		&o.Quantity, &o.ClientOrderID, &o.ExchangeOrderID, &o.Status,
		&o.RealizedProfit, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*GridOrder, error) {
	var out []*GridOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
