package store

import (
	"database/sql"
	"time"
)

// SymbolRules are the per-symbol trading constraints fetched from the
// exchange, persisted so strategies can fall back to a stale copy when the
// exchange is unreachable.
type SymbolRules struct {
	Exchange       string    `json:"exchange"`
	Symbol         string    `json:"symbol"`
	PricePrecision int       `json:"price_precision"`
	QtyPrecision   int       `json:"qty_precision"`
	MinQty         float64   `json:"min_qty"`
	MinNotional    float64   `json:"min_notional"`
	MaxLeverage    int       `json:"max_leverage"`
	MakerFee       float64   `json:"maker_fee"`
	TakerFee       float64   `json:"taker_fee"`
	RefreshedAt    time.Time `json:"refreshed_at"`
}

// RulesStore symbol rules storage
type RulesStore struct {
	db *sql.DB
}

func (s *RulesStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS symbol_rules (
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			price_precision INTEGER NOT NULL,
			qty_precision INTEGER NOT NULL,
			min_qty REAL NOT NULL,
			min_notional REAL NOT NULL,
			max_leverage INTEGER NOT NULL DEFAULT 1,
			maker_fee REAL NOT NULL DEFAULT 0,
			taker_fee REAL NOT NULL DEFAULT 0,
			refreshed_at DATETIME NOT NULL,
			PRIMARY KEY (exchange, symbol)
		)
	`)
	return err
}

// Upsert writes a rules row, keeping the newer copy when a concurrent
// refresher already wrote a fresher one.
func (s *RulesStore) Upsert(r *SymbolRules) error {
	_, err := s.db.Exec(`
		INSERT INTO symbol_rules (
			exchange, symbol, price_precision, qty_precision,
			min_qty, min_notional, max_leverage, maker_fee, taker_fee, refreshed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exchange, symbol) DO UPDATE SET
			price_precision = excluded.price_precision,
			qty_precision = excluded.qty_precision,
			min_qty = excluded.min_qty,
			min_notional = excluded.min_notional,
			max_leverage = excluded.max_leverage,
			maker_fee = excluded.maker_fee,
			taker_fee = excluded.taker_fee,
			refreshed_at = excluded.refreshed_at
		WHERE excluded.refreshed_at > symbol_rules.refreshed_at
	`, r.Exchange, r.Symbol, r.PricePrecision, r.QtyPrecision,
		r.MinQty, r.MinNotional, r.MaxLeverage, r.MakerFee, r.TakerFee, r.RefreshedAt.UTC())
	return err
}

// Get loads the persisted rules for one symbol, or nil when never fetched
func (s *RulesStore) Get(exchange, symbol string) (*SymbolRules, error) {
	row := s.db.QueryRow(`
		SELECT exchange, symbol, price_precision, qty_precision,
			min_qty, min_notional, max_leverage, maker_fee, taker_fee, refreshed_at
		FROM symbol_rules WHERE exchange = ? AND symbol = ?
	`, exchange, symbol)

	var r SymbolRules
	err := row.Scan(&r.Exchange, &r.Symbol, &r.PricePrecision, &r.QtyPrecision,
		&r.MinQty, &r.MinNotional, &r.MaxLeverage, &r.MakerFee, &r.TakerFee, &r.RefreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
