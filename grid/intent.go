package grid

import (
	"github.com/shopspring/decimal"
)

// Order intents are the typed payloads handed to the exchange gateway.
// One struct per intent, validated at construction, instead of a loose
// map-shaped payload.

// IntentType tags the order payload variant
type IntentType string

const (
	IntentLimit     IntentType = "LIMIT"
	IntentStopLimit IntentType = "STOP_LIMIT"
	IntentMarket    IntentType = "MARKET"
)

// LimitIntent is a resting limit order at a grid level
type LimitIntent struct {
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	PostOnly bool
}

// NewLimitIntent validates and builds a limit order payload
func NewLimitIntent(symbol string, side Side, price, qty decimal.Decimal) (LimitIntent, error) {
	if symbol == "" {
		return LimitIntent{}, &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if side != SideBuy && side != SideSell {
		return LimitIntent{}, &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if !price.IsPositive() {
		return LimitIntent{}, &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if !qty.IsPositive() {
		return LimitIntent{}, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return LimitIntent{Symbol: symbol, Side: side, Price: price, Quantity: qty}, nil
}

func (i LimitIntent) Type() IntentType { return IntentLimit }

// StopLimitIntent is a limit order armed by a trigger price
type StopLimitIntent struct {
	Symbol    string
	Side      Side
	StopPrice decimal.Decimal
	Price     decimal.Decimal
	Quantity  decimal.Decimal
}

// NewStopLimitIntent validates and builds a stop-limit order payload
func NewStopLimitIntent(symbol string, side Side, stopPrice, price, qty decimal.Decimal) (StopLimitIntent, error) {
	base, err := NewLimitIntent(symbol, side, price, qty)
	if err != nil {
		return StopLimitIntent{}, err
	}
	if !stopPrice.IsPositive() {
		return StopLimitIntent{}, &ValidationError{Field: "stopPrice", Reason: "must be positive"}
	}
	return StopLimitIntent{
		Symbol:    base.Symbol,
		Side:      base.Side,
		StopPrice: stopPrice,
		Price:     base.Price,
		Quantity:  base.Quantity,
	}, nil
}

func (i StopLimitIntent) Type() IntentType { return IntentStopLimit }

// MarketIntent crosses the book immediately
type MarketIntent struct {
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
}

// NewMarketIntent validates and builds a market order payload
func NewMarketIntent(symbol string, side Side, qty decimal.Decimal) (MarketIntent, error) {
	if symbol == "" {
		return MarketIntent{}, &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if side != SideBuy && side != SideSell {
		return MarketIntent{}, &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if !qty.IsPositive() {
		return MarketIntent{}, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return MarketIntent{Symbol: symbol, Side: side, Quantity: qty}, nil
}

func (i MarketIntent) Type() IntentType { return IntentMarket }
