package grid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Shape controls how ladder prices are spaced
type Shape string

const (
	ShapeArithmetic Shape = "arithmetic"
	ShapeGeometric  Shape = "geometric"
)

// Bias is the directional skew applied to investment allocation
type Bias string

const (
	BiasBullish Bias = "bullish"
	BiasNeutral Bias = "neutral"
	BiasBearish Bias = "bearish"
)

// Side of a grid order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Params are the user-facing grid strategy parameters
type Params struct {
	Symbol          string
	Shape           Shape
	Bias            Bias
	UpperPrice      float64
	LowerPrice      float64
	GridCount       int
	TotalInvestment float64
	Leverage        int
}

// Rules is the symbol-rules snapshot the engine normalizes against.
// It mirrors the exchange trading filters for one (exchange, symbol).
type Rules struct {
	PricePrecision int32   `json:"price_precision"`
	QtyPrecision   int32   `json:"qty_precision"`
	MinQty         float64 `json:"min_qty"`
	MinNotional    float64 `json:"min_notional"`
	MaxLeverage    int     `json:"max_leverage"`
	MakerFee       float64 `json:"maker_fee"`
	TakerFee       float64 `json:"taker_fee"`
}

// PriceUnit returns one quote precision unit (e.g. 0.01 for precision 2)
func (r Rules) PriceUnit() decimal.Decimal {
	return decimal.New(1, -r.PricePrecision)
}

// Level is one rung of the computed ladder
type Level struct {
	Index    int
	Price    decimal.Decimal
	Side     Side
	Quantity decimal.Decimal
}

// ValidationError reports invalid strategy parameters. It is returned before
// anything is persisted or sent to an exchange.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a parameter validation failure
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the structural invariants of the parameters. Rule-dependent
// checks (min notional, leverage bound) happen in ValidateAgainstRules.
func (p Params) Validate() error {
	if p.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if p.LowerPrice <= 0 {
		return &ValidationError{Field: "lowerPrice", Reason: "must be positive"}
	}
	if p.UpperPrice <= p.LowerPrice {
		return &ValidationError{Field: "upperPrice", Reason: "must be greater than lowerPrice"}
	}
	if p.GridCount < 2 || p.GridCount > 50 {
		return &ValidationError{Field: "gridCount", Reason: "must be between 2 and 50"}
	}
	if p.TotalInvestment <= 0 {
		return &ValidationError{Field: "totalInvestment", Reason: "must be positive"}
	}
	switch p.Shape {
	case ShapeArithmetic, ShapeGeometric:
	default:
		return &ValidationError{Field: "gridType", Reason: "must be arithmetic or geometric"}
	}
	switch p.Bias {
	case BiasBullish, BiasNeutral, BiasBearish:
	default:
		return &ValidationError{Field: "bias", Reason: "must be bullish, neutral or bearish"}
	}
	return nil
}

// ValidateAgainstRules checks parameters against the symbol trading rules
func (p Params) ValidateAgainstRules(r Rules) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if r.MaxLeverage > 0 && p.Leverage > r.MaxLeverage {
		return &ValidationError{
			Field:  "leverage",
			Reason: fmt.Sprintf("%d exceeds symbol maximum %d", p.Leverage, r.MaxLeverage),
		}
	}
	if p.Leverage < 1 {
		return &ValidationError{Field: "leverage", Reason: "must be at least 1"}
	}
	// Each slot must be able to carry at least the minimum notional
	if r.MinNotional > 0 && p.TotalInvestment < r.MinNotional*float64(p.GridCount) {
		return &ValidationError{
			Field: "totalInvestment",
			Reason: fmt.Sprintf("%.2f is below minNotional x gridCount = %.2f",
				p.TotalInvestment, r.MinNotional*float64(p.GridCount)),
		}
	}
	return nil
}
