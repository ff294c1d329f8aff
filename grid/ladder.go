package grid

import (
	"math"

	"github.com/shopspring/decimal"
)

// Ladder computes the ordered grid price ladder: gridCount+1 strictly
// increasing prices from lower to upper, rounded to price precision.
// A ladder that collapses under rounding (two rungs landing on the same
// tick) fails validation: the grid is too dense for the quote precision.
func Ladder(p Params, r Rules) ([]decimal.Decimal, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	prices := make([]decimal.Decimal, p.GridCount+1)
	switch p.Shape {
	case ShapeGeometric:
		// ratio = (upper/lower)^(1/gridCount)
		ratio := math.Pow(p.UpperPrice/p.LowerPrice, 1/float64(p.GridCount))
		for i := range prices {
			raw := p.LowerPrice * math.Pow(ratio, float64(i))
			prices[i] = decimal.NewFromFloat(raw).Round(r.PricePrecision)
		}
	default: // arithmetic
		step := (p.UpperPrice - p.LowerPrice) / float64(p.GridCount)
		for i := range prices {
			raw := p.LowerPrice + step*float64(i)
			prices[i] = decimal.NewFromFloat(raw).Round(r.PricePrecision)
		}
	}

	for i := 1; i < len(prices); i++ {
		if !prices[i].GreaterThan(prices[i-1]) {
			return nil, &ValidationError{
				Field:  "gridCount",
				Reason: "grid too dense for quote precision, adjacent levels collapse after rounding",
			}
		}
	}
	return prices, nil
}

// AdjacentIndex returns the counter-order level for a fill at index i:
// a filled BUY rotates into a SELL one rung up, a filled SELL into a BUY
// one rung down. ok is false when the ladder is exhausted in that direction.
func AdjacentIndex(filledSide Side, index, ladderLen int) (counterIndex int, counterSide Side, ok bool) {
	switch filledSide {
	case SideBuy:
		counterIndex, counterSide = index+1, SideSell
	case SideSell:
		counterIndex, counterSide = index-1, SideBuy
	default:
		return 0, "", false
	}
	if counterIndex < 0 || counterIndex >= ladderLen {
		return 0, "", false
	}
	return counterIndex, counterSide, true
}
