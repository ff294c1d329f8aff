package grid

import (
	"github.com/shopspring/decimal"
)

// InitialBatch computes the initial order batch for a strategy start: every
// ladder level above the current price becomes a SELL, every level below a
// BUY, and the level coincident with the current price (within one price
// precision unit) is omitted. Allocation and quantity sizing are applied per
// level. The returned levels reference ladder indices; the full ladder is
// returned alongside for slot bookkeeping.
func InitialBatch(p Params, r Rules, policy AllocationPolicy, currentPrice float64) ([]Level, []decimal.Decimal, error) {
	ladder, err := Ladder(p, r)
	if err != nil {
		return nil, nil, err
	}

	current := decimal.NewFromFloat(currentPrice)
	unit := r.PriceUnit()

	levels := make([]Level, 0, len(ladder))
	for i, price := range ladder {
		if price.Sub(current).Abs().LessThan(unit) {
			continue // straddling level holds no order
		}
		side := SideBuy
		if price.GreaterThan(current) {
			side = SideSell
		}
		levels = append(levels, Level{Index: i, Price: price, Side: side})
	}

	allocations := Allocate(p.TotalInvestment, p.Bias, levels, policy)
	for i := range levels {
		levels[i].Quantity = SizeQuantity(allocations[i], levels[i].Price, r)
	}
	return levels, ladder, nil
}

// CounterOrder computes the single replacement order spawned by a fill:
// a filled BUY at index i becomes a SELL at i+1, a filled SELL at index i a
// BUY at i-1, carrying the filled quantity re-clamped at the new price.
// ok is false when the ladder is exhausted in that direction; the caller
// reports that to the risk monitor rather than treating it as an error.
func CounterOrder(ladder []decimal.Decimal, filledSide Side, filledIndex int, filledQty decimal.Decimal, r Rules) (Level, bool) {
	idx, side, ok := AdjacentIndex(filledSide, filledIndex, len(ladder))
	if !ok {
		return Level{}, false
	}
	price := ladder[idx]
	return Level{
		Index:    idx,
		Price:    price,
		Side:     side,
		Quantity: ClampQuantity(filledQty, price, r),
	}, true
}
