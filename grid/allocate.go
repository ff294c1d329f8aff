package grid

import (
	"github.com/shopspring/decimal"
)

// AllocationPolicy holds the bias heuristics. The split and taper are policy
// knobs, not correctness requirements, so they are injected from config.
type AllocationPolicy struct {
	Split float64 // share of investment given to the favored sub-ladder
	Taper float64 // linear weighting range within a sub-ladder
}

// DefaultAllocationPolicy is the stock 65/35 split with a ±20% taper
func DefaultAllocationPolicy() AllocationPolicy {
	return AllocationPolicy{Split: 0.65, Taper: 0.20}
}

func (a AllocationPolicy) normalized() AllocationPolicy {
	if a.Split <= 0.5 || a.Split >= 1 {
		a.Split = 0.65
	}
	if a.Taper < 0 || a.Taper >= 1 {
		a.Taper = 0.20
	}
	return a
}

// Allocate distributes the total investment over the active levels.
// Neutral bias splits evenly. A bullish grid gives the buy sub-ladder the
// policy split (bearish mirrors it onto the sell sub-ladder); within each
// sub-ladder a linear taper weights slots nearer the current price more
// heavily. Levels are expected in ladder order with sides already assigned;
// the returned slice is aligned with the input.
func Allocate(totalInvestment float64, bias Bias, levels []Level, policy AllocationPolicy) []decimal.Decimal {
	policy = policy.normalized()
	out := make([]decimal.Decimal, len(levels))
	if len(levels) == 0 {
		return out
	}

	if bias == BiasNeutral {
		even := decimal.NewFromFloat(totalInvestment / float64(len(levels)))
		for i := range out {
			out[i] = even
		}
		return out
	}

	var buys, sells []int
	for i, lv := range levels {
		if lv.Side == SideBuy {
			buys = append(buys, i)
		} else {
			sells = append(sells, i)
		}
	}

	buyShare := 1 - policy.Split
	if bias == BiasBullish {
		buyShare = policy.Split
	}
	sellShare := 1 - buyShare

	// An empty sub-ladder forfeits its share to the other side
	if len(buys) == 0 {
		buyShare, sellShare = 0, 1
	}
	if len(sells) == 0 {
		buyShare, sellShare = 1, 0
	}

	// Buys sit below current price in ladder order, so the last buy index is
	// nearest the price; for sells the first index is nearest.
	assign := func(indices []int, budget float64, nearestLast bool) {
		n := len(indices)
		if n == 0 || budget <= 0 {
			return
		}
		weights := make([]float64, n)
		total := 0.0
		for rank := 0; rank < n; rank++ {
			// proximity 1 at the slot nearest the price, 0 at the farthest
			proximity := 0.0
			if n > 1 {
				if nearestLast {
					proximity = float64(rank) / float64(n-1)
				} else {
					proximity = float64(n-1-rank) / float64(n-1)
				}
			}
			w := 1 - policy.Taper + 2*policy.Taper*proximity
			weights[rank] = w
			total += w
		}
		for rank, idx := range indices {
			out[idx] = decimal.NewFromFloat(budget * weights[rank] / total)
		}
	}

	assign(buys, totalInvestment*buyShare, true)
	assign(sells, totalInvestment*sellShare, false)
	return out
}
