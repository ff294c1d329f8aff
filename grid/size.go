package grid

import (
	"github.com/shopspring/decimal"
)

// SizeQuantity converts a per-level quote allocation into an order quantity
// compliant with the symbol rules: quantity = allocation/price rounded down
// to quantity precision, then clamped by ClampQuantity.
func SizeQuantity(allocation, price decimal.Decimal, r Rules) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	qty := allocation.Div(price).RoundDown(r.QtyPrecision)
	return ClampQuantity(qty, price, r)
}

// ClampQuantity enforces the exchange minimums. The quantity floor applies
// first, then the notional floor: raising a quantity to satisfy the minimum
// notional can reintroduce a sub-precision value, so the result of the
// notional raise is rounded up to precision and the quantity floor re-checked.
// The function is idempotent: clamping an already compliant quantity is a no-op.
func ClampQuantity(qty, price decimal.Decimal, r Rules) decimal.Decimal {
	qty = qty.Round(r.QtyPrecision)

	minQty := decimal.NewFromFloat(r.MinQty)
	if r.MinQty > 0 && qty.LessThan(minQty) {
		qty = minQty.RoundUp(r.QtyPrecision)
	}

	if r.MinNotional > 0 && !price.IsZero() {
		minNotional := decimal.NewFromFloat(r.MinNotional)
		if qty.Mul(price).LessThan(minNotional) {
			qty = minNotional.Div(price).RoundUp(r.QtyPrecision)
			if r.MinQty > 0 && qty.LessThan(minQty) {
				qty = minQty.RoundUp(r.QtyPrecision)
			}
		}
	}
	return qty
}
