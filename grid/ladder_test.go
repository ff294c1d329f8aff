package grid

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() Rules {
	return Rules{
		PricePrecision: 2,
		QtyPrecision:   3,
		MinQty:         0.001,
		MinNotional:    5,
		MaxLeverage:    20,
	}
}

func TestArithmeticLadder(t *testing.T) {
	p := Params{
		Symbol: "BTCUSDT", Shape: ShapeArithmetic, Bias: BiasNeutral,
		LowerPrice: 50000, UpperPrice: 60000, GridCount: 10,
		TotalInvestment: 10000, Leverage: 5,
	}
	ladder, err := Ladder(p, testRules())
	require.NoError(t, err)
	require.Len(t, ladder, 11)

	for i, price := range ladder {
		expected := decimal.NewFromInt(int64(50000 + i*1000))
		assert.True(t, price.Equal(expected), "level %d: want %s got %s", i, expected, price)
	}
	// strictly increasing
	for i := 1; i < len(ladder); i++ {
		assert.True(t, ladder[i].GreaterThan(ladder[i-1]))
	}
}

func TestGeometricLadderConstantRatio(t *testing.T) {
	p := Params{
		Symbol: "ETHUSDT", Shape: ShapeGeometric, Bias: BiasNeutral,
		LowerPrice: 100, UpperPrice: 200, GridCount: 5,
		TotalInvestment: 1000, Leverage: 3,
	}
	ladder, err := Ladder(p, Rules{PricePrecision: 4, QtyPrecision: 3})
	require.NoError(t, err)
	require.Len(t, ladder, 6)

	wantRatio := math.Pow(2, 1.0/5)
	assert.InDelta(t, 1.1487, wantRatio, 0.0001)

	for i := 1; i < len(ladder); i++ {
		prev, _ := ladder[i-1].Float64()
		cur, _ := ladder[i].Float64()
		assert.InDelta(t, wantRatio, cur/prev, 0.001, "ratio between level %d and %d", i-1, i)
	}

	level3, _ := ladder[3].Float64()
	assert.InDelta(t, 151.57, level3, 0.05)
}

func TestLadderTooDenseForPrecision(t *testing.T) {
	// 50 grids across 0.10 with 2 decimal places collapses after rounding
	p := Params{
		Symbol: "XUSDT", Shape: ShapeArithmetic, Bias: BiasNeutral,
		LowerPrice: 1.00, UpperPrice: 1.10, GridCount: 50,
		TotalInvestment: 1000, Leverage: 1,
	}
	_, err := Ladder(p, Rules{PricePrecision: 2, QtyPrecision: 3})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestLadderRejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero lower", func(p *Params) { p.LowerPrice = 0 }},
		{"upper below lower", func(p *Params) { p.UpperPrice = p.LowerPrice - 1 }},
		{"grid count too small", func(p *Params) { p.GridCount = 1 }},
		{"grid count too large", func(p *Params) { p.GridCount = 51 }},
		{"zero investment", func(p *Params) { p.TotalInvestment = 0 }},
		{"unknown shape", func(p *Params) { p.Shape = "exponential" }},
		{"unknown bias", func(p *Params) { p.Bias = "sideways" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{
				Symbol: "BTCUSDT", Shape: ShapeArithmetic, Bias: BiasNeutral,
				LowerPrice: 100, UpperPrice: 200, GridCount: 10,
				TotalInvestment: 1000, Leverage: 2,
			}
			tt.mutate(&p)
			_, err := Ladder(p, testRules())
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestValidateAgainstRules(t *testing.T) {
	p := Params{
		Symbol: "BTCUSDT", Shape: ShapeArithmetic, Bias: BiasNeutral,
		LowerPrice: 100, UpperPrice: 200, GridCount: 10,
		TotalInvestment: 40, Leverage: 2,
	}
	// 40 < minNotional(5) x gridCount(10)
	err := p.ValidateAgainstRules(testRules())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	p.TotalInvestment = 100
	require.NoError(t, p.ValidateAgainstRules(testRules()))

	p.Leverage = 25
	err = p.ValidateAgainstRules(testRules())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestAdjacentIndex(t *testing.T) {
	idx, side, ok := AdjacentIndex(SideBuy, 3, 11)
	require.True(t, ok)
	assert.Equal(t, 4, idx)
	assert.Equal(t, SideSell, side)

	idx, side, ok = AdjacentIndex(SideSell, 4, 11)
	require.True(t, ok)
	assert.Equal(t, 3, idx)
	assert.Equal(t, SideBuy, side)

	// ladder exhausted at both edges
	_, _, ok = AdjacentIndex(SideBuy, 10, 11)
	assert.False(t, ok)
	_, _, ok = AdjacentIndex(SideSell, 0, 11)
	assert.False(t, ok)
}
