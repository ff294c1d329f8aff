package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"gridtrade/store"
)

// Binance does not expose fee rates on exchangeInfo; the standard VIP 0
// futures tiers apply until an account-level query overrides them.
const (
	defaultMakerFee = 0.0002
	defaultTakerFee = 0.0005
)

// FetchSymbolRules pulls the trading constraints for one symbol from the
// futures exchange-info endpoint.
func (g *BinanceGateway) FetchSymbolRules(ctx context.Context, symbol string) (*store.SymbolRules, error) {
	client := futures.NewClient("", "")
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, &ConnError{Exchange: "binance", Err: err}
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := &store.SymbolRules{
			Exchange:       "binance",
			Symbol:         symbol,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
			MaxLeverage:    125,
			MakerFee:       defaultMakerFee,
			TakerFee:       defaultTakerFee,
			RefreshedAt:    time.Now().UTC(),
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				if v, ok := f["minQty"].(string); ok {
					rules.MinQty, _ = strconv.ParseFloat(v, 64)
				}
			case "MIN_NOTIONAL":
				if v, ok := f["notional"].(string); ok {
					rules.MinNotional, _ = strconv.ParseFloat(v, 64)
				}
			}
		}
		return rules, nil
	}
	return nil, fmt.Errorf("symbol %s not listed on binance futures", symbol)
}
