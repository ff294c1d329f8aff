package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"gridtrade/gateway"
	"gridtrade/grid"
	"gridtrade/logger"
	"gridtrade/store"
)

// fillTimeout bounds the counter-order placement triggered by a fill
const fillTimeout = 30 * time.Second

// OnFill reacts to a filled grid order: the counter-order goes out first,
// then the fill is finalized in the store. A crash between the two replays
// the fill on restart; the deterministic correlation id makes the replayed
// counter-order placement a no-op on the exchange.
func (m *Manager) OnFill(strategyID string, gridIndex int, u gateway.OrderUpdate) {
	lock := m.strategyLock(strategyID)
	lock.Lock()
	defer lock.Unlock()

	o, err := m.store.Order().GetByClientOrderID(u.ClientOrderID)
	if err != nil {
		logger.Errorf("[Grid] fill lookup failed for %s: %v", u.ClientOrderID, err)
		return
	}
	if o == nil || o.Status == store.OrderFilled {
		return
	}

	m.mu.Lock()
	rt := m.running[strategyID]
	m.mu.Unlock()
	if rt == nil {
		// fill raced a stop; record it with its PnL but place nothing
		profit := m.realizedProfit(strategyID, o, u)
		m.store.Order().MarkFilled(o.ID, profit)
		if profit != 0 {
			m.store.Strategy().AddRealizedPnL(strategyID, profit)
		}
		logger.Warnf("[Grid] fill for stopped strategy %s at slot %d%s", strategyID, gridIndex, profitSuffix(profit))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fillTimeout)
	defer cancel()

	filledQty := parseDecimal(u.FilledQuantity, o.Quantity)
	side := grid.Side(o.Side)

	counter, ok := grid.CounterOrder(rt.ladder, side, gridIndex, filledQty, rt.rules)
	if ok {
		// an out-of-order fill can target a slot that still holds an open
		// order; the resting order already covers that price level
		if occupied, err := m.store.Order().GetOpenAtSlot(strategyID, counter.Index); err == nil && occupied != nil {
			logger.Debugf("[Grid] slot %d of %s already open, skipping counter-order", counter.Index, strategyID)
		} else if err := m.placeLevel(ctx, rt, strategyID, counter); err != nil {
			var rejErr *gateway.RejectError
			if errors.As(err, &rejErr) {
				// the slot stays empty; the rest of the grid keeps working
				logger.Warnf("[Grid] counter-order for %s slot %d rejected: %v", strategyID, counter.Index, err)
			} else {
				logger.Errorf("[Grid] counter-order for %s slot %d failed: %v", strategyID, counter.Index, err)
				m.forceStopAsync(strategyID, "counter-order placement failed: "+err.Error())
				return
			}
		}
	} else {
		logger.Warnf("[Grid] ladder exhausted for %s: %s fill at edge slot %d", strategyID, side, gridIndex)
		if m.onLadderExhausted != nil {
			m.onLadderExhausted(strategyID, side, gridIndex)
		}
	}

	profit := m.realizedProfit(strategyID, o, u)
	m.store.Order().MarkFilled(o.ID, profit)
	if profit != 0 {
		m.store.Strategy().AddRealizedPnL(strategyID, profit)
	}
	logger.Infof("[Grid] %s slot %d filled%s", strategyID, gridIndex, profitSuffix(profit))
}

// realizedProfit computes the round-trip profit a closing SELL realizes
// against the most recent lower BUY. BUY fills open inventory and realize
// nothing.
func (m *Manager) realizedProfit(strategyID string, o *store.GridOrder, u gateway.OrderUpdate) float64 {
	if o.Side != string(grid.SideSell) {
		return 0
	}
	buy, err := m.store.Order().LatestFilledBuyBelow(strategyID, o.GridIndex)
	if err != nil || buy == nil {
		return 0
	}

	sellPrice := parseDecimal(u.FilledPrice, o.Price)
	qty := parseDecimal(u.FilledQuantity, o.Quantity)
	buyPrice := decimal.NewFromFloat(buy.Price)
	return sellPrice.Sub(buyPrice).Mul(qty).InexactFloat64()
}

// OnCancel records an exchange-side cancellation
func (m *Manager) OnCancel(strategyID string, gridIndex int, u gateway.OrderUpdate) {
	o, err := m.store.Order().GetByClientOrderID(u.ClientOrderID)
	if err != nil || o == nil {
		return
	}
	if o.Status == store.OrderPlaced {
		m.store.Order().UpdateStatus(o.ID, store.OrderCanceled)
		logger.Infof("[Grid] %s slot %d canceled on exchange", strategyID, gridIndex)
	}
}

// OnReject stops the strategy: an asynchronous rejection means the grid has
// a hole that retries cannot patch.
func (m *Manager) OnReject(strategyID string, gridIndex int, u gateway.OrderUpdate) {
	o, err := m.store.Order().GetByClientOrderID(u.ClientOrderID)
	if err == nil && o != nil {
		m.store.Order().UpdateStatus(o.ID, store.OrderRejected)
	}
	logger.Errorf("[Grid] order rejected for %s at slot %d", strategyID, gridIndex)
	m.forceStopAsync(strategyID, "exchange rejected grid order")
}

// OnConnectivity flags running strategies as degraded while the order
// channel reconnects. Orders already resting on the exchange keep working.
func (m *Manager) OnConnectivity(degraded bool) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.store.Strategy().SetDegraded(id, degraded); err != nil {
			logger.Warnf("[Grid] cannot flag %s degraded=%v: %v", id, degraded, err)
		}
	}
	if degraded {
		logger.Warnf("[Grid] order channel degraded, %d strategies affected", len(ids))
	} else {
		logger.Infof("[Grid] order channel restored, %d strategies affected", len(ids))
	}
}

// forceStopAsync stops a strategy from inside a dispatch callback. The stop
// takes the same per-strategy lock the callback holds, so it runs on its own
// goroutine.
func (m *Manager) forceStopAsync(strategyID, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fillTimeout)
		defer cancel()
		if err := m.ForceStop(ctx, strategyID, reason); err != nil {
			logger.Errorf("[Grid] forced stop of %s failed: %v", strategyID, err)
		}
	}()
}

func parseDecimal(s string, fallback float64) decimal.Decimal {
	if s != "" {
		if d, err := decimal.NewFromString(s); err == nil && d.IsPositive() {
			return d
		}
	}
	return decimal.NewFromFloat(fallback)
}

func profitSuffix(profit float64) string {
	if profit == 0 {
		return ""
	}
	return ", realized " + strconv.FormatFloat(profit, 'f', -1, 64)
}
