// Package risk watches mark prices and realized losses for running
// strategies and terminates them when a protective threshold is crossed.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridtrade/grid"
	"gridtrade/logger"
	"gridtrade/market"
	"gridtrade/store"
)

// stopTimeout bounds the termination a trigger initiates
const stopTimeout = 30 * time.Second

// Stopper terminates strategies. Finish is permanent (stop-loss,
// take-profit); ForceStop allows a later reset (loss cap).
type Stopper interface {
	Finish(ctx context.Context, id, reason string) error
	ForceStop(ctx context.Context, id, reason string) error
}

// Monitor evaluates risk triggers per watched strategy
type Monitor struct {
	store   *store.Store
	feed    market.Feed
	stopper Stopper

	// lossCap is the maximum tolerated realized loss as a fraction of the
	// strategy's total investment. Zero disables the cap.
	lossCap float64

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	symbol string
	ticks  <-chan market.Tick
	done   chan struct{}
}

// NewMonitor creates a monitor over the given mark price feed
func NewMonitor(st *store.Store, feed market.Feed, stopper Stopper, lossCap float64) *Monitor {
	return &Monitor{
		store:   st,
		feed:    feed,
		stopper: stopper,
		lossCap: lossCap,
		watches: make(map[string]*watch),
	}
}

// Watch starts risk evaluation for one running strategy
func (m *Monitor) Watch(st *store.GridStrategy) error {
	m.mu.Lock()
	if _, ok := m.watches[st.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ticks, err := m.feed.Subscribe(st.Symbol)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", st.Symbol, err)
	}

	w := &watch{symbol: st.Symbol, ticks: ticks, done: make(chan struct{})}
	m.mu.Lock()
	m.watches[st.ID] = w
	m.mu.Unlock()

	go m.run(st, w)
	logger.Infof("[Risk] watching %s (%s)", st.ID, st.Symbol)
	return nil
}

// Unwatch stops risk evaluation for a strategy
func (m *Monitor) Unwatch(strategyID string) {
	m.mu.Lock()
	w, ok := m.watches[strategyID]
	if ok {
		delete(m.watches, strategyID)
	}
	m.mu.Unlock()

	if ok {
		close(w.done)
		m.feed.Unsubscribe(w.symbol, w.ticks)
		logger.Infof("[Risk] unwatched %s", strategyID)
	}
}

// OnLadderExhausted handles the edge-fill event from the lifecycle manager.
// The grid stays up; repeated exhaustion while a stop level is configured is
// handled by the price triggers, so this only records the breakout.
func (m *Monitor) OnLadderExhausted(strategyID string, side grid.Side, gridIndex int) {
	logger.Warnf("[Risk] %s broke out of its range: %s fill at edge slot %d", strategyID, side, gridIndex)
}

// Close stops every watch
func (m *Monitor) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Unwatch(id)
	}
}

// run evaluates every tick against the strategy's triggers until unwatch
func (m *Monitor) run(st *store.GridStrategy, w *watch) {
	slPrice, tpPrice := triggerPrices(st)

	for {
		select {
		case <-w.done:
			return
		case tick, ok := <-w.ticks:
			if !ok {
				return
			}
			if m.evaluate(st, tick.MarkPrice, slPrice, tpPrice) {
				m.Unwatch(st.ID)
				return
			}
		}
	}
}

// triggerPrices derives the absolute stop-loss and take-profit prices from
// the configured percentages. Zero percentage disables the trigger.
func triggerPrices(st *store.GridStrategy) (slPrice, tpPrice float64) {
	if st.StopLossPct > 0 {
		slPrice = st.LowerPrice - st.LowerPrice*st.StopLossPct
	}
	if st.TakeProfitPct > 0 {
		tpPrice = st.UpperPrice + st.UpperPrice*st.TakeProfitPct
	}
	return slPrice, tpPrice
}

// evaluate applies the triggers to one mark price. It returns true when the
// strategy was terminated.
func (m *Monitor) evaluate(st *store.GridStrategy, mark, slPrice, tpPrice float64) bool {
	switch {
	case slPrice > 0 && mark <= slPrice:
		logger.Warnf("[Risk] stop-loss for %s: mark %.4f <= %.4f", st.ID, mark, slPrice)
		m.terminate(st.ID, fmt.Sprintf("stop-loss triggered at %.4f", mark), true)
		return true

	case tpPrice > 0 && mark >= tpPrice:
		logger.Infof("[Risk] take-profit for %s: mark %.4f >= %.4f", st.ID, mark, tpPrice)
		m.terminate(st.ID, fmt.Sprintf("take-profit triggered at %.4f", mark), true)
		return true
	}

	if m.lossCap > 0 {
		cur, err := m.store.Strategy().Get(st.ID)
		if err != nil {
			logger.Warnf("[Risk] cannot read strategy %s: %v", st.ID, err)
			return false
		}
		maxLoss := st.TotalInvestment * m.lossCap
		if cur.RealizedPnL <= -maxLoss {
			logger.Warnf("[Risk] loss cap for %s: realized %.4f <= -%.4f", st.ID, cur.RealizedPnL, maxLoss)
			m.terminate(st.ID, fmt.Sprintf("realized loss %.4f exceeded cap", cur.RealizedPnL), false)
			return true
		}
	}
	return false
}

func (m *Monitor) terminate(strategyID, reason string, permanent bool) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var err error
	if permanent {
		err = m.stopper.Finish(ctx, strategyID, reason)
	} else {
		err = m.stopper.ForceStop(ctx, strategyID, reason)
	}
	if err != nil {
		logger.Errorf("[Risk] failed to terminate %s: %v", strategyID, err)
	}
}
