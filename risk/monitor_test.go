package risk

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrade/market"
	"gridtrade/store"
)

// fakeFeed delivers ticks pushed by the test
type fakeFeed struct {
	mu   sync.Mutex
	subs map[string][]chan market.Tick
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string][]chan market.Tick)}
}

func (f *fakeFeed) Subscribe(symbol string) (<-chan market.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan market.Tick, 16)
	f.subs[symbol] = append(f.subs[symbol], ch)
	return ch, nil
}

func (f *fakeFeed) Unsubscribe(symbol string, ch <-chan market.Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[symbol]
	for i, c := range subs {
		if c == ch {
			f.subs[symbol] = append(subs[:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

func (f *fakeFeed) Close() {}

func (f *fakeFeed) push(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[symbol] {
		ch <- market.Tick{Exchange: "binance", Symbol: symbol, MarkPrice: price, EventTime: time.Now()}
	}
}

type stopCall struct {
	id        string
	reason    string
	permanent bool
}

type fakeStopper struct {
	mu    sync.Mutex
	calls []stopCall
}

func (s *fakeStopper) Finish(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, stopCall{id, reason, true})
	return nil
}

func (s *fakeStopper) ForceStop(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, stopCall{id, reason, false})
	return nil
}

func (s *fakeStopper) snapshot() []stopCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stopCall(nil), s.calls...)
}

func waitForStop(t *testing.T, s *fakeStopper) stopCall {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.snapshot()) > 0 },
		time.Second, time.Millisecond)
	return s.snapshot()[0]
}

func newRiskFixture(t *testing.T, lossCap float64) (*Monitor, *fakeFeed, *fakeStopper, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "risk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	feed := newFakeFeed()
	stopper := &fakeStopper{}
	m := NewMonitor(s, feed, stopper, lossCap)
	t.Cleanup(m.Close)
	return m, feed, stopper, s
}

func watchedStrategy(t *testing.T, s *store.Store, slPct, tpPct float64) *store.GridStrategy {
	t.Helper()
	st := &store.GridStrategy{
		ID: uuid.New().String(), OwnerID: "u1", Exchange: "binance", Symbol: "BTCUSDT",
		GridType: "arithmetic", Bias: "neutral",
		UpperPrice: 60000, LowerPrice: 50000, GridCount: 10,
		TotalInvestment: 10000, Leverage: 5,
		StopLossPct: slPct, TakeProfitPct: tpPct,
		Status: store.StatusRunning,
	}
	require.NoError(t, s.Strategy().Create(st))
	return st
}

func TestStopLossFinishesStrategy(t *testing.T) {
	m, feed, stopper, s := newRiskFixture(t, 0)
	st := watchedStrategy(t, s, 0.05, 0) // trigger at 50000 - 5% = 47500
	require.NoError(t, m.Watch(st))

	feed.push("BTCUSDT", 48000) // above the trigger, nothing happens
	feed.push("BTCUSDT", 47400)

	call := waitForStop(t, stopper)
	assert.Equal(t, st.ID, call.id)
	assert.True(t, call.permanent, "stop-loss must finish, not stop")
	assert.Contains(t, call.reason, "stop-loss")
}

func TestTakeProfitFinishesStrategy(t *testing.T) {
	m, feed, stopper, s := newRiskFixture(t, 0)
	st := watchedStrategy(t, s, 0, 0.10) // trigger at 60000 + 10% = 66000
	require.NoError(t, m.Watch(st))

	feed.push("BTCUSDT", 65000)
	feed.push("BTCUSDT", 66100)

	call := waitForStop(t, stopper)
	assert.True(t, call.permanent)
	assert.Contains(t, call.reason, "take-profit")
}

func TestDisabledTriggersNeverFire(t *testing.T) {
	m, feed, stopper, s := newRiskFixture(t, 0)
	st := watchedStrategy(t, s, 0, 0)
	require.NoError(t, m.Watch(st))

	feed.push("BTCUSDT", 1)
	feed.push("BTCUSDT", 1000000)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, stopper.snapshot())
}

func TestLossCapForcesStop(t *testing.T) {
	m, feed, stopper, s := newRiskFixture(t, 0.10) // cap at 10% of investment
	st := watchedStrategy(t, s, 0, 0)
	require.NoError(t, s.Strategy().AddRealizedPnL(st.ID, -1500)) // > 1000 cap
	require.NoError(t, m.Watch(st))

	feed.push("BTCUSDT", 55000)

	call := waitForStop(t, stopper)
	assert.Equal(t, st.ID, call.id)
	assert.False(t, call.permanent, "loss cap stops, it does not finish")
	assert.Contains(t, call.reason, "loss")
}

func TestUnwatchStopsEvaluation(t *testing.T) {
	m, feed, stopper, s := newRiskFixture(t, 0)
	st := watchedStrategy(t, s, 0.05, 0)
	require.NoError(t, m.Watch(st))

	m.Unwatch(st.ID)
	// channel is closed by unsubscribe; pushing to a fresh subscriber set is
	// a no-op for the old watch
	feed.push("BTCUSDT", 1)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, stopper.snapshot())
}

func TestWatchIsIdempotent(t *testing.T) {
	m, feed, _, s := newRiskFixture(t, 0)
	st := watchedStrategy(t, s, 0.05, 0)
	require.NoError(t, m.Watch(st))
	require.NoError(t, m.Watch(st))

	feed.mu.Lock()
	n := len(feed.subs["BTCUSDT"])
	feed.mu.Unlock()
	assert.Equal(t, 1, n)
}
