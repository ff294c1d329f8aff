package rules

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrade/store"
)

type fakeFetcher struct {
	calls int
	rules *store.SymbolRules
	err   error
}

func (f *fakeFetcher) FetchSymbolRules(ctx context.Context, symbol string) (*store.SymbolRules, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := *f.rules
	r.Symbol = symbol
	r.RefreshedAt = time.Now().UTC()
	return &r, nil
}

func testSymbolRules() *store.SymbolRules {
	return &store.SymbolRules{
		Exchange: "binance", Symbol: "BTCUSDT",
		PricePrecision: 2, QtyPrecision: 3,
		MinQty: 0.001, MinNotional: 5, MaxLeverage: 125,
	}
}

func newTestCache(t *testing.T, f Fetcher, ttl time.Duration) (*Cache, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewCache(map[string]Fetcher{"binance": f}, s.Rules(), ttl), s
}

func TestGetCachesWithinTTL(t *testing.T) {
	f := &fakeFetcher{rules: testSymbolRules()}
	c, _ := newTestCache(t, f, time.Hour)

	r1, stale, err := c.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, 2, r1.PricePrecision)

	_, _, err = c.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls, "second hit within TTL must not refetch")
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	f := &fakeFetcher{rules: testSymbolRules()}
	c, _ := newTestCache(t, f, time.Nanosecond)

	_, _, err := c.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, _, err = c.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestGetPersistsFreshRules(t *testing.T) {
	f := &fakeFetcher{rules: testSymbolRules()}
	c, s := newTestCache(t, f, time.Hour)

	_, _, err := c.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)

	persisted, err := s.Rules().Get("binance", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, 125, persisted.MaxLeverage)
}

func TestGetFallsBackToPersistedCopy(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection refused")}
	c, s := newTestCache(t, f, time.Hour)

	old := testSymbolRules()
	old.RefreshedAt = time.Now().Add(-24 * time.Hour).UTC()
	require.NoError(t, s.Rules().Upsert(old))

	r, stale, err := c.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, 2, r.PricePrecision)
}

func TestGetFailsWithoutAnyCopy(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection refused")}
	c, _ := newTestCache(t, f, time.Hour)

	_, _, err := c.Get(context.Background(), "binance", "BTCUSDT")
	assert.Error(t, err)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := &fakeFetcher{rules: testSymbolRules()}
	c, _ := newTestCache(t, f, time.Hour)

	_, _, err := c.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	c.Invalidate("binance", "BTCUSDT")
	_, _, err = c.Get(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestToGridRules(t *testing.T) {
	r := testSymbolRules()
	g := ToGridRules(r)
	assert.Equal(t, int32(2), g.PricePrecision)
	assert.Equal(t, int32(3), g.QtyPrecision)
	assert.InDelta(t, 0.001, g.MinQty, 1e-12)
	assert.InDelta(t, 5.0, g.MinNotional, 1e-12)
	assert.Equal(t, 125, g.MaxLeverage)
}
