package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testStrategy() *GridStrategy {
	return &GridStrategy{
		ID:              uuid.New().String(),
		OwnerID:         "user-1",
		Exchange:        "binance",
		Symbol:          "BTCUSDT",
		GridType:        "arithmetic",
		Bias:            "neutral",
		UpperPrice:      60000,
		LowerPrice:      50000,
		GridCount:       10,
		TotalInvestment: 10000,
		Leverage:        5,
	}
}

func TestStrategyLifecyclePersistence(t *testing.T) {
	s := newTestStore(t)
	st := testStrategy()
	require.NoError(t, s.Strategy().Create(st))

	got, err := s.Strategy().Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, "futures", got.MarketType)

	require.NoError(t, s.Strategy().UpdateStatus(st.ID, StatusRunning, ""))
	require.NoError(t, s.Strategy().UpdateStatus(st.ID, StatusStopped, "order rejected after retries"))

	got, err = s.Strategy().Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, "order rejected after retries", got.FailureReason)

	err = s.Strategy().UpdateStatus("missing", StatusRunning, "")
	assert.Error(t, err)
}

func TestStrategyListByOwnerAndStatus(t *testing.T) {
	s := newTestStore(t)

	a := testStrategy()
	b := testStrategy()
	b.OwnerID = "user-2"
	require.NoError(t, s.Strategy().Create(a))
	require.NoError(t, s.Strategy().Create(b))
	require.NoError(t, s.Strategy().UpdateStatus(b.ID, StatusRunning, ""))

	mine, err := s.Strategy().List("user-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	running, err := s.Strategy().ListByStatus(StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)
}

func TestStrategyRealizedPnLAccumulates(t *testing.T) {
	s := newTestStore(t)
	st := testStrategy()
	require.NoError(t, s.Strategy().Create(st))

	require.NoError(t, s.Strategy().AddRealizedPnL(st.ID, 12.5))
	require.NoError(t, s.Strategy().AddRealizedPnL(st.ID, -2.5))

	got, err := s.Strategy().Get(st.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got.RealizedPnL, 1e-9)
}

func TestOrderSlotUniqueness(t *testing.T) {
	s := newTestStore(t)
	st := testStrategy()
	require.NoError(t, s.Strategy().Create(st))

	first := &GridOrder{
		ID: uuid.New().String(), StrategyID: st.ID, GridIndex: 3,
		Side: "BUY", Price: 53000, Quantity: 0.1, ClientOrderID: "c-1",
	}
	require.NoError(t, s.Order().Create(first))

	// a second open order on the same slot violates the partial unique index
	dup := &GridOrder{
		ID: uuid.New().String(), StrategyID: st.ID, GridIndex: 3,
		Side: "BUY", Price: 53000, Quantity: 0.1, ClientOrderID: "c-2",
	}
	assert.Error(t, s.Order().Create(dup))

	// once the first terminates, the slot frees up
	require.NoError(t, s.Order().MarkFilled(first.ID, 0))
	dup.ID = uuid.New().String()
	assert.NoError(t, s.Order().Create(dup))
}

func TestOrderQueries(t *testing.T) {
	s := newTestStore(t)
	st := testStrategy()
	require.NoError(t, s.Strategy().Create(st))

	buy := &GridOrder{
		ID: uuid.New().String(), StrategyID: st.ID, GridIndex: 2,
		Side: "BUY", Price: 52000, Quantity: 0.1, ClientOrderID: "c-buy",
	}
	require.NoError(t, s.Order().Create(buy))
	require.NoError(t, s.Order().SetExchangeOrderID(buy.ID, "ex-100"))
	require.NoError(t, s.Order().MarkFilled(buy.ID, 0))

	sell := &GridOrder{
		ID: uuid.New().String(), StrategyID: st.ID, GridIndex: 3,
		Side: "SELL", Price: 53000, Quantity: 0.1, ClientOrderID: "c-sell",
	}
	require.NoError(t, s.Order().Create(sell))

	open, err := s.Order().ListOpen(st.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, sell.ID, open[0].ID)

	atSlot, err := s.Order().GetOpenAtSlot(st.ID, 3)
	require.NoError(t, err)
	require.NotNil(t, atSlot)
	assert.Equal(t, sell.ID, atSlot.ID)

	atSlot, err = s.Order().GetOpenAtSlot(st.ID, 2)
	require.NoError(t, err)
	assert.Nil(t, atSlot)

	byCID, err := s.Order().GetByClientOrderID("c-buy")
	require.NoError(t, err)
	require.NotNil(t, byCID)
	assert.Equal(t, "ex-100", byCID.ExchangeOrderID)

	lower, err := s.Order().LatestFilledBuyBelow(st.ID, 3)
	require.NoError(t, err)
	require.NotNil(t, lower)
	assert.Equal(t, buy.ID, lower.ID)

	require.NoError(t, s.Order().MarkFilled(sell.ID, 100))
	pnl, err := s.Order().SumRealizedProfit(st.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, pnl, 1e-9)
}

func TestStrategyDeleteCascadesOrders(t *testing.T) {
	s := newTestStore(t)
	st := testStrategy()
	require.NoError(t, s.Strategy().Create(st))
	require.NoError(t, s.Order().Create(&GridOrder{
		ID: uuid.New().String(), StrategyID: st.ID, GridIndex: 0,
		Side: "BUY", Price: 50000, Quantity: 0.1, ClientOrderID: "c-0",
	}))

	require.NoError(t, s.Strategy().Delete(st.ID))

	orders, err := s.Order().ListByStrategy(st.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRulesUpsertKeepsNewer(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	fresh := &SymbolRules{
		Exchange: "binance", Symbol: "BTCUSDT",
		PricePrecision: 2, QtyPrecision: 3,
		MinQty: 0.001, MinNotional: 5, MaxLeverage: 20,
		RefreshedAt: now,
	}
	require.NoError(t, s.Rules().Upsert(fresh))

	// stale write from a lagging refresher must not clobber the fresh row
	stale := &SymbolRules{
		Exchange: "binance", Symbol: "BTCUSDT",
		PricePrecision: 1, QtyPrecision: 1,
		MinQty: 1, MinNotional: 1, MaxLeverage: 1,
		RefreshedAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.Rules().Upsert(stale))

	got, err := s.Rules().Get("binance", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.PricePrecision)
	assert.Equal(t, 20, got.MaxLeverage)

	// newer write wins
	fresh2 := *fresh
	fresh2.MinNotional = 10
	fresh2.RefreshedAt = now.Add(time.Hour)
	require.NoError(t, s.Rules().Upsert(&fresh2))

	got, err = s.Rules().Get("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got.MinNotional, 1e-9)

	missing, err := s.Rules().Get("binance", "NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestExchangeCredentialsEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	s.SetCryptoFuncs(
		func(v string) string { return "enc:" + v },
		func(v string) string {
			if len(v) > 4 && v[:4] == "enc:" {
				return v[4:]
			}
			return v
		},
	)

	id, err := s.Exchange().Create("user-1", "binance", "Main", true, "my-key", "my-secret", false)
	require.NoError(t, err)

	// stored values are ciphertext
	var rawKey, rawSecret string
	err = s.db.QueryRow(`SELECT api_key, secret_key FROM exchanges WHERE id = ?`, id).
		Scan(&rawKey, &rawSecret)
	require.NoError(t, err)
	assert.Equal(t, "enc:my-key", rawKey)
	assert.Equal(t, "enc:my-secret", rawSecret)

	// reads decrypt transparently
	e, err := s.Exchange().GetByID("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, "my-key", e.APIKey)
	assert.Equal(t, "my-secret", e.SecretKey)

	enabled, err := s.Exchange().GetEnabled("user-1", "binance")
	require.NoError(t, err)
	require.NotNil(t, enabled)
	assert.Equal(t, id, enabled.ID)

	// empty key fields keep the stored credential
	require.NoError(t, s.Exchange().Update("user-1", id, false, "", "", true))
	e, err = s.Exchange().GetByID("user-1", id)
	require.NoError(t, err)
	assert.Equal(t, "my-key", e.APIKey)
	assert.False(t, e.Enabled)
}
