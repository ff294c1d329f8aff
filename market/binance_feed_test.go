package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleMessageFansOutTicks(t *testing.T) {
	f := NewBinanceFeed()
	ch := make(chan Tick, 1)
	f.subscribers["btcusdt"] = []chan Tick{ch}

	f.handleMessage([]byte(`{
		"stream": "btcusdt@markPrice@1s",
		"data": {"E": 1700000000000, "s": "BTCUSDT", "p": "54321.50"}
	}`))

	select {
	case tick := <-ch:
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.InDelta(t, 54321.50, tick.MarkPrice, 1e-9)
		assert.Equal(t, time.UnixMilli(1700000000000), tick.EventTime)
	default:
		t.Fatal("no tick delivered")
	}
}

func TestHandleMessageDropsWhenSubscriberFull(t *testing.T) {
	f := NewBinanceFeed()
	ch := make(chan Tick) // unbuffered, nobody reading
	f.subscribers["btcusdt"] = []chan Tick{ch}

	done := make(chan struct{})
	go func() {
		f.handleMessage([]byte(`{
			"stream": "btcusdt@markPrice@1s",
			"data": {"E": 1, "s": "BTCUSDT", "p": "1.0"}
		}`))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fan-out blocked on a slow consumer")
	}
}

func TestHandleMessageIgnoresOtherStreams(t *testing.T) {
	f := NewBinanceFeed()
	ch := make(chan Tick, 1)
	f.subscribers["btcusdt"] = []chan Tick{ch}

	f.handleMessage([]byte(`{
		"stream": "btcusdt@kline_1m",
		"data": {"E": 1, "s": "BTCUSDT"}
	}`))
	f.handleMessage([]byte(`not json`))

	assert.Empty(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	f := NewBinanceFeed()
	ch := make(chan Tick, 1)
	f.subscribers["btcusdt"] = []chan Tick{ch}

	f.Unsubscribe("BTCUSDT", ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Empty(t, f.subscribers)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	f := NewBinanceFeed()
	a := make(chan Tick, 1)
	b := make(chan Tick, 1)
	f.subscribers["btcusdt"] = []chan Tick{a}
	f.subscribers["ethusdt"] = []chan Tick{b}

	f.Close()

	_, open := <-a
	require.False(t, open)
	_, open = <-b
	require.False(t, open)

	_, err := f.Subscribe("BTCUSDT")
	assert.Error(t, err)
}
