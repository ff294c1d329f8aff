package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrade/gateway"
)

type recordedEvent struct {
	kind       string
	strategyID string
	gridIndex  int
	clientID   string
}

type recordingHandler struct {
	mu       sync.Mutex
	events   []recordedEvent
	degraded []bool
}

func (h *recordingHandler) record(kind, strategyID string, gridIndex int, u gateway.OrderUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{kind, strategyID, gridIndex, u.ClientOrderID})
}

func (h *recordingHandler) OnFill(sid string, idx int, u gateway.OrderUpdate) {
	h.record("fill", sid, idx, u)
}
func (h *recordingHandler) OnCancel(sid string, idx int, u gateway.OrderUpdate) {
	h.record("cancel", sid, idx, u)
}
func (h *recordingHandler) OnReject(sid string, idx int, u gateway.OrderUpdate) {
	h.record("reject", sid, idx, u)
}
func (h *recordingHandler) OnConnectivity(degraded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = append(h.degraded, degraded)
}

func (h *recordingHandler) snapshot() []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedEvent(nil), h.events...)
}

func waitForEvents(t *testing.T, h *recordingHandler, n int) []recordedEvent {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.snapshot()) >= n },
		time.Second, time.Millisecond)
	return h.snapshot()
}

func TestDispatchRoutesByExchangeOrderID(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)
	defer d.Close()

	d.Register("ex-1", "c-1", "strat-a", 3)
	d.Dispatch(gateway.OrderUpdate{Kind: gateway.UpdateFill, ExchangeOrderID: "ex-1", ClientOrderID: "c-1"})

	events := waitForEvents(t, h, 1)
	assert.Equal(t, recordedEvent{"fill", "strat-a", 3, "c-1"}, events[0])
}

func TestDispatchIgnoresUnknownOrders(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)
	defer d.Close()

	d.Register("ex-1", "c-1", "strat-a", 3)
	// a manual trade on the same account carries a foreign client id
	d.Dispatch(gateway.OrderUpdate{Kind: gateway.UpdateFill, ExchangeOrderID: "ex-999", ClientOrderID: "web_manual"})
	d.Dispatch(gateway.OrderUpdate{Kind: gateway.UpdateFill, ExchangeOrderID: "ex-1", ClientOrderID: "c-1"})

	events := waitForEvents(t, h, 1)
	d.Close()
	require.Len(t, h.snapshot(), 1)
	assert.Equal(t, "strat-a", events[0].strategyID)
}

func TestDispatchRecoversSlotFromCorrelationID(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)
	defer d.Close()

	// fill arrives before the ack registered the exchange id
	cid := gateway.CorrelationID("strat-b", 5, 0)
	d.Dispatch(gateway.OrderUpdate{Kind: gateway.UpdateFill, ExchangeOrderID: "ex-7", ClientOrderID: cid})

	events := waitForEvents(t, h, 1)
	assert.Equal(t, "strat-b", events[0].strategyID)
	assert.Equal(t, 5, events[0].gridIndex)
}

func TestDispatchDedupsTerminalEvents(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	d.Register("ex-1", "c-1", "strat-a", 3)
	u := gateway.OrderUpdate{Kind: gateway.UpdateFill, ExchangeOrderID: "ex-1", ClientOrderID: "c-1"}
	d.Dispatch(u)
	d.Dispatch(u) // replay after reconnect

	waitForEvents(t, h, 1)
	d.Close()
	assert.Len(t, h.snapshot(), 1)
}

func TestDispatchPrunesRoutesAfterTerminalEvent(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	d.Register("ex-1", "c-1", "strat-a", 3)
	u := gateway.OrderUpdate{Kind: gateway.UpdateFill, ExchangeOrderID: "ex-1", ClientOrderID: "c-1"}
	d.Dispatch(u)

	// the order is terminal, long-running strategies must not accumulate
	// one route per rotation per slot
	d.mu.Lock()
	exRoutes, cidRoutes := len(d.byExID), len(d.byCID)
	d.mu.Unlock()
	assert.Zero(t, exRoutes)
	assert.Zero(t, cidRoutes)

	// a reconnect replay is still absorbed
	d.Dispatch(u)
	waitForEvents(t, h, 1)
	d.Close()
	assert.Len(t, h.snapshot(), 1)
}

func TestDispatchSerializesPerStrategy(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)

	for i := 0; i < 10; i++ {
		cid := gateway.CorrelationID("strat-a", i, 0)
		d.Register("", cid, "strat-a", i)
		d.Dispatch(gateway.OrderUpdate{Kind: gateway.UpdateFill, ClientOrderID: cid})
	}

	waitForEvents(t, h, 10)
	d.Close()

	events := h.snapshot()
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, i, e.gridIndex, "updates of one strategy must arrive in order")
	}
}

func TestDispatchConnectivityEvents(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)
	defer d.Close()

	d.Dispatch(gateway.OrderUpdate{Kind: gateway.UpdateDegraded})
	d.Dispatch(gateway.OrderUpdate{Kind: gateway.UpdateRestored})

	assert.Equal(t, []bool{true, false}, h.degraded)
}

func TestUnregisterDropsRoutes(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)
	defer d.Close()

	d.Register("ex-1", "c-1", "strat-a", 3)
	d.Unregister("strat-a")

	// route is gone and the correlation id does not parse, so nothing lands
	d.Dispatch(gateway.OrderUpdate{Kind: gateway.UpdateFill, ExchangeOrderID: "ex-1", ClientOrderID: "c-1"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.snapshot())
}

func TestPumpDrainsChannel(t *testing.T) {
	h := &recordingHandler{}
	d := New(h)
	defer d.Close()

	d.Register("ex-1", "c-1", "strat-a", 0)
	ch := make(chan gateway.OrderUpdate, 2)
	ch <- gateway.OrderUpdate{Kind: gateway.UpdateFill, ExchangeOrderID: "ex-1", ClientOrderID: "c-1"}
	close(ch)

	done := make(chan struct{})
	go func() {
		d.Pump(ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not return after channel close")
	}
	waitForEvents(t, h, 1)
}
