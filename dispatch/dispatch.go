// Package dispatch routes execution updates from pooled sessions to the
// strategies that own them.
package dispatch

import (
	"sync"

	"gridtrade/gateway"
	"gridtrade/logger"
)

// Handler receives routed updates. Calls for one strategy are serialized;
// calls for different strategies may run concurrently.
type Handler interface {
	OnFill(strategyID string, gridIndex int, u gateway.OrderUpdate)
	OnCancel(strategyID string, gridIndex int, u gateway.OrderUpdate)
	OnReject(strategyID string, gridIndex int, u gateway.OrderUpdate)
	OnConnectivity(degraded bool)
}

type route struct {
	strategyID string
	gridIndex  int
}

// Dispatcher maps exchange order ids back to grid slots and fans updates out
// to per-strategy worker queues. Updates for unknown orders are dropped, so
// manual trades on the same account cannot disturb a strategy.
type Dispatcher struct {
	handler Handler

	mu       sync.Mutex
	byExID   map[string]route // exchangeOrderID -> slot
	byCID    map[string]route // clientOrderID -> slot
	seen     map[string]bool  // clientOrderID -> terminal event already delivered
	queues   map[string]chan func()
	stopping bool
	wg       sync.WaitGroup
}

// New creates a dispatcher delivering to handler
func New(handler Handler) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		byExID:  make(map[string]route),
		byCID:   make(map[string]route),
		seen:    make(map[string]bool),
		queues:  make(map[string]chan func()),
	}
}

// Register binds an order to its grid slot, called at placement ack
func (d *Dispatcher) Register(exchangeOrderID, clientOrderID, strategyID string, gridIndex int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := route{strategyID: strategyID, gridIndex: gridIndex}
	if exchangeOrderID != "" {
		d.byExID[exchangeOrderID] = r
	}
	if clientOrderID != "" {
		d.byCID[clientOrderID] = r
	}
}

// Unregister drops all routes of one strategy and drains its queue
func (d *Dispatcher) Unregister(strategyID string) {
	d.mu.Lock()
	for id, r := range d.byExID {
		if r.strategyID == strategyID {
			delete(d.byExID, id)
		}
	}
	for id, r := range d.byCID {
		if r.strategyID == strategyID {
			delete(d.byCID, id)
			delete(d.seen, id)
		}
	}
	q := d.queues[strategyID]
	delete(d.queues, strategyID)
	d.mu.Unlock()

	if q != nil {
		close(q)
	}
}

// Pump consumes a session's update channel until it closes. Run one Pump
// goroutine per pooled session.
func (d *Dispatcher) Pump(updates <-chan gateway.OrderUpdate) {
	for u := range updates {
		d.Dispatch(u)
	}
}

// Dispatch routes one update
func (d *Dispatcher) Dispatch(u gateway.OrderUpdate) {
	switch u.Kind {
	case gateway.UpdateDegraded:
		d.handler.OnConnectivity(true)
		return
	case gateway.UpdateRestored:
		d.handler.OnConnectivity(false)
		return
	}

	d.mu.Lock()
	r, ok := d.byExID[u.ExchangeOrderID]
	if !ok {
		r, ok = d.byCID[u.ClientOrderID]
	}
	if !ok {
		// pre-ack fill: the correlation id itself carries the slot
		if sid, idx, _, parsed := gateway.ParseCorrelationID(u.ClientOrderID); parsed {
			r = route{strategyID: sid, gridIndex: idx}
			ok = true
		}
	}
	if !ok {
		d.mu.Unlock()
		logger.Debugf("[Dispatch] ignoring update for unknown order ex=%s client=%s", u.ExchangeOrderID, u.ClientOrderID)
		return
	}

	// terminal events are delivered at most once per order
	if u.ClientOrderID != "" {
		if d.seen[u.ClientOrderID] {
			d.mu.Unlock()
			logger.Debugf("[Dispatch] duplicate %s for %s dropped", u.Kind, u.ClientOrderID)
			return
		}
		d.seen[u.ClientOrderID] = true
	}

	// every routed kind is terminal, so the routes are done; the seen entry
	// stays to absorb reconnect duplicates until the strategy unregisters
	delete(d.byExID, u.ExchangeOrderID)
	delete(d.byCID, u.ClientOrderID)

	q := d.queue(r.strategyID)
	d.mu.Unlock()

	update := u
	slot := r
	d.enqueue(q, func() {
		switch update.Kind {
		case gateway.UpdateFill:
			d.handler.OnFill(slot.strategyID, slot.gridIndex, update)
		case gateway.UpdateCancel:
			d.handler.OnCancel(slot.strategyID, slot.gridIndex, update)
		case gateway.UpdateReject:
			d.handler.OnReject(slot.strategyID, slot.gridIndex, update)
		}
	})
}

// queue returns the per-strategy work queue, starting its worker on first use.
// Caller holds d.mu.
func (d *Dispatcher) queue(strategyID string) chan func() {
	if q, ok := d.queues[strategyID]; ok {
		return q
	}
	q := make(chan func(), 64)
	d.queues[strategyID] = q
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for fn := range q {
			fn()
		}
	}()
	return q
}

func (d *Dispatcher) enqueue(q chan func(), fn func()) {
	defer func() {
		// the queue may close under a concurrent Unregister
		if recover() != nil {
			logger.Debugf("[Dispatch] dropped update for unregistered strategy")
		}
	}()
	q <- fn
}

// Close stops all workers after draining their queues
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	queues := d.queues
	d.queues = make(map[string]chan func())
	d.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	d.wg.Wait()
}
