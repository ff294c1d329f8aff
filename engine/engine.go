// Package engine drives grid strategies through their lifecycle: it builds
// the initial order batch, reacts to fills with counter-orders, and keeps the
// persisted state consistent with the exchange.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridtrade/dispatch"
	"gridtrade/gateway"
	"gridtrade/grid"
	"gridtrade/logger"
	"gridtrade/rules"
	"gridtrade/session"
	"gridtrade/store"
)

// ErrInvalidTransition is returned for lifecycle operations the strategy's
// current state does not allow.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Config tunes order placement behavior
type Config struct {
	RetryMax     int
	RetryBackoff time.Duration
	Allocation   grid.AllocationPolicy
}

// LadderExhaustedFunc observes fills at the edge of the ladder. The grid
// keeps running; the observer decides whether that warrants action.
type LadderExhaustedFunc func(strategyID string, side grid.Side, gridIndex int)

// StoppedFunc observes strategies leaving RUNNING, however the stop was
// initiated. Forced stops from inside fill handling go through here too.
type StoppedFunc func(strategyID string)

// Manager owns the lifecycle of every strategy in the process
type Manager struct {
	store      *store.Store
	pool       *session.Pool
	rulesCache *rules.Cache
	cfg        Config

	dispatcher        *dispatch.Dispatcher
	onLadderExhausted LadderExhaustedFunc
	onStopped         StoppedFunc

	mu      sync.Mutex
	running map[string]*runtime
	locks   map[string]*sync.Mutex
	pumped  map[gateway.Session]bool
}

// runtime is the in-memory state of one RUNNING strategy
type runtime struct {
	key    session.Key
	sess   gateway.Session
	symbol string
	ladder []decimal.Decimal
	rules  grid.Rules
}

// NewManager creates a manager. Call SetDispatcher before starting strategies.
func NewManager(st *store.Store, pool *session.Pool, rulesCache *rules.Cache, cfg Config) *Manager {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Allocation.Split == 0 {
		cfg.Allocation = grid.DefaultAllocationPolicy()
	}
	return &Manager{
		store:      st,
		pool:       pool,
		rulesCache: rulesCache,
		cfg:        cfg,
		running:    make(map[string]*runtime),
		locks:      make(map[string]*sync.Mutex),
		pumped:     make(map[gateway.Session]bool),
	}
}

// SetDispatcher wires the update router. The dispatcher's handler must be
// this manager.
func (m *Manager) SetDispatcher(d *dispatch.Dispatcher) {
	m.dispatcher = d
}

// SetLadderExhaustedFunc registers the edge-fill observer
func (m *Manager) SetLadderExhaustedFunc(fn LadderExhaustedFunc) {
	m.onLadderExhausted = fn
}

// SetStoppedFunc registers the stop observer
func (m *Manager) SetStoppedFunc(fn StoppedFunc) {
	m.onStopped = fn
}

// strategyLock returns the per-strategy mutex, creating it on first use
func (m *Manager) strategyLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[id] = l
	return l
}

// Create validates parameters against the symbol's current rules and
// persists a new strategy in CREATED.
func (m *Manager) Create(ctx context.Context, st *store.GridStrategy) error {
	p := paramsOf(st)
	if err := p.Validate(); err != nil {
		return err
	}

	r, stale, err := m.rulesCache.Get(ctx, st.Exchange, st.Symbol)
	if err != nil {
		return fmt.Errorf("cannot validate against symbol rules: %w", err)
	}
	if stale {
		logger.Warnf("[Grid] validating %s with stale rules", st.Symbol)
	}
	gr := rules.ToGridRules(r)
	if err := p.ValidateAgainstRules(gr); err != nil {
		return err
	}

	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	st.Status = store.StatusCreated
	if err := m.store.Strategy().Create(st); err != nil {
		return err
	}

	snapshot, _ := rulesSnapshotJSON(r)
	if snapshot != "" {
		m.store.Strategy().SetRulesSnapshot(st.ID, snapshot)
	}
	logger.Infof("[Grid] created strategy %s: %s %s [%.2f, %.2f] x%d",
		st.ID, st.Symbol, st.Bias, st.LowerPrice, st.UpperPrice, st.GridCount)
	return nil
}

// Start moves a CREATED or STOPPED strategy to RUNNING: authenticate,
// compute the ladder, place the initial batch. Any failure before the batch
// lands leaves the strategy in its prior state with nothing attached.
func (m *Manager) Start(ctx context.Context, id string) error {
	lock := m.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.store.Strategy().Get(id)
	if err != nil {
		return err
	}
	if st.Status != store.StatusCreated && st.Status != store.StatusStopped {
		return fmt.Errorf("%w: cannot start strategy in %s", ErrInvalidTransition, st.Status)
	}
	if st.Status == store.StatusStopped {
		// a best-effort stop can leave PLACED rows behind; the slots must be
		// free before the new batch goes out
		m.clearResidualOrders(id)
	}

	r, stale, err := m.rulesCache.Get(ctx, st.Exchange, st.Symbol)
	if err != nil {
		return fmt.Errorf("symbol rules unavailable: %w", err)
	}
	if stale {
		logger.Warnf("[Grid] starting %s with stale rules for %s", id, st.Symbol)
	}
	gr := rules.ToGridRules(r)

	key := session.Key{UserID: st.OwnerID, Exchange: st.Exchange}
	sess, err := m.pool.Attach(ctx, key)
	if err != nil {
		// no partial activation: the strategy stays CREATED
		return err
	}
	m.ensurePump(sess)

	mark, err := m.markPrice(ctx, st.Exchange, st.Symbol)
	if err != nil {
		m.pool.Detach(key)
		return err
	}

	p := paramsOf(st)
	levels, ladder, err := grid.InitialBatch(p, gr, m.cfg.Allocation, mark)
	if err != nil {
		m.pool.Detach(key)
		return err
	}

	rt := &runtime{key: key, sess: sess, symbol: st.Symbol, ladder: ladder, rules: gr}

	placed := 0
	for _, lv := range levels {
		if err := m.placeLevel(ctx, rt, id, lv); err != nil {
			logger.Errorf("[Grid] initial batch aborted for %s after %d orders: %v", id, placed, err)
			m.cancelOpenOrders(ctx, rt, id)
			m.dispatcher.Unregister(id)
			m.pool.Detach(key)
			return err
		}
		placed++
	}

	m.mu.Lock()
	m.running[id] = rt
	m.mu.Unlock()

	if err := m.store.Strategy().UpdateStatus(id, store.StatusRunning, ""); err != nil {
		return err
	}
	logger.Infof("[Grid] strategy %s running with %d orders at mark %.2f", id, placed, mark)
	return nil
}

// Stop cancels open orders and moves the strategy to STOPPED
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.stopWithStatus(ctx, id, store.StatusStopped, "")
}

// ForceStop is Stop with a persisted reason, used for risk and order failures
func (m *Manager) ForceStop(ctx context.Context, id, reason string) error {
	return m.stopWithStatus(ctx, id, store.StatusStopped, reason)
}

// Finish terminates a strategy permanently, used when stop-loss or
// take-profit fires.
func (m *Manager) Finish(ctx context.Context, id, reason string) error {
	return m.stopWithStatus(ctx, id, store.StatusFinished, reason)
}

func (m *Manager) stopWithStatus(ctx context.Context, id, status, reason string) error {
	lock := m.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.store.Strategy().Get(id)
	if err != nil {
		return err
	}
	if st.Status != store.StatusRunning {
		return fmt.Errorf("%w: cannot stop strategy in %s", ErrInvalidTransition, st.Status)
	}

	m.mu.Lock()
	rt := m.running[id]
	delete(m.running, id)
	m.mu.Unlock()

	if rt != nil {
		m.cancelOpenOrders(ctx, rt, id)
		m.dispatcher.Unregister(id)
		m.pool.Detach(rt.key)
	}

	if err := m.store.Strategy().UpdateStatus(id, status, reason); err != nil {
		return err
	}
	if m.onStopped != nil {
		m.onStopped(id)
	}
	logger.Infof("[Grid] strategy %s -> %s%s", id, status, reasonSuffix(reason))
	return nil
}

// Reset returns a STOPPED strategy to CREATED so it can be started fresh.
// Order history survives; the next start opens a new rotation of slots.
func (m *Manager) Reset(id string) error {
	lock := m.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.store.Strategy().Get(id)
	if err != nil {
		return err
	}
	if st.Status != store.StatusStopped {
		return fmt.Errorf("%w: cannot reset strategy in %s", ErrInvalidTransition, st.Status)
	}
	m.clearResidualOrders(id)
	if err := m.store.Strategy().UpdateStatus(id, store.StatusCreated, ""); err != nil {
		return err
	}
	logger.Infof("[Grid] strategy %s reset", id)
	return nil
}

// Delete removes a non-running strategy and its order history
func (m *Manager) Delete(id string) error {
	lock := m.strategyLock(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := m.store.Strategy().Get(id)
	if err != nil {
		return err
	}
	if st.Status == store.StatusRunning {
		return fmt.Errorf("%w: stop the strategy before deleting", ErrInvalidTransition)
	}
	return m.store.Strategy().Delete(id)
}

// Shutdown detaches every running strategy's session without changing
// persisted state, so a restart can restore them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		rt := m.running[id]
		delete(m.running, id)
		m.mu.Unlock()
		if rt != nil {
			m.dispatcher.Unregister(id)
			m.pool.Detach(rt.key)
		}
	}
}

// Restore re-attaches every persisted RUNNING strategy after a restart and
// re-registers its open orders with the dispatcher.
func (m *Manager) Restore(ctx context.Context) error {
	stored, err := m.store.Strategy().ListByStatus(store.StatusRunning)
	if err != nil {
		return err
	}

	for _, st := range stored {
		if err := m.restoreOne(ctx, st); err != nil {
			logger.Errorf("[Grid] failed to restore strategy %s: %v", st.ID, err)
			m.store.Strategy().SetDegraded(st.ID, true)
		}
	}
	return nil
}

func (m *Manager) restoreOne(ctx context.Context, st *store.GridStrategy) error {
	r, _, err := m.rulesCache.Get(ctx, st.Exchange, st.Symbol)
	if err != nil {
		return err
	}
	gr := rules.ToGridRules(r)

	ladder, err := grid.Ladder(paramsOf(st), gr)
	if err != nil {
		return err
	}

	key := session.Key{UserID: st.OwnerID, Exchange: st.Exchange}
	sess, err := m.pool.Attach(ctx, key)
	if err != nil {
		return err
	}
	m.ensurePump(sess)

	open, err := m.store.Order().ListOpen(st.ID)
	if err != nil {
		m.pool.Detach(key)
		return err
	}
	for _, o := range open {
		m.dispatcher.Register(o.ExchangeOrderID, o.ClientOrderID, st.ID, o.GridIndex)
	}

	m.mu.Lock()
	m.running[st.ID] = &runtime{key: key, sess: sess, symbol: st.Symbol, ladder: ladder, rules: gr}
	m.mu.Unlock()

	logger.Infof("[Grid] restored strategy %s with %d open orders", st.ID, len(open))
	return nil
}

// ensurePump starts one update-pump goroutine per pooled session
func (m *Manager) ensurePump(sess gateway.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pumped[sess] {
		return
	}
	m.pumped[sess] = true
	go func() {
		m.dispatcher.Pump(sess.Updates())
		m.mu.Lock()
		delete(m.pumped, sess)
		m.mu.Unlock()
	}()
}

// markPrice asks the session pool's gateway for the current mark price
func (m *Manager) markPrice(ctx context.Context, exchange, symbol string) (float64, error) {
	gw := m.pool.GatewayFor(exchange)
	if gw == nil {
		return 0, fmt.Errorf("unsupported exchange %q", exchange)
	}
	return gw.MarkPrice(ctx, symbol)
}

// placeLevel persists and submits one grid order, retrying transient
// failures. The order row is written before the submit so a crash between
// the two replays into the exchange-side dedup.
func (m *Manager) placeLevel(ctx context.Context, rt *runtime, strategyID string, lv grid.Level) error {
	intent, err := grid.NewLimitIntent(rt.symbol, lv.Side, lv.Price, lv.Quantity)
	if err != nil {
		return fmt.Errorf("slot %d produced an invalid order: %w", lv.Index, err)
	}

	rotation, err := m.store.Order().CountFilledAtSlot(strategyID, lv.Index)
	if err != nil {
		return err
	}
	cid := gateway.CorrelationID(strategyID, lv.Index, rotation)

	o := &store.GridOrder{
		ID:            uuid.New().String(),
		StrategyID:    strategyID,
		GridIndex:     lv.Index,
		Side:          string(lv.Side),
		Price:         lv.Price.InexactFloat64(),
		Quantity:      lv.Quantity.InexactFloat64(),
		ClientOrderID: cid,
	}
	if err := m.store.Order().Create(o); err != nil {
		// slot already occupied by an open order
		return fmt.Errorf("slot %d busy: %w", lv.Index, err)
	}

	req := gateway.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Type:          string(intent.Type()),
		Price:         intent.Price.String(),
		Quantity:      intent.Quantity.String(),
		ClientOrderID: cid,
	}

	var ack *gateway.OrderAck
	rejectRetried := false
	for attempt := 0; ; attempt++ {
		ack, err = rt.sess.PlaceOrder(ctx, req)
		if err == nil {
			break
		}
		var connErr *gateway.ConnError
		if errors.As(err, &connErr) && attempt < m.cfg.RetryMax {
			logger.Warnf("[Grid] placement %s attempt %d failed: %v", cid, attempt+1, err)
			select {
			case <-time.After(m.cfg.RetryBackoff):
			case <-ctx.Done():
				err = ctx.Err()
			}
			if ctx.Err() == nil {
				continue
			}
		}
		var rejErr *gateway.RejectError
		if errors.As(err, &rejErr) && !rejectRetried {
			// a rejection is often stale precision or notional limits; retry
			// once against freshly fetched rules
			rejectRetried = true
			m.rulesCache.Invalidate(rt.key.Exchange, rt.symbol)
			if fresh, _, rerr := m.rulesCache.Get(ctx, rt.key.Exchange, rt.symbol); rerr == nil {
				rt.rules = rules.ToGridRules(fresh)
				req.Quantity = grid.ClampQuantity(lv.Quantity, lv.Price, rt.rules).String()
			}
			logger.Warnf("[Grid] placement %s rejected, retrying with refreshed rules: %v", cid, err)
			continue
		}
		// only an exchange rejection is REJECTED; a submit that was never
		// acknowledged frees its slot as CANCELED
		if errors.As(err, &rejErr) {
			m.store.Order().UpdateStatus(o.ID, store.OrderRejected)
		} else {
			m.store.Order().UpdateStatus(o.ID, store.OrderCanceled)
		}
		return err
	}

	m.store.Order().SetExchangeOrderID(o.ID, ack.ExchangeOrderID)
	m.dispatcher.Register(ack.ExchangeOrderID, cid, strategyID, lv.Index)
	logger.Debugf("[Grid] placed %s %s %s@%s (slot %d)", strategyID, lv.Side, lv.Quantity, lv.Price, lv.Index)
	return nil
}

// clearResidualOrders marks PLACED rows left behind by a best-effort stop as
// CANCELED so their slots are free again. The session is gone at this point;
// anything still resting on the exchange was already cancel-requested.
func (m *Manager) clearResidualOrders(strategyID string) {
	open, err := m.store.Order().ListOpen(strategyID)
	if err != nil || len(open) == 0 {
		return
	}
	for _, o := range open {
		m.store.Order().UpdateStatus(o.ID, store.OrderCanceled)
	}
	logger.Warnf("[Grid] cleared %d residual orders for %s", len(open), strategyID)
}

// cancelOpenOrders best-effort cancels every open order of a strategy
func (m *Manager) cancelOpenOrders(ctx context.Context, rt *runtime, strategyID string) {
	open, err := m.store.Order().ListOpen(strategyID)
	if err != nil {
		logger.Errorf("[Grid] cannot list open orders for %s: %v", strategyID, err)
		return
	}
	for _, o := range open {
		if err := rt.sess.CancelOrder(ctx, rt.symbol, o.ClientOrderID); err != nil {
			logger.Warnf("[Grid] cancel %s failed: %v", o.ClientOrderID, err)
			continue
		}
		m.store.Order().UpdateStatus(o.ID, store.OrderCanceled)
	}
}

func paramsOf(st *store.GridStrategy) grid.Params {
	return grid.Params{
		Symbol:          st.Symbol,
		Shape:           grid.Shape(st.GridType),
		Bias:            grid.Bias(st.Bias),
		UpperPrice:      st.UpperPrice,
		LowerPrice:      st.LowerPrice,
		GridCount:       st.GridCount,
		TotalInvestment: st.TotalInvestment,
		Leverage:        st.Leverage,
	}
}

func rulesSnapshotJSON(r *store.SymbolRules) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " (" + reason + ")"
}
