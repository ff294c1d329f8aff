package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridtrade/logger"
)

const (
	binanceOrderWSURL        = "wss://ws-fapi.binance.com/ws-fapi/v1"
	binanceOrderWSTestnetURL = "wss://testnet.binancefuture.com/ws-fapi/v1"

	wsWriteTimeout    = 5 * time.Second
	wsPongTimeout     = 90 * time.Second
	requestTimeout    = 10 * time.Second
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 30 * time.Second
)

// BinanceGateway opens order-entry sessions against Binance USDT-M futures
type BinanceGateway struct {
	HandshakeTimeout time.Duration
}

// NewBinanceGateway creates a gateway with default timeouts
func NewBinanceGateway() *BinanceGateway {
	return &BinanceGateway{HandshakeTimeout: requestTimeout}
}

// MarkPrice fetches the current mark price over REST
func (g *BinanceGateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	client := futures.NewClient("", "")
	prices, err := client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, &ConnError{Exchange: "binance", Err: err}
	}
	if len(prices) == 0 {
		return 0, &ConnError{Exchange: "binance", Err: fmt.Errorf("no mark price for %s", symbol)}
	}
	return strconv.ParseFloat(prices[0].MarkPrice, 64)
}

// Authenticate dials the order-entry websocket and performs the signed
// session logon. Bad credentials return AuthError; network failures return
// ConnError.
func (g *BinanceGateway) Authenticate(ctx context.Context, creds Credentials) (Session, error) {
	url := binanceOrderWSURL
	if creds.Testnet {
		url = binanceOrderWSTestnetURL
	}

	s := &binanceSession{
		gateway: g,
		creds:   creds,
		url:     url,
		updates: make(chan OrderUpdate, 256),
		pending: make(map[string]chan json.RawMessage),
		acks:    make(map[string]*OrderAck),
		done:    make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	go s.runLoop()
	logger.Infof("[Gateway] session open: user=%s exchange=%s", creds.UserID, creds.Exchange)
	return s, nil
}

// binanceSession is one authenticated duplex order-entry channel
type binanceSession struct {
	gateway *BinanceGateway
	creds   Credentials
	url     string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan json.RawMessage // request id -> response slot
	acks    map[string]*OrderAck            // clientOrderID -> ack, for idempotent resubmits

	updates chan OrderUpdate
	closed  atomic.Bool
	done    chan struct{}
}

// sign produces the HMAC-SHA256 signature over the canonicalized parameters.
// Binance signs the query-string form of the params sorted by key.
func sign(secret string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *binanceSession) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.gateway.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return &ConnError{Exchange: "binance", Err: err}
	}
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.logon(ctx); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// logon authenticates the fresh connection with a signed session.logon
func (s *binanceSession) logon(ctx context.Context) error {
	params := map[string]string{
		"apiKey":    s.creds.APIKey,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	params["signature"] = sign(s.creds.SecretKey, params)

	resp, err := s.request(ctx, "session.logon", params)
	if err != nil {
		return err
	}
	var result struct {
		Status int `json:"status"`
		Error  struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return &ConnError{Exchange: "binance", Err: err}
	}
	if result.Status != 200 {
		// -2014/-2015 are invalid key / invalid signature
		if result.Error.Code == -2014 || result.Error.Code == -2015 || result.Error.Code == -1022 {
			return &AuthError{Exchange: "binance", Reason: result.Error.Msg}
		}
		return &ConnError{Exchange: "binance", Err: fmt.Errorf("logon status %d: %s", result.Status, result.Error.Msg)}
	}
	return nil
}

// request sends one method frame and waits for the matching response
func (s *binanceSession) request(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	id := uuid.New().String()
	frame := map[string]interface{}{
		"id":     id,
		"method": method,
		"params": params,
	}

	slot := make(chan json.RawMessage, 1)
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, &ConnError{Exchange: "binance", Err: fmt.Errorf("not connected")}
	}
	s.pending[id] = slot
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := conn.WriteJSON(frame)
	s.mu.Unlock()

	if err != nil {
		s.dropPending(id)
		return nil, &ConnError{Exchange: "binance", Err: err}
	}

	select {
	case resp := <-slot:
		return resp, nil
	case <-ctx.Done():
		s.dropPending(id)
		return nil, &ConnError{Exchange: "binance", Err: ctx.Err()}
	case <-s.done:
		return nil, &ConnError{Exchange: "binance", Err: fmt.Errorf("session closed")}
	}
}

func (s *binanceSession) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// PlaceOrder submits an order over the duplex channel. Resubmitting a known
// ClientOrderID returns the cached ack.
func (s *binanceSession) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	s.mu.Lock()
	if ack, ok := s.acks[req.ClientOrderID]; ok {
		s.mu.Unlock()
		return ack, nil
	}
	s.mu.Unlock()

	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             req.Side,
		"quantity":         req.Quantity,
		"newClientOrderId": req.ClientOrderID,
		"timestamp":        strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	switch req.Type {
	case "LIMIT":
		params["type"] = "LIMIT"
		params["timeInForce"] = "GTC"
		params["price"] = req.Price
	case "STOP_LIMIT":
		params["type"] = "STOP"
		params["timeInForce"] = "GTC"
		params["price"] = req.Price
		params["stopPrice"] = req.StopPrice
	case "MARKET":
		params["type"] = "MARKET"
	default:
		return nil, fmt.Errorf("unknown order type %q", req.Type)
	}
	params["apiKey"] = s.creds.APIKey
	params["signature"] = sign(s.creds.SecretKey, params)

	resp, err := s.request(ctx, "order.place", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Status int `json:"status"`
		Result struct {
			OrderID       int64  `json:"orderId"`
			ClientOrderID string `json:"clientOrderId"`
			Status        string `json:"status"`
		} `json:"result"`
		Error struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, &ConnError{Exchange: "binance", Err: err}
	}
	if result.Status != 200 {
		// duplicate client order id means the first submit landed
		if result.Error.Code == -4015 || result.Error.Code == -2022 {
			s.mu.Lock()
			ack := s.acks[req.ClientOrderID]
			s.mu.Unlock()
			if ack != nil {
				return ack, nil
			}
		}
		return nil, &RejectError{ClientOrderID: req.ClientOrderID, Reason: result.Error.Msg}
	}

	ack := &OrderAck{
		ClientOrderID:   result.Result.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(result.Result.OrderID, 10),
		Status:          result.Result.Status,
	}
	s.mu.Lock()
	s.acks[req.ClientOrderID] = ack
	s.mu.Unlock()
	return ack, nil
}

// CancelOrder cancels by correlation id. An unknown or already terminal
// order cancels to a no-op.
func (s *binanceSession) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
		"apiKey":            s.creds.APIKey,
		"timestamp":         strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	params["signature"] = sign(s.creds.SecretKey, params)

	resp, err := s.request(ctx, "order.cancel", params)
	if err != nil {
		return err
	}
	var result struct {
		Status int `json:"status"`
		Error  struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return &ConnError{Exchange: "binance", Err: err}
	}
	// -2011 unknown order: already filled or canceled
	if result.Status != 200 && result.Error.Code != -2011 {
		return &RejectError{ClientOrderID: clientOrderID, Reason: result.Error.Msg}
	}
	return nil
}

func (s *binanceSession) Updates() <-chan OrderUpdate {
	return s.updates
}

// Close tears down the connection and closes the update channel
func (s *binanceSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	logger.Infof("[Gateway] session closed: user=%s exchange=%s", s.creds.UserID, s.creds.Exchange)
	return nil
}

// runLoop reads frames and reconnects with exponential backoff until closed
func (s *binanceSession) runLoop() {
	defer close(s.updates)

	wait := reconnectBaseWait
	for {
		if s.closed.Load() {
			return
		}

		err := s.readPump()
		if s.closed.Load() {
			return
		}

		logger.Warnf("[Gateway] connection lost for user=%s: %v, reconnecting in %v", s.creds.UserID, err, wait)
		s.emit(OrderUpdate{Kind: UpdateDegraded, EventTime: time.Now()})

		select {
		case <-time.After(wait):
		case <-s.done:
			return
		}
		wait *= 2
		if wait > reconnectMaxWait {
			wait = reconnectMaxWait
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.gateway.HandshakeTimeout)
		err = s.connect(ctx)
		cancel()
		if err != nil {
			if _, permanent := err.(*AuthError); permanent {
				logger.Errorf("[Gateway] re-authentication failed permanently for user=%s: %v", s.creds.UserID, err)
				s.Close()
				return
			}
			continue
		}

		wait = reconnectBaseWait
		s.emit(OrderUpdate{Kind: UpdateRestored, EventTime: time.Now()})
		logger.Infof("[Gateway] connection restored for user=%s", s.creds.UserID)
	}
}

// readPump drains frames from one connection until it fails
func (s *binanceSession) readPump() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-pingTicker.C:
				s.mu.Lock()
				if s.conn == conn {
					conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					conn.WriteMessage(websocket.PingMessage, nil)
				}
				s.mu.Unlock()
			case <-s.done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		s.handleFrame(data)
	}
}

// handleFrame routes a frame to the waiting request or the update channel
func (s *binanceSession) handleFrame(data []byte) {
	var envelope struct {
		ID    string `json:"id"`
		Event struct {
			EventType string `json:"e"`
		} `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Warnf("[Gateway] unparseable frame: %v", err)
		return
	}

	if envelope.ID != "" {
		s.mu.Lock()
		slot := s.pending[envelope.ID]
		delete(s.pending, envelope.ID)
		s.mu.Unlock()
		if slot != nil {
			slot <- json.RawMessage(data)
		}
		return
	}

	if envelope.Event.EventType == "ORDER_TRADE_UPDATE" {
		s.handleOrderEvent(data)
	}
}

// handleOrderEvent converts an execution report into an OrderUpdate
func (s *binanceSession) handleOrderEvent(data []byte) {
	var report struct {
		Event struct {
			EventTime int64 `json:"E"`
			Order     struct {
				Symbol        string `json:"s"`
				ClientOrderID string `json:"c"`
				Side          string `json:"S"`
				Status        string `json:"X"`
				OrderID       int64  `json:"i"`
				AvgPrice      string `json:"ap"`
				FilledQty     string `json:"z"`
			} `json:"o"`
		} `json:"event"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		logger.Warnf("[Gateway] unparseable order event: %v", err)
		return
	}

	o := report.Event.Order
	var kind string
	switch o.Status {
	case "FILLED":
		kind = UpdateFill
	case "CANCELED", "EXPIRED":
		kind = UpdateCancel
	case "REJECTED":
		kind = UpdateReject
	default:
		// NEW and PARTIALLY_FILLED are not terminal, nothing to route yet
		return
	}

	s.emit(OrderUpdate{
		Kind:            kind,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Symbol:          o.Symbol,
		Side:            o.Side,
		FilledPrice:     o.AvgPrice,
		FilledQuantity:  o.FilledQty,
		EventTime:       time.UnixMilli(report.Event.EventTime),
	})
}

func (s *binanceSession) emit(u OrderUpdate) {
	select {
	case s.updates <- u:
	default:
		logger.Warnf("[Gateway] update channel full for user=%s, dropping %s event", s.creds.UserID, u.Kind)
	}
}
