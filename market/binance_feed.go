package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridtrade/logger"
)

const (
	binanceStreamURL = "wss://fstream.binance.com/stream"

	handshakeTimeout  = 10 * time.Second
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 30 * time.Second
)

// BinanceFeed streams mark prices over the combined-stream endpoint. One
// connection carries every subscribed symbol.
type BinanceFeed struct {
	mu          sync.RWMutex
	conn        *websocket.Conn
	subscribers map[string][]chan Tick // lowercase symbol -> subscriber channels
	streams     map[string]bool        // streams subscribed on the wire
	closed      bool
	done        chan struct{}
}

// NewBinanceFeed creates a feed. The connection is dialed lazily on the
// first Subscribe.
func NewBinanceFeed() *BinanceFeed {
	return &BinanceFeed{
		subscribers: make(map[string][]chan Tick),
		streams:     make(map[string]bool),
		done:        make(chan struct{}),
	}
}

// Subscribe registers a tick channel for one symbol
func (f *BinanceFeed) Subscribe(symbol string) (<-chan Tick, error) {
	key := strings.ToLower(symbol)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("feed is closed")
	}
	needDial := f.conn == nil
	ch := make(chan Tick, 16)
	f.subscribers[key] = append(f.subscribers[key], ch)
	f.mu.Unlock()

	if needDial {
		if err := f.connect(); err != nil {
			f.Unsubscribe(symbol, ch)
			return nil, err
		}
		go f.readLoop()
	}

	if err := f.subscribeStream(key); err != nil {
		f.Unsubscribe(symbol, ch)
		return nil, err
	}
	return ch, nil
}

// Unsubscribe removes a channel and closes it
func (f *BinanceFeed) Unsubscribe(symbol string, ch <-chan Tick) {
	key := strings.ToLower(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subscribers[key]
	for i, c := range subs {
		if c == ch {
			f.subscribers[key] = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(f.subscribers[key]) == 0 {
		delete(f.subscribers, key)
	}
}

// Close stops the feed
func (f *BinanceFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)
	conn := f.conn
	f.conn = nil
	for key, subs := range f.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subscribers, key)
	}
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (f *BinanceFeed) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(binanceStreamURL, nil)
	if err != nil {
		return fmt.Errorf("mark price stream connection failed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	logger.Infof("[Market] mark price stream connected")
	return nil
}

// subscribeStream sends the SUBSCRIBE frame for one symbol's markPrice stream
func (f *BinanceFeed) subscribeStream(key string) error {
	stream := key + "@markPrice@1s"

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streams[stream] {
		return nil
	}
	if f.conn == nil {
		return fmt.Errorf("not connected")
	}
	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{stream},
		"id":     time.Now().UnixNano(),
	}
	if err := f.conn.WriteJSON(msg); err != nil {
		return err
	}
	f.streams[stream] = true
	logger.Infof("[Market] subscribed to %s", stream)
	return nil
}

// resubscribeAll replays every stream subscription after a reconnect
func (f *BinanceFeed) resubscribeAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("not connected")
	}
	streams := make([]string, 0, len(f.streams))
	for s := range f.streams {
		streams = append(streams, s)
	}
	if len(streams) == 0 {
		return nil
	}
	return f.conn.WriteJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	})
}

func (f *BinanceFeed) readLoop() {
	wait := reconnectBaseWait
	for {
		f.mu.RLock()
		conn := f.conn
		closed := f.closed
		f.mu.RUnlock()
		if closed {
			return
		}
		if conn == nil {
			time.Sleep(time.Second)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			f.mu.RLock()
			closed = f.closed
			f.mu.RUnlock()
			if closed {
				return
			}
			logger.Warnf("[Market] stream read failed: %v, reconnecting in %v", err, wait)

			select {
			case <-time.After(wait):
			case <-f.done:
				return
			}
			wait *= 2
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}

			if err := f.connect(); err != nil {
				continue
			}
			if err := f.resubscribeAll(); err != nil {
				logger.Warnf("[Market] resubscribe failed: %v", err)
			}
			wait = reconnectBaseWait
			continue
		}

		f.handleMessage(message)
	}
}

func (f *BinanceFeed) handleMessage(message []byte) {
	var combined struct {
		Stream string `json:"stream"`
		Data   struct {
			EventTime int64  `json:"E"`
			Symbol    string `json:"s"`
			MarkPrice string `json:"p"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &combined); err != nil {
		return
	}
	if !strings.Contains(combined.Stream, "@markPrice") {
		return
	}

	price, err := strconv.ParseFloat(combined.Data.MarkPrice, 64)
	if err != nil {
		return
	}
	tick := Tick{
		Exchange:  "binance",
		Symbol:    combined.Data.Symbol,
		MarkPrice: price,
		EventTime: time.UnixMilli(combined.Data.EventTime),
	}

	// fan out under the read lock so Unsubscribe cannot close a channel
	// mid-send
	key := strings.ToLower(combined.Data.Symbol)
	f.mu.RLock()
	for _, ch := range f.subscribers[key] {
		select {
		case ch <- tick:
		default:
			// slow consumer, drop the tick
		}
	}
	f.mu.RUnlock()
}
