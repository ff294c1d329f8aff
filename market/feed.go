// Package market streams mark prices from exchange websocket feeds and fans
// them out to subscribers.
package market

import "time"

// Tick is one mark price observation
type Tick struct {
	Exchange  string
	Symbol    string
	MarkPrice float64
	EventTime time.Time
}

// Feed delivers mark price ticks for subscribed symbols
type Feed interface {
	// Subscribe returns a tick channel for one symbol. Slow consumers drop
	// ticks instead of blocking the feed.
	Subscribe(symbol string) (<-chan Tick, error)

	// Unsubscribe releases a channel obtained from Subscribe
	Unsubscribe(symbol string, ch <-chan Tick)

	// Close stops the feed and closes all subscriber channels
	Close()
}
