// Package rules caches per-symbol trading constraints. Fresh rules come from
// the exchange; when the exchange is unreachable a persisted copy serves as a
// stale fallback so running strategies keep sizing orders.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridtrade/grid"
	"gridtrade/logger"
	"gridtrade/store"
)

// Fetcher pulls live rules for one symbol from an exchange
type Fetcher interface {
	FetchSymbolRules(ctx context.Context, symbol string) (*store.SymbolRules, error)
}

type cacheKey struct {
	exchange string
	symbol   string
}

type cached struct {
	rules     *store.SymbolRules
	fetchedAt time.Time
}

// Cache is a TTL rules cache with write-through persistence
type Cache struct {
	fetchers map[string]Fetcher // exchange name -> fetcher
	rules    *store.RulesStore
	ttl      time.Duration

	mu      sync.Mutex
	entries map[cacheKey]*cached
}

// NewCache creates a cache over the given per-exchange fetchers
func NewCache(fetchers map[string]Fetcher, rulesStore *store.RulesStore, ttl time.Duration) *Cache {
	return &Cache{
		fetchers: fetchers,
		rules:    rulesStore,
		ttl:      ttl,
		entries:  make(map[cacheKey]*cached),
	}
}

// Get returns the rules for a symbol. stale is true when the exchange was
// unreachable and a persisted copy older than the TTL was served instead.
func (c *Cache) Get(ctx context.Context, exchange, symbol string) (r *store.SymbolRules, stale bool, err error) {
	key := cacheKey{exchange: exchange, symbol: symbol}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Since(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.rules, false, nil
	}
	c.mu.Unlock()

	fetcher, ok := c.fetchers[exchange]
	if !ok {
		return nil, false, fmt.Errorf("no rules source for exchange %q", exchange)
	}

	fresh, fetchErr := fetcher.FetchSymbolRules(ctx, symbol)
	if fetchErr == nil {
		c.mu.Lock()
		c.entries[key] = &cached{rules: fresh, fetchedAt: time.Now()}
		c.mu.Unlock()
		if err := c.rules.Upsert(fresh); err != nil {
			logger.Warnf("[Rules] failed to persist %s/%s: %v", exchange, symbol, err)
		}
		return fresh, false, nil
	}

	// exchange unreachable, fall back to the persisted copy
	persisted, storeErr := c.rules.Get(exchange, symbol)
	if storeErr != nil || persisted == nil {
		return nil, false, fmt.Errorf("rules for %s/%s unavailable: %w", exchange, symbol, fetchErr)
	}
	logger.Warnf("[Rules] serving stale rules for %s/%s (refreshed %s): %v",
		exchange, symbol, persisted.RefreshedAt.Format(time.RFC3339), fetchErr)
	return persisted, true, nil
}

// Invalidate drops the cached entry, forcing the next Get to refetch
func (c *Cache) Invalidate(exchange, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{exchange: exchange, symbol: symbol})
}

// ToGridRules converts a persisted rules row into calculation-engine rules
func ToGridRules(r *store.SymbolRules) grid.Rules {
	return grid.Rules{
		PricePrecision: int32(r.PricePrecision),
		QtyPrecision:   int32(r.QtyPrecision),
		MinQty:         r.MinQty,
		MinNotional:    r.MinNotional,
		MaxLeverage:    r.MaxLeverage,
		MakerFee:       r.MakerFee,
		TakerFee:       r.TakerFee,
	}
}
