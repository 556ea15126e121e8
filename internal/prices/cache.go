package prices

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/rawblock/crash-engine/pkg/models"
)

// DefaultTTL is how long a cached quote is considered fresh.
const DefaultTTL = 10 * time.Second

// fallbackUSD covers the cold-start case: no cached entry and the
// upstream is unreachable. The figures only need to be plausible;
// pricing here is a simulation, not an exchange feed.
var fallbackUSD = map[models.Asset]decimal.Decimal{
	models.AssetBTC: decimal.NewFromInt(64000),
	models.AssetETH: decimal.NewFromInt(3400),
}

// Fetcher is the upstream dependency of the cache. *Client satisfies it;
// tests substitute counters and failure injectors.
type Fetcher interface {
	FetchUSD(ctx context.Context, assets []models.Asset) (map[models.Asset]Quote, error)
}

type entry struct {
	price      decimal.Decimal
	fetchedAt  time.Time
	upstreamAt time.Time
}

// Cache is a fetch-on-miss, TTL-bounded price cache. Lookups on the hit
// path touch no network. Concurrent lookups for the same stale key share
// a single upstream request (singleflight); upstream failures fall back
// to the stale entry, then to the hard-coded table.
type Cache struct {
	upstream Fetcher
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[models.Asset]entry

	group singleflight.Group
	now   func() time.Time
}

// NewCache wraps the upstream fetcher. ttl <= 0 selects DefaultTTL.
func NewCache(upstream Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		upstream: upstream,
		ttl:      ttl,
		entries:  make(map[models.Asset]entry),
		now:      time.Now,
	}
}

// Price returns the current USD price of one asset. It fails only for
// unsupported asset tags; upstream trouble degrades to stale or fallback
// values instead of an error.
func (c *Cache) Price(ctx context.Context, asset models.Asset) (decimal.Decimal, error) {
	if !asset.IsSupported() {
		return decimal.Zero, models.Validationf("unsupported asset %q", asset)
	}

	if price, ok := c.fresh(asset); ok {
		return price, nil
	}
	return c.refresh(ctx, asset), nil
}

// Prices is the batched variant: at most one upstream request covering
// every uncached-or-stale asset in the list.
func (c *Cache) Prices(ctx context.Context, assets []models.Asset) (map[models.Asset]decimal.Decimal, error) {
	out := make(map[models.Asset]decimal.Decimal, len(assets))
	var stale []models.Asset
	for _, asset := range assets {
		if !asset.IsSupported() {
			return nil, models.Validationf("unsupported asset %q", asset)
		}
		if price, ok := c.fresh(asset); ok {
			out[asset] = price
		} else {
			stale = append(stale, asset)
		}
	}
	if len(stale) == 0 {
		return out, nil
	}

	// Coalesce identical batch refreshes under one key so N concurrent
	// batched callers still cost a single upstream round trip.
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	key := "batch:" + joinAssets(stale)
	c.group.Do(key, func() (any, error) {
		c.fetchInto(ctx, stale)
		return nil, nil
	})
	for _, asset := range stale {
		out[asset] = c.settled(asset)
	}
	return out, nil
}

// fresh returns the cached price when its age is below the TTL.
func (c *Cache) fresh(asset models.Asset) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[asset]
	if !ok {
		return decimal.Zero, false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl {
		return decimal.Zero, false
	}
	return e.price, true
}

// refresh performs (or joins) the upstream fetch for one stale asset and
// resolves the best available value afterwards.
func (c *Cache) refresh(ctx context.Context, asset models.Asset) decimal.Decimal {
	c.group.Do(string(asset), func() (any, error) {
		c.fetchInto(ctx, []models.Asset{asset})
		return nil, nil
	})
	return c.settled(asset)
}

// fetchInto runs one upstream request for the given assets and stores
// whatever quotes came back. Errors are logged, never propagated: the
// caller degrades to stale or fallback values.
func (c *Cache) fetchInto(ctx context.Context, assets []models.Asset) {
	quotes, err := c.upstream.FetchUSD(ctx, assets)
	if err != nil {
		log.Printf("[Prices] upstream fetch failed for %s: %v", joinAssets(assets), err)
		return
	}
	fetchedAt := c.now()
	c.mu.Lock()
	for asset, quote := range quotes {
		c.entries[asset] = entry{price: quote.USD, fetchedAt: fetchedAt, upstreamAt: quote.UpdatedAt}
	}
	c.mu.Unlock()
}

// settled returns the cached value regardless of age, or the hard-coded
// fallback when no entry has ever been written.
func (c *Cache) settled(asset models.Asset) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[asset]; ok {
		return e.price
	}
	return fallbackUSD[asset]
}

// Evict drops the entry for one asset. Used by operational tooling and
// tests; normal operation relies on TTL expiry alone.
func (c *Cache) Evict(asset models.Asset) {
	c.mu.Lock()
	delete(c.entries, asset)
	c.mu.Unlock()
}

func joinAssets(assets []models.Asset) string {
	parts := make([]string, len(assets))
	for i, a := range assets {
		parts[i] = string(a)
	}
	return strings.Join(parts, ",")
}
