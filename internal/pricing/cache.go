// Package pricing implements the short-TTL token price cache used for
// TVL conversion.
package pricing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// QuoteFunc prices one unit of tokenIn in tokenOut. The gateway provides
// it after construction; the cache never talks to the provider directly.
type QuoteFunc func(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (domain.Quote, error)

type entry struct {
	price       decimal.Decimal
	refreshedAt time.Time
	sourcePool  string
}

// PriceInfo is one cache entry for the status endpoint.
type PriceInfo struct {
	Token      string          `json:"token"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	SourcePool string          `json:"source_pool,omitempty"`
	AgeSeconds float64         `json:"age_seconds"`
}

// Cache is a thread-safe token -> USD price map. Stablecoins short-circuit
// to 1.00 without I/O. Concurrent misses for the same token share a single
// resolution.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]entry
	quote     QuoteFunc
	stables   map[string]struct{}
	reference string // stablecoin used as quote target
	ttl       time.Duration
	clock     domain.Clock
	log       zerolog.Logger
	group     singleflight.Group
}

// NewCache creates a price cache. The stablecoin list comes from config;
// the first entry is the reference token for quote resolution.
func NewCache(ttl time.Duration, stablecoins []string, clock domain.Clock, log zerolog.Logger) *Cache {
	stables := make(map[string]struct{}, len(stablecoins))
	reference := "USDC"
	for i, s := range stablecoins {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		stables[sym] = struct{}{}
		if i == 0 {
			reference = sym
		}
	}

	return &Cache{
		entries:   make(map[string]entry),
		stables:   stables,
		reference: reference,
		ttl:       ttl,
		clock:     clock,
		log:       log.With().Str("component", "price_cache").Logger(),
	}
}

// SetQuoteSource installs the quote function. Wired by DI after the
// gateway exists, because the gateway also depends on the cache.
func (c *Cache) SetQuoteSource(fn QuoteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quote = fn
}

// IsStable reports whether the symbol is a configured stablecoin.
func (c *Cache) IsStable(token string) bool {
	_, ok := c.stables[strings.ToUpper(strings.TrimSpace(token))]
	return ok
}

// GetPrice returns the USD price for a token. Stablecoins return 1.00
// immediately. Fresh cache entries are served without I/O; misses resolve
// one quote against the reference stablecoin. When resolution fails and a
// stale entry exists, the stale price is served with a warning.
func (c *Cache) GetPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	sym := strings.ToUpper(strings.TrimSpace(token))
	if sym == "" {
		return decimal.Zero, domain.Errorf(domain.KindInvariant, "empty token symbol")
	}
	if c.IsStable(sym) {
		return decimal.NewFromInt(1), nil
	}

	if price, ok := c.fresh(sym); ok {
		return price, nil
	}

	v, err, _ := c.group.Do(sym, func() (any, error) {
		// Another caller may have finished resolving while we waited.
		if price, ok := c.fresh(sym); ok {
			return price, nil
		}
		return c.resolve(ctx, sym)
	})
	if err != nil {
		if stale, ok := c.peek(sym); ok {
			c.log.Warn().
				Str("token", sym).
				Err(err).
				Msg("Price resolution failed, serving stale entry")
			return stale.price, nil
		}
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// resolve quotes one unit of the token against the reference stablecoin.
func (c *Cache) resolve(ctx context.Context, sym string) (decimal.Decimal, error) {
	c.mu.RLock()
	quote := c.quote
	c.mu.RUnlock()
	if quote == nil {
		return decimal.Zero, domain.Errorf(domain.KindTransient, "no quote source for %s", sym)
	}

	q, err := quote(ctx, sym, c.reference, decimal.NewFromInt(1))
	if err != nil {
		return decimal.Zero, err
	}
	if !q.AmountOut.IsPositive() {
		return decimal.Zero, domain.Errorf(domain.KindTransient, "non-positive quote for %s/%s", sym, c.reference)
	}

	c.Set(sym, q.AmountOut, "")
	return q.AmountOut, nil
}

// Set stores a price. Exposed for priming and for tests.
func (c *Cache) Set(token string, price decimal.Decimal, sourcePool string) {
	sym := strings.ToUpper(strings.TrimSpace(token))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sym] = entry{
		price:       price,
		refreshedAt: c.clock.Now(),
		sourcePool:  sourcePool,
	}
}

// Prime derives prices from scan results without any provider calls.
// First pass: tokens paired with a stablecoin price directly from the
// reserve ratio. Second pass: tokens paired only with another non-stable
// multiply by the base's cached price. Returns the number of tokens primed.
func (c *Cache) Prime(pools []domain.PoolMetric) int {
	primed := 0

	for _, p := range pools {
		t0Stable, t1Stable := c.IsStable(p.Token0), c.IsStable(p.Token1)
		if t0Stable == t1Stable {
			continue
		}
		token, stable := p.Token0, p.Token1
		if t0Stable {
			token, stable = p.Token1, p.Token0
		}
		tokenReserve, stableReserve := p.Reserves[token], p.Reserves[stable]
		if !tokenReserve.IsPositive() || !stableReserve.IsPositive() {
			continue
		}
		c.Set(token, stableReserve.Div(tokenReserve), p.PoolID)
		primed++
	}

	for _, p := range pools {
		if c.IsStable(p.Token0) || c.IsStable(p.Token1) {
			continue
		}
		price0, ok0 := c.fresh(strings.ToUpper(p.Token0))
		price1, ok1 := c.fresh(strings.ToUpper(p.Token1))
		if ok0 == ok1 {
			continue // both known or neither; nothing to derive
		}

		base, basePrice, target := p.Token0, price0, p.Token1
		if ok1 {
			base, basePrice, target = p.Token1, price1, p.Token0
		}
		baseReserve, targetReserve := p.Reserves[base], p.Reserves[target]
		if !baseReserve.IsPositive() || !targetReserve.IsPositive() {
			continue
		}
		c.Set(target, baseReserve.Mul(basePrice).Div(targetReserve), p.PoolID)
		primed++
	}

	if primed > 0 {
		c.log.Debug().Int("tokens", primed).Msg("Primed price cache from scan reserves")
	}
	return primed
}

// PeekPrice returns a fresh price without triggering resolution. Used for
// TVL conversion, which must never recurse into the provider.
func (c *Cache) PeekPrice(token string) (decimal.Decimal, bool) {
	sym := strings.ToUpper(strings.TrimSpace(token))
	if c.IsStable(sym) {
		return decimal.NewFromInt(1), true
	}
	return c.fresh(sym)
}

// Snapshot returns all entries sorted by token, for the status endpoint.
func (c *Cache) Snapshot() []PriceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	out := make([]PriceInfo, 0, len(c.entries))
	for sym, e := range c.entries {
		out = append(out, PriceInfo{
			Token:      sym,
			PriceUSD:   e.price,
			SourcePool: e.sourcePool,
			AgeSeconds: now.Sub(e.refreshedAt).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Len returns the number of cached prices.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// fresh returns the price if the entry exists and is within TTL.
func (c *Cache) fresh(sym string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sym]
	if !ok || c.clock.Now().Sub(e.refreshedAt) > c.ttl {
		return decimal.Zero, false
	}
	return e.price, true
}

// peek returns the entry regardless of freshness.
func (c *Cache) peek(sym string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sym]
	return e, ok
}
