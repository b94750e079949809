// Package gateway mediates all market data access. It owns rate limiting,
// retries, APR consistency, and TVL conversion so the cognitive loop never
// sees a network detail.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/pricing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// callTimeout bounds every provider call.
const callTimeout = 10 * time.Second

// backoffSchedule is slept through between retry attempts.
var backoffSchedule = []time.Duration{200 * time.Millisecond, 800 * time.Millisecond, 3200 * time.Millisecond}

// Limits declares the provider's per-method rate limits.
type Limits struct {
	Search       rate.Limit
	SearchBurst  int
	Metrics      rate.Limit
	MetricsBurst int
	Quote        rate.Limit
	QuoteBurst   int
	Gas          rate.Limit
	GasBurst     int
}

// DefaultLimits matches the public tier of the market data provider.
func DefaultLimits() Limits {
	return Limits{
		Search:       rate.Every(6 * time.Second), // 10/min
		SearchBurst:  2,
		Metrics:      rate.Every(time.Second), // 60/min
		MetricsBurst: 10,
		Quote:        rate.Every(2 * time.Second), // 30/min
		QuoteBurst:   5,
		Gas:          rate.Every(2 * time.Second),
		GasBurst:     5,
	}
}

// Gateway wraps a raw MarketProvider and implements the same interface.
type Gateway struct {
	provider domain.MarketProvider
	prices   *pricing.Cache
	clock    domain.Clock
	log      zerolog.Logger

	limiters map[string]*rate.Limiter

	mu     sync.Mutex
	lastTS map[string]time.Time // per-pool monotonic timestamp floor
}

// New creates a gateway around the provider. The price cache is shared
// with the rest of the system; the gateway primes it on every scan.
func New(provider domain.MarketProvider, prices *pricing.Cache, limits Limits, clock domain.Clock, log zerolog.Logger) *Gateway {
	return &Gateway{
		provider: provider,
		prices:   prices,
		clock:    clock,
		log:      log.With().Str("component", "gateway").Logger(),
		limiters: map[string]*rate.Limiter{
			"search":  rate.NewLimiter(limits.Search, limits.SearchBurst),
			"metrics": rate.NewLimiter(limits.Metrics, limits.MetricsBurst),
			"quote":   rate.NewLimiter(limits.Quote, limits.QuoteBurst),
			"gas":     rate.NewLimiter(limits.Gas, limits.GasBurst),
		},
		lastTS: make(map[string]time.Time),
	}
}

// SearchOpportunities returns candidate pools with consistent APR
// components, monotonic timestamps, and TVL filled from reserves where
// the provider reported zero.
func (g *Gateway) SearchOpportunities(ctx context.Context, minAPR float64, minVolume24h decimal.Decimal, limit int) ([]domain.PoolMetric, error) {
	if err := g.allow("search"); err != nil {
		return nil, err
	}

	var pools []domain.PoolMetric
	err := g.withRetry(ctx, "search", func(ctx context.Context) error {
		var err error
		pools, err = g.provider.SearchOpportunities(ctx, minAPR, minVolume24h, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i := range pools {
		g.normalize(&pools[i])
	}
	// Prime before TVL conversion so base tokens (WETH via WETH/USDC)
	// price without any further provider calls.
	g.prices.Prime(pools)
	for i := range pools {
		g.fillTVL(&pools[i])
	}
	return pools, nil
}

// GetPoolMetrics returns current metrics for one pool.
func (g *Gateway) GetPoolMetrics(ctx context.Context, poolID string) (domain.PoolMetric, error) {
	if err := g.allow("metrics"); err != nil {
		return domain.PoolMetric{}, err
	}

	var m domain.PoolMetric
	err := g.withRetry(ctx, "metrics", func(ctx context.Context) error {
		var err error
		m, err = g.provider.GetPoolMetrics(ctx, poolID)
		return err
	})
	if err != nil {
		return domain.PoolMetric{}, err
	}

	g.normalize(&m)
	g.prices.Prime([]domain.PoolMetric{m})
	g.fillTVL(&m)
	return m, nil
}

// GetSwapQuote prices a swap for profitability checks.
func (g *Gateway) GetSwapQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (domain.Quote, error) {
	if err := g.allow("quote"); err != nil {
		return domain.Quote{}, err
	}

	var q domain.Quote
	err := g.withRetry(ctx, "quote", func(ctx context.Context) error {
		var err error
		q, err = g.provider.GetSwapQuote(ctx, tokenIn, tokenOut, amountIn)
		return err
	})
	return q, err
}

// GetGasPrice returns the chain's current gas quote.
func (g *Gateway) GetGasPrice(ctx context.Context, chain string) (domain.GasPrice, error) {
	if err := g.allow("gas"); err != nil {
		return domain.GasPrice{}, err
	}

	var gp domain.GasPrice
	err := g.withRetry(ctx, "gas", func(ctx context.Context) error {
		var err error
		gp, err = g.provider.GetGasPrice(ctx, chain)
		return err
	})
	return gp, err
}

// allow consumes one token from the method's bucket. An empty bucket
// fails immediately; the caller decides whether this cycle can proceed
// without the data.
func (g *Gateway) allow(method string) error {
	if !g.limiters[method].Allow() {
		return domain.Errorf(domain.KindRateLimited, "%s rate limit exhausted", method)
	}
	return nil
}

// withRetry runs fn with a per-call timeout, retrying transient failures
// up to three times with exponential backoff. Structural errors surface
// immediately.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		if attempt > 0 {
			if err := g.clock.Sleep(ctx, backoffSchedule[attempt-1]); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !domain.Retryable(err) {
			return err
		}

		lastErr = err
		g.log.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Provider call failed, will retry")
	}
	// Keep the underlying kind: the loop treats a run of timeouts
	// differently from other transient exhaustion.
	return domain.WrapError(domain.KindOf(lastErr), lastErr, op+" failed after retries")
}

// normalize repairs APR component drift and enforces per-pool timestamp
// monotonicity.
func (g *Gateway) normalize(m *domain.PoolMetric) {
	if !m.APRConsistent() {
		g.log.Debug().
			Str("pool", m.PoolID).
			Float64("apr_total", m.APRTotal).
			Float64("apr_fee", m.APRFee).
			Float64("apr_incentive", m.APRIncentive).
			Msg("APR components inconsistent, renormalizing")
		m.APRTotal = m.APRFee + m.APRIncentive
	}

	if m.Timestamp.IsZero() {
		m.Timestamp = g.clock.Now()
	}

	g.mu.Lock()
	if last, ok := g.lastTS[m.PoolID]; ok && m.Timestamp.Before(last) {
		m.Timestamp = last
	} else {
		g.lastTS[m.PoolID] = m.Timestamp
	}
	g.mu.Unlock()
}

// fillTVL computes tvl_usd from reserves when the provider reported zero.
// Prices come from the cache only; an unpriceable reserve leaves TVL at
// zero with a warning rather than triggering a provider call.
func (g *Gateway) fillTVL(m *domain.PoolMetric) {
	if m.TVLUSD.IsPositive() || len(m.Reserves) == 0 {
		return
	}

	total := decimal.Zero
	for token, amount := range m.Reserves {
		price, ok := g.prices.PeekPrice(token)
		if !ok {
			g.log.Warn().
				Str("pool", m.PoolID).
				Str("token", token).
				Msg("No cached price for reserve token, reporting TVL as 0")
			return
		}
		total = total.Add(amount.Mul(price))
	}
	m.TVLUSD = total
}
