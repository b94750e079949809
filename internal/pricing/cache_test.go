package pricing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/forager/internal/domain"
	foragertest "github.com/aristath/forager/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*Cache, *foragertest.MockClock) {
	t.Helper()
	clock := foragertest.NewMockClock(testStart)
	cache := NewCache(300*time.Second, []string{"USDC", "USDbC", "DAI"}, clock, zerolog.Nop())
	return cache, clock
}

func TestStablecoinFastPath(t *testing.T) {
	cache, _ := newTestCache(t)

	for _, sym := range []string{"USDC", "usdc", " DAI ", "USDbC"} {
		price, err := cache.GetPrice(context.Background(), sym)
		require.NoError(t, err)
		assert.True(t, price.Equal(decimal.NewFromInt(1)), "%s should be $1.00", sym)
	}
	// No quote source configured, so any I/O would have errored.
	assert.Equal(t, 0, cache.Len())
}

func TestPrimeDirectAndRoutedPrices(t *testing.T) {
	cache, _ := newTestCache(t)

	pools := []domain.PoolMetric{
		{
			PoolID: "0x1-weth-usdc", Token0: "WETH", Token1: "USDC",
			Reserves: map[string]decimal.Decimal{
				"WETH": decimal.NewFromInt(1000),
				"USDC": decimal.NewFromInt(2_000_000),
			},
		},
		{
			PoolID: "0x2-aero-usdc", Token0: "AERO", Token1: "USDC",
			Reserves: map[string]decimal.Decimal{
				"AERO": decimal.NewFromInt(100_000),
				"USDC": decimal.NewFromInt(120_000),
			},
		},
		{
			// Routed: XYZ has no stable pairing, prices via WETH.
			PoolID: "0x3-xyz-weth", Token0: "XYZ", Token1: "WETH",
			Reserves: map[string]decimal.Decimal{
				"XYZ":  decimal.NewFromInt(10_000),
				"WETH": decimal.NewFromInt(5),
			},
		},
	}

	primed := cache.Prime(pools)
	assert.Equal(t, 3, primed)

	ctx := context.Background()
	weth, err := cache.GetPrice(ctx, "WETH")
	require.NoError(t, err)
	assert.True(t, weth.Equal(decimal.NewFromInt(2000)), "got %s", weth)

	aero, err := cache.GetPrice(ctx, "AERO")
	require.NoError(t, err)
	assert.True(t, aero.Equal(decimal.RequireFromString("1.2")), "got %s", aero)

	xyz, err := cache.GetPrice(ctx, "XYZ")
	require.NoError(t, err)
	// 5 WETH x $2000 / 10000 XYZ = $1
	assert.True(t, xyz.Equal(decimal.NewFromInt(1)), "got %s", xyz)
}

func TestPrimeSkipsUnresolvablePairs(t *testing.T) {
	cache, _ := newTestCache(t)

	pools := []domain.PoolMetric{
		{
			// Neither side stable, neither side priced.
			PoolID: "0x4-abc-def", Token0: "ABC", Token1: "DEF",
			Reserves: map[string]decimal.Decimal{
				"ABC": decimal.NewFromInt(100),
				"DEF": decimal.NewFromInt(100),
			},
		},
		{
			// Missing reserves.
			PoolID: "0x5-ghi-usdc", Token0: "GHI", Token1: "USDC",
		},
	}

	assert.Equal(t, 0, cache.Prime(pools))
	assert.Equal(t, 0, cache.Len())
}

func TestGetPriceResolvesViaQuoteAndCaches(t *testing.T) {
	cache, _ := newTestCache(t)

	var calls atomic.Int32
	cache.SetQuoteSource(func(_ context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (domain.Quote, error) {
		calls.Add(1)
		assert.Equal(t, "ARB", tokenIn)
		assert.Equal(t, "USDC", tokenOut)
		assert.True(t, amountIn.Equal(decimal.NewFromInt(1)))
		return domain.Quote{AmountOut: decimal.RequireFromString("3.25")}, nil
	})

	ctx := context.Background()
	price, err := cache.GetPrice(ctx, "ARB")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("3.25")))

	// Second call within TTL hits the cache.
	_, err = cache.GetPrice(ctx, "ARB")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetPriceRefreshesAfterTTL(t *testing.T) {
	cache, clock := newTestCache(t)

	var calls atomic.Int32
	cache.SetQuoteSource(func(context.Context, string, string, decimal.Decimal) (domain.Quote, error) {
		calls.Add(1)
		return domain.Quote{AmountOut: decimal.NewFromInt(2)}, nil
	})

	ctx := context.Background()
	_, err := cache.GetPrice(ctx, "ARB")
	require.NoError(t, err)

	clock.Advance(301 * time.Second)
	_, err = cache.GetPrice(ctx, "ARB")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetPriceServesStaleOnQuoteFailure(t *testing.T) {
	cache, clock := newTestCache(t)
	cache.Set("ARB", decimal.RequireFromString("3.10"), "0xpool")
	clock.Advance(10 * time.Minute) // entry now stale

	cache.SetQuoteSource(func(context.Context, string, string, decimal.Decimal) (domain.Quote, error) {
		return domain.Quote{}, domain.Errorf(domain.KindTransient, "provider down")
	})

	price, err := cache.GetPrice(context.Background(), "ARB")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("3.10")))
}

func TestGetPriceErrorWhenNothingCached(t *testing.T) {
	cache, _ := newTestCache(t)
	cache.SetQuoteSource(func(context.Context, string, string, decimal.Decimal) (domain.Quote, error) {
		return domain.Quote{}, fmt.Errorf("provider down")
	})

	_, err := cache.GetPrice(context.Background(), "ARB")
	require.Error(t, err)
}

func TestConcurrentMissesShareOneResolution(t *testing.T) {
	cache, _ := newTestCache(t)

	var calls atomic.Int32
	cache.SetQuoteSource(func(context.Context, string, string, decimal.Decimal) (domain.Quote, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return domain.Quote{AmountOut: decimal.NewFromInt(7)}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			price, err := cache.GetPrice(context.Background(), "OP")
			assert.NoError(t, err)
			assert.True(t, price.Equal(decimal.NewFromInt(7)))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestSnapshotReportsAges(t *testing.T) {
	cache, clock := newTestCache(t)
	cache.Set("WETH", decimal.NewFromInt(2000), "0x1")
	clock.Advance(30 * time.Second)
	cache.Set("AERO", decimal.RequireFromString("1.2"), "0x2")

	snap := cache.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "AERO", snap[0].Token)
	assert.Equal(t, "WETH", snap[1].Token)
	assert.InDelta(t, 0, snap[0].AgeSeconds, 0.001)
	assert.InDelta(t, 30, snap[1].AgeSeconds, 0.001)
}
