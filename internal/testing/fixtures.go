package testing

import (
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewPoolFixtures returns a set of test pools spanning the shapes the
// engine cares about: a deep volatile pool, a stable pair, a thin
// high-APR pool, and a pool below the opportunity thresholds.
func NewPoolFixtures() []domain.PoolMetric {
	now := time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)
	return []domain.PoolMetric{
		{
			PoolID:       "0xa0b1-weth-usdc",
			Token0:       "WETH",
			Token1:       "USDC",
			TVLUSD:       decimal.NewFromInt(4_200_000),
			Volume24hUSD: decimal.NewFromInt(1_850_000),
			APRTotal:     24.6,
			APRFee:       9.1,
			APRIncentive: 15.5,
			Reserves: map[string]decimal.Decimal{
				"WETH": decimal.RequireFromString("1050.5"),
				"USDC": decimal.NewFromInt(2_100_000),
			},
			GasPriceGwei: 18,
			Timestamp:    now,
		},
		{
			PoolID:       "0xb2c3-usdc-usdt",
			Token0:       "USDC",
			Token1:       "USDT",
			TVLUSD:       decimal.NewFromInt(11_000_000),
			Volume24hUSD: decimal.NewFromInt(6_400_000),
			APRTotal:     8.2,
			APRFee:       8.2,
			APRIncentive: 0,
			Stable:       true,
			Reserves: map[string]decimal.Decimal{
				"USDC": decimal.NewFromInt(5_600_000),
				"USDT": decimal.NewFromInt(5_400_000),
			},
			GasPriceGwei: 18,
			Timestamp:    now,
		},
		{
			PoolID:       "0xc4d5-arb-weth",
			Token0:       "ARB",
			Token1:       "WETH",
			TVLUSD:       decimal.NewFromInt(380_000),
			Volume24hUSD: decimal.NewFromInt(510_000),
			APRTotal:     61.3,
			APRFee:       22.8,
			APRIncentive: 38.5,
			Reserves: map[string]decimal.Decimal{
				"ARB":  decimal.NewFromInt(240_000),
				"WETH": decimal.RequireFromString("47.5"),
			},
			GasPriceGwei: 18,
			Timestamp:    now,
		},
		{
			PoolID:       "0xd6e7-dust-weth",
			Token0:       "DUST",
			Token1:       "WETH",
			TVLUSD:       decimal.NewFromInt(42_000),
			Volume24hUSD: decimal.NewFromInt(9_000),
			APRTotal:     3.1,
			APRFee:       3.1,
			APRIncentive: 0,
			Reserves: map[string]decimal.Decimal{
				"DUST": decimal.NewFromInt(8_000_000),
				"WETH": decimal.RequireFromString("5.2"),
			},
			GasPriceGwei: 18,
			Timestamp:    now,
		},
	}
}

// NewPoolMetric builds a minimal pool for tests that only care about a
// few fields.
func NewPoolMetric(poolID, token0, token1 string, apr float64, tvlUSD, volumeUSD int64) domain.PoolMetric {
	return domain.PoolMetric{
		PoolID:       poolID,
		Token0:       token0,
		Token1:       token1,
		TVLUSD:       decimal.NewFromInt(tvlUSD),
		Volume24hUSD: decimal.NewFromInt(volumeUSD),
		APRTotal:     apr,
		APRFee:       apr,
		Timestamp:    time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC),
	}
}

// NewPositionFixture builds a position in the given pool.
func NewPositionFixture(poolID, token0, token1 string, valueUSD int64, entryAPR float64) domain.Position {
	entry := time.Date(2025, 10, 28, 9, 0, 0, 0, time.UTC)
	return domain.Position{
		ID:                uuid.New().String(),
		PoolID:            poolID,
		Token0:            token0,
		Token1:            token1,
		EntryValueUSD:     decimal.NewFromInt(valueUSD),
		CurrentValueUSD:   decimal.NewFromInt(valueUSD),
		PendingRewardsUSD: decimal.Zero,
		EntryAPR:          entryAPR,
		EntryTimestamp:    entry,
	}
}

// NewMemoryFixture builds an observation memory in the given category.
func NewMemoryFixture(category domain.Category, content string) domain.Memory {
	return domain.Memory{
		ID:         uuid.New().String(),
		Type:       domain.MemoryObservation,
		Category:   category,
		Content:    content,
		Confidence: 0.5,
		Timestamp:  time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC),
	}
}

// NewDecisionFixture builds an executable decision of the given type.
func NewDecisionFixture(decisionType domain.DecisionType, sourcePool, targetPool string) domain.Decision {
	return domain.Decision{
		ID:                 uuid.New().String(),
		Type:               decisionType,
		SourcePool:         sourcePool,
		TargetPool:         targetPool,
		AmountUSD:          decimal.NewFromInt(500),
		PredictedNetUSD24h: decimal.RequireFromString("1.75"),
		Confidence:         0.8,
		RationaleText:      "test decision",
		Timestamp:          time.Date(2025, 11, 3, 14, 5, 0, 0, time.UTC),
	}
}
