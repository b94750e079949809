package rebalancing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/modules/patterns"
	"github.com/aristath/forager/internal/modules/profiles"
	foragertest "github.com/aristath/forager/internal/testing"
)

// Monday 14:00 UTC.
var testStart = time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type harness struct {
	planner  *Planner
	profiles *profiles.Store
	engine   *patterns.Engine
	mem      *memory.Store
	clock    *foragertest.MockClock
}

func newTestPlanner(t *testing.T) *harness {
	t.Helper()
	docs := foragertest.NewMockDocStore()
	clock := foragertest.NewMockClock(testStart)
	mgr := events.NewManager(events.NewBus(), zerolog.Nop())
	mem := memory.NewStore(foragertest.NewMockVectorIndex(), docs, foragertest.NewMockEmbedder(64), clock, mgr, zerolog.Nop())
	engine := patterns.NewEngine(mem, docs, clock, mgr, zerolog.Nop())
	profileStore := profiles.NewStore(docs, zerolog.Nop())

	planner := NewPlanner(profileStore, engine, Gates{
		Base:                  domain.Thresholds{APRImprovementFloor: 5, ConfidenceFloor: 0.7},
		CompoundMinValueUSD:   usd("50"),
		CompoundOptimalGasUSD: usd("30"),
		MinAPRForMemory:       20,
	}, zerolog.Nop())

	return &harness{
		planner:  planner,
		profiles: profileStore,
		engine:   engine,
		mem:      mem,
		clock:    clock,
	}
}

// promotePattern drives an observation cluster through the real
// promotion path, then reinforces the pattern with winning outcomes
// until its confidence clears the floor. One distinct cluster per call:
// vary pool, category, or hour between calls.
func promotePattern(t *testing.T, h *harness, category domain.Category, pool string, apr float64, at time.Time, extra map[string]any, wins int) domain.Pattern {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		md := map[string]any{domain.MetaAPR: apr, domain.MetaTVL: 1_500_000.0}
		if pool != "" {
			md[domain.MetaPool] = pool
		}
		for k, v := range extra {
			md[k] = v
		}
		_, err := h.mem.Remember(ctx, domain.Memory{
			Type:       domain.MemoryObservation,
			Category:   category,
			Content:    fmt.Sprintf("%s cluster sample %d near %.1f%% APR", category, i, apr),
			Confidence: 0.6,
			Timestamp:  at.Add(time.Duration(i) * time.Minute),
			Metadata:   md,
		})
		require.NoError(t, err)
	}

	promoted, err := h.engine.Promote(ctx)
	require.NoError(t, err)
	require.Len(t, promoted, 1, "expected exactly one freshly promoted cluster")
	id := promoted[0].ID

	for i := 0; i < wins; i++ {
		_, err := h.engine.ApplyOutcome(ctx,
			domain.Decision{ID: fmt.Sprintf("d-%s-%d", id, i), PatternRefs: []string{id}},
			domain.Outcome{DecisionID: id, Status: domain.OutcomeExecuted, RealizedNetUSD: usd("10"), ExecutedAt: h.clock.Now()})
		require.NoError(t, err)
	}

	p, ok := h.engine.Get(id)
	require.True(t, ok)
	return p
}

// seedProfile feeds enough identical samples that the pool's profile
// confidence clears the 0.7 floor with neutral bucket adjustments.
func seedProfile(t *testing.T, h *harness, poolID, token0, token1 string, apr float64) {
	t.Helper()
	at := testStart.Add(-1 * time.Hour)
	for i := 0; i < 60; i++ {
		h.profiles.Update(domain.PoolMetric{
			PoolID:       poolID,
			Token0:       token0,
			Token1:       token1,
			Timestamp:    at.Add(time.Duration(i) * time.Minute),
			APRTotal:     apr,
			APRFee:       apr,
			TVLUSD:       usd("2000000"),
			Volume24hUSD: usd("400000"),
		})
	}
}

func position(id, poolID, token0, token1 string, valueUSD, rewardsUSD string) domain.Position {
	return domain.Position{
		ID:                id,
		PoolID:            poolID,
		Token0:            token0,
		Token1:            token1,
		EntryTimestamp:    testStart.Add(-72 * time.Hour),
		EntryValueUSD:     usd(valueUSD),
		CurrentValueUSD:   usd(valueUSD),
		PendingRewardsUSD: usd(rewardsUSD),
		EntryAPR:          10,
	}
}

func metric(poolID, token0, token1 string, apr float64) domain.PoolMetric {
	return domain.PoolMetric{
		PoolID:       poolID,
		Token0:       token0,
		Token1:       token1,
		Timestamp:    testStart,
		APRTotal:     apr,
		APRFee:       apr,
		TVLUSD:       usd("2000000"),
		Volume24hUSD: usd("400000"),
	}
}

// baseInputs is a trade-mode snapshot with cheap gas: $0.90 for a
// rebalance, $0.36 for a compound, $0.44 for an exit.
func baseInputs(positions []domain.Position, universe []domain.PoolMetric) Inputs {
	return Inputs{
		Now:         testStart,
		CycleNumber: 42,
		Mode:        domain.ModeTrade,
		Emotion:     domain.EmotionStable,
		BudgetMode:  budget.ModeNormal,
		Positions:   positions,
		Universe:    universe,
		Gas:         domain.GasPrice{Gwei: 1, NativeUSD: usd("2000")},
		CashToken:   "USDC",
		Quotes:      map[string]domain.Quote{},
	}
}

func TestPlanHoldsWhenNothingPasses(t *testing.T) {
	h := newTestPlanner(t)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "10000", "0")},
		[]domain.PoolMetric{metric("pool-a", "WETH", "USDC", 22)},
	)

	decisions := h.planner.Plan(in)
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.Equal(t, domain.DecisionHold, d.Type)
	assert.Equal(t, "pos-1", d.PositionID)
	assert.Equal(t, "pool-a", d.SourcePool)
	assert.NotEmpty(t, d.ID)
	assert.True(t, d.PredictedNetUSD24h.IsZero())
	assert.Equal(t, fallbackConfidence, d.Confidence)
	assert.Contains(t, d.RationaleText, "no alternative cleared its gates")
}

func TestRebalancePassesFullGateChain(t *testing.T) {
	h := newTestPlanner(t)

	pat := promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)
	require.GreaterOrEqual(t, pat.Confidence, 0.7)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "0")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 30),
		},
	)
	in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

	decisions := h.planner.Plan(in)
	require.Len(t, decisions, 1)

	d := decisions[0]
	require.Equal(t, domain.DecisionRebalance, d.Type)
	assert.Equal(t, "pool-a", d.SourcePool)
	assert.Equal(t, "pool-b", d.TargetPool)
	assert.True(t, d.AmountUSD.Equal(usd("20000")))
	assert.Contains(t, d.PatternRefs, pat.ID)
	assert.InDelta(t, pat.Confidence, d.Confidence, 1e-9)
	assert.Nil(t, d.DeferUntil)

	// 20000 × 17pp/100/365 − $0.90 gas − $4 impact.
	assert.InDelta(t, 4.415, d.PredictedNetUSD24h.InexactFloat64(), 0.01)
}

func TestRebalanceRequiresGoverningPattern(t *testing.T) {
	h := newTestPlanner(t)

	t.Run("no pattern at all", func(t *testing.T) {
		in := baseInputs(
			[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "0")},
			[]domain.PoolMetric{
				metric("pool-a", "WETH", "USDC", 10),
				metric("pool-b", "AERO", "USDC", 30),
			},
		)
		in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	})

	t.Run("pattern below the confidence floor", func(t *testing.T) {
		// Freshly promoted, never reinforced: confidence 0.5.
		promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
			testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 0)

		in := baseInputs(
			[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "0")},
			[]domain.PoolMetric{
				metric("pool-a", "WETH", "USDC", 10),
				metric("pool-b", "AERO", "USDC", 30),
			},
		)
		in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	})
}

func TestRebalanceRequiresQuote(t *testing.T) {
	h := newTestPlanner(t)

	promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "0")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 30),
		},
	)
	// No quote prefetched for pos-1.

	decisions := h.planner.Plan(in)
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.DecisionHold, decisions[0].Type)
}

func TestCompoundGates(t *testing.T) {
	newCompoundInputs := func(rewards string, gwei float64) Inputs {
		in := baseInputs(
			[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "10000", rewards)},
			[]domain.PoolMetric{metric("pool-a", "WETH", "USDC", 22)},
		)
		in.Gas = domain.GasPrice{Gwei: gwei, NativeUSD: usd("2000")}
		return in
	}

	t.Run("passes with rewards worth claiming", func(t *testing.T) {
		h := newTestPlanner(t)
		decisions := h.planner.Plan(newCompoundInputs("60", 1))
		require.Len(t, decisions, 1)

		d := decisions[0]
		require.Equal(t, domain.DecisionCompound, d.Type)
		assert.True(t, d.AmountUSD.Equal(usd("60")))
		assert.Equal(t, compoundConfidence, d.Confidence)
		assert.Empty(t, d.PatternRefs)
		// 60 − $0.36 gas.
		assert.InDelta(t, 59.64, d.PredictedNetUSD24h.InexactFloat64(), 0.001)
	})

	t.Run("blocked below the minimum reward value", func(t *testing.T) {
		h := newTestPlanner(t)
		decisions := h.planner.Plan(newCompoundInputs("40", 1))
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	})

	t.Run("blocked when gas exceeds the cap", func(t *testing.T) {
		// 90 gwei → $32.40 compound gas, over the $30 cap, while the
		// keep ratio would still pass on $400 of rewards.
		h := newTestPlanner(t)
		decisions := h.planner.Plan(newCompoundInputs("400", 90))
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	})

	t.Run("blocked when gas eats past the keep ratio", func(t *testing.T) {
		// 26.4 gwei → $9.50 gas on $60 of rewards keeps 84.2% < 85%.
		h := newTestPlanner(t)
		decisions := h.planner.Plan(newCompoundInputs("60", 26.4))
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	})

	t.Run("gas window pattern endorsing the hour", func(t *testing.T) {
		h := newTestPlanner(t)
		// Observations yesterday at 14:30 put the window at hour 14.
		pat := promotePattern(t, h, domain.CategoryGasOptimizationWindows, "", 0,
			testStart.Add(-24*time.Hour).Add(30*time.Minute), nil, 2)

		decisions := h.planner.Plan(newCompoundInputs("60", 1))
		require.Len(t, decisions, 1)
		require.Equal(t, domain.DecisionCompound, decisions[0].Type)
		assert.Contains(t, decisions[0].PatternRefs, pat.ID)
	})

	t.Run("gas window pattern pointing elsewhere blocks", func(t *testing.T) {
		h := newTestPlanner(t)
		// Observations yesterday at 16:00 put the window at hour 16.
		promotePattern(t, h, domain.CategoryGasOptimizationWindows, "", 0,
			testStart.Add(-22*time.Hour), nil, 2)

		decisions := h.planner.Plan(newCompoundInputs("60", 1))
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	})
}

func TestCompoundWinsWhenItNetsMore(t *testing.T) {
	h := newTestPlanner(t)

	promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "60")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 30),
		},
	)
	in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

	// Rebalance nets ~$4.42 over 24h; compounding $60 of rewards nets
	// ~$59.64 immediately. Compound wins on value, not just on ties.
	decisions := h.planner.Plan(in)
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.DecisionCompound, decisions[0].Type)
}

func TestRebalanceWinsWhenItNetsMore(t *testing.T) {
	h := newTestPlanner(t)

	promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 80,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 1.0}, 2)

	// 500k position moving from 10% to 80% predicted: gross ≈ $959,
	// dwarfing the $55 compound.
	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "500000", "55")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 80),
		},
	)
	in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

	decisions := h.planner.Plan(in)
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.DecisionRebalance, decisions[0].Type)
}

func TestExitWhenBleedingAndCheapToLeave(t *testing.T) {
	t.Run("exits a dying pool", func(t *testing.T) {
		h := newTestPlanner(t)
		// Predicted 4% is under the exit floor of 5% (0.25 × 20).
		in := baseInputs(
			[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "10000", "0")},
			[]domain.PoolMetric{metric("pool-a", "WETH", "USDC", 4)},
		)

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 1)

		d := decisions[0]
		require.Equal(t, domain.DecisionExit, d.Type)
		assert.Equal(t, "pool-a", d.SourcePool)
		assert.True(t, d.AmountUSD.Equal(usd("10000")))
		// Exit costs $0.44 of gas now; the benefit is stopping the bleed.
		assert.InDelta(t, -0.44, d.PredictedNetUSD24h.InexactFloat64(), 0.001)
	})

	t.Run("holds when exit gas exceeds 1% of value", func(t *testing.T) {
		h := newTestPlanner(t)
		in := baseInputs(
			[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20", "0")},
			[]domain.PoolMetric{metric("pool-a", "WETH", "USDC", 4)},
		)

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	})

	t.Run("holds above the exit floor", func(t *testing.T) {
		h := newTestPlanner(t)
		in := baseInputs(
			[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "10000", "0")},
			[]domain.PoolMetric{metric("pool-a", "WETH", "USDC", 6)},
		)

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	})
}

func TestEmergencyBudgetRestrictsActions(t *testing.T) {
	h := newTestPlanner(t)

	promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "400")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 30),
		},
	)
	// 44.45 gwei → $16 compound gas: inside the $30 cap, outside the
	// emergency cap of $15.
	in.Gas = domain.GasPrice{Gwei: 44.45, NativeUSD: usd("2000")}
	in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

	normal := h.planner.Plan(in)
	require.Len(t, normal, 1)
	assert.Equal(t, domain.DecisionCompound, normal[0].Type)

	in.BudgetMode = budget.ModeEmergency
	emergency := h.planner.Plan(in)
	require.Len(t, emergency, 1)
	assert.Equal(t, domain.DecisionHold, emergency[0].Type)

	assert.Empty(t, h.planner.CandidateSwaps(in), "emergency mode must not ask for rebalance quotes")
}

func TestRebalanceDefersToCheaperGasWindow(t *testing.T) {
	h := newTestPlanner(t)

	degradation := promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)
	// Observations yesterday at 16:00: gas is cheap at hour 16, two
	// hours ahead of the 14:00 plan.
	window := promotePattern(t, h, domain.CategoryGasOptimizationWindows, "", 0,
		testStart.Add(-22*time.Hour), nil, 2)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "0")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 30),
		},
	)
	in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

	decisions := h.planner.Plan(in)
	require.Len(t, decisions, 1)

	d := decisions[0]
	require.Equal(t, domain.DecisionRebalance, d.Type)
	require.NotNil(t, d.DeferUntil)
	assert.Equal(t, time.Date(2025, 11, 3, 16, 0, 0, 0, time.UTC), *d.DeferUntil)
	assert.Contains(t, d.PatternRefs, degradation.ID)
	assert.Contains(t, d.PatternRefs, window.ID)
}

func TestOneDecisionPerPoolPerCycle(t *testing.T) {
	t.Run("second position in the same pool holds", func(t *testing.T) {
		h := newTestPlanner(t)
		in := baseInputs(
			[]domain.Position{
				position("pos-small", "pool-a", "WETH", "USDC", "10000", "0"),
				position("pos-big", "pool-a", "WETH", "USDC", "30000", "60"),
			},
			[]domain.PoolMetric{metric("pool-a", "WETH", "USDC", 22)},
		)

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 2)

		// The bigger position is planned first and compounds.
		assert.Equal(t, "pos-big", decisions[0].PositionID)
		assert.Equal(t, domain.DecisionCompound, decisions[0].Type)

		assert.Equal(t, "pos-small", decisions[1].PositionID)
		assert.Equal(t, domain.DecisionHold, decisions[1].Type)
		assert.Contains(t, decisions[1].RationaleText, "already engaged")
	})

	t.Run("claimed rebalance target is off limits", func(t *testing.T) {
		h := newTestPlanner(t)
		promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
			testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

		in := baseInputs(
			[]domain.Position{
				position("pos-big", "pool-a", "WETH", "USDC", "30000", "0"),
				position("pos-small", "pool-d", "WETH", "DAI", "20000", "0"),
			},
			[]domain.PoolMetric{
				metric("pool-a", "WETH", "USDC", 10),
				metric("pool-d", "WETH", "DAI", 10),
				metric("pool-b", "AERO", "USDC", 30),
			},
		)
		in.Quotes["pos-big"] = domain.Quote{PriceImpact: 0.0002}
		in.Quotes["pos-small"] = domain.Quote{PriceImpact: 0.0002}

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 2)

		require.Equal(t, domain.DecisionRebalance, decisions[0].Type)
		assert.Equal(t, "pos-big", decisions[0].PositionID)
		assert.Equal(t, "pool-b", decisions[0].TargetPool)

		assert.Equal(t, domain.DecisionHold, decisions[1].Type)
		assert.Equal(t, "pos-small", decisions[1].PositionID)
	})
}

func TestClaimedPoolsAreOffLimits(t *testing.T) {
	t.Run("preclaimed target forces a hold", func(t *testing.T) {
		h := newTestPlanner(t)
		promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
			testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

		in := baseInputs(
			[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "0")},
			[]domain.PoolMetric{
				metric("pool-a", "WETH", "USDC", 10),
				metric("pool-b", "AERO", "USDC", 30),
			},
		)
		in.ClaimedPools = []string{"pool-b"}
		in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)

		assert.Empty(t, h.planner.CandidateSwaps(in))
	})

	t.Run("preclaimed position pool holds and skips quoting", func(t *testing.T) {
		h := newTestPlanner(t)
		promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
			testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

		in := baseInputs(
			[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "60")},
			[]domain.PoolMetric{
				metric("pool-a", "WETH", "USDC", 10),
				metric("pool-b", "AERO", "USDC", 30),
			},
		)
		in.ClaimedPools = []string{"pool-a"}
		in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 1)
		assert.Equal(t, domain.DecisionHold, decisions[0].Type)
		assert.Contains(t, decisions[0].RationaleText, "already engaged")

		assert.Empty(t, h.planner.CandidateSwaps(in))
	})

	t.Run("preclaimed enter target stays idle", func(t *testing.T) {
		h := newTestPlanner(t)
		seedProfile(t, h, "pool-c", "WETH", "AERO", 25)

		in := baseInputs(nil, []domain.PoolMetric{metric("pool-c", "WETH", "AERO", 25)})
		in.AvailableUSD = usd("5000")
		in.ClaimedPools = []string{"pool-c"}
		in.Quotes["enter:pool-c"] = domain.Quote{PriceImpact: 0.0002}

		assert.Empty(t, h.planner.Plan(in))
		assert.Empty(t, h.planner.CandidateSwaps(in))
	})
}

func TestEnterDeploysIdleCapital(t *testing.T) {
	t.Run("enters the best profiled pool", func(t *testing.T) {
		h := newTestPlanner(t)
		seedProfile(t, h, "pool-c", "WETH", "AERO", 25)

		in := baseInputs(nil, []domain.PoolMetric{metric("pool-c", "WETH", "AERO", 25)})
		in.AvailableUSD = usd("5000")
		in.Quotes["enter:pool-c"] = domain.Quote{PriceImpact: 0.0002}

		decisions := h.planner.Plan(in)
		require.Len(t, decisions, 1)

		d := decisions[0]
		require.Equal(t, domain.DecisionEnter, d.Type)
		assert.Equal(t, "pool-c", d.TargetPool)
		assert.Empty(t, d.SourcePool)
		assert.True(t, d.AmountUSD.Equal(usd("5000")))
		assert.GreaterOrEqual(t, d.Confidence, 0.7)
		// 5000 × 25%/365 − $0.56 gas − $1 impact ≈ $1.86.
		assert.InDelta(t, 1.86, d.PredictedNetUSD24h.InexactFloat64(), 0.01)
	})

	t.Run("idle balance below the minimum stays idle", func(t *testing.T) {
		h := newTestPlanner(t)
		seedProfile(t, h, "pool-c", "WETH", "AERO", 25)

		in := baseInputs(nil, []domain.PoolMetric{metric("pool-c", "WETH", "AERO", 25)})
		in.AvailableUSD = usd("50")
		in.Quotes["enter:pool-c"] = domain.Quote{PriceImpact: 0.0002}

		assert.Empty(t, h.planner.Plan(in))
	})

	t.Run("unprofiled pools are never entered", func(t *testing.T) {
		h := newTestPlanner(t)
		in := baseInputs(nil, []domain.PoolMetric{metric("pool-c", "WETH", "AERO", 25)})
		in.AvailableUSD = usd("5000")
		in.Quotes["enter:pool-c"] = domain.Quote{PriceImpact: 0.0002}

		assert.Empty(t, h.planner.Plan(in))
	})

	t.Run("missing quote skips the enter", func(t *testing.T) {
		h := newTestPlanner(t)
		seedProfile(t, h, "pool-c", "WETH", "AERO", 25)

		in := baseInputs(nil, []domain.PoolMetric{metric("pool-c", "WETH", "AERO", 25)})
		in.AvailableUSD = usd("5000")

		assert.Empty(t, h.planner.Plan(in))
	})
}

func TestEmotionalStateAdjustsGates(t *testing.T) {
	h := newTestPlanner(t)

	// Confidence 0.75 clears the stable floor of 0.70 but not the
	// desperate floor of 0.77.
	promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "0")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 30),
		},
	)
	in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}

	stable := h.planner.Plan(in)
	require.Len(t, stable, 1)
	assert.Equal(t, domain.DecisionRebalance, stable[0].Type)

	in.Emotion = domain.EmotionDesperate
	desperate := h.planner.Plan(in)
	require.Len(t, desperate, 1)
	assert.Equal(t, domain.DecisionHold, desperate[0].Type)
}

func TestObserveModePlansOnlyHolds(t *testing.T) {
	h := newTestPlanner(t)
	seedProfile(t, h, "pool-c", "WETH", "AERO", 25)
	promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "60")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 30),
			metric("pool-c", "WETH", "AERO", 25),
		},
	)
	in.Mode = domain.ModeObserve
	in.AvailableUSD = usd("5000")
	in.Quotes["pos-1"] = domain.Quote{PriceImpact: 0.0002}
	in.Quotes["enter:pool-c"] = domain.Quote{PriceImpact: 0.0002}

	decisions := h.planner.Plan(in)
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.DecisionHold, decisions[0].Type)
	assert.Contains(t, decisions[0].RationaleText, "observing")

	assert.Empty(t, h.planner.CandidateSwaps(in))
}

func TestCandidateSwapsShapesIntents(t *testing.T) {
	h := newTestPlanner(t)
	seedProfile(t, h, "pool-c", "WETH", "AERO", 25)
	promotePattern(t, h, domain.CategoryAPRDegradation, "AERO/USDC", 30,
		testStart.Add(-1*time.Hour), map[string]any{"decay_24h": 0.9}, 2)

	in := baseInputs(
		[]domain.Position{position("pos-1", "pool-a", "WETH", "USDC", "20000", "0")},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 10),
			metric("pool-b", "AERO", "USDC", 30),
			metric("pool-c", "WETH", "AERO", 25),
		},
	)
	in.AvailableUSD = usd("5000")

	intents := h.planner.CandidateSwaps(in)
	require.Len(t, intents, 2)

	reb := intents[0]
	assert.Equal(t, "pos-1", reb.Key())
	assert.Equal(t, "pool-a", reb.SourcePool)
	assert.Equal(t, "pool-b", reb.TargetPool)
	assert.Equal(t, "WETH", reb.TokenIn)
	assert.Equal(t, "AERO", reb.TokenOut)
	assert.True(t, reb.AmountUSD.Equal(usd("10000")), "one leg is priced at half the position")

	enter := intents[1]
	assert.Equal(t, "enter:pool-c", enter.Key())
	assert.Equal(t, "USDC", enter.TokenIn)
	assert.Equal(t, "WETH", enter.TokenOut)
	assert.True(t, enter.AmountUSD.Equal(usd("2500")))
}

func TestPlanStampsOrderingFields(t *testing.T) {
	h := newTestPlanner(t)
	seedProfile(t, h, "pool-c", "WETH", "AERO", 25)

	in := baseInputs(
		[]domain.Position{
			position("pos-1", "pool-a", "WETH", "USDC", "10000", "0"),
			position("pos-2", "pool-d", "WETH", "DAI", "9000", "0"),
		},
		[]domain.PoolMetric{
			metric("pool-a", "WETH", "USDC", 22),
			metric("pool-d", "WETH", "DAI", 22),
			metric("pool-c", "WETH", "AERO", 25),
		},
	)
	in.AvailableUSD = usd("5000")
	in.Quotes["enter:pool-c"] = domain.Quote{PriceImpact: 0.0002}

	decisions := h.planner.Plan(in)
	require.Len(t, decisions, 3)

	seen := map[string]bool{}
	for i, d := range decisions {
		assert.Equal(t, i, d.Seq)
		assert.Equal(t, int64(42), d.CycleNumber)
		assert.Equal(t, testStart, d.Timestamp)
		require.NotEmpty(t, d.ID)
		assert.False(t, seen[d.ID], "decision ids must be unique")
		seen[d.ID] = true
	}
	assert.Equal(t, domain.DecisionEnter, decisions[2].Type)
}
