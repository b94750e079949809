package patterns

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
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/storage"
	foragertest "github.com/aristath/forager/internal/testing"
)

var testStart = time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

type engineDeps struct {
	docs  *foragertest.MockDocStore
	clock *foragertest.MockClock
	bus   *events.Bus
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store, engineDeps) {
	t.Helper()
	deps := engineDeps{
		docs:  foragertest.NewMockDocStore(),
		clock: foragertest.NewMockClock(testStart),
		bus:   events.NewBus(),
	}
	mgr := events.NewManager(deps.bus, zerolog.Nop())
	mem := memory.NewStore(foragertest.NewMockVectorIndex(), deps.docs, foragertest.NewMockEmbedder(64), deps.clock, mgr, zerolog.Nop())
	engine := NewEngine(mem, deps.docs, deps.clock, mgr, zerolog.Nop())
	return engine, mem, deps
}

func seedObservations(t *testing.T, mem *memory.Store, category domain.Category, pool string, apr float64, n int, at time.Time, extra map[string]any) {
	t.Helper()
	for i := 0; i < n; i++ {
		md := map[string]any{
			domain.MetaPool: pool,
			domain.MetaAPR:  apr,
			domain.MetaTVL:  1_500_000.0,
		}
		for k, v := range extra {
			md[k] = v
		}
		_, err := mem.Remember(context.Background(), domain.Memory{
			Type:       domain.MemoryObservation,
			Category:   category,
			Content:    fmt.Sprintf("%s showing %.1f%% APR, sample %d", pool, apr, i),
			Confidence: 0.6,
			Timestamp:  at.Add(time.Duration(i) * time.Minute),
			Metadata:   md,
		})
		require.NoError(t, err)
	}
}

func TestPromoteCreatesPatternAndMirror(t *testing.T) {
	engine, mem, deps := newTestEngine(t)
	ctx := context.Background()

	var promotedEvents []*events.Event
	deps.bus.Subscribe(events.PatternPromoted, func(e *events.Event) { promotedEvents = append(promotedEvents, e) })

	seedObservations(t, mem, domain.CategoryMarketPattern, "WETH/USDC", 22.0, 3, testStart, nil)

	promoted, err := engine.Promote(ctx)
	require.NoError(t, err)
	require.Len(t, promoted, 1)

	p := promoted[0]
	assert.Equal(t, domain.CategoryMarketPattern, p.PatternType)
	assert.Equal(t, 0.5, p.Confidence)
	assert.Equal(t, 0, p.Occurrences)
	assert.Equal(t, []string{"WETH/USDC"}, p.AffectedPools)
	assert.EqualValues(t, 3, p.Metadata["observation_count"])
	assert.EqualValues(t, 14, p.Metadata["hour"])
	assert.NotEmpty(t, p.Metadata["fingerprint"])
	assert.Equal(t, testStart, p.DiscoveredAt)

	// The mirror memory shares the pattern id.
	mirror, err := deps.docs.GetDoc(ctx, storage.CollMemories, p.ID)
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, "pattern", mirror["type"])

	stored, err := deps.docs.GetDoc(ctx, storage.CollPatterns, p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	require.Len(t, promotedEvents, 1)
	assert.Equal(t, p.ID, promotedEvents[0].Data["pattern_id"])

	// The fingerprint is now represented: promoting again is a no-op.
	again, err := engine.Promote(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 1, engine.Len())
}

func TestPromoteSkipsSmallClusters(t *testing.T) {
	engine, mem, _ := newTestEngine(t)

	seedObservations(t, mem, domain.CategoryMarketPattern, "WETH/USDC", 22.0, 2, testStart, nil)

	promoted, err := engine.Promote(context.Background())
	require.NoError(t, err)
	assert.Empty(t, promoted)
	assert.Equal(t, 0, engine.Len())
}

func TestPromoteIgnoresOldObservations(t *testing.T) {
	engine, mem, _ := newTestEngine(t)

	seedObservations(t, mem, domain.CategoryMarketPattern, "WETH/USDC", 22.0, 3, testStart.Add(-30*time.Hour), nil)

	promoted, err := engine.Promote(context.Background())
	require.NoError(t, err)
	assert.Empty(t, promoted)
}

func TestPromoteAggregatesDecayMetadata(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()

	for i, decay := range []float64{0.8, 0.6, 0.7} {
		_, err := mem.Remember(ctx, domain.Memory{
			Type:       domain.MemoryObservation,
			Category:   domain.CategoryAPRDegradation,
			Content:    fmt.Sprintf("APR fading on WETH/USDC, sample %d", i),
			Confidence: 0.6,
			Timestamp:  testStart.Add(time.Duration(i) * time.Minute),
			Metadata: map[string]any{
				domain.MetaPool: "WETH/USDC",
				domain.MetaAPR:  22.0,
				domain.MetaTVL:  1_500_000.0,
				"decay_24h":     decay,
			},
		})
		require.NoError(t, err)
	}

	promoted, err := engine.Promote(ctx)
	require.NoError(t, err)
	require.Len(t, promoted, 1)

	decay, ok := memory.MetaFloat(promoted[0].Metadata, "decay_24h")
	require.True(t, ok)
	assert.InDelta(t, 0.7, decay, 1e-9)
}

func TestApplyOutcomeReinforces(t *testing.T) {
	engine, mem, deps := newTestEngine(t)
	ctx := context.Background()

	var reinforcedEvents []*events.Event
	deps.bus.Subscribe(events.PatternReinforced, func(e *events.Event) { reinforcedEvents = append(reinforcedEvents, e) })

	seedObservations(t, mem, domain.CategoryMarketPattern, "WETH/USDC", 22.0, 3, testStart, nil)
	promoted, err := engine.Promote(ctx)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	id := promoted[0].ID

	decision := domain.Decision{ID: "d-1", Type: domain.DecisionRebalance, PatternRefs: []string{id, "not-a-pattern"}}

	win := domain.Outcome{DecisionID: "d-1", Status: domain.OutcomeExecuted, RealizedNetUSD: decimal.NewFromInt(12)}
	reinforced, err := engine.ApplyOutcome(ctx, decision, win)
	require.NoError(t, err)
	require.Len(t, reinforced, 1)
	assert.Equal(t, 1, reinforced[0].Occurrences)
	assert.Equal(t, 1, reinforced[0].Successes)
	assert.InDelta(t, 2.0/3.0, reinforced[0].Confidence, 1e-9)

	mirror, err := deps.docs.GetDoc(ctx, storage.CollMemories, id)
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.InDelta(t, 2.0/3.0, mirror["confidence"].(float64), 1e-9)

	loss := domain.Outcome{DecisionID: "d-1", Status: domain.OutcomeExecuted, RealizedNetUSD: decimal.NewFromInt(-5)}
	reinforced, err = engine.ApplyOutcome(ctx, decision, loss)
	require.NoError(t, err)
	require.Len(t, reinforced, 1)
	assert.Equal(t, 2, reinforced[0].Occurrences)
	assert.Equal(t, 1, reinforced[0].Successes)
	assert.InDelta(t, 0.5, reinforced[0].Confidence, 1e-9)

	assert.Len(t, reinforcedEvents, 2)
}

func TestApplyOutcomeSkipsRejectedAndDeferred(t *testing.T) {
	engine, mem, _ := newTestEngine(t)
	ctx := context.Background()

	seedObservations(t, mem, domain.CategoryMarketPattern, "WETH/USDC", 22.0, 3, testStart, nil)
	promoted, err := engine.Promote(ctx)
	require.NoError(t, err)
	id := promoted[0].ID

	decision := domain.Decision{ID: "d-1", PatternRefs: []string{id}}
	for _, status := range []domain.OutcomeStatus{domain.OutcomeRejected, domain.OutcomeDeferred} {
		reinforced, err := engine.ApplyOutcome(ctx, decision, domain.Outcome{DecisionID: "d-1", Status: status})
		require.NoError(t, err)
		assert.Empty(t, reinforced)
	}

	got, ok := engine.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0, got.Occurrences)

	// A failed execution counts as a failure occurrence: gas was spent.
	reinforced, err := engine.ApplyOutcome(ctx, decision, domain.Outcome{DecisionID: "d-1", Status: domain.OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, reinforced, 1)
	assert.Equal(t, 1, reinforced[0].Occurrences)
	assert.Equal(t, 0, reinforced[0].Successes)
}

func TestBestTieBreak(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	add := func(id string, confidence float64, occurrences int, reinforcedAt time.Time, pools ...string) {
		engine.patterns[id] = &domain.Pattern{
			ID:               id,
			PatternType:      domain.CategoryGasOptimizationWindows,
			Confidence:       confidence,
			Occurrences:      occurrences,
			LastReinforcedAt: reinforcedAt,
			AffectedPools:    pools,
		}
	}
	add("p-low", 0.8, 5, testStart)
	add("p-few", 0.9, 2, testStart)
	add("p-old", 0.9, 4, testStart)
	add("p-new", 0.9, 4, testStart.Add(time.Hour))

	best, ok := engine.Best(domain.CategoryGasOptimizationWindows, "")
	require.True(t, ok)
	assert.Equal(t, "p-new", best.ID)

	_, ok = engine.Best(domain.CategoryAPRDegradation, "")
	assert.False(t, ok)
}

func TestBestFiltersByPool(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	engine.patterns["p-pool"] = &domain.Pattern{
		ID:            "p-pool",
		PatternType:   domain.CategoryAPRDegradation,
		Confidence:    0.9,
		AffectedPools: []string{"WETH/USDC"},
	}
	engine.patterns["p-global"] = &domain.Pattern{
		ID:          "p-global",
		PatternType: domain.CategoryAPRDegradation,
		Confidence:  0.6,
	}

	best, ok := engine.Best(domain.CategoryAPRDegradation, "WETH/USDC")
	require.True(t, ok)
	assert.Equal(t, "p-pool", best.ID)

	// A pool the specific pattern doesn't cover falls back to the
	// global one.
	best, ok = engine.Best(domain.CategoryAPRDegradation, "WBTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "p-global", best.ID)
}

func TestPruneStaleRetiresWeakPatterns(t *testing.T) {
	engine, mem, deps := newTestEngine(t)
	ctx := context.Background()

	seedObservations(t, mem, domain.CategoryMarketPattern, "WETH/USDC", 22.0, 3, testStart, nil)
	promoted, err := engine.Promote(ctx)
	require.NoError(t, err)
	weak := promoted[0]

	stable := &domain.Pattern{
		ID:               "p-stable",
		PatternType:      domain.CategoryGasOptimizationWindows,
		Confidence:       0.5,
		Occurrences:      12,
		Successes:        5,
		DiscoveredAt:     testStart,
		LastReinforcedAt: testStart,
	}
	engine.patterns[stable.ID] = stable
	require.NoError(t, engine.persist(ctx, stable))

	// 100 days later: 0.5·exp(−100/30) ≈ 0.018 is below the floor.
	deps.clock.Set(testStart.Add(100 * 24 * time.Hour))
	retired, err := engine.PruneStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retired)
	assert.Equal(t, 1, engine.Len())

	gone, err := deps.docs.GetDoc(ctx, storage.CollPatterns, weak.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	mirrorGone, err := deps.docs.GetDoc(ctx, storage.CollMemories, weak.ID)
	require.NoError(t, err)
	assert.Nil(t, mirrorGone)

	_, represented := engine.byFingerprint[memory.MetaString(weak.Metadata, "fingerprint")]
	assert.False(t, represented)

	kept, err := deps.docs.GetDoc(ctx, storage.CollPatterns, stable.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestLoadAllRestoresPatterns(t *testing.T) {
	engine, mem, deps := newTestEngine(t)
	ctx := context.Background()

	seedObservations(t, mem, domain.CategoryMarketPattern, "WETH/USDC", 22.0, 3, testStart, nil)
	promoted, err := engine.Promote(ctx)
	require.NoError(t, err)
	require.Len(t, promoted, 1)

	mgr := events.NewManager(deps.bus, zerolog.Nop())
	restored := NewEngine(mem, deps.docs, deps.clock, mgr, zerolog.Nop())
	require.NoError(t, restored.LoadAll(ctx))

	assert.Equal(t, 1, restored.Len())
	got, ok := restored.Get(promoted[0].ID)
	require.True(t, ok)
	assert.Equal(t, promoted[0].PatternType, got.PatternType)
	assert.Equal(t, promoted[0].AffectedPools, got.AffectedPools)

	// The restored fingerprint map still blocks duplicate promotion.
	again, err := restored.Promote(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}
