package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/storage"
	foragertest "github.com/aristath/forager/internal/testing"
)

var testStart = time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

type governorDeps struct {
	docs  *foragertest.MockDocStore
	clock *foragertest.MockClock
	bus   *events.Bus
}

func newTestGovernor(t *testing.T, ceilingUSD string) (*Governor, governorDeps) {
	t.Helper()
	deps := governorDeps{
		docs:  foragertest.NewMockDocStore(),
		clock: foragertest.NewMockClock(testStart),
		bus:   events.NewBus(),
	}
	mgr := events.NewManager(deps.bus, zerolog.Nop())
	gov := NewGovernor(decimal.RequireFromString(ceilingUSD), deps.docs, deps.clock, mgr, zerolog.Nop())
	return gov, deps
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestModeFollowsSpendFraction(t *testing.T) {
	gov, _ := newTestGovernor(t, "30")
	ctx := context.Background()

	assert.Equal(t, ModeNormal, gov.Mode())

	// 9.90 of 30 is exactly the 33% caution line.
	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("9.90")))
	assert.Equal(t, ModeCaution, gov.Mode())

	// 20.10 of 30 reaches 67%.
	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("10.20")))
	assert.Equal(t, ModeEmergency, gov.Mode())

	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("9.90")))
	assert.Equal(t, ModeShutdown, gov.Mode())
}

func TestCanAffordHeadroomMath(t *testing.T) {
	gov, _ := newTestGovernor(t, "30")
	ctx := context.Background()

	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("25")))

	// Exactly reaching the ceiling is affordable; a cent past is not.
	assert.True(t, gov.CanAfford(CategoryGas, usd("5")))
	assert.False(t, gov.CanAfford(CategoryGas, usd("5.01")))

	assert.False(t, gov.CanAfford("coffee", usd("1")), "unknown category")
	assert.True(t, gov.CanAfford(CategoryLLM, usd("-3")), "negative estimate treated as zero")
}

func TestChargeEmitsOneEventPerThresholdCrossing(t *testing.T) {
	gov, deps := newTestGovernor(t, "30")
	ctx := context.Background()

	var thresholds []*events.Event
	deps.bus.Subscribe(events.BudgetThreshold, func(e *events.Event) {
		thresholds = append(thresholds, e)
	})
	var shutdowns []*events.Event
	deps.bus.Subscribe(events.EmergencyShutdown, func(e *events.Event) {
		shutdowns = append(shutdowns, e)
	})

	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("5")))
	assert.Empty(t, thresholds, "below caution, nothing fires")

	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("5")))
	require.Len(t, thresholds, 1)
	assert.Equal(t, "caution", thresholds[0].Data["level"])
	assert.Equal(t, "10", thresholds[0].Data["spent_usd"])
	assert.Equal(t, "30", thresholds[0].Data["budget_usd"])

	// Another charge inside the caution band must not re-fire.
	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("2")))
	assert.Len(t, thresholds, 1)

	// One large charge crossing emergency and shutdown fires both.
	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("20")))
	require.Len(t, thresholds, 3)
	assert.Equal(t, "emergency", thresholds[1].Data["level"])
	assert.Equal(t, "shutdown", thresholds[2].Data["level"])

	require.Len(t, shutdowns, 1)
	assert.Equal(t, "daily budget exhausted", shutdowns[0].Data["reason"])
	assert.Equal(t, "30", shutdowns[0].Data["spent_usd"], "the recorded day is clamped at the ceiling")
}

func TestChargeRefusedAfterShutdown(t *testing.T) {
	gov, _ := newTestGovernor(t, "30")
	ctx := context.Background()

	// The charge that crosses the ceiling is accepted.
	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("31")))
	require.Equal(t, ModeShutdown, gov.Mode())

	err := gov.Charge(ctx, CategoryLLM, usd("0.10"))
	require.Error(t, err)
	assert.Equal(t, domain.KindBudgetExceeded, domain.KindOf(err))

	assert.False(t, gov.CanAfford(CategoryLLM, decimal.Zero))

	snap := gov.Snapshot()
	assert.True(t, snap.SpentUSD.Equal(usd("30")), "refused charge must not change the ledger")
}

func TestLedgerClampedAtCeiling(t *testing.T) {
	gov, deps := newTestGovernor(t, "30")
	ctx := context.Background()

	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("29.50")))
	require.Equal(t, ModeEmergency, gov.Mode())

	// The crossing charge latches shutdown, but the recorded day never
	// reads past the budget.
	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("1.00")))
	assert.Equal(t, ModeShutdown, gov.Mode())

	snap := gov.Snapshot()
	assert.True(t, snap.SpentUSD.LessThanOrEqual(usd("30")),
		"day ledger reads %s past the $30 budget", snap.SpentUSD)
	assert.True(t, snap.SpentUSD.Equal(usd("30")))

	// The persisted ledger carries the clamped figure too.
	doc, err := deps.docs.GetDoc(ctx, storage.CollAgentState, budgetDocID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	byCat, ok := doc["spent"].(map[string]any)
	require.True(t, ok)
	persisted, err := decimal.NewFromString(byCat[CategoryGas].(string))
	require.NoError(t, err)
	assert.True(t, persisted.Equal(usd("30")))
}

func TestChargeValidation(t *testing.T) {
	gov, _ := newTestGovernor(t, "30")
	ctx := context.Background()

	err := gov.Charge(ctx, "coffee", usd("1"))
	require.Error(t, err)
	assert.Equal(t, domain.KindInvariant, domain.KindOf(err))

	err = gov.Charge(ctx, CategoryGas, usd("-1"))
	require.Error(t, err)
	assert.Equal(t, domain.KindInvariant, domain.KindOf(err))
}

func TestDayRolloverResetsLedger(t *testing.T) {
	gov, deps := newTestGovernor(t, "30")
	ctx := context.Background()

	var thresholds []*events.Event
	deps.bus.Subscribe(events.BudgetThreshold, func(e *events.Event) {
		thresholds = append(thresholds, e)
	})

	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("21")))
	require.Equal(t, ModeEmergency, gov.Mode())
	require.Len(t, thresholds, 2)

	// 14:00 + 10h crosses UTC midnight into the next day.
	deps.clock.Advance(10 * time.Hour)

	assert.Equal(t, ModeNormal, gov.Mode())
	assert.True(t, gov.CanAfford(CategoryLLM, usd("30")))

	snap := gov.Snapshot()
	assert.Equal(t, "2025-11-04", snap.Day)
	assert.True(t, snap.SpentUSD.IsZero())
	assert.Empty(t, snap.ByCategory)

	// Thresholds re-arm for the new day.
	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("10")))
	require.Len(t, thresholds, 3)
	assert.Equal(t, "caution", thresholds[2].Data["level"])
}

func TestSnapshotBreaksDownByCategory(t *testing.T) {
	gov, _ := newTestGovernor(t, "30")
	ctx := context.Background()

	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("1.25")))
	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("0.75")))
	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("4")))

	snap := gov.Snapshot()
	assert.Equal(t, "2025-11-03", snap.Day)
	assert.True(t, snap.BudgetUSD.Equal(usd("30")))
	assert.True(t, snap.SpentUSD.Equal(usd("6")))
	assert.True(t, snap.ByCategory[CategoryLLM].Equal(usd("2")))
	assert.True(t, snap.ByCategory[CategoryGas].Equal(usd("4")))
	assert.InDelta(t, 0.2, snap.Fraction, 1e-9)
	assert.Equal(t, ModeNormal, snap.Mode)

	assert.True(t, gov.Remaining().Equal(usd("24")))
}

func TestLoadAllRestoresSameDayLedger(t *testing.T) {
	gov, deps := newTestGovernor(t, "30")
	ctx := context.Background()

	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("7.50")))
	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("3")))

	mgr := events.NewManager(deps.bus, zerolog.Nop())
	restored := NewGovernor(usd("30"), deps.docs, deps.clock, mgr, zerolog.Nop())
	require.NoError(t, restored.LoadAll(ctx))

	snap := restored.Snapshot()
	assert.True(t, snap.SpentUSD.Equal(usd("10.5")))
	assert.True(t, snap.ByCategory[CategoryLLM].Equal(usd("7.5")))
	assert.True(t, snap.ByCategory[CategoryGas].Equal(usd("3")))
	assert.Equal(t, ModeCaution, snap.Mode)
}

func TestLoadAllIgnoresStaleDayLedger(t *testing.T) {
	gov, deps := newTestGovernor(t, "30")
	ctx := context.Background()

	require.NoError(t, gov.Charge(ctx, CategoryGas, usd("29")))

	// Restart the next morning: yesterday's ledger must not carry over.
	deps.clock.Set(time.Date(2025, 11, 4, 6, 0, 0, 0, time.UTC))

	mgr := events.NewManager(deps.bus, zerolog.Nop())
	restored := NewGovernor(usd("30"), deps.docs, deps.clock, mgr, zerolog.Nop())
	require.NoError(t, restored.LoadAll(ctx))

	snap := restored.Snapshot()
	assert.Equal(t, "2025-11-04", snap.Day)
	assert.True(t, snap.SpentUSD.IsZero())
	assert.Equal(t, ModeNormal, snap.Mode)
}

func TestChargeSurvivesPersistenceFailure(t *testing.T) {
	gov, deps := newTestGovernor(t, "30")
	ctx := context.Background()

	deps.docs.SetError(errors.New("disk full"))

	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("2")))
	assert.True(t, gov.Snapshot().SpentUSD.Equal(usd("2")))
}

func TestLedgerDocShape(t *testing.T) {
	gov, deps := newTestGovernor(t, "30")
	ctx := context.Background()

	require.NoError(t, gov.Charge(ctx, CategoryLLM, usd("1.50")))

	doc, err := deps.docs.GetDoc(ctx, storage.CollAgentState, "budget")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "2025-11-03", doc["day"])
	assert.Equal(t, "1.5", doc["total_usd"])
	assert.Equal(t, "30", doc["budget_usd"])

	byCat, ok := doc["spent"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.5", byCat[CategoryLLM])
}
