// Package budget enforces the agent's daily spend ceiling. Every
// LLM call, gas payment, and infra charge flows through the Governor,
// which tracks the running total for the current UTC day and derives
// an operating mode from how much of the ceiling is gone. The
// cognitive loop and scheduler read the mode to throttle themselves;
// at 100% the process shuts down rather than keep spending.
package budget

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/storage"
)

// Spend categories accepted by CanAfford and Charge.
const (
	CategoryLLM   = "llm"
	CategoryGas   = "gas"
	CategoryInfra = "infra"
)

// Mode is the governor's operating posture for the current day.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeCaution   Mode = "caution"
	ModeEmergency Mode = "emergency"
	ModeShutdown  Mode = "shutdown"
)

const (
	cautionFraction   = 0.33
	emergencyFraction = 0.67
	shutdownFraction  = 1.0

	// budgetDocID keys the persisted day ledger inside agent_state.
	budgetDocID = "budget"

	dayKeyLayout = "2006-01-02"
)

// thresholdSteps are evaluated in order on every charge; each fires at
// most once per day, when the spend fraction first reaches it.
var thresholdSteps = []struct {
	fraction float64
	level    Mode
}{
	{cautionFraction, ModeCaution},
	{emergencyFraction, ModeEmergency},
	{shutdownFraction, ModeShutdown},
}

// Snapshot is a point-in-time view of the day's ledger for the API.
type Snapshot struct {
	Day        string                     `json:"day"`
	BudgetUSD  decimal.Decimal            `json:"budget_usd"`
	SpentUSD   decimal.Decimal            `json:"spent_usd"`
	ByCategory map[string]decimal.Decimal `json:"by_category"`
	Fraction   float64                    `json:"fraction"`
	Mode       Mode                       `json:"mode"`
}

// Governor meters spend against the daily ceiling. The in-memory
// ledger is the source of truth for the running day; it is mirrored
// to the doc store after every charge so a restart mid-day resumes
// with the spend already incurred.
type Governor struct {
	docs   domain.DocStore
	clock  domain.Clock
	events *events.Manager
	log    zerolog.Logger

	ceiling decimal.Decimal

	mu    sync.Mutex
	day   string
	spent map[string]decimal.Decimal
}

// NewGovernor creates a governor with an empty ledger for the current
// UTC day. Call LoadAll before use to restore a persisted ledger.
func NewGovernor(ceiling decimal.Decimal, docs domain.DocStore, clock domain.Clock, eventMgr *events.Manager, log zerolog.Logger) *Governor {
	return &Governor{
		docs:    docs,
		clock:   clock,
		events:  eventMgr,
		log:     log.With().Str("module", "budget").Logger(),
		ceiling: ceiling,
		day:     clock.Now().UTC().Format(dayKeyLayout),
		spent:   make(map[string]decimal.Decimal),
	}
}

// LoadAll restores the persisted ledger. A ledger from an earlier day
// is discarded: the budget resets at UTC midnight.
func (g *Governor) LoadAll(ctx context.Context) error {
	doc, err := g.docs.GetDoc(ctx, storage.CollAgentState, budgetDocID)
	if err != nil {
		return domain.WrapError(domain.KindTransient, err, "loading budget ledger")
	}
	if doc == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	day, _ := doc["day"].(string)
	if day != g.clock.Now().UTC().Format(dayKeyLayout) {
		return nil
	}
	g.day = day
	g.spent = make(map[string]decimal.Decimal)
	if byCat, ok := doc["spent"].(map[string]any); ok {
		for cat, v := range byCat {
			g.spent[cat] = parseUSD(v)
		}
	}
	g.log.Info().
		Str("day", g.day).
		Str("spent_usd", g.totalLocked().String()).
		Msg("Budget ledger restored")
	return nil
}

// CanAfford reports whether a charge of the estimated size would stay
// at or under the ceiling. It never returns true once the day's budget
// is exhausted.
func (g *Governor) CanAfford(category string, estimate decimal.Decimal) bool {
	if !validCategory(category) {
		g.log.Warn().Str("category", category).Msg("CanAfford called with unknown category")
		return false
	}
	if estimate.IsNegative() {
		estimate = decimal.Zero
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()

	if g.modeLocked() == ModeShutdown {
		return false
	}
	return g.totalLocked().Add(estimate).LessThanOrEqual(g.ceiling)
}

// Charge records an actual spend. The charge that crosses the ceiling
// is accepted and latches shutdown, but the ledger records it clamped
// at the ceiling: the day's accounting never reads past the budget.
// Only charges arriving after shutdown are refused. Threshold
// crossings emit one event each.
func (g *Governor) Charge(ctx context.Context, category string, actual decimal.Decimal) error {
	if !validCategory(category) {
		return domain.Errorf(domain.KindInvariant, "unknown budget category %q", category)
	}
	if actual.IsNegative() {
		return domain.Errorf(domain.KindInvariant, "charge must not be negative, got %s", actual)
	}

	g.mu.Lock()
	g.rolloverLocked()

	if g.modeLocked() == ModeShutdown {
		g.mu.Unlock()
		return domain.Errorf(domain.KindBudgetExceeded, "daily budget exhausted, charge of %s %s refused", actual, category)
	}

	before := g.fractionLocked()
	recorded := actual
	if headroom := g.ceiling.Sub(g.totalLocked()); recorded.GreaterThan(headroom) {
		recorded = headroom
	}
	g.spent[category] = g.spentLocked(category).Add(recorded)
	after := g.fractionLocked()
	total := g.totalLocked()
	doc := g.ledgerDocLocked()
	g.mu.Unlock()

	g.log.Debug().
		Str("category", category).
		Str("actual_usd", actual.String()).
		Str("total_usd", total.String()).
		Float64("fraction", after).
		Msg("Budget charged")

	for _, step := range thresholdSteps {
		if before < step.fraction && after >= step.fraction {
			g.events.EmitTyped("budget", &events.BudgetThresholdData{
				SpentUSD:  total.String(),
				BudgetUSD: g.ceiling.String(),
				Fraction:  after,
				Level:     string(step.level),
			})
			g.log.Warn().
				Str("level", string(step.level)).
				Str("spent_usd", total.String()).
				Str("budget_usd", g.ceiling.String()).
				Msg("Budget threshold crossed")
		}
	}
	if before < shutdownFraction && after >= shutdownFraction {
		g.events.EmitTyped("budget", &events.EmergencyShutdownData{
			Reason:   "daily budget exhausted",
			SpentUSD: total.String(),
		})
	}

	// Persistence is a recovery aid; the charge itself already
	// happened, so a write failure must not surface as a failed charge.
	if err := g.docs.PutDoc(ctx, storage.CollAgentState, budgetDocID, doc); err != nil {
		g.log.Warn().Err(err).Msg("Failed to persist budget ledger")
	}
	return nil
}

// Mode derives the operating posture from the day's spend fraction.
func (g *Governor) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.modeLocked()
}

// Snapshot returns the current ledger for status endpoints.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()

	byCat := make(map[string]decimal.Decimal, len(g.spent))
	for cat, v := range g.spent {
		byCat[cat] = v
	}
	return Snapshot{
		Day:        g.day,
		BudgetUSD:  g.ceiling,
		SpentUSD:   g.totalLocked(),
		ByCategory: byCat,
		Fraction:   g.fractionLocked(),
		Mode:       g.modeLocked(),
	}
}

// Remaining returns the headroom left today, never below zero.
func (g *Governor) Remaining() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()

	left := g.ceiling.Sub(g.totalLocked())
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

func (g *Governor) rolloverLocked() {
	day := g.clock.Now().UTC().Format(dayKeyLayout)
	if day == g.day {
		return
	}
	g.log.Info().
		Str("previous_day", g.day).
		Str("spent_usd", g.totalLocked().String()).
		Str("day", day).
		Msg("Daily budget reset")
	g.day = day
	g.spent = make(map[string]decimal.Decimal)
}

func (g *Governor) modeLocked() Mode {
	f := g.fractionLocked()
	switch {
	case f >= shutdownFraction:
		return ModeShutdown
	case f >= emergencyFraction:
		return ModeEmergency
	case f >= cautionFraction:
		return ModeCaution
	default:
		return ModeNormal
	}
}

func (g *Governor) fractionLocked() float64 {
	if !g.ceiling.IsPositive() {
		return 1.0
	}
	return g.totalLocked().Div(g.ceiling).InexactFloat64()
}

func (g *Governor) totalLocked() decimal.Decimal {
	total := decimal.Zero
	for _, v := range g.spent {
		total = total.Add(v)
	}
	return total
}

func (g *Governor) spentLocked(category string) decimal.Decimal {
	if v, ok := g.spent[category]; ok {
		return v
	}
	return decimal.Zero
}

func (g *Governor) ledgerDocLocked() map[string]any {
	byCat := make(map[string]any, len(g.spent))
	for cat, v := range g.spent {
		byCat[cat] = v.String()
	}
	return map[string]any{
		"day":        g.day,
		"spent":      byCat,
		"total_usd":  g.totalLocked().String(),
		"budget_usd": g.ceiling.String(),
		"updated_at": g.clock.Now().UTC().Format(time.RFC3339Nano),
	}
}

func validCategory(category string) bool {
	switch category {
	case CategoryLLM, CategoryGas, CategoryInfra:
		return true
	}
	return false
}

// parseUSD tolerates the numeric shapes a doc round trip can produce.
func parseUSD(v any) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(t)
	case int64:
		return decimal.NewFromInt(t)
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}
