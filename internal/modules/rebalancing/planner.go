// Package rebalancing decides what to do with each liquidity position:
// hold it, compound its rewards, move it to a better pool, or exit. The
// planner is pure compute — it works from a snapshot of positions, the
// pool universe, gas, and prefetched swap quotes, and consults the
// profile store and pattern engine in memory. The cognitive loop owns
// every network call around it.
package rebalancing

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/modules/patterns"
	"github.com/aristath/forager/internal/modules/profiles"
)

// Gas-unit envelopes per action on an L2. Rebalance covers withdraw,
// two swap legs, and a fresh deposit; the others are single operations.
const (
	gasUnitsCompound  = 180_000
	gasUnitsRebalance = 450_000
	gasUnitsExit      = 220_000
	gasUnitsEnter     = 280_000
)

const (
	// compoundKeepRatio is the share of pending rewards that must
	// survive gas for a compound to be worth doing.
	compoundKeepRatio = 0.85

	// compoundConfidence reflects that pending rewards are observed
	// on-chain, not predicted; only execution can fail.
	compoundConfidence = 0.95

	// exitAPRFraction scales min_apr_for_memory into the exit floor.
	exitAPRFraction = 0.25

	// exitMaxGasFraction caps exit gas at this share of position value.
	exitMaxGasFraction = 0.01

	// rebalanceGasMultiple is how many times over its own gas a
	// rebalance must clear after all costs.
	rebalanceGasMultiple = 2

	// deferWindow bounds how far ahead a gas window may push execution.
	deferWindow = 6 * time.Hour

	// maxDecayFactor caps a degradation pattern's APR multiplier; a
	// pattern claiming more than 50% growth in a day is noise.
	maxDecayFactor = 1.5

	// fallbackConfidence stands in when neither a pattern nor a
	// profile backs a decision.
	fallbackConfidence = 0.5
)

// minEnterUSD is the smallest idle balance worth deploying.
var minEnterUSD = decimal.NewFromInt(100)

// Gates are the planner's decision thresholds, fixed at construction.
// The emotional multiplier is applied per plan, not here.
type Gates struct {
	Base                  domain.Thresholds
	CompoundMinValueUSD   decimal.Decimal
	CompoundOptimalGasUSD decimal.Decimal
	MinAPRForMemory       float64
}

// Inputs is the market snapshot one planning pass works from. The loop
// assembles it from the executor, the gateway, and the agent state;
// Quotes are prefetched for the intents CandidateSwaps returned.
// ClaimedPools marks pools already reserved outside this pass, such as
// by a deferred decision awaiting its gas window.
type Inputs struct {
	Now          time.Time
	CycleNumber  int64
	Mode         domain.Mode
	Emotion      domain.EmotionalState
	BudgetMode   budget.Mode
	Positions    []domain.Position
	Universe     []domain.PoolMetric
	Gas          domain.GasPrice
	AvailableUSD decimal.Decimal
	CashToken    string
	ClaimedPools []string
	Quotes       map[string]domain.Quote
}

// preclaimed seeds the claim set from Inputs.ClaimedPools.
func preclaimed(in Inputs) map[string]bool {
	claimed := make(map[string]bool, len(in.ClaimedPools))
	for _, pool := range in.ClaimedPools {
		claimed[pool] = true
	}
	return claimed
}

// SwapIntent names one swap the planner wants priced before it can
// finish a plan. The loop fetches a quote per intent and hands the
// results back through Inputs.Quotes under Key.
type SwapIntent struct {
	PositionID string
	SourcePool string
	TargetPool string
	TokenIn    string
	TokenOut   string
	AmountUSD  decimal.Decimal
}

// Key is the Inputs.Quotes lookup key for this intent.
func (i SwapIntent) Key() string {
	if i.PositionID != "" {
		return i.PositionID
	}
	return "enter:" + i.TargetPool
}

// Planner evaluates hold, compound, rebalance, and exit per position,
// plus at most one enter per cycle. At most one executable decision
// touches any pool in a cycle; pools are claimed in position-value
// order so the biggest book value gets first pick.
type Planner struct {
	profiles *profiles.Store
	patterns *patterns.Engine
	gates    Gates
	log      zerolog.Logger
}

// NewPlanner creates a planner over the given profile store and
// pattern engine.
func NewPlanner(profileStore *profiles.Store, engine *patterns.Engine, gates Gates, log zerolog.Logger) *Planner {
	return &Planner{
		profiles: profileStore,
		patterns: engine,
		gates:    gates,
		log:      log.With().Str("module", "rebalancing").Logger(),
	}
}

// prediction is the 24 h APR forecast for one pool, with the patterns
// it leaned on.
type prediction struct {
	apr     float64
	refs    []string
	pattern *domain.Pattern // degradation pattern at/above the floor, nil otherwise
}

// CandidateSwaps returns the swaps the planner will need priced: the
// best rebalance target per position and one enter candidate when idle
// capital is deployable. Pure compute; quote gates are not applied yet.
func (p *Planner) CandidateSwaps(in Inputs) []SwapIntent {
	if in.Mode != domain.ModeTrade {
		return nil
	}
	adj := in.Emotion.Adjust(p.gates.Base)
	metrics := metricsByID(in.Universe)
	positions := sortedPositions(in.Positions)
	claimed := preclaimed(in)

	var intents []SwapIntent
	if in.BudgetMode != budget.ModeEmergency {
		for _, pos := range positions {
			if claimed[pos.PoolID] {
				continue
			}
			cur := p.predictAPR(pos.PoolID, pos.Pair(), p.currentAPR(pos, metrics), in.Now, adj.ConfidenceFloor)
			cand, ok := p.selectRebalanceTarget(pos, cur, in, adj, claimed)
			if !ok {
				continue
			}
			tokenIn, tokenOut := rebalanceLeg(pos, cand.metric)
			intents = append(intents, SwapIntent{
				PositionID: pos.ID,
				SourcePool: pos.PoolID,
				TargetPool: cand.metric.PoolID,
				TokenIn:    tokenIn,
				TokenOut:   tokenOut,
				AmountUSD:  halve(pos.CurrentValueUSD),
			})
		}
	}

	if enterPool, ok := p.selectEnterTarget(in, adj, claimed); ok {
		tokenOut := enterPool.Token0
		if tokenOut == in.CashToken {
			tokenOut = enterPool.Token1
		}
		intents = append(intents, SwapIntent{
			TargetPool: enterPool.PoolID,
			TokenIn:    in.CashToken,
			TokenOut:   tokenOut,
			AmountUSD:  halve(in.AvailableUSD),
		})
	}
	return intents
}

// Plan produces one decision per position, in descending position-value
// order, plus at most one enter decision. Outside trade mode every
// position holds.
func (p *Planner) Plan(in Inputs) []domain.Decision {
	adj := in.Emotion.Adjust(p.gates.Base)
	metrics := metricsByID(in.Universe)
	positions := sortedPositions(in.Positions)
	claimed := preclaimed(in)

	decisions := make([]domain.Decision, 0, len(positions)+1)
	for _, pos := range positions {
		d := p.planPosition(pos, in, adj, metrics, claimed)
		for _, pool := range claimedPools(d) {
			claimed[pool] = true
		}
		decisions = append(decisions, d)
	}

	if enter, ok := p.planEnter(in, adj, claimed); ok {
		decisions = append(decisions, enter)
	}

	for i := range decisions {
		decisions[i].ID = uuid.NewString()
		decisions[i].Timestamp = in.Now
		decisions[i].CycleNumber = in.CycleNumber
		decisions[i].Seq = i
	}
	return decisions
}

// planPosition picks the best-gated action for one position.
func (p *Planner) planPosition(pos domain.Position, in Inputs, adj domain.Thresholds, metrics map[string]domain.PoolMetric, claimed map[string]bool) domain.Decision {
	pair := pos.Pair()
	cur := p.predictAPR(pos.PoolID, pair, p.currentAPR(pos, metrics), in.Now, adj.ConfidenceFloor)

	if in.Mode != domain.ModeTrade {
		return p.hold(pos, cur, "agent is observing; no action taken")
	}
	if claimed[pos.PoolID] {
		return p.hold(pos, cur, "pool already engaged by an earlier decision this cycle")
	}

	reb, rebOK := p.evaluateRebalance(pos, cur, in, adj, claimed)
	comp, compOK := p.evaluateCompound(pos, in, adj)

	switch {
	case rebOK && compOK:
		// Ties go to compound: claiming rewards carries less
		// execution risk than moving the whole position.
		if reb.net.GreaterThan(comp.net) {
			return p.rebalance(pos, cur, reb, in)
		}
		return p.compound(pos, comp)
	case rebOK:
		return p.rebalance(pos, cur, reb, in)
	case compOK:
		return p.compound(pos, comp)
	}

	if exit, ok := p.evaluateExit(pos, cur, in); ok {
		return exit
	}
	return p.hold(pos, cur, fmt.Sprintf("predicted %.1f%% APR; no alternative cleared its gates", cur.apr))
}

// rebalanceEval is a rebalance candidate that passed every gate.
type rebalanceEval struct {
	metric    domain.PoolMetric
	predicted float64
	net       decimal.Decimal
	gas       decimal.Decimal
	impact    decimal.Decimal
	refs      []string
	govConf   float64
}

// rebalanceCandidate is a target that passed the prediction gates and
// awaits the economics check.
type rebalanceCandidate struct {
	metric    domain.PoolMetric
	predicted float64
	refs      []string
	govConf   float64
}

// evaluateRebalance applies the full gate chain: trade mode, no
// emergency, improvement floor, governing pattern confidence, a priced
// quote, and net gain clearing the gas multiple.
func (p *Planner) evaluateRebalance(pos domain.Position, cur prediction, in Inputs, adj domain.Thresholds, claimed map[string]bool) (rebalanceEval, bool) {
	if in.BudgetMode == budget.ModeEmergency {
		return rebalanceEval{}, false
	}
	cand, ok := p.selectRebalanceTarget(pos, cur, in, adj, claimed)
	if !ok {
		return rebalanceEval{}, false
	}

	quote, ok := in.Quotes[pos.ID]
	if !ok {
		p.log.Debug().Str("position", pos.ID).Str("target", cand.metric.PoolID).Msg("No quote for rebalance candidate")
		return rebalanceEval{}, false
	}

	value := pos.CurrentValueUSD
	gasCost := in.Gas.CostUSD(gasUnitsRebalance)
	// The quote prices one leg at half the value; assume both halves
	// suffer comparable impact and charge it on the full notional.
	impactCost := decimal.NewFromFloat(quote.PriceImpact).Mul(value)

	improvement := cand.predicted - cur.apr
	gross := value.Mul(decimal.NewFromFloat(improvement / 100 / 365))
	net := gross.Sub(gasCost).Sub(impactCost)

	if !net.GreaterThan(gasCost.Mul(decimal.NewFromInt(rebalanceGasMultiple))) {
		return rebalanceEval{}, false
	}
	return rebalanceEval{
		metric:    cand.metric,
		predicted: cand.predicted,
		net:       net,
		gas:       gasCost,
		impact:    impactCost,
		refs:      cand.refs,
		govConf:   cand.govConf,
	}, true
}

// selectRebalanceTarget scans the universe for the highest-predicted
// unclaimed pool that clears the improvement floor with a governing
// pattern at or above the confidence floor. A move with no pattern
// behind it is not taken.
func (p *Planner) selectRebalanceTarget(pos domain.Position, cur prediction, in Inputs, adj domain.Thresholds, claimed map[string]bool) (rebalanceCandidate, bool) {
	var best rebalanceCandidate
	found := false
	for _, m := range in.Universe {
		if m.PoolID == pos.PoolID || claimed[m.PoolID] {
			continue
		}
		cand := p.predictAPR(m.PoolID, m.Pair(), m.APRTotal, in.Now, adj.ConfidenceFloor)
		if cand.apr-cur.apr < adj.APRImprovementFloor {
			continue
		}
		gov, refs := governingPattern(cur, cand)
		if gov == nil || gov.Confidence < adj.ConfidenceFloor {
			continue
		}
		if !found || cand.apr > best.predicted {
			best = rebalanceCandidate{metric: m, predicted: cand.apr, refs: refs, govConf: gov.Confidence}
			found = true
		}
	}
	return best, found
}

// governingPattern picks the stronger of the source and target
// degradation patterns; the refs cover every pattern consulted.
func governingPattern(cur, cand prediction) (*domain.Pattern, []string) {
	refs := append(append([]string(nil), cur.refs...), cand.refs...)
	switch {
	case cur.pattern == nil:
		return cand.pattern, refs
	case cand.pattern == nil:
		return cur.pattern, refs
	case cand.pattern.Confidence >= cur.pattern.Confidence:
		return cand.pattern, refs
	default:
		return cur.pattern, refs
	}
}

// compoundEval is a compound that passed every gate.
type compoundEval struct {
	net  decimal.Decimal // rewards − gas
	gas  decimal.Decimal
	refs []string
}

// evaluateCompound checks the reward floor, the gas cap (halved in
// emergency mode), the keep ratio, and the gas window. A confident gas
// window pattern pointing at another hour blocks the compound; an
// absent or weak one does not.
func (p *Planner) evaluateCompound(pos domain.Position, in Inputs, adj domain.Thresholds) (compoundEval, bool) {
	rewards := pos.PendingRewardsUSD
	if rewards.LessThan(p.gates.CompoundMinValueUSD) {
		return compoundEval{}, false
	}

	gasCost := in.Gas.CostUSD(gasUnitsCompound)
	gasCap := p.gates.CompoundOptimalGasUSD
	if in.BudgetMode == budget.ModeEmergency {
		gasCap = gasCap.Div(decimal.NewFromInt(2))
	}
	if gasCost.GreaterThan(gasCap) {
		return compoundEval{}, false
	}

	kept := rewards.Sub(gasCost)
	if kept.LessThan(rewards.Mul(decimal.NewFromFloat(compoundKeepRatio))) {
		return compoundEval{}, false
	}

	var refs []string
	if pat, ok := p.patterns.Best(domain.CategoryGasOptimizationWindows, pos.Pair()); ok && pat.Confidence >= adj.ConfidenceFloor {
		if hour, hasHour := memory.MetaInt(pat.Metadata, "hour"); hasHour {
			if hour != in.Now.UTC().Hour() {
				return compoundEval{}, false
			}
			refs = append(refs, pat.ID)
		}
	}
	return compoundEval{net: kept, gas: gasCost, refs: refs}, true
}

// evaluateExit triggers when the position's predicted APR has fallen
// under the exit floor, no rebalance candidate passed, and getting out
// costs at most 1% of the position.
func (p *Planner) evaluateExit(pos domain.Position, cur prediction, in Inputs) (domain.Decision, bool) {
	floor := exitAPRFraction * p.gates.MinAPRForMemory
	if cur.apr >= floor {
		return domain.Decision{}, false
	}
	gasCost := in.Gas.CostUSD(gasUnitsExit)
	if gasCost.GreaterThan(pos.CurrentValueUSD.Mul(decimal.NewFromFloat(exitMaxGasFraction))) {
		return domain.Decision{}, false
	}
	return domain.Decision{
		Type:       domain.DecisionExit,
		PositionID: pos.ID,
		SourcePool: pos.PoolID,
		AmountUSD:  pos.CurrentValueUSD,
		RationaleText: fmt.Sprintf("Exiting %s: predicted %.1f%% APR is under the %.1f%% floor and no rebalance target cleared its gates; exit gas $%s",
			pos.Pair(), cur.apr, floor, gasCost.StringFixed(2)),
		PatternRefs:        cur.refs,
		Confidence:         p.predictionConfidence(cur, pos.PoolID),
		PredictedNetUSD24h: gasCost.Neg(),
	}, true
}

// planEnter deploys idle capital into the best-profiled pool when
// nothing else claimed it. At most one enter per cycle.
func (p *Planner) planEnter(in Inputs, adj domain.Thresholds, claimed map[string]bool) (domain.Decision, bool) {
	target, ok := p.selectEnterTarget(in, adj, claimed)
	if !ok {
		return domain.Decision{}, false
	}
	quote, ok := in.Quotes["enter:"+target.PoolID]
	if !ok {
		p.log.Debug().Str("pool", target.PoolID).Msg("No quote for enter candidate")
		return domain.Decision{}, false
	}

	amount := in.AvailableUSD
	pred := p.predictAPR(target.PoolID, target.Pair(), target.APRTotal, in.Now, adj.ConfidenceFloor)
	gasCost := in.Gas.CostUSD(gasUnitsEnter)
	impactCost := decimal.NewFromFloat(quote.PriceImpact).Mul(amount)
	gross := amount.Mul(decimal.NewFromFloat(pred.apr / 100 / 365))
	net := gross.Sub(gasCost).Sub(impactCost)
	if !net.GreaterThan(gasCost.Mul(decimal.NewFromInt(rebalanceGasMultiple))) {
		return domain.Decision{}, false
	}

	profile, _ := p.profiles.Get(target.PoolID)
	return domain.Decision{
		Type:       domain.DecisionEnter,
		TargetPool: target.PoolID,
		AmountUSD:  amount,
		RationaleText: fmt.Sprintf("Entering %s with $%s: predicted %.1f%% APR, $%s net over 24h after $%s gas and $%s impact",
			target.Pair(), amount.StringFixed(2), pred.apr, net.StringFixed(2), gasCost.StringFixed(2), impactCost.StringFixed(2)),
		PatternRefs:        pred.refs,
		Confidence:         profile.Confidence,
		PredictedNetUSD24h: net,
	}, true
}

// selectEnterTarget requires idle capital worth deploying, trade mode,
// a normal or caution budget, and a profiled pool whose confidence and
// predicted APR clear the floors.
func (p *Planner) selectEnterTarget(in Inputs, adj domain.Thresholds, claimed map[string]bool) (domain.PoolMetric, bool) {
	if in.Mode != domain.ModeTrade || in.BudgetMode == budget.ModeEmergency {
		return domain.PoolMetric{}, false
	}
	if in.AvailableUSD.LessThan(minEnterUSD) {
		return domain.PoolMetric{}, false
	}

	var best domain.PoolMetric
	bestAPR := 0.0
	found := false
	for _, m := range in.Universe {
		if claimed[m.PoolID] {
			continue
		}
		profile, ok := p.profiles.Get(m.PoolID)
		if !ok || profile.Confidence < adj.ConfidenceFloor {
			continue
		}
		pred := p.predictAPR(m.PoolID, m.Pair(), m.APRTotal, in.Now, adj.ConfidenceFloor)
		if pred.apr < p.gates.MinAPRForMemory {
			continue
		}
		if !found || pred.apr > bestAPR {
			best, bestAPR, found = m, pred.apr, true
		}
	}
	return best, found
}

func (p *Planner) hold(pos domain.Position, cur prediction, reason string) domain.Decision {
	return domain.Decision{
		Type:               domain.DecisionHold,
		PositionID:         pos.ID,
		SourcePool:         pos.PoolID,
		AmountUSD:          pos.CurrentValueUSD,
		RationaleText:      fmt.Sprintf("Holding %s: %s", pos.Pair(), reason),
		PatternRefs:        cur.refs,
		Confidence:         p.predictionConfidence(cur, pos.PoolID),
		PredictedNetUSD24h: decimal.Zero,
	}
}

func (p *Planner) compound(pos domain.Position, eval compoundEval) domain.Decision {
	keptPct := 0.0
	if pos.PendingRewardsUSD.IsPositive() {
		keptPct = eval.net.Div(pos.PendingRewardsUSD).InexactFloat64() * 100
	}
	return domain.Decision{
		Type:       domain.DecisionCompound,
		PositionID: pos.ID,
		SourcePool: pos.PoolID,
		AmountUSD:  pos.PendingRewardsUSD,
		RationaleText: fmt.Sprintf("Compounding %s: $%s pending rewards, $%s gas, %.0f%% kept",
			pos.Pair(), pos.PendingRewardsUSD.StringFixed(2), eval.gas.StringFixed(2), keptPct),
		PatternRefs:        eval.refs,
		Confidence:         compoundConfidence,
		PredictedNetUSD24h: eval.net,
	}
}

func (p *Planner) rebalance(pos domain.Position, cur prediction, eval rebalanceEval, in Inputs) domain.Decision {
	d := domain.Decision{
		Type:       domain.DecisionRebalance,
		PositionID: pos.ID,
		SourcePool: pos.PoolID,
		TargetPool: eval.metric.PoolID,
		AmountUSD:  pos.CurrentValueUSD,
		RationaleText: fmt.Sprintf("Rebalancing %s → %s: predicted APR %.1f%% → %.1f%%, $%s net over 24h after $%s gas and $%s impact",
			pos.Pair(), eval.metric.Pair(), cur.apr, eval.predicted,
			eval.net.StringFixed(2), eval.gas.StringFixed(2), eval.impact.StringFixed(2)),
		PatternRefs:        eval.refs,
		Confidence:         eval.govConf,
		PredictedNetUSD24h: eval.net,
	}
	if until, refs, ok := p.cheaperGasWindow(pos.Pair(), in, in.Emotion.Adjust(p.gates.Base).ConfidenceFloor); ok {
		d.DeferUntil = &until
		d.PatternRefs = append(d.PatternRefs, refs...)
		d.RationaleText += fmt.Sprintf("; deferred to %s for cheaper gas", until.Format("15:04 MST"))
	}
	return d
}

// cheaperGasWindow reports the next top-of-hour start of a gas window
// pattern within the defer horizon. The current hour never defers.
func (p *Planner) cheaperGasWindow(pair string, in Inputs, confFloor float64) (time.Time, []string, bool) {
	pat, ok := p.patterns.Best(domain.CategoryGasOptimizationWindows, pair)
	if !ok || pat.Confidence < confFloor {
		return time.Time{}, nil, false
	}
	hour, ok := memory.MetaInt(pat.Metadata, "hour")
	if !ok || hour == in.Now.UTC().Hour() {
		return time.Time{}, nil, false
	}

	base := in.Now.UTC().Truncate(time.Hour)
	delta := (hour - base.Hour() + 24) % 24
	window := base.Add(time.Duration(delta) * time.Hour)
	if !window.After(in.Now) || window.Sub(in.Now) > deferWindow {
		return time.Time{}, nil, false
	}
	return window, []string{pat.ID}, true
}

// predictAPR forecasts a pool's 24 h APR: current APR times the decay
// of the best degradation pattern (1.0 when absent or under the
// confidence floor) plus the profile's time-bucket adjustment.
func (p *Planner) predictAPR(poolID, pair string, currentAPR float64, at time.Time, confFloor float64) prediction {
	pred := prediction{apr: currentAPR}

	if pat, ok := p.patterns.Best(domain.CategoryAPRDegradation, pair); ok && pat.Confidence >= confFloor {
		if decay, has := memory.MetaFloat(pat.Metadata, "decay_24h"); has {
			if decay < 0 {
				decay = 0
			}
			if decay > maxDecayFactor {
				decay = maxDecayFactor
			}
			pred.apr = currentAPR * decay
			pred.refs = append(pred.refs, pat.ID)
			pc := pat
			pred.pattern = &pc
		}
	}

	if profile, ok := p.profiles.Get(poolID); ok {
		pred.apr += profile.BucketAdjustment(at)
	}
	if pred.apr < 0 {
		pred.apr = 0
	}
	return pred
}

// predictionConfidence backs a decision with the governing pattern's
// confidence, the pool profile's confidence, or the fallback.
func (p *Planner) predictionConfidence(pred prediction, poolID string) float64 {
	if pred.pattern != nil {
		return pred.pattern.Confidence
	}
	if profile, ok := p.profiles.Get(poolID); ok {
		return profile.Confidence
	}
	return fallbackConfidence
}

// currentAPR reads the position pool's APR from this cycle's universe,
// falling back to the profile window and finally the entry APR when
// the pool dropped out of the search results.
func (p *Planner) currentAPR(pos domain.Position, metrics map[string]domain.PoolMetric) float64 {
	if m, ok := metrics[pos.PoolID]; ok {
		return m.APRTotal
	}
	if profile, ok := p.profiles.Get(pos.PoolID); ok && len(profile.Window) > 0 {
		return profile.Window[len(profile.Window)-1].APR
	}
	return pos.EntryAPR
}

// claimedPools returns the pools an executable decision reserves for
// the rest of the cycle. Holds reserve nothing.
func claimedPools(d domain.Decision) []string {
	if !d.Executable() {
		return nil
	}
	return d.Pools()
}

// rebalanceLeg picks a representative swap leg for pricing the move.
func rebalanceLeg(pos domain.Position, target domain.PoolMetric) (string, string) {
	if pos.Token0 != target.Token0 {
		return pos.Token0, target.Token0
	}
	if pos.Token1 != target.Token1 {
		return pos.Token1, target.Token1
	}
	// Same pair on a different pool; price the target's own legs.
	return target.Token0, target.Token1
}

func metricsByID(universe []domain.PoolMetric) map[string]domain.PoolMetric {
	out := make(map[string]domain.PoolMetric, len(universe))
	for _, m := range universe {
		out[m.PoolID] = m
	}
	return out
}

// sortedPositions orders by descending value with id as tiebreak, so
// pool claims are deterministic and favor the biggest book value.
func sortedPositions(positions []domain.Position) []domain.Position {
	out := append([]domain.Position(nil), positions...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CurrentValueUSD.Equal(out[j].CurrentValueUSD) {
			return out[i].CurrentValueUSD.GreaterThan(out[j].CurrentValueUSD)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func halve(v decimal.Decimal) decimal.Decimal {
	return v.Div(decimal.NewFromInt(2))
}
