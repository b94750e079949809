// Package agent runs the cognitive cycle: observe the pool universe,
// refresh relevant memories, promote patterns, plan and execute
// position changes, then learn from the outcomes. One Loop instance
// owns the agent state; the scheduler drives it one RunCycle at a time
// and the HTTP layer reads it through Snapshot and the decision stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/modules/patterns"
	"github.com/aristath/forager/internal/modules/profiles"
	"github.com/aristath/forager/internal/modules/rebalancing"
	"github.com/aristath/forager/internal/pricing"
	"github.com/aristath/forager/internal/storage"
)

const moduleName = "agent"

const (
	// executorTimeout bounds one on-chain submission. The context it
	// derives from is detached from the tick, so a shutdown mid-cycle
	// still lets the in-flight transaction report its outcome.
	executorTimeout = 60 * time.Second

	// universeLimit caps the pool scan per cycle.
	universeLimit = 50

	// recallPerCategory bounds the REMEMBER lookups per position.
	recallPerCategory = 3

	// deferExpiry forces a deferred decision out regardless of its gas
	// window once it has waited this long.
	deferExpiry = 6 * time.Hour

	// Gas window observation: a sample at or under gasCheapFraction of
	// the rolling day's median is worth remembering, once the window
	// holds enough samples to trust the median.
	gasWindowSpan       = 24 * time.Hour
	gasWindowMinSamples = 12
	gasCheapFraction    = 0.8

	// imbalanceFraction flags a pool whose reserves are lopsided enough
	// to store even when APR and volume are unremarkable.
	imbalanceFraction = 0.65

	// degradationThreshold is the day-over-day APR ratio under which an
	// observation files as degradation; decayBaselineAge is how old the
	// comparison sample must be to count as "a day ago".
	degradationThreshold = 0.95
	decayBaselineAge     = 20 * time.Hour

	observationConfidence = 0.6
	outcomeConfidence     = 0.9

	controlQueueSize = 16
)

// rememberCategories are recalled for every active position each cycle.
var rememberCategories = []domain.Category{
	domain.CategoryAPRDegradation,
	domain.CategoryGasOptimizationWindows,
	domain.CategoryTVLImpact,
}

// MetricsHistory is the slice of the history database the loop touches:
// it appends each cycle's scan and reads back day-old rows for APR
// decay baselines.
type MetricsHistory interface {
	AppendBatch(metrics []domain.PoolMetric) error
	Recent(poolID string, since time.Time, limit int) ([]domain.PoolMetric, error)
}

// Config carries the loop's thresholds, fixed at construction.
type Config struct {
	// ObservationPeriod and MinPatternsToTrade gate the observe→trade
	// transition; both must be satisfied.
	ObservationPeriod  time.Duration
	MinPatternsToTrade int
	ConfidenceFloor    float64

	// Storage thresholds for pool observations.
	MinAPRForMemory     float64
	MinVolumeForMemory  decimal.Decimal
	MaxMemoriesPerCycle int

	// Chain names the network for gas quotes; CashToken denominates
	// idle capital for enter planning.
	Chain     string
	CashToken string
}

// Loop is the agent's cognitive core.
type Loop struct {
	cfg Config

	market    domain.MarketProvider
	prices    *pricing.Cache
	profiles  *profiles.Store
	memories  *memory.Store
	patterns  *patterns.Engine
	planner   *rebalancing.Planner
	rationale *rebalancing.RationaleWriter
	governor  *budget.Governor
	executor  domain.Executor
	history   MetricsHistory
	docs      domain.DocStore
	clock     domain.Clock
	events    *events.Manager
	stream    *DecisionStream
	log       zerolog.Logger

	controls chan Control

	mu    sync.Mutex
	state State

	// gasWindow is the rolling day of gas samples. In-memory only: a
	// restart starts the window cold and the median simply needs
	// gasWindowMinSamples again before gas observations resume.
	gasWindow []gasSample
	lastGas   domain.GasPrice
	hasGas    bool

	done     chan struct{}
	stopOnce sync.Once
	exitCode int
}

type gasSample struct {
	at   time.Time
	gwei float64
}

// New wires the loop over its collaborators. The loop owns no
// goroutines; the scheduler calls RunCycle and main watches Done.
func New(
	cfg Config,
	market domain.MarketProvider,
	prices *pricing.Cache,
	profileStore *profiles.Store,
	memories *memory.Store,
	engine *patterns.Engine,
	planner *rebalancing.Planner,
	rationale *rebalancing.RationaleWriter,
	governor *budget.Governor,
	executor domain.Executor,
	history MetricsHistory,
	docs domain.DocStore,
	clock domain.Clock,
	eventMgr *events.Manager,
	stream *DecisionStream,
	log zerolog.Logger,
) *Loop {
	l := &Loop{
		cfg:       cfg,
		market:    market,
		prices:    prices,
		profiles:  profileStore,
		memories:  memories,
		patterns:  engine,
		planner:   planner,
		rationale: rationale,
		governor:  governor,
		executor:  executor,
		history:   history,
		docs:      docs,
		clock:     clock,
		events:    eventMgr,
		stream:    stream,
		log:       log.With().Str("module", moduleName).Logger(),
		controls:  make(chan Control, controlQueueSize),
		state:     freshState(clock.Now().UTC()),
		done:      make(chan struct{}),
	}
	eventMgr.Bus().Subscribe(events.EmergencyShutdown, func(*events.Event) {
		l.requestStop(domain.ExitEmergency, "daily budget exhausted")
	})
	return l
}

// Restore loads the persisted agent state, or starts a fresh
// observation phase when none exists. An unreadable document is
// treated the same as a missing one; the raw doc stays in the store
// for inspection.
func (l *Loop) Restore(ctx context.Context) error {
	now := l.clock.Now().UTC()
	doc, err := l.docs.GetDoc(ctx, storage.CollAgentState, stateDocID)
	if err != nil {
		return fmt.Errorf("failed to load agent state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if doc == nil {
		l.state = freshState(now)
		l.log.Info().Msg("No persisted agent state, starting fresh observation phase")
		return nil
	}
	st, err := stateFromDoc(doc)
	if err != nil {
		l.log.Warn().Err(err).Msg("Persisted agent state unreadable, starting fresh observation phase")
		l.state = freshState(now)
		return nil
	}
	switch st.Mode {
	case domain.ModeObserve, domain.ModeTrade, domain.ModePaused:
	default:
		st.Mode = domain.ModeObserve
	}
	if st.EmotionalState == "" {
		st.EmotionalState = domain.EmotionStable
	}
	if st.ObservationStartedAt.IsZero() {
		st.ObservationStartedAt = now
	}
	l.state = st
	l.log.Info().
		Str("mode", string(st.Mode)).
		Int64("cycle", st.CycleNumber).
		Int("positions", len(st.Positions)).
		Int("deferred", len(st.Deferred)).
		Msg("Agent state restored")
	return nil
}

// RunCycle executes one full cognitive cycle. The scheduler guarantees
// it is never re-entered concurrently.
func (l *Loop) RunCycle(ctx context.Context) {
	l.applyControls(ctx)
	if l.stopping() {
		return
	}
	if l.governor.Mode() == budget.ModeShutdown {
		l.requestStop(domain.ExitEmergency, "daily budget exhausted")
		return
	}

	l.mu.Lock()
	mode := l.state.Mode
	cycle := l.state.CycleNumber + 1
	l.mu.Unlock()

	if mode == domain.ModePaused {
		l.log.Debug().Int64("cycle", cycle).Msg("Paused, skipping cycle")
		return
	}

	started := l.clock.Now().UTC()
	l.log.Info().Int64("cycle", cycle).Str("mode", string(mode)).Msg("Cycle started")
	l.events.EmitTyped(moduleName, &events.CycleStartedData{CycleNumber: cycle, Mode: string(mode)})

	obs := l.observe(ctx)
	positions := l.positionsSnapshot(ctx)
	l.remember(ctx, positions)
	l.analyze(ctx, started)

	l.mu.Lock()
	mode = l.state.Mode
	emotion := l.state.EmotionalState
	l.mu.Unlock()

	var emitted []domain.Decision
	outcomes := map[string]domain.Outcome{}
	if mode == domain.ModeTrade {
		emitted = l.decide(ctx, cycle, started, emotion, positions, obs)
		outcomes = l.execute(ctx, emitted)
	}

	l.learn(ctx, cycle, started, mode, positions, obs, emitted, outcomes)
}

// observeResult carries the OBSERVE step's outputs through the cycle.
type observeResult struct {
	universe []domain.PoolMetric
	gas      domain.GasPrice
	gasOK    bool
	stored   int
	scanned  int
}

// observe scans the pool universe, folds each pool into its behavioral
// profile, and stores the observations worth keeping. Every failure
// degrades: a dead scan yields an empty universe, a rate-limited
// refresh falls back to scan data, a failed memory write is logged and
// skipped.
func (l *Loop) observe(ctx context.Context) observeResult {
	var res observeResult
	now := l.clock.Now().UTC()

	universe, err := l.market.SearchOpportunities(ctx, 0, decimal.Zero, universeLimit)
	if err != nil {
		l.stepFailed(ctx, "observe", "pool scan failed", err)
		universe = nil
	}

	refreshed := make([]domain.PoolMetric, 0, len(universe))
	rateLimited := false
	timeoutNoted := false
	for _, m := range universe {
		if ctx.Err() != nil {
			break
		}
		if !rateLimited {
			fresh, err := l.market.GetPoolMetrics(ctx, m.PoolID)
			switch {
			case err == nil:
				m = fresh
			case domain.IsKind(err, domain.KindRateLimited):
				rateLimited = true
				l.log.Debug().Str("pool", m.PoolID).Msg("Metrics refresh rate limited, keeping scan data for the rest")
			default:
				if domain.IsKind(err, domain.KindTimeout) && !timeoutNoted {
					timeoutNoted = true
					l.stepFailed(ctx, "observe", "metrics refresh timing out", err)
				} else {
					l.log.Warn().Err(err).Str("pool", m.PoolID).Msg("Metrics refresh failed, keeping scan data")
				}
			}
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		refreshed = append(refreshed, m)
	}
	res.universe = refreshed
	res.scanned = len(refreshed)

	budgetLeft := l.cfg.MaxMemoriesPerCycle
	for _, m := range refreshed {
		_, known := l.profiles.Get(m.PoolID)
		_, anomalies := l.profiles.Update(m)
		for _, a := range anomalies {
			l.events.EmitTyped(moduleName, &events.PoolAnomalyData{
				Pool:   a.Pair,
				Metric: a.Metric,
				Value:  a.Value,
				Mean:   a.Mean,
				Sigma:  a.Sigma,
			})
			if budgetLeft > 0 && l.storeMemory(ctx, anomalyMemory(a, m, now)) {
				budgetLeft--
				res.stored++
			}
		}
		if budgetLeft <= 0 || !l.meetsStorageThreshold(m) {
			continue
		}
		if l.storeMemory(ctx, l.classifyObservation(m, known, now)) {
			budgetLeft--
			res.stored++
		}
	}

	gas, err := l.market.GetGasPrice(ctx, l.cfg.Chain)
	if err != nil {
		l.stepFailed(ctx, "observe", "gas quote failed", err)
		if l.hasGas {
			res.gas = l.lastGas
			res.gasOK = true
		}
	} else {
		l.lastGas = gas
		l.hasGas = true
		res.gas = gas
		res.gasOK = true
		if mem, ok := l.cheapGasObservation(gas, now); ok && budgetLeft > 0 {
			if l.storeMemory(ctx, mem) {
				budgetLeft--
				res.stored++
			}
		}
	}

	if len(refreshed) > 0 {
		if err := l.history.AppendBatch(refreshed); err != nil {
			l.log.Warn().Err(err).Msg("Metrics history append failed")
		}
	}
	return res
}

// meetsStorageThreshold keeps the memory store focused: a pool earns an
// observation by APR, by volume, or by lopsided reserves.
func (l *Loop) meetsStorageThreshold(m domain.PoolMetric) bool {
	if m.APRTotal >= l.cfg.MinAPRForMemory {
		return true
	}
	if m.Volume24hUSD.GreaterThanOrEqual(l.cfg.MinVolumeForMemory) {
		return true
	}
	return l.reservesImbalanced(m)
}

// reservesImbalanced reports whether one side holds imbalanceFraction
// or more of the pool's value. Sides are priced from the cache; a pool
// with an unpriceable token is never flagged.
func (l *Loop) reservesImbalanced(m domain.PoolMetric) bool {
	if len(m.Reserves) < 2 {
		return false
	}
	sides := make([]decimal.Decimal, 0, len(m.Reserves))
	total := decimal.Zero
	for token, amount := range m.Reserves {
		price, ok := l.prices.PeekPrice(token)
		if !ok {
			return false
		}
		side := amount.Mul(price)
		sides = append(sides, side)
		total = total.Add(side)
	}
	if !total.IsPositive() {
		return false
	}
	threshold := total.Mul(decimal.NewFromFloat(imbalanceFraction))
	for _, side := range sides {
		if side.GreaterThanOrEqual(threshold) {
			return true
		}
	}
	return false
}

// classifyObservation picks the category for a stored pool sample:
// first sighting, day-over-day APR decay, notable volume, or general
// behavior, in that order.
func (l *Loop) classifyObservation(m domain.PoolMetric, known bool, now time.Time) domain.Memory {
	md := map[string]any{
		domain.MetaPool:   m.Pair(),
		domain.MetaAPR:    m.APRTotal,
		domain.MetaTVL:    m.TVLUSD,
		domain.MetaVolume: m.Volume24hUSD,
	}
	category := domain.CategoryPoolBehavior
	content := fmt.Sprintf("%s at %.1f%% APR, $%s TVL, $%s 24h volume",
		m.Pair(), m.APRTotal, m.TVLUSD.StringFixed(0), m.Volume24hUSD.StringFixed(0))

	if !known {
		category = domain.CategoryNewPool
		content = "New pool: " + content
	} else if decay, ok := l.dayOverDayDecay(m, now); ok && decay < degradationThreshold {
		category = domain.CategoryAPRDegradation
		md["decay_24h"] = decay
		content = fmt.Sprintf("%s APR decayed to %.0f%% of a day ago, now %.1f%%",
			m.Pair(), decay*100, m.APRTotal)
	} else if m.Volume24hUSD.GreaterThanOrEqual(l.cfg.MinVolumeForMemory) {
		category = domain.CategoryVolumeTracking
	}

	return domain.Memory{
		Type:       domain.MemoryObservation,
		Category:   category,
		Content:    content,
		Confidence: observationConfidence,
		Timestamp:  now,
		Metadata:   md,
	}
}

// dayOverDayDecay compares the current APR against the oldest metric in
// the last ~26 h of history, provided it is old enough to stand in for
// "a day ago".
func (l *Loop) dayOverDayDecay(m domain.PoolMetric, now time.Time) (float64, bool) {
	if m.APRTotal <= 0 {
		return 0, false
	}
	rows, err := l.history.Recent(m.PoolID, now.Add(-26*time.Hour), 8)
	if err != nil || len(rows) == 0 {
		return 0, false
	}
	baseline := rows[0]
	if now.Sub(baseline.Timestamp) < decayBaselineAge || baseline.APRTotal <= 0 {
		return 0, false
	}
	return m.APRTotal / baseline.APRTotal, true
}

func anomalyMemory(a profiles.Anomaly, m domain.PoolMetric, now time.Time) domain.Memory {
	return domain.Memory{
		Type:       domain.MemoryObservation,
		Category:   domain.CategoryAPRAnomaly,
		Content:    a.Describe(),
		Confidence: observationConfidence,
		Timestamp:  now,
		Metadata: map[string]any{
			domain.MetaPool: a.Pair,
			domain.MetaAPR:  m.APRTotal,
			domain.MetaTVL:  m.TVLUSD,
			"bucket":        a.Bucket,
			"metric":        a.Metric,
			"sigma":         a.Sigma,
		},
	}
}

// cheapGasObservation folds the sample into the rolling day window and
// returns an observation when the current price sits well under the
// day's median. Gas observations carry no pool metadata, so they
// cluster by hour across the whole chain.
func (l *Loop) cheapGasObservation(gas domain.GasPrice, now time.Time) (domain.Memory, bool) {
	cutoff := now.Add(-gasWindowSpan)
	kept := l.gasWindow[:0]
	for _, s := range l.gasWindow {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	l.gasWindow = append(kept, gasSample{at: now, gwei: gas.Gwei})

	n := len(l.gasWindow)
	if n < gasWindowMinSamples {
		return domain.Memory{}, false
	}
	gweis := make([]float64, n)
	for i, s := range l.gasWindow {
		gweis[i] = s.gwei
	}
	sort.Float64s(gweis)
	median := gweis[n/2]
	if median <= 0 || gas.Gwei > median*gasCheapFraction {
		return domain.Memory{}, false
	}
	return domain.Memory{
		Type:     domain.MemoryObservation,
		Category: domain.CategoryGasOptimizationWindows,
		Content: fmt.Sprintf("Gas at %.2f gwei, under %.0f%% of the day's median %.2f gwei",
			gas.Gwei, gasCheapFraction*100, median),
		Confidence: observationConfidence,
		Timestamp:  now,
		Metadata: map[string]any{
			"gwei":        gas.Gwei,
			"median_gwei": median,
		},
	}, true
}

// remember surfaces stored knowledge relevant to each active position.
// The value is in the recall itself: recall counts shield the
// supporting memories from pruning while the position is live.
func (l *Loop) remember(ctx context.Context, positions []domain.Position) {
	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		for _, category := range rememberCategories {
			query := fmt.Sprintf("%s %s", pos.Pair(), category)
			if _, err := l.memories.Recall(ctx, query, memory.RecallFilters{Category: category}, recallPerCategory); err != nil {
				l.log.Warn().Err(err).
					Str("pool", pos.Pair()).
					Str("category", string(category)).
					Msg("Recall failed")
			}
		}
	}
}

// analyze promotes this window's observation clusters and, in observe
// mode, checks the trade gate: the observation period must have fully
// elapsed and enough patterns must sit at or above the confidence
// floor.
func (l *Loop) analyze(ctx context.Context, now time.Time) {
	promoted, err := l.patterns.Promote(ctx)
	if err != nil {
		l.stepFailed(ctx, "analyze", "pattern promotion failed", err)
	} else if len(promoted) > 0 {
		l.log.Info().Int("promoted", len(promoted)).Msg("Observation clusters promoted to patterns")
	}

	l.mu.Lock()
	inObserve := l.state.Mode == domain.ModeObserve
	startedAt := l.state.ObservationStartedAt
	l.mu.Unlock()
	if !inObserve {
		return
	}

	elapsed := now.Sub(startedAt)
	if elapsed < l.cfg.ObservationPeriod {
		return
	}
	confident := 0
	for _, p := range l.patterns.All() {
		if p.Confidence >= l.cfg.ConfidenceFloor {
			confident++
		}
	}
	if confident < l.cfg.MinPatternsToTrade {
		l.log.Debug().
			Int("confident_patterns", confident).
			Int("required", l.cfg.MinPatternsToTrade).
			Msg("Observation period elapsed, still short on confident patterns")
		return
	}

	l.mu.Lock()
	if l.state.Mode != domain.ModeObserve {
		l.mu.Unlock()
		return
	}
	l.state.Mode = domain.ModeTrade
	l.mu.Unlock()
	l.announceModeChange(domain.ModeObserve, domain.ModeTrade,
		fmt.Sprintf("observation gate passed: %d confident patterns after %s", confident, elapsed.Round(time.Minute)))
}

// decide runs the planner over the fresh market snapshot and emits the
// cycle's decisions: due deferrals first, then fresh plans. A fresh
// decision carrying a future gas window is held back, its pools stay
// claimed, and a later cycle emits it.
func (l *Loop) decide(ctx context.Context, cycle int64, now time.Time, emotion domain.EmotionalState, positions []domain.Position, obs observeResult) []domain.Decision {
	if !obs.gasOK {
		l.log.Warn().Msg("No gas quote this cycle, holding all positions")
		return nil
	}

	l.mu.Lock()
	deferred := append([]domain.Decision(nil), l.state.Deferred...)
	available := l.state.AvailableUSD
	l.mu.Unlock()

	due, pending := splitDeferred(deferred, now)

	claimed := make([]string, 0, len(deferred))
	claimedSet := make(map[string]bool)
	deferredPositions := make(map[string]bool)
	for _, d := range deferred {
		for _, pool := range d.Pools() {
			if !claimedSet[pool] {
				claimedSet[pool] = true
				claimed = append(claimed, pool)
			}
		}
		if d.PositionID != "" {
			deferredPositions[d.PositionID] = true
		}
	}
	free := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		if !deferredPositions[p.ID] {
			free = append(free, p)
		}
	}

	in := rebalancing.Inputs{
		Now:          now,
		CycleNumber:  cycle,
		Mode:         domain.ModeTrade,
		Emotion:      emotion,
		BudgetMode:   l.governor.Mode(),
		Positions:    free,
		Universe:     obs.universe,
		Gas:          obs.gas,
		AvailableUSD: available,
		CashToken:    l.cfg.CashToken,
		ClaimedPools: claimed,
		Quotes:       make(map[string]domain.Quote),
	}

	for _, intent := range l.planner.CandidateSwaps(in) {
		if ctx.Err() != nil {
			break
		}
		quote, err := l.market.GetSwapQuote(ctx, intent.TokenIn, intent.TokenOut, intent.AmountUSD)
		if err != nil {
			l.log.Debug().Err(err).Str("intent", intent.Key()).Msg("Swap quote failed, candidate will not clear its gate")
			continue
		}
		in.Quotes[intent.Key()] = quote
	}

	fresh := l.planner.Plan(in)
	for i := range fresh {
		l.rationale.Rewrite(ctx, &fresh[i])
	}

	var held []domain.Decision
	batch := make([]domain.Decision, 0, len(due)+len(fresh))
	batch = append(batch, due...)
	for _, d := range fresh {
		if d.DeferUntil != nil && d.DeferUntil.After(now) {
			held = append(held, d)
			continue
		}
		batch = append(batch, d)
	}

	emitted := make([]domain.Decision, 0, len(batch))
	seq := 0
	for _, d := range batch {
		d.CycleNumber = cycle
		d.Seq = seq
		d.Timestamp = now
		if err := l.emitDecision(ctx, d); err != nil {
			if domain.IsKind(err, domain.KindInvariant) {
				// A duplicate or out-of-order decision id means the
				// stream bookkeeping is corrupt; trading on it is worse
				// than stopping.
				l.fatal(ctx, "decision stream", err)
				break
			}
			l.log.Error().Err(err).Str("decision", d.ID).Msg("Decision emission failed, dropping it; next cycle re-evaluates")
			continue
		}
		seq++
		emitted = append(emitted, d)
	}

	l.mu.Lock()
	l.state.Deferred = append(pending, held...)
	l.mu.Unlock()
	if len(held) > 0 {
		l.log.Info().Int("held", len(held)).Msg("Decisions held for cheaper gas windows")
	}
	return emitted
}

// splitDeferred partitions held decisions into those due for emission
// and those still waiting. A deferral past deferExpiry is due
// regardless of its window.
func splitDeferred(deferred []domain.Decision, now time.Time) (due, pending []domain.Decision) {
	for _, d := range deferred {
		switch {
		case d.DeferUntil == nil || !now.Before(*d.DeferUntil):
			due = append(due, d)
		case now.Sub(d.Timestamp) >= deferExpiry:
			due = append(due, d)
		default:
			pending = append(pending, d)
		}
	}
	return due, pending
}

// emitDecision publishes one decision to the stream, persists it, and
// announces it. Any failure drops the decision before execution.
func (l *Loop) emitDecision(ctx context.Context, d domain.Decision) error {
	if err := l.stream.Publish(d); err != nil {
		return err
	}
	doc, err := decisionDoc(d, nil)
	if err == nil {
		err = l.docs.PutDoc(ctx, storage.CollDecisions, d.ID, doc)
	}
	if err != nil {
		return fmt.Errorf("failed to persist decision: %w", err)
	}
	l.events.EmitTyped(moduleName, &events.DecisionEmittedData{
		DecisionID:         d.ID,
		CycleNumber:        d.CycleNumber,
		Seq:                d.Seq,
		Type:               string(d.Type),
		SourcePool:         d.SourcePool,
		TargetPool:         d.TargetPool,
		Confidence:         d.Confidence,
		PredictedNetUSD24h: d.PredictedNetUSD24h.StringFixed(2),
	})
	return nil
}

// execute submits the cycle's executable decisions in order. Each
// submission runs under its own timeout on a context detached from the
// tick, so cancellation never abandons an in-flight transaction. An
// emergency stop rejects whatever has not been submitted yet.
func (l *Loop) execute(ctx context.Context, emitted []domain.Decision) map[string]domain.Outcome {
	outcomes := make(map[string]domain.Outcome)
	for _, d := range emitted {
		if !d.Executable() {
			continue
		}
		now := l.clock.Now().UTC()
		if l.stopping() {
			outcomes[d.ID] = domain.Outcome{
				ExecutedAt: now,
				DecisionID: d.ID,
				Status:     domain.OutcomeRejected,
				Error:      "emergency stop",
			}
			l.emitOutcome(outcomes[d.ID])
			continue
		}

		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), executorTimeout)
		outcome, err := l.executor.Submit(execCtx, d)
		cancel()
		if err != nil {
			l.log.Warn().Err(err).Str("decision", d.ID).Str("type", string(d.Type)).Msg("Executor submission failed")
			outcome = domain.Outcome{
				ExecutedAt: now,
				DecisionID: d.ID,
				Status:     domain.OutcomeFailed,
				Error:      err.Error(),
			}
		}
		if outcome.GasSpentUSD.IsPositive() {
			if err := l.governor.Charge(ctx, budget.CategoryGas, outcome.GasSpentUSD); err != nil {
				if domain.IsKind(err, domain.KindInvariant) {
					l.fatal(ctx, "budget accounting", err)
				} else {
					l.log.Warn().Err(err).Str("decision", d.ID).Msg("Gas charge refused")
				}
			}
		}
		l.emitOutcome(outcome)
		outcomes[d.ID] = outcome
	}
	return outcomes
}

func (l *Loop) emitOutcome(o domain.Outcome) {
	l.events.EmitTyped(moduleName, &events.OutcomeRecordedData{
		DecisionID:     o.DecisionID,
		Status:         string(o.Status),
		RealizedNetUSD: o.RealizedNetUSD.StringFixed(2),
		GasSpentUSD:    o.GasSpentUSD.StringFixed(2),
		Error:          o.Error,
	})
}

// learn closes the cycle: pattern reinforcement and outcome memories,
// streak and emotional bookkeeping, then the durable state and cycle
// records.
func (l *Loop) learn(ctx context.Context, cycle int64, started time.Time, mode domain.Mode, positions []domain.Position, obs observeResult, emitted []domain.Decision, outcomes map[string]domain.Outcome) {
	now := l.clock.Now().UTC()

	pairs := make(map[string]string, len(obs.universe)+len(positions))
	for _, m := range obs.universe {
		pairs[m.PoolID] = m.Pair()
	}
	for _, p := range positions {
		pairs[p.PoolID] = p.Pair()
	}

	gasTotal := decimal.Zero
	for _, d := range emitted {
		outcome, ok := outcomes[d.ID]
		if !ok {
			continue
		}
		gasTotal = gasTotal.Add(outcome.GasSpentUSD)

		if _, err := l.patterns.ApplyOutcome(ctx, d, outcome); err != nil {
			l.log.Warn().Err(err).Str("decision", d.ID).Msg("Pattern reinforcement failed")
		}
		if mem, ok := outcomeMemory(d, outcome, pairs, now); ok {
			l.storeMemory(ctx, mem)
		}
		if doc, err := decisionDoc(d, &outcome); err == nil {
			if err := l.docs.PutDoc(ctx, storage.CollDecisions, d.ID, doc); err != nil {
				l.log.Warn().Err(err).Str("decision", d.ID).Msg("Decision outcome write failed")
			}
		}
		l.mu.Lock()
		l.state.recordOutcome(d, outcome)
		l.mu.Unlock()
	}

	final := l.positionsSnapshot(ctx)
	l.persistPositions(ctx, final)
	invested := decimal.Zero
	for _, p := range final {
		invested = invested.Add(p.CurrentValueUSD)
	}

	l.mu.Lock()
	l.state.CycleNumber = cycle
	l.state.Positions = final
	l.state.TotalValueUSD = invested.Add(l.state.AvailableUSD)
	l.state.UpdatedAt = now
	l.state.LastAction = lastAction(mode, emitted, len(final), obs)
	prevEmotion := l.state.EmotionalState
	l.state.recomputeEmotion()
	emotion := l.state.EmotionalState
	st := l.state.clone()
	l.mu.Unlock()

	if emotion != prevEmotion {
		l.log.Info().Str("from", string(prevEmotion)).Str("to", string(emotion)).Msg("Emotional state shifted")
	}

	l.persistState(ctx, st)

	rec := domain.CycleRecord{
		StartedAt:         started,
		FinishedAt:        now,
		Mode:              mode,
		EmotionalState:    emotion,
		DecisionIDs:       decisionIDs(emitted),
		GasUsedUSD:        gasTotal,
		CycleNumber:       cycle,
		ObservationsCount: obs.stored,
	}
	if doc, err := cycleDoc(rec); err == nil {
		if err := l.docs.PutDoc(ctx, storage.CollCycles, cycleDocID(cycle), doc); err != nil {
			l.log.Warn().Err(err).Msg("Cycle record write failed")
		}
	}

	if flushed, err := l.profiles.Flush(ctx); err != nil {
		l.log.Error().Err(err).Msg("Pool profile persistence failing")
	} else if flushed > 0 {
		l.log.Debug().Int("flushed", flushed).Msg("Pool profiles persisted")
	}

	duration := now.Sub(started)
	l.events.EmitTyped(moduleName, &events.CycleCompletedData{
		CycleNumber:    cycle,
		Mode:           string(mode),
		EmotionalState: string(emotion),
		Decisions:      len(emitted),
		Observations:   obs.stored,
		GasUsedUSD:     gasTotal.StringFixed(2),
		DurationMS:     float64(duration.Microseconds()) / 1000.0,
	})
	l.log.Info().
		Int64("cycle", cycle).
		Str("mode", string(mode)).
		Int("decisions", len(emitted)).
		Int("observations", obs.stored).
		Str("gas_used_usd", gasTotal.StringFixed(2)).
		Dur("took", duration).
		Msg("Cycle completed")
}

// outcomeCategory maps a decision type to the memory category its
// outcomes teach.
func outcomeCategory(t domain.DecisionType) domain.Category {
	switch t {
	case domain.DecisionCompound:
		return domain.CategoryCompoundROI
	case domain.DecisionRebalance:
		return domain.CategoryRebalanceSuccess
	case domain.DecisionEnter, domain.DecisionExit:
		return domain.CategoryPoolLifecycle
	default:
		return domain.CategoryStrategyPerformance
	}
}

// outcomeMemory renders one execution result as a durable memory.
// Rejections teach nothing and store nothing.
func outcomeMemory(d domain.Decision, o domain.Outcome, pairs map[string]string, now time.Time) (domain.Memory, bool) {
	poolID := firstNonEmpty(d.TargetPool, d.SourcePool)
	label := pairs[poolID]
	if label == "" {
		label = poolID
	}
	md := map[string]any{
		domain.MetaPool:        label,
		domain.MetaPatternType: string(d.Type),
		"status":               string(o.Status),
		"realized_net_usd":     o.RealizedNetUSD,
		"gas_spent_usd":        o.GasSpentUSD,
	}
	refs := append([]string{d.ID}, d.PatternRefs...)

	switch o.Status {
	case domain.OutcomeExecuted:
		return domain.Memory{
			Type:     domain.MemoryOutcome,
			Category: outcomeCategory(d.Type),
			Content: fmt.Sprintf("%s on %s realized $%s net against $%s predicted",
				d.Type, label, o.RealizedNetUSD.StringFixed(2), d.PredictedNetUSD24h.StringFixed(2)),
			References: refs,
			Confidence: outcomeConfidence,
			Timestamp:  now,
			Metadata:   md,
		}, true
	case domain.OutcomeFailed:
		return domain.Memory{
			Type:       domain.MemoryError,
			Category:   domain.CategoryErrorLearning,
			Content:    fmt.Sprintf("%s on %s failed: %s", d.Type, label, o.Error),
			References: refs,
			Confidence: outcomeConfidence,
			Timestamp:  now,
			Metadata:   md,
		}, true
	default:
		return domain.Memory{}, false
	}
}

// lastAction summarizes the cycle for the state record.
func lastAction(mode domain.Mode, emitted []domain.Decision, positions int, obs observeResult) string {
	executed := 0
	last := ""
	for _, d := range emitted {
		if d.Executable() {
			executed++
			last = fmt.Sprintf("%s %s", d.Type, firstNonEmpty(d.TargetPool, d.SourcePool))
		}
	}
	switch {
	case executed > 1:
		return fmt.Sprintf("%s (+%d more)", last, executed-1)
	case executed == 1:
		return last
	case mode == domain.ModeTrade:
		return fmt.Sprintf("held %d positions", positions)
	default:
		return fmt.Sprintf("observed %d pools", obs.scanned)
	}
}

func decisionIDs(decisions []domain.Decision) []string {
	if len(decisions) == 0 {
		return nil
	}
	ids := make([]string, len(decisions))
	for i, d := range decisions {
		ids[i] = d.ID
	}
	return ids
}

// Control validates and queues one operator command. Mode commands
// apply at the next tick boundary; an emergency stop takes effect
// immediately, including between the submissions of an in-flight
// cycle.
func (l *Loop) Control(c Control) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Command == CommandEmergencyStop {
		reason := c.Reason
		if reason == "" {
			reason = "operator emergency stop"
		}
		l.requestStop(domain.ExitEmergency, reason)
		l.events.EmitTyped(moduleName, &events.EmergencyShutdownData{Reason: reason})
		return nil
	}
	select {
	case l.controls <- c:
		return nil
	default:
		return domain.NewError(domain.KindTransient, "control queue full")
	}
}

// applyControls drains queued commands at the tick boundary.
func (l *Loop) applyControls(ctx context.Context) {
	for {
		select {
		case c := <-l.controls:
			l.applyControl(ctx, c)
		default:
			return
		}
	}
}

func (l *Loop) applyControl(ctx context.Context, c Control) {
	l.log.Info().Str("command", string(c.Command)).Str("reason", c.Reason).Msg("Control received")
	switch c.Command {
	case CommandPause:
		l.pause(ctx, c.Reason)
	case CommandResume:
		l.resume(ctx, c.Reason)
	case CommandForceTrade:
		l.forceMode(ctx, domain.ModeTrade, c.Reason)
	case CommandForceObserve:
		l.forceMode(ctx, domain.ModeObserve, c.Reason)
	}
}

func (l *Loop) pause(ctx context.Context, reason string) {
	l.mu.Lock()
	if l.state.Mode == domain.ModePaused {
		l.mu.Unlock()
		return
	}
	old := l.state.Mode
	l.state.ResumeMode = old
	l.state.Mode = domain.ModePaused
	st := l.state.clone()
	l.mu.Unlock()

	l.announceModeChange(old, domain.ModePaused, reason)
	l.persistState(ctx, st)
}

func (l *Loop) resume(ctx context.Context, reason string) {
	l.mu.Lock()
	if l.state.Mode != domain.ModePaused {
		l.mu.Unlock()
		return
	}
	target := l.state.ResumeMode
	if target == "" || target == domain.ModePaused {
		target = domain.ModeObserve
	}
	l.state.Mode = target
	l.state.ResumeMode = ""
	st := l.state.clone()
	l.mu.Unlock()

	l.announceModeChange(domain.ModePaused, target, reason)
	l.persistState(ctx, st)
}

// forceMode crosses between observe and trade on operator demand.
// While paused it retargets where resume will land. Forcing observe
// restarts the observation window.
func (l *Loop) forceMode(ctx context.Context, target domain.Mode, reason string) {
	now := l.clock.Now().UTC()

	l.mu.Lock()
	if target == domain.ModeObserve {
		l.state.ObservationStartedAt = now
	}
	if l.state.Mode == domain.ModePaused {
		l.state.ResumeMode = target
		st := l.state.clone()
		l.mu.Unlock()
		l.log.Info().Str("target", string(target)).Msg("Paused, resume will land in the forced mode")
		l.persistState(ctx, st)
		return
	}
	if l.state.Mode == target {
		st := l.state.clone()
		l.mu.Unlock()
		l.persistState(ctx, st)
		return
	}
	old := l.state.Mode
	l.state.Mode = target
	st := l.state.clone()
	l.mu.Unlock()

	l.announceModeChange(old, target, reason)
	l.persistState(ctx, st)
}

func (l *Loop) announceModeChange(old, next domain.Mode, reason string) {
	l.log.Info().Str("from", string(old)).Str("to", string(next)).Str("reason", reason).Msg("Mode changed")
	l.events.EmitTyped(moduleName, &events.ModeChangedData{
		OldMode: string(old),
		NewMode: string(next),
		Reason:  reason,
	})
}

// fatal handles a core-logic invariant violation: the current state is
// dumped for the post-mortem and the process asks to terminate with
// ExitFatal. Degraded external calls never come through here.
func (l *Loop) fatal(ctx context.Context, where string, err error) {
	l.log.Error().Err(err).Str("where", where).Msg("Invariant violated")
	l.persistState(ctx, l.Snapshot())
	l.requestStop(domain.ExitFatal, "invariant violation: "+where)
}

// requestStop marks the process for termination with the given exit
// code. The first caller wins; main watches Done.
func (l *Loop) requestStop(code int, reason string) {
	l.stopOnce.Do(func() {
		l.exitCode = code
		l.log.Warn().Int("exit_code", code).Str("reason", reason).Msg("Stop requested")
		close(l.done)
	})
}

// Done closes when the loop has requested process termination.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// ExitCode is the code to terminate with; meaningful once Done closes.
func (l *Loop) ExitCode() int {
	select {
	case <-l.done:
		return l.exitCode
	default:
		return domain.ExitOK
	}
}

func (l *Loop) stopping() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Snapshot returns a copy of the current agent state for the API.
func (l *Loop) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.clone()
}

// positionsSnapshot fetches current positions, falling back to the last
// persisted snapshot when the executor is unreachable.
func (l *Loop) positionsSnapshot(ctx context.Context) []domain.Position {
	positions, err := l.executor.Positions(ctx)
	if err != nil {
		l.mu.Lock()
		positions = append([]domain.Position(nil), l.state.Positions...)
		l.mu.Unlock()
		l.log.Warn().Err(err).Int("cached", len(positions)).Msg("Position fetch failed, using last snapshot")
	}
	return positions
}

// persistPositions mirrors the executor's latest snapshots to the doc
// store, one document per position, and drops documents for positions
// closed since the previously persisted snapshot. Failures warn; the
// next cycle rewrites the whole set anyway.
func (l *Loop) persistPositions(ctx context.Context, current []domain.Position) {
	l.mu.Lock()
	previous := append([]domain.Position(nil), l.state.Positions...)
	l.mu.Unlock()

	kept := make(map[string]bool, len(current))
	for _, p := range current {
		kept[p.ID] = true
		doc, err := positionDoc(p)
		if err == nil {
			err = l.docs.PutDoc(ctx, storage.CollPositions, p.ID, doc)
		}
		if err != nil {
			l.log.Warn().Err(err).Str("position", p.ID).Msg("Position snapshot write failed")
		}
	}
	for _, p := range previous {
		if kept[p.ID] {
			continue
		}
		if err := l.docs.DeleteDoc(ctx, storage.CollPositions, p.ID); err != nil {
			l.log.Warn().Err(err).Str("position", p.ID).Msg("Closed position cleanup failed")
		}
	}
}

// persistState mirrors the state snapshot to the doc store. A failed
// write warns and trusts a later cycle to land it.
func (l *Loop) persistState(ctx context.Context, st State) {
	doc, err := stateDoc(st)
	if err == nil {
		err = l.docs.PutDoc(ctx, storage.CollAgentState, stateDocID, doc)
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("Agent state write failed")
	}
}

// storeMemory stores one memory, never failing the cycle over it.
func (l *Loop) storeMemory(ctx context.Context, mem domain.Memory) bool {
	if _, err := l.memories.Remember(ctx, mem); err != nil {
		l.log.Warn().Err(err).Str("category", string(mem.Category)).Msg("Memory write failed")
		return false
	}
	return true
}

// stepFailed records a degraded step: an error event always, plus a
// warning memory when the failure was a timeout.
func (l *Loop) stepFailed(ctx context.Context, step, msg string, err error) {
	if errors.Is(err, context.Canceled) {
		l.log.Debug().Str("step", step).Msg("Step cancelled")
		return
	}
	l.log.Warn().Err(err).Str("step", step).Msg(msg)
	l.events.EmitError(moduleName, err, map[string]any{"step": step})
	if domain.IsKind(err, domain.KindTimeout) {
		l.storeMemory(ctx, domain.Memory{
			Type:       domain.MemoryError,
			Category:   domain.CategoryErrorLearning,
			Content:    fmt.Sprintf("%s degraded by timeouts: %v", step, err),
			Confidence: observationConfidence,
			Timestamp:  l.clock.Now().UTC(),
			Metadata:   map[string]any{"step": step},
		})
	}
}
