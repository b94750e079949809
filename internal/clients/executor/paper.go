// Package executor provides the two shipped executor implementations: a
// paper executor that simulates fills in-process for dry runs, and an
// HTTP client for an external wallet service.
package executor

import (
	"context"
	"sync"

	"github.com/aristath/forager/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Simulated gas spend per decision type, in USD at typical L2 gas.
var paperGasUSD = map[domain.DecisionType]decimal.Decimal{
	domain.DecisionEnter:     decimal.RequireFromString("1.00"),
	domain.DecisionExit:      decimal.RequireFromString("0.80"),
	domain.DecisionRebalance: decimal.RequireFromString("1.70"),
	domain.DecisionCompound:  decimal.RequireFromString("0.90"),
}

// paperFillRatio haircuts the predicted net to stand in for slippage.
var paperFillRatio = decimal.RequireFromString("0.92")

// defaultEnterUSD sizes enter decisions that leave AmountUSD at zero.
var defaultEnterUSD = decimal.NewFromInt(500)

// Paper simulates execution against an in-memory portfolio. Submit is
// idempotent per decision id: a replay returns the recorded outcome.
type Paper struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	outcomes  map[string]domain.Outcome
	clock     domain.Clock
	log       zerolog.Logger
}

// NewPaper creates an empty paper executor.
func NewPaper(clock domain.Clock, log zerolog.Logger) *Paper {
	return &Paper{
		positions: make(map[string]domain.Position),
		outcomes:  make(map[string]domain.Outcome),
		clock:     clock,
		log:       log.With().Str("component", "paper_executor").Logger(),
	}
}

// Seed installs a starting portfolio. Used at startup to restore the
// last persisted snapshot and by tests.
func (p *Paper) Seed(positions []domain.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range positions {
		p.positions[pos.ID] = pos
	}
}

// Submit simulates one decision and returns its outcome.
func (p *Paper) Submit(_ context.Context, decision domain.Decision) (domain.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.outcomes[decision.ID]; ok {
		p.log.Debug().Str("decision_id", decision.ID).Msg("Replayed submission, returning recorded outcome")
		return prev, nil
	}

	outcome := p.execute(decision)
	p.outcomes[decision.ID] = outcome

	p.log.Info().
		Str("decision_id", decision.ID).
		Str("type", string(decision.Type)).
		Str("status", string(outcome.Status)).
		Str("realized_net_usd", outcome.RealizedNetUSD.String()).
		Msg("Paper execution")
	return outcome, nil
}

func (p *Paper) execute(decision domain.Decision) domain.Outcome {
	now := p.clock.Now()
	outcome := domain.Outcome{
		DecisionID: decision.ID,
		ExecutedAt: now,
	}

	if !decision.Executable() {
		outcome.Status = domain.OutcomeRejected
		outcome.Error = "hold decisions are not executable"
		return outcome
	}

	gas, ok := paperGasUSD[decision.Type]
	if !ok {
		outcome.Status = domain.OutcomeRejected
		outcome.Error = "unknown decision type"
		return outcome
	}

	switch decision.Type {
	case domain.DecisionEnter:
		amount := decision.AmountUSD
		if amount.IsZero() {
			amount = defaultEnterUSD
		}
		pos := domain.Position{
			ID:              uuid.NewString(),
			PoolID:          decision.TargetPool,
			EntryTimestamp:  now,
			EntryValueUSD:   amount,
			CurrentValueUSD: amount.Sub(gas),
		}
		p.positions[pos.ID] = pos

	case domain.DecisionExit:
		pos, found := p.findPosition(decision)
		if !found {
			outcome.Status = domain.OutcomeRejected
			outcome.Error = "no position for source pool"
			return outcome
		}
		delete(p.positions, pos.ID)

	case domain.DecisionRebalance:
		pos, found := p.findPosition(decision)
		if !found {
			outcome.Status = domain.OutcomeRejected
			outcome.Error = "no position for source pool"
			return outcome
		}
		pos.PoolID = decision.TargetPool
		pos.EntryTimestamp = now
		pos.EntryValueUSD = pos.CurrentValueUSD.Sub(gas)
		pos.CurrentValueUSD = pos.EntryValueUSD
		p.positions[pos.ID] = pos

	case domain.DecisionCompound:
		pos, found := p.findPosition(decision)
		if !found {
			outcome.Status = domain.OutcomeRejected
			outcome.Error = "no position for source pool"
			return outcome
		}
		pos.CurrentValueUSD = pos.CurrentValueUSD.Add(pos.PendingRewardsUSD).Sub(gas)
		pos.PendingRewardsUSD = decimal.Zero
		pos.LastCompoundAt = now
		p.positions[pos.ID] = pos
	}

	outcome.Status = domain.OutcomeExecuted
	outcome.GasSpentUSD = gas
	outcome.RealizedNetUSD = decision.PredictedNetUSD24h.Mul(paperFillRatio)
	return outcome
}

// findPosition resolves the decision's position by id first, then by
// source pool.
func (p *Paper) findPosition(decision domain.Decision) (domain.Position, bool) {
	if decision.PositionID != "" {
		pos, ok := p.positions[decision.PositionID]
		return pos, ok
	}
	for _, pos := range p.positions {
		if pos.PoolID == decision.SourcePool {
			return pos, true
		}
	}
	return domain.Position{}, false
}

// Positions returns a snapshot of the simulated portfolio.
func (p *Paper) Positions(_ context.Context) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

var _ domain.Executor = (*Paper)(nil)
