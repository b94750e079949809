package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/forager/internal/domain"
)

// stateDocID is the single document the agent state lives under.
const stateDocID = "current"

// Emotional thresholds. Streaks count consecutive executed outcomes;
// drawdown is measured against the portfolio's high-water mark.
const (
	confidentWinStreak  = 5
	cautiousLossStreak  = 2
	desperateLossStreak = 4
	desperateDrawdown   = 0.20
)

// State is the agent's working memory: the persisted core state plus
// the bookkeeping that has to survive restarts alongside it.
type State struct {
	domain.AgentState

	WinStreak    int               `json:"win_streak"`
	LossStreak   int               `json:"loss_streak"`
	PeakValueUSD decimal.Decimal   `json:"peak_value_usd"`
	AvailableUSD decimal.Decimal   `json:"available_usd"`
	Deferred     []domain.Decision `json:"deferred,omitempty"`
}

// freshState is a clean observation phase starting now.
func freshState(now time.Time) State {
	return State{
		AgentState: domain.AgentState{
			ObservationStartedAt: now,
			UpdatedAt:            now,
			Mode:                 domain.ModeObserve,
			EmotionalState:       domain.EmotionStable,
			TotalValueUSD:        decimal.Zero,
		},
		PeakValueUSD: decimal.Zero,
		AvailableUSD: decimal.Zero,
	}
}

func (s State) clone() State {
	out := s
	out.Positions = append([]domain.Position(nil), s.Positions...)
	out.Deferred = append([]domain.Decision(nil), s.Deferred...)
	return out
}

// recordOutcome folds one execution result into the streak counters and
// the idle-cash ledger. Rejections carry no market information and
// leave both untouched.
func (s *State) recordOutcome(d domain.Decision, o domain.Outcome) {
	switch o.Status {
	case domain.OutcomeExecuted:
		if o.Profitable() {
			s.WinStreak++
			s.LossStreak = 0
		} else {
			s.LossStreak++
			s.WinStreak = 0
		}
	case domain.OutcomeFailed:
		s.LossStreak++
		s.WinStreak = 0
	}
	if o.Status != domain.OutcomeExecuted {
		return
	}
	switch d.Type {
	case domain.DecisionExit:
		// Exited value returns to idle cash, net of execution cost.
		s.AvailableUSD = s.AvailableUSD.Add(d.AmountUSD).Add(o.RealizedNetUSD)
		if s.AvailableUSD.IsNegative() {
			s.AvailableUSD = decimal.Zero
		}
	case domain.DecisionEnter:
		s.AvailableUSD = s.AvailableUSD.Sub(d.AmountUSD)
		if s.AvailableUSD.IsNegative() {
			s.AvailableUSD = decimal.Zero
		}
	}
}

// recomputeEmotion derives the emotional state from streaks and
// drawdown. Desperation dominates, then confidence, then caution.
func (s *State) recomputeEmotion() {
	if s.PeakValueUSD.LessThan(s.TotalValueUSD) {
		s.PeakValueUSD = s.TotalValueUSD
	}
	drawdown := 0.0
	if s.PeakValueUSD.IsPositive() {
		drawdown = s.PeakValueUSD.Sub(s.TotalValueUSD).Div(s.PeakValueUSD).InexactFloat64()
	}

	entered := decimal.Zero
	current := decimal.Zero
	for _, p := range s.Positions {
		entered = entered.Add(p.EntryValueUSD)
		current = current.Add(p.CurrentValueUSD)
	}

	switch {
	case s.LossStreak >= desperateLossStreak || drawdown > desperateDrawdown:
		s.EmotionalState = domain.EmotionDesperate
	case s.WinStreak >= confidentWinStreak && current.GreaterThanOrEqual(entered):
		s.EmotionalState = domain.EmotionConfident
	case s.LossStreak >= cautiousLossStreak:
		s.EmotionalState = domain.EmotionCautious
	default:
		s.EmotionalState = domain.EmotionStable
	}
}

// toDoc converts a struct to a doc-store document via its JSON form.
func toDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode doc: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to shape doc: %w", err)
	}
	return doc, nil
}

func fromDoc(doc map[string]any, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode doc: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode doc: %w", err)
	}
	return nil
}

func stateDoc(s State) (map[string]any, error) {
	return toDoc(s)
}

func stateFromDoc(doc map[string]any) (State, error) {
	var s State
	if err := fromDoc(doc, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

func cycleDoc(rec domain.CycleRecord) (map[string]any, error) {
	doc, err := toDoc(rec)
	if err != nil {
		return nil, err
	}
	// FinishedAt doubles as the indexed timestamp so recency queries
	// over cycles work.
	doc["timestamp"] = rec.FinishedAt.UTC().Format(time.RFC3339Nano)
	return doc, nil
}

// cycleDocID zero-pads so lexicographic doc order matches cycle order.
func cycleDocID(cycle int64) string {
	return fmt.Sprintf("%012d", cycle)
}

// decisionDoc renders a decision, optionally with its outcome embedded,
// plus the type and pool keys the doc store indexes on.
func decisionDoc(d domain.Decision, outcome *domain.Outcome) (map[string]any, error) {
	doc, err := toDoc(d)
	if err != nil {
		return nil, err
	}
	doc["doc_type"] = string(d.Type)
	if pool := firstNonEmpty(d.TargetPool, d.SourcePool); pool != "" {
		doc["pool"] = pool
	}
	if outcome != nil {
		odoc, err := toDoc(*outcome)
		if err != nil {
			return nil, err
		}
		doc["outcome"] = odoc
	}
	return doc, nil
}

// positionDoc renders one executor position snapshot with the pool key
// the doc store indexes on.
func positionDoc(p domain.Position) (map[string]any, error) {
	doc, err := toDoc(p)
	if err != nil {
		return nil, err
	}
	doc["pool"] = p.PoolID
	return doc, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
