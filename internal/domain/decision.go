package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionType is the action a decision proposes.
type DecisionType string

const (
	DecisionHold      DecisionType = "hold"
	DecisionCompound  DecisionType = "compound"
	DecisionRebalance DecisionType = "rebalance"
	DecisionExit      DecisionType = "exit"
	DecisionEnter     DecisionType = "enter"
)

// Decision is one emitted action proposal. Emitted decisions are totally
// ordered by (CycleNumber, Seq).
type Decision struct {
	Timestamp          time.Time       `json:"timestamp"`
	DeferUntil         *time.Time      `json:"defer_until,omitempty"`
	ID                 string          `json:"id"`
	Type               DecisionType    `json:"type"`
	PositionID         string          `json:"position_id,omitempty"`
	SourcePool         string          `json:"source_pool,omitempty"`
	TargetPool         string          `json:"target_pool,omitempty"`
	RationaleText      string          `json:"rationale_text"`
	PatternRefs        []string        `json:"pattern_refs,omitempty"`
	AmountUSD          decimal.Decimal `json:"amount_usd"`
	PredictedNetUSD24h decimal.Decimal `json:"predicted_net_usd_24h"`
	Confidence         float64         `json:"confidence"`
	CycleNumber        int64           `json:"cycle_number"`
	Seq                int             `json:"seq"`
}

// Executable reports whether the decision asks the executor to act.
// Hold decisions are informational only.
func (d Decision) Executable() bool {
	return d.Type != DecisionHold
}

// Pools returns the pool pairs this decision touches. Used to enforce the
// one-decision-per-pool-per-cycle rule.
func (d Decision) Pools() []string {
	var pools []string
	if d.SourcePool != "" {
		pools = append(pools, d.SourcePool)
	}
	if d.TargetPool != "" && d.TargetPool != d.SourcePool {
		pools = append(pools, d.TargetPool)
	}
	return pools
}

// OutcomeStatus is the executor's verdict on a submitted decision.
type OutcomeStatus string

const (
	OutcomeExecuted OutcomeStatus = "executed"
	OutcomeDeferred OutcomeStatus = "deferred"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeFailed   OutcomeStatus = "failed"
)

// Outcome closes the loop on one decision.
type Outcome struct {
	ExecutedAt     time.Time       `json:"executed_at"`
	DecisionID     string          `json:"decision_id"`
	Status         OutcomeStatus   `json:"status"`
	Error          string          `json:"error,omitempty"`
	RealizedNetUSD decimal.Decimal `json:"realized_net_usd"`
	GasSpentUSD    decimal.Decimal `json:"gas_spent_usd"`
}

// Profitable reports whether the outcome realized a net gain.
func (o Outcome) Profitable() bool {
	return o.RealizedNetUSD.IsPositive()
}

// Position is a held LP position. Its lifecycle is owned by the executor;
// the core only consumes snapshots.
type Position struct {
	EntryTimestamp    time.Time       `json:"entry_timestamp"`
	LastCompoundAt    time.Time       `json:"last_compound_at"`
	ID                string          `json:"id"`
	PoolID            string          `json:"pool_id"`
	Token0            string          `json:"token0"`
	Token1            string          `json:"token1"`
	EntryValueUSD     decimal.Decimal `json:"entry_value_usd"`
	CurrentValueUSD   decimal.Decimal `json:"current_value_usd"`
	PendingRewardsUSD decimal.Decimal `json:"pending_rewards_usd"`
	EntryAPR          float64         `json:"entry_apr"`
}

// Pair returns the canonical "TOKEN0/TOKEN1" pair label.
func (p Position) Pair() string {
	return p.Token0 + "/" + p.Token1
}
