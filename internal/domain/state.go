package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the agent's operating phase.
type Mode string

const (
	ModeObserve Mode = "observe"
	ModeTrade   Mode = "trade"
	ModePaused  Mode = "paused"
)

// EmotionalState modulates decision thresholds. All behavioral coupling
// flows through Adjust; nothing else may branch on these values.
type EmotionalState string

const (
	EmotionDesperate EmotionalState = "desperate"
	EmotionCautious  EmotionalState = "cautious"
	EmotionStable    EmotionalState = "stable"
	EmotionConfident EmotionalState = "confident"
)

// Thresholds are the rebalancer gates subject to emotional adjustment.
type Thresholds struct {
	APRImprovementFloor float64 // percentage points
	ConfidenceFloor     float64
}

// Adjust applies the emotional-state multiplier table to base thresholds.
//
//	desperate: apr floor ×1.5, confidence floor ×1.1
//	confident: apr floor ×0.8
//	cautious, stable: nominal
func (s EmotionalState) Adjust(base Thresholds) Thresholds {
	out := base
	switch s {
	case EmotionDesperate:
		out.APRImprovementFloor = base.APRImprovementFloor * 1.5
		out.ConfidenceFloor = base.ConfidenceFloor * 1.1
	case EmotionConfident:
		out.APRImprovementFloor = base.APRImprovementFloor * 0.8
	case EmotionCautious, EmotionStable:
		// nominal
	}
	if out.ConfidenceFloor > 1.0 {
		out.ConfidenceFloor = 1.0
	}
	return out
}

// AgentState is the single process-wide agent record. Mutated only at
// step boundaries of the cognitive loop.
type AgentState struct {
	ObservationStartedAt time.Time       `json:"observation_started_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Mode                 Mode            `json:"mode"`
	ResumeMode           Mode            `json:"resume_mode,omitempty"` // mode to restore on Resume
	LastAction           string          `json:"last_action"`
	EmotionalState       EmotionalState  `json:"emotional_state"`
	Positions            []Position      `json:"positions"`
	TotalValueUSD        decimal.Decimal `json:"total_value_usd"`
	CycleNumber          int64           `json:"cycle_number"`
}

// CycleRecord is the append-only audit entry for one cycle.
type CycleRecord struct {
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
	Mode              Mode            `json:"mode"`
	EmotionalState    EmotionalState  `json:"emotional_state"`
	DecisionIDs       []string        `json:"decision_ids,omitempty"`
	GasUsedUSD        decimal.Decimal `json:"gas_used_usd"`
	CycleNumber       int64           `json:"cycle_number"`
	ObservationsCount int             `json:"observations_count"`
}
