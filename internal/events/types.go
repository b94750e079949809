// Package events provides the in-process event bus that decouples the
// cognitive loop from the HTTP layer and the scheduler.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

const (
	// Loop lifecycle
	CycleStarted   EventType = "CYCLE_STARTED"
	CycleCompleted EventType = "CYCLE_COMPLETED"
	ModeChanged    EventType = "MODE_CHANGED"

	// Decisions and execution
	DecisionEmitted EventType = "DECISION_EMITTED"
	OutcomeRecorded EventType = "OUTCOME_RECORDED"

	// Learning
	PatternPromoted   EventType = "PATTERN_PROMOTED"
	PatternReinforced EventType = "PATTERN_REINFORCED"
	MemoryStored      EventType = "MEMORY_STORED"
	PoolAnomaly       EventType = "POOL_ANOMALY"

	// Cost governance
	BudgetThreshold   EventType = "BUDGET_THRESHOLD"
	EmergencyShutdown EventType = "EMERGENCY_SHUTDOWN"

	// Operations
	BackupCompleted     EventType = "BACKUP_COMPLETED"
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// All returns every known event type, in a stable order. The SSE stream
// subscribes to this list when the client doesn't filter.
func All() []EventType {
	return []EventType{
		CycleStarted,
		CycleCompleted,
		ModeChanged,
		DecisionEmitted,
		OutcomeRecorded,
		PatternPromoted,
		PatternReinforced,
		MemoryStored,
		PoolAnomaly,
		BudgetThreshold,
		EmergencyShutdown,
		BackupCompleted,
		SystemStatusChanged,
		ErrorOccurred,
	}
}

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
