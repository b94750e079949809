package events

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// CycleStartedData contains data for CycleStarted events
type CycleStartedData struct {
	CycleNumber int64  `json:"cycle_number"`
	Mode        string `json:"mode"`
}

// EventType returns the event type for CycleStartedData
func (d *CycleStartedData) EventType() EventType {
	return CycleStarted
}

// CycleCompletedData contains data for CycleCompleted events
type CycleCompletedData struct {
	CycleNumber    int64   `json:"cycle_number"`
	Mode           string  `json:"mode"`
	EmotionalState string  `json:"emotional_state"`
	Decisions      int     `json:"decisions"`
	Observations   int     `json:"observations"`
	GasUsedUSD     string  `json:"gas_used_usd"`
	DurationMS     float64 `json:"duration_ms"`
}

// EventType returns the event type for CycleCompletedData
func (d *CycleCompletedData) EventType() EventType {
	return CycleCompleted
}

// ModeChangedData contains data for ModeChanged events
type ModeChangedData struct {
	OldMode string `json:"old_mode"`
	NewMode string `json:"new_mode"`
	Reason  string `json:"reason,omitempty"`
}

// EventType returns the event type for ModeChangedData
func (d *ModeChangedData) EventType() EventType {
	return ModeChanged
}

// DecisionEmittedData contains data for DecisionEmitted events
type DecisionEmittedData struct {
	DecisionID         string  `json:"decision_id"`
	CycleNumber        int64   `json:"cycle_number"`
	Seq                int     `json:"seq"`
	Type               string  `json:"decision_type"`
	SourcePool         string  `json:"source_pool,omitempty"`
	TargetPool         string  `json:"target_pool,omitempty"`
	Confidence         float64 `json:"confidence"`
	PredictedNetUSD24h string  `json:"predicted_net_usd_24h"`
}

// EventType returns the event type for DecisionEmittedData
func (d *DecisionEmittedData) EventType() EventType {
	return DecisionEmitted
}

// OutcomeRecordedData contains data for OutcomeRecorded events
type OutcomeRecordedData struct {
	DecisionID     string `json:"decision_id"`
	Status         string `json:"status"`
	RealizedNetUSD string `json:"realized_net_usd,omitempty"`
	GasSpentUSD    string `json:"gas_spent_usd,omitempty"`
	Error          string `json:"error,omitempty"`
}

// EventType returns the event type for OutcomeRecordedData
func (d *OutcomeRecordedData) EventType() EventType {
	return OutcomeRecorded
}

// PatternPromotedData contains data for PatternPromoted events
type PatternPromotedData struct {
	PatternID   string  `json:"pattern_id"`
	PatternType string  `json:"pattern_type"`
	Occurrences int     `json:"occurrences"`
	Confidence  float64 `json:"confidence"`
}

// EventType returns the event type for PatternPromotedData
func (d *PatternPromotedData) EventType() EventType {
	return PatternPromoted
}

// PatternReinforcedData contains data for PatternReinforced events
type PatternReinforcedData struct {
	PatternID   string  `json:"pattern_id"`
	Success     bool    `json:"success"`
	Occurrences int     `json:"occurrences"`
	Confidence  float64 `json:"confidence"`
}

// EventType returns the event type for PatternReinforcedData
func (d *PatternReinforcedData) EventType() EventType {
	return PatternReinforced
}

// MemoryStoredData contains data for MemoryStored events
type MemoryStoredData struct {
	MemoryID string `json:"memory_id"`
	Category string `json:"category"`
	Type     string `json:"memory_type"`
}

// EventType returns the event type for MemoryStoredData
func (d *MemoryStoredData) EventType() EventType {
	return MemoryStored
}

// PoolAnomalyData contains data for PoolAnomaly events
type PoolAnomalyData struct {
	Pool   string  `json:"pool"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Mean   float64 `json:"mean"`
	Sigma  float64 `json:"sigma"`
}

// EventType returns the event type for PoolAnomalyData
func (d *PoolAnomalyData) EventType() EventType {
	return PoolAnomaly
}

// BudgetThresholdData contains data for BudgetThreshold events
type BudgetThresholdData struct {
	SpentUSD  string  `json:"spent_usd"`
	BudgetUSD string  `json:"budget_usd"`
	Fraction  float64 `json:"fraction"`
	Level     string  `json:"level"` // "caution", "emergency", "shutdown"
}

// EventType returns the event type for BudgetThresholdData
func (d *BudgetThresholdData) EventType() EventType {
	return BudgetThreshold
}

// EmergencyShutdownData contains data for EmergencyShutdown events
type EmergencyShutdownData struct {
	Reason   string `json:"reason"`
	SpentUSD string `json:"spent_usd,omitempty"`
}

// EventType returns the event type for EmergencyShutdownData
func (d *EmergencyShutdownData) EventType() EventType {
	return EmergencyShutdown
}

// BackupCompletedData contains data for BackupCompleted events
type BackupCompletedData struct {
	Key        string  `json:"key"`
	SizeBytes  int64   `json:"size_bytes"`
	DurationMS float64 `json:"duration_ms"`
	Pruned     int     `json:"pruned"`
}

// EventType returns the event type for BackupCompletedData
func (d *BackupCompletedData) EventType() EventType {
	return BackupCompleted
}

// SystemStatusChangedData contains data for SystemStatusChanged events
type SystemStatusChangedData struct {
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for SystemStatusChangedData
func (d *SystemStatusChangedData) EventType() EventType {
	return SystemStatusChanged
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// GetTypedData attempts to convert the event's Data map to typed EventData.
// Returns nil when the type is unknown or the payload doesn't convert.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	var data EventData
	switch e.Type {
	case CycleStarted:
		data = &CycleStartedData{}
	case CycleCompleted:
		data = &CycleCompletedData{}
	case ModeChanged:
		data = &ModeChangedData{}
	case DecisionEmitted:
		data = &DecisionEmittedData{}
	case OutcomeRecorded:
		data = &OutcomeRecordedData{}
	case PatternPromoted:
		data = &PatternPromotedData{}
	case PatternReinforced:
		data = &PatternReinforcedData{}
	case MemoryStored:
		data = &MemoryStoredData{}
	case PoolAnomaly:
		data = &PoolAnomalyData{}
	case BudgetThreshold:
		data = &BudgetThresholdData{}
	case EmergencyShutdown:
		data = &EmergencyShutdownData{}
	case BackupCompleted:
		data = &BackupCompletedData{}
	case SystemStatusChanged:
		data = &SystemStatusChangedData{}
	case ErrorOccurred:
		data = &ErrorEventData{}
	default:
		return nil
	}

	if err := convertMapToStruct(e.Data, data); err != nil {
		return nil
	}
	return data
}

// convertMapToStruct converts a map[string]interface{} to a struct
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}

// Manager handles event emission and logging
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus for subscribers.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit emits an event to the bus and logs it
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	m.bus.Emit(eventType, module, data)

	m.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Msg("Event emitted")
}

// EmitTyped emits an event with typed data to the bus and logs it
func (m *Manager) EmitTyped(module string, data EventData) {
	m.Emit(data.EventType(), module, convertEventDataToMap(data))
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	m.EmitTyped(module, &ErrorEventData{
		Error:   err.Error(),
		Context: context,
	})
}

// convertEventDataToMap converts typed EventData to map[string]interface{}
func convertEventDataToMap(data EventData) map[string]interface{} {
	if data == nil {
		return nil
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return nil
	}

	return result
}

// nowRFC3339 formats the current time for status payloads.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewSystemStatusChangedData builds a status payload stamped with now.
func NewSystemStatusChangedData(status string) *SystemStatusChangedData {
	return &SystemStatusChangedData{
		Status:    status,
		Timestamp: nowRFC3339(),
	}
}
