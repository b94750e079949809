package domain

import "time"

// MemoryType classifies what a memory records.
type MemoryType string

const (
	MemoryObservation MemoryType = "observation"
	MemoryPattern     MemoryType = "pattern"
	MemoryStrategy    MemoryType = "strategy"
	MemoryOutcome     MemoryType = "outcome"
	MemoryLearning    MemoryType = "learning"
	MemoryError       MemoryType = "error"
)

// Category is the closed set of memory categories. Anything outside this
// set is rejected at Remember time.
type Category string

const (
	CategoryMarketPattern          Category = "market_pattern"
	CategoryGasOptimizationWindows Category = "gas_optimization_windows"
	CategoryStrategyPerformance    Category = "strategy_performance"
	CategoryPoolBehavior           Category = "pool_behavior"
	CategoryPoolAnalysis           Category = "pool_analysis"
	CategoryUserPreference         Category = "user_preference"
	CategoryErrorLearning          Category = "error_learning"
	CategoryProfitSource           Category = "profit_source"
	CategoryAPRDegradation         Category = "apr_degradation_patterns"
	CategoryCompoundROI            Category = "compound_roi_patterns"
	CategoryPoolLifecycle          Category = "pool_lifecycle_patterns"
	CategoryRebalanceSuccess       Category = "rebalance_success_metrics"
	CategoryTVLImpact              Category = "tvl_impact_patterns"
	CategoryRebalanceTiming        Category = "rebalance_timing"
	CategoryCompoundThreshold      Category = "compound_threshold"
	CategoryGaugeEmissions         Category = "gauge_emissions"
	CategoryVolumeTracking         Category = "volume_tracking"
	CategoryArbitrageOpportunity   Category = "arbitrage_opportunity"
	CategoryNewPool                Category = "new_pool"
	CategoryAPRAnomaly             Category = "apr_anomaly"
	CategoryFeeCollection          Category = "fee_collection"
	CategoryCrossPoolCorrelation   Category = "cross_pool_correlation"
)

// AllCategories returns the closed category set in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryMarketPattern,
		CategoryGasOptimizationWindows,
		CategoryStrategyPerformance,
		CategoryPoolBehavior,
		CategoryPoolAnalysis,
		CategoryUserPreference,
		CategoryErrorLearning,
		CategoryProfitSource,
		CategoryAPRDegradation,
		CategoryCompoundROI,
		CategoryPoolLifecycle,
		CategoryRebalanceSuccess,
		CategoryTVLImpact,
		CategoryRebalanceTiming,
		CategoryCompoundThreshold,
		CategoryGaugeEmissions,
		CategoryVolumeTracking,
		CategoryArbitrageOpportunity,
		CategoryNewPool,
		CategoryAPRAnomaly,
		CategoryFeeCollection,
		CategoryCrossPoolCorrelation,
	}
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// Priority metadata keys. Metadata truncation never drops these.
const (
	MetaPool        = "pool"
	MetaAPR         = "apr"
	MetaTVL         = "tvl"
	MetaVolume      = "volume"
	MetaPatternType = "pattern_type"
)

// MaxMetadataBytes is the serialized-size budget for Memory.Metadata.
const MaxMetadataBytes = 2048

// PriorityMetadataKeys returns the metadata keys that survive truncation.
func PriorityMetadataKeys() []string {
	return []string{MetaPool, MetaAPR, MetaTVL, MetaVolume, MetaPatternType}
}

// Memory is a durable learned fact: an observation, a promoted pattern,
// an outcome, or an error lesson. Mutated only by confidence updates and
// recall-count increments.
type Memory struct {
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata"`
	ID          string         `json:"id"`
	Type        MemoryType     `json:"type"`
	Category    Category       `json:"category"`
	Content     string         `json:"content"`
	References  []string       `json:"references,omitempty"`
	Confidence  float64        `json:"confidence"`
	RecallCount int            `json:"recall_count"`
}
