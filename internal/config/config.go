// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/aristath/forager/internal/domain"
)

// Config holds application configuration. The cognitive keys form a
// closed set: any FORAGER_* variable outside the recognized list refuses
// startup with a config error.
type Config struct {
	// Cognitive loop (closed set)
	CyclePeriod         time.Duration // FORAGER_CYCLE_PERIOD_SECONDS
	ObservationPeriod   time.Duration // FORAGER_OBSERVATION_PERIOD_HOURS
	MinPatternsToTrade  int
	ConfidenceFloor     float64
	MinAPRForMemory     float64
	MinVolumeForMemory  decimal.Decimal
	MaxMemoriesPerCycle int
	APRImprovementFloor float64 // percentage points
	CompoundMinValueUSD decimal.Decimal
	CompoundOptimalGas  decimal.Decimal
	DailyBudgetUSD      decimal.Decimal
	Stablecoins         []string
	BaseTokens          []string

	// Process
	DataDir   string // always absolute
	Port      int
	LogLevel  string
	LogPretty bool
	DevMode   bool
	Chain     string

	// Market data provider
	ProviderBaseURL string
	ProviderWSURL   string
	ProviderAPIKey  string

	// Vector index
	QdrantURL        string
	QdrantCollection string

	// Embeddings (empty API key falls back to the local embedder)
	EmbeddingsBaseURL string
	EmbeddingsModel   string
	EmbeddingsAPIKey  string

	// LLM rationale writer (empty provider disables the LLM entirely)
	LLMProvider  string
	LLMModel     string
	LLMAPIKey    string
	LLMMaxTokens int

	// Executor
	ExecutorMode string // paper | http
	ExecutorURL  string

	// Snapshot backups
	BackupEnabled       bool
	BackupBucket        string
	BackupEndpoint      string
	BackupAccessKey     string
	BackupSecretKey     string
	BackupRetentionDays int
}

// recognizedKeys is the closed set of FORAGER_* environment variables.
var recognizedKeys = map[string]bool{
	"FORAGER_CYCLE_PERIOD_SECONDS":            true,
	"FORAGER_OBSERVATION_PERIOD_HOURS":        true,
	"FORAGER_MIN_PATTERNS_TO_TRADE":           true,
	"FORAGER_CONFIDENCE_FLOOR":                true,
	"FORAGER_MIN_APR_FOR_MEMORY":              true,
	"FORAGER_MIN_VOLUME_FOR_MEMORY":           true,
	"FORAGER_MAX_MEMORIES_PER_CYCLE":          true,
	"FORAGER_REBALANCE_APR_IMPROVEMENT_FLOOR": true,
	"FORAGER_COMPOUND_MIN_VALUE_USD":          true,
	"FORAGER_COMPOUND_OPTIMAL_GAS_USD":        true,
	"FORAGER_DAILY_BUDGET_USD":                true,
	"FORAGER_STABLECOINS":                     true,
	"FORAGER_BASE_TOKENS":                     true,
	"FORAGER_DATA_DIR":                        true,
	"FORAGER_PORT":                            true,
	"FORAGER_LOG_LEVEL":                       true,
	"FORAGER_LOG_PRETTY":                      true,
	"FORAGER_DEV_MODE":                        true,
	"FORAGER_CHAIN":                           true,
	"FORAGER_PROVIDER_BASE_URL":               true,
	"FORAGER_PROVIDER_WS_URL":                 true,
	"FORAGER_PROVIDER_API_KEY":                true,
	"FORAGER_QDRANT_URL":                      true,
	"FORAGER_QDRANT_COLLECTION":               true,
	"FORAGER_EMBEDDINGS_BASE_URL":             true,
	"FORAGER_EMBEDDINGS_MODEL":                true,
	"FORAGER_EMBEDDINGS_API_KEY":              true,
	"FORAGER_LLM_PROVIDER":                    true,
	"FORAGER_LLM_MODEL":                       true,
	"FORAGER_LLM_API_KEY":                     true,
	"FORAGER_LLM_MAX_TOKENS":                  true,
	"FORAGER_EXECUTOR_MODE":                   true,
	"FORAGER_EXECUTOR_URL":                    true,
	"FORAGER_BACKUP_ENABLED":                  true,
	"FORAGER_BACKUP_BUCKET":                   true,
	"FORAGER_BACKUP_ENDPOINT":                 true,
	"FORAGER_BACKUP_ACCESS_KEY":               true,
	"FORAGER_BACKUP_SECRET_KEY":               true,
	"FORAGER_BACKUP_RETENTION_DAYS":           true,
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := checkUnknownKeys(os.Environ()); err != nil {
		return nil, err
	}

	// Resolve the data directory to an absolute path and make sure it exists
	dataDir := getEnv("FORAGER_DATA_DIR", "data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, domain.WrapError(domain.KindConfig, err, "failed to resolve data directory path")
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, domain.WrapError(domain.KindConfig, err, "failed to create data directory")
	}

	cfg := &Config{
		CyclePeriod:         time.Duration(getEnvAsInt("FORAGER_CYCLE_PERIOD_SECONDS", 300)) * time.Second,
		ObservationPeriod:   time.Duration(getEnvAsInt("FORAGER_OBSERVATION_PERIOD_HOURS", 72)) * time.Hour,
		MinPatternsToTrade:  getEnvAsInt("FORAGER_MIN_PATTERNS_TO_TRADE", 8),
		ConfidenceFloor:     getEnvAsFloat("FORAGER_CONFIDENCE_FLOOR", 0.7),
		MinAPRForMemory:     getEnvAsFloat("FORAGER_MIN_APR_FOR_MEMORY", 20),
		MinVolumeForMemory:  getEnvAsDecimal("FORAGER_MIN_VOLUME_FOR_MEMORY", "100000"),
		MaxMemoriesPerCycle: getEnvAsInt("FORAGER_MAX_MEMORIES_PER_CYCLE", 50),
		APRImprovementFloor: getEnvAsFloat("FORAGER_REBALANCE_APR_IMPROVEMENT_FLOOR", 5),
		CompoundMinValueUSD: getEnvAsDecimal("FORAGER_COMPOUND_MIN_VALUE_USD", "50"),
		CompoundOptimalGas:  getEnvAsDecimal("FORAGER_COMPOUND_OPTIMAL_GAS_USD", "30"),
		DailyBudgetUSD:      getEnvAsDecimal("FORAGER_DAILY_BUDGET_USD", "30"),
		Stablecoins:         getEnvAsSlice("FORAGER_STABLECOINS", []string{"USDC", "USDbC", "DAI"}),
		BaseTokens:          getEnvAsSlice("FORAGER_BASE_TOKENS", []string{"WETH", "AERO"}),

		DataDir:   absDataDir,
		Port:      getEnvAsInt("FORAGER_PORT", 8090),
		LogLevel:  getEnv("FORAGER_LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("FORAGER_LOG_PRETTY", false),
		DevMode:   getEnvAsBool("FORAGER_DEV_MODE", false),
		Chain:     getEnv("FORAGER_CHAIN", "base"),

		ProviderBaseURL: getEnv("FORAGER_PROVIDER_BASE_URL", "http://localhost:8787"),
		ProviderWSURL:   getEnv("FORAGER_PROVIDER_WS_URL", "ws://localhost:8787/stream"),
		ProviderAPIKey:  getEnv("FORAGER_PROVIDER_API_KEY", ""),

		QdrantURL:        getEnv("FORAGER_QDRANT_URL", "http://localhost:6333"),
		QdrantCollection: getEnv("FORAGER_QDRANT_COLLECTION", "forager_memories"),

		EmbeddingsBaseURL: getEnv("FORAGER_EMBEDDINGS_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingsModel:   getEnv("FORAGER_EMBEDDINGS_MODEL", "text-embedding-3-small"),
		EmbeddingsAPIKey:  getEnv("FORAGER_EMBEDDINGS_API_KEY", ""),

		LLMProvider:  getEnv("FORAGER_LLM_PROVIDER", ""),
		LLMModel:     getEnv("FORAGER_LLM_MODEL", ""),
		LLMAPIKey:    getEnv("FORAGER_LLM_API_KEY", ""),
		LLMMaxTokens: getEnvAsInt("FORAGER_LLM_MAX_TOKENS", 1024),

		ExecutorMode: getEnv("FORAGER_EXECUTOR_MODE", "paper"),
		ExecutorURL:  getEnv("FORAGER_EXECUTOR_URL", ""),

		BackupEnabled:       getEnvAsBool("FORAGER_BACKUP_ENABLED", false),
		BackupBucket:        getEnv("FORAGER_BACKUP_BUCKET", ""),
		BackupEndpoint:      getEnv("FORAGER_BACKUP_ENDPOINT", ""),
		BackupAccessKey:     getEnv("FORAGER_BACKUP_ACCESS_KEY", ""),
		BackupSecretKey:     getEnv("FORAGER_BACKUP_SECRET_KEY", ""),
		BackupRetentionDays: getEnvAsInt("FORAGER_BACKUP_RETENTION_DAYS", 14),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration can drive a run. Any violation
// is a config error: the process refuses to start (exit code 2).
func (c *Config) Validate() error {
	if c.CyclePeriod < 10*time.Second {
		return domain.Errorf(domain.KindConfig, "cycle_period_seconds must be at least 10, got %s", c.CyclePeriod)
	}
	if c.ObservationPeriod <= 0 {
		return domain.Errorf(domain.KindConfig, "observation_period_hours must be positive")
	}
	if c.MinPatternsToTrade < 1 {
		return domain.Errorf(domain.KindConfig, "min_patterns_to_trade must be at least 1, got %d", c.MinPatternsToTrade)
	}
	if c.ConfidenceFloor <= 0 || c.ConfidenceFloor > 1 {
		return domain.Errorf(domain.KindConfig, "confidence_floor must be in (0,1], got %g", c.ConfidenceFloor)
	}
	if c.MinAPRForMemory < 0 {
		return domain.Errorf(domain.KindConfig, "min_apr_for_memory must not be negative")
	}
	if c.MinVolumeForMemory.IsNegative() {
		return domain.Errorf(domain.KindConfig, "min_volume_for_memory must not be negative")
	}
	if c.MaxMemoriesPerCycle < 1 {
		return domain.Errorf(domain.KindConfig, "max_memories_per_cycle must be at least 1, got %d", c.MaxMemoriesPerCycle)
	}
	if c.APRImprovementFloor <= 0 {
		return domain.Errorf(domain.KindConfig, "rebalance_apr_improvement_floor must be positive")
	}
	if !c.CompoundMinValueUSD.IsPositive() || !c.CompoundOptimalGas.IsPositive() {
		return domain.Errorf(domain.KindConfig, "compound thresholds must be positive")
	}
	if !c.DailyBudgetUSD.IsPositive() {
		return domain.Errorf(domain.KindConfig, "daily_budget_usd must be positive")
	}
	if len(c.Stablecoins) == 0 {
		return domain.Errorf(domain.KindConfig, "stablecoins set must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return domain.Errorf(domain.KindConfig, "port %d out of range", c.Port)
	}
	switch c.ExecutorMode {
	case "paper":
	case "http":
		if c.ExecutorURL == "" {
			return domain.Errorf(domain.KindConfig, "executor_url required when executor_mode=http")
		}
	default:
		return domain.Errorf(domain.KindConfig, "executor_mode must be paper or http, got %q", c.ExecutorMode)
	}
	switch c.LLMProvider {
	case "", "claude", "openai":
	default:
		return domain.Errorf(domain.KindConfig, "llm_provider must be claude, openai, or empty, got %q", c.LLMProvider)
	}
	if c.LLMProvider != "" && c.LLMAPIKey == "" {
		return domain.Errorf(domain.KindConfig, "llm_api_key required when llm_provider is set")
	}
	if c.BackupEnabled && (c.BackupBucket == "" || c.BackupEndpoint == "") {
		return domain.Errorf(domain.KindConfig, "backup_bucket and backup_endpoint required when backups are enabled")
	}
	return nil
}

// Thresholds returns the base rebalancer gates before emotional adjustment.
func (c *Config) Thresholds() domain.Thresholds {
	return domain.Thresholds{
		APRImprovementFloor: c.APRImprovementFloor,
		ConfidenceFloor:     c.ConfidenceFloor,
	}
}

// IsStablecoin reports whether the symbol belongs to the configured set.
func (c *Config) IsStablecoin(symbol string) bool {
	for _, s := range c.Stablecoins {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// checkUnknownKeys rejects FORAGER_* variables outside the closed set so
// typos fail loudly instead of silently using a default.
func checkUnknownKeys(environ []string) error {
	var unknown []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "FORAGER_") {
			continue
		}
		if !recognizedKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return domain.Errorf(domain.KindConfig, "unrecognized configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	d, err := decimal.NewFromString(defaultValue)
	if err != nil {
		panic(fmt.Sprintf("bad default decimal for %s: %q", key, defaultValue))
	}
	return d
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
