package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/agent"
	"github.com/aristath/forager/internal/clients/dexscan"
	"github.com/aristath/forager/internal/clients/embeddings"
	"github.com/aristath/forager/internal/clients/executor"
	"github.com/aristath/forager/internal/clients/llm"
	"github.com/aristath/forager/internal/clients/qdrant"
	"github.com/aristath/forager/internal/config"
	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/gateway"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/modules/patterns"
	"github.com/aristath/forager/internal/modules/profiles"
	"github.com/aristath/forager/internal/modules/rebalancing"
	"github.com/aristath/forager/internal/pricing"
)

// priceTTL is the freshness window for cached token prices.
const priceTTL = 300 * time.Second

// InitializeServices builds the clients, the cognition modules, and the
// loop itself. Databases must already be initialized.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	clock := domain.RealClock{}
	container.Clock = clock

	bus := events.NewBus()
	container.Bus = bus
	container.Events = events.NewManager(bus, log)

	// Market data: REST client with the WebSocket feed attached as a
	// fresher source, behind the rate-limited gateway.
	provider := dexscan.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, log)
	feed := dexscan.NewFeed(cfg.ProviderWSURL, cfg.ProviderAPIKey, log)
	provider.AttachFeed(feed)
	container.Provider = provider
	container.Feed = feed

	container.Prices = pricing.NewCache(priceTTL, cfg.Stablecoins, clock, log)
	container.Gateway = gateway.New(provider, container.Prices, gateway.DefaultLimits(), clock, log)
	container.Prices.SetQuoteSource(container.Gateway.GetSwapQuote)

	// Embeddings: remote when a key is configured, deterministic local
	// hashing otherwise so memory works offline.
	var embedder domain.Embedder
	if cfg.EmbeddingsAPIKey != "" {
		embedder = embeddings.NewClient(cfg.EmbeddingsBaseURL, cfg.EmbeddingsModel, cfg.EmbeddingsAPIKey, log)
	} else {
		embedder = embeddings.NewLocal(0)
		log.Info().Int("dim", embedder.Dim()).Msg("No embeddings API key configured, using local hashing embedder")
	}

	vectors := qdrant.NewClient(cfg.QdrantURL, cfg.QdrantCollection, log)
	if err := vectors.EnsureCollection(ctx, embedder.Dim()); err != nil {
		return fmt.Errorf("failed to ensure vector collection: %w", err)
	}

	// Cognition modules
	container.Profiles = profiles.NewStore(container.Docs, log)
	container.Memories = memory.NewStore(vectors, container.Docs, embedder, clock, container.Events, log)
	container.Patterns = patterns.NewEngine(container.Memories, container.Docs, clock, container.Events, log)
	container.Governor = budget.NewGovernor(cfg.DailyBudgetUSD, container.Docs, clock, container.Events, log)
	container.Planner = rebalancing.NewPlanner(container.Profiles, container.Patterns, rebalancing.Gates{
		Base:                  cfg.Thresholds(),
		CompoundMinValueUSD:   cfg.CompoundMinValueUSD,
		CompoundOptimalGasUSD: cfg.CompoundOptimalGas,
		MinAPRForMemory:       cfg.MinAPRForMemory,
	}, log)

	// Rationale writer: LLM-backed when a provider is configured, the
	// template path alone otherwise.
	var llmClient domain.LLM
	if cfg.LLMProvider != "" {
		llmClient = llm.NewClient(llm.Config{
			Provider:  llm.Provider(cfg.LLMProvider),
			Model:     cfg.LLMModel,
			APIKey:    cfg.LLMAPIKey,
			MaxTokens: cfg.LLMMaxTokens,
		}, log)
	} else {
		llmClient = llm.NewDisabled()
		log.Info().Msg("No LLM provider configured, rationale texts use templates only")
	}
	container.Rationale = rebalancing.NewRationaleWriter(llmClient, container.Governor, log)

	switch cfg.ExecutorMode {
	case "http":
		container.Executor = executor.NewHTTP(cfg.ExecutorURL, log)
	default:
		container.Executor = executor.NewPaper(clock, log)
		log.Info().Msg("Paper executor active, no transactions will reach the chain")
	}

	container.Stream = agent.NewDecisionStream(agent.DefaultStreamCapacity, log)
	container.Loop = agent.New(agent.Config{
		ObservationPeriod:   cfg.ObservationPeriod,
		MinPatternsToTrade:  cfg.MinPatternsToTrade,
		ConfidenceFloor:     cfg.ConfidenceFloor,
		MinAPRForMemory:     cfg.MinAPRForMemory,
		MinVolumeForMemory:  cfg.MinVolumeForMemory,
		MaxMemoriesPerCycle: cfg.MaxMemoriesPerCycle,
		Chain:               cfg.Chain,
		CashToken:           cfg.Stablecoins[0],
	}, container.Gateway, container.Prices, container.Profiles, container.Memories,
		container.Patterns, container.Planner, container.Rationale, container.Governor,
		container.Executor, container.History, container.Docs, clock, container.Events,
		container.Stream, log)

	return nil
}

// RestoreState reloads everything persisted before the first tick:
// the budget ledger, pool profiles, promoted patterns, and the agent
// state itself.
func RestoreState(ctx context.Context, container *Container) error {
	if err := container.Governor.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to restore budget ledger: %w", err)
	}
	if err := container.Profiles.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to restore pool profiles: %w", err)
	}
	if err := container.Patterns.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to restore patterns: %w", err)
	}
	if err := container.Loop.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore agent state: %w", err)
	}
	return nil
}
