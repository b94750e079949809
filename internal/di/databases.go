package di

import (
	"fmt"
	"path/filepath"

	"github.com/aristath/forager/internal/config"
	"github.com/aristath/forager/internal/database"
	"github.com/aristath/forager/internal/storage"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens both database files and builds the storage
// adapters on top of them.
func InitializeDatabases(container *Container, cfg *config.Config, log zerolog.Logger) error {
	// agent.db: the document store (state, cycles, profiles, memories,
	// patterns, decisions, budget ledger).
	agentDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "agent.db"),
		Profile: database.ProfileStandard,
		Name:    "agent",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize agent database: %w", err)
	}
	container.AgentDB = agentDB

	docs, err := storage.NewDocStore(agentDB, log)
	if err != nil {
		return fmt.Errorf("failed to initialize document store: %w", err)
	}
	container.Docs = docs

	// history.db: append-only pool metrics, one batch per cycle.
	historyDB, err := storage.OpenHistory(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("failed to initialize history database: %w", err)
	}
	container.HistoryDB = historyDB
	container.History = storage.NewMetricsHistory(historyDB, log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized")
	return nil
}
