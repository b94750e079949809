package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/config"
)

// Wire initializes all dependencies and returns a fully configured
// container. Order of operations:
// 1. Open databases and storage adapters
// 2. Build clients, cognition modules, and the loop
// 3. Restore persisted state
// 4. Build the scheduler and register jobs
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{Log: log}

	if err := InitializeDatabases(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(ctx, container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RestoreState(ctx, container); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to restore persisted state: %w", err)
	}

	if err := RegisterJobs(ctx, container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency wiring completed")
	return container, nil
}
