// Package di builds the application's construction graph: databases,
// storage adapters, clients, cognition modules, the loop, the
// scheduler, and everything the HTTP server serves. Wire() is the only
// entry point; the container it returns is the single source of truth
// for live instances.
package di

import (
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/agent"
	"github.com/aristath/forager/internal/clients/dexscan"
	"github.com/aristath/forager/internal/database"
	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/gateway"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/modules/patterns"
	"github.com/aristath/forager/internal/modules/profiles"
	"github.com/aristath/forager/internal/modules/rebalancing"
	"github.com/aristath/forager/internal/pricing"
	"github.com/aristath/forager/internal/reliability"
	"github.com/aristath/forager/internal/scheduler"
	"github.com/aristath/forager/internal/storage"
)

// Container holds every live dependency. Created by Wire, torn down by
// Close.
type Container struct {
	// Databases. The document store and the metrics history live in
	// separate files with separate drivers: documents on the pure Go
	// driver, the append-heavy history on the cgo driver.
	AgentDB   *database.DB
	HistoryDB *sql.DB

	// Storage adapters
	Docs    *storage.DocStore
	History *storage.MetricsHistory

	// Event plumbing
	Bus    *events.Bus
	Events *events.Manager

	// Market data
	Provider *dexscan.Client
	Feed     *dexscan.Feed
	Gateway  *gateway.Gateway
	Prices   *pricing.Cache

	// Cognition
	Profiles  *profiles.Store
	Memories  *memory.Store
	Patterns  *patterns.Engine
	Governor  *budget.Governor
	Planner   *rebalancing.Planner
	Rationale *rebalancing.RationaleWriter

	// Execution
	Executor domain.Executor

	// The loop and its externally visible surfaces
	Loop   *agent.Loop
	Stream *agent.DecisionStream

	// Operations. Backups is nil when backups are disabled.
	Scheduler *scheduler.Scheduler
	Backups   *reliability.BackupService

	Clock domain.Clock
	Log   zerolog.Logger
}

// Close releases everything the container owns that holds a resource:
// the WebSocket feed and both database handles. Safe to call on a
// partially built container.
func (c *Container) Close() {
	if c.Feed != nil {
		if err := c.Feed.Stop(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to stop market data feed")
		}
	}
	if c.HistoryDB != nil {
		if err := c.HistoryDB.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close history database")
		}
	}
	if c.AgentDB != nil {
		if err := c.AgentDB.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close agent database")
		}
	}
}

// Databases returns the managed SQLite handles by name, used by the
// status endpoint and the maintenance job.
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		"agent": c.AgentDB,
	}
}
