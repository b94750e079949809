package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/forager/internal/database"
	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/modules/patterns"
	"github.com/aristath/forager/internal/modules/profiles"
	"github.com/aristath/forager/internal/reliability"
	"github.com/aristath/forager/internal/storage"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// Cron schedules for the maintenance jobs. All times UTC.
const (
	ScheduleHourlyFlush   = "0 5 * * * *"   // five past every hour
	ScheduleNightlyBackup = "0 15 2 * * *"  // 02:15
	ScheduleDailyPrune    = "0 30 3 * * *"  // 03:30
	ScheduleDailyDBCheck  = "0 45 4 * * *"  // 04:45
	ScheduleDailySummary  = "0 55 23 * * *" // just before the budget day rolls over
)

const (
	jobTimeout    = 5 * time.Minute
	backupTimeout = 15 * time.Minute

	// How long pool metric rows stay queryable. Day-over-day decay
	// baselines need 26h; pattern forensics rarely look back further
	// than a quarter.
	historyRetention = 90 * 24 * time.Hour

	diskWarnPercent = 90.0
)

// ProfileFlushJob persists dirty pool profiles so a crash between cycles
// loses at most an hour of window updates.
type ProfileFlushJob struct {
	profiles *profiles.Store
	log      zerolog.Logger
}

// NewProfileFlushJob creates the hourly profile persistence job.
func NewProfileFlushJob(store *profiles.Store, log zerolog.Logger) *ProfileFlushJob {
	return &ProfileFlushJob{
		profiles: store,
		log:      log.With().Str("job", "profile_flush").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *ProfileFlushJob) Name() string { return "profile_flush" }

// Run writes every dirty profile to the document store.
func (j *ProfileFlushJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	flushed, err := j.profiles.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush profiles: %w", err)
	}
	if flushed > 0 {
		j.log.Info().Int("flushed", flushed).Msg("Persisted pool profiles")
	}
	return nil
}

// MemoryPruneJob ages out stale memories, retires decayed patterns and
// trims the metrics history table.
type MemoryPruneJob struct {
	memories *memory.Store
	patterns *patterns.Engine
	history  *storage.MetricsHistory
	clock    domain.Clock
	log      zerolog.Logger
}

// NewMemoryPruneJob creates the daily pruning job.
func NewMemoryPruneJob(
	memories *memory.Store,
	engine *patterns.Engine,
	history *storage.MetricsHistory,
	clock domain.Clock,
	log zerolog.Logger,
) *MemoryPruneJob {
	return &MemoryPruneJob{
		memories: memories,
		patterns: engine,
		history:  history,
		clock:    clock,
		log:      log.With().Str("job", "memory_prune").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *MemoryPruneJob) Name() string { return "memory_prune" }

// Run prunes memories, then the riders: stale patterns and old metric
// rows. Rider failures are logged, not returned; the memory prune is
// the job.
func (j *MemoryPruneJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	stats, err := j.memories.Prune(ctx)
	if err != nil {
		return fmt.Errorf("prune memories: %w", err)
	}
	j.log.Info().
		Int("scanned", stats.Scanned).
		Int("decayed", stats.Decayed).
		Int("deleted", stats.Deleted).
		Int("exempt", stats.Exempt).
		Msg("Pruned memories")

	retired, err := j.patterns.PruneStale(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to prune stale patterns")
	} else if retired > 0 {
		j.log.Info().Int("retired", retired).Msg("Retired stale patterns")
	}

	cutoff := j.clock.Now().UTC().Add(-historyRetention)
	if err := j.history.DeleteOlderThan(cutoff); err != nil {
		j.log.Error().Err(err).Msg("Failed to trim metrics history")
	}

	return nil
}

// BudgetSummaryJob logs the day's spend before the ledger rolls over at
// midnight UTC.
type BudgetSummaryJob struct {
	governor *budget.Governor
	log      zerolog.Logger
}

// NewBudgetSummaryJob creates the daily budget summary job.
func NewBudgetSummaryJob(governor *budget.Governor, log zerolog.Logger) *BudgetSummaryJob {
	return &BudgetSummaryJob{
		governor: governor,
		log:      log.With().Str("job", "budget_summary").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *BudgetSummaryJob) Name() string { return "budget_summary" }

// Run logs the day's spend broken down by category.
func (j *BudgetSummaryJob) Run() error {
	snap := j.governor.Snapshot()

	categories := make([]string, 0, len(snap.ByCategory))
	for category := range snap.ByCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	byCategory := zerolog.Dict()
	for _, category := range categories {
		byCategory = byCategory.Str(category, snap.ByCategory[category].StringFixed(2))
	}

	j.log.Info().
		Str("day", snap.Day).
		Str("spent_usd", snap.SpentUSD.StringFixed(2)).
		Str("budget_usd", snap.BudgetUSD.StringFixed(2)).
		Float64("fraction", snap.Fraction).
		Str("mode", string(snap.Mode)).
		Dict("by_category", byCategory).
		Msg("Budget day summary")
	return nil
}

// BackupJob ships the nightly snapshot archive.
type BackupJob struct {
	backups *reliability.BackupService
	log     zerolog.Logger
}

// NewBackupJob creates the nightly backup job.
func NewBackupJob(backups *reliability.BackupService, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backups: backups,
		log:     log.With().Str("job", "backup").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *BackupJob) Name() string { return "backup" }

// Run creates and uploads a backup archive.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupTimeout)
	defer cancel()
	return j.backups.Run(ctx)
}

// DatabaseMaintenanceJob runs integrity checks and WAL checkpoints on
// the agent's databases, and warns when the data disk fills up.
type DatabaseMaintenanceJob struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewDatabaseMaintenanceJob creates the daily database maintenance job.
func NewDatabaseMaintenanceJob(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *DatabaseMaintenanceJob {
	return &DatabaseMaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("job", "db_maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler.
func (j *DatabaseMaintenanceJob) Name() string { return "db_maintenance" }

// Run checks integrity (critical) and trims WAL files (best effort).
func (j *DatabaseMaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	for name, db := range j.databases {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("integrity check %s: %w", name, err)
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to read disk usage")
		return nil
	}
	if usage.UsedPercent > diskWarnPercent {
		j.log.Warn().
			Float64("used_percent", usage.UsedPercent).
			Uint64("free_bytes", usage.Free).
			Msg("Data disk nearly full")
	}
	return nil
}
