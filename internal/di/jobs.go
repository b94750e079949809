package di

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/config"
	"github.com/aristath/forager/internal/reliability"
	"github.com/aristath/forager/internal/scheduler"
)

// RegisterJobs builds the scheduler, attaches the cycle tick, and
// registers the maintenance jobs. Backups are only wired when enabled.
func RegisterJobs(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	sched := scheduler.New(container.Clock, container.Events, log)
	container.Scheduler = sched

	sched.RegisterTick(cfg.CyclePeriod, container.Loop.RunCycle)

	if err := sched.AddJob(scheduler.ScheduleHourlyFlush,
		scheduler.NewProfileFlushJob(container.Profiles, log)); err != nil {
		return fmt.Errorf("failed to register profile flush job: %w", err)
	}

	if err := sched.AddJob(scheduler.ScheduleDailyPrune,
		scheduler.NewMemoryPruneJob(container.Memories, container.Patterns, container.History, container.Clock, log)); err != nil {
		return fmt.Errorf("failed to register memory prune job: %w", err)
	}

	if err := sched.AddJob(scheduler.ScheduleDailySummary,
		scheduler.NewBudgetSummaryJob(container.Governor, log)); err != nil {
		return fmt.Errorf("failed to register budget summary job: %w", err)
	}

	if err := sched.AddJob(scheduler.ScheduleDailyDBCheck,
		scheduler.NewDatabaseMaintenanceJob(container.Databases(), cfg.DataDir, log)); err != nil {
		return fmt.Errorf("failed to register database maintenance job: %w", err)
	}

	if cfg.BackupEnabled {
		store, err := reliability.NewS3Client(ctx, reliability.S3Config{
			Endpoint:  cfg.BackupEndpoint,
			Bucket:    cfg.BackupBucket,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to initialize backup object store: %w", err)
		}

		backups := reliability.NewBackupService(map[string]*sql.DB{
			"agent":   container.AgentDB.Conn(),
			"history": container.HistoryDB,
		}, store, cfg.DataDir, cfg.BackupRetentionDays, container.Clock, container.Events, log)
		container.Backups = backups

		if err := sched.AddJob(scheduler.ScheduleNightlyBackup,
			scheduler.NewBackupJob(backups, log)); err != nil {
			return fmt.Errorf("failed to register backup job: %w", err)
		}
	} else {
		log.Info().Msg("Snapshot backups disabled")
	}

	return nil
}
