package scheduler

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/database"
	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/modules/memory"
	"github.com/aristath/forager/internal/modules/patterns"
	"github.com/aristath/forager/internal/modules/profiles"
	"github.com/aristath/forager/internal/reliability"
	"github.com/aristath/forager/internal/storage"
	foragertest "github.com/aristath/forager/internal/testing"
)

func poolMetric(poolID string, at time.Time, apr float64) domain.PoolMetric {
	return domain.PoolMetric{
		PoolID:       poolID,
		Timestamp:    at,
		Token0:       "WETH",
		Token1:       "USDC",
		TVLUSD:       decimal.NewFromInt(2_000_000),
		Volume24hUSD: decimal.NewFromInt(500_000),
		APRTotal:     apr,
		APRFee:       apr,
	}
}

func openTestHistory(t *testing.T) *storage.MetricsHistory {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := storage.NewMetricsHistory(db.Conn(), zerolog.Nop())
	require.NoError(t, h.EnsureSchema())
	return h
}

func TestProfileFlushJobPersistsDirtyProfiles(t *testing.T) {
	docs := foragertest.NewMockDocStore()
	store := profiles.NewStore(docs, zerolog.Nop())
	store.Update(poolMetric("pool-a", testStart, 25))
	store.Update(poolMetric("pool-b", testStart, 30))

	job := NewProfileFlushJob(store, zerolog.Nop())
	assert.Equal(t, "profile_flush", job.Name())

	require.NoError(t, job.Run())
	assert.Equal(t, 2, docs.Count(storage.CollPoolProfiles))

	// Nothing dirty on the second pass.
	require.NoError(t, job.Run())
	assert.Equal(t, 2, docs.Count(storage.CollPoolProfiles))
}

func TestMemoryPruneJobTrimsHistory(t *testing.T) {
	docs := foragertest.NewMockDocStore()
	clock := foragertest.NewMockClock(testStart)
	eventMgr := events.NewManager(events.NewBus(), zerolog.Nop())
	mem := memory.NewStore(foragertest.NewMockVectorIndex(), docs, foragertest.NewMockEmbedder(64), clock, eventMgr, zerolog.Nop())
	engine := patterns.NewEngine(mem, docs, clock, eventMgr, zerolog.Nop())
	history := openTestHistory(t)

	require.NoError(t, history.Append(poolMetric("pool-a", testStart.Add(-100*24*time.Hour), 25)))
	require.NoError(t, history.Append(poolMetric("pool-a", testStart.Add(-time.Hour), 25)))

	job := NewMemoryPruneJob(mem, engine, history, clock, zerolog.Nop())
	assert.Equal(t, "memory_prune", job.Name())
	require.NoError(t, job.Run())

	rows, err := history.Recent("pool-a", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1, "rows past retention must be deleted")
	assert.True(t, rows[0].Timestamp.Equal(testStart.Add(-time.Hour)))
}

func TestBudgetSummaryJobReportsTheDay(t *testing.T) {
	docs := foragertest.NewMockDocStore()
	clock := foragertest.NewMockClock(testStart)
	eventMgr := events.NewManager(events.NewBus(), zerolog.Nop())
	governor := budget.NewGovernor(decimal.NewFromInt(30), docs, clock, eventMgr, zerolog.Nop())
	require.NoError(t, governor.Charge(context.Background(), budget.CategoryLLM, decimal.NewFromFloat(1.25)))

	job := NewBudgetSummaryJob(governor, zerolog.Nop())
	assert.Equal(t, "budget_summary", job.Name())
	require.NoError(t, job.Run())
}

type uploadCounter struct {
	mu      sync.Mutex
	uploads int
}

func (u *uploadCounter) Upload(_ context.Context, _ string, body io.Reader, _ int64) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads++
	return nil
}

func (u *uploadCounter) List(context.Context, string) ([]reliability.StoredObject, error) {
	return nil, nil
}

func (u *uploadCounter) Delete(context.Context, string) error { return nil }

func TestBackupJobShipsAnArchive(t *testing.T) {
	dataDir := t.TempDir()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "agent.db"),
		Profile: database.ProfileStandard,
		Name:    "agent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := &uploadCounter{}
	svc := reliability.NewBackupService(
		map[string]*sql.DB{"agent": db.Conn()},
		store,
		dataDir,
		7,
		foragertest.NewMockClock(testStart),
		events.NewManager(events.NewBus(), zerolog.Nop()),
		zerolog.Nop(),
	)

	job := NewBackupJob(svc, zerolog.Nop())
	assert.Equal(t, "backup", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, store.uploads)
}

func TestDatabaseMaintenanceJobChecksEveryDatabase(t *testing.T) {
	dataDir := t.TempDir()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, "agent.db"),
		Profile: database.ProfileStandard,
		Name:    "agent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	job := NewDatabaseMaintenanceJob(map[string]*database.DB{"agent": db}, dataDir, zerolog.Nop())
	assert.Equal(t, "db_maintenance", job.Name())
	require.NoError(t, job.Run())
}
