package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/events"
	foragertest "github.com/aristath/forager/internal/testing"
)

var testStart = time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

type countingJob struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (j *countingJob) Run() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	return j.err
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func newTestScheduler() (*Scheduler, *foragertest.MockClock, *events.Manager) {
	clock := foragertest.NewMockClock(testStart)
	eventMgr := events.NewManager(events.NewBus(), zerolog.Nop())
	return New(clock, eventMgr, zerolog.Nop()), clock, eventMgr
}

func TestTickLoopRunsCyclesBackToBack(t *testing.T) {
	s, clock, _ := newTestScheduler()

	var mu sync.Mutex
	runs := 0
	third := make(chan struct{})
	s.RegisterTick(5*time.Minute, func(ctx context.Context) {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()
		if n == 3 {
			close(third)
			<-ctx.Done()
		}
	})

	s.Start()
	select {
	case <-third:
	case <-time.After(2 * time.Second):
		t.Fatal("tick loop never reached the third cycle")
	}
	s.Stop()

	mu.Lock()
	final := runs
	mu.Unlock()
	assert.Equal(t, 3, final, "the stop must interrupt before a fourth cycle")

	// One full period separates cycle completions.
	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 2)
	assert.Equal(t, []time.Duration{5 * time.Minute, 5 * time.Minute}, sleeps)
}

func TestSetPeriodAppliesToNextSleep(t *testing.T) {
	s, clock, _ := newTestScheduler()

	var mu sync.Mutex
	runs := 0
	third := make(chan struct{})
	s.RegisterTick(5*time.Minute, func(ctx context.Context) {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()
		switch n {
		case 2:
			s.SetPeriod(10 * time.Minute)
		case 3:
			close(third)
			<-ctx.Done()
		}
	})

	s.Start()
	select {
	case <-third:
	case <-time.After(2 * time.Second):
		t.Fatal("tick loop never reached the third cycle")
	}
	s.Stop()

	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute}, clock.Sleeps())
	assert.Equal(t, 10*time.Minute, s.Period())
}

func TestBudgetThresholdEventsAdjustPeriod(t *testing.T) {
	t.Run("emergency doubles once and caution restores", func(t *testing.T) {
		s, _, eventMgr := newTestScheduler()
		s.RegisterTick(5*time.Minute, func(context.Context) {})

		eventMgr.EmitTyped("budget", &events.BudgetThresholdData{
			SpentUSD: "20.10", BudgetUSD: "30", Fraction: 0.67, Level: "emergency",
		})
		assert.Equal(t, 10*time.Minute, s.Period())

		// Re-crossing on a restart must not compound the slowdown.
		eventMgr.EmitTyped("budget", &events.BudgetThresholdData{
			SpentUSD: "25", BudgetUSD: "30", Fraction: 0.83, Level: "emergency",
		})
		assert.Equal(t, 10*time.Minute, s.Period())

		eventMgr.EmitTyped("budget", &events.BudgetThresholdData{
			SpentUSD: "10.50", BudgetUSD: "30", Fraction: 0.35, Level: "caution",
		})
		assert.Equal(t, 5*time.Minute, s.Period())
	})

	t.Run("caution at base period changes nothing", func(t *testing.T) {
		s, _, eventMgr := newTestScheduler()
		s.RegisterTick(5*time.Minute, func(context.Context) {})

		eventMgr.EmitTyped("budget", &events.BudgetThresholdData{
			SpentUSD: "10.50", BudgetUSD: "30", Fraction: 0.35, Level: "caution",
		})
		assert.Equal(t, 5*time.Minute, s.Period())
	})

	t.Run("events before RegisterTick are ignored", func(t *testing.T) {
		s, _, eventMgr := newTestScheduler()
		eventMgr.EmitTyped("budget", &events.BudgetThresholdData{
			SpentUSD: "20.10", BudgetUSD: "30", Fraction: 0.67, Level: "emergency",
		})
		assert.Equal(t, time.Duration(0), s.Period())
	})
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	s, _, _ := newTestScheduler()

	entered := make(chan struct{})
	var handlerReturned atomic.Bool
	s.RegisterTick(5*time.Minute, func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		handlerReturned.Store(true)
	})

	s.Start()
	s.Start() // second start is a no-op

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never started")
	}

	s.Stop()
	assert.True(t, handlerReturned.Load(), "Stop must join the in-flight cycle")

	s.Stop() // second stop is a no-op

	fresh, _, _ := newTestScheduler()
	fresh.Stop() // stop before start is a no-op
}

func TestAddJobValidatesSchedule(t *testing.T) {
	s, _, _ := newTestScheduler()

	err := s.AddJob("not a schedule", &countingJob{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counting")

	require.NoError(t, s.AddJob(ScheduleNightlyBackup, &countingJob{}))
}

func TestCronFiresRegisteredJob(t *testing.T) {
	s, _, _ := newTestScheduler()

	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return job.Runs() >= 1 },
		3*time.Second, 50*time.Millisecond, "cron never fired the job")
}

func TestRunNowPropagatesJobErrors(t *testing.T) {
	s, _, _ := newTestScheduler()

	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, job.Runs())

	failing := &countingJob{err: errors.New("vacuum failed")}
	err := s.RunNow(failing)
	require.Error(t, err)
	assert.Equal(t, 1, failing.Runs())
}
