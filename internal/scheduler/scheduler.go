// Package scheduler drives the agent: a single-goroutine cycle tick
// loop plus cron-scheduled maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of maintenance work.
type Job interface {
	Run() error
	Name() string
}

// Scheduler owns the cycle tick and the maintenance cron. The tick loop
// runs one cycle to completion, then sleeps one period: ticks that would
// have fired while a cycle was in flight are coalesced, never queued.
type Scheduler struct {
	cron  *cron.Cron
	clock domain.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	base    time.Duration
	period  time.Duration
	handler func(context.Context)
	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// New creates a scheduler. It watches budget threshold events: an
// emergency crossing doubles the tick period, and the caution crossing
// of a fresh day restores it.
func New(clock domain.Clock, eventMgr *events.Manager, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		clock: clock,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
	eventMgr.Bus().Subscribe(events.BudgetThreshold, s.onBudgetThreshold)
	return s
}

// RegisterTick installs the cycle handler. Must be called before Start.
func (s *Scheduler) RegisterTick(period time.Duration, handler func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = period
	s.period = period
	s.handler = handler
}

// SetPeriod changes the tick period. Takes effect when the current
// sleep ends; an in-flight cycle is never interrupted.
func (s *Scheduler) SetPeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 || d == s.period {
		return
	}
	s.period = d
	s.log.Info().Dur("period", d).Msg("Tick period changed")
}

// Period returns the current tick period.
func (s *Scheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// Start launches the tick loop and the cron scheduler. The first cycle
// runs immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	handler := s.handler
	s.mu.Unlock()

	s.cron.Start()

	if handler == nil {
		close(s.stopped)
		s.log.Info().Msg("Scheduler started (maintenance only)")
		return
	}
	go s.runTicks(ctx, handler)
	s.log.Info().Dur("period", s.Period()).Msg("Scheduler started")
}

// Stop interrupts the tick loop at its next suspension point, waits for
// any in-flight cycle to finish, then drains the cron scheduler. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	stopped := s.stopped
	s.mu.Unlock()

	cancel()
	<-stopped

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job on a cron schedule (six fields, seconds first).
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", job.Name()).Msg("Running job")
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("Job completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.Name(), err)
	}

	s.log.Info().
		Str("job", job.Name()).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job on demand")
	if err := job.Run(); err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
		return err
	}
	return nil
}

// runTicks is the cycle driver. The handler runs to completion before
// the next sleep begins, so a cycle that overruns its period swallows
// the ticks it missed.
func (s *Scheduler) runTicks(ctx context.Context, handler func(context.Context)) {
	defer close(s.stopped)
	for {
		if ctx.Err() != nil {
			return
		}
		handler(ctx)
		if err := s.clock.Sleep(ctx, s.Period()); err != nil {
			return
		}
	}
}

// onBudgetThreshold adjusts the tick period on budget crossings.
// Crossings ascend within a day, so a caution event after an emergency
// slowdown can only come from a fresh day's ledger.
func (s *Scheduler) onBudgetThreshold(e *events.Event) {
	level, _ := e.Data["level"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == 0 {
		return
	}

	switch level {
	case string(budget.ModeEmergency):
		if s.period == s.base {
			s.period = 2 * s.base
			s.log.Warn().Dur("period", s.period).Msg("Budget emergency, tick period doubled")
		}
	case string(budget.ModeCaution):
		if s.period != s.base {
			s.period = s.base
			s.log.Info().Dur("period", s.period).Msg("Tick period restored")
		}
	}
}
