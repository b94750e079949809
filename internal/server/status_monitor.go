package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/events"
)

// statusMonitorInterval is how often the monitor re-samples host
// status while the server runs.
const statusMonitorInterval = 60 * time.Second

// StatusMonitor samples host status in the background and emits a
// SystemStatusChanged event whenever the health level flips between
// healthy and degraded.
type StatusMonitor struct {
	system   *SystemHandlers
	events   *events.Manager
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewStatusMonitor creates the monitor. Start launches it.
func NewStatusMonitor(system *SystemHandlers, eventMgr *events.Manager, log zerolog.Logger) *StatusMonitor {
	return &StatusMonitor{
		system: system,
		events: eventMgr,
		log:    log.With().Str("component", "status_monitor").Logger(),
		stop:   make(chan struct{}),
	}
}

// Start begins periodic sampling in its own goroutine.
func (m *StatusMonitor) Start(interval time.Duration) {
	go m.monitor(interval)
}

// Stop halts sampling. Safe to call more than once.
func (m *StatusMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *StatusMonitor) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	check := func() {
		status := m.system.Snapshot().Status
		if status == last {
			return
		}
		if last != "" {
			m.log.Info().Str("from", last).Str("to", status).Msg("System status changed")
		}
		m.events.EmitTyped("server", events.NewSystemStatusChangedData(status))
		last = status
	}

	// Announce the initial level, then only flips.
	check()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			check()
		}
	}
}
