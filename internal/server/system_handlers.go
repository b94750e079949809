package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/forager/internal/database"
	"github.com/aristath/forager/internal/version"
)

// diskDegradedPercent marks the host degraded once the data volume is
// this full.
const diskDegradedPercent = 90.0

// SystemHandlers serves host-level status: process uptime, CPU, memory,
// disk, and the SQLite files under management.
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	databases map[string]*database.DB
	startedAt time.Time
}

// NewSystemHandlers creates the system status handler.
func NewSystemHandlers(dataDir string, databases map[string]*database.DB, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		dataDir:   dataDir,
		databases: databases,
		startedAt: time.Now().UTC(),
	}
}

// SystemStatusResponse is the GET /api/system/status payload.
type SystemStatusResponse struct {
	Status        string         `json:"status"` // "healthy" or "degraded"
	Version       string         `json:"version"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Goroutines    int            `json:"goroutines"`
	CPUPercent    float64        `json:"cpu_percent"`
	RAMPercent    float64        `json:"ram_percent"`
	Disk          DiskStatus     `json:"disk"`
	Databases     []DatabaseInfo `json:"databases"`
}

// DiskStatus describes the volume holding the data directory.
type DiskStatus struct {
	Path        string  `json:"path"`
	UsedPercent float64 `json:"used_percent"`
	FreeMB      float64 `json:"free_mb"`
}

// DatabaseInfo is the size report for one managed SQLite database.
type DatabaseInfo struct {
	Name      string  `json:"name"`
	SizeMB    float64 `json:"size_mb"`
	WALSizeMB float64 `json:"wal_size_mb"`
}

// Snapshot gathers one status sample. Degraded means the process is up
// but needs attention: the data volume nearly full, host metrics
// unavailable, or a database whose stats cannot be read.
func (h *SystemHandlers) Snapshot() SystemStatusResponse {
	resp := SystemStatusResponse{
		Status:        "healthy",
		Version:       version.Version,
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Databases:     make([]DatabaseInfo, 0, len(h.databases)),
	}

	// 100ms sampling keeps the endpoint fast; dashboards poll this.
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		resp.RAMPercent = memStat.UsedPercent
	}

	usage, err := disk.Usage(h.dataDir)
	if err != nil {
		h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to get disk usage")
		resp.Status = "degraded"
	} else {
		resp.Disk = DiskStatus{
			Path:        h.dataDir,
			UsedPercent: usage.UsedPercent,
			FreeMB:      float64(usage.Free) / 1024 / 1024,
		}
		if usage.UsedPercent > diskDegradedPercent {
			resp.Status = "degraded"
		}
	}

	for _, name := range sortedDBNames(h.databases) {
		stats, err := h.databases[name].GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			resp.Status = "degraded"
			continue
		}
		resp.Databases = append(resp.Databases, DatabaseInfo{
			Name:      name,
			SizeMB:    float64(stats.SizeBytes) / 1024 / 1024,
			WALSizeMB: float64(stats.WALSizeBytes) / 1024 / 1024,
		})
	}

	return resp
}

// HandleSystemStatus returns host and database status.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := h.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func sortedDBNames(databases map[string]*database.DB) []string {
	names := make([]string, 0, len(databases))
	for name := range databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
