package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/epvlab/epv/internal/gateway"
)

// SystemHandlers serves the diagnostics endpoints: health, cache stats, and
// rate-limiter stats.
type SystemHandlers struct {
	gateway *gateway.Gateway
	log     zerolog.Logger
	started time.Time
}

// NewSystemHandlers creates the diagnostics handlers.
func NewSystemHandlers(gw *gateway.Gateway, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		gateway: gw,
		log:     log.With().Str("component", "system_handlers").Logger(),
		started: time.Now(),
	}
}

type healthResponse struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	CacheEntries   int     `json:"cache_entries"`
	CacheBytes     int64   `json:"cache_bytes"`
}

// HandleHealth handles GET /health and GET /api/health.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cpuAvg, memPct := h.systemStats()
	stats := h.gateway.CacheStats()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		UptimeSeconds:  time.Since(h.started).Seconds(),
		CPUPercent:     cpuAvg,
		MemUsedPercent: memPct,
		CacheEntries:   stats.Entries,
		CacheBytes:     stats.SizeBytes,
	})
}

// HandleCacheStats handles GET /api/cache/stats.
func (h *SystemHandlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.CacheStats())
}

// HandleRateLimitStats handles GET /api/ratelimit/stats.
func (h *SystemHandlers) HandleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.LimiterStats())
}

// systemStats reads CPU and memory usage. A short sample interval keeps the
// health endpoint responsive.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}
