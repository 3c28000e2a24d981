package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/angeruPpb/esp-manager/internal/device"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Devices       DeviceMetrics    `json:"devices"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
	Panels           int `json:"panels"`
	Devices          int `json:"devices"`
}

// MQTTMetrics contains messaging bridge statistics.
type MQTTMetrics struct {
	Connected bool   `json:"connected"`
	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
	Handled   uint64 `json:"handled"`
	Failed    uint64 `json:"failed"`
	Queues    int    `json:"queues"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total          int            `json:"total"`
	ByUpdateStatus map[string]int `json:"by_update_status"`
	InFlight       int            `json:"in_flight"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	// Collect runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	panels, devices := s.hub.Counts()

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(s.uptime().Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: panels + devices,
			Panels:           panels,
			Devices:          devices,
		},
	}

	// Bridge metrics (if available)
	if s.bridge != nil {
		stats := s.bridge.Stats()
		metrics.MQTT = &MQTTMetrics{
			Connected: s.bridge.IsConnected(),
			Received:  stats.Received,
			Dropped:   stats.Dropped,
			Handled:   stats.Handled,
			Failed:    stats.Failed,
			Queues:    stats.Queues,
		}
	}

	// Device registry stats
	metrics.Devices = DeviceMetrics{
		ByUpdateStatus: make(map[string]int, len(device.ValidUpdateStatuses)),
		InFlight:       len(s.ota.InFlight()),
	}
	for _, st := range device.ValidUpdateStatuses {
		metrics.Devices.ByUpdateStatus[string(st)] = 0
	}
	if list, err := s.ota.ListDevices(r.Context()); err != nil {
		s.logger.Warn("metrics: listing devices failed", "error", err)
	} else {
		metrics.Devices.Total = len(list)
		for _, d := range list {
			metrics.Devices.ByUpdateStatus[string(d.LastUpdateStatus)]++
		}
	}

	// Database stats (if available)
	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
