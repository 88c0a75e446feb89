package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/marketdata"
	"github.com/quantfold/tradecore/internal/modules/ledger"
	"github.com/quantfold/tradecore/internal/orderbook"
	"github.com/quantfold/tradecore/internal/reliability"
	"github.com/quantfold/tradecore/internal/scheduler"
	"github.com/quantfold/tradecore/internal/version"
)

// BackupRunner triggers and lists off-site backups.
type BackupRunner interface {
	Run(ctx context.Context) error
	ListBackups(ctx context.Context) ([]reliability.BackupInfo, error)
}

// SystemDeps collects the stat sources the system endpoints read. Any
// nil member is simply omitted from the status payload.
type SystemDeps struct {
	Databases  map[string]*database.DB
	Scheduler  interface{ Stats() scheduler.Stats }
	Bus        interface{ Stats() events.Stats }
	Aggregator interface{ Stats() marketdata.Stats }
	Books      interface{ Stats() orderbook.Stats }
	Ledger     interface{ Stats() ledger.Stats }
	Bots       interface{ Stats() map[string]int }
	DiskFree   func() (float64, error)
	Backup     BackupRunner
}

// SystemHandlers serves engine status and operator actions.
type SystemHandlers struct {
	deps      SystemDeps
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates the system handlers. Uptime counts from
// this call.
func NewSystemHandlers(deps SystemDeps, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		deps:      deps,
		startedAt: time.Now().UTC(),
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// RegisterRoutes mounts the system endpoints.
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/system", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Post("/backup", h.HandleBackup)
		r.Get("/backups", h.HandleListBackups)
	})
}

// HandleStatus handles GET /api/system/status.
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"version":    version.Version,
		"uptime_sec": int64(time.Since(h.startedAt).Seconds()),
		"goroutines": runtime.NumGoroutine(),
	}

	if pcts, err := cpu.PercentWithContext(r.Context(), 100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		status["cpu_percent"] = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		status["memory"] = map[string]interface{}{
			"used_percent": vm.UsedPercent,
			"used_mb":      vm.Used / 1024 / 1024,
			"total_mb":     vm.Total / 1024 / 1024,
		}
	}
	if h.deps.DiskFree != nil {
		if freeGB, err := h.deps.DiskFree(); err == nil {
			status["disk_free_gb"] = freeGB
		}
	}

	if len(h.deps.Databases) > 0 {
		dbs := make(map[string]interface{}, len(h.deps.Databases))
		for name, db := range h.deps.Databases {
			stats, err := db.GetStats()
			if err != nil {
				dbs[name] = map[string]interface{}{"error": err.Error()}
				continue
			}
			dbs[name] = map[string]interface{}{
				"size_bytes": stats.SizeBytes,
				"wal_bytes":  stats.WALSizeBytes,
			}
		}
		status["databases"] = dbs
	}

	if h.deps.Scheduler != nil {
		status["scheduler"] = h.deps.Scheduler.Stats()
	}
	if h.deps.Bus != nil {
		status["event_bus"] = h.deps.Bus.Stats()
	}
	if h.deps.Aggregator != nil {
		status["market_data"] = h.deps.Aggregator.Stats()
	}
	if h.deps.Books != nil {
		status["order_books"] = h.deps.Books.Stats()
	}
	if h.deps.Ledger != nil {
		status["ledger"] = h.deps.Ledger.Stats()
	}
	if h.deps.Bots != nil {
		status["bots"] = h.deps.Bots.Stats()
	}

	h.writeJSON(w, http.StatusOK, status)
}

// HandleBackup handles POST /api/system/backup: runs a backup now.
func (h *SystemHandlers) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backup == nil {
		http.Error(w, "Backups not configured", http.StatusConflict)
		return
	}

	if err := h.deps.Backup.Run(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		http.Error(w, "Backup failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "completed"})
}

// HandleListBackups handles GET /api/system/backups.
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backup == nil {
		http.Error(w, "Backups not configured", http.StatusConflict)
		return
	}

	backups, err := h.deps.Backup.ListBackups(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		http.Error(w, "Failed to list backups", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
	})
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
