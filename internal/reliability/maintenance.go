package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/database"
)

// Disk space thresholds in GB. Below the critical bound maintenance
// fails hard so operators act before SQLite starts failing writes.
const (
	diskCriticalGB = 0.5
	diskLowGB      = 5.0
	diskWarnGB     = 10.0
)

// HistoryPruner trims the candle archive.
type HistoryPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Maintenance keeps the engine databases healthy between restarts:
// periodic WAL checkpoints, daily integrity checks, weekly vacuum, and
// a disk-space watchdog over the data directory.
type Maintenance struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenance creates the maintenance service over the engine
// databases keyed by name.
func NewMaintenance(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("component", "maintenance").Logger(),
	}
}

// Checkpoint truncates the WAL of every database. Cheap enough to run
// every few minutes; keeps WAL files from growing unbounded under the
// ledger's append load.
func (m *Maintenance) Checkpoint() error {
	for name, db := range m.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			m.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}
	return nil
}

// Daily runs the daily sweep: integrity check per database, WAL
// checkpoint, disk-space check, and a size report. An integrity
// failure or critically low disk returns an error.
func (m *Maintenance) Daily(ctx context.Context) error {
	start := time.Now()

	for name, db := range m.databases {
		if err := db.HealthCheck(ctx); err != nil {
			m.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}
	}

	if err := m.Checkpoint(); err != nil {
		return err
	}
	if err := m.CheckDiskSpace(); err != nil {
		return err
	}
	m.reportSizes()

	m.log.Info().Dur("took", time.Since(start)).Msg("Daily maintenance completed")
	return nil
}

// Weekly vacuums every database except the append-only ledger, whose
// pages never free up anyway.
func (m *Maintenance) Weekly() error {
	for name, db := range m.databases {
		if name == "ledger" {
			continue
		}
		before, _ := db.GetStats()
		if err := db.Vacuum(); err != nil {
			m.log.Error().Err(err).Str("database", name).Msg("Vacuum failed")
			continue
		}
		after, _ := db.GetStats()
		if before != nil && after != nil {
			m.log.Info().Str("database", name).
				Int64("reclaimed_bytes", before.SizeBytes-after.SizeBytes).
				Msg("Vacuum completed")
		}
	}
	return nil
}

// CheckDiskSpace fails when free space under the data directory drops
// below the critical threshold.
func (m *Maintenance) CheckDiskSpace() error {
	freeGB, err := m.DiskFreeGB()
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	switch {
	case freeGB < diskCriticalGB:
		m.log.Error().Float64("free_gb", freeGB).Msg("Disk space critically low")
		return fmt.Errorf("only %.2f GB free under %s", freeGB, m.dataDir)
	case freeGB < diskLowGB:
		m.log.Error().Float64("free_gb", freeGB).Msg("Disk space low")
	case freeGB < diskWarnGB:
		m.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}
	return nil
}

// DiskFreeGB returns free space on the data directory's filesystem.
func (m *Maintenance) DiskFreeGB() (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.dataDir, &stat); err != nil {
		return 0, err
	}
	return float64(stat.Bavail*uint64(stat.Bsize)) / 1e9, nil
}

func (m *Maintenance) reportSizes() {
	for name, db := range m.databases {
		stats, err := db.GetStats()
		if err != nil {
			m.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
			continue
		}
		m.log.Info().Str("database", name).
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_bytes", stats.WALSizeBytes).
			Msg("Database size")
	}
}

// CheckpointJob runs WAL checkpoints from the cron scheduler.
type CheckpointJob struct{ m *Maintenance }

func NewCheckpointJob(m *Maintenance) *CheckpointJob { return &CheckpointJob{m: m} }

func (j *CheckpointJob) Name() string { return "wal_checkpoint" }
func (j *CheckpointJob) Run() error   { return j.m.Checkpoint() }

// DailyMaintenanceJob runs the daily sweep.
type DailyMaintenanceJob struct{ m *Maintenance }

func NewDailyMaintenanceJob(m *Maintenance) *DailyMaintenanceJob {
	return &DailyMaintenanceJob{m: m}
}

func (j *DailyMaintenanceJob) Name() string { return "daily_maintenance" }

func (j *DailyMaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return j.m.Daily(ctx)
}

// WeeklyMaintenanceJob runs the weekly vacuum.
type WeeklyMaintenanceJob struct{ m *Maintenance }

func NewWeeklyMaintenanceJob(m *Maintenance) *WeeklyMaintenanceJob {
	return &WeeklyMaintenanceJob{m: m}
}

func (j *WeeklyMaintenanceJob) Name() string { return "weekly_maintenance" }
func (j *WeeklyMaintenanceJob) Run() error   { return j.m.Weekly() }

// HistoryPruneJob trims candles older than the retention window from
// the archive. Correlation and VaR read at most 30 daily closes, so a
// year of history is plenty.
type HistoryPruneJob struct {
	pruner    HistoryPruner
	retention time.Duration
	log       zerolog.Logger
}

func NewHistoryPruneJob(pruner HistoryPruner, retention time.Duration, log zerolog.Logger) *HistoryPruneJob {
	if retention <= 0 {
		retention = 365 * 24 * time.Hour
	}
	return &HistoryPruneJob{pruner: pruner, retention: retention, log: log}
}

func (j *HistoryPruneJob) Name() string { return "history_prune" }

func (j *HistoryPruneJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.retention)
	pruned, err := j.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		j.log.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("History pruned")
	}
	return nil
}
