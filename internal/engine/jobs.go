package engine

import (
	"time"

	"github.com/quantfold/tradecore/internal/reliability"
	"github.com/quantfold/tradecore/internal/scheduler"
)

// historyRetention bounds the candle archive. A year of bars covers
// every indicator lookback the evaluator supports.
const historyRetention = 365 * 24 * time.Hour

// registerJobs mounts the maintenance and housekeeping jobs on the
// cron. Schedules use six fields (seconds first).
func (e *Engine) registerJobs() error {
	type entry struct {
		schedule string
		job      scheduler.Job
	}

	jobs := []entry{
		{scheduler.ScheduleHourly, scheduler.NewDistributionJob(e.dist, e.log)},
		{scheduler.ScheduleMidnight, scheduler.NewDailyResetJob(
			e.sched, e.log, e.registry, e.portfolio, e.evaluator)},
		{"0 * * * * *", scheduler.NewExpirySweepJob(e.books, e.log)},
		{"@every " + e.cfg.SnapshotInterval.String(), scheduler.NewKnowledgeSnapshotJob(e.kbStore, e.kb)},
		{"@every 5m", scheduler.NewStatsFlushJob(e.catalog)},
		{"0 5 * * * *", reliability.NewCheckpointJob(e.maint)},
		{"0 0 3 * * *", reliability.NewDailyMaintenanceJob(e.maint)},
		{"0 0 4 * * 0", reliability.NewWeeklyMaintenanceJob(e.maint)},
		{"0 30 3 * * *", reliability.NewHistoryPruneJob(e.history, historyRetention, e.log)},
	}
	if e.backup != nil {
		jobs = append(jobs, entry{"0 0 2 * * *", reliability.NewBackupJob(e.backup)})
	}

	for _, j := range jobs {
		if err := e.cron.AddJob(j.schedule, j.job); err != nil {
			return err
		}
	}
	return nil
}
