package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/knowledge"
)

// Cron schedules, six fields with seconds. All times UTC.
const (
	ScheduleHourly   = "0 0 * * * *"
	ScheduleMidnight = "0 0 0 * * *"
)

// DistributionRunner scans assets for due yield payouts.
type DistributionRunner interface {
	Run(ctx context.Context, now time.Time) (int, error)
}

// DistributionJob runs the yield distribution scan. Distributions fire
// based on each asset's next_payout, so running hourly never pays early
// and a missed hour is caught by the next run.
type DistributionJob struct {
	engine DistributionRunner
	log    zerolog.Logger
}

func NewDistributionJob(engine DistributionRunner, log zerolog.Logger) *DistributionJob {
	return &DistributionJob{engine: engine, log: log}
}

func (j *DistributionJob) Name() string { return "yield_distribution" }

func (j *DistributionJob) Run() error {
	paid, err := j.engine.Run(context.Background(), time.Now().UTC())
	if err != nil {
		return err
	}
	if paid > 0 {
		j.log.Info().Int("assets_paid", paid).Msg("Yield distributions processed")
	}
	return nil
}

// DailyResetter clears one component's per-day state.
type DailyResetter interface {
	ResetDaily()
}

// DailyResetJob runs at 00:00 UTC: clears daily trade and P&L counters,
// resets per-rule execution counts, and re-arms the daily loss trip.
type DailyResetJob struct {
	sched     *Scheduler
	resetters []DailyResetter
	log       zerolog.Logger
}

func NewDailyResetJob(sched *Scheduler, log zerolog.Logger, resetters ...DailyResetter) *DailyResetJob {
	return &DailyResetJob{sched: sched, resetters: resetters, log: log}
}

func (j *DailyResetJob) Name() string { return "daily_reset" }

func (j *DailyResetJob) Run() error {
	for _, r := range j.resetters {
		r.ResetDaily()
	}
	if j.sched != nil {
		j.sched.Rearm()
	}
	j.log.Info().Msg("Daily counters reset")
	return nil
}

// ExpirySweeper cancels limit orders past their expiry.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, now time.Time) int
}

// ExpirySweepJob expires GTD limit orders across all books.
type ExpirySweepJob struct {
	books ExpirySweeper
	log   zerolog.Logger
}

func NewExpirySweepJob(books ExpirySweeper, log zerolog.Logger) *ExpirySweepJob {
	return &ExpirySweepJob{books: books, log: log}
}

func (j *ExpirySweepJob) Name() string { return "order_expiry_sweep" }

func (j *ExpirySweepJob) Run() error {
	if n := j.books.SweepExpired(context.Background(), time.Now().UTC()); n > 0 {
		j.log.Info().Int("expired", n).Msg("Expired orders swept")
	}
	return nil
}

// SnapshotSaver persists a knowledge-base snapshot.
type SnapshotSaver interface {
	Save(b *knowledge.Base) error
}

// KnowledgeSnapshotJob saves the pattern stats so restarts resume from
// the snapshot plus a short ledger tail instead of a full replay.
type KnowledgeSnapshotJob struct {
	store SnapshotSaver
	base  *knowledge.Base
	keep  int
}

func NewKnowledgeSnapshotJob(store SnapshotSaver, base *knowledge.Base) *KnowledgeSnapshotJob {
	return &KnowledgeSnapshotJob{store: store, base: base, keep: 10}
}

func (j *KnowledgeSnapshotJob) Name() string { return "knowledge_snapshot" }

func (j *KnowledgeSnapshotJob) Run() error {
	if err := j.store.Save(j.base); err != nil {
		return err
	}
	if p, ok := j.store.(interface{ Prune(keep int) error }); ok {
		return p.Prune(j.keep)
	}
	return nil
}

// StatsFlusher writes accumulated asset stats through to the database.
type StatsFlusher interface {
	FlushStats() int
}

// StatsFlushJob persists per-asset price/volume stats on a timer
// instead of per-trade.
type StatsFlushJob struct {
	assets StatsFlusher
}

func NewStatsFlushJob(assets StatsFlusher) *StatsFlushJob {
	return &StatsFlushJob{assets: assets}
}

func (j *StatsFlushJob) Name() string { return "asset_stats_flush" }

func (j *StatsFlushJob) Run() error {
	j.assets.FlushStats()
	return nil
}
