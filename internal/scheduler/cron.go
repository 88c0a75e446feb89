// Package scheduler drives the trading engine's clock: the per-mode
// evaluation cycle that fans bot ticks out over a worker pool, and the
// cron layer for everything that runs on wall-clock schedules
// (distributions, daily reset, sweeps, snapshots).
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/events"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// Cron manages background jobs on cron schedules.
type Cron struct {
	cron *cron.Cron
	bus  *events.Bus
	log  zerolog.Logger
}

// NewCron creates the cron runner. Job lifecycle events are published
// on the bus so the events stream and system endpoints can observe
// background work.
func NewCron(bus *events.Bus, log zerolog.Logger) *Cron {
	return &Cron{
		cron: cron.New(cron.WithSeconds()),
		bus:  bus,
		log:  log.With().Str("component", "cron").Logger(),
	}
}

// Start starts the cron runner.
func (c *Cron) Start() {
	c.cron.Start()
	c.log.Info().Msg("Cron runner started")
}

// Stop stops the cron runner and waits for running jobs to finish.
func (c *Cron) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.log.Info().Msg("Cron runner stopped")
}

// AddJob registers a job with a cron schedule (six fields, seconds first).
// Schedule examples:
//   - "0 0 * * * *"    - every hour on the hour
//   - "0 0 0 * * *"    - midnight UTC
//   - "@every 30s"     - every 30 seconds
func (c *Cron) AddJob(schedule string, job Job) error {
	_, err := c.cron.AddFunc(schedule, func() {
		c.RunNow(job)
	})
	if err != nil {
		return err
	}

	c.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (c *Cron) RunNow(job Job) {
	start := time.Now()
	c.log.Debug().Str("job", job.Name()).Msg("Running job")
	c.publish(&events.JobStatusData{JobName: job.Name(), Status: "started"})

	if err := job.Run(); err != nil {
		c.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
		c.publish(&events.JobStatusData{
			JobName:  job.Name(),
			Status:   "failed",
			Error:    err.Error(),
			Duration: time.Since(start).Seconds(),
		})
		return
	}

	c.log.Debug().Str("job", job.Name()).
		Dur("took", time.Since(start)).Msg("Job completed")
	c.publish(&events.JobStatusData{
		JobName:  job.Name(),
		Status:   "completed",
		Duration: time.Since(start).Seconds(),
	})
}

func (c *Cron) publish(data events.EventData) {
	if c.bus != nil {
		c.bus.Publish("scheduler", data)
	}
}
