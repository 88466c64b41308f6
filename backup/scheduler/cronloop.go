package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaybackup/engine/backup/store"
)

// CronPollInterval is how often CronLoop checks active jobs for a due
// schedule.
const CronPollInterval = 30 * time.Second

// CronLoop resolves each active job's cron schedule to its next fire
// time and enqueues a run once that time has passed (C15
// "enqueue-on-schedule resolution"). It tracks the last fire time it
// observed per job in memory; a restart re-derives schedules from
// "now" rather than replaying missed fires, the same skip-missed
// behavior most cron-driven enqueue loops default to absent a
// persisted watermark.
type CronLoop struct {
	Jobs Jobs
	Runs store.RunStore
	Log  *logrus.Logger

	mu       sync.Mutex
	lastFire map[string]time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Jobs is the subset of JobStore the cron loop needs to discover
// schedule-driven candidates.
type Jobs interface {
	ListActiveJobs(ctx context.Context) ([]store.Job, error)
}

func NewCronLoop(jobs Jobs, runs store.RunStore, log *logrus.Logger) *CronLoop {
	return &CronLoop{Jobs: jobs, Runs: runs, Log: log, lastFire: make(map[string]time.Time)}
}

func (c *CronLoop) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.tick(runCtx)
		ticker := time.NewTicker(CronPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.tick(runCtx)
			}
		}
	}()
}

func (c *CronLoop) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *CronLoop) tick(ctx context.Context) {
	jobs, err := c.Jobs.ListActiveJobs(ctx)
	if err != nil {
		c.Log.WithError(err).Error("cronloop: listing active jobs failed")
		return
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		if job.Schedule == nil || *job.Schedule == "" {
			continue
		}
		tz := job.ScheduleTimezone
		if tz == "" {
			tz = "UTC"
		}

		c.mu.Lock()
		since, seen := c.lastFire[job.ID]
		c.mu.Unlock()
		if !seen {
			since = now
			c.mu.Lock()
			c.lastFire[job.ID] = since
			c.mu.Unlock()
			continue
		}

		next, err := NextFireTime(*job.Schedule, tz, since)
		if err != nil {
			c.Log.WithError(err).WithField("job_id", job.ID).Warn("cronloop: invalid schedule")
			continue
		}
		if next.After(now) {
			continue
		}

		c.mu.Lock()
		c.lastFire[job.ID] = now
		c.mu.Unlock()

		if _, err := Enqueue(ctx, c.Runs, job, job.TargetSnapshot(), now); err != nil {
			c.Log.WithError(err).WithField("job_id", job.ID).Error("cronloop: enqueue failed")
		}
	}
}
