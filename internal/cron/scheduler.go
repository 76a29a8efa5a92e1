// Package cron runs scheduled maintenance against open projects: nightly
// full index rescans and sweeps of worktrees whose runs are gone.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/watcher"
	"github.com/atticlabs/go-loft/internal/worktree"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one scheduled maintenance action. A zero NextRunAt is computed from
// Expr when the scheduler starts; a NextRunAt in the past fires on the first
// tick, which is how interrupted maintenance catches up after a restart.
type Job struct {
	Name      string
	Expr      string
	Run       func(ctx context.Context) error
	NextRunAt time.Time
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Jobs     []Job
}

// Scheduler ticks at a fixed interval and fires whichever jobs are due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	jobs     []Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job's cron expression up front so a config
// typo surfaces at startup, not at three in the morning.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, job := range cfg.Jobs {
		if _, err := cronParser.Parse(job.Expr); err != nil {
			return nil, faults.Validation("cron expression %q for job %s: %v", job.Expr, job.Name, err)
		}
	}
	return &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		jobs:     append([]Job(nil), cfg.Jobs...),
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	now := time.Now()
	for i := range s.jobs {
		if s.jobs[i].NextRunAt.IsZero() {
			next, _ := NextRunTime(s.jobs[i].Expr, now)
			s.jobs[i].NextRunAt = next
		}
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every job whose next run time has passed and reschedules it.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for i := range s.jobs {
		job := &s.jobs[i]
		if job.NextRunAt.After(now) {
			continue
		}
		if err := job.Run(ctx); err != nil {
			s.logger.Error("maintenance job failed", "job", job.Name, "error", err)
		}
		next, err := NextRunTime(job.Expr, now)
		if err != nil {
			s.logger.Error("failed to compute next run time",
				"job", job.Name,
				"cron_expr", job.Expr,
				"error", err,
			)
			continue
		}
		job.NextRunAt = next
		s.logger.Info("maintenance job fired", "job", job.Name, "next_run_at", next)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// FullRescanJob triggers a full index scan on every open project. Projects
// the watcher is not attached to are skipped rather than failed; they will
// be picked up once reopened.
func FullRescanJob(logger *slog.Logger, registry *persistence.Registry, manager *watcher.Manager, expr string) Job {
	return Job{
		Name: "full-rescan",
		Expr: expr,
		Run: func(ctx context.Context) error {
			for _, store := range registry.Stores() {
				id := store.Project().ID
				job, err := manager.Trigger(ctx, id, true)
				if err != nil {
					if faults.Is(err, faults.KindNotFound) {
						continue
					}
					logger.Error("scheduled rescan failed", "project_id", id, "error", err)
					continue
				}
				logger.Info("scheduled full rescan", "project_id", id, "job_id", job.ID)
			}
			return nil
		},
	}
}

// WorktreeSweepJob removes orphaned worktree directories in every open project.
func WorktreeSweepJob(logger *slog.Logger, registry *persistence.Registry, expr string) Job {
	return Job{
		Name: "worktree-sweep",
		Expr: expr,
		Run: func(ctx context.Context) error {
			for _, store := range registry.Stores() {
				removed, err := worktree.SweepOrphans(ctx, logger, store)
				if err != nil {
					logger.Error("worktree sweep failed", "project_id", store.Project().ID, "error", err)
					continue
				}
				if removed > 0 {
					logger.Info("worktree sweep done", "project_id", store.Project().ID, "removed", removed)
				}
			}
			return nil
		},
	}
}
