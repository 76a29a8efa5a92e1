package cron_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/cron"
	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/watcher"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("not a cron expr", after); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestNewSchedulerRejectsBadExpr(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{
		Logger: discardLogger(),
		Jobs:   []cron.Job{{Name: "broken", Expr: "9999 * * * *", Run: func(context.Context) error { return nil }}},
	})
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}

func TestSchedulerFiresDueJob(t *testing.T) {
	var fired atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{
		Logger:   discardLogger(),
		Interval: 50 * time.Millisecond,
		Jobs: []cron.Job{{
			Name: "test-job",
			Expr: "*/5 * * * *",
			Run: func(context.Context) error {
				fired.Add(1)
				return nil
			},
			// In the past, so the first tick fires it.
			NextRunAt: time.Now().Add(-time.Minute),
		}},
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return fired.Load() >= 1 })

	// The job was rescheduled onto its cron boundary, so it must not fire
	// again within a few ticks.
	time.Sleep(200 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired %d times, want exactly 1", n)
	}
}

func TestSchedulerStopsCleanly(t *testing.T) {
	sched, err := cron.NewScheduler(cron.Config{
		Logger:   discardLogger(),
		Interval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start(context.Background())
	sched.Stop()
	// Stop again must not panic or hang.
	sched.Stop()
}

func TestFullRescanJob(t *testing.T) {
	registry := persistence.NewRegistry(discardLogger(), bus.New())
	t.Cleanup(func() { _ = registry.CloseAll() })

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "note.md"), []byte("# note\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	store, err := registry.Open(context.Background(), root)
	if err != nil {
		t.Fatalf("open project: %v", err)
	}

	manager := watcher.NewManager(discardLogger(), config.IndexConfig{})
	t.Cleanup(manager.Stop)
	if _, err := manager.Attach(context.Background(), store); err != nil {
		t.Fatalf("attach: %v", err)
	}

	job := cron.FullRescanJob(discardLogger(), registry, manager, "0 3 * * *")
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run job: %v", err)
	}

	jobs, err := store.RecentIndexJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	var sawFull bool
	for _, j := range jobs {
		if j.Kind == persistence.IndexFull {
			sawFull = true
		}
	}
	if !sawFull {
		t.Fatalf("jobs = %+v, want a full scan", jobs)
	}
}

func TestWorktreeSweepJobIgnoresUnattachedProjects(t *testing.T) {
	registry := persistence.NewRegistry(discardLogger(), bus.New())
	t.Cleanup(func() { _ = registry.CloseAll() })

	store, err := registry.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open project: %v", err)
	}

	// An orphan directory with no matching run.
	orphan := filepath.Join(store.WorktreesDir(), "run-long-gone")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}

	job := cron.WorktreeSweepJob(discardLogger(), registry, "30 3 * * *")
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run job: %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphan worktree still present: %v", err)
	}
}
