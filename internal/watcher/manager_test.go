package watcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/watcher"
)

func TestManager_AttachIsIdempotentAndIndexes(t *testing.T) {
	store, root := openProject(t, nil)
	cfg := testCfg(0)
	cfg.ScanIntervalSeconds = 1

	mgr := watcher.NewManager(discardLogger(), cfg)
	t.Cleanup(mgr.Stop)
	ctx := context.Background()

	ix, err := mgr.Attach(ctx, store)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	again, err := mgr.Attach(ctx, store)
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if ix != again {
		t.Fatalf("attach is not idempotent: %p vs %p", ix, again)
	}
	if got, ok := mgr.Indexer(store.Project().ID); !ok || got != ix {
		t.Fatalf("Indexer lookup = %p %v, want the attached one", got, ok)
	}
	if _, ok := mgr.Indexer("not-a-project"); ok {
		t.Fatalf("Indexer should miss for unknown ids")
	}

	write(t, root, "managed.md", "# Managed\n\na managed project note\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		hits, err := ix.Search(ctx, "managed project note", 5)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(hits) > 0 && hits[0].Path == "managed.md" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("manager workers never indexed the tree")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestManager_TriggerUnknownProjectIsNotFound(t *testing.T) {
	mgr := watcher.NewManager(discardLogger(), testCfg(0))
	t.Cleanup(mgr.Stop)

	if _, err := mgr.Trigger(context.Background(), "missing", true); !faults.Is(err, faults.KindNotFound) {
		t.Fatalf("expected a not-found fault, got %v", err)
	}
}

func TestManager_AttachFailsInterruptedJobs(t *testing.T) {
	store, _ := openProject(t, nil)
	ctx := context.Background()

	job, err := store.CreateIndexJob(ctx, persistence.IndexFull)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := store.StartIndexJob(ctx, job.ID); err != nil {
		t.Fatalf("start job: %v", err)
	}

	mgr := watcher.NewManager(discardLogger(), testCfg(0))
	t.Cleanup(mgr.Stop)
	if _, err := mgr.Attach(ctx, store); err != nil {
		t.Fatalf("attach: %v", err)
	}

	got, err := store.GetIndexJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.IndexJobFailed || got.Error != "interrupted by restart" {
		t.Fatalf("job = %s %q, want failed/interrupted by restart", got.Status, got.Error)
	}
}
