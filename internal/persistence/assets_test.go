package persistence_test

import (
	"context"
	"testing"

	"github.com/atticlabs/go-loft/internal/persistence"
)

func TestAssets_UpsertDetectsChange(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	asset, changed, err := store.UpsertAsset(ctx, persistence.AssetFile, "docs/readme.md", "", 120, 1000, "h1")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !changed {
		t.Fatalf("expected a new asset to report changed")
	}

	same, changed, err := store.UpsertAsset(ctx, persistence.AssetFile, "docs/readme.md", "", 120, 1000, "h1")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if changed {
		t.Fatalf("identical metadata reported changed")
	}
	if same.ID != asset.ID {
		t.Fatalf("upsert changed asset id: %q vs %q", same.ID, asset.ID)
	}

	_, changed, err = store.UpsertAsset(ctx, persistence.AssetFile, "docs/readme.md", "", 240, 2000, "h2")
	if err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	if !changed {
		t.Fatalf("expected content change to report changed")
	}
}

func TestAssets_RemoveCascadesToChunks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	asset, _, err := store.UpsertAsset(ctx, persistence.AssetNote, "notes/todo.md", "Todo", 40, 1, "h")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	chunks := []persistence.Chunk{
		{Text: "buy milk", Vector: []float32{0.1, 0.2}, TokenEstimate: 2},
		{Text: "fix roof", Vector: []float32{0.3, 0.4}, TokenEstimate: 2},
	}
	if err := store.ReplaceChunks(ctx, asset.ID, chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	n, err := store.CountChunks(ctx)
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if n != 2 {
		t.Fatalf("chunks = %d, want 2", n)
	}

	if err := store.RemoveAsset(ctx, "notes/todo.md"); err != nil {
		t.Fatalf("remove asset: %v", err)
	}
	n, err = store.CountChunks(ctx)
	if err != nil {
		t.Fatalf("count after remove: %v", err)
	}
	if n != 0 {
		t.Fatalf("chunks after remove = %d, want 0", n)
	}

	events, err := store.ListEventsSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawRegistered, sawRemoved bool
	for _, ev := range events {
		switch ev.Type {
		case persistence.EventAssetRegistered:
			sawRegistered = true
		case persistence.EventAssetRemoved:
			sawRemoved = true
		}
	}
	if !sawRegistered || !sawRemoved {
		t.Fatalf("asset events registered=%v removed=%v, want both", sawRegistered, sawRemoved)
	}
}

func TestAssets_ReplaceChunksSwapsSetAndPreservesVectors(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	asset, _, err := store.UpsertAsset(ctx, persistence.AssetFile, "src/main.go", "", 10, 1, "h")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.ReplaceChunks(ctx, asset.ID, []persistence.Chunk{
		{Text: "old one", Vector: []float32{1, 0, 0}},
		{Text: "old two", Vector: []float32{0, 1, 0}},
	}); err != nil {
		t.Fatalf("first replace: %v", err)
	}

	want := []float32{0.25, -0.5, 0.125}
	if err := store.ReplaceChunks(ctx, asset.ID, []persistence.Chunk{
		{Text: "new only", Vector: want},
	}); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	rows, err := store.SearchableChunks(ctx)
	if err != nil {
		t.Fatalf("searchable chunks: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("chunks = %d, want 1 after swap", len(rows))
	}
	if rows[0].Text != "new only" {
		t.Fatalf("chunk text = %q, want %q", rows[0].Text, "new only")
	}
	if rows[0].RelPath != "src/main.go" {
		t.Fatalf("chunk rel_path = %q, want src/main.go", rows[0].RelPath)
	}
	if len(rows[0].Vector) != len(want) {
		t.Fatalf("vector length = %d, want %d", len(rows[0].Vector), len(want))
	}
	for i := range want {
		if rows[0].Vector[i] != want[i] {
			t.Fatalf("vector[%d] = %v, want %v", i, rows[0].Vector[i], want[i])
		}
	}
}

func TestIndexJobs_DedupeAndAbsorb(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inc, err := store.CreateIndexJob(ctx, persistence.IndexIncremental)
	if err != nil {
		t.Fatalf("queue incremental: %v", err)
	}
	again, err := store.CreateIndexJob(ctx, persistence.IndexIncremental)
	if err != nil {
		t.Fatalf("queue incremental again: %v", err)
	}
	if again.ID != inc.ID {
		t.Fatalf("duplicate incremental got new job %s, want %s", again.ID, inc.ID)
	}

	full, err := store.CreateIndexJob(ctx, persistence.IndexFull)
	if err != nil {
		t.Fatalf("queue full: %v", err)
	}
	if full.ID == inc.ID {
		t.Fatalf("full scan reused the incremental job id")
	}

	absorbed, err := store.GetIndexJob(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get absorbed job: %v", err)
	}
	if absorbed.Status != persistence.IndexJobCompleted {
		t.Fatalf("absorbed job status = %s, want completed", absorbed.Status)
	}

	fullAgain, err := store.CreateIndexJob(ctx, persistence.IndexFull)
	if err != nil {
		t.Fatalf("queue full again: %v", err)
	}
	if fullAgain.ID != full.ID {
		t.Fatalf("duplicate full got new job %s, want %s", fullAgain.ID, full.ID)
	}
}

func TestIndexJobs_LifecycleEmitsEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job, err := store.CreateIndexJob(ctx, persistence.IndexIncremental)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	next, err := store.NextQueuedIndexJob(ctx)
	if err != nil {
		t.Fatalf("next queued: %v", err)
	}
	if next == nil || next.ID != job.ID {
		t.Fatalf("next queued = %v, want job %s", next, job.ID)
	}

	if err := store.StartIndexJob(ctx, job.ID); err != nil {
		t.Fatalf("start job: %v", err)
	}
	if err := store.CompleteIndexJob(ctx, job.ID, `{"assets_indexed":2,"chunks":7}`); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	got, err := store.GetIndexJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.IndexJobCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("expected started/finished timestamps, got %+v", got)
	}

	events, err := store.ListEventsSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawStarted, sawCompleted bool
	for _, ev := range events {
		switch ev.Type {
		case persistence.EventIndexJobStarted:
			sawStarted = true
		case persistence.EventIndexJobCompleted:
			sawCompleted = true
		}
	}
	if !sawStarted || !sawCompleted {
		t.Fatalf("job events started=%v completed=%v, want both", sawStarted, sawCompleted)
	}

	empty, err := store.NextQueuedIndexJob(ctx)
	if err != nil {
		t.Fatalf("next queued after drain: %v", err)
	}
	if empty != nil {
		t.Fatalf("queue should be empty, got %+v", empty)
	}
}
