// Package smoke runs an end-to-end self-check: a throwaway project is opened,
// indexed, searched, and driven through one sandboxed run. It exercises the
// store, retrieval, engine, and worktree layers with a deterministic planner
// so the check passes or fails on this machine's environment alone.
package smoke

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/engine"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/planner"
	"github.com/atticlabs/go-loft/internal/watcher"
	"github.com/atticlabs/go-loft/internal/worktree"
)

const notePhrase = "smoke retrieval note"

// Step is one stage of the scenario.
type Step struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // "PASS" or "FAIL"
	Message    string `json:"message"`
	DurationMS int64  `json:"duration_ms"`
}

// Report is the outcome of a full scenario.
type Report struct {
	Passed bool   `json:"passed"`
	Steps  []Step `json:"steps"`
}

// commandPlanner always plans the single pwd command. The scenario checks the
// daemon's plumbing, not a model's judgement.
type commandPlanner struct{}

func (commandPlanner) Plan(_ context.Context, _ planner.KV, _ planner.Request) (planner.Response, error) {
	return planner.Response{
		Backend: "override",
		Plan: &planner.Plan{Kind: "plan", Steps: []planner.PlanStep{
			{Kind: "command", Worktree: "smoke", Command: "pwd"},
		}},
	}, nil
}

type scenario struct {
	report Report
}

func (sc *scenario) pass(name string, started time.Time, format string, args ...any) {
	sc.report.Steps = append(sc.report.Steps, Step{
		Name:       name,
		Status:     "PASS",
		Message:    fmt.Sprintf(format, args...),
		DurationMS: time.Since(started).Milliseconds(),
	})
}

func (sc *scenario) fail(name string, started time.Time, err error) error {
	sc.report.Steps = append(sc.report.Steps, Step{
		Name:       name,
		Status:     "FAIL",
		Message:    err.Error(),
		DurationMS: time.Since(started).Milliseconds(),
	})
	return fmt.Errorf("%s: %w", name, err)
}

// Run executes the scenario against a temp directory and tears everything
// down afterwards. The returned report lists every step even when one fails.
func Run(ctx context.Context, logger *slog.Logger, cfg config.Config) (Report, error) {
	sc := &scenario{}
	err := sc.run(ctx, logger, cfg)
	sc.report.Passed = err == nil
	return sc.report, err
}

func (sc *scenario) run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	started := time.Now()
	root, err := os.MkdirTemp("", "goloft-smoke-*")
	if err != nil {
		return sc.fail("workspace", started, err)
	}
	defer os.RemoveAll(root)

	notePath := filepath.Join(root, "notes", "smoke.md")
	if err := os.MkdirAll(filepath.Dir(notePath), 0o755); err != nil {
		return sc.fail("workspace", started, err)
	}
	note := fmt.Sprintf("# Self-check\n\nThis %s proves search reaches indexed content.\n", notePhrase)
	if err := os.WriteFile(notePath, []byte(note), 0o644); err != nil {
		return sc.fail("workspace", started, err)
	}
	sc.pass("workspace", started, "temp project at %s", root)

	started = time.Now()
	eventBus := bus.New()
	registry := persistence.NewRegistry(logger, eventBus)
	defer registry.CloseAll()

	store, err := registry.Open(ctx, root)
	if err != nil {
		return sc.fail("project open", started, err)
	}
	conversationID := store.Project().ActiveConversationID
	if conversationID == "" {
		return sc.fail("project open", started, fmt.Errorf("no bootstrap conversation"))
	}
	sc.pass("project open", started, "project %s, conversation %s", store.Project().ID, conversationID)

	started = time.Now()
	manager := watcher.NewManager(logger, cfg.Index)
	defer manager.Stop()
	ix, err := manager.Attach(ctx, store)
	if err != nil {
		return sc.fail("index", started, err)
	}
	if _, err := ix.Scan(ctx, true); err != nil {
		return sc.fail("index", started, err)
	}
	chunks, err := store.CountChunks(ctx)
	if err != nil {
		return sc.fail("index", started, err)
	}
	if chunks == 0 {
		return sc.fail("index", started, fmt.Errorf("full scan indexed no chunks"))
	}
	sc.pass("index", started, "%d chunks indexed", chunks)

	started = time.Now()
	hits, err := ix.Search(ctx, notePhrase, 5)
	if err != nil {
		return sc.fail("search", started, err)
	}
	found := false
	for _, hit := range hits {
		if hit.Path == "notes/smoke.md" {
			found = true
			break
		}
	}
	if !found {
		return sc.fail("search", started, fmt.Errorf("query %q missed the note (%d hits)", notePhrase, len(hits)))
	}
	sc.pass("search", started, "note ranked in top %d", len(hits))

	started = time.Now()
	eng := engine.New(logger, cfg, registry, commandPlanner{}, &worktree.HostExecutor{})
	defer eng.Shutdown(5 * time.Second)

	_, run, err := eng.Submit(ctx, store, conversationID, "run pwd in a sandbox", true)
	if err != nil {
		return sc.fail("run", started, err)
	}
	if run == nil {
		return sc.fail("run", started, fmt.Errorf("submit did not start a run"))
	}

	final, err := waitForTerminal(ctx, store, run.ID, 30*time.Second)
	if err != nil {
		return sc.fail("run", started, err)
	}
	if final.Status != persistence.RunStatusDone {
		return sc.fail("run", started, fmt.Errorf("run finished %s (%s): %s", final.Status, final.Phase, final.Error))
	}
	steps, err := store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return sc.fail("run", started, err)
	}
	if len(steps) != 1 {
		return sc.fail("run", started, fmt.Errorf("run has %d steps, want 1", len(steps)))
	}
	events, err := store.ListRunEvents(ctx, run.ID)
	if err != nil {
		return sc.fail("run", started, err)
	}
	completed := false
	for _, ev := range events {
		if ev.Type == persistence.EventRunCompleted {
			completed = true
		}
	}
	if !completed {
		return sc.fail("run", started, fmt.Errorf("no run_completed event among %d events", len(events)))
	}
	sc.pass("run", started, "pwd ran in worktree, run %s done", run.ID)

	return nil
}

func waitForTerminal(ctx context.Context, store *persistence.Store, runID string, timeout time.Duration) (persistence.Run, error) {
	deadline := time.Now().Add(timeout)
	for {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			return persistence.Run{}, err
		}
		if run.Status != persistence.RunStatusRunning {
			return run, nil
		}
		if time.Now().After(deadline) {
			return run, fmt.Errorf("run still %s after %s", run.Phase, timeout)
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
