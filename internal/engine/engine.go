// Package engine orchestrates runs: it turns a submitted conversation message
// into a planned, executed, and confirmed-or-discarded unit of work against
// the project tree. One goroutine drives each run through its phase machine;
// the phase rows themselves live in the project store, so every transition is
// crash-safe and observable through the event log.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/planner"
	"github.com/atticlabs/go-loft/internal/worktree"
)

// Planner resolves an execution plan for a submitted instruction. The
// production implementation is planner.Chain.
type Planner interface {
	Plan(ctx context.Context, kv planner.KV, req planner.Request) (planner.Response, error)
}

// transientPhases are the phases only a live driver goroutine can advance.
// confirmation_pending is deliberately absent: staged change sets on disk stay
// actionable through Apply and Discard across a restart.
var transientPhases = []persistence.RunPhase{
	persistence.PhaseCreated,
	persistence.PhasePlanning,
	persistence.PhaseExecuting,
	persistence.PhaseApplying,
	persistence.PhaseDiscarding,
}

// Status is a point-in-time snapshot of engine activity.
type Status struct {
	ActiveRuns int32  `json:"active_runs"`
	LastError  string `json:"last_error,omitempty"`
}

type Engine struct {
	logger   *slog.Logger
	cfg      config.Config
	registry *persistence.Registry
	planner  Planner
	exec     worktree.Executor

	wg sync.WaitGroup

	mu      sync.RWMutex
	cancels map[string]context.CancelFunc

	activeRuns atomic.Int32
	lastError  atomic.Pointer[string]
}

func New(logger *slog.Logger, cfg config.Config, registry *persistence.Registry, pl Planner, exec worktree.Executor) *Engine {
	return &Engine{
		logger:   logger.With("component", "engine"),
		cfg:      cfg,
		registry: registry,
		planner:  pl,
		exec:     exec,
		cancels:  map[string]context.CancelFunc{},
	}
}

// Submit appends the user message to the conversation and, when startRun is
// set, creates and launches a run for it. At most one run with coarse status
// running may exist per conversation; a second submission while one is active
// returns faults.Conflict.
func (e *Engine) Submit(ctx context.Context, store *persistence.Store, conversationID, content string, startRun bool) (persistence.Message, *persistence.Run, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return persistence.Message{}, nil, faults.Validation("message content is empty")
	}
	if _, err := store.GetConversation(ctx, conversationID); err != nil {
		return persistence.Message{}, nil, err
	}
	if startRun {
		// Early read so the common conflict path rejects before the message is
		// appended. CreateRun re-checks inside its transaction for the race.
		active, err := store.ActiveRun(ctx, conversationID)
		if err != nil {
			return persistence.Message{}, nil, err
		}
		if active != nil {
			return persistence.Message{}, nil, faults.Conflict("conversation %s already has run %s in flight", conversationID, active.ID)
		}
	}
	msg, err := store.AppendMessage(ctx, conversationID, "user", content, nil)
	if err != nil {
		return persistence.Message{}, nil, err
	}
	if !startRun {
		return msg, nil, nil
	}
	run, err := store.CreateRun(ctx, conversationID, msg.ID)
	if err != nil {
		return msg, nil, err
	}
	e.launch(store, run, content)
	return msg, &run, nil
}

// launch registers the run in the in-memory activity map and hands it to a
// driver goroutine. The run context is detached from the caller: a run must
// outlive the HTTP request that submitted it.
func (e *Engine) launch(store *persistence.Store, run persistence.Run, instruction string) {
	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RunTimeout())
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()

	e.activeRuns.Add(1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.activeRuns.Add(-1)
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, run.ID)
			e.mu.Unlock()
		}()
		e.drive(runCtx, store, run, instruction)
	}()
}

func (e *Engine) owned(runID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.cancels[runID]
	return ok
}

// Apply replays the run's staged change set against the project root and
// completes the run. Calling Apply on a terminal run is a no-op that returns
// the run as it stands.
func (e *Engine) Apply(ctx context.Context, store *persistence.Store, runID string) (persistence.Run, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return persistence.Run{}, err
	}
	if run.Phase.Terminal() {
		return run, nil
	}

	sandbox := worktree.NewSandbox(e.logger, store, e.exec, runID, e.cfg.StepTimeout())
	if _, err := sandbox.LoadChangeSet(); err != nil {
		return run, err
	}

	// No event on the intermediate hop: run_applied is only appended once the
	// change set has actually landed in the tree.
	ok, err := store.TransitionRun(ctx, runID,
		[]persistence.RunPhase{persistence.PhaseConfirmationPending}, persistence.PhaseApplying,
		"", "", nil, nil)
	if err != nil {
		return run, err
	}
	if !ok {
		run, err = store.GetRun(ctx, runID)
		if err != nil {
			return persistence.Run{}, err
		}
		if run.Phase.Terminal() {
			return run, nil
		}
		return run, faults.Conflict("run %s is not awaiting confirmation (phase %s)", runID, run.Phase)
	}

	applied, err := sandbox.Apply()
	if err != nil {
		e.failRun(store, runID, []persistence.RunPhase{persistence.PhaseApplying}, err)
		return run, err
	}
	e.amendReplyParts(ctx, store, runID, applied)

	if _, err := store.AppendEvent(context.Background(), persistence.EventRunApplied,
		run.ConversationID, runID, fmt.Sprintf(`{"changes":%d}`, len(applied.Changes))); err != nil {
		e.logger.Warn("append run_applied event failed", "run_id", runID, "error", err)
	}

	summary := fmt.Sprintf("Applied %d staged changes.", len(applied.Changes))
	if _, err := store.TransitionRun(context.Background(), runID,
		[]persistence.RunPhase{persistence.PhaseApplying}, persistence.PhaseCompleted,
		persistence.EventRunCompleted, fmt.Sprintf(`{"applied":true,"changes":%d}`, len(applied.Changes)),
		&summary, nil); err != nil {
		return run, err
	}
	if err := sandbox.Dispose(false); err != nil {
		e.logger.Warn("worktree cleanup after apply failed", "run_id", runID, "error", err)
	}
	e.logger.Info("run applied", "run_id", runID, "changes", len(applied.Changes))
	return store.GetRun(ctx, runID)
}

// Discard drops the run's staged change set without touching the project tree
// and completes the run. Idempotent once the run is terminal.
func (e *Engine) Discard(ctx context.Context, store *persistence.Store, runID string) (persistence.Run, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return persistence.Run{}, err
	}
	if run.Phase.Terminal() {
		return run, nil
	}

	sandbox := worktree.NewSandbox(e.logger, store, e.exec, runID, e.cfg.StepTimeout())
	cs, err := sandbox.LoadChangeSet()
	if err != nil {
		return run, err
	}
	changes := 0
	if cs != nil {
		changes = len(cs.Changes)
	}

	ok, err := store.TransitionRun(ctx, runID,
		[]persistence.RunPhase{persistence.PhaseConfirmationPending}, persistence.PhaseDiscarding,
		"", "", nil, nil)
	if err != nil {
		return run, err
	}
	if !ok {
		run, err = store.GetRun(ctx, runID)
		if err != nil {
			return persistence.Run{}, err
		}
		if run.Phase.Terminal() {
			return run, nil
		}
		return run, faults.Conflict("run %s is not awaiting confirmation (phase %s)", runID, run.Phase)
	}

	if err := sandbox.Discard(); err != nil {
		e.failRun(store, runID, []persistence.RunPhase{persistence.PhaseDiscarding}, err)
		return run, err
	}
	_ = store.KVDelete(ctx, replyKey(runID))

	if _, err := store.AppendEvent(context.Background(), persistence.EventRunDiscarded,
		run.ConversationID, runID, fmt.Sprintf(`{"changes":%d}`, changes)); err != nil {
		e.logger.Warn("append run_discarded event failed", "run_id", runID, "error", err)
	}

	summary := fmt.Sprintf("Discarded %d staged changes.", changes)
	if _, err := store.TransitionRun(context.Background(), runID,
		[]persistence.RunPhase{persistence.PhaseDiscarding}, persistence.PhaseCompleted,
		persistence.EventRunCompleted, fmt.Sprintf(`{"discarded":true,"changes":%d}`, changes),
		&summary, nil); err != nil {
		return run, err
	}
	if err := sandbox.Dispose(false); err != nil {
		e.logger.Warn("worktree cleanup after discard failed", "run_id", runID, "error", err)
	}
	e.logger.Info("run discarded", "run_id", runID, "changes", changes)
	return store.GetRun(ctx, runID)
}

// Cancel interrupts a run: the in-flight step context is cancelled, which
// kills any external process, and the run transitions to cancelled exactly
// once. Steps that never started stay pending. Cancelling a terminal run is a
// no-op that returns the run as it stands.
func (e *Engine) Cancel(ctx context.Context, store *persistence.Store, runID string) (persistence.Run, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return persistence.Run{}, err
	}
	if run.Phase.Terminal() {
		return run, nil
	}

	e.mu.RLock()
	cancel, owned := e.cancels[runID]
	e.mu.RUnlock()
	if owned {
		cancel()
	}

	allFrom := append([]persistence.RunPhase{persistence.PhaseConfirmationPending}, transientPhases...)
	ok, err := store.TransitionRun(ctx, runID, allFrom, persistence.PhaseCancelled,
		persistence.EventRunCancelled, `{}`, nil, nil)
	if err != nil {
		return run, err
	}
	if ok && !owned {
		// No driver goroutine exists to clean up after an orphaned run.
		sandbox := worktree.NewSandbox(e.logger, store, e.exec, runID, e.cfg.StepTimeout())
		if err := sandbox.Dispose(false); err != nil {
			e.logger.Warn("worktree cleanup after cancel failed", "run_id", runID, "error", err)
		}
	}
	if ok {
		e.logger.Info("run cancelled", "run_id", runID, "conversation_id", run.ConversationID)
	}
	return store.GetRun(ctx, runID)
}

// Reconcile fails running rows left behind by an earlier process. Called when
// a project opens; safe to call repeatedly because runs owned by a live
// driver are skipped, as are runs awaiting confirmation.
func (e *Engine) Reconcile(ctx context.Context, store *persistence.Store) (int, error) {
	runs, err := store.RunningRuns(ctx)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, run := range runs {
		if e.owned(run.ID) || run.Phase == persistence.PhaseConfirmationPending {
			continue
		}
		errMsg := "interrupted by restart"
		ok, err := store.TransitionRun(ctx, run.ID, transientPhases, persistence.PhaseFailed,
			persistence.EventRunFailed, fmt.Sprintf(`{"error":%q}`, errMsg), nil, &errMsg)
		if err != nil {
			return failed, err
		}
		if !ok {
			continue
		}
		failed++
		sandbox := worktree.NewSandbox(e.logger, store, e.exec, run.ID, e.cfg.StepTimeout())
		if err := sandbox.Dispose(false); err != nil {
			e.logger.Warn("worktree cleanup during reconcile failed", "run_id", run.ID, "error", err)
		}
	}
	if failed > 0 {
		e.logger.Info("reconciled interrupted runs", "project_id", store.Project().ID, "failed", failed)
	}
	return failed, nil
}

// Shutdown cancels every in-flight run and waits up to timeout for the
// drivers to wind down.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("engine shutdown timed out with runs still in flight", "timeout", timeout)
	}
}

func (e *Engine) Status() Status {
	st := Status{ActiveRuns: e.activeRuns.Load()}
	if ptr := e.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

// failRun moves the run to failed from any of the given phases. Terminal
// writes run on a background context so a dead run context cannot block them.
func (e *Engine) failRun(store *persistence.Store, runID string, from []persistence.RunPhase, cause error) {
	msg := cause.Error()
	ok, err := store.TransitionRun(context.Background(), runID, from, persistence.PhaseFailed,
		persistence.EventRunFailed, fmt.Sprintf(`{"error":%q}`, msg), nil, &msg)
	if err != nil {
		e.setLastError(err)
		e.logger.Error("mark run failed", "run_id", runID, "error", err)
		return
	}
	if ok {
		e.logger.Warn("run failed", "run_id", runID, "error", msg)
	}
}

func replyKey(runID string) string {
	return "run.reply." + runID
}
