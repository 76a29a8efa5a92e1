package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/atticlabs/go-loft/internal/faults"
	otelPkg "github.com/atticlabs/go-loft/internal/otel"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/planner"
	"github.com/atticlabs/go-loft/internal/retrieval"
	"github.com/atticlabs/go-loft/internal/tokenutil"
	"github.com/atticlabs/go-loft/internal/worktree"
)

var tracer = otel.Tracer("goloft/engine")

const (
	runHeartbeatInterval = 10 * time.Second

	// Planning context is capped twice: by chunk count and by estimated
	// tokens, so a handful of large files cannot crowd out the instruction.
	contextChunkLimit  = 6
	contextTokenBudget = 4000

	// defaultWorktree hosts command steps whose plan omitted a name.
	defaultWorktree = "main"

	maxPartContent  = 8 * 1024
	maxSummaryRunes = 140
)

// drive walks one run through its phase machine. It owns the run until a
// terminal phase or until the run context ends; the phase CAS in the store
// keeps it honest when Cancel or the watchdog gets there first.
func (e *Engine) drive(ctx context.Context, store *persistence.Store, run persistence.Run, instruction string) {
	logger := e.logger.With("run_id", run.ID, "conversation_id", run.ConversationID)

	ctx, span := otelPkg.StartSpan(ctx, tracer, "run.drive",
		otelPkg.AttrRunID.String(run.ID),
		otelPkg.AttrProjectID.String(store.Project().ID))
	defer span.End()

	go e.heartbeat(ctx, store, run.ID)

	ok, err := store.TransitionRun(ctx, run.ID,
		[]persistence.RunPhase{persistence.PhaseCreated}, persistence.PhasePlanning, "", "", nil, nil)
	if err != nil {
		e.setLastError(err)
		logger.Error("enter planning failed", "error", err)
		return
	}
	if !ok {
		return
	}

	resp, chunks, err := e.plan(ctx, store, instruction)
	if err != nil {
		if ctx.Err() != nil {
			e.failTimedOut(store, run.ID, persistence.PhasePlanning, ctx)
		} else {
			e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhasePlanning}, err)
		}
		return
	}

	if resp.Plan == nil {
		e.completeDirect(ctx, store, run, resp, chunks, logger)
		return
	}

	rows := make([]persistence.RunStep, len(resp.Plan.Steps))
	for i, st := range resp.Plan.Steps {
		input, err := json.Marshal(st)
		if err != nil {
			e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhasePlanning}, fmt.Errorf("encode step input: %w", err))
			return
		}
		rows[i] = persistence.RunStep{Kind: persistence.StepKind(st.Kind), Input: input}
	}
	if err := store.SaveRunPlan(ctx, run.ID, resp.Backend, rows, len(chunks)); err != nil {
		if ctx.Err() == nil {
			e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhasePlanning}, err)
		}
		return
	}
	ok, err = store.TransitionRun(ctx, run.ID,
		[]persistence.RunPhase{persistence.PhasePlanning}, persistence.PhaseExecuting, "", "", nil, nil)
	if err != nil {
		e.setLastError(err)
		return
	}
	if !ok {
		return
	}
	logger.Info("run planned", "backend", resp.Backend, "steps", len(resp.Plan.Steps), "retrieved", len(chunks))

	e.executeSteps(ctx, store, run, resp.Plan.Steps, chunks, logger)
}

// plan resolves the instruction into a plan or a direct answer, grounded on
// the top retrieval chunks for the project.
func (e *Engine) plan(ctx context.Context, store *persistence.Store, instruction string) (planner.Response, []retrieval.ContextChunk, error) {
	ctx, span := tracer.Start(ctx, "run.plan")
	defer span.End()

	chunks := e.gatherContext(ctx, store, instruction)
	resp, err := e.planner.Plan(ctx, store, planner.Request{
		ProjectName: store.Project().Name,
		Instruction: instruction,
		Context:     plannerContext(chunks),
	})
	if err != nil {
		span.RecordError(err)
		return planner.Response{}, nil, err
	}
	return resp, chunks, nil
}

// completeDirect finishes a run whose planner answered in prose. The backend
// is still recorded through SaveRunPlan so the audit trail shows who spoke.
func (e *Engine) completeDirect(ctx context.Context, store *persistence.Store, run persistence.Run, resp planner.Response, chunks []retrieval.ContextChunk, logger *slog.Logger) {
	if err := store.SaveRunPlan(ctx, run.ID, resp.Backend, nil, len(chunks)); err != nil {
		if ctx.Err() == nil {
			e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhasePlanning}, err)
		}
		return
	}
	if _, err := store.AppendMessage(context.Background(), run.ConversationID, "assistant", resp.Answer, contextParts(chunks)); err != nil {
		e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhasePlanning}, err)
		return
	}
	summary := summarize(resp.Answer)
	ok, err := store.TransitionRun(context.Background(), run.ID,
		[]persistence.RunPhase{persistence.PhasePlanning}, persistence.PhaseCompleted,
		persistence.EventRunCompleted, fmt.Sprintf(`{"direct_answer":true,"backend":%q}`, resp.Backend),
		&summary, nil)
	if err != nil {
		e.setLastError(err)
		return
	}
	if ok {
		logger.Info("run completed with direct answer", "backend", resp.Backend)
	}
}

// executeSteps dispatches the plan in order. Failed steps accumulate until
// the failure ratio crosses the configured ceiling; mutation steps only stage
// changes, so the run halts for confirmation before anything touches the
// project root.
func (e *Engine) executeSteps(ctx context.Context, store *persistence.Store, run persistence.Run, steps []planner.PlanStep, chunks []retrieval.ContextChunk, logger *slog.Logger) {
	sandbox := worktree.NewSandbox(e.logger, store, e.exec, run.ID, e.cfg.StepTimeout())
	keepChangeSet := false
	defer func() {
		if err := sandbox.Dispose(keepChangeSet); err != nil {
			logger.Warn("worktree cleanup failed", "error", err)
		}
	}()

	var staged []worktree.StagedChange
	var outputs []string
	failed := 0
	total := len(steps)

	for i, st := range steps {
		idx := i + 1
		if ctx.Err() != nil {
			break
		}
		if err := store.StartRunStep(ctx, run.ID, idx); err != nil {
			if ctx.Err() == nil {
				e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhaseExecuting}, err)
			}
			return
		}
		stepErr := e.runStep(ctx, store, sandbox, run.ID, idx, st, &staged, &outputs)
		if ctx.Err() != nil {
			break
		}
		if stepErr != nil {
			failed++
			if float64(failed)/float64(total) > e.cfg.Run.MaxFailureRatio {
				e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhaseExecuting},
					fmt.Errorf("%d of %d steps failed", failed, total))
				return
			}
		}
	}

	if ctx.Err() != nil {
		e.failTimedOut(store, run.ID, persistence.PhaseExecuting, ctx)
		return
	}

	if len(staged) > 0 {
		cs, err := sandbox.StageChanges(staged)
		if err != nil {
			e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhaseExecuting}, err)
			return
		}
		if err := e.requestConfirmation(store, run, cs, outputs, chunks); err != nil {
			e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhaseExecuting}, err)
			return
		}
		keepChangeSet = true
		logger.Info("run awaiting confirmation", "changes", len(cs.Changes), "failed_steps", failed)
		return
	}

	content := strings.Join(outputs, "\n\n")
	if content == "" {
		content = fmt.Sprintf("Completed %d of %d steps.", total-failed, total)
	}
	if _, err := store.AppendMessage(context.Background(), run.ConversationID, "assistant", content, contextParts(chunks)); err != nil {
		e.failRun(store, run.ID, []persistence.RunPhase{persistence.PhaseExecuting}, err)
		return
	}
	summary := summarize(content)
	ok, err := store.TransitionRun(context.Background(), run.ID,
		[]persistence.RunPhase{persistence.PhaseExecuting}, persistence.PhaseCompleted,
		persistence.EventRunCompleted, fmt.Sprintf(`{"steps":%d,"failed":%d}`, total, failed), &summary, nil)
	if err != nil {
		e.setLastError(err)
		return
	}
	if ok {
		logger.Info("run completed", "steps", total, "failed_steps", failed)
	}
}

// runStep executes one plan step and records its step edges. The returned
// error reports a failed step; run-level interruption is the caller's to
// detect through ctx.
func (e *Engine) runStep(ctx context.Context, store *persistence.Store, sandbox *worktree.Sandbox, runID string, idx int, st planner.PlanStep, staged *[]worktree.StagedChange, outputs *[]string) error {
	ctx, span := otelPkg.StartSpan(ctx, tracer, "run.step",
		otelPkg.AttrStepIndex.Int(idx),
		otelPkg.AttrStepKind.String(st.Kind))
	defer span.End()

	switch persistence.StepKind(st.Kind) {
	case persistence.StepCommand:
		res, execErr := sandbox.Execute(ctx, composeCommand(st))
		out, _ := json.Marshal(res)
		if ctx.Err() != nil {
			_ = store.FailRunStep(context.Background(), runID, idx, interruptReason(ctx), out)
			return nil
		}
		if execErr != nil {
			span.RecordError(execErr)
			_ = store.FailRunStep(context.Background(), runID, idx, execErr.Error(), out)
			return execErr
		}
		if res.ExitCode != 0 {
			err := fmt.Errorf("exit code %d", res.ExitCode)
			_ = store.FailRunStep(context.Background(), runID, idx, err.Error(), out)
			return err
		}
		return store.CompleteRunStep(ctx, runID, idx, out)

	case persistence.StepEdit, persistence.StepCreate, persistence.StepDelete, persistence.StepRename:
		*staged = append(*staged, stagedChange(st))
		return store.CompleteRunStep(ctx, runID, idx, []byte(fmt.Sprintf(`{"staged":true,"path":%q}`, st.Path)))

	case persistence.StepOutput:
		*outputs = append(*outputs, st.Text)
		return store.CompleteRunStep(ctx, runID, idx, []byte(fmt.Sprintf(`{"text":%q}`, st.Text)))

	default:
		err := faults.Validation("unknown step kind %q", st.Kind)
		_ = store.FailRunStep(context.Background(), runID, idx, err.Error(), nil)
		return err
	}
}

// requestConfirmation appends the assistant reply advertising the staged
// change set and halts the run at confirmation_pending. The reply's id is
// kept in KV so Apply can amend its parts with the applied contents later.
func (e *Engine) requestConfirmation(store *persistence.Store, run persistence.Run, cs worktree.ChangeSet, outputs []string, chunks []retrieval.ContextChunk) error {
	note := fmt.Sprintf("Staged %d changes for review. Apply or discard to finish the run.", len(cs.Changes))
	content := note
	if len(outputs) > 0 {
		content = strings.Join(outputs, "\n\n") + "\n\n" + note
	}
	parts := append(contextParts(chunks), previewParts(cs)...)
	reply, err := store.AppendMessage(context.Background(), run.ConversationID, "assistant", content, parts)
	if err != nil {
		return err
	}
	if err := store.KVSet(context.Background(), replyKey(run.ID), reply.ID); err != nil {
		return err
	}
	summary := summarize(note)
	_, err = store.TransitionRun(context.Background(), run.ID,
		[]persistence.RunPhase{persistence.PhaseExecuting}, persistence.PhaseConfirmationPending,
		persistence.EventRunConfirmationPending, fmt.Sprintf(`{"changes":%d}`, len(cs.Changes)), &summary, nil)
	return err
}

// amendReplyParts rewrites the confirmation reply's change parts with the
// contents that actually landed in the tree.
func (e *Engine) amendReplyParts(ctx context.Context, store *persistence.Store, runID string, cs *worktree.ChangeSet) {
	replyID, err := store.KVGet(ctx, replyKey(runID))
	if err != nil || replyID == "" {
		return
	}
	msg, err := store.GetMessage(ctx, replyID)
	if err != nil {
		e.logger.Warn("confirmation reply lookup failed", "run_id", runID, "error", err)
		return
	}
	var parts []persistence.MessagePart
	for _, p := range msg.Parts {
		if p.Type == persistence.PartFileContext {
			parts = append(parts, p)
		}
	}
	for _, ch := range cs.Changes {
		content := ""
		switch ch.Op {
		case worktree.OpEdit, worktree.OpCreate:
			if data, err := os.ReadFile(filepath.Join(store.RootPath(), filepath.FromSlash(ch.Path))); err == nil {
				content = clipPart(string(data))
			}
		}
		parts = append(parts, changePart(ch, content))
	}
	if err := store.AmendMessageParts(ctx, replyID, parts); err != nil {
		e.logger.Warn("amend confirmation reply failed", "run_id", runID, "error", err)
		return
	}
	_ = store.KVDelete(ctx, replyKey(runID))
}

// gatherContext pulls the top retrieval chunks for the instruction. Retrieval
// trouble degrades to planning without context rather than failing the run.
func (e *Engine) gatherContext(ctx context.Context, store *persistence.Store, query string) []retrieval.ContextChunk {
	ix := retrieval.NewIndexer(e.logger, store, e.cfg.Index)
	chunks, err := ix.ContextChunks(ctx, query, contextChunkLimit)
	if err != nil {
		e.logger.Warn("planning context lookup failed", "project_id", store.Project().ID, "error", err)
		return nil
	}
	var out []retrieval.ContextChunk
	used := 0
	for _, ch := range chunks {
		cost := tokenutil.EstimateTokens(ch.Text)
		if used+cost > contextTokenBudget && len(out) > 0 {
			break
		}
		out = append(out, ch)
		used += cost
	}
	return out
}

// heartbeat keeps the watchdog off a run whose current step is slow. Step
// edges also advance the heartbeat, so this only matters for long commands.
func (e *Engine) heartbeat(ctx context.Context, store *persistence.Store, runID string) {
	ticker := time.NewTicker(runHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.HeartbeatRun(context.Background(), runID); err != nil {
				e.setLastError(err)
			}
		}
	}
}

// failTimedOut records the wall-clock ceiling expiry. A cancelled context is
// left alone: Cancel already moved the run.
func (e *Engine) failTimedOut(store *persistence.Store, runID string, from persistence.RunPhase, ctx context.Context) {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}
	e.failRun(store, runID, []persistence.RunPhase{from},
		faults.ExecutionTimeout("run exceeded %s", e.cfg.RunTimeout()))
}

func interruptReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "run timed out"
	}
	return "cancelled"
}

func composeCommand(st planner.PlanStep) string {
	name := st.Worktree
	if name == "" {
		name = defaultWorktree
	}
	return fmt.Sprintf("@wt/%s %s", name, st.Command)
}

func stagedChange(st planner.PlanStep) worktree.StagedChange {
	return worktree.StagedChange{
		Op:      worktree.ChangeOp(st.Kind),
		Path:    st.Path,
		To:      st.To,
		Content: []byte(st.Content),
	}
}

func plannerContext(chunks []retrieval.ContextChunk) []planner.ContextChunk {
	out := make([]planner.ContextChunk, len(chunks))
	for i, ch := range chunks {
		out[i] = planner.ContextChunk{Path: ch.Path, Text: ch.Text}
	}
	return out
}

// contextParts lists the files that grounded the plan, one part per distinct
// path.
func contextParts(chunks []retrieval.ContextChunk) []persistence.MessagePart {
	if len(chunks) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var parts []persistence.MessagePart
	for _, ch := range chunks {
		if _, ok := seen[ch.Path]; ok {
			continue
		}
		seen[ch.Path] = struct{}{}
		parts = append(parts, persistence.MessagePart{
			Type:  persistence.PartFileContext,
			Path:  ch.Path,
			Title: ch.Title,
		})
	}
	return parts
}

// previewParts lists the staged operations without file contents; the full
// contents arrive on the same message when the change set is applied.
func previewParts(cs worktree.ChangeSet) []persistence.MessagePart {
	parts := make([]persistence.MessagePart, 0, len(cs.Changes))
	for _, ch := range cs.Changes {
		parts = append(parts, changePart(ch, ""))
	}
	return parts
}

func changePart(ch worktree.Change, content string) persistence.MessagePart {
	switch ch.Op {
	case worktree.OpEdit:
		return persistence.MessagePart{Type: persistence.PartEdit, Path: ch.Path, Content: content}
	case worktree.OpCreate:
		return persistence.MessagePart{Type: persistence.PartOutputFile, Path: ch.Path, Content: content}
	case worktree.OpRename:
		return persistence.MessagePart{Type: persistence.PartRename, Path: ch.Path, To: ch.To}
	default:
		return persistence.MessagePart{Type: persistence.PartDelete, Path: ch.Path}
	}
}

func clipPart(s string) string {
	if len(s) <= maxPartContent {
		return s
	}
	return s[:maxPartContent] + "\n... (truncated)"
}

// summarize reduces free text to a single-line run summary.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	runes := []rune(s)
	if len(runes) > maxSummaryRunes {
		return string(runes[:maxSummaryRunes]) + "..."
	}
	return s
}
