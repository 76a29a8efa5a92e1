package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/google/uuid"
)

// RunStatus is the coarse lifecycle clients key off. A run in
// confirmation_pending still counts as running: the conversation stays
// blocked until the staged changes are applied or discarded.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusDone      RunStatus = "done"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunPhase is the fine-grained orchestration state.
type RunPhase string

const (
	PhaseCreated             RunPhase = "created"
	PhasePlanning            RunPhase = "planning"
	PhaseExecuting           RunPhase = "executing"
	PhaseConfirmationPending RunPhase = "confirmation_pending"
	PhaseApplying            RunPhase = "applying"
	PhaseDiscarding          RunPhase = "discarding"
	PhaseCompleted           RunPhase = "completed"
	PhaseFailed              RunPhase = "failed"
	PhaseCancelled           RunPhase = "cancelled"
)

var allowedPhaseTransitions = map[RunPhase]map[RunPhase]struct{}{
	PhaseCreated: {
		PhasePlanning:  {},
		PhaseFailed:    {},
		PhaseCancelled: {},
	},
	PhasePlanning: {
		PhaseExecuting: {},
		PhaseCompleted: {}, // Direct answer, no steps to execute.
		PhaseFailed:    {},
		PhaseCancelled: {},
	},
	PhaseExecuting: {
		PhaseCompleted:           {},
		PhaseConfirmationPending: {},
		PhaseFailed:              {},
		PhaseCancelled:           {},
	},
	PhaseConfirmationPending: {
		PhaseApplying:   {},
		PhaseDiscarding: {},
		PhaseFailed:     {},
		PhaseCancelled:  {},
	},
	PhaseApplying: {
		PhaseCompleted: {},
		PhaseFailed:    {},
		PhaseCancelled: {},
	},
	PhaseDiscarding: {
		PhaseCompleted: {},
		PhaseFailed:    {},
		PhaseCancelled: {},
	},
}

// stalePhases lists every phase the watchdog may fail. confirmation_pending
// is deliberately absent: a run awaiting apply/discard has no driver and no
// heartbeat, and its staged change set must stay actionable indefinitely.
var stalePhases = []RunPhase{
	PhaseCreated,
	PhasePlanning,
	PhaseExecuting,
	PhaseApplying,
	PhaseDiscarding,
}

func canTransitionPhase(from, to RunPhase) bool {
	next, ok := allowedPhaseTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func statusForPhase(p RunPhase) RunStatus {
	switch p {
	case PhaseCompleted:
		return RunStatusDone
	case PhaseFailed:
		return RunStatusFailed
	case PhaseCancelled:
		return RunStatusCancelled
	default:
		return RunStatusRunning
	}
}

// Terminal reports whether the phase has no outgoing transitions. Terminal
// rows are immutable.
func (p RunPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

type StepKind string

const (
	StepCommand StepKind = "command"
	StepEdit    StepKind = "edit"
	StepCreate  StepKind = "create"
	StepDelete  StepKind = "delete"
	StepRename  StepKind = "rename"
	StepOutput  StepKind = "output"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type Run struct {
	ID                   string     `json:"id"`
	ConversationID       string     `json:"conversation_id"`
	MessageID            string     `json:"message_id"`
	Status               RunStatus  `json:"status"`
	Phase                RunPhase   `json:"phase"`
	Summary              string     `json:"summary,omitempty"`
	Error                string     `json:"error,omitempty"`
	PlannerBackend       string     `json:"planner_backend,omitempty"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	Steps                []RunStep  `json:"steps,omitempty"`
	HeartbeatAt          time.Time  `json:"heartbeat_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

type RunStep struct {
	RunID      string          `json:"run_id"`
	Idx        int             `json:"idx"`
	Kind       StepKind        `json:"kind"`
	Status     StepStatus      `json:"status"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// CreateRun inserts a new run for a conversation. At most one run with coarse
// status running may exist per conversation; a second submission conflicts.
func (s *Store) CreateRun(ctx context.Context, conversationID, messageID string) (Run, error) {
	run := Run{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         RunStatusRunning,
		Phase:          PhaseCreated,
		HeartbeatAt:    time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	var ev ProjectEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var activeID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM runs WHERE conversation_id = ? AND status = ? LIMIT 1;
		`, conversationID, RunStatusRunning).Scan(&activeID)
		switch {
		case err == nil:
			return faults.Conflict("run %s is already active for conversation %s", activeID, conversationID)
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("check active run: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, conversation_id, message_id, status, phase, heartbeat_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.ConversationID, run.MessageID, run.Status, run.Phase, run.HeartbeatAt, run.CreatedAt, run.UpdatedAt); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		ev, err = s.appendEventTx(ctx, tx, EventRunCreated, conversationID, run.ID,
			fmt.Sprintf(`{"message_id":%q}`, messageID))
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create run tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	s.publishEvents(ev)
	s.publishRunChange(conversationID, run.ID, "", PhaseCreated)
	return run, nil
}

// transitionRunTx compare-and-swaps the run phase inside the caller's
// transaction and appends eventType (when non-empty) in the same transaction.
// Returns false without error when the run is not in one of allowedFrom.
func (s *Store) transitionRunTx(
	ctx context.Context,
	tx *sql.Tx,
	runID string,
	allowedFrom []RunPhase,
	to RunPhase,
	eventType string,
	payload string,
	summary *string,
	errMsg *string,
) (bool, RunPhase, string, *ProjectEvent, error) {
	var current RunPhase
	var conversationID string
	if err := tx.QueryRowContext(ctx, `
		SELECT phase, conversation_id FROM runs WHERE id = ?;
	`, runID).Scan(&current, &conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", "", nil, faults.NotFound("run %s not found", runID)
		}
		return false, "", "", nil, fmt.Errorf("select run for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, current, conversationID, nil, nil
	}
	if !canTransitionPhase(current, to) {
		return false, current, conversationID, nil, fmt.Errorf("illegal run transition %s -> %s", current, to)
	}

	sumValue := sql.NullString{}
	if summary != nil {
		sumValue.Valid = true
		sumValue.String = *summary
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET phase = ?,
			status = ?,
			requires_confirmation = CASE WHEN ? THEN 1 ELSE requires_confirmation END,
			summary = CASE WHEN ? THEN ? ELSE summary END,
			error = CASE WHEN ? THEN ? ELSE error END,
			heartbeat_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND phase = ?;
	`, to, statusForPhase(to), to == PhaseConfirmationPending,
		sumValue.Valid, sumValue.String, errValue.Valid, errValue.String, runID, current)
	if err != nil {
		return false, current, conversationID, nil, fmt.Errorf("update run transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, current, conversationID, nil, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, current, conversationID, nil, nil
	}
	if eventType == "" {
		return true, current, conversationID, nil, nil
	}
	ev, err := s.appendEventTx(ctx, tx, eventType, conversationID, runID, payload)
	if err != nil {
		return false, current, conversationID, nil, err
	}
	return true, current, conversationID, &ev, nil
}

// TransitionRun moves a run between phases with compare-and-swap semantics.
// The returned bool is false when the run was not in any of allowedFrom, which
// callers treat as "someone else got there first".
func (s *Store) TransitionRun(
	ctx context.Context,
	runID string,
	allowedFrom []RunPhase,
	to RunPhase,
	eventType string,
	payload string,
	summary *string,
	errMsg *string,
) (bool, error) {
	var (
		transitioned   bool
		fromPhase      RunPhase
		conversationID string
		ev             *ProjectEvent
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		transitioned, fromPhase, conversationID, ev, err = s.transitionRunTx(ctx, tx, runID, allowedFrom, to, eventType, payload, summary, errMsg)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if transitioned {
		if ev != nil {
			s.publishEvents(*ev)
		}
		s.publishRunChange(conversationID, runID, fromPhase, to)
	}
	return transitioned, nil
}

func (s *Store) publishRunChange(conversationID, runID string, from, to RunPhase) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicRunChanged, bus.RunChangedEvent{
		ProjectID:      s.project.ID,
		ConversationID: conversationID,
		RunID:          runID,
		OldPhase:       string(from),
		NewPhase:       string(to),
	})
}

// SaveRunPlan records the resolved backend and the plan's steps while the run
// is still in planning, and emits run_planned. Steps are numbered from 1 in
// plan order.
func (s *Store) SaveRunPlan(ctx context.Context, runID, backend string, steps []RunStep, retrieved int) error {
	commandCount := 0
	for _, st := range steps {
		if st.Kind == StepCommand {
			commandCount++
		}
	}

	var ev ProjectEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save plan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var phase RunPhase
		var conversationID string
		if err := tx.QueryRowContext(ctx, `SELECT phase, conversation_id FROM runs WHERE id = ?;`, runID).Scan(&phase, &conversationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return faults.NotFound("run %s not found", runID)
			}
			return fmt.Errorf("select run for plan: %w", err)
		}
		if phase != PhasePlanning {
			return fmt.Errorf("save plan in phase %s", phase)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET planner_backend = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, backend, runID); err != nil {
			return fmt.Errorf("record planner backend: %w", err)
		}
		for i, st := range steps {
			input := st.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_steps (run_id, idx, kind, status, input_json)
				VALUES (?, ?, ?, ?, ?);
			`, runID, i+1, st.Kind, StepPending, string(input)); err != nil {
				return fmt.Errorf("insert run step %d: %w", i+1, err)
			}
		}
		ev, err = s.appendEventTx(ctx, tx, EventRunPlanned, conversationID, runID,
			fmt.Sprintf(`{"backend":%q,"step_count":%d,"command_count":%d,"retrieved":%d}`,
				backend, len(steps), commandCount, retrieved))
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit save plan tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishEvents(ev)
	return nil
}

// StartRunStep marks a pending step running and emits run_step_started. The
// run's heartbeat advances with every step edge so the watchdog sees progress.
func (s *Store) StartRunStep(ctx context.Context, runID string, idx int) error {
	return s.stepEdge(ctx, runID, idx, StepPending, StepRunning, EventRunStepStarted, "", nil)
}

// CompleteRunStep marks a running step completed with its output JSON.
func (s *Store) CompleteRunStep(ctx context.Context, runID string, idx int, output json.RawMessage) error {
	return s.stepEdge(ctx, runID, idx, StepRunning, StepCompleted, EventRunStepCompleted, "", output)
}

// FailRunStep marks a running step failed. The run itself keeps executing
// unless the orchestrator decides the failure is fatal.
func (s *Store) FailRunStep(ctx context.Context, runID string, idx int, stepErr string, output json.RawMessage) error {
	return s.stepEdge(ctx, runID, idx, StepRunning, StepFailed, EventRunStepFailed, stepErr, output)
}

func (s *Store) stepEdge(ctx context.Context, runID string, idx int, from, to StepStatus, eventType, stepErr string, output json.RawMessage) error {
	var ev ProjectEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin step tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var kind StepKind
		var conversationID string
		if err := tx.QueryRowContext(ctx, `
			SELECT rs.kind, r.conversation_id
			FROM run_steps rs JOIN runs r ON r.id = rs.run_id
			WHERE rs.run_id = ? AND rs.idx = ?;
		`, runID, idx).Scan(&kind, &conversationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return faults.NotFound("run %s step %d not found", runID, idx)
			}
			return fmt.Errorf("select step: %w", err)
		}

		outValue := "{}"
		if len(output) > 0 {
			outValue = string(output)
		}
		var res sql.Result
		switch to {
		case StepRunning:
			res, err = tx.ExecContext(ctx, `
				UPDATE run_steps SET status = ?, started_at = CURRENT_TIMESTAMP
				WHERE run_id = ? AND idx = ? AND status = ?;
			`, to, runID, idx, from)
		default:
			res, err = tx.ExecContext(ctx, `
				UPDATE run_steps SET status = ?, output_json = ?, error = ?, finished_at = CURRENT_TIMESTAMP
				WHERE run_id = ? AND idx = ? AND status = ?;
			`, to, outValue, stepErr, runID, idx, from)
		}
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("step rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("step %s -> %s not applied for run %s idx %d", from, to, runID, idx)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET heartbeat_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, runID); err != nil {
			return fmt.Errorf("heartbeat on step edge: %w", err)
		}

		payload := fmt.Sprintf(`{"idx":%d,"kind":%q}`, idx, kind)
		if stepErr != "" {
			payload = fmt.Sprintf(`{"idx":%d,"kind":%q,"error":%q}`, idx, kind, stepErr)
		}
		ev, err = s.appendEventTx(ctx, tx, eventType, conversationID, runID, payload)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit step tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishEvents(ev)
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, message_id, status, phase, summary, error,
			planner_backend, requires_confirmation, heartbeat_at, created_at, updated_at
		FROM runs WHERE id = ?;
	`, runID)
	run, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, faults.NotFound("run %s not found", runID)
		}
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	steps, err := s.ListRunSteps(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	run.Steps = steps
	return run, nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, idx, kind, status, input_json, output_json, error, started_at, finished_at
		FROM run_steps
		WHERE run_id = ?
		ORDER BY idx ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run steps: %w", err)
	}
	defer rows.Close()

	var out []RunStep
	for rows.Next() {
		var st RunStep
		var input, output string
		var started, finished sql.NullTime
		if err := rows.Scan(&st.RunID, &st.Idx, &st.Kind, &st.Status, &input, &output, &st.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run step: %w", err)
		}
		st.Input = json.RawMessage(input)
		st.Output = json.RawMessage(output)
		if started.Valid {
			t := started.Time
			st.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			st.FinishedAt = &t
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run steps rows: %w", err)
	}
	return out, nil
}

// ActiveRun returns the conversation's running run, or nil when there is none.
func (s *Store) ActiveRun(ctx context.Context, conversationID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, message_id, status, phase, summary, error,
			planner_backend, requires_confirmation, heartbeat_at, created_at, updated_at
		FROM runs WHERE conversation_id = ? AND status = ? LIMIT 1;
	`, conversationID, RunStatusRunning)
	run, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active run: %w", err)
	}
	return &run, nil
}

// RunningRuns returns every run with coarse status running, used at startup
// to reconcile the in-memory activity registry and by the watchdog sweep.
func (s *Store) RunningRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, status, phase, summary, error,
			planner_backend, requires_confirmation, heartbeat_at, created_at, updated_at
		FROM runs WHERE status = ? ORDER BY created_at ASC;
	`, RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan running run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("running runs rows: %w", err)
	}
	return out, nil
}

// HeartbeatRun refreshes the watchdog heartbeat for a run still in flight.
func (s *Store) HeartbeatRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET heartbeat_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
	`, runID, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat run: %w", err)
	}
	return nil
}

// FailStaleRuns fails every running run whose heartbeat is older than cutoff,
// except runs halted in confirmation_pending, which wait on the user, not on
// a driver. In-flight steps are marked failed alongside. Returns the runs it
// failed.
func (s *Store) FailStaleRuns(ctx context.Context, olderThan time.Duration) ([]Run, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := s.staleRuns(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var failed []Run
	for _, run := range stale {
		errMsg := fmt.Sprintf("run exceeded %s without progress", olderThan)
		var ev *ProjectEvent
		var transitioned bool
		var fromPhase RunPhase
		err := retryOnBusy(ctx, 5, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin stale run tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			transitioned, fromPhase, _, ev, err = s.transitionRunTx(ctx, tx, run.ID, stalePhases, PhaseFailed,
				EventRunFailed, fmt.Sprintf(`{"error":%q,"watchdog":true}`, errMsg), nil, &errMsg)
			if err != nil {
				return err
			}
			if transitioned {
				if _, err := tx.ExecContext(ctx, `
					UPDATE run_steps SET status = ?, error = 'interrupted', finished_at = CURRENT_TIMESTAMP
					WHERE run_id = ? AND status = ?;
				`, StepFailed, run.ID, StepRunning); err != nil {
					return fmt.Errorf("fail in-flight steps: %w", err)
				}
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit stale run tx: %w", err)
			}
			return nil
		})
		if err != nil {
			return failed, err
		}
		if transitioned {
			if ev != nil {
				s.publishEvents(*ev)
			}
			s.publishRunChange(run.ConversationID, run.ID, fromPhase, PhaseFailed)
			failed = append(failed, run)
		}
	}
	return failed, nil
}

func (s *Store) staleRuns(ctx context.Context, cutoff time.Time) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, status, phase, summary, error,
			planner_backend, requires_confirmation, heartbeat_at, created_at, updated_at
		FROM runs WHERE status = ? AND phase != ? AND heartbeat_at < ?;
	`, RunStatusRunning, PhaseConfirmationPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stale run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale runs rows: %w", err)
	}
	return out, nil
}

// RunCounts reports per-status run totals for the status and metrics surfaces.
func (s *Store) RunCounts(ctx context.Context) (map[RunStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("query run counts: %w", err)
	}
	defer rows.Close()

	out := make(map[RunStatus]int64)
	for rows.Next() {
		var status RunStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run counts rows: %w", err)
	}
	return out, nil
}

func scanRun(scanFn func(dest ...any) error) (Run, error) {
	var run Run
	if err := scanFn(
		&run.ID,
		&run.ConversationID,
		&run.MessageID,
		&run.Status,
		&run.Phase,
		&run.Summary,
		&run.Error,
		&run.PlannerBackend,
		&run.RequiresConfirmation,
		&run.HeartbeatAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return Run{}, err
	}
	return run, nil
}
