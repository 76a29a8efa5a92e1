package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
)

// Closed set of project event types. Consumers may rely on never seeing a
// type outside this list.
const (
	EventProjectOpened          = "project_opened"
	EventConversationCreated    = "conversation_created"
	EventMessageAppended        = "message_appended"
	EventRunCreated             = "run_created"
	EventRunPlanned             = "run_planned"
	EventRunStepStarted         = "run_step_started"
	EventRunStepCompleted       = "run_step_completed"
	EventRunStepFailed          = "run_step_failed"
	EventRunConfirmationPending = "run_confirmation_pending"
	EventRunApplied             = "run_applied"
	EventRunDiscarded           = "run_discarded"
	EventRunCompleted           = "run_completed"
	EventRunFailed              = "run_failed"
	EventRunCancelled           = "run_cancelled"
	EventIndexJobStarted        = "index_job_started"
	EventIndexJobCompleted      = "index_job_completed"
	EventIndexJobFailed         = "index_job_failed"
	EventAssetRegistered        = "asset_registered"
	EventAssetRemoved           = "asset_removed"
)

// ProjectEvent is one row of the append-only per-project log. EventID starts
// at 1 and increases without gaps; (project, event_id) is the identity a
// client resumes from.
type ProjectEvent struct {
	EventID        int64           `json:"event_id"`
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// appendEventTx assigns the next event id inside the caller's transaction.
// MAX+1 rather than AUTOINCREMENT: a rolled-back insert must not burn an id,
// the log is gap-free by construction. Safe because the pool is capped at one
// connection.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, eventType, conversationID, runID, payload string) (ProjectEvent, error) {
	if payload == "" {
		payload = "{}"
	}
	var nextID int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_id), 0) + 1 FROM events;`).Scan(&nextID); err != nil {
		return ProjectEvent{}, fmt.Errorf("next event id: %w", err)
	}
	ev := ProjectEvent{
		EventID:        nextID,
		Type:           eventType,
		ConversationID: conversationID,
		RunID:          runID,
		Payload:        json.RawMessage(payload),
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, type, conversation_id, run_id, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, ev.EventID, ev.Type, conversationID, runID, payload, ev.CreatedAt); err != nil {
		return ProjectEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// AppendEvent writes a single event in its own transaction and publishes it.
func (s *Store) AppendEvent(ctx context.Context, eventType, conversationID, runID, payload string) (ProjectEvent, error) {
	var ev ProjectEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ev, err = s.appendEventTx(ctx, tx, eventType, conversationID, runID, payload)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append event tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return ProjectEvent{}, err
	}
	s.publishEvents(ev)
	return ev, nil
}

// publishEvents fans committed events out to live subscribers. The store is
// the source of truth; a dropped bus message is recovered by replay.
func (s *Store) publishEvents(events ...ProjectEvent) {
	if s.bus == nil {
		return
	}
	for _, ev := range events {
		s.bus.Publish(bus.TopicProjectEvents(s.project.ID), bus.ProjectEventMsg{
			ProjectID:      s.project.ID,
			EventID:        ev.EventID,
			Type:           ev.Type,
			ConversationID: ev.ConversationID,
			RunID:          ev.RunID,
			Payload:        ev.Payload,
			CreatedAt:      ev.CreatedAt.Format(time.RFC3339Nano),
		})
	}
}

// ListEventsSince returns up to limit events with event_id > sinceID in id
// order. sinceID 0 replays from the beginning.
func (s *Store) ListEventsSince(ctx context.Context, sinceID int64, limit int) ([]ProjectEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, type, COALESCE(conversation_id, ''), COALESCE(run_id, ''), payload_json, created_at
		FROM events
		WHERE event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []ProjectEvent
	for rows.Next() {
		var ev ProjectEvent
		var payload string
		if err := rows.Scan(&ev.EventID, &ev.Type, &ev.ConversationID, &ev.RunID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events rows: %w", err)
	}
	return out, nil
}

// ListRunEvents returns every event attributed to a run, oldest first.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]ProjectEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, type, COALESCE(conversation_id, ''), COALESCE(run_id, ''), payload_json, created_at
		FROM events
		WHERE run_id = ?
		ORDER BY event_id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var out []ProjectEvent
	for rows.Next() {
		var ev ProjectEvent
		var payload string
		if err := rows.Scan(&ev.EventID, &ev.Type, &ev.ConversationID, &ev.RunID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run events rows: %w", err)
	}
	return out, nil
}

func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM events;`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
