package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/google/uuid"
)

// Message part types (closed union). Anything else is rejected at append.
const (
	PartFileContext = "file_context"
	PartEdit        = "edit"
	PartOutputFile  = "output_file"
	PartRename      = "rename"
	PartDelete      = "delete"
	PartCellChange  = "cell_change"
)

// MessagePart is one structured attachment on a message. Which fields are
// meaningful depends on Type: edits and output files carry Path (+Content),
// renames carry Path and To, file_context carries Path and Title.
type MessagePart struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	To      string `json:"to,omitempty"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Seq            int64         `json:"seq"`
	Role           string        `json:"role"`
	Content        string        `json:"content"`
	Parts          []MessagePart `json:"parts"`
	ParentID       string        `json:"parent_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

func validatePart(p MessagePart) error {
	switch p.Type {
	case PartFileContext, PartEdit, PartOutputFile, PartRename, PartDelete, PartCellChange:
		return nil
	default:
		return faults.Validation("unknown message part type %q", p.Type)
	}
}

// AppendMessage inserts a message with the next per-conversation sequence
// number and records the append in the event log, all in one transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, parts []MessagePart) (Message, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "user", "assistant", "system":
	default:
		return Message{}, faults.Validation("invalid message role %q", role)
	}
	if strings.TrimSpace(content) == "" && len(parts) == 0 {
		return Message{}, faults.Validation("message content required")
	}
	for _, p := range parts {
		if err := validatePart(p); err != nil {
			return Message{}, err
		}
	}
	if parts == nil {
		parts = []MessagePart{}
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return Message{}, fmt.Errorf("marshal message parts: %w", err)
	}

	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Parts:          parts,
		CreatedAt:      time.Now().UTC(),
	}

	var ev ProjectEvent
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?;`, conversationID).Scan(&exists); err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		if exists == 0 {
			return faults.NotFound("conversation %s not found", conversationID)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?;
		`, conversationID).Scan(&msg.Seq); err != nil {
			return fmt.Errorf("next message seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, content, parts_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, msg.ID, msg.ConversationID, msg.Seq, msg.Role, msg.Content, string(partsJSON), msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_at = ? WHERE id = ?;
		`, msg.CreatedAt, conversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		ev, err = s.appendEventTx(ctx, tx, EventMessageAppended, conversationID, "",
			fmt.Sprintf(`{"message_id":%q,"role":%q,"seq":%d}`, msg.ID, msg.Role, msg.Seq))
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append message tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	s.publishEvents(ev)
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, seq, role, content, parts_json, COALESCE(parent_id, ''), created_at
		FROM messages WHERE id = ?;
	`, id)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, faults.NotFound("message %s not found", id)
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, role, content, parts_json, COALESCE(parent_id, ''), created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
		LIMIT ?;
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages rows: %w", err)
	}
	return out, nil
}

// AmendMessageParts replaces the parts of a message. Messages are otherwise
// immutable; only the run that owns an assistant message amends it, when a
// change set is staged or applied.
func (s *Store) AmendMessageParts(ctx context.Context, messageID string, parts []MessagePart) error {
	for _, p := range parts {
		if err := validatePart(p); err != nil {
			return err
		}
	}
	if parts == nil {
		parts = []MessagePart{}
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET parts_json = ? WHERE id = ?;`, string(partsJSON), messageID)
	if err != nil {
		return fmt.Errorf("amend message parts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("amend rows affected: %w", err)
	}
	if affected == 0 {
		return faults.NotFound("message %s not found", messageID)
	}
	return nil
}

func scanMessage(scanFn func(dest ...any) error) (Message, error) {
	var msg Message
	var partsJSON string
	if err := scanFn(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content, &partsJSON, &msg.ParentID, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
		return Message{}, fmt.Errorf("decode message parts: %w", err)
	}
	return msg, nil
}
