package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/google/uuid"
)

type Project struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	RootPath             string    `json:"root_path"`
	ActiveConversationID string    `json:"active_conversation_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastOpenedAt         time.Time `json:"last_opened_at"`
}

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

type Conversation struct {
	ID            string             `json:"id"`
	ProjectID     string             `json:"project_id"`
	Title         string             `json:"title"`
	Status        ConversationStatus `json:"status"`
	Pinned        bool               `json:"pinned"`
	Summary       string             `json:"summary,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	LastMessageAt *time.Time         `json:"last_message_at,omitempty"`
}

// Project returns the cached project row loaded at bootstrap.
func (s *Store) Project() Project {
	return s.project
}

// RootPath is the canonical project root this sidecar belongs to.
func (s *Store) RootPath() string {
	return s.rootPath
}

// Bootstrap ensures the singleton project row exists, refreshes its root path
// (the folder may have been moved since the sidecar was written), and creates
// the default conversation when the project has none. Returns true when the
// project row was created for the first time.
func (s *Store) Bootstrap(ctx context.Context, name, rootPath string) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin bootstrap tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var p Project
	var active sql.NullString
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, root_path, active_conversation_id, created_at, last_opened_at
		FROM project LIMIT 1;
	`)
	switch err := row.Scan(&p.ID, &p.Name, &p.RootPath, &active, &p.CreatedAt, &p.LastOpenedAt); {
	case errors.Is(err, sql.ErrNoRows):
		p = Project{
			ID:           uuid.NewString(),
			Name:         name,
			RootPath:     rootPath,
			CreatedAt:    time.Now().UTC(),
			LastOpenedAt: time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project (id, name, root_path, created_at, last_opened_at)
			VALUES (?, ?, ?, ?, ?);
		`, p.ID, p.Name, p.RootPath, p.CreatedAt, p.LastOpenedAt); err != nil {
			return false, fmt.Errorf("insert project: %w", err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("read project row: %w", err)
	default:
		p.ActiveConversationID = active.String
		p.RootPath = rootPath
		p.LastOpenedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE project SET root_path = ?, last_opened_at = ? WHERE id = ?;
		`, p.RootPath, p.LastOpenedAt, p.ID); err != nil {
			return false, fmt.Errorf("update project row: %w", err)
		}
	}
	s.project = p
	s.rootPath = rootPath

	var convCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations;`).Scan(&convCount); err != nil {
		return false, fmt.Errorf("count conversations: %w", err)
	}

	var pending []ProjectEvent
	if convCount == 0 {
		conv := Conversation{
			ID:        uuid.NewString(),
			ProjectID: p.ID,
			Title:     "General",
			Status:    ConversationActive,
			CreatedAt: time.Now().UTC(),
		}
		if err := insertConversationTx(ctx, tx, conv); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE project SET active_conversation_id = ? WHERE id = ?;`, conv.ID, p.ID); err != nil {
			return false, fmt.Errorf("set active conversation: %w", err)
		}
		s.project.ActiveConversationID = conv.ID
		ev, err := s.appendEventTx(ctx, tx, EventConversationCreated, conv.ID, "",
			fmt.Sprintf(`{"title":%q}`, conv.Title))
		if err != nil {
			return false, err
		}
		pending = append(pending, ev)
	}

	ev, err := s.appendEventTx(ctx, tx, EventProjectOpened, "", "",
		fmt.Sprintf(`{"root_path":%q,"created":%t}`, rootPath, created))
	if err != nil {
		return false, err
	}
	pending = append(pending, ev)

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit bootstrap tx: %w", err)
	}
	s.publishEvents(pending...)
	return created, nil
}

func (s *Store) SetActiveConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE project SET active_conversation_id = ?
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = ?);
	`, conversationID, conversationID)
	if err != nil {
		return fmt.Errorf("set active conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("active conversation rows affected: %w", err)
	}
	if affected == 0 {
		return faults.NotFound("conversation %s not found", conversationID)
	}
	s.project.ActiveConversationID = conversationID
	return nil
}

func insertConversationTx(ctx context.Context, tx *sql.Tx, conv Conversation) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, status, pinned, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, conv.ID, conv.Title, conv.Status, conv.Pinned, conv.CreatedAt); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	if title == "" {
		return Conversation{}, faults.Validation("conversation title required")
	}
	conv := Conversation{
		ID:        uuid.NewString(),
		ProjectID: s.project.ID,
		Title:     title,
		Status:    ConversationActive,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("begin create conversation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertConversationTx(ctx, tx, conv); err != nil {
		return Conversation{}, err
	}
	ev, err := s.appendEventTx(ctx, tx, EventConversationCreated, conv.ID, "",
		fmt.Sprintf(`{"title":%q}`, conv.Title))
	if err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("commit create conversation tx: %w", err)
	}
	s.publishEvents(ev)
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, pinned, summary, created_at, last_message_at
		FROM conversations WHERE id = ?;
	`, id)
	conv, err := scanConversation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, faults.NotFound("conversation %s not found", id)
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conv.ProjectID = s.project.ID
	return conv, nil
}

// ListConversations returns active conversations pinned-first, most recent
// activity next. Archived conversations are included only when asked for.
func (s *Store) ListConversations(ctx context.Context, includeArchived bool) ([]Conversation, error) {
	query := `
		SELECT id, title, status, pinned, summary, created_at, last_message_at
		FROM conversations
	`
	if !includeArchived {
		query += ` WHERE status = 'active'`
	}
	query += ` ORDER BY pinned DESC, COALESCE(last_message_at, created_at) DESC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.ProjectID = s.project.ID
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversations rows: %w", err)
	}
	return out, nil
}

func scanConversation(scanFn func(dest ...any) error) (Conversation, error) {
	var conv Conversation
	var summary sql.NullString
	var lastMessage sql.NullTime
	if err := scanFn(&conv.ID, &conv.Title, &conv.Status, &conv.Pinned, &summary, &conv.CreatedAt, &lastMessage); err != nil {
		return Conversation{}, err
	}
	conv.Summary = summary.String
	if lastMessage.Valid {
		t := lastMessage.Time
		conv.LastMessageAt = &t
	}
	return conv, nil
}
