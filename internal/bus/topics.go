package bus

import "encoding/json"

// Project event topics. The project id is appended so consumers can
// subscribe to one project's stream with TopicProjectEvents(id) or to
// everything with the bare "project." prefix.
const (
	topicProjectPrefix = "project."

	TopicIndexJobChanged = "index.job_changed"
	TopicRunChanged      = "run.state_changed"
)

// TopicProjectEvents returns the live-stream topic for one project.
func TopicProjectEvents(projectID string) string {
	return topicProjectPrefix + projectID + ".events"
}

// ProjectEventMsg mirrors one appended row of a project's event log.
// EventID carries the log position so stream consumers can detect drops
// and fall back to replay.
type ProjectEventMsg struct {
	ProjectID      string          `json:"project_id"`
	EventID        int64           `json:"event_id"`
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

// RunChangedEvent is published when a run changes phase.
type RunChangedEvent struct {
	ProjectID      string // Owning project
	ConversationID string // Owning conversation
	RunID          string // Run that changed
	OldPhase       string // Previous phase
	NewPhase       string // New phase
}

// IndexJobChangedEvent is published when an index job starts or finishes.
type IndexJobChangedEvent struct {
	ProjectID string // Owning project
	JobID     string // Index job id
	Status    string // queued, running, completed, failed
}
