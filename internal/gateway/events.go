package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/persistence"
)

const (
	maxLongPollWait  = 30 * time.Second
	streamBatchLimit = 500
)

// handleEvents implements GET /api/v1/projects/{id}/events?since=&limit=&wait=.
// It replays events after the since id; with wait>0 and an empty backlog it
// long-polls the bus until an event lands or the wait expires. The replay is
// driven from the store, so a dropped bus wake costs latency, never an event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, store *persistence.Store) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	since := queryInt64(r, "since", 0)
	limit := queryInt(r, "limit", 100)
	wait := time.Duration(queryInt(r, "wait", 0)) * time.Second
	if wait > maxLongPollWait {
		wait = maxLongPollWait
	}

	// Subscribe before the first query so nothing lands in the gap unseen.
	var sub *bus.Subscription
	if wait > 0 && s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe(bus.TopicProjectEvents(store.Project().ID))
		defer s.cfg.Bus.Unsubscribe(sub)
	}

	events, err := store.ListEventsSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(events) == 0 && sub != nil {
		deadline := time.NewTimer(wait)
		defer deadline.Stop()
	poll:
		for {
			select {
			case <-r.Context().Done():
				break poll
			case <-deadline.C:
				break poll
			case _, ok := <-sub.Ch():
				if !ok {
					break poll
				}
				events, err = store.ListEventsSince(r.Context(), since, limit)
				if err != nil {
					writeError(w, err)
					return
				}
				if len(events) > 0 {
					break poll
				}
			}
		}
	}

	latest := since
	for _, ev := range events {
		if ev.EventID > latest {
			latest = ev.EventID
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":          events,
		"latest_event_id": latest,
	})
}

// handleEventStream implements GET /api/v1/projects/{id}/events/stream?since=
// as SSE: replay everything after the since id, then forward live events as
// they are published. Each frame carries the event id so clients can resume
// with Last-Event-ID semantics.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, store *persistence.Store) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.cfg.Bus.Subscribe(bus.TopicProjectEvents(store.Project().ID))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	lastID := queryInt64(r, "since", 0)

	// flush drains everything after lastID to the client. The store is the
	// source of truth; the bus only wakes us.
	flush := func() bool {
		for {
			events, err := store.ListEventsSince(ctx, lastID, streamBatchLimit)
			if err != nil {
				s.logger.Error("sse: list events", "error", err)
				return false
			}
			if len(events) == 0 {
				return true
			}
			for _, ev := range events {
				data, err := json.Marshal(ev)
				if err != nil {
					s.logger.Error("sse: marshal event", "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.EventID, data); err != nil {
					s.logger.Debug("sse: write failed (client disconnected?)", "error", err)
					return false
				}
				if ev.EventID > lastID {
					lastID = ev.EventID
				}
			}
			flusher.Flush()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.EventsForwarded.Add(ctx, int64(len(events)))
			}
			if len(events) < streamBatchLimit {
				return true
			}
		}
	}

	if !flush() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "project_id", store.Project().ID)
			return
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !flush() {
				return
			}
		}
	}
}
