package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/atticlabs/go-loft/internal/persistence"
)

type eventPage struct {
	Events        []persistence.ProjectEvent `json:"events"`
	LatestEventID int64                      `json:"latest_event_id"`
}

func TestEventsReplay(t *testing.T) {
	h := newHarness(t, answerPlanner{answer: "ok"})
	projectID, _ := h.openProject(t, t.TempDir())

	resp := h.get(t, "/api/v1/projects/"+projectID+"/events?since=0")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var page eventPage
	decodeJSON(t, resp, &page)
	if len(page.Events) == 0 {
		t.Fatal("expected bootstrap events")
	}
	if page.Events[0].EventID != 1 {
		t.Fatalf("first event_id = %d, want 1", page.Events[0].EventID)
	}
	for i := 1; i < len(page.Events); i++ {
		if page.Events[i].EventID != page.Events[i-1].EventID+1 {
			t.Fatalf("event ids not contiguous: %d then %d",
				page.Events[i-1].EventID, page.Events[i].EventID)
		}
	}
	if page.LatestEventID != page.Events[len(page.Events)-1].EventID {
		t.Fatalf("latest_event_id = %d, last replayed = %d",
			page.LatestEventID, page.Events[len(page.Events)-1].EventID)
	}

	// Nothing new past the high-water mark.
	resp = h.get(t, fmt.Sprintf("/api/v1/projects/%s/events?since=%d", projectID, page.LatestEventID))
	var empty eventPage
	decodeJSON(t, resp, &empty)
	if len(empty.Events) != 0 {
		t.Fatalf("events past high-water = %+v, want none", empty.Events)
	}
}

func TestEventsLongPollWakesOnWrite(t *testing.T) {
	h := newHarness(t, answerPlanner{answer: "ok"})
	projectID, convID := h.openProject(t, t.TempDir())

	resp := h.get(t, "/api/v1/projects/"+projectID+"/events?since=0")
	var page eventPage
	decodeJSON(t, resp, &page)

	type pollResult struct {
		page eventPage
		err  error
	}
	done := make(chan pollResult, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("%s/api/v1/projects/%s/events?since=%d&wait=10",
			h.ts.URL, projectID, page.LatestEventID))
		if err != nil {
			done <- pollResult{err: err}
			return
		}
		defer resp.Body.Close()
		var got eventPage
		err = json.NewDecoder(resp.Body).Decode(&got)
		done <- pollResult{page: got, err: err}
	}()

	// Give the poller time to park, then produce an event.
	time.Sleep(100 * time.Millisecond)
	wresp := h.post(t, "/api/v1/conversations/"+convID+"/messages", map[string]any{"content": "wake up"})
	wresp.Body.Close()

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("long poll: %v", got.err)
		}
		if len(got.page.Events) == 0 {
			t.Fatal("long poll returned no events")
		}
		var sawAppend bool
		for _, ev := range got.page.Events {
			if ev.Type == persistence.EventMessageAppended {
				sawAppend = true
			}
			if ev.EventID <= page.LatestEventID {
				t.Fatalf("replayed old event %d", ev.EventID)
			}
		}
		if !sawAppend {
			t.Fatalf("events = %+v, want message_appended", got.page.Events)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long poll never woke")
	}
}

func TestEventsStreamSSE(t *testing.T) {
	h := newHarness(t, answerPlanner{answer: "ok"})
	projectID, convID := h.openProject(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.ts.URL+"/api/v1/projects/"+projectID+"/events/stream?since=0", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		wresp := h.post(t, "/api/v1/conversations/"+convID+"/messages", map[string]any{"content": "streamed"})
		wresp.Body.Close()
	}()

	var lastID int64
	var sawOpen, sawAppend bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			var id int64
			fmt.Sscanf(line, "id: %d", &id)
			if id <= lastID {
				t.Fatalf("stream ids not increasing: %d after %d", id, lastID)
			}
			lastID = id
		case strings.HasPrefix(line, "data: "):
			var ev persistence.ProjectEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("decode stream event: %v", err)
			}
			switch ev.Type {
			case persistence.EventProjectOpened:
				sawOpen = true
			case persistence.EventMessageAppended:
				sawAppend = true
			}
		}
		if sawOpen && sawAppend {
			cancel()
			break
		}
	}
	if !sawOpen || !sawAppend {
		t.Fatalf("stream saw open=%v append=%v", sawOpen, sawAppend)
	}
}

func TestEventsStreamRequiresFlusher(t *testing.T) {
	h := newHarness(t, answerPlanner{answer: "ok"})

	// Unknown project still fails cleanly before streaming starts.
	resp := h.get(t, "/api/v1/projects/nope/events/stream")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
