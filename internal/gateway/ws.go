package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/otel"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
)

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	// Event subscription state for events.subscribe.
	subMu      sync.Mutex
	subscribed map[string]int64 // project_id → last forwarded event_id
	busSub     *bus.Subscription
	busCancel  context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// appError maps a fault to the JSON-RPC server error, carrying the kind in
// the data member so clients branch the same way REST clients do.
func appError(err error) *rpcError {
	return &rpcError{
		Code:    ErrCodeServer,
		Message: err.Error(),
		Data:    map[string]any{"kind": faults.KindOf(err)},
	}
}

func invalidParams(msg string) *rpcError {
	return &rpcError{Code: ErrCodeInvalidParams, Message: msg}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.Cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WSConnections.Add(r.Context(), 1)
	}
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.WSConnections.Add(context.Background(), -1)
		}
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) || r.Context().Err() != nil {
				return
			}
			// Malformed frame: report the parse error, then close.
			_ = c.write(r.Context(), rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
			})
			return
		}
		s.logger.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "ws.rpc",
			otel.AttrRPCMethod.String(req.Method))
		defer span.End()
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "project.open":
		var p struct {
			RootPath string `json:"root_path"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || strings.TrimSpace(p.RootPath) == "" {
			rpcErr = invalidParams("root_path is required")
			break
		}
		project, err := s.openProject(ctx, p.RootPath)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		result = map[string]any{"project": project}
	case "project.list":
		result = map[string]any{"projects": s.cfg.Registry.Projects()}
	case "message.send":
		var p struct {
			ConversationID string `json:"conversation_id"`
			Content        string `json:"content"`
			StartRun       bool   `json:"start_run"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ConversationID == "" {
			rpcErr = invalidParams("conversation_id is required")
			break
		}
		store, _, err := s.findConversation(ctx, p.ConversationID)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		msg, run, err := s.cfg.Engine.Submit(ctx, store, p.ConversationID, p.Content, p.StartRun)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		res := map[string]any{"message": msg}
		if run != nil {
			res["run_id"] = run.ID
		}
		result = res
	case "run.get":
		var p struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RunID == "" {
			rpcErr = invalidParams("run_id is required")
			break
		}
		store, run, err := s.findRun(ctx, p.RunID)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		result = s.runDetail(ctx, store, run)
	case "run.apply", "run.discard", "run.cancel":
		var p struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RunID == "" {
			rpcErr = invalidParams("run_id is required")
			break
		}
		store, _, err := s.findRun(ctx, p.RunID)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		var run persistence.Run
		switch req.Method {
		case "run.apply":
			run, err = s.cfg.Engine.Apply(ctx, store, p.RunID)
		case "run.discard":
			run, err = s.cfg.Engine.Discard(ctx, store, p.RunID)
		case "run.cancel":
			run, err = s.cfg.Engine.Cancel(ctx, store, p.RunID)
		}
		if err != nil {
			rpcErr = appError(err)
			break
		}
		result = map[string]any{"run": run}
	case "search.query":
		var p struct {
			ProjectID string `json:"project_id"`
			Query     string `json:"query"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ProjectID == "" || strings.TrimSpace(p.Query) == "" {
			rpcErr = invalidParams("project_id and query are required")
			break
		}
		store, err := s.storeForProject(p.ProjectID)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		if p.Limit <= 0 || p.Limit > 100 {
			p.Limit = 10
		}
		hits, err := s.indexerFor(store).Search(ctx, p.Query, p.Limit)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		result = map[string]any{"hits": hits}
	case "index.scan":
		var p struct {
			ProjectID string `json:"project_id"`
			Full      bool   `json:"full"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ProjectID == "" {
			rpcErr = invalidParams("project_id is required")
			break
		}
		if s.cfg.Watcher == nil {
			rpcErr = appError(faults.Internal("background indexing is not running"))
			break
		}
		job, err := s.cfg.Watcher.Trigger(ctx, p.ProjectID, p.Full)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		result = map[string]any{"job": job}
	case "events.subscribe":
		var p struct {
			ProjectID string `json:"project_id"`
			SinceID   int64  `json:"since_id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ProjectID == "" {
			rpcErr = invalidParams("project_id is required")
			break
		}
		store, err := s.storeForProject(p.ProjectID)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		events, err := store.ListEventsSince(ctx, p.SinceID, maxReplayEventsPerSubscribe+1)
		if err != nil {
			rpcErr = appError(err)
			break
		}
		if len(events) > maxReplayEventsPerSubscribe {
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "system.backpressure",
				Params: map[string]any{
					"project_id": p.ProjectID,
					"reason":     "replay_window_too_large",
					"max_events": maxReplayEventsPerSubscribe,
				},
			})
			_ = c.conn.Close(websocket.StatusPolicyViolation, "backpressure")
			return nil
		}
		lastID := p.SinceID
		for _, ev := range events {
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "project.event",
				Params:  eventParams(p.ProjectID, ev),
			})
			if ev.EventID > lastID {
				lastID = ev.EventID
			}
		}
		// Register for live forwarding via the bus.
		s.subscribeClientToProject(c, p.ProjectID, lastID)
		result = map[string]any{
			"subscribed":      true,
			"replayed":        len(events),
			"latest_event_id": lastID,
		}
	case "planner.health":
		if s.cfg.Planner == nil {
			result = map[string]any{"backends": []any{}}
			break
		}
		result = map[string]any{"backends": s.cfg.Planner.Health(ctx)}
	case "system.status":
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		st := s.cfg.Engine.Status()
		result = map[string]any{
			"healthy":      true,
			"projects":     len(s.cfg.Registry.Stores()),
			"active_runs":  st.ActiveRuns,
			"last_error":   st.LastError,
			"memory_alloc": mem.Alloc,
			"config_hash":  s.cfg.Cfg.Fingerprint(),
			"version":      s.cfg.Version,
			"time_unix":    time.Now().Unix(),
		}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func eventParams(projectID string, ev persistence.ProjectEvent) map[string]any {
	return map[string]any{
		"project_id":      projectID,
		"event_id":        ev.EventID,
		"type":            ev.Type,
		"conversation_id": ev.ConversationID,
		"run_id":          ev.RunID,
		"payload":         ev.Payload,
		"created_at":      ev.CreatedAt,
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	// Clean up bus subscription for event forwarding.
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// subscribeClientToProject registers a WS client for live event push on a
// project. On the first subscription it starts a bus listener goroutine that
// forwards new project events to the client's connection.
func (s *Server) subscribeClientToProject(c *client, projectID string, lastEventID int64) {
	if s.cfg.Bus == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subscribed == nil {
		c.subscribed = make(map[string]int64)
	}
	c.subscribed[projectID] = lastEventID

	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe("project.")
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardProjectEvents(busCtx, c)
	}
}

// forwardProjectEvents reads project event notifications from the bus and
// pushes anything newer than the client's high-water mark. The store is
// re-queried on every wake, so a dropped bus message never loses an event.
func (s *Server) forwardProjectEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.ProjectEventMsg)
			if !ok {
				continue
			}

			c.subMu.Lock()
			lastID, subscribed := c.subscribed[msg.ProjectID]
			c.subMu.Unlock()
			if !subscribed {
				continue
			}

			store, ok := s.cfg.Registry.Get(msg.ProjectID)
			if !ok {
				continue
			}
			events, err := store.ListEventsSince(ctx, lastID, 100)
			if err != nil || len(events) == 0 {
				continue
			}

			var maxSent int64
			for _, pe := range events {
				_ = c.write(ctx, rpcResponse{
					JSONRPC: "2.0",
					Method:  "project.event",
					Params:  eventParams(msg.ProjectID, pe),
				})
				if pe.EventID > maxSent {
					maxSent = pe.EventID
				}
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.EventsForwarded.Add(ctx, int64(len(events)))
			}

			// Bump the high-water mark so events are not re-sent.
			if maxSent > 0 {
				c.subMu.Lock()
				if maxSent > c.subscribed[msg.ProjectID] {
					c.subscribed[msg.ProjectID] = maxSent
				}
				c.subMu.Unlock()
			}
		}
	}
}
