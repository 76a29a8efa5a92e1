// Package gateway is the local request surface: a JSON REST API under
// /api/v1, a JSON-RPC WebSocket at /ws, and a per-project SSE event
// stream. All state lives in the per-project sidecar stores; the gateway
// resolves which store a request addresses and delegates to the engine,
// watcher, and planner it was wired with.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/engine"
	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/otel"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/planner"
	"github.com/atticlabs/go-loft/internal/retrieval"
	"github.com/atticlabs/go-loft/internal/watcher"
	"github.com/atticlabs/go-loft/internal/worktree"
	"go.opentelemetry.io/otel/trace"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeServer         = -32000

	maxReplayEventsPerSubscribe = 256
	maxRequestBytes             = 10 * 1024 * 1024
)

// Config carries the wired subsystems. Watcher, Planner, Bus, Tracer, and
// Metrics may be nil; the endpoints that need them degrade or report
// accordingly.
type Config struct {
	Logger   *slog.Logger
	Cfg      config.Config
	Registry *persistence.Registry
	Engine   *engine.Engine
	Watcher  *watcher.Manager
	Planner  *planner.Chain
	Bus      *bus.Bus

	Tracer  trace.Tracer
	Metrics *otel.Metrics

	Version string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	observerSub    *bus.Subscription
	observerCancel context.CancelFunc
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
	if cfg.Bus != nil && cfg.Metrics != nil {
		s.observerSub = cfg.Bus.Subscribe("")
		var obsCtx context.Context
		obsCtx, s.observerCancel = context.WithCancel(context.Background())
		go s.observeBus(obsCtx)
	}
	return s
}

// Close stops the metrics observer. WS clients close with their connections.
func (s *Server) Close() {
	if s.observerCancel != nil {
		s.observerCancel()
	}
	if s.observerSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(s.observerSub)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/ws", s.handleWS)

	// REST API endpoints.
	mux.HandleFunc("/api/v1/projects", s.handleProjects)
	mux.HandleFunc("/api/v1/projects/open", s.handleProjectOpen)
	mux.HandleFunc("/api/v1/projects/", s.handleProjectSubtree)
	mux.HandleFunc("/api/v1/conversations/", s.handleConversationSubtree)
	mux.HandleFunc("/api/v1/runs/", s.handleRunSubtree)
	mux.HandleFunc("/api/v1/index-jobs/", s.handleIndexJobByID)
	mux.HandleFunc("/api/v1/planner/health", s.handlePlannerHealth)

	var h http.Handler = mux
	h = s.timeRequests(h)
	h = corsMiddleware(s.cfg.Cfg.AllowOrigins)(h)
	h = requestSizeLimit(maxRequestBytes)(h)
	return h
}

func (s *Server) timeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders a fault as its mapped status with a JSON envelope so
// clients can branch on the kind without parsing messages.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, faults.HTTPStatus(err), map[string]any{
		"error": err.Error(),
		"kind":  faults.KindOf(err),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// --- store resolution ---

func (s *Server) storeForProject(projectID string) (*persistence.Store, error) {
	store, ok := s.cfg.Registry.Get(projectID)
	if !ok {
		return nil, faults.NotFound("project %s is not open", projectID)
	}
	return store, nil
}

// findConversation locates the open store holding a conversation. Row ids are
// UUIDs, so scanning the handful of open sidecars is unambiguous.
func (s *Server) findConversation(ctx context.Context, conversationID string) (*persistence.Store, persistence.Conversation, error) {
	for _, store := range s.cfg.Registry.Stores() {
		conv, err := store.GetConversation(ctx, conversationID)
		if err == nil {
			return store, conv, nil
		}
		if !faults.Is(err, faults.KindNotFound) {
			return nil, persistence.Conversation{}, err
		}
	}
	return nil, persistence.Conversation{}, faults.NotFound("conversation %s not found in any open project", conversationID)
}

func (s *Server) findRun(ctx context.Context, runID string) (*persistence.Store, persistence.Run, error) {
	for _, store := range s.cfg.Registry.Stores() {
		run, err := store.GetRun(ctx, runID)
		if err == nil {
			return store, run, nil
		}
		if !faults.Is(err, faults.KindNotFound) {
			return nil, persistence.Run{}, err
		}
	}
	return nil, persistence.Run{}, faults.NotFound("run %s not found in any open project", runID)
}

func (s *Server) findIndexJob(ctx context.Context, jobID string) (persistence.IndexJob, error) {
	for _, store := range s.cfg.Registry.Stores() {
		job, err := store.GetIndexJob(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !faults.Is(err, faults.KindNotFound) {
			return persistence.IndexJob{}, err
		}
	}
	return persistence.IndexJob{}, faults.NotFound("index job %s not found in any open project", jobID)
}

// indexerFor prefers the watcher manager's warm indexer and falls back to a
// standalone one over the same store. The fallback serves searches even when
// background indexing is not running.
func (s *Server) indexerFor(store *persistence.Store) *retrieval.Indexer {
	if s.cfg.Watcher != nil {
		if ix, ok := s.cfg.Watcher.Indexer(store.Project().ID); ok {
			return ix
		}
	}
	return retrieval.NewIndexer(s.logger, store, s.cfg.Cfg.Index)
}

// openProject is the shared open path for REST and WS: open (or reuse) the
// sidecar store, attach background indexing, and fail any runs interrupted by
// a previous shutdown.
func (s *Server) openProject(ctx context.Context, rootPath string) (persistence.Project, error) {
	store, err := s.cfg.Registry.Open(ctx, rootPath)
	if err != nil {
		return persistence.Project{}, err
	}
	if s.cfg.Watcher != nil {
		if _, err := s.cfg.Watcher.Attach(ctx, store); err != nil {
			return persistence.Project{}, fmt.Errorf("attach watcher: %w", err)
		}
	}
	if n, err := s.cfg.Engine.Reconcile(ctx, store); err != nil {
		s.logger.Warn("reconcile on open failed", "project_id", store.Project().ID, "error", err)
	} else if n > 0 {
		s.logger.Info("reconciled interrupted runs", "project_id", store.Project().ID, "count", n)
	}
	return store.Project(), nil
}

// --- REST API handlers ---

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.cfg.Registry.Projects()})
}

func (s *Server) handleProjectOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		RootPath string `json:"root_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.RootPath) == "" {
		writeError(w, faults.Validation("root_path is required"))
		return
	}
	project, err := s.openProject(r.Context(), body.RootPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) handleProjectSubtree(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/projects/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		writeError(w, faults.Validation("project id required"))
		return
	}
	projectID := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	store, err := s.storeForProject(projectID)
	if err != nil {
		writeError(w, err)
		return
	}

	switch rest {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": store.Project()})
	case "conversations":
		s.handleConversations(w, r, store)
	case "index":
		s.handleIndex(w, r, store)
	case "search":
		s.handleSearch(w, r, store)
	case "events":
		s.handleEvents(w, r, store)
	case "events/stream":
		s.handleEventStream(w, r, store)
	default:
		writeError(w, faults.NotFound("no such project resource: %s", rest))
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, store *persistence.Store) {
	switch r.Method {
	case http.MethodGet:
		includeArchived := r.URL.Query().Get("include_archived") == "true"
		convs, err := store.ListConversations(r.Context(), includeArchived)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	case http.MethodPost:
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, faults.Validation("invalid request body"))
			return
		}
		conv, err := store.CreateConversation(r.Context(), body.Title)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"conversation": conv})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConversationSubtree(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// Path: /api/v1/conversations/{id}/messages
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] != "messages" {
		writeError(w, faults.Validation("expected /api/v1/conversations/{id}/messages"))
		return
	}
	conversationID := parts[0]

	store, _, err := s.findConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit := queryInt(r, "limit", 0)
		msgs, err := store.ListMessages(r.Context(), conversationID, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	case http.MethodPost:
		var body struct {
			Content  string `json:"content"`
			StartRun bool   `json:"start_run"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, faults.Validation("invalid request body"))
			return
		}
		msg, run, err := s.cfg.Engine.Submit(r.Context(), store, conversationID, body.Content, body.StartRun)
		if err != nil {
			writeError(w, err)
			return
		}
		payload := map[string]any{"message": msg}
		if run != nil {
			payload["run_id"] = run.ID
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunSubtree(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		writeError(w, faults.Validation("run id required"))
		return
	}
	runID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	store, run, err := s.findRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.runDetail(r.Context(), store, run))
	case "apply", "discard", "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var out persistence.Run
		switch action {
		case "apply":
			out, err = s.cfg.Engine.Apply(r.Context(), store, runID)
		case "discard":
			out, err = s.cfg.Engine.Discard(r.Context(), store, runID)
		case "cancel":
			out, err = s.cfg.Engine.Cancel(r.Context(), store, runID)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": out})
	default:
		writeError(w, faults.NotFound("no such run action: %s", action))
	}
}

// runDetail renders a run plus its event trail, and the staged change set
// while the run is awaiting confirmation.
func (s *Server) runDetail(ctx context.Context, store *persistence.Store, run persistence.Run) map[string]any {
	detail := map[string]any{"run": run}
	if events, err := store.ListRunEvents(ctx, run.ID); err == nil {
		detail["events"] = events
	}
	if run.Phase == persistence.PhaseConfirmationPending {
		sb := worktree.NewSandbox(s.logger, store, nil, run.ID, 0)
		if cs, err := sb.LoadChangeSet(); err == nil && cs != nil {
			detail["staged_changes"] = cs.Changes
		}
	}
	return detail
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, store *persistence.Store) {
	switch r.Method {
	case http.MethodGet:
		s.handleIndexStatus(w, r, store)
	case http.MethodPost:
		var body struct {
			Full bool `json:"full"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, faults.Validation("invalid request body"))
			return
		}
		if s.cfg.Watcher == nil {
			writeError(w, faults.Internal("background indexing is not running"))
			return
		}
		job, err := s.cfg.Watcher.Trigger(r.Context(), store.Project().ID, body.Full)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request, store *persistence.Store) {
	ctx := r.Context()
	assets, err := store.CountAssets(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	chunks, err := store.CountChunks(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := store.RecentIndexJobs(ctx, queryInt(r, "limit", 10))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assets":      assets,
		"chunks":      chunks,
		"recent_jobs": jobs,
	})
}

func (s *Server) handleIndexJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/index-jobs/")
	if jobID == "" {
		writeError(w, faults.Validation("job id required"))
		return
	}
	job, err := s.findIndexJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, store *persistence.Store) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, faults.Validation("q query parameter is required"))
		return
	}
	limit := queryInt(r, "limit", 10)

	start := time.Now()
	hits, err := s.indexerFor(store).Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SearchDuration.Record(r.Context(), time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

func (s *Server) handlePlannerHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Planner == nil {
		writeJSON(w, http.StatusOK, map[string]any{"backends": []planner.BackendHealth{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": s.cfg.Planner.Health(r.Context())})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	stores := s.cfg.Registry.Stores()
	dbOK := true
	for _, store := range stores {
		if _, err := store.TotalEventCount(ctx); err != nil {
			dbOK = false
			break
		}
	}
	st := s.cfg.Engine.Status()

	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"projects":    len(stores),
		"active_runs": st.ActiveRuns,
		"version":     s.cfg.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := context.Background()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	totals := map[persistence.RunStatus]int64{}
	var eventTotal, assetTotal, chunkTotal int64
	stores := s.cfg.Registry.Stores()
	perProject := make([]map[string]any, 0, len(stores))
	for _, store := range stores {
		counts, _ := store.RunCounts(ctx)
		for status, n := range counts {
			totals[status] += n
		}
		events, _ := store.TotalEventCount(ctx)
		assets, _ := store.CountAssets(ctx)
		chunks, _ := store.CountChunks(ctx)
		eventTotal += events
		assetTotal += assets
		chunkTotal += chunks
		perProject = append(perProject, map[string]any{
			"project_id": store.Project().ID,
			"name":       store.Project().Name,
			"events":     events,
			"assets":     assets,
			"chunks":     chunks,
			"runs":       counts,
		})
	}
	st := s.cfg.Engine.Status()

	payload := map[string]any{
		"open_projects":  len(stores),
		"active_runs":    st.ActiveRuns,
		"runs_running":   totals[persistence.RunStatusRunning],
		"runs_done":      totals[persistence.RunStatusDone],
		"runs_failed":    totals[persistence.RunStatusFailed],
		"runs_cancelled": totals[persistence.RunStatusCancelled],
		"events_total":   eventTotal,
		"assets_total":   assetTotal,
		"chunks_total":   chunkTotal,
		"ws_clients":     s.clientCount(),
		"alloc_bytes":    mem.Alloc,
		"last_error":     st.LastError,
		"projects":       perProject,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := context.Background()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	totals := map[persistence.RunStatus]int64{}
	var eventTotal, assetTotal, chunkTotal int64
	stores := s.cfg.Registry.Stores()
	for _, store := range stores {
		counts, _ := store.RunCounts(ctx)
		for status, n := range counts {
			totals[status] += n
		}
		events, _ := store.TotalEventCount(ctx)
		assets, _ := store.CountAssets(ctx)
		chunks, _ := store.CountChunks(ctx)
		eventTotal += events
		assetTotal += assets
		chunkTotal += chunks
	}
	st := s.cfg.Engine.Status()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP goloft_open_projects Number of open projects.\n")
	fmt.Fprintf(w, "# TYPE goloft_open_projects gauge\n")
	fmt.Fprintf(w, "goloft_open_projects %d\n", len(stores))
	fmt.Fprintf(w, "# HELP goloft_active_runs Runs currently driven by this process.\n")
	fmt.Fprintf(w, "# TYPE goloft_active_runs gauge\n")
	fmt.Fprintf(w, "goloft_active_runs %d\n", st.ActiveRuns)
	fmt.Fprintf(w, "# HELP goloft_runs_running Runs in the running status across projects.\n")
	fmt.Fprintf(w, "# TYPE goloft_runs_running gauge\n")
	fmt.Fprintf(w, "goloft_runs_running %d\n", totals[persistence.RunStatusRunning])
	fmt.Fprintf(w, "# HELP goloft_runs_done_total Runs finished successfully.\n")
	fmt.Fprintf(w, "# TYPE goloft_runs_done_total counter\n")
	fmt.Fprintf(w, "goloft_runs_done_total %d\n", totals[persistence.RunStatusDone])
	fmt.Fprintf(w, "# HELP goloft_runs_failed_total Runs finished in failure.\n")
	fmt.Fprintf(w, "# TYPE goloft_runs_failed_total counter\n")
	fmt.Fprintf(w, "goloft_runs_failed_total %d\n", totals[persistence.RunStatusFailed])
	fmt.Fprintf(w, "# HELP goloft_runs_cancelled_total Runs cancelled by the user or shutdown.\n")
	fmt.Fprintf(w, "# TYPE goloft_runs_cancelled_total counter\n")
	fmt.Fprintf(w, "goloft_runs_cancelled_total %d\n", totals[persistence.RunStatusCancelled])
	fmt.Fprintf(w, "# HELP goloft_events_total Project events across all open projects.\n")
	fmt.Fprintf(w, "# TYPE goloft_events_total counter\n")
	fmt.Fprintf(w, "goloft_events_total %d\n", eventTotal)
	fmt.Fprintf(w, "# HELP goloft_assets_total Indexed assets across all open projects.\n")
	fmt.Fprintf(w, "# TYPE goloft_assets_total gauge\n")
	fmt.Fprintf(w, "goloft_assets_total %d\n", assetTotal)
	fmt.Fprintf(w, "# HELP goloft_chunks_total Indexed chunks across all open projects.\n")
	fmt.Fprintf(w, "# TYPE goloft_chunks_total gauge\n")
	fmt.Fprintf(w, "goloft_chunks_total %d\n", chunkTotal)
	fmt.Fprintf(w, "# HELP goloft_ws_clients Open WebSocket connections.\n")
	fmt.Fprintf(w, "# TYPE goloft_ws_clients gauge\n")
	fmt.Fprintf(w, "goloft_ws_clients %d\n", s.clientCount())
	fmt.Fprintf(w, "# HELP goloft_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE goloft_alloc_bytes gauge\n")
	fmt.Fprintf(w, "goloft_alloc_bytes %d\n", mem.Alloc)
	for _, store := range stores {
		events, err := store.TotalEventCount(ctx)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "goloft_project_events_total{project_id=%q} %d\n", store.Project().ID, events)
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
