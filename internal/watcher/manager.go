package watcher

import (
	"context"
	"log/slog"
	"sync"

	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/retrieval"
)

// Manager runs one indexer/watcher pair per open project and hands out the
// indexer for searches. Attach is idempotent per project.
type Manager struct {
	logger *slog.Logger
	cfg    config.IndexConfig

	mu   sync.Mutex
	byID map[string]*projectIndex
}

type projectIndex struct {
	indexer *retrieval.Indexer
	watcher *Watcher
	cancel  context.CancelFunc
}

func NewManager(logger *slog.Logger, cfg config.IndexConfig) *Manager {
	return &Manager{
		logger: logger,
		cfg:    cfg,
		byID:   make(map[string]*projectIndex),
	}
}

// Attach starts background indexing for a project store and returns its
// indexer. Jobs left running by a crashed process are failed first so the
// queue starts clean. Worker lifetimes are bound to the manager, not to the
// caller's ctx.
func (m *Manager) Attach(ctx context.Context, store *persistence.Store) (*retrieval.Indexer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := store.Project().ID
	if pi, ok := m.byID[id]; ok {
		return pi.indexer, nil
	}

	n, err := store.FailInterruptedIndexJobs(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		m.logger.Warn("failed interrupted index jobs", "project_id", id, "count", n)
	}

	ix := retrieval.NewIndexer(m.logger, store, m.cfg)
	wt := New(m.logger, ix, m.cfg)

	runCtx, cancel := context.WithCancel(context.Background())
	go ix.Start(runCtx)
	go wt.Start(runCtx)

	m.byID[id] = &projectIndex{indexer: ix, watcher: wt, cancel: cancel}
	return ix, nil
}

// Indexer returns the indexer attached for a project id.
func (m *Manager) Indexer(projectID string) (*retrieval.Indexer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.byID[projectID]
	if !ok {
		return nil, false
	}
	return pi.indexer, true
}

// Trigger queues a scan for a project, bypassing the watcher cooldown.
func (m *Manager) Trigger(ctx context.Context, projectID string, full bool) (persistence.IndexJob, error) {
	m.mu.Lock()
	pi, ok := m.byID[projectID]
	m.mu.Unlock()
	if !ok {
		return persistence.IndexJob{}, faults.NotFound("project %s is not open", projectID)
	}
	return pi.watcher.Trigger(ctx, full)
}

// Stop cancels every project's workers. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, pi := range m.byID {
		pi.cancel()
		delete(m.byID, id)
	}
}
