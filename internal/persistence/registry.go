package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/faults"
	"gopkg.in/yaml.v3"
)

// Sidecar layout inside a project root. The sidecar is the only thing goloft
// ever writes outside a run's approved change set.
const (
	SidecarDirName   = ".loft"
	DBFileName       = "loft.db"
	WorktreesDirName = "worktrees"
	LogsDirName      = "logs"
	mirrorFileName   = "project.yaml"
)

// WorktreesDir is where run worktrees and change-set staging live.
func (s *Store) WorktreesDir() string {
	return filepath.Join(s.sidecarDir, WorktreesDirName)
}

// LogsDir holds per-project log output.
func (s *Store) LogsDir() string {
	return filepath.Join(s.sidecarDir, LogsDirName)
}

// Registry tracks the open per-project stores, keyed by canonical root path
// and by project id. Opening the same folder twice returns the same store.
type Registry struct {
	logger *slog.Logger
	bus    *bus.Bus

	mu     sync.Mutex
	byPath map[string]*Store
	byID   map[string]*Store
}

func NewRegistry(logger *slog.Logger, eventBus *bus.Bus) *Registry {
	return &Registry{
		logger: logger,
		bus:    eventBus,
		byPath: make(map[string]*Store),
		byID:   make(map[string]*Store),
	}
}

// CanonicalRoot resolves a project root to its absolute, symlink-free form.
// The path must name an existing directory.
func CanonicalRoot(rootPath string) (string, error) {
	if rootPath == "" {
		return "", faults.Validation("project root path required")
	}
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return "", faults.Validation("resolve project root %q: %v", rootPath, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", faults.NotFound("project root %s does not exist", abs)
		}
		return "", fmt.Errorf("resolve symlinks for %s: %w", abs, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return "", faults.Validation("project root %s is not a directory", resolved)
	}
	return resolved, nil
}

// Open opens (or creates) the sidecar for a project folder and bootstraps its
// store. Idempotent per canonical path.
func (r *Registry) Open(ctx context.Context, rootPath string) (*Store, error) {
	canonical, err := CanonicalRoot(rootPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if store, ok := r.byPath[canonical]; ok {
		return store, nil
	}

	sidecar := filepath.Join(canonical, SidecarDirName)
	for _, dir := range []string{
		filepath.Join(sidecar, WorktreesDirName),
		filepath.Join(sidecar, LogsDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			if os.IsPermission(err) {
				return nil, faults.PermissionDenied("project root %s is not writable; grant write access to create the %s sidecar", canonical, SidecarDirName)
			}
			return nil, fmt.Errorf("create sidecar directory: %w", err)
		}
	}

	store, err := Open(filepath.Join(sidecar, DBFileName), r.bus)
	if err != nil {
		return nil, fmt.Errorf("open sidecar store: %w", err)
	}
	created, err := store.Bootstrap(ctx, filepath.Base(canonical), canonical)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bootstrap project: %w", err)
	}
	if err := writeProjectMirror(sidecar, store.Project()); err != nil {
		r.logger.Warn("project mirror write failed", "error", err, "project_id", store.Project().ID)
	}

	r.byPath[canonical] = store
	r.byID[store.Project().ID] = store
	r.logger.Info("project opened",
		"project_id", store.Project().ID,
		"root", canonical,
		"created", created)
	return store, nil
}

// Get returns the open store for a project id.
func (r *Registry) Get(projectID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.byID[projectID]
	return store, ok
}

// Stores snapshots the currently open stores.
func (r *Registry) Stores() []*Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Store, 0, len(r.byID))
	for _, store := range r.byID {
		out = append(out, store)
	}
	return out
}

// Projects snapshots the project rows of the open stores.
func (r *Registry) Projects() []Project {
	stores := r.Stores()
	out := make([]Project, 0, len(stores))
	for _, store := range stores {
		out = append(out, store.Project())
	}
	return out
}

func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, store := range r.byID {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close store %s: %w", id, err)
		}
	}
	r.byPath = make(map[string]*Store)
	r.byID = make(map[string]*Store)
	return firstErr
}

type projectMirror struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	RootPath  string `yaml:"root_path"`
	CreatedAt string `yaml:"created_at"`
}

// writeProjectMirror keeps a human-readable copy of the project identity next
// to the database so the sidecar is inspectable without SQL tooling.
func writeProjectMirror(sidecarDir string, p Project) error {
	data, err := yaml.Marshal(projectMirror{
		ID:        p.ID,
		Name:      p.Name,
		RootPath:  p.RootPath,
		CreatedAt: p.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal project mirror: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sidecarDir, mirrorFileName), data, 0o644); err != nil {
		return fmt.Errorf("write project mirror: %w", err)
	}
	return nil
}
