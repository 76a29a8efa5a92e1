// Package watcher keeps each open project's retrieval index in step with its
// tree. A poll ticker and fsnotify events funnel into one check: recompute
// the tree signature and, when it drifts from the last indexed one, queue an
// incremental index job behind a cooldown so edit bursts collapse into a
// single job.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/retrieval"
	"github.com/fsnotify/fsnotify"
)

// debounceWindow delays the first check after an fsnotify event so a burst of
// writes lands in one signature computation.
const debounceWindow = 500 * time.Millisecond

// Watcher observes one project root. It never indexes anything itself: all it
// does is decide when to queue a job on the project's indexer.
type Watcher struct {
	logger  *slog.Logger
	indexer *retrieval.Indexer

	interval    time.Duration
	cooldown    time.Duration
	maxFileSize int64

	mu          sync.Mutex
	lastSig     string
	lastEnqueue time.Time
}

func New(logger *slog.Logger, indexer *retrieval.Indexer, cfg config.IndexConfig) *Watcher {
	return &Watcher{
		logger:      logger.With("component", "watcher", "project_id", indexer.Store().Project().ID),
		indexer:     indexer,
		interval:    time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		cooldown:    time.Duration(cfg.CooldownSeconds) * time.Second,
		maxFileSize: cfg.MaxFileSizeBytes,
	}
}

// Check recomputes the tree signature and queues an incremental job when it
// differs from the last successfully indexed one. queued reports whether a
// job went on the queue; retryIn is non-zero when a change was seen but the
// cooldown suppressed it, and says how long until a recheck makes sense.
func (w *Watcher) Check(ctx context.Context) (queued bool, retryIn time.Duration, err error) {
	files, err := retrieval.IndexableFiles(w.indexer.Store().RootPath(), w.maxFileSize)
	if err != nil {
		return false, 0, err
	}
	sig := retrieval.TreeSignature(files)

	w.mu.Lock()
	w.lastSig = sig
	w.mu.Unlock()

	indexed, err := w.indexer.Store().KVGet(ctx, retrieval.KVTreeSignature)
	if err != nil {
		return false, 0, err
	}
	if sig == indexed {
		return false, 0, nil
	}

	w.mu.Lock()
	wait := w.cooldown - time.Since(w.lastEnqueue)
	if wait > 0 {
		w.mu.Unlock()
		return false, wait, nil
	}
	w.lastEnqueue = time.Now()
	w.mu.Unlock()

	job, err := w.indexer.Enqueue(ctx, persistence.IndexIncremental)
	if err != nil {
		return false, 0, err
	}
	w.logger.Info("tree changed, incremental index queued", "job_id", job.ID, "signature", sig)
	return true, 0, nil
}

// Trigger queues a scan immediately, bypassing the cooldown. Serialization
// still happens in the job queue.
func (w *Watcher) Trigger(ctx context.Context, full bool) (persistence.IndexJob, error) {
	kind := persistence.IndexIncremental
	if full {
		kind = persistence.IndexFull
	}
	w.mu.Lock()
	w.lastEnqueue = time.Now()
	w.mu.Unlock()
	return w.indexer.Enqueue(ctx, kind)
}

// Signature returns the most recently computed tree signature.
func (w *Watcher) Signature() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSig
}

// Start watches until ctx is cancelled. Call it in its own goroutine. When
// fsnotify is unavailable the watcher degrades to pure polling.
func (w *Watcher) Start(ctx context.Context) {
	root := w.indexer.Store().RootPath()

	var events chan fsnotify.Event
	var errs chan error
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer func() { _ = fsw.Close() }()
		w.watchDirs(fsw, root)
		events = fsw.Events
		errs = fsw.Errors
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var retryC <-chan time.Time
	runCheck := func() {
		queued, retryIn, err := w.Check(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("tree check failed", "error", err)
			}
			return
		}
		if !queued && retryIn > 0 && retryC == nil {
			retryC = time.After(retryIn)
		}
	}

	// The startup check picks up edits made while the daemon was down.
	runCheck()

	var debounceC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(root, ev) {
				continue
			}
			// Watch directories as they appear so nested edits keep firing.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fsw.Add(ev.Name)
				}
			}
			if debounceC == nil {
				debounceC = time.After(debounceWindow)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("fsnotify error", "error", err)
		case <-debounceC:
			debounceC = nil
			runCheck()
		case <-retryC:
			retryC = nil
			runCheck()
		case <-ticker.C:
			runCheck()
		}
	}
}

// relevant filters events down to ones that can move the signature. Anything
// under a dot directory (the sidecar included) is invisible; removes and
// renames always count because the path can no longer be classified.
func (w *Watcher) relevant(root string, ev fsnotify.Event) bool {
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		return true
	}
	if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
		return true
	}
	return retrieval.IsIndexablePath(rel)
}

// watchDirs registers the root and every non-hidden directory below it.
func (w *Watcher) watchDirs(fsw *fsnotify.Watcher, root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("watch dir failed", "dir", path, "error", err)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("watch registration walk failed", "error", err)
	}
}
