package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
)

// SweepOrphans removes worktree directories left behind by runs that are no
// longer live: crashed drivers, terminal runs whose Dispose failed, or runs
// the store has never heard of. Directories belonging to runs still in flight
// (including confirmation_pending, whose staged change set must stay
// actionable) are left alone. Returns the number of directories removed.
func SweepOrphans(ctx context.Context, logger *slog.Logger, store *persistence.Store) (int, error) {
	root := store.WorktreesDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read worktrees dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		run, err := store.GetRun(ctx, runID)
		switch {
		case faults.Is(err, faults.KindNotFound):
			// Unknown directory; nothing will ever claim it.
		case err != nil:
			return removed, fmt.Errorf("look up run %s: %w", runID, err)
		case run.Status == persistence.RunStatusRunning:
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, runID)); err != nil {
			return removed, fmt.Errorf("remove worktree %s: %w", runID, err)
		}
		logger.Info("swept orphan worktree", "run_id", runID)
		removed++
	}
	return removed, nil
}
