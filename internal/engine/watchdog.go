package engine

import (
	"context"
	"time"
)

// StartWatchdog sweeps every open project for runs whose heartbeat went
// stale, failing them so a wedged driver cannot pin a conversation forever.
// One immediate sweep covers rows inherited from a previous process.
func (e *Engine) StartWatchdog(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepStaleRuns(ctx)
		ticker := time.NewTicker(e.cfg.WatchdogInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweepStaleRuns(ctx)
			}
		}
	}()
}

func (e *Engine) sweepStaleRuns(ctx context.Context) {
	if e.registry == nil {
		return
	}
	for _, store := range e.registry.Stores() {
		failed, err := store.FailStaleRuns(ctx, e.cfg.RunTimeout())
		if err != nil {
			e.setLastError(err)
			e.logger.Warn("stale run sweep failed", "project_id", store.Project().ID, "error", err)
			continue
		}
		for _, run := range failed {
			e.logger.Warn("watchdog failed stale run", "run_id", run.ID, "project_id", store.Project().ID)
		}
	}
}
