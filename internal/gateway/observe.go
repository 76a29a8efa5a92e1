package gateway

import (
	"context"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/persistence"
)

// observeBus turns the project event firehose into OTel counters. Counting
// happens here rather than inside the engine so the instruments see every
// store that publishes through the shared bus, including index jobs the
// watcher runs on its own.
func (s *Server) observeBus(ctx context.Context) {
	m := s.cfg.Metrics
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.observerSub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.ProjectEventMsg)
			if !ok {
				continue
			}
			switch msg.Type {
			case persistence.EventRunCreated:
				m.RunsStarted.Add(ctx, 1)
				m.ActiveRuns.Add(ctx, 1)
			case persistence.EventRunCompleted:
				m.RunsCompleted.Add(ctx, 1)
				m.ActiveRuns.Add(ctx, -1)
			case persistence.EventRunFailed:
				m.RunsFailed.Add(ctx, 1)
				m.ActiveRuns.Add(ctx, -1)
			case persistence.EventRunCancelled:
				m.ActiveRuns.Add(ctx, -1)
			case persistence.EventRunStepCompleted, persistence.EventRunStepFailed:
				m.StepsExecuted.Add(ctx, 1)
			case persistence.EventIndexJobCompleted, persistence.EventIndexJobFailed:
				m.IndexJobs.Add(ctx, 1)
			}
		}
	}
}
