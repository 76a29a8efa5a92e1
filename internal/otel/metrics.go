package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all GoLoft metrics instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	SearchDuration  metric.Float64Histogram
	RunsStarted     metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsFailed      metric.Int64Counter
	StepsExecuted   metric.Int64Counter
	IndexJobs       metric.Int64Counter
	EventsForwarded metric.Int64Counter
	ActiveRuns      metric.Int64UpDownCounter
	WSConnections   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("goloft.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SearchDuration, err = meter.Float64Histogram("goloft.search.duration",
		metric.WithDescription("Retrieval search duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("goloft.runs.started",
		metric.WithDescription("Runs created"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("goloft.runs.completed",
		metric.WithDescription("Runs finished in the completed phase"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("goloft.runs.failed",
		metric.WithDescription("Runs finished in the failed phase"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsExecuted, err = meter.Int64Counter("goloft.run.steps",
		metric.WithDescription("Run steps finished, completed or failed"),
	)
	if err != nil {
		return nil, err
	}

	m.IndexJobs, err = meter.Int64Counter("goloft.index.jobs",
		metric.WithDescription("Index jobs finished"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsForwarded, err = meter.Int64Counter("goloft.events.forwarded",
		metric.WithDescription("Project events delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("goloft.runs.active",
		metric.WithDescription("Runs currently in a non-terminal phase"),
	)
	if err != nil {
		return nil, err
	}

	m.WSConnections, err = meter.Int64UpDownCounter("goloft.ws.connections",
		metric.WithDescription("Open WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
