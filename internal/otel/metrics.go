package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all foreman metric instruments.
type Metrics struct {
	JobsActive        metric.Int64UpDownCounter
	JobsTotal         metric.Int64Counter
	PhaseTransitions  metric.Int64Counter
	PhaseDuration     metric.Float64Histogram
	AgentRetries      metric.Int64Counter
	ReviewExhaustions metric.Int64Counter
	WorktreeFallbacks metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobsActive, err = meter.Int64UpDownCounter("foreman.jobs.active",
		metric.WithDescription("Number of jobs currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsTotal, err = meter.Int64Counter("foreman.jobs.total",
		metric.WithDescription("Jobs settled, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseTransitions, err = meter.Int64Counter("foreman.phase.transitions",
		metric.WithDescription("Pipeline phase starts, by phase"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("foreman.phase.duration",
		metric.WithDescription("Wall time of a pipeline phase attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRetries, err = meter.Int64Counter("foreman.agent.retries",
		metric.WithDescription("Agent invocation retries after transient failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewExhaustions, err = meter.Int64Counter("foreman.review.exhaustions",
		metric.WithDescription("Review loops that ran out of attempts without passing"),
	)
	if err != nil {
		return nil, err
	}

	m.WorktreeFallbacks, err = meter.Int64Counter("foreman.worktree.fallbacks",
		metric.WithDescription("Jobs that fell back to the shared working directory"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
