package otel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/foundry/foreman/internal/bus"
)

// BusObserver drains orchestrator activity events into metric instruments
// and a debug-level activity feed. It is the single consumer bridging the
// in-process event feed and OTel, so neither the scheduler nor the pipeline
// needs a metrics handle.
type BusObserver struct {
	sub     *bus.Subscription
	bus     *bus.Bus
	metrics *Metrics
	logger  *slog.Logger

	// phaseStarts tracks open phase attempts for the duration histogram,
	// keyed by requirement id + phase.
	phaseStarts map[string]time.Time
}

// NewBusObserver subscribes to all topics on the bus.
func NewBusObserver(b *bus.Bus, m *Metrics, logger *slog.Logger) *BusObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusObserver{
		sub:         b.Subscribe(""),
		bus:         b,
		metrics:     m,
		logger:      logger,
		phaseStarts: make(map[string]time.Time),
	}
}

// Run consumes events until the context is cancelled.
func (o *BusObserver) Run(ctx context.Context) {
	defer o.bus.Unsubscribe(o.sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.sub.Ch():
			if !ok {
				return
			}
			o.record(ctx, ev)
		}
	}
}

func (o *BusObserver) record(ctx context.Context, ev bus.Event) {
	o.logger.Debug("activity", "topic", ev.Topic, "payload", fmt.Sprintf("%+v", ev.Payload))
	switch ev.Topic {
	case bus.TopicJobStarted:
		o.metrics.JobsActive.Add(ctx, 1)
	case bus.TopicJobCompleted, bus.TopicJobFailed, bus.TopicJobCancelled:
		o.metrics.JobsActive.Add(ctx, -1)
		o.metrics.JobsTotal.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcomeFor(ev.Topic))))
	case bus.TopicJobSkipped:
		o.metrics.JobsTotal.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String("skipped")))
	case bus.TopicPhaseStarted:
		if p, ok := ev.Payload.(bus.PhaseEvent); ok {
			o.metrics.PhaseTransitions.Add(ctx, 1, metric.WithAttributes(AttrPhase.String(p.Phase)))
			o.phaseStarts[p.RequirementID+"/"+p.Phase] = time.Now()
		}
	case bus.TopicPhaseCompleted:
		if p, ok := ev.Payload.(bus.PhaseEvent); ok {
			key := p.RequirementID + "/" + p.Phase
			if started, ok := o.phaseStarts[key]; ok {
				delete(o.phaseStarts, key)
				o.metrics.PhaseDuration.Record(ctx, time.Since(started).Seconds(),
					metric.WithAttributes(AttrPhase.String(p.Phase)))
			}
		}
	case bus.TopicTaskRetrying:
		o.metrics.AgentRetries.Add(ctx, 1)
	case bus.TopicReviewExhausted:
		o.metrics.ReviewExhaustions.Add(ctx, 1)
	case bus.TopicWorktreeFallback:
		o.metrics.WorktreeFallbacks.Add(ctx, 1)
	}
}

func outcomeFor(topic string) string {
	switch topic {
	case bus.TopicJobCompleted:
		return "completed"
	case bus.TopicJobFailed:
		return "failed"
	case bus.TopicJobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
