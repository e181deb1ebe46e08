package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics groups the counters the engine data path reports against.
// All recording methods are nil-safe and non-blocking so data-path errors
// can be counted without ever interrupting the pipeline.
type EngineMetrics struct {
	malformedFrames  metric.Int64Counter
	staleTicks       metric.Int64Counter
	ticksApplied     metric.Int64Counter
	fanoutDrops      metric.Int64Counter
	invalidTransits  metric.Int64Counter
	strategyEvicted  metric.Int64Counter
	brokerRetries    metric.Int64Counter
	submitDurationMs metric.Float64Histogram
}

// NewEngineMetrics registers the engine instruments on the global meter.
func NewEngineMetrics() *EngineMetrics {
	meter := otel.Meter("engine")
	m := new(EngineMetrics)
	m.malformedFrames, _ = meter.Int64Counter("engine.feed.malformed_frames",
		metric.WithDescription("Feed frames dropped because they could not be parsed"),
		metric.WithUnit("{frame}"))
	m.staleTicks, _ = meter.Int64Counter("engine.feed.stale_ticks",
		metric.WithDescription("Ticks dropped as duplicates or out-of-order"),
		metric.WithUnit("{tick}"))
	m.ticksApplied, _ = meter.Int64Counter("engine.feed.ticks_applied",
		metric.WithDescription("Ticks accepted into the quote store"),
		metric.WithUnit("{tick}"))
	m.fanoutDrops, _ = meter.Int64Counter("engine.fanout.drops",
		metric.WithDescription("Events dropped because a subscriber buffer overflowed"),
		metric.WithUnit("{event}"))
	m.invalidTransits, _ = meter.Int64Counter("engine.ledger.invalid_transitions",
		metric.WithDescription("Order events dropped for violating the lifecycle state machine"),
		metric.WithUnit("{event}"))
	m.strategyEvicted, _ = meter.Int64Counter("engine.strategy.evictions",
		metric.WithDescription("Strategies unregistered after faults or budget overruns"),
		metric.WithUnit("{strategy}"))
	m.brokerRetries, _ = meter.Int64Counter("engine.broker.retries",
		metric.WithDescription("Broker calls retried after transient failures"),
		metric.WithUnit("{call}"))
	m.submitDurationMs, _ = meter.Float64Histogram("engine.broker.submit_duration",
		metric.WithDescription("Latency of broker order submissions"),
		metric.WithUnit("ms"))
	return m
}

// MalformedFrame counts a frame dropped during parsing.
func (m *EngineMetrics) MalformedFrame(ctx context.Context) {
	if m != nil && m.malformedFrames != nil {
		m.malformedFrames.Add(ctx, 1)
	}
}

// StaleTick counts a duplicate or out-of-order tick.
func (m *EngineMetrics) StaleTick(ctx context.Context, instrument string) {
	if m != nil && m.staleTicks != nil {
		m.staleTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("instrument", instrument)))
	}
}

// TickApplied counts an accepted tick.
func (m *EngineMetrics) TickApplied(ctx context.Context, instrument string) {
	if m != nil && m.ticksApplied != nil {
		m.ticksApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("instrument", instrument)))
	}
}

// FanoutDrop counts an event discarded from a subscriber buffer.
func (m *EngineMetrics) FanoutDrop(ctx context.Context, subscriber string) {
	if m != nil && m.fanoutDrops != nil {
		m.fanoutDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
	}
}

// InvalidTransition counts a dropped order event.
func (m *EngineMetrics) InvalidTransition(ctx context.Context) {
	if m != nil && m.invalidTransits != nil {
		m.invalidTransits.Add(ctx, 1)
	}
}

// StrategyEvicted counts an auto-unregistered strategy.
func (m *EngineMetrics) StrategyEvicted(ctx context.Context, strategy, reason string) {
	if m != nil && m.strategyEvicted != nil {
		m.strategyEvicted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("reason", reason)))
	}
}

// BrokerRetry counts a retried broker call.
func (m *EngineMetrics) BrokerRetry(ctx context.Context, op string) {
	if m != nil && m.brokerRetries != nil {
		m.brokerRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// SubmitDuration records the latency of one broker submission.
func (m *EngineMetrics) SubmitDuration(ctx context.Context, millis float64, result string) {
	if m != nil && m.submitDurationMs != nil {
		m.submitDurationMs.Record(ctx, millis, metric.WithAttributes(attribute.String("result", result)))
	}
}
