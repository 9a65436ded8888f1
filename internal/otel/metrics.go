package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the agentd instrument set.
type Metrics struct {
	TurnsCompleted metric.Int64Counter
	TurnsFailed    metric.Int64Counter
	ToolCalls      metric.Int64Counter
	TokensUsed     metric.Int64Counter
	QueueDepth     metric.Int64UpDownCounter
}

// NewMetrics creates the instrument set from a meter. Works with the
// no-op meter when telemetry is disabled.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnsCompleted, err = meter.Int64Counter("agentd.turns.completed",
		metric.WithDescription("Turns that reached end_turn"),
	)
	if err != nil {
		return nil, err
	}
	m.TurnsFailed, err = meter.Int64Counter("agentd.turns.failed",
		metric.WithDescription("Turns that failed on a backend or storage error"),
	)
	if err != nil {
		return nil, err
	}
	m.ToolCalls, err = meter.Int64Counter("agentd.tool.calls",
		metric.WithDescription("Dispatched tool calls by status"),
	)
	if err != nil {
		return nil, err
	}
	m.TokensUsed, err = meter.Int64Counter("agentd.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}
	m.QueueDepth, err = meter.Int64UpDownCounter("agentd.queue.depth",
		metric.WithDescription("Messages waiting for the turn controller"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
