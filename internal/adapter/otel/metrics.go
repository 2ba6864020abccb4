package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "flowforge"

// Metrics holds all FlowForge metric instruments.
type Metrics struct {
	Transitions       metric.Int64Counter
	AgentAttempts     metric.Int64Counter
	AgentDuration     metric.Float64Histogram
	ApprovalsOpened   metric.Int64Counter
	ApprovalsResolved metric.Int64Counter
	ApprovalsTimedOut metric.Int64Counter
	EscalationsRaised metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Transitions, err = meter.Int64Counter("flowforge.workflow.transitions",
		metric.WithDescription("Number of workflow state transitions applied"))
	if err != nil {
		return nil, err
	}

	m.AgentAttempts, err = meter.Int64Counter("flowforge.agent.attempts",
		metric.WithDescription("Number of agent invocation attempts"))
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("flowforge.agent.duration_seconds",
		metric.WithDescription("Agent invocation duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsOpened, err = meter.Int64Counter("flowforge.approvals.opened",
		metric.WithDescription("Number of approval gates opened"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("flowforge.approvals.resolved",
		metric.WithDescription("Number of approvals resolved by a reviewer"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsTimedOut, err = meter.Int64Counter("flowforge.approvals.timed_out",
		metric.WithDescription("Number of approvals expired by the deadline sweep"))
	if err != nil {
		return nil, err
	}

	m.EscalationsRaised, err = meter.Int64Counter("flowforge.escalations.raised",
		metric.WithDescription("Number of escalation incidents raised"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
