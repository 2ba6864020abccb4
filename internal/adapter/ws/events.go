package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Event type constants for WebSocket messages.
const (
	EventWorkflowStatus   = "workflow.status"
	EventWorkflowTerminal = "workflow.terminal"
	EventGateOpened       = "gate.opened"
	EventEscalationRaised = "escalation.raised"
)

// WorkflowStatusEvent is broadcast on every state transition.
type WorkflowStatusEvent struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
	Event     string `json:"event"`
	Seq       int    `json:"seq"`
}

// GateOpenedEvent is broadcast when a request suspends on a human gate.
type GateOpenedEvent struct {
	RequestID  string    `json:"request_id"`
	ApprovalID string    `json:"approval_id"`
	Kind       string    `json:"kind"`
	Deadline   time.Time `json:"deadline"`
}

// EscalationRaisedEvent is broadcast when an incident needs human attention.
type EscalationRaisedEvent struct {
	RequestID    string `json:"request_id"`
	EscalationID string `json:"escalation_id"`
	Cause        string `json:"cause"`
	Severity     string `json:"severity"`
}

// BroadcastEvent marshals a typed event and broadcasts it. The payload's
// request_id field, when present, is lifted into the envelope so per-request
// subscriptions can be matched without clients parsing every payload.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	var ref struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(data, &ref)

	h.Broadcast(ctx, Message{
		Type:      eventType,
		RequestID: ref.RequestID,
		Payload:   json.RawMessage(data),
	})
}
