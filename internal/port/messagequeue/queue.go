// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the worker dispatch protocol. Task dispatch fans out
// per agent; results come back on a single subject keyed by call ID.
const (
	SubjectTaskDispatch = "workflow.task.dispatch" // workflow.task.dispatch.{agent}
	SubjectTaskResult   = "workflow.task.result"   // workers -> core, keyed by call_id
	SubjectTaskCancel   = "workflow.task.cancel"   // best-effort abandon of in-flight work
)

// TaskDispatchPayload is sent to a remote worker to start one invocation.
type TaskDispatchPayload struct {
	CallID    string         `json:"call_id"`
	RequestID string         `json:"request_id"`
	AgentID   string         `json:"agent_id"`
	Task      string         `json:"task"`
	Attempt   int            `json:"attempt"`
	Context   map[string]any `json:"context"`
}

// TaskResultPayload is returned by a remote worker when an invocation ends.
type TaskResultPayload struct {
	CallID    string `json:"call_id"`
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable"`
	NextAgent string `json:"next_agent,omitempty"`
	NextTask  string `json:"next_task,omitempty"`
}

// TaskCancelPayload tells workers to abandon an in-flight invocation.
type TaskCancelPayload struct {
	CallID    string `json:"call_id"`
	RequestID string `json:"request_id"`
}
