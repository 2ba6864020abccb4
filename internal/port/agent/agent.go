// Package agent defines the Agent Contract port: the uniform interface every
// pluggable unit of work implements.
package agent

import (
	"context"
	"encoding/json"
)

// Invocation carries everything an agent needs for one task. Agents are
// stateless per invocation; all durable state lives in the context blob and
// in the execution record.
type Invocation struct {
	RequestID string         `json:"request_id"`
	AgentID   string         `json:"agent_id"`
	Task      string         `json:"task"`
	Attempt   int            `json:"attempt"`
	Context   map[string]any `json:"context"`
}

// Result is the structured outcome of one invocation. Retryable
// distinguishes transient failures (retried by policy) from permanent ones
// (escalated immediately). NextAgent/NextTask are advisory routing hints the
// engine validates against the fixed transition table before acting on.
type Result struct {
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable"`
	NextAgent string          `json:"next_agent,omitempty"`
	NextTask  string          `json:"next_task,omitempty"`
}

// Agent is the port interface for one unit of work. Implementations must be
// idempotent with respect to identical context input when retried.
type Agent interface {
	// Name returns the unique identifier for this agent (e.g. "retrieval").
	Name() string

	// Execute runs one task and returns the structured result. A non-nil
	// error indicates the agent itself could not run (treated as a transient,
	// retryable failure); domain-level failure is reported in the Result.
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}
