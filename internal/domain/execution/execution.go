// Package execution defines the per-attempt ExecutionRecord audit entity and
// the transient run-state an agent occupies while supervised.
package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain"
)

// Outcome is the result of a single agent invocation attempt.
type Outcome string

const (
	OutcomeRetrying Outcome = "retrying" // attempt in flight or failed with retries remaining
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
)

// RunState is the transient state of one supervised agent, visible to the
// orchestrator for liveness inspection. It is not persisted.
type RunState string

const (
	RunStateIdle            RunState = "idle"
	RunStateWorking         RunState = "working"
	RunStateFailed          RunState = "failed"
	RunStateWaitingForHuman RunState = "waiting_for_human"
)

// Record is one agent invocation attempt. Records are appended before the
// attempt starts and finished exactly once; they are never mutated afterwards.
type Record struct {
	ID         string          `json:"id"`
	RequestID  string          `json:"request_id"`
	AgentID    string          `json:"agent_id"`
	Task       string          `json:"task"`
	Attempt    int             `json:"attempt"`
	Outcome    Outcome         `json:"outcome"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Validate checks that a Record has all required fields.
func (r *Record) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required: %w", domain.ErrValidation)
	}
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required: %w", domain.ErrValidation)
	}
	if r.Task == "" {
		return fmt.Errorf("task is required: %w", domain.ErrValidation)
	}
	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be positive: %w", domain.ErrValidation)
	}
	return nil
}
