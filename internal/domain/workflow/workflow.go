// Package workflow defines the WorkflowInstance entity and the finite-state
// machine that governs its lifecycle.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain"
)

// State identifies a node in the workflow state machine.
type State string

// Work states: an agent must run.
const (
	StateRequirementsAnalysis State = "requirements_analysis"
	StateQuerySynthesis       State = "query_synthesis"
	StateDataRetrieval        State = "data_retrieval"
	StateQualityAssessment    State = "quality_assessment"
	StateDelivery             State = "delivery"
)

// Gate states: execution is suspended pending human resolution.
const (
	StateRequirementsReview  State = "requirements_review"
	StateQueryReview         State = "query_review"
	StateAccessAuthorization State = "access_authorization"
	StateQualityReview       State = "quality_review"
	StateScopeChangeReview   State = "scope_change_review"
)

// StateEscalated holds the instance while a human picks a remedial action.
const StateEscalated State = "escalated"

// Terminal states: no further transitions accepted.
const (
	StateCompleted State = "completed"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// StateInitial is the state a freshly submitted request enters.
const StateInitial = StateRequirementsAnalysis

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Event identifies a stimulus applied to the state machine.
type Event string

const (
	EventSubmitted            Event = "request.submitted"
	EventAgentSucceeded       Event = "agent.succeeded"
	EventAgentFailed          Event = "agent.failed" // terminal failure after retries
	EventApprovalApproved     Event = "approval.approved"
	EventApprovalModified     Event = "approval.modified"
	EventApprovalRejected     Event = "approval.rejected"
	EventApprovalTimedOut     Event = "approval.timed_out"
	EventScopeChangeRequested Event = "scope_change.requested"
	EventScopeChangeResolved  Event = "scope_change.resolved"
	EventEscalationRetry      Event = "escalation.retry"
	EventEscalationForceFail  Event = "escalation.force_fail"
	EventEscalationForced     Event = "escalation.force_complete"
	EventCancelRequested      Event = "cancel.requested"
)

// HistoryEntry is one append-only audit row: the event that fired and the
// state the instance landed in as a result.
type HistoryEntry struct {
	Seq       int             `json:"seq"`
	State     State           `json:"state"`
	Event     Event           `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Instance is the authoritative state of one request. Exactly one instance
// exists per request ID and it occupies exactly one state at any instant.
type Instance struct {
	ID              string         `json:"id"`
	State           State          `json:"state"`
	Context         map[string]any `json:"context"`
	ResumeState     State          `json:"resume_state,omitempty"`
	ContextSnapshot []byte         `json:"context_snapshot,omitempty"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// Validate checks that an Instance has all required fields.
func (in *Instance) Validate() error {
	if in.ID == "" {
		return fmt.Errorf("id is required: %w", domain.ErrValidation)
	}
	if in.State == "" {
		return fmt.Errorf("state is required: %w", domain.ErrValidation)
	}
	return nil
}

// CanonicalContext returns the deterministic JSON encoding of the context
// blob. Go serializes map keys in sorted order, so equal contexts produce
// byte-identical encodings.
func (in *Instance) CanonicalContext() ([]byte, error) {
	if in.Context == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(in.Context)
}

// CloneContext returns a deep copy of the context blob via a JSON round trip.
func CloneContext(ctx map[string]any) (map[string]any, error) {
	if ctx == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return out, nil
}

// MergeDelta applies a shallow JSON-object delta onto the context blob.
// Keys present in the delta overwrite keys in the context.
func MergeDelta(ctx map[string]any, delta json.RawMessage) (map[string]any, error) {
	out, err := CloneContext(ctx)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		return out, nil
	}
	var patch map[string]any
	if err := json.Unmarshal(delta, &patch); err != nil {
		return nil, fmt.Errorf("parse delta: %w: %w", err, domain.ErrValidation)
	}
	for k, v := range patch {
		out[k] = v
	}
	return out, nil
}
