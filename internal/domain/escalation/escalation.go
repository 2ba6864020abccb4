// Package escalation defines human-visible incidents raised when automatic
// handling cannot resolve a failure or timeout.
package escalation

import (
	"fmt"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
)

// Cause identifies why an escalation was raised.
type Cause string

const (
	CauseAgentFailure        Cause = "agent-failure"
	CauseApprovalTimeout     Cause = "approval-timeout"
	CauseScopeChangeConflict Cause = "scope-change-conflict"
)

var validCauses = map[Cause]bool{
	CauseAgentFailure:        true,
	CauseApprovalTimeout:     true,
	CauseScopeChangeConflict: true,
}

// Valid reports whether c is a known cause.
func (c Cause) Valid() bool { return validCauses[c] }

// Severity grades an escalation for human triage.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Action is the remedial action a human picks to resolve an escalation.
type Action string

const (
	ActionRetryFromState Action = "retry-from-state"
	ActionForceFail      Action = "force-fail"
	ActionForceComplete  Action = "force-complete-with-override"
)

var actionEvents = map[Action]workflow.Event{
	ActionRetryFromState: workflow.EventEscalationRetry,
	ActionForceFail:      workflow.EventEscalationForceFail,
	ActionForceComplete:  workflow.EventEscalationForced,
}

// Valid reports whether a is a known remedial action.
func (a Action) Valid() bool {
	_, ok := actionEvents[a]
	return ok
}

// Event returns the workflow event corresponding to the remedial action.
func (a Action) Event() workflow.Event { return actionEvents[a] }

// Record is one escalation incident. Raised once, resolved at most once.
type Record struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"request_id"`
	Cause      Cause      `json:"cause"`
	Severity   Severity   `json:"severity"`
	Detail     string     `json:"detail,omitempty"`
	Action     Action     `json:"action,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether a remedial action has been applied.
func (r *Record) Resolved() bool { return r.ResolvedAt != nil }

// Validate checks that a Record has all required fields and valid values.
func (r *Record) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required: %w", domain.ErrValidation)
	}
	if !r.Cause.Valid() {
		return fmt.Errorf("invalid cause %q: %w", r.Cause, domain.ErrValidation)
	}
	return nil
}
