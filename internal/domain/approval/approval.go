// Package approval defines the human-review gate records and their one-way
// status transitions.
package approval

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain"
)

// Kind identifies the category of human review a gate requires.
type Kind string

const (
	KindRequirementsReview  Kind = "requirements-review"
	KindCriticalQueryReview Kind = "critical-query-review"
	KindAccessAuthorization Kind = "access-authorization"
	KindQualityReview       Kind = "quality-review"
	KindScopeChange         Kind = "scope-change"
)

// Kinds lists every valid approval kind.
var Kinds = []Kind{
	KindRequirementsReview,
	KindCriticalQueryReview,
	KindAccessAuthorization,
	KindQualityReview,
	KindScopeChange,
}

var validKinds = map[Kind]bool{
	KindRequirementsReview:  true,
	KindCriticalQueryReview: true,
	KindAccessAuthorization: true,
	KindQualityReview:       true,
	KindScopeChange:         true,
}

// Valid reports whether k is a known approval kind.
func (k Kind) Valid() bool { return validKinds[k] }

// Status represents the lifecycle state of an approval record.
// The only permitted transition is pending -> one terminal status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusModified Status = "modified"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// Decision is a reviewer's resolution of a pending record.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionModified Decision = "modified"
	DecisionRejected Decision = "rejected"
)

var decisionStatus = map[Decision]Status{
	DecisionApproved: StatusApproved,
	DecisionModified: StatusModified,
	DecisionRejected: StatusRejected,
}

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	_, ok := decisionStatus[d]
	return ok
}

// Status returns the terminal status corresponding to the decision.
func (d Decision) Status() Status { return decisionStatus[d] }

// Record is one human-review gate instance. Records are never deleted;
// the single allowed mutation is the pending -> terminal status transition.
type Record struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Deadline    time.Time       `json:"deadline"`
	Reviewer    string          `json:"reviewer,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Delta       json.RawMessage `json:"delta,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// Validate checks that a Record has all required fields and valid values.
func (r *Record) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required: %w", domain.ErrValidation)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid approval kind %q: %w", r.Kind, domain.ErrValidation)
	}
	if r.Deadline.IsZero() {
		return fmt.Errorf("deadline is required: %w", domain.ErrValidation)
	}
	return nil
}

// ScopeChangeProposal is the payload placed under review by a scope-change
// gate: the requested context delta plus the requester's reason.
type ScopeChangeProposal struct {
	Delta  json.RawMessage `json:"delta"`
	Reason string          `json:"reason,omitempty"`
}

// Validate checks that a proposal carries a delta.
func (p *ScopeChangeProposal) Validate() error {
	if len(p.Delta) == 0 {
		return fmt.Errorf("delta is required: %w", domain.ErrValidation)
	}
	return nil
}

// ResolveRequest holds a reviewer's resolution of a pending record.
type ResolveRequest struct {
	ApprovalID string          `json:"approval_id"`
	Decision   Decision        `json:"decision"`
	Reviewer   string          `json:"reviewer"`
	Notes      string          `json:"notes,omitempty"`
	Delta      json.RawMessage `json:"delta,omitempty"`
}

// Validate checks that a ResolveRequest has all required fields.
func (r *ResolveRequest) Validate() error {
	if r.ApprovalID == "" {
		return fmt.Errorf("approval_id is required: %w", domain.ErrValidation)
	}
	if !r.Decision.Valid() {
		return fmt.Errorf("invalid decision %q: %w", r.Decision, domain.ErrValidation)
	}
	if r.Reviewer == "" {
		return fmt.Errorf("reviewer is required: %w", domain.ErrValidation)
	}
	if r.Decision == DecisionModified && len(r.Delta) == 0 {
		return fmt.Errorf("modified decision requires a delta: %w", domain.ErrValidation)
	}
	return nil
}
