// Package database defines the persistence port the orchestration core
// requires: append-only audit writes, point lookups by request ID, and
// optimistic-locked instance updates.
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/escalation"
	"github.com/Strob0t/FlowForge/internal/domain/execution"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
)

// Store is the port interface for durable workflow state.
//
// Concurrent writers for the same request ID are serialized by the optimistic
// version check on UpdateInstance (domain.ErrConflict on a stale version);
// nothing is assumed about serializability across different request IDs.
type Store interface {
	// --- Workflow instances ---

	// CreateInstance persists a new instance together with its submission
	// history entry.
	CreateInstance(ctx context.Context, in *workflow.Instance) error

	// GetInstance returns the instance row (without history).
	GetInstance(ctx context.Context, id string) (*workflow.Instance, error)

	// ApplyTransition atomically persists the instance's new state, context,
	// and side-branch bookkeeping together with the history entry that
	// produced it. Fails with domain.ErrConflict if in.Version is stale; on
	// success the version is incremented.
	ApplyTransition(ctx context.Context, in *workflow.Instance, e *workflow.HistoryEntry) error

	// ListActiveInstances returns all instances in non-terminal states,
	// used to rebuild the live map on cold start.
	ListActiveInstances(ctx context.Context) ([]workflow.Instance, error)

	// LoadHistory returns the full history for a request, ordered by seq.
	LoadHistory(ctx context.Context, requestID string) ([]workflow.HistoryEntry, error)

	// --- Execution records ---

	// AppendExecution persists a new attempt record (outcome "retrying").
	AppendExecution(ctx context.Context, r *execution.Record) error

	// FinishExecution records the attempt outcome exactly once.
	FinishExecution(ctx context.Context, id string, outcome execution.Outcome, result json.RawMessage, errMsg string) error

	// ListExecutions returns all attempt records for a request, ordered by
	// start time.
	ListExecutions(ctx context.Context, requestID string) ([]execution.Record, error)

	// CountAttempts returns the number of attempts recorded for the
	// (request, agent, task) triple.
	CountAttempts(ctx context.Context, requestID, agentID, task string) (int, error)

	// --- Approval records ---

	// CreateApproval persists a new pending record. Fails with
	// domain.ErrConflict if a pending record of the same kind already exists
	// for the request.
	CreateApproval(ctx context.Context, r *approval.Record) error

	// GetApproval returns an approval record by ID.
	GetApproval(ctx context.Context, id string) (*approval.Record, error)

	// GetPendingApproval returns the pending record of the given kind for the
	// request, or domain.ErrNotFound.
	GetPendingApproval(ctx context.Context, requestID string, kind approval.Kind) (*approval.Record, error)

	// ResolveApproval applies the one-way pending -> terminal transition.
	// Fails with domain.ErrConflict if the record is no longer pending.
	ResolveApproval(ctx context.Context, id string, status approval.Status, reviewer, notes string, delta json.RawMessage, resolvedAt time.Time) error

	// ListApprovals returns all approval records for a request.
	ListApprovals(ctx context.Context, requestID string) ([]approval.Record, error)

	// ListExpiredApprovals returns pending records whose deadline has passed.
	ListExpiredApprovals(ctx context.Context, now time.Time) ([]approval.Record, error)

	// --- Escalation records ---

	// CreateEscalation persists a new escalation incident.
	CreateEscalation(ctx context.Context, r *escalation.Record) error

	// GetEscalation returns an escalation record by ID.
	GetEscalation(ctx context.Context, id string) (*escalation.Record, error)

	// ResolveEscalation records the remedial action exactly once. Fails with
	// domain.ErrConflict if already resolved.
	ResolveEscalation(ctx context.Context, id string, action escalation.Action, resolvedAt time.Time) error

	// ListEscalations returns all escalations for a request.
	ListEscalations(ctx context.Context, requestID string) ([]escalation.Record, error)
}
