package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/FlowForge/internal/config"
	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
	"github.com/Strob0t/FlowForge/internal/port/database"
)

// ApprovalService owns the approval-record lifecycle: opening pending records
// when a gate state is entered, applying the one-way pending -> terminal
// resolution, and sweeping expired deadlines. It never touches workflow state;
// it hands the resulting workflow event back to the orchestrator.
type ApprovalService struct {
	store database.Store
	cfg   config.Approvals
	now   func() time.Time
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(store database.Store, cfg config.Approvals) *ApprovalService {
	return &ApprovalService{store: store, cfg: cfg, now: time.Now}
}

// Open creates a pending record for the gate the request just entered.
// The deadline comes from the per-kind policy. At most one pending record per
// request and kind may exist: a duplicate yields domain.ErrConflict and the
// existing record keeps its original deadline. Callers that re-enter a gate
// legitimately (resuming from a scope-change branch) treat the conflict as
// "gate already open".
func (s *ApprovalService) Open(ctx context.Context, requestID string, kind approval.Kind, payload json.RawMessage) (*approval.Record, error) {
	policy := s.cfg.Policy(string(kind))
	rec := &approval.Record{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		Kind:        kind,
		Payload:     payload,
		Status:      approval.StatusPending,
		SubmittedAt: s.now(),
		Deadline:    s.now().Add(policy.Timeout),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.CreateApproval(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("pending %s record for %s exists: %w", kind, requestID, domain.ErrConflict)
		}
		return nil, fmt.Errorf("create approval: %w", err)
	}

	slog.Info("approval gate opened",
		"approval_id", rec.ID,
		"request_id", requestID,
		"kind", kind,
		"deadline", rec.Deadline,
	)
	return rec, nil
}

// Resolve applies a reviewer's decision to a pending record and returns the
// resolved record together with the workflow event the decision maps to.
// A record that is no longer pending yields domain.ErrConflict, so a second
// reviewer racing on the same record loses cleanly.
func (s *ApprovalService) Resolve(ctx context.Context, req approval.ResolveRequest) (*approval.Record, workflow.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}

	rec, err := s.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, "", err
	}
	if rec.Status.Terminal() {
		return nil, "", fmt.Errorf("approval %s already %s: %w", rec.ID, rec.Status, domain.ErrConflict)
	}

	resolvedAt := s.now()
	status := req.Decision.Status()
	if err := s.store.ResolveApproval(ctx, rec.ID, status, req.Reviewer, req.Notes, req.Delta, resolvedAt); err != nil {
		return nil, "", err
	}

	rec.Status = status
	rec.Reviewer = req.Reviewer
	rec.Notes = req.Notes
	rec.Delta = req.Delta
	rec.ResolvedAt = &resolvedAt

	slog.Info("approval resolved",
		"approval_id", rec.ID,
		"request_id", rec.RequestID,
		"kind", rec.Kind,
		"decision", req.Decision,
		"reviewer", req.Reviewer,
	)
	return rec, workflow.EventForDecision(req.Decision), nil
}

// Get returns one approval record by ID.
func (s *ApprovalService) Get(ctx context.Context, id string) (*approval.Record, error) {
	return s.store.GetApproval(ctx, id)
}

// List returns all approval records for a request.
func (s *ApprovalService) List(ctx context.Context, requestID string) ([]approval.Record, error) {
	return s.store.ListApprovals(ctx, requestID)
}

// SweepTimeouts marks every pending record whose deadline has passed as
// timed out and returns the records it actually transitioned. The one-way
// status update makes the sweep idempotent: a record a concurrent reviewer
// (or an earlier sweep) already resolved is skipped without error.
func (s *ApprovalService) SweepTimeouts(ctx context.Context, now time.Time) ([]approval.Record, error) {
	expired, err := s.store.ListExpiredApprovals(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}

	var timedOut []approval.Record
	for _, rec := range expired {
		err := s.store.ResolveApproval(ctx, rec.ID, approval.StatusTimedOut, "", "deadline expired", nil, now)
		if errors.Is(err, domain.ErrConflict) {
			continue // resolved between the list and the update
		}
		if err != nil {
			slog.Error("failed to time out approval", "approval_id", rec.ID, "error", err)
			continue
		}
		rec.Status = approval.StatusTimedOut
		rec.ResolvedAt = &now
		timedOut = append(timedOut, rec)
		slog.Warn("approval timed out",
			"approval_id", rec.ID,
			"request_id", rec.RequestID,
			"kind", rec.Kind,
			"deadline", rec.Deadline,
		)
	}
	return timedOut, nil
}
