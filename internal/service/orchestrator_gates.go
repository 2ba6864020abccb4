package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/escalation"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
)

// ResolveApproval applies a reviewer decision to a pending approval record and
// feeds the matching event into the workflow. The record's kind must match the
// gate the instance currently suspends on: while a scope-change side branch is
// open the original gate's record stays pending and cannot be resolved until
// the branch closes. For modified decisions the reviewer's delta rides as the
// event payload so the state machine merges it; for an approved scope change
// the proposal's delta does.
func (s *Orchestrator) ResolveApproval(ctx context.Context, req approval.ResolveRequest) (*approval.Record, error) {
	pending, err := s.approvals.Get(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	if err := s.requireGate(ctx, pending.RequestID, pending.Kind); err != nil {
		return nil, err
	}

	rec, ev, err := s.approvals.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ApprovalsResolved.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(rec.Kind)),
			attribute.String("decision", string(req.Decision)),
		))
	}

	payload, err := resolutionPayload(rec, req, ev)
	if err != nil {
		return nil, err
	}
	if _, err := s.applyGateEvent(ctx, rec.RequestID, rec.Kind, ev, payload); err != nil {
		// The record is already resolved; the workflow refused the event
		// (terminal instance, stale resolution). Surface the conflict.
		return nil, fmt.Errorf("approval %s resolved but workflow rejected %s: %w", rec.ID, ev, err)
	}
	return rec, nil
}

// resolutionPayload picks the event payload for an approval resolution.
// Events the machine merges into the context carry the bare delta; everything
// else carries an audit stub.
func resolutionPayload(rec *approval.Record, req approval.ResolveRequest, ev workflow.Event) (json.RawMessage, error) {
	switch {
	case ev == workflow.EventApprovalModified:
		return req.Delta, nil
	case rec.Kind == approval.KindScopeChange && ev == workflow.EventApprovalApproved:
		var prop approval.ScopeChangeProposal
		if err := json.Unmarshal(rec.Payload, &prop); err != nil {
			return nil, fmt.Errorf("scope-change record %s has malformed proposal: %w: %w", rec.ID, err, domain.ErrValidation)
		}
		return prop.Delta, nil
	default:
		return json.Marshal(map[string]string{
			"approval_id": rec.ID,
			"decision":    string(req.Decision),
			"reviewer":    req.Reviewer,
		})
	}
}

// RequestScopeChange suspends the request into the scope-change side branch.
// The proposal is snapshotted as the gate payload so the reviewer sees the
// requested delta and an approval merges exactly what was proposed.
func (s *Orchestrator) RequestScopeChange(ctx context.Context, requestID string, prop approval.ScopeChangeProposal) (*workflow.Instance, error) {
	if err := prop.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(prop)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w: %w", err, domain.ErrValidation)
	}
	return s.applyEvent(ctx, requestID, workflow.EventScopeChangeRequested, payload)
}

// ResolveEscalation applies a human remedial action to an open escalation and
// feeds the matching event into the workflow. Retry-from-state resumes the
// recorded state with a fresh attempt budget; force-fail and force-complete
// terminate the request.
func (s *Orchestrator) ResolveEscalation(ctx context.Context, escalationID string, action escalation.Action) (*escalation.Record, error) {
	rec, ev, err := s.escalations.Resolve(ctx, escalationID, action)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]string{
		"escalation_id": rec.ID,
		"action":        string(action),
	})
	if _, err := s.applyEvent(ctx, rec.RequestID, ev, payload); err != nil {
		return nil, fmt.Errorf("escalation %s resolved but workflow rejected %s: %w", rec.ID, ev, err)
	}
	return rec, nil
}

// SweepApprovals expires pending approvals past their deadline, routes each
// timeout through the state machine per the kind's policy, and raises one
// escalation incident per expiry so a human always sees what lapsed.
func (s *Orchestrator) SweepApprovals(ctx context.Context, now time.Time) error {
	timedOut, err := s.approvals.SweepTimeouts(ctx, now)
	if err != nil {
		return err
	}

	for _, rec := range timedOut {
		if s.metrics != nil {
			s.metrics.ApprovalsTimedOut.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(rec.Kind)),
			))
		}

		payload, _ := json.Marshal(map[string]string{
			"approval_id": rec.ID,
			"kind":        string(rec.Kind),
		})
		next, err := s.applyGateEvent(ctx, rec.RequestID, rec.Kind, workflow.EventApprovalTimedOut, payload)
		if err != nil {
			// The request moved on (cancelled, terminal, or suspended on a
			// different gate) before the sweep ran. The record is correctly
			// timed out either way; a re-entered gate opens a fresh one.
			slog.Debug("timeout event not applicable",
				"request_id", rec.RequestID,
				"approval_id", rec.ID,
				"error", err,
			)
			continue
		}

		cause := escalation.CauseApprovalTimeout
		if rec.Kind == approval.KindScopeChange {
			cause = escalation.CauseScopeChangeConflict
		}
		severity := escalation.SeverityWarning
		if next.State == workflow.StateEscalated {
			severity = escalation.SeverityCritical
		}
		if _, err := s.escalations.Raise(ctx, rec.RequestID, cause, severity,
			fmt.Sprintf("approval %s (%s) expired at %s", rec.ID, rec.Kind, rec.Deadline.Format(time.RFC3339))); err != nil {
			slog.Error("failed to raise timeout escalation", "request_id", rec.RequestID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.EscalationsRaised.Add(ctx, 1, metric.WithAttributes(
				attribute.String("cause", string(cause)),
			))
		}
	}
	return nil
}
