package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/escalation"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
	"github.com/Strob0t/FlowForge/internal/port/broadcast"
	"github.com/Strob0t/FlowForge/internal/port/database"
	"github.com/Strob0t/FlowForge/internal/port/notifier"
)

// EscalationService records incidents that need a human remedial action and
// applies the chosen action exactly once.
type EscalationService struct {
	store         database.Store
	notifications *NotificationService
	hub           broadcast.Broadcaster
	now           func() time.Time
}

// NewEscalationService creates an EscalationService.
func NewEscalationService(store database.Store, notifications *NotificationService, hub broadcast.Broadcaster) *EscalationService {
	return &EscalationService{store: store, notifications: notifications, hub: hub, now: time.Now}
}

// Raise persists a new escalation incident and notifies operators.
func (s *EscalationService) Raise(ctx context.Context, requestID string, cause escalation.Cause, severity escalation.Severity, detail string) (*escalation.Record, error) {
	rec := &escalation.Record{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Cause:     cause,
		Severity:  severity,
		Detail:    detail,
		CreatedAt: s.now(),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateEscalation(ctx, rec); err != nil {
		return nil, fmt.Errorf("create escalation: %w", err)
	}

	slog.Warn("escalation raised",
		"escalation_id", rec.ID,
		"request_id", requestID,
		"cause", cause,
		"severity", severity,
	)
	if s.notifications != nil {
		level := "warning"
		if severity == escalation.SeverityCritical {
			level = "error"
		}
		s.notifications.Send(ctx, notifier.Notification{
			Title:     fmt.Sprintf("Escalation: %s", cause),
			Message:   detail,
			Level:     level,
			Source:    "escalation.raised",
			RequestID: requestID,
		})
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, "escalation.raised", map[string]any{
			"request_id":    requestID,
			"escalation_id": rec.ID,
			"cause":         cause,
			"severity":      severity,
		})
	}
	return rec, nil
}

// Resolve records the remedial action on an unresolved escalation and returns
// the record plus the workflow event the action maps to. Resolving twice
// yields domain.ErrConflict.
func (s *EscalationService) Resolve(ctx context.Context, id string, action escalation.Action) (*escalation.Record, workflow.Event, error) {
	if !action.Valid() {
		return nil, "", fmt.Errorf("invalid remedial action %q: %w", action, domain.ErrValidation)
	}

	rec, err := s.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if rec.Resolved() {
		return nil, "", fmt.Errorf("escalation %s already resolved: %w", id, domain.ErrConflict)
	}

	resolvedAt := s.now()
	if err := s.store.ResolveEscalation(ctx, id, action, resolvedAt); err != nil {
		return nil, "", err
	}
	rec.Action = action
	rec.ResolvedAt = &resolvedAt

	slog.Info("escalation resolved",
		"escalation_id", id,
		"request_id", rec.RequestID,
		"action", action,
	)
	return rec, action.Event(), nil
}

// Get returns one escalation record by ID.
func (s *EscalationService) Get(ctx context.Context, id string) (*escalation.Record, error) {
	return s.store.GetEscalation(ctx, id)
}

// List returns all escalations for a request.
func (s *EscalationService) List(ctx context.Context, requestID string) ([]escalation.Record, error) {
	return s.store.ListEscalations(ctx, requestID)
}
