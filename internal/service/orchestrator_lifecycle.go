package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/execution"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
)

// StatusSummary is the read-model returned by Status: the durable instance
// row joined with the transient run state and any pending approvals.
type StatusSummary struct {
	ID               string             `json:"id"`
	State            workflow.State     `json:"state"`
	RunState         execution.RunState `json:"run_state"`
	Terminal         bool               `json:"terminal"`
	ResumeState      workflow.State     `json:"resume_state,omitempty"`
	Context          map[string]any     `json:"context"`
	Version          int                `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	PendingApprovals []approval.Record  `json:"pending_approvals,omitempty"`
}

// Status returns the current view of a request, served from the short-TTL
// cache when warm. The cache is invalidated on every transition so a read
// after a write observes the new state.
func (s *Orchestrator) Status(ctx context.Context, requestID string) (*StatusSummary, error) {
	key := statusKey(requestID)
	if s.statusCache != nil {
		if data, ok, err := s.statusCache.Get(ctx, key); err == nil && ok {
			var sum StatusSummary
			if err := json.Unmarshal(data, &sum); err == nil {
				return &sum, nil
			}
		}
	}

	inst, err := s.store.GetInstance(ctx, requestID)
	if err != nil {
		return nil, err
	}
	sum := &StatusSummary{
		ID:          inst.ID,
		State:       inst.State,
		RunState:    s.supervisor.RunState(inst.ID),
		Terminal:    inst.State.Terminal(),
		ResumeState: inst.ResumeState,
		Context:     inst.Context,
		Version:     inst.Version,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}
	if !sum.Terminal {
		records, err := s.approvals.List(ctx, requestID)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Status == approval.StatusPending {
				sum.PendingApprovals = append(sum.PendingApprovals, rec)
			}
		}
	}

	if s.statusCache != nil {
		if data, err := json.Marshal(sum); err == nil {
			_ = s.statusCache.Set(ctx, key, data, s.cfg.StatusCacheTTL)
		}
	}
	return sum, nil
}

// History returns the full append-only audit trail for a request.
func (s *Orchestrator) History(ctx context.Context, requestID string) ([]workflow.HistoryEntry, error) {
	return s.store.LoadHistory(ctx, requestID)
}

// Executions returns all agent attempt records for a request.
func (s *Orchestrator) Executions(ctx context.Context, requestID string) ([]execution.Record, error) {
	return s.store.ListExecutions(ctx, requestID)
}

// Cancel terminates a request from any non-terminal state. An in-flight
// agent episode is cancelled; its late outcome is dropped by the epoch check.
func (s *Orchestrator) Cancel(ctx context.Context, requestID string) (*workflow.Instance, error) {
	return s.applyEvent(ctx, requestID, workflow.EventCancelRequested, nil)
}

// Recover rebuilds the live map on cold start. For every non-terminal
// instance it replays the persisted history against the transition table and
// refuses to resume an instance whose row and history disagree. Work states
// are re-dispatched; gate states get their pending approval record re-created
// if the crash lost it.
func (s *Orchestrator) Recover(ctx context.Context) error {
	instances, err := s.store.ListActiveInstances(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for i := range instances {
		inst := &instances[i]
		history, err := s.store.LoadHistory(ctx, inst.ID)
		if err != nil {
			slog.Error("recovery: cannot load history", "request_id", inst.ID, "error", err)
			continue
		}
		replayed, err := s.machine.Replay(history)
		if err != nil {
			slog.Error("recovery: history replay failed", "request_id", inst.ID, "error", err)
			continue
		}
		if replayed != inst.State {
			slog.Error("recovery: instance state disagrees with history",
				"request_id", inst.ID,
				"row_state", inst.State,
				"replayed_state", replayed,
			)
			continue
		}
		inst.History = history

		li := &liveInstance{inst: inst}
		s.mu.Lock()
		s.live[inst.ID] = li
		s.mu.Unlock()
		recovered++

		switch {
		case inst.State == workflow.StateEscalated:
			s.supervisor.SetWaiting(inst.ID)

		default:
			if _, ok := s.machine.RequiresAgent(inst.State); ok {
				li.mu.Lock()
				s.startDispatch(li)
				li.mu.Unlock()
				continue
			}
			if kind, ok := s.machine.RequiresApproval(inst.State); ok {
				s.supervisor.SetWaiting(inst.ID)
				s.recoverGate(ctx, inst, kind, history)
			}
		}
	}

	slog.Info("recovery complete", "active", len(instances), "recovered", recovered)
	return nil
}

// recoverGate re-creates the pending approval record for a gate state if the
// crash happened between persisting the transition and opening the gate. The
// re-created record gets a fresh deadline; the original gate payload is taken
// from the history entry that entered the gate.
func (s *Orchestrator) recoverGate(ctx context.Context, inst *workflow.Instance, kind approval.Kind, history []workflow.HistoryEntry) {
	_, err := s.store.GetPendingApproval(ctx, inst.ID, kind)
	if err == nil {
		return
	}
	if !errors.Is(err, domain.ErrNotFound) {
		slog.Error("recovery: cannot check pending approval", "request_id", inst.ID, "error", err)
		return
	}

	var payload json.RawMessage
	if n := len(history); n > 0 {
		payload = history[n-1].Payload
	}
	if _, err := s.approvals.Open(ctx, inst.ID, kind, payload); err != nil {
		slog.Error("recovery: cannot re-create approval gate",
			"request_id", inst.ID,
			"kind", kind,
			"error", err,
		)
		return
	}
	slog.Warn("recovery: re-created lost approval gate", "request_id", inst.ID, "kind", kind)
}

// Run drives the periodic approval-timeout sweep until the context is
// cancelled.
func (s *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.SweepApprovals(ctx, now); err != nil {
				slog.Error("approval sweep failed", "error", err)
			}
		}
	}
}

// Shutdown waits for in-flight dispatch goroutines to finish, up to the
// context deadline.
func (s *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// invalidateStatus drops the cached status view for a request.
func (s *Orchestrator) invalidateStatus(ctx context.Context, requestID string) {
	if s.statusCache != nil {
		_ = s.statusCache.Delete(ctx, statusKey(requestID))
	}
}

func statusKey(requestID string) string { return "status:" + requestID }
