package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/FlowForge/internal/config"
	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/escalation"
	"github.com/Strob0t/FlowForge/internal/domain/execution"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
	"github.com/Strob0t/FlowForge/internal/port/agent"
)

func defaultRouting() map[approval.Kind]workflow.TimeoutAction {
	return map[approval.Kind]workflow.TimeoutAction{
		approval.KindAccessAuthorization: workflow.TimeoutReject,
		approval.KindScopeChange:         workflow.TimeoutReject,
	}
}

type orchFixture struct {
	store  *mockStore
	hub    *mockHub
	agents map[string]agent.Agent
	orch   *Orchestrator
}

func newOrchFixture(store *mockStore, agents map[string]agent.Agent) *orchFixture {
	hub := &mockHub{}
	machine := workflow.NewMachine(defaultRouting())
	approvals := NewApprovalService(store, testApprovalConfig())
	escalations := NewEscalationService(store, nil, hub)
	supervisor := newTestSupervisor(store, agents)
	orch := NewOrchestrator(machine, store, approvals, escalations, supervisor, nil, hub, nil, nil, config.Orchestrator{
		MaxInFlight:    4,
		SweepInterval:  time.Minute,
		PersistRetries: 1,
		PersistBackoff: time.Millisecond,
		StatusCacheTTL: time.Second,
	})
	return &orchFixture{store: store, hub: hub, agents: agents, orch: orch}
}

// okAgents binds every workflow agent ID to a scripted agent that always
// succeeds.
func okAgents() map[string]agent.Agent {
	agents := make(map[string]agent.Agent)
	for _, name := range []string{"requirements", "query", "retrieval", "quality", "delivery"} {
		agents[name] = &scriptedAgent{name: name, results: []*agent.Result{okResult()}}
	}
	return agents
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *orchFixture) waitState(t *testing.T, requestID string, state workflow.State) {
	t.Helper()
	waitFor(t, string(state), func() bool { return f.store.instanceState(requestID) == state })
}

func (f *orchFixture) waitPending(t *testing.T, requestID string, kind approval.Kind) *approval.Record {
	t.Helper()
	var rec *approval.Record
	waitFor(t, "pending "+string(kind), func() bool {
		r, err := f.store.GetPendingApproval(context.Background(), requestID, kind)
		if err != nil {
			return false
		}
		rec = r
		return true
	})
	return rec
}

func (f *orchFixture) approve(t *testing.T, requestID string, kind approval.Kind) {
	t.Helper()
	rec := f.waitPending(t, requestID, kind)
	if _, err := f.orch.ResolveApproval(context.Background(), approval.ResolveRequest{
		ApprovalID: rec.ID,
		Decision:   approval.DecisionApproved,
		Reviewer:   "alice",
	}); err != nil {
		t.Fatalf("approve %s: %v", kind, err)
	}
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, map[string]any{"topic": "quarterly revenue"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	f.approve(t, inst.ID, approval.KindRequirementsReview)
	f.approve(t, inst.ID, approval.KindCriticalQueryReview)
	f.approve(t, inst.ID, approval.KindAccessAuthorization)
	f.approve(t, inst.ID, approval.KindQualityReview)
	f.waitState(t, inst.ID, workflow.StateCompleted)

	final, err := f.store.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	for _, key := range []string{"requirements_result", "query_result", "retrieval_result", "quality_result", "delivery_result"} {
		if _, ok := final.Context[key]; !ok {
			t.Errorf("context missing agent output %q", key)
		}
	}
	if final.Context["topic"] != "quarterly revenue" {
		t.Errorf("submitted context lost: %v", final.Context)
	}

	execs, _ := f.store.ListExecutions(ctx, inst.ID)
	if len(execs) != 5 {
		t.Errorf("got %d execution records, want 5", len(execs))
	}
	history, _ := f.store.LoadHistory(ctx, inst.ID)
	if len(history) != 10 {
		t.Errorf("got %d history entries, want 10", len(history))
	}
	for i, e := range history {
		if e.Seq != i {
			t.Errorf("history entry %d has seq %d", i, e.Seq)
		}
	}
	if history[0].Event != workflow.EventSubmitted {
		t.Errorf("history does not begin with submission: %s", history[0].Event)
	}

	// A completed request accepts no further events.
	if _, err := f.orch.Cancel(ctx, inst.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Cancel after completion error = %v, want ErrInvalidTransition", err)
	}
}

func TestAgentExhaustionEscalatesAndRetryResumes(t *testing.T) {
	agents := okAgents()
	requirements := &scriptedAgent{name: "requirements", results: []*agent.Result{failResult(true)}}
	agents["requirements"] = requirements
	f := newOrchFixture(newMockStore(), agents)
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateEscalated)

	execs, _ := f.store.ListExecutions(ctx, inst.ID)
	if len(execs) != 3 {
		t.Errorf("got %d execution records, want MaxAttempts=3", len(execs))
	}
	var incidents []escalation.Record
	waitFor(t, "escalation raised", func() bool {
		incidents = f.store.escalationsFor(inst.ID)
		return len(incidents) > 0
	})
	if len(incidents) != 1 {
		t.Fatalf("got %d escalations, want exactly 1", len(incidents))
	}
	if incidents[0].Cause != escalation.CauseAgentFailure || incidents[0].Severity != escalation.SeverityCritical {
		t.Errorf("escalation = %s/%s, want agent-failure/critical", incidents[0].Cause, incidents[0].Severity)
	}
	held, _ := f.store.GetInstance(ctx, inst.ID)
	if held.ResumeState != workflow.StateRequirementsAnalysis {
		t.Errorf("resume state = %s, want requirements_analysis", held.ResumeState)
	}

	// Retry re-enters the failed state with a fresh attempt budget.
	requirements.mu.Lock()
	requirements.results = []*agent.Result{okResult()}
	requirements.mu.Unlock()
	if _, err := f.orch.ResolveEscalation(ctx, incidents[0].ID, escalation.ActionRetryFromState); err != nil {
		t.Fatalf("ResolveEscalation: %v", err)
	}
	resolved, err := f.store.GetEscalation(ctx, incidents[0].ID)
	if err != nil {
		t.Fatalf("GetEscalation: %v", err)
	}
	if resolved.Action != escalation.ActionRetryFromState || resolved.ResolvedAt == nil {
		t.Errorf("incident recorded action %q (resolved=%v), want retry_from_state", resolved.Action, resolved.ResolvedAt != nil)
	}
	f.waitState(t, inst.ID, workflow.StateRequirementsReview)

	execs, _ = f.store.ListExecutions(ctx, inst.ID)
	if len(execs) != 4 {
		t.Errorf("got %d execution records after retry, want 4", len(execs))
	}
	if execs[3].Attempt != 4 {
		t.Errorf("retry episode attempt = %d, want 4", execs[3].Attempt)
	}

	// The incident resolves exactly once.
	if _, err := f.orch.ResolveEscalation(ctx, incidents[0].ID, escalation.ActionForceFail); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second ResolveEscalation error = %v, want ErrConflict", err)
	}
}

func TestEscalationForceFail(t *testing.T) {
	agents := okAgents()
	agents["requirements"] = &scriptedAgent{name: "requirements", results: []*agent.Result{failResult(false)}}
	f := newOrchFixture(newMockStore(), agents)
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateEscalated)

	var incidents []escalation.Record
	waitFor(t, "escalation raised", func() bool {
		incidents = f.store.escalationsFor(inst.ID)
		return len(incidents) > 0
	})
	if _, err := f.orch.ResolveEscalation(ctx, incidents[0].ID, escalation.ActionForceFail); err != nil {
		t.Fatalf("ResolveEscalation: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateFailed)
}

func TestScopeChangeApprovedMergesAndResumes(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, map[string]any{"topic": "revenue"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	if _, err := f.orch.RequestScopeChange(ctx, inst.ID, approval.ScopeChangeProposal{
		Delta:  json.RawMessage(`{"topic":"revenue and churn"}`),
		Reason: "expand the analysis window",
	}); err != nil {
		t.Fatalf("RequestScopeChange: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateScopeChangeReview)

	rec := f.waitPending(t, inst.ID, approval.KindScopeChange)
	if _, err := f.orch.ResolveApproval(ctx, approval.ResolveRequest{
		ApprovalID: rec.ID,
		Decision:   approval.DecisionApproved,
		Reviewer:   "bob",
	}); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateRequirementsReview)

	resumed, _ := f.store.GetInstance(ctx, inst.ID)
	if resumed.Context["topic"] != "revenue and churn" {
		t.Errorf("approved delta not merged: %v", resumed.Context)
	}
	if resumed.ResumeState != "" || len(resumed.ContextSnapshot) != 0 {
		t.Errorf("side-branch bookkeeping not cleared: resume=%s snapshot=%q", resumed.ResumeState, resumed.ContextSnapshot)
	}

	// The original gate is still open and still resolvable.
	f.approve(t, inst.ID, approval.KindRequirementsReview)
	f.waitState(t, inst.ID, workflow.StateQueryReview)
}

func TestScopeChangeRejectedRestoresContext(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, map[string]any{"topic": "revenue"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	if _, err := f.orch.RequestScopeChange(ctx, inst.ID, approval.ScopeChangeProposal{
		Delta: json.RawMessage(`{"topic":"everything"}`),
	}); err != nil {
		t.Fatalf("RequestScopeChange: %v", err)
	}
	rec := f.waitPending(t, inst.ID, approval.KindScopeChange)
	if _, err := f.orch.ResolveApproval(ctx, approval.ResolveRequest{
		ApprovalID: rec.ID,
		Decision:   approval.DecisionRejected,
		Reviewer:   "bob",
	}); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateRequirementsReview)

	resumed, _ := f.store.GetInstance(ctx, inst.ID)
	if resumed.Context["topic"] != "revenue" {
		t.Errorf("rejected scope change altered context: %v", resumed.Context)
	}
}

func TestGateRejectionTerminatesRequest(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.approve(t, inst.ID, approval.KindRequirementsReview)

	rec := f.waitPending(t, inst.ID, approval.KindCriticalQueryReview)
	if _, err := f.orch.ResolveApproval(ctx, approval.ResolveRequest{
		ApprovalID: rec.ID,
		Decision:   approval.DecisionRejected,
		Reviewer:   "alice",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateRejected)

	records, _ := f.store.ListApprovals(ctx, inst.ID)
	var resolved int
	for _, r := range records {
		if r.Status.Terminal() {
			resolved++
		}
	}
	if resolved != 2 {
		t.Errorf("got %d resolved approvals, want 2", resolved)
	}
}

func TestAgentDrivenGateEntryCreatesPendingRecord(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The requirements agent's success suspends the request on its review
	// gate. The pending record must land even though the dispatch whose
	// outcome drove the transition is cancelled by that same transition.
	f.waitState(t, inst.ID, workflow.StateRequirementsReview)
	rec := f.waitPending(t, inst.ID, approval.KindRequirementsReview)
	if rec.Status != approval.StatusPending {
		t.Errorf("record status = %s, want pending", rec.Status)
	}
	if rec.RequestID != inst.ID {
		t.Errorf("record request = %s, want %s", rec.RequestID, inst.ID)
	}
}

func TestOriginalGateFrozenDuringScopeReview(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, map[string]any{"topic": "revenue"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	orig := f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	if _, err := f.orch.RequestScopeChange(ctx, inst.ID, approval.ScopeChangeProposal{
		Delta:  json.RawMessage(`{"topic":"revenue and churn"}`),
		Reason: "widen the window",
	}); err != nil {
		t.Fatalf("RequestScopeChange: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateScopeChangeReview)

	// While the side branch is open the original gate's record cannot be
	// resolved, and refusing it must not consume the record.
	_, err = f.orch.ResolveApproval(ctx, approval.ResolveRequest{
		ApprovalID: orig.ID,
		Decision:   approval.DecisionApproved,
		Reviewer:   "alice",
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("resolving suspended gate: error = %v, want ErrConflict", err)
	}
	if got := f.store.instanceState(inst.ID); got != workflow.StateScopeChangeReview {
		t.Fatalf("state = %s, want scope_change_review", got)
	}
	kept, err := f.store.GetApproval(ctx, orig.ID)
	if err != nil || kept.Status != approval.StatusPending {
		t.Fatalf("original record = %+v (%v), want still pending", kept, err)
	}

	// The branch resolves on its own record; the original gate then resumes
	// and resolves on the record it kept.
	scope := f.waitPending(t, inst.ID, approval.KindScopeChange)
	if _, err := f.orch.ResolveApproval(ctx, approval.ResolveRequest{
		ApprovalID: scope.ID,
		Decision:   approval.DecisionApproved,
		Reviewer:   "bob",
	}); err != nil {
		t.Fatalf("resolve scope change: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateRequirementsReview)
	f.approve(t, inst.ID, approval.KindRequirementsReview)
	f.waitState(t, inst.ID, workflow.StateQueryReview)
}

func TestSweepSkipsGateBehindScopeReview(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, map[string]any{"topic": "revenue"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	orig := f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	if _, err := f.orch.RequestScopeChange(ctx, inst.ID, approval.ScopeChangeProposal{
		Delta: json.RawMessage(`{"topic":"everything"}`),
	}); err != nil {
		t.Fatalf("RequestScopeChange: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateScopeChangeReview)
	f.waitPending(t, inst.ID, approval.KindScopeChange)

	// Push only the original gate's record past its deadline.
	f.store.mu.Lock()
	f.store.approvals[orig.ID].Deadline = time.Now().Add(-time.Hour)
	f.store.mu.Unlock()

	if err := f.orch.SweepApprovals(ctx, time.Now()); err != nil {
		t.Fatalf("SweepApprovals: %v", err)
	}

	// The record times out, but the expiry of a gate the request no longer
	// suspends on must not move it off the side branch.
	if got := f.store.instanceState(inst.ID); got != workflow.StateScopeChangeReview {
		t.Fatalf("state after sweep = %s, want scope_change_review", got)
	}
	expired, _ := f.store.GetApproval(ctx, orig.ID)
	if expired.Status != approval.StatusTimedOut {
		t.Errorf("original record = %s, want timed_out", expired.Status)
	}

	// Resuming re-enters the gate and opens a fresh record in place of the
	// expired one.
	scope := f.waitPending(t, inst.ID, approval.KindScopeChange)
	if _, err := f.orch.ResolveApproval(ctx, approval.ResolveRequest{
		ApprovalID: scope.ID,
		Decision:   approval.DecisionApproved,
		Reviewer:   "bob",
	}); err != nil {
		t.Fatalf("resolve scope change: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateRequirementsReview)
	fresh := f.waitPending(t, inst.ID, approval.KindRequirementsReview)
	if fresh.ID == orig.ID {
		t.Error("gate re-entry reused the timed-out record")
	}
}

func TestDuplicateApprovalResolutionConflicts(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	req := approval.ResolveRequest{ApprovalID: rec.ID, Decision: approval.DecisionApproved, Reviewer: "alice"}
	if _, err := f.orch.ResolveApproval(ctx, req); err != nil {
		t.Fatalf("first ResolveApproval: %v", err)
	}
	if _, err := f.orch.ResolveApproval(ctx, req); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("duplicate ResolveApproval error = %v, want ErrConflict", err)
	}
}

func TestCancelDropsInFlightDispatch(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	agents := okAgents()
	agents["requirements"] = &scriptedAgent{name: "requirements", block: block, results: []*agent.Result{okResult()}}
	f := newOrchFixture(newMockStore(), agents)
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "dispatch started", func() bool {
		recs, _ := f.store.ListExecutions(ctx, inst.ID)
		return len(recs) > 0
	})

	if _, err := f.orch.Cancel(ctx, inst.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.store.instanceState(inst.ID); got != workflow.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.orch.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// The episode's outcome arrived after the cancellation transition and
	// must not move the instance.
	if got := f.store.instanceState(inst.ID); got != workflow.StateCancelled {
		t.Errorf("stale outcome advanced a cancelled request to %s", got)
	}
}

func TestSweepEscalatesTimedOutGate(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	if err := f.orch.SweepApprovals(ctx, rec.Deadline.Add(time.Hour)); err != nil {
		t.Fatalf("SweepApprovals: %v", err)
	}
	if got := f.store.instanceState(inst.ID); got != workflow.StateEscalated {
		t.Fatalf("state after sweep = %s, want escalated", got)
	}
	incidents := f.store.escalationsFor(inst.ID)
	if len(incidents) != 1 || incidents[0].Cause != escalation.CauseApprovalTimeout {
		t.Fatalf("escalations = %+v, want one approval-timeout incident", incidents)
	}

	// Retry reopens the gate with a fresh pending record.
	if _, err := f.orch.ResolveEscalation(ctx, incidents[0].ID, escalation.ActionRetryFromState); err != nil {
		t.Fatalf("ResolveEscalation: %v", err)
	}
	f.waitState(t, inst.ID, workflow.StateRequirementsReview)
	fresh := f.waitPending(t, inst.ID, approval.KindRequirementsReview)
	if fresh.ID == rec.ID {
		t.Error("gate re-entry reused the timed-out record")
	}
}

func TestSweepRejectsAccessAuthorizationTimeout(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.approve(t, inst.ID, approval.KindRequirementsReview)
	f.approve(t, inst.ID, approval.KindCriticalQueryReview)
	rec := f.waitPending(t, inst.ID, approval.KindAccessAuthorization)

	if err := f.orch.SweepApprovals(ctx, rec.Deadline.Add(time.Hour)); err != nil {
		t.Fatalf("SweepApprovals: %v", err)
	}
	if got := f.store.instanceState(inst.ID); got != workflow.StateRejected {
		t.Errorf("state after sweep = %s, want rejected", got)
	}
}

func TestSubmitPersistenceFailureSurfacesUnavailable(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	f.store.mu.Lock()
	f.store.failTransitions = 2 // exceeds PersistRetries=1
	f.store.transitionErr = errors.New("connection refused")
	f.store.mu.Unlock()

	_, err = f.orch.ResolveApproval(ctx, approval.ResolveRequest{
		ApprovalID: rec.ID,
		Decision:   approval.DecisionApproved,
		Reviewer:   "alice",
	})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	// Memory never runs ahead of the audit trail.
	if got := f.store.instanceState(inst.ID); got != workflow.StateRequirementsReview {
		t.Errorf("state = %s, want requirements_review", got)
	}
}

func TestStatusReflectsGateSuspension(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, map[string]any{"topic": "revenue"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	sum, err := f.orch.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if sum.State != workflow.StateRequirementsReview || sum.Terminal {
		t.Errorf("summary state = %s terminal=%v", sum.State, sum.Terminal)
	}
	if sum.RunState != execution.RunStateWaitingForHuman {
		t.Errorf("run state = %s, want waiting_for_human", sum.RunState)
	}
	if len(sum.PendingApprovals) != 1 || sum.PendingApprovals[0].Kind != approval.KindRequirementsReview {
		t.Errorf("pending approvals = %+v, want one requirements-review record", sum.PendingApprovals)
	}
}

func TestRecoverReopensLostGate(t *testing.T) {
	store := newMockStore()
	f := newOrchFixture(store, okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	// Simulate a crash between persisting the gate transition and creating
	// the approval record.
	store.mu.Lock()
	delete(store.approvals, rec.ID)
	store.mu.Unlock()

	restarted := newOrchFixture(store, okAgents())
	if err := restarted.orch.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	fresh := restarted.waitPending(t, inst.ID, approval.KindRequirementsReview)
	if fresh.ID == rec.ID {
		t.Error("recovery did not create a fresh record")
	}

	// The recovered gate resolves normally.
	restarted.approve(t, inst.ID, approval.KindRequirementsReview)
	restarted.waitState(t, inst.ID, workflow.StateQueryReview)
}

func TestRecoverRedispatchesWorkState(t *testing.T) {
	store := newMockStore()
	now := time.Now()
	inst := &workflow.Instance{
		ID:      "req-recover",
		State:   workflow.StateInitial,
		Context: map[string]any{"topic": "revenue"},
		Version: 1,
		History: []workflow.HistoryEntry{{
			Seq:       0,
			State:     workflow.StateInitial,
			Event:     workflow.EventSubmitted,
			CreatedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	f := newOrchFixture(store, okAgents())
	if err := f.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	f.waitState(t, "req-recover", workflow.StateRequirementsReview)
}

func TestRecoverSkipsCorruptHistory(t *testing.T) {
	store := newMockStore()
	now := time.Now()
	inst := &workflow.Instance{
		ID:      "req-corrupt",
		State:   workflow.StateQueryReview, // row disagrees with history below
		Context: map[string]any{},
		Version: 1,
		History: []workflow.HistoryEntry{{
			Seq:       0,
			State:     workflow.StateInitial,
			Event:     workflow.EventSubmitted,
			CreatedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	f := newOrchFixture(store, okAgents())
	if err := f.orch.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	// The damaged instance is not resumed: no dispatch, no transition.
	time.Sleep(20 * time.Millisecond)
	if got := store.instanceState("req-corrupt"); got != workflow.StateQueryReview {
		t.Errorf("corrupt instance moved to %s", got)
	}
	if recs, _ := store.ListExecutions(context.Background(), "req-corrupt"); len(recs) != 0 {
		t.Errorf("corrupt instance was dispatched: %d executions", len(recs))
	}
}

func TestSubmitBroadcastsLifecycle(t *testing.T) {
	f := newOrchFixture(newMockStore(), okAgents())
	ctx := context.Background()

	inst, err := f.orch.Submit(ctx, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitPending(t, inst.ID, approval.KindRequirementsReview)

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	var sawStatus, sawGate bool
	for _, ev := range f.hub.events {
		switch ev {
		case "workflow.status":
			sawStatus = true
		case "gate.opened":
			sawGate = true
		}
	}
	if !sawStatus || !sawGate {
		t.Errorf("broadcast events = %v, want workflow.status and gate.opened", f.hub.events)
	}
}
