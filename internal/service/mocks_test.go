package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/escalation"
	"github.com/Strob0t/FlowForge/internal/domain/execution"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
	"github.com/Strob0t/FlowForge/internal/port/agent"
	"github.com/Strob0t/FlowForge/internal/port/notifier"
)

// mockStore is an in-memory database.Store honoring the same contracts as
// the postgres adapter: version-guarded transitions, one pending approval per
// (request, kind), one-way resolutions, and writes that fail once the caller's
// context is cancelled.
type mockStore struct {
	mu          sync.Mutex
	instances   map[string]*workflow.Instance
	history     map[string][]workflow.HistoryEntry
	executions  []*execution.Record
	approvals   map[string]*approval.Record
	escalations map[string]*escalation.Record

	failTransitions int
	transitionErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		instances:   make(map[string]*workflow.Instance),
		history:     make(map[string][]workflow.HistoryEntry),
		approvals:   make(map[string]*approval.Record),
		escalations: make(map[string]*escalation.Record),
	}
}

func copyInstance(in *workflow.Instance) *workflow.Instance {
	out := *in
	out.History = nil
	out.Context, _ = workflow.CloneContext(in.Context)
	return &out
}

func (s *mockStore) CreateInstance(ctx context.Context, in *workflow.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[in.ID]; ok {
		return domain.ErrConflict
	}
	s.instances[in.ID] = copyInstance(in)
	s.history[in.ID] = append([]workflow.HistoryEntry(nil), in.History...)
	return nil
}

func (s *mockStore) GetInstance(_ context.Context, id string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	return copyInstance(in), nil
}

func (s *mockStore) ApplyTransition(ctx context.Context, in *workflow.Instance, e *workflow.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTransitions > 0 {
		s.failTransitions--
		return s.transitionErr
	}
	cur, ok := s.instances[in.ID]
	if !ok {
		return fmt.Errorf("instance %s: %w", in.ID, domain.ErrNotFound)
	}
	if cur.Version != in.Version {
		return fmt.Errorf("stale version %d: %w", in.Version, domain.ErrConflict)
	}
	next := copyInstance(in)
	next.Version++
	s.instances[in.ID] = next
	s.history[in.ID] = append(s.history[in.ID], *e)
	in.Version++
	return nil
}

func (s *mockStore) ListActiveInstances(_ context.Context) ([]workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []workflow.Instance
	for _, in := range s.instances {
		if !in.State.Terminal() {
			out = append(out, *copyInstance(in))
		}
	}
	return out, nil
}

func (s *mockStore) LoadHistory(_ context.Context, requestID string) ([]workflow.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.HistoryEntry(nil), s.history[requestID]...), nil
}

func (s *mockStore) AppendExecution(ctx context.Context, r *execution.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *r
	s.executions = append(s.executions, &rec)
	return nil
}

func (s *mockStore) FinishExecution(ctx context.Context, id string, outcome execution.Outcome, result json.RawMessage, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.executions {
		if r.ID == id {
			if r.FinishedAt != nil {
				return fmt.Errorf("execution %s finished: %w", id, domain.ErrConflict)
			}
			now := time.Now()
			r.Outcome = outcome
			r.Result = result
			r.Error = errMsg
			r.FinishedAt = &now
			return nil
		}
	}
	return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
}

func (s *mockStore) ListExecutions(_ context.Context, requestID string) ([]execution.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.Record
	for _, r := range s.executions {
		if r.RequestID == requestID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *mockStore) CountAttempts(_ context.Context, requestID, agentID, task string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.executions {
		if r.RequestID == requestID && r.AgentID == agentID && r.Task == task {
			count++
		}
	}
	return count, nil
}

func (s *mockStore) CreateApproval(ctx context.Context, r *approval.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.approvals {
		if existing.RequestID == r.RequestID && existing.Kind == r.Kind && existing.Status == approval.StatusPending {
			return fmt.Errorf("pending %s approval exists: %w", r.Kind, domain.ErrConflict)
		}
	}
	rec := *r
	s.approvals[r.ID] = &rec
	return nil
}

func (s *mockStore) GetApproval(_ context.Context, id string) (*approval.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	rec := *r
	return &rec, nil
}

func (s *mockStore) GetPendingApproval(_ context.Context, requestID string, kind approval.Kind) (*approval.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.approvals {
		if r.RequestID == requestID && r.Kind == kind && r.Status == approval.StatusPending {
			rec := *r
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("pending %s approval: %w", kind, domain.ErrNotFound)
}

func (s *mockStore) ResolveApproval(ctx context.Context, id string, status approval.Status, reviewer, notes string, delta json.RawMessage, resolvedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[id]
	if !ok {
		return fmt.Errorf("approval %s: %w", id, domain.ErrNotFound)
	}
	if r.Status != approval.StatusPending {
		return fmt.Errorf("approval %s is %s: %w", id, r.Status, domain.ErrConflict)
	}
	r.Status = status
	r.Reviewer = reviewer
	r.Notes = notes
	r.Delta = delta
	r.ResolvedAt = &resolvedAt
	return nil
}

func (s *mockStore) ListApprovals(_ context.Context, requestID string) ([]approval.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approval.Record
	for _, r := range s.approvals {
		if r.RequestID == requestID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *mockStore) ListExpiredApprovals(_ context.Context, now time.Time) ([]approval.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approval.Record
	for _, r := range s.approvals {
		if r.Status == approval.StatusPending && !r.Deadline.After(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *mockStore) CreateEscalation(ctx context.Context, r *escalation.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *r
	s.escalations[r.ID] = &rec
	return nil
}

func (s *mockStore) GetEscalation(_ context.Context, id string) (*escalation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation %s: %w", id, domain.ErrNotFound)
	}
	rec := *r
	return &rec, nil
}

func (s *mockStore) ResolveEscalation(ctx context.Context, id string, action escalation.Action, resolvedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.escalations[id]
	if !ok {
		return fmt.Errorf("escalation %s: %w", id, domain.ErrNotFound)
	}
	if r.ResolvedAt != nil {
		return fmt.Errorf("escalation %s resolved: %w", id, domain.ErrConflict)
	}
	r.Action = action
	r.ResolvedAt = &resolvedAt
	return nil
}

func (s *mockStore) ListEscalations(_ context.Context, requestID string) ([]escalation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []escalation.Record
	for _, r := range s.escalations {
		if r.RequestID == requestID {
			out = append(out, *r)
		}
	}
	return out, nil
}

// instanceState reads the persisted state directly, for test assertions.
func (s *mockStore) instanceState(id string) workflow.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return ""
	}
	return in.State
}

// pendingFor returns the pending approval record for a request, if any.
func (s *mockStore) pendingFor(requestID string) *approval.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.approvals {
		if r.RequestID == requestID && r.Status == approval.StatusPending {
			rec := *r
			return &rec
		}
	}
	return nil
}

// escalationsFor returns all escalations for a request.
func (s *mockStore) escalationsFor(requestID string) []escalation.Record {
	out, _ := s.ListEscalations(context.Background(), requestID)
	return out
}

// scriptedAgent returns canned results in order, repeating the last one.
type scriptedAgent struct {
	name    string
	mu      sync.Mutex
	results []*agent.Result
	calls   []agent.Invocation
	block   chan struct{} // if set, Execute waits for close or ctx
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Execute(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	if a.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.block:
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, inv)
	res := a.results[0]
	if len(a.results) > 1 {
		a.results = a.results[1:]
	}
	return res, nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func okResult() *agent.Result {
	return &agent.Result{Success: true, Output: json.RawMessage(`{"done":true}`)}
}

func failResult(retryable bool) *agent.Result {
	return &agent.Result{Success: false, Error: "boom", Retryable: retryable}
}

// mockHub records broadcast events.
type mockHub struct {
	mu     sync.Mutex
	events []string
}

func (h *mockHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eventType)
}

// mockNotifier implements notifier.Notifier for testing.
type mockNotifier struct {
	name    string
	mu      sync.Mutex
	sent    []notifier.Notification
	sendErr error
}

func (m *mockNotifier) Name() string                        { return m.name }
func (m *mockNotifier) Capabilities() notifier.Capabilities { return notifier.Capabilities{} }
func (m *mockNotifier) Send(_ context.Context, n notifier.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, n)
	return nil
}
