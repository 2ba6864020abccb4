package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	fotel "github.com/Strob0t/FlowForge/internal/adapter/otel"
	"github.com/Strob0t/FlowForge/internal/config"
	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/escalation"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
	"github.com/Strob0t/FlowForge/internal/logger"
	"github.com/Strob0t/FlowForge/internal/port/agent"
	"github.com/Strob0t/FlowForge/internal/port/broadcast"
	"github.com/Strob0t/FlowForge/internal/port/cache"
	"github.com/Strob0t/FlowForge/internal/port/database"
	"github.com/Strob0t/FlowForge/internal/port/notifier"
)

// Orchestrator drives workflow instances through the state machine. It is the
// only component that calls Advance and the only writer of workflow state:
// every stimulus (submission, agent outcome, approval resolution, timeout
// sweep, escalation action, cancellation) funnels through applyEvent, which
// serializes per-request via the live-map entry lock and persists the
// transition before any side effect fires.
type Orchestrator struct {
	machine       *workflow.Machine
	store         database.Store
	approvals     *ApprovalService
	escalations   *EscalationService
	supervisor    *RetrySupervisor
	notifications *NotificationService
	hub           broadcast.Broadcaster
	statusCache   cache.Cache
	metrics       *fotel.Metrics
	cfg           config.Orchestrator

	sem *semaphore.Weighted

	mu   sync.Mutex
	live map[string]*liveInstance

	wg sync.WaitGroup
}

// liveInstance is the in-memory authority for one active request. The entry
// lock serializes transitions; epoch invalidates dispatches that raced a
// transition applied after they started.
type liveInstance struct {
	mu     sync.Mutex
	inst   *workflow.Instance
	epoch  int
	cancel context.CancelFunc
}

// NewOrchestrator creates an Orchestrator with all dependencies.
func NewOrchestrator(
	machine *workflow.Machine,
	store database.Store,
	approvals *ApprovalService,
	escalations *EscalationService,
	supervisor *RetrySupervisor,
	notifications *NotificationService,
	hub broadcast.Broadcaster,
	statusCache cache.Cache,
	metrics *fotel.Metrics,
	cfg config.Orchestrator,
) *Orchestrator {
	return &Orchestrator{
		machine:       machine,
		store:         store,
		approvals:     approvals,
		escalations:   escalations,
		supervisor:    supervisor,
		notifications: notifications,
		hub:           hub,
		statusCache:   statusCache,
		metrics:       metrics,
		cfg:           cfg,
		sem:           semaphore.NewWeighted(cfg.MaxInFlight),
		live:          make(map[string]*liveInstance),
	}
}

// Submit creates a new workflow instance in the initial state, persists the
// submission audit entry, and dispatches the first agent.
func (s *Orchestrator) Submit(ctx context.Context, reqCtx map[string]any) (*workflow.Instance, error) {
	if reqCtx == nil {
		reqCtx = map[string]any{}
	}
	seed, err := json.Marshal(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("marshal request context: %w: %w", err, domain.ErrValidation)
	}

	now := time.Now()
	inst := &workflow.Instance{
		ID:        uuid.NewString(),
		State:     workflow.StateInitial,
		Context:   reqCtx,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		History: []workflow.HistoryEntry{{
			Seq:       0,
			State:     workflow.StateInitial,
			Event:     workflow.EventSubmitted,
			Payload:   seed,
			CreatedAt: now,
		}},
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	li := &liveInstance{inst: inst}
	s.mu.Lock()
	s.live[inst.ID] = li
	s.mu.Unlock()

	slog.Info("request submitted", "request_id", inst.ID)
	s.broadcast(ctx, "workflow.status", map[string]any{
		"request_id": inst.ID,
		"state":      inst.State,
		"event":      workflow.EventSubmitted,
	})

	li.mu.Lock()
	s.startDispatch(li)
	li.mu.Unlock()
	return inst, nil
}

// applyEvent is the single transition point. It advances the in-memory
// instance through the pure state machine, persists the transition (with
// bounded retries at the write boundary), and only then runs side effects for
// the new state. A persistence failure leaves the in-memory state untouched
// and surfaces domain.ErrUnavailable, so memory never runs ahead of the
// audit trail.
func (s *Orchestrator) applyEvent(ctx context.Context, requestID string, ev workflow.Event, payload json.RawMessage) (*workflow.Instance, error) {
	return s.apply(ctx, requestID, ev, payload, nil)
}

// applyGateEvent applies an event that resolves an approval record of the
// given kind. The guard runs under the entry lock: if the instance is not
// currently suspended on a gate of that kind (a scope-change side branch is
// open, or the request moved on) the event is refused with a conflict before
// it can advance the wrong gate.
func (s *Orchestrator) applyGateEvent(ctx context.Context, requestID string, kind approval.Kind, ev workflow.Event, payload json.RawMessage) (*workflow.Instance, error) {
	return s.apply(ctx, requestID, ev, payload, func(inst *workflow.Instance) error {
		if cur, ok := s.machine.RequiresApproval(inst.State); !ok || cur != kind {
			return fmt.Errorf("request %s in state %s is not waiting on %s: %w",
				requestID, inst.State, kind, domain.ErrConflict)
		}
		return nil
	})
}

// requireGate reports whether the request currently suspends on a gate of the
// given kind. Callers use it to refuse a resolution before the record is
// spent; applyGateEvent re-checks under the entry lock.
func (s *Orchestrator) requireGate(ctx context.Context, requestID string, kind approval.Kind) error {
	li, err := s.liveEntry(ctx, requestID)
	if err != nil {
		return err
	}
	li.mu.Lock()
	state := li.inst.State
	li.mu.Unlock()
	if cur, ok := s.machine.RequiresApproval(state); !ok || cur != kind {
		return fmt.Errorf("request %s in state %s is not waiting on %s: %w",
			requestID, state, kind, domain.ErrConflict)
	}
	return nil
}

func (s *Orchestrator) apply(ctx context.Context, requestID string, ev workflow.Event, payload json.RawMessage, guard func(*workflow.Instance) error) (*workflow.Instance, error) {
	li, err := s.liveEntry(ctx, requestID)
	if err != nil {
		return nil, err
	}

	li.mu.Lock()
	defer li.mu.Unlock()

	if guard != nil {
		if err := guard(li.inst); err != nil {
			return nil, err
		}
	}

	next, err := s.machine.Advance(li.inst, ev, payload, time.Now())
	if err != nil {
		return nil, err
	}

	entry := &next.History[len(next.History)-1]
	if err := s.persistTransition(ctx, next, entry); err != nil {
		return nil, err
	}

	li.inst = next
	li.epoch++
	if li.cancel != nil {
		li.cancel()
		li.cancel = nil
	}

	s.invalidateStatus(ctx, requestID)
	slog.Info("workflow transition",
		"request_id", requestID,
		"event", ev,
		"state", next.State,
		"seq", entry.Seq,
	)
	if s.metrics != nil {
		s.metrics.Transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", string(ev)),
			attribute.String("state", string(next.State)),
		))
	}
	s.broadcast(ctx, "workflow.status", map[string]any{
		"request_id": requestID,
		"state":      next.State,
		"event":      ev,
		"seq":        entry.Seq,
	})

	s.enterState(ctx, li, entry.Payload)
	return next, nil
}

// persistTransition writes the transition with bounded retries. A version
// conflict is not retried: it means another writer won and the in-memory
// entry is stale.
func (s *Orchestrator) persistTransition(ctx context.Context, next *workflow.Instance, entry *workflow.HistoryEntry) error {
	var err error
	for attempt := 0; attempt <= s.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			if serr := sleepCtx(ctx, s.cfg.PersistBackoff); serr != nil {
				return serr
			}
		}
		err = s.store.ApplyTransition(ctx, next, entry)
		if err == nil || errors.Is(err, domain.ErrConflict) {
			return err
		}
		slog.Warn("transition persist failed",
			"request_id", next.ID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return fmt.Errorf("persist transition for %s: %w: %w", next.ID, err, domain.ErrUnavailable)
}

// enterState runs the side effects of the state just entered. Called with the
// live entry lock held; everything long-running goes to a goroutine.
func (s *Orchestrator) enterState(ctx context.Context, li *liveInstance, payload json.RawMessage) {
	inst := li.inst
	switch {
	case inst.State.Terminal():
		s.supervisor.Release(inst.ID)
		s.mu.Lock()
		delete(s.live, inst.ID)
		s.mu.Unlock()
		s.notify(ctx, notifier.Notification{
			Title:     fmt.Sprintf("Request %s", inst.State),
			Message:   fmt.Sprintf("request %s reached terminal state %s", inst.ID, inst.State),
			Level:     terminalLevel(inst.State),
			Source:    "workflow.terminal",
			RequestID: inst.ID,
		})
		s.broadcast(ctx, "workflow.terminal", map[string]any{
			"request_id": inst.ID,
			"state":      inst.State,
		})

	case inst.State == workflow.StateEscalated:
		s.supervisor.SetWaiting(inst.ID)

	default:
		if _, ok := s.machine.RequiresAgent(inst.State); ok {
			s.startDispatch(li)
			return
		}
		if _, ok := s.machine.RequiresApproval(inst.State); ok {
			s.supervisor.SetWaiting(inst.ID)
			s.openGate(ctx, inst, payload)
		}
	}
}

// openGate creates the pending approval record for the gate state the
// instance occupies. A conflict means the gate is already open: resuming from
// a scope-change branch re-enters the gate while the original record is still
// pending, and that record stays authoritative. Other failures are logged,
// not fatal: the state is already durable and Recover re-creates missing
// pending records.
func (s *Orchestrator) openGate(ctx context.Context, inst *workflow.Instance, payload json.RawMessage) {
	kind, ok := s.machine.RequiresApproval(inst.State)
	if !ok {
		return
	}
	rec, err := s.approvals.Open(ctx, inst.ID, kind, payload)
	if errors.Is(err, domain.ErrConflict) {
		slog.Debug("approval gate already open", "request_id", inst.ID, "kind", kind)
		return
	}
	if err != nil {
		slog.Error("failed to open approval gate",
			"request_id", inst.ID,
			"kind", kind,
			"error", err,
		)
		return
	}
	if s.metrics != nil {
		s.metrics.ApprovalsOpened.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
		))
	}
	s.notify(ctx, notifier.Notification{
		Title:     fmt.Sprintf("Approval needed: %s", kind),
		Message:   fmt.Sprintf("request %s is waiting for %s (deadline %s)", inst.ID, kind, rec.Deadline.Format(time.RFC3339)),
		Level:     "info",
		Source:    "gate.opened",
		RequestID: inst.ID,
	})
	s.broadcast(ctx, "gate.opened", map[string]any{
		"request_id":  inst.ID,
		"approval_id": rec.ID,
		"kind":        kind,
		"deadline":    rec.Deadline,
	})
}

// startDispatch launches the agent episode for the work state the instance
// occupies. Called with the live entry lock held. The captured epoch lets the
// completion handler detect that a competing transition (cancellation, scope
// change) was applied while the episode ran, in which case the outcome is
// dropped.
func (s *Orchestrator) startDispatch(li *liveInstance) {
	inst := li.inst
	binding, ok := s.machine.RequiresAgent(inst.State)
	if !ok {
		return
	}
	wctx, err := workflow.CloneContext(inst.Context)
	if err != nil {
		slog.Error("failed to snapshot context for dispatch", "request_id", inst.ID, "error", err)
		return
	}

	dctx, cancel := context.WithCancel(logger.WithRequestID(context.Background(), inst.ID))
	li.cancel = cancel
	epoch := li.epoch
	requestID := inst.ID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		if err := s.sem.Acquire(dctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		res, err := s.supervisor.Invoke(dctx, requestID, binding.AgentID, binding.Task, wctx)

		li.mu.Lock()
		stale := li.epoch != epoch
		li.mu.Unlock()
		if stale || dctx.Err() != nil {
			slog.Debug("dropping stale agent outcome", "request_id", requestID, "agent", binding.AgentID)
			return
		}

		// Applying the outcome cancels dctx (it is the dispatch this
		// transition supersedes), so the outcome itself runs detached:
		// the new state's gate record and escalation must still land.
		octx := context.WithoutCancel(dctx)

		switch {
		case err != nil:
			slog.Error("agent episode aborted", "request_id", requestID, "agent", binding.AgentID, "error", err)
			s.failDispatch(octx, requestID, binding, err.Error())

		case res.Success:
			s.completeDispatch(octx, requestID, binding, res)

		default:
			s.failDispatch(octx, requestID, binding, res.Error)
		}
	}()
}

// completeDispatch applies the success transition. The agent's output merges
// into the workflow context under a per-agent key so downstream states see it
// and replay reproduces it.
func (s *Orchestrator) completeDispatch(ctx context.Context, requestID string, binding workflow.AgentBinding, res *agent.Result) {
	var payload json.RawMessage
	if len(res.Output) > 0 {
		var err error
		payload, err = json.Marshal(map[string]any{
			binding.AgentID + "_result": json.RawMessage(res.Output),
		})
		if err != nil {
			slog.Error("failed to encode agent output", "request_id", requestID, "error", err)
		}
	}

	next, err := s.applyEvent(ctx, requestID, workflow.EventAgentSucceeded, payload)
	if err != nil {
		slog.Error("failed to apply agent success", "request_id", requestID, "error", err)
		return
	}

	// Routing hints are advisory. The table is authoritative; a hint that
	// disagrees with it is logged and ignored.
	if res.NextAgent != "" {
		if b, ok := s.machine.RequiresAgent(next.State); !ok || b.AgentID != res.NextAgent ||
			(res.NextTask != "" && b.Task != res.NextTask) {
			slog.Warn("ignoring agent routing hint",
				"request_id", requestID,
				"hint_agent", res.NextAgent,
				"hint_task", res.NextTask,
				"next_state", next.State,
			)
		}
	}
}

// failDispatch applies the terminal-failure transition and raises exactly one
// escalation for the failed episode.
func (s *Orchestrator) failDispatch(ctx context.Context, requestID string, binding workflow.AgentBinding, detail string) {
	payload, _ := json.Marshal(map[string]any{
		"agent": binding.AgentID,
		"task":  binding.Task,
		"error": detail,
	})
	if _, err := s.applyEvent(ctx, requestID, workflow.EventAgentFailed, payload); err != nil {
		slog.Error("failed to apply agent failure", "request_id", requestID, "error", err)
		return
	}
	if _, err := s.escalations.Raise(ctx, requestID, escalation.CauseAgentFailure, escalation.SeverityCritical,
		fmt.Sprintf("agent %s task %s failed: %s", binding.AgentID, binding.Task, detail)); err != nil {
		slog.Error("failed to raise escalation", "request_id", requestID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.EscalationsRaised.Add(ctx, 1, metric.WithAttributes(
			attribute.String("cause", string(escalation.CauseAgentFailure)),
		))
	}
}

// liveEntry returns the live-map entry for a request, loading it from the
// store on a miss so externally triggered events work after a restart even
// before Recover has run.
func (s *Orchestrator) liveEntry(ctx context.Context, requestID string) (*liveInstance, error) {
	s.mu.Lock()
	if li, ok := s.live[requestID]; ok {
		s.mu.Unlock()
		return li, nil
	}
	s.mu.Unlock()

	inst, err := s.store.GetInstance(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if inst.State.Terminal() {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, inst.State, domain.ErrInvalidTransition)
	}
	history, err := s.store.LoadHistory(ctx, requestID)
	if err != nil {
		return nil, err
	}
	inst.History = history

	s.mu.Lock()
	defer s.mu.Unlock()
	if li, ok := s.live[requestID]; ok {
		return li, nil
	}
	li := &liveInstance{inst: inst}
	s.live[requestID] = li
	return li, nil
}

func (s *Orchestrator) notify(ctx context.Context, n notifier.Notification) {
	if s.notifications != nil {
		s.notifications.Send(ctx, n)
	}
}

func (s *Orchestrator) broadcast(ctx context.Context, eventType string, payload any) {
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, eventType, payload)
	}
}

func terminalLevel(s workflow.State) string {
	switch s {
	case workflow.StateCompleted:
		return "info"
	case workflow.StateFailed:
		return "error"
	default:
		return "warning"
	}
}
