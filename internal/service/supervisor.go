package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	fotel "github.com/Strob0t/FlowForge/internal/adapter/otel"
	"github.com/Strob0t/FlowForge/internal/config"
	"github.com/Strob0t/FlowForge/internal/domain/execution"
	"github.com/Strob0t/FlowForge/internal/port/agent"
	"github.com/Strob0t/FlowForge/internal/port/database"
)

// RetrySupervisor runs one agent episode: a bounded sequence of invocation
// attempts with exponential backoff, each recorded as an append-only
// ExecutionRecord before it starts and finished exactly once. Attempt numbers
// continue from the durable per-(request, agent, task) count, so numbering
// survives restarts and escalation retries, while each episode gets a full
// attempt budget of its own.
type RetrySupervisor struct {
	agents  map[string]agent.Agent
	store   database.Store
	cfg     config.Retry
	metrics *fotel.Metrics

	runStates sync.Map // requestID -> execution.RunState
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRetrySupervisor creates a RetrySupervisor over the given agent bindings.
func NewRetrySupervisor(agents map[string]agent.Agent, store database.Store, cfg config.Retry, metrics *fotel.Metrics) *RetrySupervisor {
	return &RetrySupervisor{
		agents:  agents,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Invoke runs one episode for (requestID, agentID, task) against the given
// context blob. It returns the final result: either the first successful one
// or the last failure after the attempt budget is exhausted or a permanent
// failure short-circuits. A non-nil error means the episode itself could not
// run (unknown agent, persistence failure, cancellation); the caller decides
// nothing about workflow state from a partial episode.
func (s *RetrySupervisor) Invoke(ctx context.Context, requestID, agentID, task string, wctx map[string]any) (*agent.Result, error) {
	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("no agent registered for %q", agentID)
	}

	prior, err := s.store.CountAttempts(ctx, requestID, agentID, task)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}

	ctx, span := fotel.StartDispatchSpan(ctx, requestID, agentID, task)
	defer span.End()

	s.setRunState(requestID, execution.RunStateWorking)
	defer s.clearRunState(requestID)

	first := prior + 1
	last := prior + s.cfg.MaxAttempts
	var res *agent.Result
	for attempt := first; attempt <= last; attempt++ {
		if attempt > first {
			if err := s.sleep(ctx, s.backoff(attempt-first)); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err = s.attempt(ctx, a, agent.Invocation{
			RequestID: requestID,
			AgentID:   agentID,
			Task:      task,
			Attempt:   attempt,
			Context:   wctx,
		})
		if err != nil {
			return nil, err
		}
		if res.Success {
			return res, nil
		}
		if !res.Retryable {
			slog.Warn("agent failed permanently",
				"request_id", requestID,
				"agent", agentID,
				"attempt", attempt,
				"error", res.Error,
			)
			break
		}
		slog.Warn("agent attempt failed",
			"request_id", requestID,
			"agent", agentID,
			"attempt", attempt,
			"remaining", last-attempt,
			"error", res.Error,
		)
	}

	s.setRunState(requestID, execution.RunStateFailed)
	return res, nil
}

// attempt records, runs, and finishes a single invocation. Agent panics and
// transport errors are folded into a retryable failed Result so the episode
// loop stays in charge of the retry decision.
func (s *RetrySupervisor) attempt(ctx context.Context, a agent.Agent, inv agent.Invocation) (*agent.Result, error) {
	rec := &execution.Record{
		ID:        uuid.NewString(),
		RequestID: inv.RequestID,
		AgentID:   inv.AgentID,
		Task:      inv.Task,
		Attempt:   inv.Attempt,
		Outcome:   execution.OutcomeRetrying,
		StartedAt: s.now(),
	}
	if err := s.store.AppendExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("append execution record: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.InvokeTimeout)
	attemptCtx, span := fotel.StartAttemptSpan(attemptCtx, inv.RequestID, inv.Attempt)
	start := s.now()
	res, err := a.Execute(attemptCtx, inv)
	span.End()
	cancel()

	if s.metrics != nil {
		s.metrics.AgentAttempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent", inv.AgentID),
			attribute.Bool("success", err == nil && res != nil && res.Success),
		))
		s.metrics.AgentDuration.Record(ctx, s.now().Sub(start).Seconds(), metric.WithAttributes(
			attribute.String("agent", inv.AgentID),
		))
	}

	if err != nil {
		res = &agent.Result{Error: err.Error(), Retryable: true}
	}

	outcome := execution.OutcomeFailure
	var output json.RawMessage
	if res.Success {
		outcome = execution.OutcomeSuccess
		output = res.Output
	}
	if err := s.store.FinishExecution(ctx, rec.ID, outcome, output, res.Error); err != nil {
		return nil, fmt.Errorf("finish execution record: %w", err)
	}
	return res, nil
}

// backoff computes the delay before the nth retry within an episode (n >= 1):
// base * 2^(n-1), jittered by the configured fraction, capped at MaxDelay.
func (s *RetrySupervisor) backoff(n int) time.Duration {
	d := s.cfg.BaseDelay << (n - 1)
	if d > s.cfg.MaxDelay || d <= 0 {
		d = s.cfg.MaxDelay
	}
	if j := s.cfg.Jitter; j > 0 {
		f := 1 - j + 2*j*rand.Float64()
		d = time.Duration(float64(d) * f)
	}
	return d
}

// RunState returns the transient run state for a request, RunStateIdle if no
// episode is in flight.
func (s *RetrySupervisor) RunState(requestID string) execution.RunState {
	if v, ok := s.runStates.Load(requestID); ok {
		return v.(execution.RunState)
	}
	return execution.RunStateIdle
}

// SetWaiting marks a request as suspended for human input, for status reads.
func (s *RetrySupervisor) SetWaiting(requestID string) {
	s.setRunState(requestID, execution.RunStateWaitingForHuman)
}

func (s *RetrySupervisor) setRunState(requestID string, rs execution.RunState) {
	s.runStates.Store(requestID, rs)
}

func (s *RetrySupervisor) clearRunState(requestID string) {
	if v, ok := s.runStates.Load(requestID); ok && v.(execution.RunState) == execution.RunStateWorking {
		s.runStates.Delete(requestID)
	}
}

// Release drops all transient run state for a request once it reaches a
// terminal workflow state.
func (s *RetrySupervisor) Release(requestID string) {
	s.runStates.Delete(requestID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
