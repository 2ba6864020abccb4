// Package worker implements the agent port for remote workers reachable over
// NATS. A dispatch message fans out per agent subject; the worker replies on
// the shared result subject with the originating call ID, which a single
// router subscription correlates back to the waiting invocation.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Strob0t/FlowForge/internal/port/agent"
	"github.com/Strob0t/FlowForge/internal/port/messagequeue"
)

const providerName = "worker"

// Register subscribes the shared result router and registers the worker agent
// factory. The factory's config must carry "name": the workflow agent ID the
// instance answers for.
func Register(ctx context.Context, queue messagequeue.Queue) error {
	r, err := newRouter(ctx, queue)
	if err != nil {
		return fmt.Errorf("worker: result router: %w", err)
	}
	agent.Register(providerName, func(config map[string]string) (agent.Agent, error) {
		name := config["name"]
		if name == "" {
			return nil, fmt.Errorf("worker: config key %q is required", "name")
		}
		return &Agent{name: name, queue: queue, router: r}, nil
	})
	return nil
}

// Agent dispatches one workflow agent's tasks to remote workers.
type Agent struct {
	name   string
	queue  messagequeue.Queue
	router *router
}

// Name returns the workflow agent ID this instance answers for.
func (a *Agent) Name() string { return a.name }

// Execute dispatches the invocation and blocks until the correlated result
// arrives or the context ends. On cancellation a best-effort cancel message
// tells the worker to abandon the in-flight task.
func (a *Agent) Execute(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	callID := uuid.NewString()
	ch := a.router.register(callID)
	defer a.router.unregister(callID)

	data, err := json.Marshal(messagequeue.TaskDispatchPayload{
		CallID:    callID,
		RequestID: inv.RequestID,
		AgentID:   inv.AgentID,
		Task:      inv.Task,
		Attempt:   inv.Attempt,
		Context:   inv.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: marshal dispatch: %w", err)
	}

	subject := messagequeue.SubjectTaskDispatch + "." + inv.AgentID
	if err := a.queue.Publish(ctx, subject, data); err != nil {
		return nil, fmt.Errorf("worker: dispatch %s: %w", subject, err)
	}

	select {
	case <-ctx.Done():
		a.sendCancel(callID, inv.RequestID)
		return nil, ctx.Err()
	case res := <-ch:
		return resultFromPayload(res), nil
	}
}

func (a *Agent) sendCancel(callID, requestID string) {
	data, err := json.Marshal(messagequeue.TaskCancelPayload{
		CallID:    callID,
		RequestID: requestID,
	})
	if err != nil {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.Background(), cancelPublishTimeout)
	defer cancel()
	_ = a.queue.Publish(cancelCtx, messagequeue.SubjectTaskCancel, data)
}

// resultFromPayload converts the wire result to the agent port result. Output
// that is not valid JSON is quoted so downstream context merges stay valid.
func resultFromPayload(p *messagequeue.TaskResultPayload) *agent.Result {
	var output json.RawMessage
	if p.Output != "" {
		if json.Valid([]byte(p.Output)) {
			output = json.RawMessage(p.Output)
		} else if quoted, err := json.Marshal(p.Output); err == nil {
			output = quoted
		}
	}
	return &agent.Result{
		Success:   p.Success,
		Output:    output,
		Error:     p.Error,
		Retryable: p.Retryable,
		NextAgent: p.NextAgent,
		NextTask:  p.NextTask,
	}
}
