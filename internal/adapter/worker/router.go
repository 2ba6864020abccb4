package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/FlowForge/internal/port/messagequeue"
)

const cancelPublishTimeout = 5 * time.Second

// router owns the single subscription on the shared result subject and fans
// results out to the invocation waiting on each call ID. A result for a call
// nobody waits on (late reply after cancellation) is dropped.
type router struct {
	mu      sync.Mutex
	pending map[string]chan *messagequeue.TaskResultPayload
	stop    func()
}

func newRouter(ctx context.Context, queue messagequeue.Queue) (*router, error) {
	r := &router{pending: make(map[string]chan *messagequeue.TaskResultPayload)}
	stop, err := queue.Subscribe(ctx, messagequeue.SubjectTaskResult, r.handle)
	if err != nil {
		return nil, err
	}
	r.stop = stop
	return r, nil
}

func (r *router) handle(_ context.Context, subject string, data []byte) error {
	var payload messagequeue.TaskResultPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("worker: malformed result on %s: %w", subject, err)
	}

	r.mu.Lock()
	ch, ok := r.pending[payload.CallID]
	if ok {
		delete(r.pending, payload.CallID)
	}
	r.mu.Unlock()

	if !ok {
		slog.Debug("worker: dropping unclaimed result",
			"call_id", payload.CallID,
			"request_id", payload.RequestID,
		)
		return nil
	}
	ch <- &payload
	return nil
}

func (r *router) register(callID string) <-chan *messagequeue.TaskResultPayload {
	ch := make(chan *messagequeue.TaskResultPayload, 1)
	r.mu.Lock()
	r.pending[callID] = ch
	r.mu.Unlock()
	return ch
}

func (r *router) unregister(callID string) {
	r.mu.Lock()
	delete(r.pending, callID)
	r.mu.Unlock()
}

// Stop cancels the result subscription.
func (r *router) Stop() {
	if r.stop != nil {
		r.stop()
	}
}
