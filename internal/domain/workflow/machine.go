package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/FlowForge/internal/domain"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
)

// stateResume is a pseudo-target in the transition table meaning "return to
// the instance's recorded resume state". It never appears as a current state.
const stateResume State = "__resume__"

// TimeoutAction selects how an approval-timeout event is routed for a kind.
type TimeoutAction string

const (
	TimeoutReject   TimeoutAction = "reject"   // auto-reject the request
	TimeoutEscalate TimeoutAction = "escalate" // hold for manual override
)

// AgentBinding maps a work state to the agent and task that must run in it.
type AgentBinding struct {
	AgentID string
	Task    string
}

var agentBindings = map[State]AgentBinding{
	StateRequirementsAnalysis: {AgentID: "requirements", Task: "analyze"},
	StateQuerySynthesis:       {AgentID: "query", Task: "synthesize"},
	StateDataRetrieval:        {AgentID: "retrieval", Task: "execute"},
	StateQualityAssessment:    {AgentID: "quality", Task: "score"},
	StateDelivery:             {AgentID: "delivery", Task: "package"},
}

var gateKinds = map[State]approval.Kind{
	StateRequirementsReview:  approval.KindRequirementsReview,
	StateQueryReview:         approval.KindCriticalQueryReview,
	StateAccessAuthorization: approval.KindAccessAuthorization,
	StateQualityReview:       approval.KindQualityReview,
	StateScopeChangeReview:   approval.KindScopeChange,
}

// EventForDecision maps a reviewer decision to the workflow event fed into
// Advance.
func EventForDecision(d approval.Decision) Event {
	switch d {
	case approval.DecisionApproved:
		return EventApprovalApproved
	case approval.DecisionModified:
		return EventApprovalModified
	default:
		return EventApprovalRejected
	}
}

// Machine is the fixed transition table, specialized with the per-kind
// approval-timeout routing chosen at construction time. Advance is a pure
// function; all side effects belong to the orchestrator.
type Machine struct {
	table map[State]map[Event]State
}

// NewMachine builds the transition table. The routing map selects, per
// approval kind, whether a timed-out gate auto-rejects or escalates; kinds
// absent from the map escalate.
func NewMachine(routing map[approval.Kind]TimeoutAction) *Machine {
	timeoutTarget := func(k approval.Kind) State {
		if routing[k] == TimeoutReject {
			return StateRejected
		}
		return StateEscalated
	}

	t := map[State]map[Event]State{}

	// Work states: success advances, terminal failure holds for escalation.
	workNext := map[State]State{
		StateRequirementsAnalysis: StateRequirementsReview,
		StateQuerySynthesis:       StateQueryReview,
		StateDataRetrieval:        StateQualityAssessment,
		StateQualityAssessment:    StateQualityReview,
		StateDelivery:             StateCompleted,
	}
	for s, next := range workNext {
		t[s] = map[Event]State{
			EventAgentSucceeded: next,
			EventAgentFailed:    StateEscalated,
		}
	}

	// Gate states: approval (or modification) advances, rejection terminates.
	gateNext := map[State]State{
		StateRequirementsReview:  StateQuerySynthesis,
		StateQueryReview:         StateAccessAuthorization,
		StateAccessAuthorization: StateDataRetrieval,
		StateQualityReview:       StateDelivery,
	}
	for s, next := range gateNext {
		t[s] = map[Event]State{
			EventApprovalApproved: next,
			EventApprovalModified: next,
			EventApprovalRejected: StateRejected,
			EventApprovalTimedOut: timeoutTarget(gateKinds[s]),
		}
	}

	// Scope-change review is a side branch: every resolution returns to the
	// snapshotted state. A timeout restores the snapshot like a rejection.
	t[StateScopeChangeReview] = map[Event]State{
		EventApprovalApproved:    stateResume,
		EventApprovalModified:    stateResume,
		EventApprovalRejected:    stateResume,
		EventApprovalTimedOut:    stateResume,
		EventScopeChangeResolved: stateResume,
	}

	// Escalated: a human remedial action decides the outcome.
	t[StateEscalated] = map[Event]State{
		EventEscalationRetry:     stateResume,
		EventEscalationForceFail: StateFailed,
		EventEscalationForced:    StateCompleted,
	}

	// Cancellation is valid from any non-terminal state. Scope changes are
	// too, except from the side branch itself and from the escalation hold,
	// both of which already carry a resume state that must not be clobbered.
	for s := range t {
		t[s][EventCancelRequested] = StateCancelled
		if s != StateScopeChangeReview && s != StateEscalated {
			t[s][EventScopeChangeRequested] = StateScopeChangeReview
		}
	}

	return &Machine{table: t}
}

// RequiresAgent returns the agent/task binding for a work state, or false if
// the state is a gate, hold, or terminal state.
func (m *Machine) RequiresAgent(s State) (AgentBinding, bool) {
	b, ok := agentBindings[s]
	return b, ok
}

// RequiresApproval returns the approval kind a gate state suspends on, or
// false if the state is not a gate.
func (m *Machine) RequiresApproval(s State) (approval.Kind, bool) {
	k, ok := gateKinds[s]
	return k, ok
}

// Next resolves the transition table for (state, event) without applying it.
// A stateResume target is resolved against resume.
func (m *Machine) next(s State, ev Event, resume State) (State, error) {
	events, ok := m.table[s]
	if !ok {
		return "", fmt.Errorf("event %s in terminal state %s: %w", ev, s, domain.ErrInvalidTransition)
	}
	target, ok := events[ev]
	if !ok {
		return "", fmt.Errorf("event %s not valid in state %s: %w", ev, s, domain.ErrInvalidTransition)
	}
	if target == stateResume {
		if resume == "" {
			return "", fmt.Errorf("no resume state recorded for %s in %s: %w", ev, s, domain.ErrInvalidTransition)
		}
		return resume, nil
	}
	return target, nil
}

// Advance applies event to the instance and returns the successor instance.
// The input instance is not mutated. Invalid (state, event) pairs are
// rejected with ErrInvalidTransition, which protects against duplicate or
// out-of-order delivery. Context bookkeeping for scope changes (snapshot on
// entry, merge or restore on resolution) happens here so that replaying the
// history reproduces the context as well as the state.
func (m *Machine) Advance(in *Instance, ev Event, payload json.RawMessage, now time.Time) (*Instance, error) {
	nextState, err := m.next(in.State, ev, in.ResumeState)
	if err != nil {
		return nil, err
	}

	out := *in
	out.Context, err = CloneContext(in.Context)
	if err != nil {
		return nil, err
	}
	out.History = append(append([]HistoryEntry(nil), in.History...), HistoryEntry{
		Seq:       len(in.History),
		State:     nextState,
		Event:     ev,
		Payload:   payload,
		CreatedAt: now,
	})

	switch {
	case ev == EventScopeChangeRequested:
		snapshot, err := in.CanonicalContext()
		if err != nil {
			return nil, fmt.Errorf("snapshot context: %w", err)
		}
		out.ResumeState = in.State
		out.ContextSnapshot = snapshot

	case in.State == StateScopeChangeReview:
		if err := m.resolveScopeChange(&out, ev, payload); err != nil {
			return nil, err
		}

	case ev == EventAgentFailed:
		// Remember the failing work state so an escalation retry can re-enter it.
		out.ResumeState = in.State

	case ev == EventApprovalTimedOut && nextState == StateEscalated:
		// A timed-out gate routed to escalation resumes at the gate itself.
		out.ResumeState = in.State

	case ev == EventEscalationRetry:
		out.ResumeState = ""

	case ev == EventApprovalModified, ev == EventAgentSucceeded:
		out.Context, err = MergeDelta(out.Context, payload)
		if err != nil {
			return nil, err
		}
	}

	out.State = nextState
	out.UpdatedAt = now
	return &out, nil
}

// resolveScopeChange merges the approved delta into the context or restores
// the pre-request snapshot, then clears the side-branch bookkeeping.
func (m *Machine) resolveScopeChange(out *Instance, ev Event, payload json.RawMessage) error {
	switch ev {
	case EventApprovalApproved, EventApprovalModified, EventScopeChangeResolved:
		merged, err := MergeDelta(out.Context, payload)
		if err != nil {
			return err
		}
		out.Context = merged
	case EventApprovalRejected, EventApprovalTimedOut:
		if len(out.ContextSnapshot) > 0 {
			var restored map[string]any
			if err := json.Unmarshal(out.ContextSnapshot, &restored); err != nil {
				return fmt.Errorf("restore context snapshot: %w", err)
			}
			out.Context = restored
		}
	}
	out.ResumeState = ""
	out.ContextSnapshot = nil
	return nil
}

// Replay folds a persisted history and returns the state it reconstructs,
// verifying every recorded transition against the table. The first entry must
// be the submission entry. Used on cold start to prove the instance row and
// its history agree.
func (m *Machine) Replay(entries []HistoryEntry) (State, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("empty history: %w", domain.ErrValidation)
	}
	if entries[0].Event != EventSubmitted || entries[0].State != StateInitial {
		return "", fmt.Errorf("history does not begin with submission: %w", domain.ErrValidation)
	}

	cur := StateInitial
	var resume State
	for _, e := range entries[1:] {
		target, err := m.next(cur, e.Event, resume)
		if err != nil {
			return "", fmt.Errorf("history seq %d: %w", e.Seq, err)
		}
		if target != e.State {
			return "", fmt.Errorf("history seq %d: recorded state %s, table says %s: %w",
				e.Seq, e.State, target, domain.ErrValidation)
		}
		switch {
		case e.Event == EventScopeChangeRequested, e.Event == EventAgentFailed:
			resume = cur
		case e.Event == EventApprovalTimedOut && target == StateEscalated:
			resume = cur
		case cur == StateScopeChangeReview, cur == StateEscalated:
			resume = ""
		}
		cur = target
	}
	return cur, nil
}
