package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/FlowForge/internal/adapter/ws"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/escalation"
	"github.com/Strob0t/FlowForge/internal/port/messagequeue"
	"github.com/Strob0t/FlowForge/internal/service"
)

// Handlers bundles all HTTP handler dependencies.
type Handlers struct {
	orch          *service.Orchestrator
	approvals     *service.ApprovalService
	escalations   *service.EscalationService
	notifications *service.NotificationService
	hub           *ws.Hub
	queue         messagequeue.Queue
	pool          *pgxpool.Pool
}

// NewHandlers creates the handler set.
func NewHandlers(
	orch *service.Orchestrator,
	approvals *service.ApprovalService,
	escalations *service.EscalationService,
	notifications *service.NotificationService,
	hub *ws.Hub,
	queue messagequeue.Queue,
	pool *pgxpool.Pool,
) *Handlers {
	return &Handlers{
		orch:          orch,
		approvals:     approvals,
		escalations:   escalations,
		notifications: notifications,
		hub:           hub,
		queue:         queue,
		pool:          pool,
	}
}

// --- Requests ---

type submitRequest struct {
	Context map[string]any `json:"context"`
}

// SubmitRequest handles POST /api/requests.
func (h *Handlers) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitRequest](w, r)
	if !ok {
		return
	}
	inst, err := h.orch.Submit(r.Context(), req.Context)
	if err != nil {
		writeDomainError(w, err, "request not created")
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// GetRequest handles GET /api/requests/{id}.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sum, err := h.orch.Status(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetRequestHistory handles GET /api/requests/{id}/history.
func (h *Handlers) GetRequestHistory(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	entries, err := h.orch.History(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListRequestExecutions handles GET /api/requests/{id}/executions.
func (h *Handlers) ListRequestExecutions(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	records, err := h.orch.Executions(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type scopeChangeRequest struct {
	Delta  json.RawMessage `json:"delta"`
	Reason string          `json:"reason"`
}

// RequestScopeChange handles POST /api/requests/{id}/scope-change.
func (h *Handlers) RequestScopeChange(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[scopeChangeRequest](w, r)
	if !ok {
		return
	}
	inst, err := h.orch.RequestScopeChange(r.Context(), id, approval.ScopeChangeProposal{
		Delta:  req.Delta,
		Reason: req.Reason,
	})
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}

// CancelRequest handles POST /api/requests/{id}/cancel.
func (h *Handlers) CancelRequest(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	inst, err := h.orch.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- Approvals ---

type resolveApprovalRequest struct {
	Decision approval.Decision `json:"decision"`
	Reviewer string            `json:"reviewer"`
	Notes    string            `json:"notes"`
	Delta    json.RawMessage   `json:"delta"`
}

// ResolveApproval handles POST /api/approvals/{id}/resolve.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[resolveApprovalRequest](w, r)
	if !ok {
		return
	}
	rec, err := h.orch.ResolveApproval(r.Context(), approval.ResolveRequest{
		ApprovalID: id,
		Decision:   req.Decision,
		Reviewer:   req.Reviewer,
		Notes:      req.Notes,
		Delta:      req.Delta,
	})
	if err != nil {
		writeDomainError(w, err, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListApprovals handles GET /api/approvals?request_id=.
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request_id query parameter is required")
		return
	}
	records, err := h.approvals.List(r.Context(), requestID)
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	if records == nil {
		records = []approval.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Escalations ---

type resolveEscalationRequest struct {
	Action escalation.Action `json:"action"`
}

// ResolveEscalation handles POST /api/escalations/{id}/resolve.
func (h *Handlers) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[resolveEscalationRequest](w, r)
	if !ok {
		return
	}
	rec, err := h.orch.ResolveEscalation(r.Context(), id, req.Action)
	if err != nil {
		writeDomainError(w, err, "escalation not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListEscalations handles GET /api/escalations?request_id=.
func (h *Handlers) ListEscalations(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request_id query parameter is required")
		return
	}
	records, err := h.escalations.List(r.Context(), requestID)
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	if records == nil {
		records = []escalation.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Health ---

type healthResponse struct {
	Status        string            `json:"status"`
	Postgres      string            `json:"postgres"`
	NATS          string            `json:"nats"`
	Notifiers     map[string]string `json:"notifiers,omitempty"`
	WSConnections int               `json:"ws_connections"`
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Postgres: "ok", NATS: "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.pool.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
	}
	if !h.queue.IsConnected() {
		resp.Status = "degraded"
		resp.NATS = "disconnected"
	}
	if h.notifications != nil {
		resp.Notifiers = h.notifications.ProviderStates()
	}
	if h.hub != nil {
		resp.WSConnections = h.hub.ConnectionCount()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
