// requests.go — обработчики запросов на создание системного пользователя.
// Вендор: /api/v1/vendor/requests, /api/v1/vendor/agent-requests.
// Клиент: /api/v1/party/{party}/requests, /api/v1/party/{party}/agent-requests.
// Стандартные и агентские запросы обслуживаются одним кодом через requestOps.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/sysuser-broker/internal/api/errors"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/service"
)

// requestOps — набор операций одного вида запросов.
type requestOps struct {
	create        func(ctx context.Context, vendorOrgNo string, in service.CreateRequestInput) (*model.Request, error)
	getForVendor  func(ctx context.Context, vendorOrgNo, id string) (*model.Request, error)
	byExternalID  func(ctx context.Context, vendorOrgNo string, ext model.ExternalRequestID) (*model.Request, error)
	listForSystem func(ctx context.Context, vendorOrgNo, systemID string) ([]*model.Request, error)
	remove        func(ctx context.Context, vendorOrgNo, id string) error
	getForParty   func(ctx context.Context, party model.Party, id string) (*model.Request, error)
	listForParty  func(ctx context.Context, party model.Party) ([]*model.Request, error)
	approve       func(ctx context.Context, party model.Party, id string) (*model.SystemUser, error)
	reject        func(ctx context.Context, party model.Party, id string) (*model.Request, error)
	deny          func(ctx context.Context, party model.Party, id string) (*model.Request, error)
}

func standardOps(s RequestService) requestOps {
	if s == nil {
		return requestOps{}
	}
	return requestOps{
		create:        s.CreateRequest,
		getForVendor:  s.GetRequestForVendor,
		byExternalID:  s.GetRequestByExternalID,
		listForSystem: s.ListRequestsForSystem,
		remove:        s.DeleteRequest,
		getForParty:   s.GetRequestForParty,
		listForParty:  s.ListRequestsForParty,
		approve:       s.ApproveRequest,
		reject:        s.RejectRequest,
		deny:          s.DenyRequest,
	}
}

func agentOps(s RequestService) requestOps {
	if s == nil {
		return requestOps{}
	}
	return requestOps{
		create:        s.CreateAgentRequest,
		getForVendor:  s.GetAgentRequestForVendor,
		byExternalID:  s.GetAgentRequestByExternalID,
		listForSystem: s.ListAgentRequestsForSystem,
		remove:        s.DeleteAgentRequest,
		getForParty:   s.GetAgentRequestForParty,
		listForParty:  s.ListAgentRequestsForParty,
		approve:       s.ApproveAgentRequest,
		reject:        s.RejectAgentRequest,
		deny:          s.DenyAgentRequest,
	}
}

// externalIDFromQuery читает ?system=&party=&ref=.
func externalIDFromQuery(w http.ResponseWriter, r *http.Request) (model.ExternalRequestID, bool) {
	q := r.URL.Query()
	ext := model.ExternalRequestID{
		SystemID:    q.Get("system"),
		PartyOrgNo:  q.Get("party"),
		ExternalRef: q.Get("ref"),
	}
	if ext.SystemID == "" || ext.PartyOrgNo == "" {
		apierrors.ValidationError(w, "Параметры system и party обязательны")
		return ext, false
	}
	if ext.ExternalRef == "" {
		ext.ExternalRef = ext.PartyOrgNo
	}
	return ext, true
}

// --- Общая реализация ---

func (h *APIHandler) createRequest(w http.ResponseWriter, r *http.Request, ops requestOps) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	var body createRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	req, err := ops.create(r.Context(), org, body.toInput())
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapRequest(req))
}

func (h *APIHandler) getRequestForVendor(w http.ResponseWriter, r *http.Request, ops requestOps) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	req, err := ops.getForVendor(r.Context(), org, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRequest(req))
}

func (h *APIHandler) getRequestByExternalID(w http.ResponseWriter, r *http.Request, ops requestOps) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}
	ext, ok := externalIDFromQuery(w, r)
	if !ok {
		return
	}

	req, err := ops.byExternalID(r.Context(), org, ext)
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRequest(req))
}

func (h *APIHandler) listRequestsForSystem(w http.ResponseWriter, r *http.Request, ops requestOps) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	list, err := ops.listForSystem(r.Context(), org, chi.URLParam(r, "systemId"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(mapRequests(list)))
}

func (h *APIHandler) deleteRequest(w http.ResponseWriter, r *http.Request, ops requestOps) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	if err := ops.remove(r.Context(), org, chi.URLParam(r, "id")); err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) getRequestForParty(w http.ResponseWriter, r *http.Request, ops requestOps) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	req, err := ops.getForParty(r.Context(), party, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRequest(req))
}

func (h *APIHandler) listRequestsForParty(w http.ResponseWriter, r *http.Request, ops requestOps) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	list, err := ops.listForParty(r.Context(), party)
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(mapRequests(list)))
}

func (h *APIHandler) approveRequest(w http.ResponseWriter, r *http.Request, ops requestOps) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	su, err := ops.approve(r.Context(), party, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSystemUser(su))
}

func (h *APIHandler) finishRequest(
	w http.ResponseWriter,
	r *http.Request,
	finish func(context.Context, model.Party, string) (*model.Request, error),
) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	req, err := finish(r.Context(), party, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRequest(req))
}

// --- Стандартные запросы ---

// CreateRequest — POST /api/v1/vendor/requests.
func (h *APIHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	h.createRequest(w, r, h.standard)
}

// GetRequestForVendor — GET /api/v1/vendor/requests/{id}.
func (h *APIHandler) GetRequestForVendor(w http.ResponseWriter, r *http.Request) {
	h.getRequestForVendor(w, r, h.standard)
}

// GetRequestByExternalID — GET /api/v1/vendor/requests/external?system=&party=&ref=.
func (h *APIHandler) GetRequestByExternalID(w http.ResponseWriter, r *http.Request) {
	h.getRequestByExternalID(w, r, h.standard)
}

// ListRequestsForSystem — GET /api/v1/vendor/systems/{systemId}/requests.
func (h *APIHandler) ListRequestsForSystem(w http.ResponseWriter, r *http.Request) {
	h.listRequestsForSystem(w, r, h.standard)
}

// DeleteRequest — DELETE /api/v1/vendor/requests/{id}.
func (h *APIHandler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	h.deleteRequest(w, r, h.standard)
}

// GetRequestForParty — GET /api/v1/party/{party}/requests/{id}.
func (h *APIHandler) GetRequestForParty(w http.ResponseWriter, r *http.Request) {
	h.getRequestForParty(w, r, h.standard)
}

// ListRequestsForParty — GET /api/v1/party/{party}/requests.
func (h *APIHandler) ListRequestsForParty(w http.ResponseWriter, r *http.Request) {
	h.listRequestsForParty(w, r, h.standard)
}

// ApproveRequest — POST /api/v1/party/{party}/requests/{id}/approve.
func (h *APIHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.approveRequest(w, r, h.standard)
}

// RejectRequest — POST /api/v1/party/{party}/requests/{id}/reject.
func (h *APIHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.finishRequest(w, r, h.standard.reject)
}

// DenyRequest — POST /api/v1/party/{party}/requests/{id}/deny.
func (h *APIHandler) DenyRequest(w http.ResponseWriter, r *http.Request) {
	h.finishRequest(w, r, h.standard.deny)
}

// --- Агентские запросы ---

// CreateAgentRequest — POST /api/v1/vendor/agent-requests.
func (h *APIHandler) CreateAgentRequest(w http.ResponseWriter, r *http.Request) {
	h.createRequest(w, r, h.agentReqs)
}

// GetAgentRequestForVendor — GET /api/v1/vendor/agent-requests/{id}.
func (h *APIHandler) GetAgentRequestForVendor(w http.ResponseWriter, r *http.Request) {
	h.getRequestForVendor(w, r, h.agentReqs)
}

// GetAgentRequestByExternalID — GET /api/v1/vendor/agent-requests/external.
func (h *APIHandler) GetAgentRequestByExternalID(w http.ResponseWriter, r *http.Request) {
	h.getRequestByExternalID(w, r, h.agentReqs)
}

// ListAgentRequestsForSystem — GET /api/v1/vendor/systems/{systemId}/agent-requests.
func (h *APIHandler) ListAgentRequestsForSystem(w http.ResponseWriter, r *http.Request) {
	h.listRequestsForSystem(w, r, h.agentReqs)
}

// DeleteAgentRequest — DELETE /api/v1/vendor/agent-requests/{id}.
func (h *APIHandler) DeleteAgentRequest(w http.ResponseWriter, r *http.Request) {
	h.deleteRequest(w, r, h.agentReqs)
}

// GetAgentRequestForParty — GET /api/v1/party/{party}/agent-requests/{id}.
func (h *APIHandler) GetAgentRequestForParty(w http.ResponseWriter, r *http.Request) {
	h.getRequestForParty(w, r, h.agentReqs)
}

// ListAgentRequestsForParty — GET /api/v1/party/{party}/agent-requests.
func (h *APIHandler) ListAgentRequestsForParty(w http.ResponseWriter, r *http.Request) {
	h.listRequestsForParty(w, r, h.agentReqs)
}

// ApproveAgentRequest — POST /api/v1/party/{party}/agent-requests/{id}/approve.
func (h *APIHandler) ApproveAgentRequest(w http.ResponseWriter, r *http.Request) {
	h.approveRequest(w, r, h.agentReqs)
}

// RejectAgentRequest — POST /api/v1/party/{party}/agent-requests/{id}/reject.
func (h *APIHandler) RejectAgentRequest(w http.ResponseWriter, r *http.Request) {
	h.finishRequest(w, r, h.agentReqs.reject)
}

// DenyAgentRequest — POST /api/v1/party/{party}/agent-requests/{id}/deny.
func (h *APIHandler) DenyAgentRequest(w http.ResponseWriter, r *http.Request) {
	h.finishRequest(w, r, h.agentReqs.deny)
}
