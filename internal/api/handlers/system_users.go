// system_users.go — обработчики системных пользователей и агентского делегирования.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/sysuser-broker/internal/api/errors"
)

// ListSystemUsersForVendor — GET /api/v1/vendor/systems/{systemId}/system-users.
func (h *APIHandler) ListSystemUsersForVendor(w http.ResponseWriter, r *http.Request) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	list, err := h.systemUsers.ListForVendorSystem(r.Context(), org, chi.URLParam(r, "systemId"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(mapSystemUsers(list)))
}

// ListSystemUsersForParty — GET /api/v1/party/{party}/system-users.
func (h *APIHandler) ListSystemUsersForParty(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	list, err := h.systemUsers.ListForParty(r.Context(), party)
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(mapSystemUsers(list)))
}

// GetSystemUserForParty — GET /api/v1/party/{party}/system-users/{id}.
func (h *APIHandler) GetSystemUserForParty(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	su, err := h.systemUsers.GetForParty(r.Context(), party, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSystemUser(su))
}

// DeleteSystemUserForParty — DELETE /api/v1/party/{party}/system-users/{id}.
func (h *APIHandler) DeleteSystemUserForParty(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	if err := h.systemUsers.DeleteForParty(r.Context(), party, chi.URLParam(r, "id")); err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Агенты ---

// ListAgentCustomers — GET /api/v1/party/{party}/agents/{id}/customers.
func (h *APIHandler) ListAgentCustomers(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	customers, err := h.agents.ListCustomers(r.Context(), party, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(nonNil(customers)))
}

// DelegateAgentCustomer — POST /api/v1/party/{party}/agents/{id}/delegations.
// Ошибки отдельных пакетов возвращаются в results; при частичном
// успехе ответ 207, если не прошло ничего — 502.
func (h *APIHandler) DelegateAgentCustomer(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	var body delegateCustomerBody
	if !decodeJSON(w, r, &body) {
		return
	}

	results, err := h.agents.DelegateCustomer(r.Context(), party, chi.URLParam(r, "id"), body.CustomerID, body.Roles)
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}

	resp := mapDelegationResults(results)
	status := http.StatusOK
	switch {
	case resp.Failed > 0 && resp.Failed == len(resp.Results):
		status = http.StatusBadGateway
	case resp.Failed > 0:
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// RemoveAgentCustomer — DELETE /api/v1/party/{party}/agents/{id}/delegations/{delegationId}.
func (h *APIHandler) RemoveAgentCustomer(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	err := h.agents.RemoveCustomer(r.Context(), party, chi.URLParam(r, "id"), chi.URLParam(r, "delegationId"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAgentSystemUser — DELETE /api/v1/party/{party}/agents/{id}.
func (h *APIHandler) DeleteAgentSystemUser(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	if err := h.agents.DeleteAgentSystemUser(r.Context(), party, chi.URLParam(r, "id")); err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
