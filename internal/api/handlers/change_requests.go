// change_requests.go — обработчики запросов на изменение прав.
// Вендор: /api/v1/vendor/change-requests. Клиент: /api/v1/party/{party}/change-requests.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/sysuser-broker/internal/api/errors"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// CreateChangeRequest — POST /api/v1/vendor/change-requests.
// Запрос без изменений не сохраняется: возвращается 200 без id.
func (h *APIHandler) CreateChangeRequest(w http.ResponseWriter, r *http.Request) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	var body createChangeRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	cr, err := h.changes.CreateChangeRequest(r.Context(), org, body.toInput())
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}

	status := http.StatusCreated
	if cr.ID == "" {
		status = http.StatusOK
	}
	writeJSON(w, status, mapChangeRequest(cr))
}

// GetChangeRequestForVendor — GET /api/v1/vendor/change-requests/{id}.
func (h *APIHandler) GetChangeRequestForVendor(w http.ResponseWriter, r *http.Request) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	cr, err := h.changes.GetChangeRequestForVendor(r.Context(), org, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapChangeRequest(cr))
}

// GetChangeRequestByExternalID — GET /api/v1/vendor/change-requests/external.
func (h *APIHandler) GetChangeRequestByExternalID(w http.ResponseWriter, r *http.Request) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}
	ext, ok := externalIDFromQuery(w, r)
	if !ok {
		return
	}

	cr, err := h.changes.GetChangeRequestByExternalID(r.Context(), org, ext)
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapChangeRequest(cr))
}

// ListChangeRequestsForSystem — GET /api/v1/vendor/systems/{systemId}/change-requests.
func (h *APIHandler) ListChangeRequestsForSystem(w http.ResponseWriter, r *http.Request) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	list, err := h.changes.ListChangeRequestsForSystem(r.Context(), org, chi.URLParam(r, "systemId"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(mapChangeRequests(list)))
}

// DeleteChangeRequest — DELETE /api/v1/vendor/change-requests/{id}.
func (h *APIHandler) DeleteChangeRequest(w http.ResponseWriter, r *http.Request) {
	org, ok := vendorOrg(w, r)
	if !ok {
		return
	}

	if err := h.changes.DeleteChangeRequest(r.Context(), org, chi.URLParam(r, "id")); err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetChangeRequestForParty — GET /api/v1/party/{party}/change-requests/{id}.
func (h *APIHandler) GetChangeRequestForParty(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	cr, err := h.changes.GetChangeRequestForParty(r.Context(), party, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapChangeRequest(cr))
}

// ListChangeRequestsForParty — GET /api/v1/party/{party}/change-requests.
func (h *APIHandler) ListChangeRequestsForParty(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	list, err := h.changes.ListChangeRequestsForParty(r.Context(), party)
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(mapChangeRequests(list)))
}

// ApproveChangeRequest — POST /api/v1/party/{party}/change-requests/{id}/approve.
// Возвращает системного пользователя с обновлёнными правами.
func (h *APIHandler) ApproveChangeRequest(w http.ResponseWriter, r *http.Request) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	su, err := h.changes.ApproveChangeRequest(r.Context(), party, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSystemUser(su))
}

// RejectChangeRequest — POST /api/v1/party/{party}/change-requests/{id}/reject.
func (h *APIHandler) RejectChangeRequest(w http.ResponseWriter, r *http.Request) {
	h.finishChangeRequest(w, r, h.changes.RejectChangeRequest)
}

// DenyChangeRequest — POST /api/v1/party/{party}/change-requests/{id}/deny.
func (h *APIHandler) DenyChangeRequest(w http.ResponseWriter, r *http.Request) {
	h.finishChangeRequest(w, r, h.changes.DenyChangeRequest)
}

func (h *APIHandler) finishChangeRequest(
	w http.ResponseWriter,
	r *http.Request,
	finish func(context.Context, model.Party, string) (*model.ChangeRequest, error),
) {
	party, ok := partyFrom(w, r)
	if !ok {
		return
	}

	cr, err := finish(r.Context(), party, chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapChangeRequest(cr))
}
