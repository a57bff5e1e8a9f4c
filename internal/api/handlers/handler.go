// Пакет handlers — HTTP-обработчики API брокера системных пользователей.
// handler.go — основной обработчик API брокера.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/sysuser-broker/internal/api/errors"
	"github.com/bigkaa/sysuser-broker/internal/api/middleware"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/service"
)

// maxBodyBytes — предельный размер тела запроса.
const maxBodyBytes = 1 << 20

// RequestService — операции над запросами на создание системного пользователя.
type RequestService interface {
	CreateRequest(ctx context.Context, vendorOrgNo string, in service.CreateRequestInput) (*model.Request, error)
	GetRequestForVendor(ctx context.Context, vendorOrgNo, id string) (*model.Request, error)
	GetRequestByExternalID(ctx context.Context, vendorOrgNo string, ext model.ExternalRequestID) (*model.Request, error)
	ListRequestsForSystem(ctx context.Context, vendorOrgNo, systemID string) ([]*model.Request, error)
	DeleteRequest(ctx context.Context, vendorOrgNo, id string) error
	GetRequestForParty(ctx context.Context, party model.Party, id string) (*model.Request, error)
	ListRequestsForParty(ctx context.Context, party model.Party) ([]*model.Request, error)
	ApproveRequest(ctx context.Context, party model.Party, id string) (*model.SystemUser, error)
	RejectRequest(ctx context.Context, party model.Party, id string) (*model.Request, error)
	DenyRequest(ctx context.Context, party model.Party, id string) (*model.Request, error)

	CreateAgentRequest(ctx context.Context, vendorOrgNo string, in service.CreateRequestInput) (*model.Request, error)
	GetAgentRequestForVendor(ctx context.Context, vendorOrgNo, id string) (*model.Request, error)
	GetAgentRequestByExternalID(ctx context.Context, vendorOrgNo string, ext model.ExternalRequestID) (*model.Request, error)
	ListAgentRequestsForSystem(ctx context.Context, vendorOrgNo, systemID string) ([]*model.Request, error)
	DeleteAgentRequest(ctx context.Context, vendorOrgNo, id string) error
	GetAgentRequestForParty(ctx context.Context, party model.Party, id string) (*model.Request, error)
	ListAgentRequestsForParty(ctx context.Context, party model.Party) ([]*model.Request, error)
	ApproveAgentRequest(ctx context.Context, party model.Party, id string) (*model.SystemUser, error)
	RejectAgentRequest(ctx context.Context, party model.Party, id string) (*model.Request, error)
	DenyAgentRequest(ctx context.Context, party model.Party, id string) (*model.Request, error)
}

// ChangeRequestService — операции над запросами на изменение.
type ChangeRequestService interface {
	CreateChangeRequest(ctx context.Context, vendorOrgNo string, in service.CreateChangeRequestInput) (*model.ChangeRequest, error)
	GetChangeRequestForVendor(ctx context.Context, vendorOrgNo, id string) (*model.ChangeRequest, error)
	GetChangeRequestByExternalID(ctx context.Context, vendorOrgNo string, ext model.ExternalRequestID) (*model.ChangeRequest, error)
	ListChangeRequestsForSystem(ctx context.Context, vendorOrgNo, systemID string) ([]*model.ChangeRequest, error)
	DeleteChangeRequest(ctx context.Context, vendorOrgNo, id string) error
	GetChangeRequestForParty(ctx context.Context, party model.Party, id string) (*model.ChangeRequest, error)
	ListChangeRequestsForParty(ctx context.Context, party model.Party) ([]*model.ChangeRequest, error)
	ApproveChangeRequest(ctx context.Context, party model.Party, id string) (*model.SystemUser, error)
	RejectChangeRequest(ctx context.Context, party model.Party, id string) (*model.ChangeRequest, error)
	DenyChangeRequest(ctx context.Context, party model.Party, id string) (*model.ChangeRequest, error)
}

// SystemUserService — чтение и удаление системных пользователей.
type SystemUserService interface {
	GetForParty(ctx context.Context, party model.Party, id string) (*model.SystemUser, error)
	ListForParty(ctx context.Context, party model.Party) ([]*model.SystemUser, error)
	ListForVendorSystem(ctx context.Context, vendorOrgNo, systemID string) ([]*model.SystemUser, error)
	DeleteForParty(ctx context.Context, party model.Party, id string) error
}

// AgentService — управление клиентами агентского пользователя.
type AgentService interface {
	ListCustomers(ctx context.Context, party model.Party, systemUserID string) ([]model.Customer, error)
	DelegateCustomer(ctx context.Context, party model.Party, systemUserID, customerID string, roles model.RolePackages) ([]model.AgentDelegationResult, error)
	RemoveCustomer(ctx context.Context, party model.Party, systemUserID, delegationID string) error
	DeleteAgentSystemUser(ctx context.Context, party model.Party, systemUserID string) error
}

// APIHandler — основной обработчик API брокера.
type APIHandler struct {
	health      *HealthHandler
	requests    RequestService
	changes     ChangeRequestService
	systemUsers SystemUserService
	agents      AgentService
	standard    requestOps
	agentReqs   requestOps
	logger      *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	requests RequestService,
	changes ChangeRequestService,
	systemUsers SystemUserService,
	agents AgentService,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:      health,
		requests:    requests,
		changes:     changes,
		systemUsers: systemUsers,
		agents:      agents,
		standard:    standardOps(requests),
		agentReqs:   agentOps(requests),
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает тело запроса в dst. При ошибке пишет 400 и возвращает false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			apierrors.ValidationError(w, "Пустое тело запроса")
		case errors.As(err, &maxErr):
			apierrors.ValidationError(w, "Тело запроса слишком большое")
		default:
			apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		}
		return false
	}
	return true
}

// vendorOrg возвращает номер организации вендора из токена.
func vendorOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	org := middleware.VendorOrgFromContext(r.Context())
	if org == "" {
		apierrors.Unauthorized(w, "Требуется токен системы вендора")
		return "", false
	}
	return org, true
}

// partyFrom возвращает клиента из токена.
func partyFrom(w http.ResponseWriter, r *http.Request) (model.Party, bool) {
	party, ok := middleware.PartyFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Требуется токен пользователя клиента")
		return model.Party{}, false
	}
	return party, true
}
