// dto.go — JSON-представления ресурсов API и преобразование из доменных моделей.
package handlers

import (
	"time"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
	"github.com/bigkaa/sysuser-broker/internal/service"
)

// createRequestBody — тело POST /vendor/requests и /vendor/agent-requests.
type createRequestBody struct {
	ExternalRef    string                `json:"external_ref"`
	SystemID       string                `json:"system_id"`
	PartyOrgNo     string                `json:"party_org_no"`
	Rights         []model.Right         `json:"rights"`
	AccessPackages []model.AccessPackage `json:"access_packages"`
	RedirectURL    string                `json:"redirect_url"`
}

func (b createRequestBody) toInput() service.CreateRequestInput {
	return service.CreateRequestInput{
		ExternalRequestID: model.ExternalRequestID{
			SystemID:    b.SystemID,
			PartyOrgNo:  b.PartyOrgNo,
			ExternalRef: b.ExternalRef,
		},
		Rights:         b.Rights,
		AccessPackages: b.AccessPackages,
		RedirectURL:    b.RedirectURL,
	}
}

// createChangeRequestBody — тело POST /vendor/change-requests.
type createChangeRequestBody struct {
	ExternalRef            string                `json:"external_ref"`
	SystemID               string                `json:"system_id"`
	PartyOrgNo             string                `json:"party_org_no"`
	SystemUserID           string                `json:"system_user_id"`
	RequiredRights         []model.Right         `json:"required_rights"`
	UnwantedRights         []model.Right         `json:"unwanted_rights"`
	RequiredAccessPackages []model.AccessPackage `json:"required_access_packages"`
	UnwantedAccessPackages []model.AccessPackage `json:"unwanted_access_packages"`
	RedirectURL            string                `json:"redirect_url"`
}

func (b createChangeRequestBody) toInput() service.CreateChangeRequestInput {
	return service.CreateChangeRequestInput{
		ExternalRequestID: model.ExternalRequestID{
			SystemID:    b.SystemID,
			PartyOrgNo:  b.PartyOrgNo,
			ExternalRef: b.ExternalRef,
		},
		SystemUserID:           b.SystemUserID,
		RequiredRights:         b.RequiredRights,
		UnwantedRights:         b.UnwantedRights,
		RequiredAccessPackages: b.RequiredAccessPackages,
		UnwantedAccessPackages: b.UnwantedAccessPackages,
		RedirectURL:            b.RedirectURL,
	}
}

// delegateCustomerBody — тело POST /party/{party}/agents/{id}/delegations.
type delegateCustomerBody struct {
	CustomerID string             `json:"customer_id"`
	Roles      model.RolePackages `json:"roles"`
}

// requestResponse — запрос на создание системного пользователя.
type requestResponse struct {
	ID             string                `json:"id"`
	Kind           model.RequestKind     `json:"kind"`
	ExternalRef    string                `json:"external_ref"`
	SystemID       string                `json:"system_id"`
	PartyOrgNo     string                `json:"party_org_no"`
	Rights         []model.Right         `json:"rights"`
	AccessPackages []model.AccessPackage `json:"access_packages"`
	Status         model.RequestStatus   `json:"status"`
	RedirectURL    string                `json:"redirect_url,omitempty"`
	SystemUserID   *string               `json:"system_user_id,omitempty"`
	Created        time.Time             `json:"created"`
	LastChanged    time.Time             `json:"last_changed"`
}

func mapRequest(r *model.Request) requestResponse {
	return requestResponse{
		ID:             r.ID,
		Kind:           r.Kind,
		ExternalRef:    r.ExternalRef,
		SystemID:       r.SystemID,
		PartyOrgNo:     r.PartyOrgNo,
		Rights:         nonNil(r.Rights),
		AccessPackages: nonNil(r.AccessPackages),
		Status:         r.Status,
		RedirectURL:    r.RedirectURL,
		SystemUserID:   r.SystemUserID,
		Created:        r.Created,
		LastChanged:    r.LastChanged,
	}
}

func mapRequests(list []*model.Request) []requestResponse {
	out := make([]requestResponse, 0, len(list))
	for _, r := range list {
		out = append(out, mapRequest(r))
	}
	return out
}

// changeRequestResponse — запрос на изменение.
type changeRequestResponse struct {
	ID                     string                `json:"id,omitempty"`
	ExternalRef            string                `json:"external_ref"`
	SystemID               string                `json:"system_id"`
	PartyOrgNo             string                `json:"party_org_no"`
	SystemUserID           string                `json:"system_user_id"`
	RequiredRights         []model.Right         `json:"required_rights"`
	UnwantedRights         []model.Right         `json:"unwanted_rights"`
	RequiredAccessPackages []model.AccessPackage `json:"required_access_packages"`
	UnwantedAccessPackages []model.AccessPackage `json:"unwanted_access_packages"`
	Status                 model.RequestStatus   `json:"status,omitempty"`
	RedirectURL            string                `json:"redirect_url,omitempty"`
	Created                *time.Time            `json:"created,omitempty"`
	LastChanged            *time.Time            `json:"last_changed,omitempty"`
}

func mapChangeRequest(c *model.ChangeRequest) changeRequestResponse {
	resp := changeRequestResponse{
		ID:                     c.ID,
		ExternalRef:            c.ExternalRef,
		SystemID:               c.SystemID,
		PartyOrgNo:             c.PartyOrgNo,
		SystemUserID:           c.SystemUserID,
		RequiredRights:         nonNil(c.RequiredRights),
		UnwantedRights:         nonNil(c.UnwantedRights),
		RequiredAccessPackages: nonNil(c.RequiredAccessPackages),
		UnwantedAccessPackages: nonNil(c.UnwantedAccessPackages),
		Status:                 c.Status,
		RedirectURL:            c.RedirectURL,
	}
	// Пустой запрос не сохраняется и не имеет времени создания
	if !c.Created.IsZero() {
		created, changed := c.Created, c.LastChanged
		resp.Created = &created
		resp.LastChanged = &changed
	}
	return resp
}

func mapChangeRequests(list []*model.ChangeRequest) []changeRequestResponse {
	out := make([]changeRequestResponse, 0, len(list))
	for _, c := range list {
		out = append(out, mapChangeRequest(c))
	}
	return out
}

// systemUserResponse — системный пользователь.
type systemUserResponse struct {
	ID               string                `json:"id"`
	IntegrationTitle string                `json:"integration_title"`
	SystemID         string                `json:"system_id"`
	Type             model.SystemUserType  `json:"type"`
	PartyID          string                `json:"party_id"`
	PartyOrgNo       string                `json:"party_org_no"`
	SupplierName     string                `json:"supplier_name"`
	SupplierOrgNo    string                `json:"supplier_org_no"`
	ExternalRef      string                `json:"external_ref"`
	Rights           []model.Right         `json:"rights"`
	AccessPackages   []model.AccessPackage `json:"access_packages"`
	Created          time.Time             `json:"created"`
}

func mapSystemUser(su *model.SystemUser) systemUserResponse {
	return systemUserResponse{
		ID:               su.ID,
		IntegrationTitle: su.IntegrationTitle,
		SystemID:         su.SystemID,
		Type:             su.Type,
		PartyID:          su.ReporteePartyID,
		PartyOrgNo:       su.ReporteeOrgNo,
		SupplierName:     su.SupplierName,
		SupplierOrgNo:    su.SupplierOrgNo,
		ExternalRef:      su.ExternalRef,
		Rights:           nonNil(su.Rights),
		AccessPackages:   nonNil(su.AccessPackages),
		Created:          su.Created,
	}
}

func mapSystemUsers(list []*model.SystemUser) []systemUserResponse {
	out := make([]systemUserResponse, 0, len(list))
	for _, su := range list {
		out = append(out, mapSystemUser(su))
	}
	return out
}

// unitError — ошибка одной единицы агентского делегирования.
type unitError struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// delegationResultResponse — итог одной единицы агентского делегирования.
type delegationResultResponse struct {
	model.AgentDelegationUnit
	DelegationID string     `json:"delegation_id,omitempty"`
	Error        *unitError `json:"error,omitempty"`
}

// delegateCustomerResponse — итог делегирования клиента.
type delegateCustomerResponse struct {
	Results []delegationResultResponse `json:"results"`
	Failed  int                        `json:"failed"`
}

func mapDelegationResults(results []model.AgentDelegationResult) delegateCustomerResponse {
	resp := delegateCustomerResponse{Results: make([]delegationResultResponse, 0, len(results))}
	for _, r := range results {
		item := delegationResultResponse{AgentDelegationUnit: r.Unit, DelegationID: r.DelegationID}
		if r.Err != nil {
			d := problem.KindOf(r.Err).Describe()
			item.Error = &unitError{Code: d.Code, Kind: d.Name, Message: d.Title}
			resp.Failed++
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

// listResponse — обёртка для списков.
type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) listResponse[T] {
	return listResponse[T]{Items: items, Total: len(items)}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
