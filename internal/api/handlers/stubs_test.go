package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/sysuser-broker/internal/api/middleware"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/service"
)

const (
	testVendorOrg = "991825827"
	testPartyID   = "50001"
)

var testParty = model.Party{PartyID: testPartyID, OrgNo: "910000001", UserID: "1337"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// call — последний вызов сервиса.
type call struct {
	method string
	vendor string
	party  model.Party
	id     string
	ext    model.ExternalRequestID
}

// stubRequests — RequestService, возвращающий заданные значения.
type stubRequests struct {
	req   *model.Request
	list  []*model.Request
	su    *model.SystemUser
	err   error
	input service.CreateRequestInput
	last  call
}

func (s *stubRequests) vendorCall(method, vendor, id string) {
	s.last = call{method: method, vendor: vendor, id: id}
}

func (s *stubRequests) partyCall(method string, party model.Party, id string) {
	s.last = call{method: method, party: party, id: id}
}

func (s *stubRequests) CreateRequest(_ context.Context, vendor string, in service.CreateRequestInput) (*model.Request, error) {
	s.vendorCall("CreateRequest", vendor, "")
	s.input = in
	return s.req, s.err
}

func (s *stubRequests) GetRequestForVendor(_ context.Context, vendor, id string) (*model.Request, error) {
	s.vendorCall("GetRequestForVendor", vendor, id)
	return s.req, s.err
}

func (s *stubRequests) GetRequestByExternalID(_ context.Context, vendor string, ext model.ExternalRequestID) (*model.Request, error) {
	s.last = call{method: "GetRequestByExternalID", vendor: vendor, ext: ext}
	return s.req, s.err
}

func (s *stubRequests) ListRequestsForSystem(_ context.Context, vendor, systemID string) ([]*model.Request, error) {
	s.vendorCall("ListRequestsForSystem", vendor, systemID)
	return s.list, s.err
}

func (s *stubRequests) DeleteRequest(_ context.Context, vendor, id string) error {
	s.vendorCall("DeleteRequest", vendor, id)
	return s.err
}

func (s *stubRequests) GetRequestForParty(_ context.Context, party model.Party, id string) (*model.Request, error) {
	s.partyCall("GetRequestForParty", party, id)
	return s.req, s.err
}

func (s *stubRequests) ListRequestsForParty(_ context.Context, party model.Party) ([]*model.Request, error) {
	s.partyCall("ListRequestsForParty", party, "")
	return s.list, s.err
}

func (s *stubRequests) ApproveRequest(_ context.Context, party model.Party, id string) (*model.SystemUser, error) {
	s.partyCall("ApproveRequest", party, id)
	return s.su, s.err
}

func (s *stubRequests) RejectRequest(_ context.Context, party model.Party, id string) (*model.Request, error) {
	s.partyCall("RejectRequest", party, id)
	return s.req, s.err
}

func (s *stubRequests) DenyRequest(_ context.Context, party model.Party, id string) (*model.Request, error) {
	s.partyCall("DenyRequest", party, id)
	return s.req, s.err
}

func (s *stubRequests) CreateAgentRequest(_ context.Context, vendor string, in service.CreateRequestInput) (*model.Request, error) {
	s.vendorCall("CreateAgentRequest", vendor, "")
	s.input = in
	return s.req, s.err
}

func (s *stubRequests) GetAgentRequestForVendor(_ context.Context, vendor, id string) (*model.Request, error) {
	s.vendorCall("GetAgentRequestForVendor", vendor, id)
	return s.req, s.err
}

func (s *stubRequests) GetAgentRequestByExternalID(_ context.Context, vendor string, ext model.ExternalRequestID) (*model.Request, error) {
	s.last = call{method: "GetAgentRequestByExternalID", vendor: vendor, ext: ext}
	return s.req, s.err
}

func (s *stubRequests) ListAgentRequestsForSystem(_ context.Context, vendor, systemID string) ([]*model.Request, error) {
	s.vendorCall("ListAgentRequestsForSystem", vendor, systemID)
	return s.list, s.err
}

func (s *stubRequests) DeleteAgentRequest(_ context.Context, vendor, id string) error {
	s.vendorCall("DeleteAgentRequest", vendor, id)
	return s.err
}

func (s *stubRequests) GetAgentRequestForParty(_ context.Context, party model.Party, id string) (*model.Request, error) {
	s.partyCall("GetAgentRequestForParty", party, id)
	return s.req, s.err
}

func (s *stubRequests) ListAgentRequestsForParty(_ context.Context, party model.Party) ([]*model.Request, error) {
	s.partyCall("ListAgentRequestsForParty", party, "")
	return s.list, s.err
}

func (s *stubRequests) ApproveAgentRequest(_ context.Context, party model.Party, id string) (*model.SystemUser, error) {
	s.partyCall("ApproveAgentRequest", party, id)
	return s.su, s.err
}

func (s *stubRequests) RejectAgentRequest(_ context.Context, party model.Party, id string) (*model.Request, error) {
	s.partyCall("RejectAgentRequest", party, id)
	return s.req, s.err
}

func (s *stubRequests) DenyAgentRequest(_ context.Context, party model.Party, id string) (*model.Request, error) {
	s.partyCall("DenyAgentRequest", party, id)
	return s.req, s.err
}

// stubChanges — ChangeRequestService, возвращающий заданные значения.
type stubChanges struct {
	cr    *model.ChangeRequest
	list  []*model.ChangeRequest
	su    *model.SystemUser
	err   error
	input service.CreateChangeRequestInput
	last  call
}

func (s *stubChanges) CreateChangeRequest(_ context.Context, vendor string, in service.CreateChangeRequestInput) (*model.ChangeRequest, error) {
	s.last = call{method: "CreateChangeRequest", vendor: vendor}
	s.input = in
	return s.cr, s.err
}

func (s *stubChanges) GetChangeRequestForVendor(_ context.Context, vendor, id string) (*model.ChangeRequest, error) {
	s.last = call{method: "GetChangeRequestForVendor", vendor: vendor, id: id}
	return s.cr, s.err
}

func (s *stubChanges) GetChangeRequestByExternalID(_ context.Context, vendor string, ext model.ExternalRequestID) (*model.ChangeRequest, error) {
	s.last = call{method: "GetChangeRequestByExternalID", vendor: vendor, ext: ext}
	return s.cr, s.err
}

func (s *stubChanges) ListChangeRequestsForSystem(_ context.Context, vendor, systemID string) ([]*model.ChangeRequest, error) {
	s.last = call{method: "ListChangeRequestsForSystem", vendor: vendor, id: systemID}
	return s.list, s.err
}

func (s *stubChanges) DeleteChangeRequest(_ context.Context, vendor, id string) error {
	s.last = call{method: "DeleteChangeRequest", vendor: vendor, id: id}
	return s.err
}

func (s *stubChanges) GetChangeRequestForParty(_ context.Context, party model.Party, id string) (*model.ChangeRequest, error) {
	s.last = call{method: "GetChangeRequestForParty", party: party, id: id}
	return s.cr, s.err
}

func (s *stubChanges) ListChangeRequestsForParty(_ context.Context, party model.Party) ([]*model.ChangeRequest, error) {
	s.last = call{method: "ListChangeRequestsForParty", party: party}
	return s.list, s.err
}

func (s *stubChanges) ApproveChangeRequest(_ context.Context, party model.Party, id string) (*model.SystemUser, error) {
	s.last = call{method: "ApproveChangeRequest", party: party, id: id}
	return s.su, s.err
}

func (s *stubChanges) RejectChangeRequest(_ context.Context, party model.Party, id string) (*model.ChangeRequest, error) {
	s.last = call{method: "RejectChangeRequest", party: party, id: id}
	return s.cr, s.err
}

func (s *stubChanges) DenyChangeRequest(_ context.Context, party model.Party, id string) (*model.ChangeRequest, error) {
	s.last = call{method: "DenyChangeRequest", party: party, id: id}
	return s.cr, s.err
}

// stubUsers — SystemUserService.
type stubUsers struct {
	su   *model.SystemUser
	list []*model.SystemUser
	err  error
	last call
}

func (s *stubUsers) GetForParty(_ context.Context, party model.Party, id string) (*model.SystemUser, error) {
	s.last = call{method: "GetForParty", party: party, id: id}
	return s.su, s.err
}

func (s *stubUsers) ListForParty(_ context.Context, party model.Party) ([]*model.SystemUser, error) {
	s.last = call{method: "ListForParty", party: party}
	return s.list, s.err
}

func (s *stubUsers) ListForVendorSystem(_ context.Context, vendor, systemID string) ([]*model.SystemUser, error) {
	s.last = call{method: "ListForVendorSystem", vendor: vendor, id: systemID}
	return s.list, s.err
}

func (s *stubUsers) DeleteForParty(_ context.Context, party model.Party, id string) error {
	s.last = call{method: "DeleteForParty", party: party, id: id}
	return s.err
}

// stubAgents — AgentService.
type stubAgents struct {
	customers  []model.Customer
	results    []model.AgentDelegationResult
	err        error
	last       call
	customerID string
	roles      model.RolePackages
}

func (s *stubAgents) ListCustomers(_ context.Context, party model.Party, id string) ([]model.Customer, error) {
	s.last = call{method: "ListCustomers", party: party, id: id}
	return s.customers, s.err
}

func (s *stubAgents) DelegateCustomer(_ context.Context, party model.Party, id, customerID string, roles model.RolePackages) ([]model.AgentDelegationResult, error) {
	s.last = call{method: "DelegateCustomer", party: party, id: id}
	s.customerID = customerID
	s.roles = roles
	return s.results, s.err
}

func (s *stubAgents) RemoveCustomer(_ context.Context, party model.Party, id, delegationID string) error {
	s.last = call{method: "RemoveCustomer", party: party, id: id + "/" + delegationID}
	return s.err
}

func (s *stubAgents) DeleteAgentSystemUser(_ context.Context, party model.Party, id string) error {
	s.last = call{method: "DeleteAgentSystemUser", party: party, id: id}
	return s.err
}

// testAPI — обработчик со стабами и роутер с маршрутами под тест.
type testAPI struct {
	requests *stubRequests
	changes  *stubChanges
	users    *stubUsers
	agents   *stubAgents
	handler  *APIHandler
	router   chi.Router
}

func newTestAPI() *testAPI {
	api := &testAPI{
		requests: &stubRequests{},
		changes:  &stubChanges{},
		users:    &stubUsers{},
		agents:   &stubAgents{},
	}
	api.handler = NewAPIHandler(
		NewHealthHandler(nil, nil, nil),
		api.requests, api.changes, api.users, api.agents,
		testLogger(),
	)
	api.router = chi.NewRouter()
	return api
}

var (
	vendorClaims = &middleware.AuthClaims{
		SubjectType: middleware.SubjectTypeVendor,
		ClientID:    "smartcloud",
		VendorOrgNo: testVendorOrg,
	}
	customerClaims = &middleware.AuthClaims{
		SubjectType: middleware.SubjectTypeCustomer,
		PartyID:     testParty.PartyID,
		PartyOrgNo:  testParty.OrgNo,
		UserID:      testParty.UserID,
	}
)

// do выполняет запрос через роутер с claims в контексте.
func (api *testAPI) do(t *testing.T, claims *middleware.AuthClaims, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if claims != nil {
		req = req.WithContext(middleware.WithClaims(req.Context(), claims))
	}
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	return rec
}
