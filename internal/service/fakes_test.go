package service

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/sysuser-broker/internal/authority"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- In-memory хранилище ---

// memDB — хранилище в памяти. Транзакции эмулируются снимком состояния.
type memDB struct {
	mu             sync.Mutex
	systems        map[string]model.RegisteredSystem
	requests       map[string]model.Request
	changeRequests map[string]model.ChangeRequest
	users          map[string]model.SystemUser
	changeLog      []model.ChangeLogEntry

	catalogueReads int
	// failUserCreate — ошибка, которую вернёт SystemUsers.Create
	failUserCreate error
}

func newMemDB() *memDB {
	return &memDB{
		systems:        make(map[string]model.RegisteredSystem),
		requests:       make(map[string]model.Request),
		changeRequests: make(map[string]model.ChangeRequest),
		users:          make(map[string]model.SystemUser),
	}
}

func (db *memDB) stores() repository.Stores {
	return repository.Stores{
		Catalogue:      memCatalogue{db},
		Requests:       memRequests{db},
		ChangeRequests: memChangeRequests{db},
		SystemUsers:    memSystemUsers{db},
		ChangeLog:      memChangeLog{db},
	}
}

type memSnapshot struct {
	requests       map[string]model.Request
	changeRequests map[string]model.ChangeRequest
	users          map[string]model.SystemUser
	changeLog      []model.ChangeLogEntry
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RunInTx выполняет fn и откатывает изменения при ошибке.
func (db *memDB) RunInTx(_ context.Context, _ pgx.TxIsoLevel, fn func(s repository.Stores) error) error {
	db.mu.Lock()
	snap := memSnapshot{
		requests:       copyMap(db.requests),
		changeRequests: copyMap(db.changeRequests),
		users:          copyMap(db.users),
		changeLog:      append([]model.ChangeLogEntry(nil), db.changeLog...),
	}
	db.mu.Unlock()

	if err := fn(db.stores()); err != nil {
		db.mu.Lock()
		db.requests = snap.requests
		db.changeRequests = snap.changeRequests
		db.users = snap.users
		db.changeLog = snap.changeLog
		db.mu.Unlock()
		return err
	}
	return nil
}

func (db *memDB) request(id string) model.Request {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.requests[id]
}

func (db *memDB) changeRequest(id string) model.ChangeRequest {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.changeRequests[id]
}

func (db *memDB) user(id string) model.SystemUser {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.users[id]
}

func (db *memDB) countRequests() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.requests)
}

func (db *memDB) countUsers() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.users)
}

func (db *memDB) logEntries() []model.ChangeLogEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.ChangeLogEntry(nil), db.changeLog...)
}

type memCatalogue struct{ db *memDB }

func (r memCatalogue) GetBySystemID(_ context.Context, systemID string) (*model.RegisteredSystem, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.catalogueReads++
	sys, ok := r.db.systems[systemID]
	if !ok || sys.IsDeleted {
		return nil, repository.ErrNotFound
	}
	return &sys, nil
}

func (r memCatalogue) Create(_ context.Context, sys *model.RegisteredSystem) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.systems[sys.SystemID]; ok {
		return repository.ErrConflict
	}
	r.db.systems[sys.SystemID] = *sys
	return nil
}

type memRequests struct{ db *memDB }

func (r memRequests) Create(_ context.Context, req *model.Request) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, cur := range r.db.requests {
		if !cur.IsDeleted && cur.Kind == req.Kind && cur.ExternalRequestID == req.ExternalRequestID {
			return repository.ErrConflict
		}
	}
	r.db.requests[req.ID] = *req
	return nil
}

func (r memRequests) GetByID(_ context.Context, kind model.RequestKind, id string) (*model.Request, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	req, ok := r.db.requests[id]
	if !ok || req.IsDeleted || req.Kind != kind {
		return nil, repository.ErrNotFound
	}
	return &req, nil
}

func (r memRequests) GetByIDForUpdate(ctx context.Context, kind model.RequestKind, id string) (*model.Request, error) {
	return r.GetByID(ctx, kind, id)
}

func (r memRequests) GetByExternalID(_ context.Context, kind model.RequestKind, ext model.ExternalRequestID) (*model.Request, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, req := range r.db.requests {
		if !req.IsDeleted && req.Kind == kind && req.ExternalRequestID == ext {
			return &req, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memRequests) ListBySystem(_ context.Context, kind model.RequestKind, systemID string) ([]*model.Request, error) {
	return r.list(func(req model.Request) bool { return req.Kind == kind && req.SystemID == systemID }), nil
}

func (r memRequests) ListByParty(_ context.Context, kind model.RequestKind, partyOrgNo string) ([]*model.Request, error) {
	return r.list(func(req model.Request) bool { return req.Kind == kind && req.PartyOrgNo == partyOrgNo }), nil
}

func (r memRequests) list(match func(model.Request) bool) []*model.Request {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]*model.Request, 0)
	for _, req := range r.db.requests {
		if !req.IsDeleted && match(req) {
			out = append(out, &req)
		}
	}
	return out
}

func (r memRequests) UpdateStatus(_ context.Context, id string, status model.RequestStatus, changedBy, systemUserID *string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	req, ok := r.db.requests[id]
	if !ok || req.IsDeleted {
		return repository.ErrNotFound
	}
	req.Status = status
	if changedBy != nil {
		req.ChangedBy = changedBy
	}
	if systemUserID != nil {
		req.SystemUserID = systemUserID
	}
	req.LastChanged = time.Now().UTC()
	r.db.requests[id] = req
	return nil
}

func (r memRequests) SoftDelete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	req, ok := r.db.requests[id]
	if !ok || req.IsDeleted {
		return repository.ErrNotFound
	}
	req.IsDeleted = true
	r.db.requests[id] = req
	return nil
}

type memChangeRequests struct{ db *memDB }

func (r memChangeRequests) Create(_ context.Context, cr *model.ChangeRequest) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, cur := range r.db.changeRequests {
		if !cur.IsDeleted && cur.ExternalRequestID == cr.ExternalRequestID {
			return repository.ErrConflict
		}
	}
	r.db.changeRequests[cr.ID] = *cr
	return nil
}

func (r memChangeRequests) GetByID(_ context.Context, id string) (*model.ChangeRequest, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cr, ok := r.db.changeRequests[id]
	if !ok || cr.IsDeleted {
		return nil, repository.ErrNotFound
	}
	return &cr, nil
}

func (r memChangeRequests) GetByIDForUpdate(ctx context.Context, id string) (*model.ChangeRequest, error) {
	return r.GetByID(ctx, id)
}

func (r memChangeRequests) GetByExternalID(_ context.Context, ext model.ExternalRequestID) (*model.ChangeRequest, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, cr := range r.db.changeRequests {
		if !cr.IsDeleted && cr.ExternalRequestID == ext {
			return &cr, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memChangeRequests) ListBySystem(_ context.Context, systemID string) ([]*model.ChangeRequest, error) {
	return r.list(func(cr model.ChangeRequest) bool { return cr.SystemID == systemID }), nil
}

func (r memChangeRequests) ListByParty(_ context.Context, partyOrgNo string) ([]*model.ChangeRequest, error) {
	return r.list(func(cr model.ChangeRequest) bool { return cr.PartyOrgNo == partyOrgNo }), nil
}

func (r memChangeRequests) list(match func(model.ChangeRequest) bool) []*model.ChangeRequest {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]*model.ChangeRequest, 0)
	for _, cr := range r.db.changeRequests {
		if !cr.IsDeleted && match(cr) {
			out = append(out, &cr)
		}
	}
	return out
}

func (r memChangeRequests) UpdateStatus(_ context.Context, id string, status model.RequestStatus, changedBy *string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cr, ok := r.db.changeRequests[id]
	if !ok || cr.IsDeleted {
		return repository.ErrNotFound
	}
	cr.Status = status
	cr.ChangedBy = changedBy
	cr.LastChanged = time.Now().UTC()
	r.db.changeRequests[id] = cr
	return nil
}

func (r memChangeRequests) SoftDelete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cr, ok := r.db.changeRequests[id]
	if !ok || cr.IsDeleted {
		return repository.ErrNotFound
	}
	cr.IsDeleted = true
	r.db.changeRequests[id] = cr
	return nil
}

type memSystemUsers struct{ db *memDB }

func (r memSystemUsers) Create(_ context.Context, su *model.SystemUser) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failUserCreate != nil {
		return r.db.failUserCreate
	}
	if su.Type == model.SystemUserTypeStandard {
		for _, cur := range r.db.users {
			if !cur.IsDeleted && cur.Type == model.SystemUserTypeStandard &&
				cur.SystemInternalID == su.SystemInternalID && cur.ReporteeOrgNo == su.ReporteeOrgNo {
				return repository.ErrConflict
			}
		}
	}
	r.db.users[su.ID] = *su
	return nil
}

func (r memSystemUsers) GetByID(_ context.Context, id string) (*model.SystemUser, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	su, ok := r.db.users[id]
	if !ok || su.IsDeleted {
		return nil, repository.ErrNotFound
	}
	return &su, nil
}

func (r memSystemUsers) GetStandard(_ context.Context, systemInternalID, reporteeOrgNo string) (*model.SystemUser, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, su := range r.db.users {
		if !su.IsDeleted && su.Type == model.SystemUserTypeStandard &&
			su.SystemInternalID == systemInternalID && su.ReporteeOrgNo == reporteeOrgNo {
			return &su, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memSystemUsers) ListByParty(_ context.Context, reporteePartyID string) ([]*model.SystemUser, error) {
	return r.list(func(su model.SystemUser) bool { return su.ReporteePartyID == reporteePartyID }), nil
}

func (r memSystemUsers) ListBySystem(_ context.Context, systemID string) ([]*model.SystemUser, error) {
	return r.list(func(su model.SystemUser) bool { return su.SystemID == systemID }), nil
}

func (r memSystemUsers) list(match func(model.SystemUser) bool) []*model.SystemUser {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]*model.SystemUser, 0)
	for _, su := range r.db.users {
		if !su.IsDeleted && match(su) {
			out = append(out, &su)
		}
	}
	return out
}

func (r memSystemUsers) UpdateGrants(_ context.Context, id string, rights []model.Right, packages []model.AccessPackage) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	su, ok := r.db.users[id]
	if !ok || su.IsDeleted {
		return repository.ErrNotFound
	}
	su.Rights = rights
	su.AccessPackages = packages
	su.LastChanged = time.Now().UTC()
	r.db.users[id] = su
	return nil
}

func (r memSystemUsers) Tombstone(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	su, ok := r.db.users[id]
	if !ok || su.IsDeleted {
		return repository.ErrNotFound
	}
	su.IsDeleted = true
	r.db.users[id] = su
	return nil
}

type memChangeLog struct{ db *memDB }

func (r memChangeLog) Append(_ context.Context, entry *model.ChangeLogEntry) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	entry.Created = time.Now().UTC()
	r.db.changeLog = append(r.db.changeLog, *entry)
	return nil
}

func (r memChangeLog) ListBySystem(_ context.Context, systemInternalID string, limit int) ([]*model.ChangeLogEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make([]*model.ChangeLogEntry, 0)
	for i := len(r.db.changeLog) - 1; i >= 0 && len(out) < limit; i-- {
		if r.db.changeLog[i].SystemInternalID == systemInternalID {
			e := r.db.changeLog[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

// --- Fake Authority ---

type fakeAuthority struct {
	mu sync.Mutex

	checkFn         func(authority.CheckRequest) ([]authority.CheckResult, error)
	delegateFn      func(authority.DelegateRequest) (*authority.DelegateResponse, error)
	revokeErr       error
	packages        map[string]*authority.AccessPackageInfo
	delegateAgentFn func(authority.AgentDelegationRequest) (*authority.AgentDelegationResponse, error)
	delegations     []model.ClientDelegation
	clients         []model.Customer
	deleteDelegErr  error
	deleteAssignErr error

	checkCalls         []authority.CheckRequest
	delegateCalls      []authority.DelegateRequest
	revokeCalls        []authority.DelegateRequest
	agentCalls         []authority.AgentDelegationRequest
	listClientsCalls   [][]string
	packageCalls       []string
	deletedDelegations []string
	deletedAssignments []string
}

func (f *fakeAuthority) CheckDelegation(ctx context.Context, req authority.CheckRequest) ([]authority.CheckResult, error) {
	f.mu.Lock()
	f.checkCalls = append(f.checkCalls, req)
	fn := f.checkFn
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(req)
	}
	return delegableAll(req), nil
}

func (f *fakeAuthority) Delegate(_ context.Context, req authority.DelegateRequest) (*authority.DelegateResponse, error) {
	f.mu.Lock()
	f.delegateCalls = append(f.delegateCalls, req)
	fn := f.delegateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return delegatedAll(req), nil
}

func (f *fakeAuthority) Revoke(_ context.Context, req authority.DelegateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls = append(f.revokeCalls, req)
	return f.revokeErr
}

func (f *fakeAuthority) GetAccessPackage(_ context.Context, urn string) (*authority.AccessPackageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packageCalls = append(f.packageCalls, urn)
	if info, ok := f.packages[urn]; ok {
		return info, nil
	}
	return nil, &authority.APIError{Operation: "get_access_package", StatusCode: 404}
}

func (f *fakeAuthority) DelegateAgent(_ context.Context, _ string, req authority.AgentDelegationRequest) (*authority.AgentDelegationResponse, error) {
	f.mu.Lock()
	f.agentCalls = append(f.agentCalls, req)
	fn := f.delegateAgentFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &authority.AgentDelegationResponse{DelegationID: "d-" + req.PackageURN, AssignmentID: "a-1"}, nil
}

func (f *fakeAuthority) ListAgentDelegations(_ context.Context, _, _ string) ([]model.ClientDelegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delegations, nil
}

func (f *fakeAuthority) DeleteClientDelegation(_ context.Context, _, delegationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedDelegations = append(f.deletedDelegations, delegationID)
	return f.deleteDelegErr
}

func (f *fakeAuthority) DeleteAgentAssignment(_ context.Context, _, assignmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedAssignments = append(f.deletedAssignments, assignmentID)
	return f.deleteAssignErr
}

func (f *fakeAuthority) ListClients(_ context.Context, _ string, packages []string) ([]model.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listClientsCalls = append(f.listClientsCalls, packages)
	return f.clients, nil
}

// delegableAll — ответ delegationcheck «всё делегируемо».
func delegableAll(req authority.CheckRequest) []authority.CheckResult {
	out := make([]authority.CheckResult, 0, len(req.Rights)+len(req.AccessPackages))
	for i := range req.Rights {
		out = append(out, authority.CheckResult{Right: &req.Rights[i], Status: authority.StatusDelegable})
	}
	for i := range req.AccessPackages {
		out = append(out, authority.CheckResult{AccessPackage: &req.AccessPackages[i], Status: authority.StatusDelegable})
	}
	return out
}

// delegatedAll — ответ на делегирование «всё делегировано».
func delegatedAll(req authority.DelegateRequest) *authority.DelegateResponse {
	resp := &authority.DelegateResponse{}
	for i := range req.Rights {
		resp.Rights = append(resp.Rights, authority.ItemResult{Right: &req.Rights[i], Status: authority.StatusDelegated})
	}
	for i := range req.AccessPackages {
		resp.AccessPackages = append(resp.AccessPackages, authority.ItemResult{AccessPackage: &req.AccessPackages[i], Status: authority.StatusDelegated})
	}
	return resp
}

// --- Тестовое окружение ---

const (
	testVendorOrgNo = "991825827"
	testSystemID    = "v1_app"
	testTimeout     = 240 * time.Hour
)

var (
	testReadRight = model.Right{
		Action:   "read",
		Resource: []model.AttributePair{{ID: "urn:altinn:resource", Value: "app_org_appname"}},
	}
	testWriteRight = model.Right{
		Action:   "write",
		Resource: []model.AttributePair{{ID: "urn:altinn:resource", Value: "app_org_appname"}},
	}
	testUnknownRight = model.Right{
		Action:   "delete",
		Resource: []model.AttributePair{{ID: "urn:altinn:resource", Value: "other_app"}},
	}
	testPackage     = model.AccessPackage{URN: "urn:altinn:accesspackage:regnskapsforer-med-signeringsrettighet"}
	testAuditPkg    = model.AccessPackage{URN: "urn:altinn:accesspackage:revisormedarbeider"}
	testParty       = model.Party{PartyID: "50001337", OrgNo: "910000123", UserID: "20001"}
	testOtherParty  = model.Party{PartyID: "50009999", OrgNo: "910000999", UserID: "20009"}
	testFacilitator = model.Party{PartyID: "50002222", OrgNo: "310000222", UserID: "20002"}
)

type testEnv struct {
	db        *memDB
	auth      *fakeAuthority
	catalogue *CatalogueService
	validator *DelegationValidator
	requests  *RequestService
	changes   *ChangeRequestService
	agents    *AgentService
	users     *SystemUserService
	now       time.Time
	system    model.RegisteredSystem
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		db:   newMemDB(),
		auth: &fakeAuthority{},
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.system = model.RegisteredSystem{
		InternalID:          "6f1b3c0e-0000-4000-8000-000000000001",
		SystemID:            testSystemID,
		VendorOrgNo:         testVendorOrgNo,
		Name:                "Regnskap Pro",
		Rights:              []model.Right{testReadRight, testWriteRight},
		AccessPackages:      []model.AccessPackage{testPackage, testAuditPkg},
		AllowedRedirectURLs: []string{"https://vendor.example.com/callback"},
		ClientIDs:           []string{"client-1"},
		IsVisible:           true,
	}
	env.db.systems[testSystemID] = env.system

	logger := testLogger()
	stores := env.db.stores()
	clock := func() time.Time { return env.now }

	env.catalogue = NewCatalogueService(stores.Catalogue, 16, time.Minute, logger)
	env.validator = NewDelegationValidator(env.catalogue, env.auth, logger)

	env.requests = NewRequestService(stores, env.db, env.catalogue, env.validator, env.auth, testTimeout, logger)
	env.requests.now = clock
	env.changes = NewChangeRequestService(stores, env.db, env.catalogue, env.validator, env.auth, testTimeout, logger)
	env.changes.now = clock
	env.agents = NewAgentService(stores, env.db, env.catalogue, env.auth, 4, logger)
	env.users = NewSystemUserService(stores, env.db, env.catalogue, env.auth, logger)
	return env
}

// seedUser добавляет системного пользователя напрямую в хранилище.
func (env *testEnv) seedUser(su model.SystemUser) model.SystemUser {
	if su.SystemInternalID == "" {
		su.SystemInternalID = env.system.InternalID
	}
	if su.SystemID == "" {
		su.SystemID = testSystemID
	}
	if su.Type == "" {
		su.Type = model.SystemUserTypeStandard
	}
	su.Created = env.now
	su.LastChanged = env.now
	env.db.mu.Lock()
	env.db.users[su.ID] = su
	env.db.mu.Unlock()
	return su
}

func standardInput(ref string, rights ...model.Right) CreateRequestInput {
	return CreateRequestInput{
		ExternalRequestID: model.ExternalRequestID{
			SystemID:    testSystemID,
			PartyOrgNo:  testParty.OrgNo,
			ExternalRef: ref,
		},
		Rights: rights,
	}
}
