// requests.go — жизненный цикл запросов на создание системного пользователя.
//
// Статусы: New → {Accepted, Rejected, Denied}. Timedout не хранится, а
// вычисляется при чтении для запросов New старше SUB_REQUEST_TIMEOUT.
//
// Одобрение:
//  1. Проверка владельца, статуса и повторная проверка делегируемости в Authority
//  2. Делегирование прав новому системному пользователю (вне транзакции)
//  3. Транзакция REPEATABLE READ: статус Accepted + создание системного
//     пользователя + запись в журнал изменений
//  4. Если транзакция не прошла — делегирование отзывается, запрос остаётся New
//
// Стандартные и агентские запросы хранятся в одной таблице и различаются
// полем request_kind. Агентский запрос содержит только пакеты доступа,
// а его одобрение создаёт агентского пользователя без делегирования:
// пакеты клиентов делегируются позже через AgentService.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

var requestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sub_request_transitions_total",
	Help: "Количество переходов запросов по видам и итоговым статусам",
}, []string{"kind", "status"})

// CreateRequestInput — данные вендора для создания запроса.
type CreateRequestInput struct {
	model.ExternalRequestID
	Rights         []model.Right
	AccessPackages []model.AccessPackage
	RedirectURL    string
}

// RequestService — движок жизненного цикла запросов.
type RequestService struct {
	stores    repository.Stores
	tx        Transactor
	systems   SystemSource
	validator *DelegationValidator
	authority AuthorityClient
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewRequestService создаёт сервис запросов.
// timeout — возраст, после которого запрос New считается истёкшим.
func NewRequestService(
	stores repository.Stores,
	tx Transactor,
	systems SystemSource,
	validator *DelegationValidator,
	auth AuthorityClient,
	timeout time.Duration,
	logger *slog.Logger,
) *RequestService {
	return &RequestService{
		stores:    stores,
		tx:        tx,
		systems:   systems,
		validator: validator,
		authority: auth,
		timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "requests")),
	}
}

// --- Стандартные запросы ---

// CreateRequest создаёт запрос на стандартного системного пользователя.
func (s *RequestService) CreateRequest(ctx context.Context, vendorOrgNo string, in CreateRequestInput) (*model.Request, error) {
	return s.create(ctx, model.RequestKindStandard, vendorOrgNo, in)
}

// GetRequestForVendor возвращает запрос по id для вендора-владельца системы.
func (s *RequestService) GetRequestForVendor(ctx context.Context, vendorOrgNo, id string) (*model.Request, error) {
	return s.getForVendor(ctx, model.RequestKindStandard, vendorOrgNo, id)
}

// GetRequestByExternalID возвращает запрос по внешнему идентификатору.
func (s *RequestService) GetRequestByExternalID(ctx context.Context, vendorOrgNo string, ext model.ExternalRequestID) (*model.Request, error) {
	return s.getByExternalID(ctx, model.RequestKindStandard, vendorOrgNo, ext)
}

// ListRequestsForSystem возвращает запросы системы вендора.
func (s *RequestService) ListRequestsForSystem(ctx context.Context, vendorOrgNo, systemID string) ([]*model.Request, error) {
	return s.listForSystem(ctx, model.RequestKindStandard, vendorOrgNo, systemID)
}

// GetRequestForParty возвращает запрос клиенту.
func (s *RequestService) GetRequestForParty(ctx context.Context, party model.Party, id string) (*model.Request, error) {
	return s.getForParty(ctx, model.RequestKindStandard, party, id)
}

// ListRequestsForParty возвращает запросы, адресованные клиенту.
func (s *RequestService) ListRequestsForParty(ctx context.Context, party model.Party) ([]*model.Request, error) {
	return s.listForParty(ctx, model.RequestKindStandard, party)
}

// ApproveRequest одобряет запрос и создаёт системного пользователя.
func (s *RequestService) ApproveRequest(ctx context.Context, party model.Party, id string) (*model.SystemUser, error) {
	return s.approve(ctx, model.RequestKindStandard, party, id)
}

// RejectRequest отвергает запрос.
func (s *RequestService) RejectRequest(ctx context.Context, party model.Party, id string) (*model.Request, error) {
	return s.finish(ctx, model.RequestKindStandard, party, id, model.StatusRejected)
}

// DenyRequest отклоняет запрос.
func (s *RequestService) DenyRequest(ctx context.Context, party model.Party, id string) (*model.Request, error) {
	return s.finish(ctx, model.RequestKindStandard, party, id, model.StatusDenied)
}

// DeleteRequest помечает запрос удалённым.
func (s *RequestService) DeleteRequest(ctx context.Context, vendorOrgNo, id string) error {
	return s.delete(ctx, model.RequestKindStandard, vendorOrgNo, id)
}

// --- Агентские запросы ---

// CreateAgentRequest создаёт запрос на агентского системного пользователя.
func (s *RequestService) CreateAgentRequest(ctx context.Context, vendorOrgNo string, in CreateRequestInput) (*model.Request, error) {
	return s.create(ctx, model.RequestKindAgent, vendorOrgNo, in)
}

func (s *RequestService) GetAgentRequestForVendor(ctx context.Context, vendorOrgNo, id string) (*model.Request, error) {
	return s.getForVendor(ctx, model.RequestKindAgent, vendorOrgNo, id)
}

func (s *RequestService) GetAgentRequestByExternalID(ctx context.Context, vendorOrgNo string, ext model.ExternalRequestID) (*model.Request, error) {
	return s.getByExternalID(ctx, model.RequestKindAgent, vendorOrgNo, ext)
}

func (s *RequestService) ListAgentRequestsForSystem(ctx context.Context, vendorOrgNo, systemID string) ([]*model.Request, error) {
	return s.listForSystem(ctx, model.RequestKindAgent, vendorOrgNo, systemID)
}

func (s *RequestService) GetAgentRequestForParty(ctx context.Context, party model.Party, id string) (*model.Request, error) {
	return s.getForParty(ctx, model.RequestKindAgent, party, id)
}

func (s *RequestService) ListAgentRequestsForParty(ctx context.Context, party model.Party) ([]*model.Request, error) {
	return s.listForParty(ctx, model.RequestKindAgent, party)
}

// ApproveAgentRequest одобряет агентский запрос и создаёт агентского пользователя.
func (s *RequestService) ApproveAgentRequest(ctx context.Context, party model.Party, id string) (*model.SystemUser, error) {
	return s.approve(ctx, model.RequestKindAgent, party, id)
}

func (s *RequestService) RejectAgentRequest(ctx context.Context, party model.Party, id string) (*model.Request, error) {
	return s.finish(ctx, model.RequestKindAgent, party, id, model.StatusRejected)
}

func (s *RequestService) DenyAgentRequest(ctx context.Context, party model.Party, id string) (*model.Request, error) {
	return s.finish(ctx, model.RequestKindAgent, party, id, model.StatusDenied)
}

func (s *RequestService) DeleteAgentRequest(ctx context.Context, vendorOrgNo, id string) error {
	return s.delete(ctx, model.RequestKindAgent, vendorOrgNo, id)
}

// --- Общая реализация ---

func notFoundKind(kind model.RequestKind) problem.Kind {
	if kind == model.RequestKindAgent {
		return problem.AgentRequestNotFound
	}
	return problem.RequestNotFound
}

func (s *RequestService) create(ctx context.Context, kind model.RequestKind, vendorOrgNo string, in CreateRequestInput) (*model.Request, error) {
	if in.SystemID == "" || in.PartyOrgNo == "" {
		return nil, problem.New(problem.InvalidRequest, "system_id и party_org_no обязательны")
	}
	if in.ExternalRef == "" {
		in.ExternalRef = in.PartyOrgNo
	}
	switch kind {
	case model.RequestKindAgent:
		if len(in.Rights) > 0 {
			return nil, problem.New(problem.AgentRequestRightsNotAllowed, "")
		}
		if len(in.AccessPackages) == 0 {
			return nil, problem.New(problem.InvalidRequest, "не указаны пакеты доступа")
		}
	default:
		if len(in.Rights)+len(in.AccessPackages) == 0 {
			return nil, problem.New(problem.InvalidRequest, "не указаны права или пакеты доступа")
		}
	}

	sys, err := ownSystem(ctx, s.systems, vendorOrgNo, in.SystemID)
	if err != nil {
		return nil, err
	}
	if err := validateRedirectURL(sys, in.RedirectURL); err != nil {
		return nil, err
	}

	now := s.now()

	// Предварительная проверка идемпотентности; окончательная — уникальный индекс
	var stale *model.Request
	existing, err := s.stores.Requests.GetByExternalID(ctx, kind, in.ExternalRequestID)
	switch {
	case err == nil:
		switch model.EffectiveStatus(existing.Status, existing.Created, now, s.timeout) {
		case model.StatusAccepted:
			return nil, problem.Newf(problem.ExternalRequestIDAlreadyAccepted, "id=%s", existing.ID)
		case model.StatusNew:
			return nil, problem.Newf(problem.ExternalRequestIDPending, "id=%s", existing.ID)
		case model.StatusDenied:
			return nil, problem.Newf(problem.ExternalRequestIDDenied, "id=%s", existing.ID)
		case model.StatusRejected:
			return nil, problem.Newf(problem.ExternalRequestIDRejected, "id=%s", existing.ID)
		default:
			stale = existing
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, storeError(err, problem.KindUnknown, "поиск запроса по внешнему идентификатору")
	}

	res, err := s.validator.Validate(ctx, ValidateInput{
		PartyOrgNo:     in.PartyOrgNo,
		SystemID:       in.SystemID,
		Rights:         in.Rights,
		AccessPackages: in.AccessPackages,
		AgentContext:   kind == model.RequestKindAgent,
		Mode:           ModeCatalogueOnly,
	})
	if err != nil {
		return nil, err
	}
	if !res.CanDelegate {
		return nil, createRejection(res)
	}

	req := &model.Request{
		ID:                uuid.New().String(),
		Kind:              kind,
		ExternalRequestID: in.ExternalRequestID,
		Rights:            in.Rights,
		AccessPackages:    in.AccessPackages,
		Status:            model.StatusNew,
		RedirectURL:       in.RedirectURL,
		Created:           now,
		LastChanged:       now,
	}

	if stale != nil {
		// Истёкший запрос заменяется новым в одной транзакции
		err = s.tx.RunInTx(ctx, pgx.ReadCommitted, func(st repository.Stores) error {
			if err := st.Requests.SoftDelete(ctx, stale.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			return st.Requests.Create(ctx, req)
		})
	} else {
		err = s.stores.Requests.Create(ctx, req)
	}
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, problem.New(problem.ExternalRequestIDPending, "параллельное создание")
		}
		return nil, storeError(err, problem.KindUnknown, "создание запроса")
	}

	requestTransitions.WithLabelValues(string(kind), string(model.StatusNew)).Inc()
	s.logger.Info("Запрос создан",
		slog.String("id", req.ID),
		slog.String("kind", string(kind)),
		slog.String("system_id", req.SystemID),
		slog.String("party_org_no", req.PartyOrgNo),
		slog.Bool("replaced_timedout", stale != nil),
	)
	return req, nil
}

func (s *RequestService) getForVendor(ctx context.Context, kind model.RequestKind, vendorOrgNo, id string) (*model.Request, error) {
	req, err := s.stores.Requests.GetByID(ctx, kind, id)
	if err != nil {
		return nil, storeError(err, notFoundKind(kind), "чтение запроса")
	}
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, req.SystemID); err != nil {
		return nil, err
	}
	return req.Project(s.now(), s.timeout), nil
}

func (s *RequestService) getByExternalID(ctx context.Context, kind model.RequestKind, vendorOrgNo string, ext model.ExternalRequestID) (*model.Request, error) {
	if ext.ExternalRef == "" {
		ext.ExternalRef = ext.PartyOrgNo
	}
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, ext.SystemID); err != nil {
		return nil, err
	}
	req, err := s.stores.Requests.GetByExternalID(ctx, kind, ext)
	if err != nil {
		return nil, storeError(err, notFoundKind(kind), "чтение запроса")
	}
	return req.Project(s.now(), s.timeout), nil
}

func (s *RequestService) listForSystem(ctx context.Context, kind model.RequestKind, vendorOrgNo, systemID string) ([]*model.Request, error) {
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, systemID); err != nil {
		return nil, err
	}
	list, err := s.stores.Requests.ListBySystem(ctx, kind, systemID)
	if err != nil {
		return nil, storeError(err, problem.KindUnknown, "список запросов системы")
	}
	return s.projectAll(list), nil
}

func (s *RequestService) getForParty(ctx context.Context, kind model.RequestKind, party model.Party, id string) (*model.Request, error) {
	req, err := s.stores.Requests.GetByID(ctx, kind, id)
	if err != nil {
		return nil, storeError(err, notFoundKind(kind), "чтение запроса")
	}
	if req.PartyOrgNo != party.OrgNo {
		return nil, problem.New(problem.NotOwnerOfParty, "")
	}
	return req.Project(s.now(), s.timeout), nil
}

func (s *RequestService) listForParty(ctx context.Context, kind model.RequestKind, party model.Party) ([]*model.Request, error) {
	list, err := s.stores.Requests.ListByParty(ctx, kind, party.OrgNo)
	if err != nil {
		return nil, storeError(err, problem.KindUnknown, "список запросов клиента")
	}
	return s.projectAll(list), nil
}

func (s *RequestService) projectAll(list []*model.Request) []*model.Request {
	now := s.now()
	out := make([]*model.Request, 0, len(list))
	for _, r := range list {
		out = append(out, r.Project(now, s.timeout))
	}
	return out
}

// requireNew проверяет, что запрос можно перевести в конечный статус.
func requireNew(status model.RequestStatus, created, now time.Time, timeout time.Duration) error {
	switch model.EffectiveStatus(status, created, now, timeout) {
	case model.StatusNew:
		return nil
	case model.StatusTimedout:
		return problem.New(problem.RequestTimedOut, "")
	default:
		return problem.Newf(problem.RequestStatusNotNew, "статус %s", status)
	}
}

func (s *RequestService) approve(ctx context.Context, kind model.RequestKind, party model.Party, id string) (*model.SystemUser, error) {
	req, err := s.stores.Requests.GetByID(ctx, kind, id)
	if err != nil {
		return nil, storeError(err, notFoundKind(kind), "чтение запроса")
	}
	if req.PartyOrgNo != party.OrgNo {
		return nil, problem.New(problem.NotOwnerOfParty, "")
	}
	if err := requireNew(req.Status, req.Created, s.now(), s.timeout); err != nil {
		return nil, err
	}

	sys, err := s.systems.Get(ctx, req.SystemID)
	if err != nil {
		return nil, err
	}

	if kind == model.RequestKindStandard {
		_, err := s.stores.SystemUsers.GetStandard(ctx, sys.InternalID, req.PartyOrgNo)
		switch {
		case err == nil:
			return nil, problem.New(problem.SystemUserAlreadyExists, "")
		case !errors.Is(err, repository.ErrNotFound):
			return nil, storeError(err, problem.KindUnknown, "поиск системного пользователя")
		}
	}

	res, err := s.validator.Validate(ctx, ValidateInput{
		PartyID:        party.PartyID,
		PartyOrgNo:     party.OrgNo,
		SystemID:       req.SystemID,
		Rights:         req.Rights,
		AccessPackages: req.AccessPackages,
		AgentContext:   kind == model.RequestKindAgent,
		Mode:           ModeFull,
	})
	if err != nil {
		return nil, err
	}
	if !res.CanDelegate {
		s.logger.Info("Одобрение отклонено проверкой делегирования",
			slog.String("id", id),
			slog.Bool("undetermined", res.Undetermined()),
		)
		return nil, approvalRejection(res)
	}

	now := s.now()
	su := &model.SystemUser{
		ID:               uuid.New().String(),
		IntegrationTitle: sys.Name,
		SystemInternalID: sys.InternalID,
		SystemID:         sys.SystemID,
		Type:             model.SystemUserTypeStandard,
		ReporteePartyID:  party.PartyID,
		ReporteeOrgNo:    req.PartyOrgNo,
		SupplierName:     sys.Name,
		SupplierOrgNo:    sys.VendorOrgNo,
		ExternalRef:      req.ExternalRef,
		Rights:           res.AllowedRights,
		AccessPackages:   res.AllowedAccessPackages,
		CreatedBy:        party.UserID,
		Created:          now,
		LastChanged:      now,
	}

	// Для стандартного пользователя сначала делегируем, потом пишем в БД
	if kind == model.RequestKindAgent {
		su.Type = model.SystemUserTypeAgent
	} else if err := delegateItems(ctx, s.authority, s.logger, party.PartyID, su.ID, su.Rights, su.AccessPackages, true); err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, pgx.RepeatableRead, func(st repository.Stores) error {
		cur, err := st.Requests.GetByIDForUpdate(ctx, kind, id)
		if err != nil {
			return err
		}
		if err := requireNew(cur.Status, cur.Created, now, s.timeout); err != nil {
			return err
		}
		changedBy := party.UserID
		if err := st.Requests.UpdateStatus(ctx, id, model.StatusAccepted, &changedBy, &su.ID); err != nil {
			return err
		}
		if err := st.SystemUsers.Create(ctx, su); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return problem.New(problem.SystemUserAlreadyExists, "")
			}
			return err
		}
		return st.ChangeLog.Append(ctx, changeLogEntry(sys, party.OrgNo, model.ChangeSystemUserCreated, map[string]any{
			"system_user_id":  su.ID,
			"request_id":      id,
			"user_type":       su.Type,
			"rights":          su.Rights,
			"access_packages": su.AccessPackages,
		}))
	})
	if err != nil {
		if kind == model.RequestKindStandard {
			revokeBestEffort(ctx, s.authority, s.logger, delegateRequestFor(party.PartyID, su))
		}
		if errors.Is(err, repository.ErrSerialization) {
			return nil, problem.Wrap(problem.RequestStatusNotNew, err, "параллельное одобрение")
		}
		return nil, storeError(err, notFoundKind(kind), "одобрение запроса")
	}

	requestTransitions.WithLabelValues(string(kind), string(model.StatusAccepted)).Inc()
	s.logger.Info("Запрос одобрен, системный пользователь создан",
		slog.String("id", id),
		slog.String("kind", string(kind)),
		slog.String("system_user_id", su.ID),
		slog.String("party_org_no", req.PartyOrgNo),
	)
	return su, nil
}

// finish переводит запрос New в Rejected или Denied. Повторный перевод
// запроса в конечном статусе — RequestStatusNotNew.
func (s *RequestService) finish(ctx context.Context, kind model.RequestKind, party model.Party, id string, status model.RequestStatus) (*model.Request, error) {
	req, err := s.stores.Requests.GetByID(ctx, kind, id)
	if err != nil {
		return nil, storeError(err, notFoundKind(kind), "чтение запроса")
	}
	if req.PartyOrgNo != party.OrgNo {
		return nil, problem.New(problem.NotOwnerOfParty, "")
	}
	now := s.now()
	if err := requireNew(req.Status, req.Created, now, s.timeout); err != nil {
		return nil, err
	}

	sys, err := s.systems.Get(ctx, req.SystemID)
	if err != nil {
		return nil, err
	}

	changeType := model.ChangeRequestRejected
	if status == model.StatusDenied {
		changeType = model.ChangeRequestDenied
	}

	changedBy := party.UserID
	err = s.tx.RunInTx(ctx, pgx.ReadCommitted, func(st repository.Stores) error {
		cur, err := st.Requests.GetByIDForUpdate(ctx, kind, id)
		if err != nil {
			return err
		}
		if err := requireNew(cur.Status, cur.Created, now, s.timeout); err != nil {
			return err
		}
		if err := st.Requests.UpdateStatus(ctx, id, status, &changedBy, nil); err != nil {
			return err
		}
		return st.ChangeLog.Append(ctx, changeLogEntry(sys, party.OrgNo, changeType, map[string]any{
			"request_id": id,
			"kind":       kind,
		}))
	})
	if err != nil {
		return nil, storeError(err, notFoundKind(kind), "смена статуса запроса")
	}

	requestTransitions.WithLabelValues(string(kind), string(status)).Inc()
	s.logger.Info("Статус запроса изменён",
		slog.String("id", id),
		slog.String("kind", string(kind)),
		slog.String("status", string(status)),
	)

	out := *req
	out.Status = status
	out.ChangedBy = &changedBy
	out.LastChanged = now
	return &out, nil
}

func (s *RequestService) delete(ctx context.Context, kind model.RequestKind, vendorOrgNo, id string) error {
	req, err := s.stores.Requests.GetByID(ctx, kind, id)
	if err != nil {
		return storeError(err, notFoundKind(kind), "чтение запроса")
	}
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, req.SystemID); err != nil {
		return err
	}
	if err := s.stores.Requests.SoftDelete(ctx, id); err != nil {
		return storeError(err, notFoundKind(kind), "удаление запроса")
	}
	s.logger.Info("Запрос удалён",
		slog.String("id", id),
		slog.String("kind", string(kind)),
	)
	return nil
}

// ownSystem возвращает систему, если она принадлежит вендору.
func ownSystem(ctx context.Context, systems SystemSource, vendorOrgNo, systemID string) (*model.RegisteredSystem, error) {
	sys, err := systems.Get(ctx, systemID)
	if err != nil {
		return nil, err
	}
	if sys.VendorOrgNo != vendorOrgNo {
		return nil, problem.Newf(problem.NotOwnerOfSystem, "system_id=%s", systemID)
	}
	return sys, nil
}

// validateRedirectURL проверяет redirect URL: абсолютный https (http только
// для localhost), а если система объявила разрешённые адреса — совпадение
// схемы и хоста с одним из них. Пустой URL допустим.
func validateRedirectURL(sys *model.RegisteredSystem, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return problem.New(problem.InvalidRedirectURL, "ожидается абсолютный URL")
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		host := u.Hostname()
		if host != "localhost" && !isLoopback(host) {
			return problem.New(problem.InvalidRedirectURL, "http допустим только для localhost")
		}
	default:
		return problem.Newf(problem.InvalidRedirectURL, "недопустимая схема %s", u.Scheme)
	}

	if len(sys.AllowedRedirectURLs) == 0 {
		return nil
	}
	for _, allowed := range sys.AllowedRedirectURLs {
		a, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if strings.EqualFold(a.Scheme, u.Scheme) && strings.EqualFold(a.Host, u.Host) {
			return nil
		}
	}
	return problem.New(problem.InvalidRedirectURL, "адрес не входит в список разрешённых для системы")
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
