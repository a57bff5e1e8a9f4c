// change_requests.go — запросы на изменение прав существующего системного пользователя.
//
// Запрос несёт два независимых набора: required (должно быть делегировано)
// и unwanted (должно быть отозвано). Разницу с текущим состоянием считает
// Authority: повторное делегирование и отзыв отсутствующего — не ошибка.
// Если при одобрении не удалась любая половина, запрос остаётся New.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/sysuser-broker/internal/authority"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

const changeRequestKind = "change"

// CreateChangeRequestInput — данные вендора для запроса на изменение.
type CreateChangeRequestInput struct {
	model.ExternalRequestID
	SystemUserID           string
	RequiredRights         []model.Right
	UnwantedRights         []model.Right
	RequiredAccessPackages []model.AccessPackage
	UnwantedAccessPackages []model.AccessPackage
	RedirectURL            string
}

// ChangeRequestService — сервис запросов на изменение.
type ChangeRequestService struct {
	stores    repository.Stores
	tx        Transactor
	systems   SystemSource
	validator *DelegationValidator
	authority AuthorityClient
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewChangeRequestService создаёт сервис запросов на изменение.
func NewChangeRequestService(
	stores repository.Stores,
	tx Transactor,
	systems SystemSource,
	validator *DelegationValidator,
	auth AuthorityClient,
	timeout time.Duration,
	logger *slog.Logger,
) *ChangeRequestService {
	return &ChangeRequestService{
		stores:    stores,
		tx:        tx,
		systems:   systems,
		validator: validator,
		authority: auth,
		timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "change_requests")),
	}
}

// CreateChangeRequest создаёт запрос на изменение. Если оба набора пусты,
// запрос не сохраняется и возвращается с пустыми списками и без id.
func (s *ChangeRequestService) CreateChangeRequest(ctx context.Context, vendorOrgNo string, in CreateChangeRequestInput) (*model.ChangeRequest, error) {
	if in.SystemID == "" || in.PartyOrgNo == "" || in.SystemUserID == "" {
		return nil, problem.New(problem.InvalidRequest, "system_id, party_org_no и system_user_id обязательны")
	}
	if in.ExternalRef == "" {
		in.ExternalRef = in.PartyOrgNo
	}
	for _, r := range in.UnwantedRights {
		if r.IsEmpty() {
			return nil, problem.New(problem.InvalidRequest, "пустое право в unwanted_rights")
		}
	}
	for _, p := range in.UnwantedAccessPackages {
		if p.IsEmpty() {
			return nil, problem.New(problem.InvalidRequest, "пустой пакет в unwanted_access_packages")
		}
	}

	sys, err := ownSystem(ctx, s.systems, vendorOrgNo, in.SystemID)
	if err != nil {
		return nil, err
	}
	if err := validateRedirectURL(sys, in.RedirectURL); err != nil {
		return nil, err
	}

	su, err := s.stores.SystemUsers.GetByID(ctx, in.SystemUserID)
	if err != nil {
		return nil, storeError(err, problem.SystemUserNotFound, "чтение системного пользователя")
	}
	if su.SystemID != in.SystemID || su.ReporteeOrgNo != in.PartyOrgNo {
		return nil, problem.New(problem.SystemUserNotFound, "пользователь не относится к системе и клиенту")
	}

	now := s.now()
	cr := &model.ChangeRequest{
		ExternalRequestID:      in.ExternalRequestID,
		SystemUserID:           in.SystemUserID,
		RequiredRights:         nonNil(in.RequiredRights),
		UnwantedRights:         nonNil(in.UnwantedRights),
		RequiredAccessPackages: nonNil(in.RequiredAccessPackages),
		UnwantedAccessPackages: nonNil(in.UnwantedAccessPackages),
		Status:                 model.StatusNew,
		RedirectURL:            in.RedirectURL,
		Created:                now,
		LastChanged:            now,
	}
	if cr.IsEmpty() {
		s.logger.Debug("Пустой запрос на изменение не сохраняется",
			slog.String("system_user_id", in.SystemUserID),
		)
		return cr, nil
	}

	var stale *model.ChangeRequest
	existing, err := s.stores.ChangeRequests.GetByExternalID(ctx, in.ExternalRequestID)
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
		return nil, storeError(err, problem.KindUnknown, "поиск запроса на изменение")
	}

	// Каталог проверяется только для required: отзывать можно что угодно
	if len(cr.RequiredRights)+len(cr.RequiredAccessPackages) > 0 {
		res, err := s.validator.Validate(ctx, ValidateInput{
			PartyOrgNo:     in.PartyOrgNo,
			SystemID:       in.SystemID,
			Rights:         cr.RequiredRights,
			AccessPackages: cr.RequiredAccessPackages,
			Mode:           ModeCatalogueOnly,
		})
		if err != nil {
			return nil, err
		}
		if !res.CanDelegate {
			return nil, createRejection(res)
		}
	}

	cr.ID = uuid.New().String()
	if stale != nil {
		err = s.tx.RunInTx(ctx, pgx.ReadCommitted, func(st repository.Stores) error {
			if err := st.ChangeRequests.SoftDelete(ctx, stale.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			return st.ChangeRequests.Create(ctx, cr)
		})
	} else {
		err = s.stores.ChangeRequests.Create(ctx, cr)
	}
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, problem.New(problem.ExternalRequestIDPending, "параллельное создание")
		}
		return nil, storeError(err, problem.KindUnknown, "создание запроса на изменение")
	}

	requestTransitions.WithLabelValues(changeRequestKind, string(model.StatusNew)).Inc()
	s.logger.Info("Запрос на изменение создан",
		slog.String("id", cr.ID),
		slog.String("system_user_id", cr.SystemUserID),
		slog.Int("required", len(cr.RequiredRights)+len(cr.RequiredAccessPackages)),
		slog.Int("unwanted", len(cr.UnwantedRights)+len(cr.UnwantedAccessPackages)),
	)
	return cr, nil
}

// GetChangeRequestForVendor возвращает запрос на изменение вендору-владельцу системы.
func (s *ChangeRequestService) GetChangeRequestForVendor(ctx context.Context, vendorOrgNo, id string) (*model.ChangeRequest, error) {
	cr, err := s.stores.ChangeRequests.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, problem.ChangeRequestNotFound, "чтение запроса на изменение")
	}
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, cr.SystemID); err != nil {
		return nil, err
	}
	return cr.Project(s.now(), s.timeout), nil
}

// GetChangeRequestByExternalID возвращает запрос на изменение по внешнему идентификатору.
func (s *ChangeRequestService) GetChangeRequestByExternalID(ctx context.Context, vendorOrgNo string, ext model.ExternalRequestID) (*model.ChangeRequest, error) {
	if ext.ExternalRef == "" {
		ext.ExternalRef = ext.PartyOrgNo
	}
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, ext.SystemID); err != nil {
		return nil, err
	}
	cr, err := s.stores.ChangeRequests.GetByExternalID(ctx, ext)
	if err != nil {
		return nil, storeError(err, problem.ChangeRequestNotFound, "чтение запроса на изменение")
	}
	return cr.Project(s.now(), s.timeout), nil
}

// ListChangeRequestsForSystem возвращает запросы на изменение по системе вендора.
func (s *ChangeRequestService) ListChangeRequestsForSystem(ctx context.Context, vendorOrgNo, systemID string) ([]*model.ChangeRequest, error) {
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, systemID); err != nil {
		return nil, err
	}
	list, err := s.stores.ChangeRequests.ListBySystem(ctx, systemID)
	if err != nil {
		return nil, storeError(err, problem.KindUnknown, "список запросов на изменение")
	}
	return s.projectAll(list), nil
}

// GetChangeRequestForParty возвращает запрос на изменение клиенту.
func (s *ChangeRequestService) GetChangeRequestForParty(ctx context.Context, party model.Party, id string) (*model.ChangeRequest, error) {
	cr, err := s.stores.ChangeRequests.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, problem.ChangeRequestNotFound, "чтение запроса на изменение")
	}
	if cr.PartyOrgNo != party.OrgNo {
		return nil, problem.New(problem.NotOwnerOfParty, "")
	}
	return cr.Project(s.now(), s.timeout), nil
}

// ListChangeRequestsForParty возвращает запросы на изменение, адресованные клиенту.
func (s *ChangeRequestService) ListChangeRequestsForParty(ctx context.Context, party model.Party) ([]*model.ChangeRequest, error) {
	list, err := s.stores.ChangeRequests.ListByParty(ctx, party.OrgNo)
	if err != nil {
		return nil, storeError(err, problem.KindUnknown, "список запросов на изменение")
	}
	return s.projectAll(list), nil
}

func (s *ChangeRequestService) projectAll(list []*model.ChangeRequest) []*model.ChangeRequest {
	now := s.now()
	out := make([]*model.ChangeRequest, 0, len(list))
	for _, cr := range list {
		out = append(out, cr.Project(now, s.timeout))
	}
	return out
}

// ApproveChangeRequest применяет запрос: делегирует required, отзывает
// unwanted, затем в одной транзакции переводит запрос в Accepted и
// обновляет снимок прав системного пользователя.
func (s *ChangeRequestService) ApproveChangeRequest(ctx context.Context, party model.Party, id string) (*model.SystemUser, error) {
	cr, err := s.stores.ChangeRequests.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, problem.ChangeRequestNotFound, "чтение запроса на изменение")
	}
	if cr.PartyOrgNo != party.OrgNo {
		return nil, problem.New(problem.NotOwnerOfParty, "")
	}
	if err := requireNew(cr.Status, cr.Created, s.now(), s.timeout); err != nil {
		return nil, err
	}

	sys, err := s.systems.Get(ctx, cr.SystemID)
	if err != nil {
		return nil, err
	}
	if _, err := s.stores.SystemUsers.GetByID(ctx, cr.SystemUserID); err != nil {
		return nil, storeError(err, problem.SystemUserNotFound, "чтение системного пользователя")
	}

	if len(cr.RequiredRights)+len(cr.RequiredAccessPackages) > 0 {
		res, err := s.validator.Validate(ctx, ValidateInput{
			PartyID:        party.PartyID,
			PartyOrgNo:     party.OrgNo,
			SystemID:       cr.SystemID,
			Rights:         cr.RequiredRights,
			AccessPackages: cr.RequiredAccessPackages,
			Mode:           ModeFull,
		})
		if err != nil {
			return nil, err
		}
		if !res.CanDelegate {
			return nil, approvalRejection(res)
		}
	}

	// Без компенсации: required мог быть делегирован и до этого запроса
	if err := delegateItems(ctx, s.authority, s.logger, party.PartyID, cr.SystemUserID,
		cr.RequiredRights, cr.RequiredAccessPackages, false); err != nil {
		return nil, applyFailure(err)
	}

	unwanted := authority.DelegateRequest{
		PartyID:        party.PartyID,
		SystemUserID:   cr.SystemUserID,
		Rights:         cr.UnwantedRights,
		AccessPackages: cr.UnwantedAccessPackages,
	}
	if len(unwanted.Rights)+len(unwanted.AccessPackages) > 0 {
		if err := s.authority.Revoke(ctx, unwanted); err != nil {
			return nil, applyFailure(authorityError(err, problem.ChangeRequestFailedToApply))
		}
	}

	now := s.now()
	var updated *model.SystemUser
	err = s.tx.RunInTx(ctx, pgx.RepeatableRead, func(st repository.Stores) error {
		cur, err := st.ChangeRequests.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := requireNew(cur.Status, cur.Created, now, s.timeout); err != nil {
			return err
		}
		changedBy := party.UserID
		if err := st.ChangeRequests.UpdateStatus(ctx, id, model.StatusAccepted, &changedBy); err != nil {
			return err
		}

		su, err := st.SystemUsers.GetByID(ctx, cur.SystemUserID)
		if err != nil {
			return problem.Wrap(problem.SystemUserNotFound, err, "")
		}
		su.Rights = model.SubtractRights(model.UnionRights(su.Rights, cur.RequiredRights), cur.UnwantedRights)
		su.AccessPackages = model.SubtractPackages(
			model.UnionPackages(su.AccessPackages, cur.RequiredAccessPackages), cur.UnwantedAccessPackages)
		if err := st.SystemUsers.UpdateGrants(ctx, su.ID, su.Rights, su.AccessPackages); err != nil {
			return err
		}
		su.LastChanged = now
		updated = su

		return st.ChangeLog.Append(ctx, changeLogEntry(sys, party.OrgNo, model.ChangeChangeRequestApplied, map[string]any{
			"change_request_id":        id,
			"system_user_id":           su.ID,
			"required_rights":          cur.RequiredRights,
			"unwanted_rights":          cur.UnwantedRights,
			"required_access_packages": cur.RequiredAccessPackages,
			"unwanted_access_packages": cur.UnwantedAccessPackages,
		}))
	})
	if err != nil {
		if errors.Is(err, repository.ErrSerialization) {
			return nil, problem.Wrap(problem.RequestStatusNotNew, err, "параллельное одобрение")
		}
		return nil, storeError(err, problem.ChangeRequestNotFound, "применение запроса на изменение")
	}

	requestTransitions.WithLabelValues(changeRequestKind, string(model.StatusAccepted)).Inc()
	s.logger.Info("Запрос на изменение применён",
		slog.String("id", id),
		slog.String("system_user_id", cr.SystemUserID),
	)
	return updated, nil
}

// applyFailure сводит ошибку делегирования к ChangeRequestFailedToApply,
// сохраняя вердикты и исходную причину.
func applyFailure(err error) error {
	var pe *problem.Error
	if errors.As(err, &pe) {
		if pe.Kind == problem.ChangeRequestFailedToApply {
			return err
		}
		return &problem.Error{Kind: problem.ChangeRequestFailedToApply, Detail: pe.Kind.String(), Verdicts: pe.Verdicts, Err: pe.Err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return problem.Wrap(problem.ChangeRequestFailedToApply, err, "")
}

// RejectChangeRequest отвергает запрос на изменение.
func (s *ChangeRequestService) RejectChangeRequest(ctx context.Context, party model.Party, id string) (*model.ChangeRequest, error) {
	return s.finish(ctx, party, id, model.StatusRejected)
}

// DenyChangeRequest отклоняет запрос на изменение.
func (s *ChangeRequestService) DenyChangeRequest(ctx context.Context, party model.Party, id string) (*model.ChangeRequest, error) {
	return s.finish(ctx, party, id, model.StatusDenied)
}

func (s *ChangeRequestService) finish(ctx context.Context, party model.Party, id string, status model.RequestStatus) (*model.ChangeRequest, error) {
	cr, err := s.stores.ChangeRequests.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, problem.ChangeRequestNotFound, "чтение запроса на изменение")
	}
	if cr.PartyOrgNo != party.OrgNo {
		return nil, problem.New(problem.NotOwnerOfParty, "")
	}
	now := s.now()
	if err := requireNew(cr.Status, cr.Created, now, s.timeout); err != nil {
		return nil, err
	}

	sys, err := s.systems.Get(ctx, cr.SystemID)
	if err != nil {
		return nil, err
	}

	changeType := model.ChangeRequestRejected
	if status == model.StatusDenied {
		changeType = model.ChangeRequestDenied
	}

	changedBy := party.UserID
	err = s.tx.RunInTx(ctx, pgx.ReadCommitted, func(st repository.Stores) error {
		cur, err := st.ChangeRequests.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := requireNew(cur.Status, cur.Created, now, s.timeout); err != nil {
			return err
		}
		if err := st.ChangeRequests.UpdateStatus(ctx, id, status, &changedBy); err != nil {
			return err
		}
		return st.ChangeLog.Append(ctx, changeLogEntry(sys, party.OrgNo, changeType, map[string]any{
			"change_request_id": id,
		}))
	})
	if err != nil {
		return nil, storeError(err, problem.ChangeRequestNotFound, "смена статуса запроса на изменение")
	}

	requestTransitions.WithLabelValues(changeRequestKind, string(status)).Inc()
	s.logger.Info("Статус запроса на изменение изменён",
		slog.String("id", id),
		slog.String("status", string(status)),
	)

	out := *cr
	out.Status = status
	out.ChangedBy = &changedBy
	out.LastChanged = now
	return &out, nil
}

// DeleteChangeRequest помечает запрос на изменение удалённым.
func (s *ChangeRequestService) DeleteChangeRequest(ctx context.Context, vendorOrgNo, id string) error {
	cr, err := s.stores.ChangeRequests.GetByID(ctx, id)
	if err != nil {
		return storeError(err, problem.ChangeRequestNotFound, "чтение запроса на изменение")
	}
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, cr.SystemID); err != nil {
		return err
	}
	if err := s.stores.ChangeRequests.SoftDelete(ctx, id); err != nil {
		return storeError(err, problem.ChangeRequestNotFound, "удаление запроса на изменение")
	}
	s.logger.Info("Запрос на изменение удалён", slog.String("id", id))
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
