package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// ChangeRequestRepository — хранилище запросов на изменение прав
// системного пользователя.
type ChangeRequestRepository interface {
	Create(ctx context.Context, cr *model.ChangeRequest) error
	GetByID(ctx context.Context, id string) (*model.ChangeRequest, error)
	GetByIDForUpdate(ctx context.Context, id string) (*model.ChangeRequest, error)
	GetByExternalID(ctx context.Context, ext model.ExternalRequestID) (*model.ChangeRequest, error)
	ListBySystem(ctx context.Context, systemID string) ([]*model.ChangeRequest, error)
	ListByParty(ctx context.Context, partyOrgNo string) ([]*model.ChangeRequest, error)
	UpdateStatus(ctx context.Context, id string, status model.RequestStatus, changedBy *string) error
	SoftDelete(ctx context.Context, id string) error
}

type changeRequestRepo struct {
	db DBTX
}

// NewChangeRequestRepository создаёт репозиторий запросов на изменение.
func NewChangeRequestRepository(db DBTX) ChangeRequestRepository {
	return &changeRequestRepo{db: db}
}

const changeRequestColumns = `id, external_ref, system_id, party_org_no, system_user_id,
	required_rights, unwanted_rights, required_access_packages, unwanted_access_packages,
	request_status, redirect_urls, changed_by, created, last_changed, is_deleted`

func scanChangeRequest(row pgx.Row) (*model.ChangeRequest, error) {
	cr := &model.ChangeRequest{}
	var reqRights, unwRights, reqPackages, unwPackages []byte
	var redirect *string
	err := row.Scan(
		&cr.ID, &cr.ExternalRef, &cr.SystemID, &cr.PartyOrgNo, &cr.SystemUserID,
		&reqRights, &unwRights, &reqPackages, &unwPackages,
		&cr.Status, &redirect, &cr.ChangedBy, &cr.Created, &cr.LastChanged, &cr.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	if redirect != nil {
		cr.RedirectURL = *redirect
	}
	if cr.RequiredRights, err = decodeRights(reqRights); err != nil {
		return nil, fmt.Errorf("запрос на изменение %s: %w", cr.ID, err)
	}
	if cr.UnwantedRights, err = decodeRights(unwRights); err != nil {
		return nil, fmt.Errorf("запрос на изменение %s: %w", cr.ID, err)
	}
	if cr.RequiredAccessPackages, err = decodePackages(reqPackages); err != nil {
		return nil, fmt.Errorf("запрос на изменение %s: %w", cr.ID, err)
	}
	if cr.UnwantedAccessPackages, err = decodePackages(unwPackages); err != nil {
		return nil, fmt.Errorf("запрос на изменение %s: %w", cr.ID, err)
	}
	return cr, nil
}

func (r *changeRequestRepo) Create(ctx context.Context, cr *model.ChangeRequest) error {
	reqRights, err := encodeRights(cr.RequiredRights)
	if err != nil {
		return err
	}
	unwRights, err := encodeRights(cr.UnwantedRights)
	if err != nil {
		return err
	}
	reqPackages, err := encodePackages(cr.RequiredAccessPackages)
	if err != nil {
		return err
	}
	unwPackages, err := encodePackages(cr.UnwantedAccessPackages)
	if err != nil {
		return err
	}
	if cr.Created.IsZero() {
		cr.Created = time.Now().UTC()
	}
	cr.LastChanged = cr.Created

	query := `
		INSERT INTO change_request (id, external_ref, system_id, party_org_no, system_user_id,
			required_rights, unwanted_rights, required_access_packages, unwanted_access_packages,
			request_status, redirect_urls, created, last_changed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.Exec(ctx, query,
		cr.ID, cr.ExternalRef, cr.SystemID, cr.PartyOrgNo, cr.SystemUserID,
		reqRights, unwRights, reqPackages, unwPackages,
		cr.Status, nullableString(cr.RedirectURL), cr.Created, cr.LastChanged,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запрос на изменение с внешним идентификатором %s уже существует", ErrConflict, cr.ExternalRef)
		}
		return fmt.Errorf("ошибка создания запроса на изменение: %w", err)
	}
	return nil
}

func (r *changeRequestRepo) GetByID(ctx context.Context, id string) (*model.ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM change_request WHERE id = $1 AND NOT is_deleted`, changeRequestColumns)
	return r.getOne(ctx, query, id)
}

func (r *changeRequestRepo) GetByIDForUpdate(ctx context.Context, id string) (*model.ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM change_request WHERE id = $1 AND NOT is_deleted FOR UPDATE`, changeRequestColumns)
	return r.getOne(ctx, query, id)
}

func (r *changeRequestRepo) GetByExternalID(ctx context.Context, ext model.ExternalRequestID) (*model.ChangeRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM change_request
		WHERE system_id = $1 AND party_org_no = $2 AND external_ref = $3 AND NOT is_deleted`, changeRequestColumns)
	return r.getOne(ctx, query, ext.SystemID, ext.PartyOrgNo, ext.ExternalRef)
}

func (r *changeRequestRepo) getOne(ctx context.Context, query string, args ...any) (*model.ChangeRequest, error) {
	cr, err := scanChangeRequest(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса на изменение: %w", err)
	}
	return cr, nil
}

func (r *changeRequestRepo) ListBySystem(ctx context.Context, systemID string) ([]*model.ChangeRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM change_request
		WHERE system_id = $1 AND NOT is_deleted
		ORDER BY created DESC`, changeRequestColumns)
	return r.list(ctx, query, systemID)
}

func (r *changeRequestRepo) ListByParty(ctx context.Context, partyOrgNo string) ([]*model.ChangeRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM change_request
		WHERE party_org_no = $1 AND NOT is_deleted
		ORDER BY created DESC`, changeRequestColumns)
	return r.list(ctx, query, partyOrgNo)
}

func (r *changeRequestRepo) list(ctx context.Context, query string, args ...any) ([]*model.ChangeRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка запросов на изменение: %w", err)
	}
	defer rows.Close()

	result := make([]*model.ChangeRequest, 0)
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса на изменение: %w", err)
		}
		result = append(result, cr)
	}
	return result, rows.Err()
}

func (r *changeRequestRepo) UpdateStatus(ctx context.Context, id string, status model.RequestStatus, changedBy *string) error {
	query := `
		UPDATE change_request
		SET request_status = $2, changed_by = COALESCE($3, changed_by), last_changed = NOW()
		WHERE id = $1 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, id, status, changedBy)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса запроса на изменение: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *changeRequestRepo) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE change_request SET is_deleted = TRUE, last_changed = NOW() WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления запроса на изменение: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
