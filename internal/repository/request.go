package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// RequestRepository — хранилище запросов на создание системного пользователя
// (стандартных и агентских, различаются колонкой request_kind).
type RequestRepository interface {
	// Create сохраняет новый запрос. Дубль внешнего идентификатора — ErrConflict.
	Create(ctx context.Context, req *model.Request) error
	// GetByID возвращает неудалённый запрос.
	GetByID(ctx context.Context, kind model.RequestKind, id string) (*model.Request, error)
	// GetByIDForUpdate — то же, с блокировкой строки до конца транзакции.
	GetByIDForUpdate(ctx context.Context, kind model.RequestKind, id string) (*model.Request, error)
	// GetByExternalID возвращает неудалённый запрос по ключу идемпотентности.
	GetByExternalID(ctx context.Context, kind model.RequestKind, ext model.ExternalRequestID) (*model.Request, error)
	// ListBySystem возвращает неудалённые запросы системы.
	ListBySystem(ctx context.Context, kind model.RequestKind, systemID string) ([]*model.Request, error)
	// ListByParty возвращает неудалённые запросы клиента.
	ListByParty(ctx context.Context, kind model.RequestKind, partyOrgNo string) ([]*model.Request, error)
	// UpdateStatus переводит запрос в новый статус.
	UpdateStatus(ctx context.Context, id string, status model.RequestStatus, changedBy, systemUserID *string) error
	// SoftDelete помечает запрос удалённым.
	SoftDelete(ctx context.Context, id string) error
}

type requestRepo struct {
	db DBTX
}

// NewRequestRepository создаёт репозиторий запросов.
func NewRequestRepository(db DBTX) RequestRepository {
	return &requestRepo{db: db}
}

const requestColumns = `id, request_kind, external_ref, system_id, party_org_no, rights, access_packages,
	request_status, redirect_urls, system_user_id, changed_by, created, last_changed, is_deleted`

func scanRequest(row pgx.Row) (*model.Request, error) {
	req := &model.Request{}
	var rights, packages []byte
	var redirect *string
	err := row.Scan(
		&req.ID, &req.Kind, &req.ExternalRef, &req.SystemID, &req.PartyOrgNo, &rights, &packages,
		&req.Status, &redirect, &req.SystemUserID, &req.ChangedBy, &req.Created, &req.LastChanged, &req.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	if redirect != nil {
		req.RedirectURL = *redirect
	}
	if req.Rights, err = decodeRights(rights); err != nil {
		return nil, fmt.Errorf("запрос %s: %w", req.ID, err)
	}
	if req.AccessPackages, err = decodePackages(packages); err != nil {
		return nil, fmt.Errorf("запрос %s: %w", req.ID, err)
	}
	return req, nil
}

func (r *requestRepo) Create(ctx context.Context, req *model.Request) error {
	rights, err := encodeRights(req.Rights)
	if err != nil {
		return err
	}
	packages, err := encodePackages(req.AccessPackages)
	if err != nil {
		return err
	}
	if req.Created.IsZero() {
		req.Created = time.Now().UTC()
	}
	req.LastChanged = req.Created

	query := `
		INSERT INTO request (id, request_kind, external_ref, system_id, party_org_no, rights,
			access_packages, request_status, redirect_urls, created, last_changed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.Exec(ctx, query,
		req.ID, req.Kind, req.ExternalRef, req.SystemID, req.PartyOrgNo, rights,
		packages, req.Status, nullableString(req.RedirectURL), req.Created, req.LastChanged,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запрос с внешним идентификатором %s уже существует", ErrConflict, req.ExternalRef)
		}
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	return nil
}

func (r *requestRepo) GetByID(ctx context.Context, kind model.RequestKind, id string) (*model.Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM request WHERE id = $1 AND request_kind = $2 AND NOT is_deleted`, requestColumns)
	return r.getOne(ctx, query, id, kind)
}

func (r *requestRepo) GetByIDForUpdate(ctx context.Context, kind model.RequestKind, id string) (*model.Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM request WHERE id = $1 AND request_kind = $2 AND NOT is_deleted FOR UPDATE`, requestColumns)
	return r.getOne(ctx, query, id, kind)
}

func (r *requestRepo) GetByExternalID(ctx context.Context, kind model.RequestKind, ext model.ExternalRequestID) (*model.Request, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM request
		WHERE request_kind = $1 AND system_id = $2 AND party_org_no = $3 AND external_ref = $4
			AND NOT is_deleted`, requestColumns)
	return r.getOne(ctx, query, kind, ext.SystemID, ext.PartyOrgNo, ext.ExternalRef)
}

func (r *requestRepo) getOne(ctx context.Context, query string, args ...any) (*model.Request, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса: %w", err)
	}
	return req, nil
}

func (r *requestRepo) ListBySystem(ctx context.Context, kind model.RequestKind, systemID string) ([]*model.Request, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM request
		WHERE request_kind = $1 AND system_id = $2 AND NOT is_deleted
		ORDER BY created DESC`, requestColumns)
	return r.list(ctx, query, kind, systemID)
}

func (r *requestRepo) ListByParty(ctx context.Context, kind model.RequestKind, partyOrgNo string) ([]*model.Request, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM request
		WHERE request_kind = $1 AND party_org_no = $2 AND NOT is_deleted
		ORDER BY created DESC`, requestColumns)
	return r.list(ctx, query, kind, partyOrgNo)
}

func (r *requestRepo) list(ctx context.Context, query string, args ...any) ([]*model.Request, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка запросов: %w", err)
	}
	defer rows.Close()

	result := make([]*model.Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запроса: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (r *requestRepo) UpdateStatus(ctx context.Context, id string, status model.RequestStatus, changedBy, systemUserID *string) error {
	query := `
		UPDATE request
		SET request_status = $2, changed_by = COALESCE($3, changed_by),
			system_user_id = COALESCE($4, system_user_id), last_changed = NOW()
		WHERE id = $1 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, id, status, changedBy, systemUserID)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса запроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *requestRepo) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE request SET is_deleted = TRUE, last_changed = NOW() WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления запроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableString возвращает nil для пустой строки.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
