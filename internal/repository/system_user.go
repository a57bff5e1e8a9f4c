package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// SystemUserRepository — хранилище системных пользователей
// (таблица system_user_integration). Удаление только пометкой is_deleted.
type SystemUserRepository interface {
	// Create создаёт системного пользователя. Второй стандартный пользователь
	// для той же системы и клиента — ErrConflict.
	Create(ctx context.Context, su *model.SystemUser) error
	GetByID(ctx context.Context, id string) (*model.SystemUser, error)
	// GetStandard возвращает неудалённого стандартного пользователя системы для клиента.
	GetStandard(ctx context.Context, systemInternalID, reporteeOrgNo string) (*model.SystemUser, error)
	ListByParty(ctx context.Context, reporteePartyID string) ([]*model.SystemUser, error)
	ListBySystem(ctx context.Context, systemID string) ([]*model.SystemUser, error)
	// UpdateGrants заменяет снимок выданных прав и пакетов.
	UpdateGrants(ctx context.Context, id string, rights []model.Right, packages []model.AccessPackage) error
	// Tombstone помечает пользователя удалённым.
	Tombstone(ctx context.Context, id string) error
}

type systemUserRepo struct {
	db DBTX
}

// NewSystemUserRepository создаёт репозиторий системных пользователей.
func NewSystemUserRepository(db DBTX) SystemUserRepository {
	return &systemUserRepo{db: db}
}

const systemUserColumns = `system_user_integration_id, integration_title, system_internal_id, system_id,
	user_type, reportee_party_id, reportee_org_no, supplier_name, supplier_org_no, client_id,
	external_ref, rights, access_packages, created_by, is_deleted, created, last_changed`

func scanSystemUser(row pgx.Row) (*model.SystemUser, error) {
	su := &model.SystemUser{}
	var rights, packages []byte
	err := row.Scan(
		&su.ID, &su.IntegrationTitle, &su.SystemInternalID, &su.SystemID,
		&su.Type, &su.ReporteePartyID, &su.ReporteeOrgNo, &su.SupplierName, &su.SupplierOrgNo, &su.ClientID,
		&su.ExternalRef, &rights, &packages, &su.CreatedBy, &su.IsDeleted, &su.Created, &su.LastChanged,
	)
	if err != nil {
		return nil, err
	}
	if su.Rights, err = decodeRights(rights); err != nil {
		return nil, fmt.Errorf("системный пользователь %s: %w", su.ID, err)
	}
	if su.AccessPackages, err = decodePackages(packages); err != nil {
		return nil, fmt.Errorf("системный пользователь %s: %w", su.ID, err)
	}
	return su, nil
}

func (r *systemUserRepo) Create(ctx context.Context, su *model.SystemUser) error {
	rights, err := encodeRights(su.Rights)
	if err != nil {
		return err
	}
	packages, err := encodePackages(su.AccessPackages)
	if err != nil {
		return err
	}
	if su.Created.IsZero() {
		su.Created = time.Now().UTC()
	}
	su.LastChanged = su.Created

	query := `
		INSERT INTO system_user_integration (system_user_integration_id, integration_title,
			system_internal_id, system_id, user_type, reportee_party_id, reportee_org_no,
			supplier_name, supplier_org_no, client_id, external_ref, rights, access_packages,
			created_by, created, last_changed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = r.db.Exec(ctx, query,
		su.ID, su.IntegrationTitle, su.SystemInternalID, su.SystemID, su.Type,
		su.ReporteePartyID, su.ReporteeOrgNo, su.SupplierName, su.SupplierOrgNo, su.ClientID,
		su.ExternalRef, rights, packages, su.CreatedBy, su.Created, su.LastChanged,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: системный пользователь системы %s для %s уже существует",
				ErrConflict, su.SystemID, su.ReporteeOrgNo)
		}
		return fmt.Errorf("ошибка создания системного пользователя: %w", err)
	}
	return nil
}

func (r *systemUserRepo) GetByID(ctx context.Context, id string) (*model.SystemUser, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM system_user_integration
		WHERE system_user_integration_id = $1 AND NOT is_deleted`, systemUserColumns)
	return r.getOne(ctx, query, id)
}

func (r *systemUserRepo) GetStandard(ctx context.Context, systemInternalID, reporteeOrgNo string) (*model.SystemUser, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM system_user_integration
		WHERE system_internal_id = $1 AND reportee_org_no = $2
			AND user_type = 'standard' AND NOT is_deleted`, systemUserColumns)
	return r.getOne(ctx, query, systemInternalID, reporteeOrgNo)
}

func (r *systemUserRepo) getOne(ctx context.Context, query string, args ...any) (*model.SystemUser, error) {
	su, err := scanSystemUser(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения системного пользователя: %w", err)
	}
	return su, nil
}

func (r *systemUserRepo) ListByParty(ctx context.Context, reporteePartyID string) ([]*model.SystemUser, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM system_user_integration
		WHERE reportee_party_id = $1 AND NOT is_deleted
		ORDER BY created DESC`, systemUserColumns)
	return r.list(ctx, query, reporteePartyID)
}

func (r *systemUserRepo) ListBySystem(ctx context.Context, systemID string) ([]*model.SystemUser, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM system_user_integration
		WHERE system_id = $1 AND NOT is_deleted
		ORDER BY created DESC`, systemUserColumns)
	return r.list(ctx, query, systemID)
}

func (r *systemUserRepo) list(ctx context.Context, query string, args ...any) ([]*model.SystemUser, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка системных пользователей: %w", err)
	}
	defer rows.Close()

	result := make([]*model.SystemUser, 0)
	for rows.Next() {
		su, err := scanSystemUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования системного пользователя: %w", err)
		}
		result = append(result, su)
	}
	return result, rows.Err()
}

func (r *systemUserRepo) UpdateGrants(ctx context.Context, id string, rights []model.Right, packages []model.AccessPackage) error {
	encRights, err := encodeRights(rights)
	if err != nil {
		return err
	}
	encPackages, err := encodePackages(packages)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE system_user_integration
		SET rights = $2, access_packages = $3, last_changed = NOW()
		WHERE system_user_integration_id = $1 AND NOT is_deleted`,
		id, encRights, encPackages)
	if err != nil {
		return fmt.Errorf("ошибка обновления прав системного пользователя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *systemUserRepo) Tombstone(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE system_user_integration
		SET is_deleted = TRUE, last_changed = NOW()
		WHERE system_user_integration_id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления системного пользователя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
