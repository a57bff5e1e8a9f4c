package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// CatalogueRepository — чтение реестра систем вендоров.
// Ведение реестра — забота внешнего сервиса, здесь только Create для наполнения.
type CatalogueRepository interface {
	// GetBySystemID возвращает неудалённую систему по system_id.
	GetBySystemID(ctx context.Context, systemID string) (*model.RegisteredSystem, error)
	// Create добавляет систему в реестр.
	Create(ctx context.Context, sys *model.RegisteredSystem) error
}

type catalogueRepo struct {
	db DBTX
}

// NewCatalogueRepository создаёт репозиторий реестра систем.
func NewCatalogueRepository(db DBTX) CatalogueRepository {
	return &catalogueRepo{db: db}
}

func (r *catalogueRepo) GetBySystemID(ctx context.Context, systemID string) (*model.RegisteredSystem, error) {
	query := `
		SELECT system_internal_id, system_id, vendor_org_no, name, rights, access_packages,
			allowed_redirect_urls, client_ids, is_visible, is_deleted, created
		FROM registered_system
		WHERE system_id = $1 AND NOT is_deleted`

	sys := &model.RegisteredSystem{}
	var rights, packages []byte
	err := r.db.QueryRow(ctx, query, systemID).Scan(
		&sys.InternalID, &sys.SystemID, &sys.VendorOrgNo, &sys.Name, &rights, &packages,
		&sys.AllowedRedirectURLs, &sys.ClientIDs, &sys.IsVisible, &sys.IsDeleted, &sys.Created,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения системы %s: %w", systemID, err)
	}

	if sys.Rights, err = decodeRights(rights); err != nil {
		return nil, fmt.Errorf("система %s: %w", systemID, err)
	}
	if sys.AccessPackages, err = decodePackages(packages); err != nil {
		return nil, fmt.Errorf("система %s: %w", systemID, err)
	}
	return sys, nil
}

func (r *catalogueRepo) Create(ctx context.Context, sys *model.RegisteredSystem) error {
	rights, err := encodeRights(sys.Rights)
	if err != nil {
		return err
	}
	packages, err := encodePackages(sys.AccessPackages)
	if err != nil {
		return err
	}
	redirects := sys.AllowedRedirectURLs
	if redirects == nil {
		redirects = []string{}
	}
	clientIDs := sys.ClientIDs
	if clientIDs == nil {
		clientIDs = []string{}
	}

	query := `
		INSERT INTO registered_system (system_internal_id, system_id, vendor_org_no, name,
			rights, access_packages, allowed_redirect_urls, client_ids, is_visible)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created`

	err = r.db.QueryRow(ctx, query,
		sys.InternalID, sys.SystemID, sys.VendorOrgNo, sys.Name,
		rights, packages, redirects, clientIDs, sys.IsVisible,
	).Scan(&sys.Created)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: система %s уже зарегистрирована", ErrConflict, sys.SystemID)
		}
		return fmt.Errorf("ошибка регистрации системы: %w", err)
	}
	return nil
}
