package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// ChangeLogRepository — журнал изменений системных пользователей (только добавление).
type ChangeLogRepository interface {
	Append(ctx context.Context, entry *model.ChangeLogEntry) error
	// ListBySystem возвращает последние записи по системе.
	ListBySystem(ctx context.Context, systemInternalID string, limit int) ([]*model.ChangeLogEntry, error)
}

type changeLogRepo struct {
	db DBTX
}

// NewChangeLogRepository создаёт репозиторий журнала изменений.
func NewChangeLogRepository(db DBTX) ChangeLogRepository {
	return &changeLogRepo{db: db}
}

func (r *changeLogRepo) Append(ctx context.Context, entry *model.ChangeLogEntry) error {
	data := entry.ChangedData
	if len(data) == 0 {
		data = []byte("{}")
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO system_change_log (system_internal_id, changedby_orgnumber, change_type,
			changed_data, client_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created`,
		entry.SystemInternalID, entry.ChangedByOrgNumber, entry.ChangeType, string(data), entry.ClientID,
	).Scan(&entry.Created)
	if err != nil {
		return fmt.Errorf("ошибка записи в журнал изменений: %w", err)
	}
	return nil
}

func (r *changeLogRepo) ListBySystem(ctx context.Context, systemInternalID string, limit int) ([]*model.ChangeLogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT system_internal_id, changedby_orgnumber, change_type, changed_data, client_id, created
		FROM system_change_log
		WHERE system_internal_id = $1
		ORDER BY created DESC, id DESC
		LIMIT $2`, systemInternalID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала изменений: %w", err)
	}
	defer rows.Close()

	result := make([]*model.ChangeLogEntry, 0)
	for rows.Next() {
		e := &model.ChangeLogEntry{}
		var data []byte
		if err := rows.Scan(&e.SystemInternalID, &e.ChangedByOrgNumber, &e.ChangeType, &data, &e.ClientID, &e.Created); err != nil {
			return nil, fmt.Errorf("ошибка сканирования журнала изменений: %w", err)
		}
		e.ChangedData = data
		result = append(result, e)
	}
	return result, rows.Err()
}
