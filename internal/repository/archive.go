package repository

import (
	"context"
	"fmt"
	"time"
)

// ArchiveRepository — пакетные операции архиватора. Обе операции
// идемпотентны: повторный запуск с тем же порогом не находит новых строк.
type ArchiveRepository interface {
	// MarkTimedOutDeleted помечает удалёнными запросы, созданные раньше cutoff,
	// независимо от статуса. Запросы в статусе New получают статус Timedout.
	MarkTimedOutDeleted(ctx context.Context, cutoff time.Time) (requests, changeRequests int64, err error)
	// MoveToArchive копирует удалённые запросы, созданные раньше cutoff,
	// в архивные таблицы и удаляет их из рабочих.
	MoveToArchive(ctx context.Context, cutoff time.Time) (requests, changeRequests int64, err error)
}

type archiveRepo struct {
	db DBTX
}

// NewArchiveRepository создаёт репозиторий архивации.
func NewArchiveRepository(db DBTX) ArchiveRepository {
	return &archiveRepo{db: db}
}

const markTimedOutTpl = `
	UPDATE %s
	SET is_deleted = TRUE,
		request_status = CASE WHEN request_status = 'New' THEN 'Timedout' ELSE request_status END,
		last_changed = NOW()
	WHERE NOT is_deleted AND created < $1`

// Перенос одним выражением: строка либо в архиве, либо в рабочей таблице.
const moveToArchiveTpl = `
	WITH moved AS (
		DELETE FROM %[1]s
		WHERE is_deleted AND created < $1
		RETURNING *
	)
	INSERT INTO %[1]s_archive
	SELECT moved.*, NOW() FROM moved`

func (r *archiveRepo) MarkTimedOutDeleted(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	req, err := r.db.Exec(ctx, fmt.Sprintf(markTimedOutTpl, "request"), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка пометки просроченных запросов: %w", err)
	}
	cr, err := r.db.Exec(ctx, fmt.Sprintf(markTimedOutTpl, "change_request"), cutoff)
	if err != nil {
		return req.RowsAffected(), 0, fmt.Errorf("ошибка пометки просроченных запросов на изменение: %w", err)
	}
	return req.RowsAffected(), cr.RowsAffected(), nil
}

func (r *archiveRepo) MoveToArchive(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	req, err := r.db.Exec(ctx, fmt.Sprintf(moveToArchiveTpl, "request"), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка архивации запросов: %w", err)
	}
	cr, err := r.db.Exec(ctx, fmt.Sprintf(moveToArchiveTpl, "change_request"), cutoff)
	if err != nil {
		return req.RowsAffected(), 0, fmt.Errorf("ошибка архивации запросов на изменение: %w", err)
	}
	return req.RowsAffected(), cr.RowsAffected(), nil
}
