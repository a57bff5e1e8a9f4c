// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrSerialization — транзакция прервана из-за конкурентного изменения.
	ErrSerialization = errors.New("конфликт сериализации транзакции")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stores — набор репозиториев, привязанных к одному DBTX
// (пулу или транзакции).
type Stores struct {
	Catalogue      CatalogueRepository
	Requests       RequestRepository
	ChangeRequests ChangeRequestRepository
	SystemUsers    SystemUserRepository
	ChangeLog      ChangeLogRepository
	Archive        ArchiveRepository
}

// NewStores создаёт набор репозиториев поверх db.
func NewStores(db DBTX) Stores {
	return Stores{
		Catalogue:      NewCatalogueRepository(db),
		Requests:       NewRequestRepository(db),
		ChangeRequests: NewChangeRequestRepository(db),
		SystemUsers:    NewSystemUserRepository(db),
		ChangeLog:      NewChangeLogRepository(db),
		Archive:        NewArchiveRepository(db),
	}
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции с заданным уровнем изоляции.
// При ошибке fn — транзакция откатывается, при успехе — коммитится.
// Ошибки сериализации (40001, 40P01) возвращаются как ErrSerialization.
func (r *TxRunner) RunInTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(s Stores) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(NewStores(tx)); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isSerializationFailure — serialization_failure или deadlock_detected.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
