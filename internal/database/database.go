// Пакет database — пул PostgreSQL для хранилища запросов и системных
// пользователей, применение миграций (golang-migrate) и проверка готовности
// с контролем версии схемы.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/sysuser-broker/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion — версия последней встроенной миграции.
const SchemaVersion uint = 1

const (
	applicationName = "sysuser-broker"

	// Одобрение берёт строку запроса FOR UPDATE: конкурирующее одобрение
	// ждёт блокировку не дольше lockTimeout.
	lockTimeout = 5 * time.Second
	// Ограничение на пакетные UPDATE/INSERT ... SELECT архиватора.
	statementTimeout = 30 * time.Second

	migrationsTable = "schema_migrations"
)

// Connect создаёт пул подключений к PostgreSQL и проверяет его ping-ом.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	params := poolCfg.ConnConfig.RuntimeParams
	params["application_name"] = applicationName
	params["lock_timeout"] = strconv.FormatInt(lockTimeout.Milliseconds(), 10)
	params["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
		slog.Duration("lock_timeout", lockTimeout),
	)

	return pool, nil
}

// migrateURL переводит URL подключения в формат драйвера pgx5 golang-migrate.
func migrateURL(cfg *config.Config) (string, error) {
	u, err := url.Parse(cfg.DatabaseURL())
	if err != nil {
		return "", fmt.Errorf("некорректный URL базы данных: %w", err)
	}
	u.Scheme = "pgx5"
	q := u.Query()
	q.Set("x-migrations-table", migrationsTable)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Migrate применяет встроенные SQL-миграции.
// Грязная схема после применения — ошибка: сервис не стартует на
// частично применённой миграции.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	dbURL, err := migrateURL(cfg)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("ошибка чтения версии схемы: %w", err)
	}
	if dirty {
		return fmt.Errorf("схема в состоянии dirty на версии %d", version)
	}
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Uint64("expected", uint64(SchemaVersion)),
	)

	return nil
}

// ReadinessChecker — проверка готовности PostgreSQL для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady проверяет ping и версию схемы.
// Недоступная база — fail, отстающая или грязная схема — degraded.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}

	var (
		version int64
		dirty   bool
	)
	err := c.pool.QueryRow(ctx, `SELECT version, dirty FROM `+migrationsTable+` LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "degraded", "миграции не применены"
		}
		return "degraded", fmt.Sprintf("версия схемы недоступна: %v", err)
	}

	if status, message := schemaStatus(version, dirty); status != "ok" {
		return status, message
	}
	stat := c.pool.Stat()
	return "ok", fmt.Sprintf("подключение активно (%d/%d соединений), схема v%d",
		stat.AcquiredConns(), stat.MaxConns(), version)
}

// schemaStatus сравнивает версию схемы в базе с SchemaVersion.
// Более новая схема допустима: её применил следующий релиз при rolling update.
func schemaStatus(version int64, dirty bool) (string, string) {
	switch {
	case dirty:
		return "degraded", fmt.Sprintf("схема в состоянии dirty на версии %d", version)
	case version < int64(SchemaVersion):
		return "degraded", fmt.Sprintf("схема v%d отстаёт от ожидаемой v%d", version, SchemaVersion)
	default:
		return "ok", ""
	}
}
