// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Брокер мониторит три зависимости:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - Authority — HTTP checker к health endpoint Authority (critical)
//   - JWKS — HTTP checker к JWKS endpoint провайдера токенов (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для Authority и JWKS
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthTargets — адреса отслеживаемых зависимостей.
type DephealthTargets struct {
	// PostgresURL — URL PostgreSQL (для лейблов метрик, не для подключения)
	PostgresURL  string
	AuthorityURL string
	JWKSURL      string
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения ("sysuser-broker")
//   - group — имя группы в метриках (SUB_DEPHEALTH_GROUP)
//   - db — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
//   - checkInterval — интервал проверки зависимостей (SUB_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, targets, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	db *sql.DB,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, targets, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		// PostgreSQL — connection pool mode через существующий pgxpool.
		// Используем pgcheck.New + dephealth.AddDependency напрямую,
		// чтобы не тянуть contrib/sqldb с транзитивной зависимостью на MySQL.
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(targets.PostgresURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
		dephealth.HTTP("authority",
			dephealth.FromURL(targets.AuthorityURL),
			dephealth.WithHTTPHealthPath(healthPath(targets.AuthorityURL, "/health")),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
		// JWKS endpoint проверяется по собственному path: отдельного
		// health endpoint у провайдера токенов может не быть
		dephealth.HTTP("jwks",
			dephealth.FromURL(targets.JWKSURL),
			dephealth.WithHTTPHealthPath(healthPath(targets.JWKSURL, "")),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// healthPath строит path проверки: path из URL плюс suffix.
// Для URL без path и пустого suffix — "/".
func healthPath(rawURL, suffix string) string {
	path := ""
	if parsed, err := url.Parse(rawURL); err == nil {
		path = strings.TrimSuffix(parsed.Path, "/")
	}
	path += suffix
	if path == "" {
		return "/"
	}
	return path
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + Authority + JWKS)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
