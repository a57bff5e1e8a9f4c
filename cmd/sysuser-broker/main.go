// Точка входа sysuser-broker — брокера делегирования системных пользователей.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиент Authority, сервисный слой и API handlers,
// запускает архиватор запросов, topologymetrics и HTTP-сервер
// с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/sysuser-broker/internal/api/handlers"
	"github.com/bigkaa/sysuser-broker/internal/api/middleware"
	"github.com/bigkaa/sysuser-broker/internal/authority"
	"github.com/bigkaa/sysuser-broker/internal/config"
	"github.com/bigkaa/sysuser-broker/internal/database"
	"github.com/bigkaa/sysuser-broker/internal/repository"
	"github.com/bigkaa/sysuser-broker/internal/server"
	"github.com/bigkaa/sysuser-broker/internal/service"
)

const serviceID = "sysuser-broker"

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("sysuser-broker запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("SUB_DEPHEALTH_GROUP") == "" {
		logger.Warn("SUB_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. HTTP-клиент Authority (с кастомным CA, если задан)
	authorityHTTP := &http.Client{Timeout: cfg.AuthorityTimeout}
	if cfg.CACertPath != "" {
		authorityHTTP, err = middleware.HTTPClientWithCA(cfg.CACertPath, cfg.AuthorityTimeout)
		if err != nil {
			logger.Error("Ошибка загрузки CA-сертификата",
				slog.String("path", cfg.CACertPath),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.CACertPath))
	}

	// 6. Клиент Authorization Authority
	authClient := authority.New(authority.Options{
		BaseURL:      cfg.AuthorityURL,
		TokenURL:     cfg.AuthorityTokenURL,
		ClientID:     cfg.AuthorityClientID,
		ClientSecret: cfg.AuthorityClientSecret,
		HTTPClient:   authorityHTTP,
		RateLimit:    cfg.AuthorityRateLimit,
		RateBurst:    cfg.AuthorityRateBurst,
		MaxRetries:   cfg.AuthorityMaxRetries,
	}, logger)
	logger.Info("Клиент Authority создан", slog.String("url", cfg.AuthorityURL))

	// 7. Repositories
	stores := repository.NewStores(pool)
	txRunner := repository.NewTxRunner(pool)

	// 8. Services
	catalogue := service.NewCatalogueService(stores.Catalogue, cfg.CatalogueCacheSize, cfg.CatalogueCacheTTL, logger)
	validator := service.NewDelegationValidator(catalogue, authClient, logger)

	requestsSvc := service.NewRequestService(
		stores, txRunner, catalogue, validator, authClient,
		cfg.RequestTimeout,
		logger,
	)
	changesSvc := service.NewChangeRequestService(
		stores, txRunner, catalogue, validator, authClient,
		cfg.RequestTimeout,
		logger,
	)
	systemUsersSvc := service.NewSystemUserService(stores, txRunner, catalogue, authClient, logger)
	agentsSvc := service.NewAgentService(
		stores, txRunner, catalogue, authClient,
		cfg.AgentDelegationConcurrency,
		logger,
	)

	// 9. Архиватор запросов
	sweeper := service.NewArchiveSweeper(
		stores.Archive,
		cfg.RequestTimeout, cfg.ArchiveTimeout, cfg.SweepInterval,
		logger,
	)
	sweeper.Start(ctx)

	// 10. Readiness checkers (PostgreSQL + Authority + JWKS)
	pgChecker := database.NewReadinessChecker(pool)
	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.CACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, authClient, jwksChecker)

	// 11. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		requestsSvc,
		changesSvc,
		systemUsersSvc,
		agentsSvc,
		logger,
	)

	// 12. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.CACertPath,
		cfg.JWTIssuer,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 13. topologymetrics — мониторинг зависимостей
	dephealthSvc, err := service.NewDephealthService(
		serviceID,
		cfg.DephealthGroup,
		pgDB,
		service.DephealthTargets{
			PostgresURL:  cfg.DatabaseURL(),
			AuthorityURL: cfg.AuthorityURL,
			JWKSURL:      cfg.JWTJWKSURL,
		},
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 14. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 15. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	sweeper.Stop()

	logger.Info("sysuser-broker остановлен")
}
