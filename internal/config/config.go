// Пакет config — загрузка и валидация конфигурации брокера системных
// пользователей из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации sysuser-broker.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Максимальное число соединений в пуле
	DBMaxConns int

	// --- Authorization Authority ---

	// Базовый URL Authority (без trailing slash)
	AuthorityURL string
	// Token endpoint для client credentials grant
	AuthorityTokenURL     string
	AuthorityClientID     string
	AuthorityClientSecret string
	// Таймаут одного HTTP-вызова Authority
	AuthorityTimeout time.Duration
	// Ограничение исходящих запросов (запросов в секунду) и burst
	AuthorityRateLimit float64
	AuthorityRateBurst int
	// Число повторов идемпотентных вызовов
	AuthorityMaxRetries int
	// Путь к CA-сертификату для TLS-соединений с Authority (опционально)
	CACertPath string

	// --- JWT (входящие токены вендоров и клиентов) ---

	// Ожидаемый issuer (пусто — не проверяется)
	JWTIssuer string
	// URL JWKS endpoint
	JWTJWKSURL string
	// Допустимое расхождение часов
	JWTLeeway time.Duration
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration

	// Scope вендора для создания/удаления запросов
	VendorWriteScope string
	// Scope вендора для чтения запросов
	VendorReadScope string

	// --- Жизненный цикл запросов ---

	// Возраст, после которого запрос в статусе New считается Timedout
	RequestTimeout time.Duration
	// Возраст, после которого удалённые запросы переносятся в архив
	ArchiveTimeout time.Duration
	// Период запуска архивации
	SweepInterval time.Duration

	// --- Каталог ---

	CatalogueCacheSize int
	CatalogueCacheTTL  time.Duration

	// Параллелизм делегирования агентских пакетов
	AgentDelegationConcurrency int

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// SUB_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("SUB_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("SUB_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("SUB_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SUB_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SUB_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("SUB_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SUB_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("SUB_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("SUB_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("SUB_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("SUB_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("SUB_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("SUB_DB_PASSWORD"); err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("SUB_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("SUB_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	cfg.DBMaxConns, err = getEnvInt("SUB_DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("SUB_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 || cfg.DBMaxConns > 500 {
		return nil, fmt.Errorf("SUB_DB_MAX_CONNS: значение %d вне допустимого диапазона 1-500", cfg.DBMaxConns)
	}

	// --- Authority ---

	if cfg.AuthorityURL, err = getEnvRequired("SUB_AUTHORITY_URL"); err != nil {
		return nil, err
	}
	cfg.AuthorityURL = strings.TrimRight(cfg.AuthorityURL, "/")
	if u, perr := url.Parse(cfg.AuthorityURL); perr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("SUB_AUTHORITY_URL: некорректный URL %q", cfg.AuthorityURL)
	}

	// SUB_AUTHORITY_TOKEN_URL — авто-вычисляется из AuthorityURL, если не задан
	cfg.AuthorityTokenURL = getEnvDefault("SUB_AUTHORITY_TOKEN_URL", cfg.AuthorityURL+"/token")

	if cfg.AuthorityClientID, err = getEnvRequired("SUB_AUTHORITY_CLIENT_ID"); err != nil {
		return nil, err
	}
	if cfg.AuthorityClientSecret, err = getEnvRequired("SUB_AUTHORITY_CLIENT_SECRET"); err != nil {
		return nil, err
	}

	cfg.AuthorityTimeout, err = getEnvDuration("SUB_AUTHORITY_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SUB_AUTHORITY_TIMEOUT: %w", err)
	}

	cfg.AuthorityRateLimit, err = getEnvFloat("SUB_AUTHORITY_RATE_LIMIT", 50)
	if err != nil {
		return nil, fmt.Errorf("SUB_AUTHORITY_RATE_LIMIT: %w", err)
	}
	if cfg.AuthorityRateLimit <= 0 {
		return nil, fmt.Errorf("SUB_AUTHORITY_RATE_LIMIT: значение должно быть больше нуля")
	}

	cfg.AuthorityRateBurst, err = getEnvInt("SUB_AUTHORITY_RATE_BURST", 100)
	if err != nil {
		return nil, fmt.Errorf("SUB_AUTHORITY_RATE_BURST: %w", err)
	}
	if cfg.AuthorityRateBurst < 1 {
		return nil, fmt.Errorf("SUB_AUTHORITY_RATE_BURST: значение должно быть не меньше 1")
	}

	cfg.AuthorityMaxRetries, err = getEnvInt("SUB_AUTHORITY_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("SUB_AUTHORITY_MAX_RETRIES: %w", err)
	}
	if cfg.AuthorityMaxRetries < 0 || cfg.AuthorityMaxRetries > 10 {
		return nil, fmt.Errorf("SUB_AUTHORITY_MAX_RETRIES: значение %d вне допустимого диапазона 0-10", cfg.AuthorityMaxRetries)
	}

	cfg.CACertPath = getEnvDefault("SUB_CA_CERT_PATH", "")

	// --- JWT ---

	if cfg.JWTJWKSURL, err = getEnvRequired("SUB_JWT_JWKS_URL"); err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("SUB_JWT_ISSUER", "")

	cfg.JWTLeeway, err = getEnvDuration("SUB_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SUB_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("SUB_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SUB_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvDuration("SUB_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SUB_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	cfg.VendorWriteScope = getEnvDefault("SUB_VENDOR_WRITE_SCOPE", "systemuser.request.write")
	cfg.VendorReadScope = getEnvDefault("SUB_VENDOR_READ_SCOPE", "systemuser.request.read")

	// --- Жизненный цикл запросов ---

	// SUB_REQUEST_TIMEOUT — 10 суток по умолчанию
	cfg.RequestTimeout, err = getEnvDuration("SUB_REQUEST_TIMEOUT", 240*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SUB_REQUEST_TIMEOUT: %w", err)
	}
	// SUB_ARCHIVE_TIMEOUT — 60 суток по умолчанию
	cfg.ArchiveTimeout, err = getEnvDuration("SUB_ARCHIVE_TIMEOUT", 1440*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SUB_ARCHIVE_TIMEOUT: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("SUB_REQUEST_TIMEOUT: значение должно быть больше нуля")
	}
	if cfg.ArchiveTimeout < cfg.RequestTimeout {
		return nil, fmt.Errorf("SUB_ARCHIVE_TIMEOUT: значение %s меньше SUB_REQUEST_TIMEOUT (%s)",
			cfg.ArchiveTimeout, cfg.RequestTimeout)
	}

	cfg.SweepInterval, err = getEnvDuration("SUB_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SUB_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval < time.Second {
		return nil, fmt.Errorf("SUB_SWEEP_INTERVAL: значение %s меньше 1s", cfg.SweepInterval)
	}

	// --- Каталог ---

	cfg.CatalogueCacheSize, err = getEnvInt("SUB_CATALOGUE_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("SUB_CATALOGUE_CACHE_SIZE: %w", err)
	}
	if cfg.CatalogueCacheSize < 1 {
		return nil, fmt.Errorf("SUB_CATALOGUE_CACHE_SIZE: значение должно быть не меньше 1")
	}
	cfg.CatalogueCacheTTL, err = getEnvDuration("SUB_CATALOGUE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("SUB_CATALOGUE_CACHE_TTL: %w", err)
	}

	cfg.AgentDelegationConcurrency, err = getEnvInt("SUB_AGENT_DELEGATION_CONCURRENCY", 4)
	if err != nil {
		return nil, fmt.Errorf("SUB_AGENT_DELEGATION_CONCURRENCY: %w", err)
	}
	if cfg.AgentDelegationConcurrency < 1 || cfg.AgentDelegationConcurrency > 64 {
		return nil, fmt.Errorf("SUB_AGENT_DELEGATION_CONCURRENCY: значение %d вне допустимого диапазона 1-64", cfg.AgentDelegationConcurrency)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("SUB_DEPHEALTH_GROUP", "sysuser-broker")
	cfg.DephealthCheckInterval, err = getEnvDuration("SUB_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SUB_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("SUB_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SUB_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode, c.DBMaxConns,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для dephealth).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
