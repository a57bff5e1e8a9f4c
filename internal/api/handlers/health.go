// health.go — обработчики health endpoints брокера.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (PostgreSQL, Authority и JWKS доступны)
// /metrics — Prometheus метрики
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/sysuser-broker/internal/config"
)

const serviceName = "sysuser-broker"

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	pgChecker        ReadinessChecker
	authorityChecker ReadinessChecker
	jwksChecker      ReadinessChecker
	promHandler      http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// pgChecker и authorityChecker обязательны: nil даёт "fail".
// jwksChecker опционален: nil — проверка не выполняется.
func NewHealthHandler(pgChecker, authorityChecker, jwksChecker ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		pgChecker:        pgChecker,
		authorityChecker: authorityChecker,
		jwksChecker:      jwksChecker,
		promHandler:      promhttp.Handler(),
	}
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse — ответ liveness probe.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse — ответ readiness probe.
type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		PostgreSQL healthCheckResult  `json:"postgresql"`
		Authority  healthCheckResult  `json:"authority"`
		JWKS       *healthCheckResult `json:"jwks,omitempty"`
	} `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe. Возвращает 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	}

	resp.Checks.PostgreSQL = check(h.pgChecker)
	resp.Checks.Authority = check(h.authorityChecker)
	statuses := []string{resp.Checks.PostgreSQL.Status, resp.Checks.Authority.Status}

	if h.jwksChecker != nil {
		jwks := check(h.jwksChecker)
		resp.Checks.JWKS = &jwks
		statuses = append(statuses, jwks.Status)
	}

	resp.Status = overallStatus(statuses...)

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "fail" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func check(c ReadinessChecker) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: "fail", Message: "не инициализирован"}
	}
	status, msg := c.CheckReady()
	return healthCheckResult{Status: status, Message: msg}
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
// Иначе — ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == "fail" {
			return "fail"
		}
		if s == "degraded" {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return "degraded"
	}
	return "ok"
}
