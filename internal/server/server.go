// Пакет server — HTTP-сервер брокера системных пользователей с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/bigkaa/sysuser-broker/internal/api/errors"
	"github.com/bigkaa/sysuser-broker/internal/api/handlers"
	"github.com/bigkaa/sysuser-broker/internal/api/middleware"
	"github.com/bigkaa/sysuser-broker/internal/config"
)

// Server — HTTP-сервер брокера.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// jwtAuth — JWT middleware (может быть nil для тестирования без auth:
// тогда защищённые маршруты отвечают 401).
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, jwtAuth *middleware.JWTAuth) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(cfg, logger, handler, jwtAuth),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой http.Handler сервера.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func newRouter(cfg *config.Config, logger *slog.Logger, h *handlers.APIHandler, jwtAuth *middleware.JWTAuth) chi.Router {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(chimw.RequestID)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(chimw.Recoverer)

	// Health и metrics проверяются Kubernetes напрямую, без API Gateway.
	if jwtAuth != nil {
		router.Use(jwtAuthWithExclusions(jwtAuth, "/health/", "/metrics"))
	}

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.NotFound(w, "Маршрут не найден")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.MethodNotAllowed(w, "Метод не поддерживается")
	})

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/v1/vendor", func(r chi.Router) {
		read := middleware.RequireScope(cfg.VendorReadScope, cfg.VendorWriteScope)
		write := middleware.RequireScope(cfg.VendorWriteScope)

		r.With(write).Post("/requests", h.CreateRequest)
		r.With(read).Get("/requests/external", h.GetRequestByExternalID)
		r.With(read).Get("/requests/{id}", h.GetRequestForVendor)
		r.With(write).Delete("/requests/{id}", h.DeleteRequest)
		r.With(read).Get("/systems/{systemId}/requests", h.ListRequestsForSystem)

		r.With(write).Post("/change-requests", h.CreateChangeRequest)
		r.With(read).Get("/change-requests/external", h.GetChangeRequestByExternalID)
		r.With(read).Get("/change-requests/{id}", h.GetChangeRequestForVendor)
		r.With(write).Delete("/change-requests/{id}", h.DeleteChangeRequest)
		r.With(read).Get("/systems/{systemId}/change-requests", h.ListChangeRequestsForSystem)

		r.With(write).Post("/agent-requests", h.CreateAgentRequest)
		r.With(read).Get("/agent-requests/external", h.GetAgentRequestByExternalID)
		r.With(read).Get("/agent-requests/{id}", h.GetAgentRequestForVendor)
		r.With(write).Delete("/agent-requests/{id}", h.DeleteAgentRequest)
		r.With(read).Get("/systems/{systemId}/agent-requests", h.ListAgentRequestsForSystem)

		r.With(read).Get("/systems/{systemId}/system-users", h.ListSystemUsersForVendor)
	})

	router.Route("/api/v1/party/{"+middleware.PartyURLParam+"}", func(r chi.Router) {
		r.Use(middleware.RequireParty())

		r.Get("/requests", h.ListRequestsForParty)
		r.Get("/requests/{id}", h.GetRequestForParty)
		r.Post("/requests/{id}/approve", h.ApproveRequest)
		r.Post("/requests/{id}/reject", h.RejectRequest)
		r.Post("/requests/{id}/deny", h.DenyRequest)

		r.Get("/change-requests", h.ListChangeRequestsForParty)
		r.Get("/change-requests/{id}", h.GetChangeRequestForParty)
		r.Post("/change-requests/{id}/approve", h.ApproveChangeRequest)
		r.Post("/change-requests/{id}/reject", h.RejectChangeRequest)
		r.Post("/change-requests/{id}/deny", h.DenyChangeRequest)

		r.Get("/agent-requests", h.ListAgentRequestsForParty)
		r.Get("/agent-requests/{id}", h.GetAgentRequestForParty)
		r.Post("/agent-requests/{id}/approve", h.ApproveAgentRequest)
		r.Post("/agent-requests/{id}/reject", h.RejectAgentRequest)
		r.Post("/agent-requests/{id}/deny", h.DenyAgentRequest)

		r.Get("/system-users", h.ListSystemUsersForParty)
		r.Get("/system-users/{id}", h.GetSystemUserForParty)
		r.Delete("/system-users/{id}", h.DeleteSystemUserForParty)

		r.Get("/agents/{id}/customers", h.ListAgentCustomers)
		r.Post("/agents/{id}/delegations", h.DelegateAgentCustomer)
		r.Delete("/agents/{id}/delegations/{delegationId}", h.RemoveAgentCustomer)
		r.Delete("/agents/{id}", h.DeleteAgentSystemUser)
	})

	return router
}

// jwtAuthWithExclusions оборачивает JWTAuth.Middleware(), пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без JWT.
func jwtAuthWithExclusions(jwtAuth *middleware.JWTAuth, excludePrefixes ...string) func(http.Handler) http.Handler {
	jwtMiddleware := jwtAuth.Middleware()

	return func(next http.Handler) http.Handler {
		authed := jwtMiddleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			authed.ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
