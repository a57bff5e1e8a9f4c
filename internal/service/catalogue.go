// catalogue.go — кэш реестра систем.
//
// Каталог прав и пакетов системы меняется редко, а читается при каждом
// создании и одобрении запроса. Записи живут в LRU с TTL, так что изменения
// в реестре становятся видны не позже чем через SUB_CATALOGUE_CACHE_TTL.
// Решения Authority не кэшируются никогда.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

var (
	catalogueCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sub_catalogue_cache_hits_total",
		Help: "Количество попаданий в кэш реестра систем",
	})
	catalogueCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sub_catalogue_cache_misses_total",
		Help: "Количество промахов кэша реестра систем",
	})
)

// CatalogueService — чтение реестра систем через LRU-кэш.
type CatalogueService struct {
	repo   repository.CatalogueRepository
	cache  *expirable.LRU[string, *model.RegisteredSystem]
	logger *slog.Logger
}

// NewCatalogueService создаёт сервис каталога.
// size — максимальное число систем в кэше, ttl — время жизни записи.
func NewCatalogueService(repo repository.CatalogueRepository, size int, ttl time.Duration, logger *slog.Logger) *CatalogueService {
	return &CatalogueService{
		repo:   repo,
		cache:  expirable.NewLRU[string, *model.RegisteredSystem](size, nil, ttl),
		logger: logger.With(slog.String("component", "catalogue")),
	}
}

// Get возвращает систему по system_id. Возвращаемое значение общее для
// всех вызывающих и не должно изменяться.
func (s *CatalogueService) Get(ctx context.Context, systemID string) (*model.RegisteredSystem, error) {
	if sys, ok := s.cache.Get(systemID); ok {
		catalogueCacheHits.Inc()
		return sys, nil
	}
	catalogueCacheMisses.Inc()

	sys, err := s.repo.GetBySystemID(ctx, systemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, problem.Newf(problem.SystemNotFound, "system_id=%s", systemID)
		}
		return nil, storeError(err, problem.SystemNotFound, "чтение реестра систем")
	}

	s.cache.Add(systemID, sys)
	s.logger.Debug("Система загружена в кэш",
		slog.String("system_id", systemID),
		slog.Int("rights", len(sys.Rights)),
		slog.Int("access_packages", len(sys.AccessPackages)),
	)
	return sys, nil
}

// invalidate удаляет систему из кэша.
func (s *CatalogueService) invalidate(systemID string) {
	s.cache.Remove(systemID)
}

// size — число систем в кэше.
func (s *CatalogueService) size() int {
	return s.cache.Len()
}
