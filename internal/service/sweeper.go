// sweeper.go — фоновая архивация запросов.
//
// ArchiveSweeper запускает горутину с ticker (SUB_SWEEP_INTERVAL), которая
// выполняет два независимых прохода:
//  1. Запросы старше SUB_REQUEST_TIMEOUT помечаются удалёнными, запросы
//     в статусе New получают статус Timedout.
//  2. Удалённые запросы старше SUB_ARCHIVE_TIMEOUT переносятся в архивные
//     таблицы и удаляются из рабочих.
//
// Оба прохода — чистый SQL без внешних вызовов; повторный запуск находит
// ноль новых строк.
//
// Prometheus-метрики:
//   - sub_sweeper_rows_total{sweep} — число обработанных строк
//   - sub_sweeper_duration_seconds — длительность прогона
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

var (
	sweeperRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sub_sweeper_rows_total",
		Help: "Количество строк, обработанных архиватором",
	}, []string{"sweep"})

	sweeperDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sub_sweeper_duration_seconds",
		Help:    "Длительность прогона архиватора",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms … ~20s
	})
)

// ArchiveSweeper — фоновый архиватор запросов.
type ArchiveSweeper struct {
	archive        repository.ArchiveRepository
	requestTimeout time.Duration
	archiveTimeout time.Duration
	interval       time.Duration
	now            func() time.Time
	logger         *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchiveSweeper создаёт архиватор.
func NewArchiveSweeper(
	archive repository.ArchiveRepository,
	requestTimeout, archiveTimeout, interval time.Duration,
	logger *slog.Logger,
) *ArchiveSweeper {
	return &ArchiveSweeper{
		archive:        archive,
		requestTimeout: requestTimeout,
		archiveTimeout: archiveTimeout,
		interval:       interval,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину архивации.
func (s *ArchiveSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Архиватор запущен",
			slog.String("interval", s.interval.String()),
			slog.String("request_timeout", s.requestTimeout.String()),
			slog.String("archive_timeout", s.archiveTimeout.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Архиватор остановлен")
				return
			case <-ticker.C:
				result, err := s.SweepNow(ctx)
				if err != nil {
					s.logger.Error("Ошибка архивации",
						slog.String("error", err.Error()),
					)
					continue
				}
				if result.MarkedRequests+result.MarkedChangeRequests+
					result.ArchivedRequests+result.ArchivedChangeRequests > 0 {
					s.logger.Info("Архивация завершена",
						slog.Int64("marked_requests", result.MarkedRequests),
						slog.Int64("marked_change_requests", result.MarkedChangeRequests),
						slog.Int64("archived_requests", result.ArchivedRequests),
						slog.Int64("archived_change_requests", result.ArchivedChangeRequests),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *ArchiveSweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// SweepNow выполняет оба прохода немедленно.
func (s *ArchiveSweeper) SweepNow(ctx context.Context) (*model.SweepResult, error) {
	startedAt := time.Now()
	defer func() {
		sweeperDuration.Observe(time.Since(startedAt).Seconds())
	}()

	now := s.now()
	result := &model.SweepResult{}

	var err error
	result.MarkedRequests, result.MarkedChangeRequests, err = s.archive.MarkTimedOutDeleted(ctx, now.Add(-s.requestTimeout))
	if err != nil {
		return nil, fmt.Errorf("пометка истёкших запросов: %w", err)
	}
	sweeperRows.WithLabelValues("mark_timed_out").Add(float64(result.MarkedRequests + result.MarkedChangeRequests))

	result.ArchivedRequests, result.ArchivedChangeRequests, err = s.archive.MoveToArchive(ctx, now.Add(-s.archiveTimeout))
	if err != nil {
		return result, fmt.Errorf("перенос в архив: %w", err)
	}
	sweeperRows.WithLabelValues("archive").Add(float64(result.ArchivedRequests + result.ArchivedChangeRequests))

	return result, nil
}
