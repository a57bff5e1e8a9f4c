// system_users.go — чтение и удаление системных пользователей.
package service

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

// SystemUserService — сервис системных пользователей.
type SystemUserService struct {
	stores    repository.Stores
	tx        Transactor
	systems   SystemSource
	authority AuthorityClient
	logger    *slog.Logger
}

// NewSystemUserService создаёт сервис системных пользователей.
func NewSystemUserService(
	stores repository.Stores,
	tx Transactor,
	systems SystemSource,
	auth AuthorityClient,
	logger *slog.Logger,
) *SystemUserService {
	return &SystemUserService{
		stores:    stores,
		tx:        tx,
		systems:   systems,
		authority: auth,
		logger:    logger.With(slog.String("component", "system_users")),
	}
}

// GetForParty возвращает системного пользователя клиента.
func (s *SystemUserService) GetForParty(ctx context.Context, party model.Party, id string) (*model.SystemUser, error) {
	su, err := s.stores.SystemUsers.GetByID(ctx, id)
	if err != nil {
		return nil, storeError(err, problem.SystemUserNotFound, "чтение системного пользователя")
	}
	if su.ReporteePartyID != party.PartyID {
		return nil, problem.New(problem.NotOwnerOfParty, "")
	}
	return su, nil
}

// ListForParty возвращает системных пользователей клиента.
func (s *SystemUserService) ListForParty(ctx context.Context, party model.Party) ([]*model.SystemUser, error) {
	list, err := s.stores.SystemUsers.ListByParty(ctx, party.PartyID)
	if err != nil {
		return nil, storeError(err, problem.KindUnknown, "список системных пользователей")
	}
	return list, nil
}

// ListForVendorSystem возвращает системных пользователей системы вендора.
func (s *SystemUserService) ListForVendorSystem(ctx context.Context, vendorOrgNo, systemID string) ([]*model.SystemUser, error) {
	if _, err := ownSystem(ctx, s.systems, vendorOrgNo, systemID); err != nil {
		return nil, err
	}
	list, err := s.stores.SystemUsers.ListBySystem(ctx, systemID)
	if err != nil {
		return nil, storeError(err, problem.KindUnknown, "список системных пользователей")
	}
	return list, nil
}

// DeleteForParty удаляет стандартного системного пользователя клиента:
// отзывает выданные права (ошибка отзыва только логируется), помечает
// пользователя удалённым и пишет журнал изменений. Агентские пользователи
// удаляются через AgentService.
func (s *SystemUserService) DeleteForParty(ctx context.Context, party model.Party, id string) error {
	su, err := s.GetForParty(ctx, party, id)
	if err != nil {
		return err
	}
	if su.Type == model.SystemUserTypeAgent {
		return problem.New(problem.InvalidRequest, "агентский пользователь удаляется через /agents")
	}

	sys, err := s.systems.Get(ctx, su.SystemID)
	if err != nil {
		if !problem.Is(err, problem.SystemNotFound) {
			return err
		}
		sys = &model.RegisteredSystem{InternalID: su.SystemInternalID, SystemID: su.SystemID}
	}

	revokeBestEffort(ctx, s.authority, s.logger, delegateRequestFor(party.PartyID, su))

	err = s.tx.RunInTx(ctx, pgx.ReadCommitted, func(st repository.Stores) error {
		if err := st.SystemUsers.Tombstone(ctx, su.ID); err != nil {
			return err
		}
		return st.ChangeLog.Append(ctx, changeLogEntry(sys, party.OrgNo, model.ChangeSystemUserDeleted, map[string]any{
			"system_user_id": su.ID,
			"user_type":      su.Type,
			"deleted_by":     party.UserID,
		}))
	})
	if err != nil {
		return storeError(err, problem.SystemUserNotFound, "удаление системного пользователя")
	}

	s.logger.Info("Системный пользователь удалён",
		slog.String("system_user_id", su.ID),
		slog.String("system_id", su.SystemID),
	)
	return nil
}
