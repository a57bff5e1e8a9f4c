// agents.go — делегирование пакетов клиентов агентскому системному пользователю.
//
// Фасилитатор (бухгалтер, аудитор) делегирует пакеты многих клиентов одному
// агентскому пользователю. Единица делегирования — {клиент, роль, пакет}.
// Роль подбирается до любых вызовов делегирования: по URN пакета или URN
// его области в переданной карте роль → пакеты (без учёта регистра).
// Если хотя бы для одного пакета роль не найдена, весь пакет единиц
// отклоняется с RoleNotFoundForPackage.
package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/sysuser-broker/internal/authority"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

var agentDelegations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sub_agent_delegations_total",
	Help: "Количество единиц агентского делегирования по результату",
}, []string{"result"})

// AgentService — управление клиентами агентского системного пользователя.
type AgentService struct {
	stores      repository.Stores
	tx          Transactor
	systems     SystemSource
	authority   AuthorityClient
	concurrency int
	logger      *slog.Logger
}

// NewAgentService создаёт сервис агентского делегирования.
// concurrency — максимум одновременных вызовов Authority на один запрос.
func NewAgentService(
	stores repository.Stores,
	tx Transactor,
	systems SystemSource,
	auth AuthorityClient,
	concurrency int,
	logger *slog.Logger,
) *AgentService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &AgentService{
		stores:      stores,
		tx:          tx,
		systems:     systems,
		authority:   auth,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "agents")),
	}
}

// agentUser возвращает агентского пользователя фасилитатора.
func (s *AgentService) agentUser(ctx context.Context, party model.Party, systemUserID string) (*model.SystemUser, error) {
	su, err := s.stores.SystemUsers.GetByID(ctx, systemUserID)
	if err != nil {
		return nil, storeError(err, problem.SystemUserNotFound, "чтение агентского пользователя")
	}
	if su.Type != model.SystemUserTypeAgent {
		return nil, problem.New(problem.SystemUserNotFound, "пользователь не агентский")
	}
	if su.ReporteePartyID != party.PartyID {
		return nil, problem.New(problem.FacilitatorMismatch, "")
	}
	return su, nil
}

// ListCustomers возвращает клиентов фасилитатора, у которых есть пакеты
// агентского пользователя.
func (s *AgentService) ListCustomers(ctx context.Context, party model.Party, systemUserID string) ([]model.Customer, error) {
	su, err := s.agentUser(ctx, party, systemUserID)
	if err != nil {
		return nil, err
	}

	urns := make([]string, 0, len(su.AccessPackages))
	for _, p := range su.AccessPackages {
		urns = append(urns, p.URN)
	}

	customers, err := s.authority.ListClients(ctx, party.PartyID, urns)
	if err != nil {
		return nil, authorityError(err, problem.AuthorityUnavailable)
	}
	return customers, nil
}

// DelegateCustomer делегирует агентскому пользователю пакеты клиента.
// Ошибки отдельных единиц возвращаются в результатах, ошибка функции —
// только при неверных входных данных, провале подбора ролей или отмене контекста.
func (s *AgentService) DelegateCustomer(
	ctx context.Context,
	party model.Party,
	systemUserID, customerID string,
	roles model.RolePackages,
) ([]model.AgentDelegationResult, error) {
	if customerID == "" {
		return nil, problem.New(problem.InvalidRequest, "не указан клиент")
	}
	if len(roles) == 0 {
		return nil, problem.New(problem.InvalidRequest, "не указано соответствие ролей и пакетов")
	}

	su, err := s.agentUser(ctx, party, systemUserID)
	if err != nil {
		return nil, err
	}

	units, err := s.resolveUnits(ctx, customerID, su.AccessPackages, roles)
	if err != nil {
		return nil, err
	}

	results := make([]model.AgentDelegationResult, len(units))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, unit := range units {
		g.Go(func() error {
			results[i].Unit = unit
			resp, err := s.authority.DelegateAgent(ctx, party.PartyID, authority.AgentDelegationRequest{
				AgentSystemUserID: su.ID,
				CustomerID:        unit.CustomerID,
				Role:              unit.Role,
				PackageURN:        unit.PackageURN,
			})
			if err != nil {
				results[i].Err = authorityError(err, problem.AgentDelegationFailed)
				agentDelegations.WithLabelValues("failed").Inc()
				return nil
			}
			results[i].DelegationID = resp.DelegationID
			agentDelegations.WithLabelValues("delegated").Inc()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.Info("Пакеты клиента делегированы агенту",
		slog.String("system_user_id", su.ID),
		slog.String("customer_id", customerID),
		slog.Int("units", len(results)),
		slog.Int("failed", failed),
	)
	return results, nil
}

// resolveUnits подбирает роль для каждого пакета агентского пользователя.
// Сначала пакеты сопоставляются с картой ролей по URN без сетевых вызовов.
// Области запрашиваются параллельно только для оставшихся пакетов и только
// если в карте есть URN, не совпавшие ни с одним пакетом пользователя.
func (s *AgentService) resolveUnits(
	ctx context.Context,
	customerID string,
	packages []model.AccessPackage,
	roles model.RolePackages,
) ([]model.AgentDelegationUnit, error) {
	packages = nonEmptyPackages(packages)
	if len(packages) == 0 {
		return nil, problem.New(problem.InvalidRequest, "у агентского пользователя нет пакетов доступа")
	}

	// Порядок ролей фиксирован, чтобы выбор был детерминированным
	roleNames := make([]string, 0, len(roles))
	for role := range roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)

	resolved := make([]string, len(packages))
	var pending []int
	for i, pkg := range packages {
		if role, ok := matchRole(roleNames, roles, pkg.URN, ""); ok {
			resolved[i] = role
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		if !hasAreaCandidates(roles, packages) {
			return nil, problem.Newf(problem.RoleNotFoundForPackage, "пакет %s", packages[pending[0]].URN)
		}
		if err := s.resolveByArea(ctx, packages, pending, roleNames, roles, resolved); err != nil {
			return nil, err
		}
	}

	units := make([]model.AgentDelegationUnit, 0, len(packages))
	for i, pkg := range packages {
		units = append(units, model.AgentDelegationUnit{
			CustomerID: customerID,
			Role:       resolved[i],
			PackageURN: pkg.URN,
		})
	}
	return units, nil
}

// resolveByArea подбирает роли по области для пакетов с индексами pending.
// Неизвестный Authority пакет не имеет области и роли.
func (s *AgentService) resolveByArea(
	ctx context.Context,
	packages []model.AccessPackage,
	pending []int,
	roleNames []string,
	roles model.RolePackages,
	resolved []string,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, i := range pending {
		pkg := packages[i]
		g.Go(func() error {
			info, err := s.authority.GetAccessPackage(gctx, pkg.URN)
			if err != nil {
				if authority.IsNotFound(err) {
					return problem.Wrap(problem.RoleNotFoundForPackage, err, "область пакета "+pkg.URN+" не найдена")
				}
				return authorityError(err, problem.AuthorityUnavailable)
			}
			role, ok := matchRole(roleNames, roles, pkg.URN, info.Area.URN)
			if !ok {
				return problem.Newf(problem.RoleNotFoundForPackage, "пакет %s", pkg.URN)
			}
			resolved[i] = role
			return nil
		})
	}
	return g.Wait()
}

// hasAreaCandidates — в карте ролей есть URN, не совпадающие ни с одним
// пакетом пользователя. Только такие URN могут оказаться областями.
func hasAreaCandidates(roles model.RolePackages, packages []model.AccessPackage) bool {
	own := make(map[string]struct{}, len(packages))
	for _, p := range packages {
		own[p.Key()] = struct{}{}
	}
	for _, urns := range roles {
		for _, urn := range urns {
			if _, ok := own[strings.ToLower(strings.TrimSpace(urn))]; !ok {
				return true
			}
		}
	}
	return false
}

func matchRole(roleNames []string, roles model.RolePackages, packageURN, areaURN string) (string, bool) {
	for _, role := range roleNames {
		for _, urn := range roles[role] {
			if strings.EqualFold(urn, packageURN) || (areaURN != "" && strings.EqualFold(urn, areaURN)) {
				return role, true
			}
		}
	}
	return "", false
}

// RemoveCustomer удаляет делегирование одного клиента агенту.
// Делегирование должно принадлежать агентскому пользователю из пути.
func (s *AgentService) RemoveCustomer(ctx context.Context, party model.Party, systemUserID, delegationID string) error {
	su, err := s.agentUser(ctx, party, systemUserID)
	if err != nil {
		return err
	}

	delegations, err := s.authority.ListAgentDelegations(ctx, party.PartyID, su.ID)
	if err != nil {
		return authorityError(err, problem.AgentDelegationFailed)
	}
	owned := false
	for _, d := range delegations {
		if d.DelegationID == delegationID {
			owned = true
			break
		}
	}
	if !owned {
		return problem.Newf(problem.CustomerDelegationNotFound, "делегирование %s", delegationID)
	}

	if err := s.authority.DeleteClientDelegation(ctx, party.PartyID, delegationID); err != nil {
		return authorityError(err, problem.AgentDelegationFailed)
	}
	s.logger.Info("Делегирование клиента удалено",
		slog.String("system_user_id", systemUserID),
		slog.String("delegation_id", delegationID),
	)
	return nil
}

// DeleteAgentSystemUser удаляет все делегирования клиентов, назначения
// агента и помечает агентского пользователя удалённым.
func (s *AgentService) DeleteAgentSystemUser(ctx context.Context, party model.Party, systemUserID string) error {
	su, err := s.agentUser(ctx, party, systemUserID)
	if err != nil {
		return err
	}

	delegations, err := s.authority.ListAgentDelegations(ctx, party.PartyID, su.ID)
	if err != nil {
		return authorityError(err, problem.AgentDelegationFailed)
	}

	assignments := make(map[string]struct{})
	for _, d := range delegations {
		if err := s.authority.DeleteClientDelegation(ctx, party.PartyID, d.DelegationID); err != nil &&
			authority.CodeOf(err) != authority.CodeDelegationNotFound {
			return authorityError(err, problem.AgentDelegationFailed)
		}
		if d.AssignmentID != "" {
			assignments[d.AssignmentID] = struct{}{}
		}
	}
	for assignmentID := range assignments {
		if err := s.authority.DeleteAgentAssignment(ctx, party.PartyID, assignmentID); err != nil &&
			authority.CodeOf(err) != authority.CodeAssignmentNotFound {
			return authorityError(err, problem.AgentDelegationFailed)
		}
	}

	sys, err := s.systems.Get(ctx, su.SystemID)
	if err != nil {
		if !problem.Is(err, problem.SystemNotFound) {
			return err
		}
		// Система могла быть удалена из реестра раньше пользователя
		sys = &model.RegisteredSystem{InternalID: su.SystemInternalID, SystemID: su.SystemID}
	}

	err = s.tx.RunInTx(ctx, pgx.ReadCommitted, func(st repository.Stores) error {
		if err := st.SystemUsers.Tombstone(ctx, su.ID); err != nil {
			return err
		}
		return st.ChangeLog.Append(ctx, changeLogEntry(sys, party.OrgNo, model.ChangeSystemUserDeleted, map[string]any{
			"system_user_id": su.ID,
			"user_type":      su.Type,
			"delegations":    len(delegations),
			"assignments":    len(assignments),
		}))
	})
	if err != nil {
		return storeError(err, problem.SystemUserNotFound, "удаление агентского пользователя")
	}

	s.logger.Info("Агентский пользователь удалён",
		slog.String("system_user_id", su.ID),
		slog.Int("delegations", len(delegations)),
		slog.Int("assignments", len(assignments)),
	)
	return nil
}
