// validator.go — проверка делегируемости прав и пакетов доступа.
//
// Алгоритм:
//  1. Элементы, которых нет в каталоге системы, отклоняются с причиной
//     UnknownRight / UnknownAccessPackage. В Authority они не отправляются.
//  2. Элементы без идентичности (пустое право, пакет без URN) пропускаются
//     без проверки и попадают в список разрешённых.
//  3. В режиме Full остальные элементы проверяются одним пакетным вызовом
//     delegationcheck.
//  4. Если Authority не ответила или не вернула данных по элементу,
//     вердикт «не определён» (Reasons == nil). Это не ошибка и не отказ.
package service

import (
	"context"
	"log/slog"

	"github.com/bigkaa/sysuser-broker/internal/authority"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
)

// ValidationMode — глубина проверки.
type ValidationMode int

const (
	// ModeCatalogueOnly — только вхождение в каталог системы (создание запроса).
	ModeCatalogueOnly ValidationMode = iota
	// ModeFull — каталог и Authority (одобрение).
	ModeFull
)

// ValidateInput — параметры проверки.
type ValidateInput struct {
	// PartyID — клиент, либо фасилитатор в агентском контексте
	PartyID        string
	PartyOrgNo     string
	SystemID       string
	Rights         []model.Right
	AccessPackages []model.AccessPackage
	AgentContext   bool
	Mode           ValidationMode
}

// DelegationValidator — проверка делегируемости.
type DelegationValidator struct {
	systems   SystemSource
	authority AuthorityClient
	logger    *slog.Logger
}

// NewDelegationValidator создаёт валидатор.
func NewDelegationValidator(systems SystemSource, auth AuthorityClient, logger *slog.Logger) *DelegationValidator {
	return &DelegationValidator{
		systems:   systems,
		authority: auth,
		logger:    logger.With(slog.String("component", "validator")),
	}
}

// Validate проверяет набор элементов. Ошибка возвращается только если
// система не найдена, хранилище недоступно или контекст отменён.
func (v *DelegationValidator) Validate(ctx context.Context, in ValidateInput) (*model.ValidationResult, error) {
	sys, err := v.systems.Get(ctx, in.SystemID)
	if err != nil {
		return nil, err
	}

	res := &model.ValidationResult{
		AllowedRights:         []model.Right{},
		AllowedAccessPackages: []model.AccessPackage{},
		Verdicts:              make([]model.Verdict, 0, len(in.Rights)+len(in.AccessPackages)),
	}

	// Индексы вердиктов, ожидающих ответа Authority
	var pendingRights, pendingPackages []int
	var batchRights []model.Right
	var batchPackages []model.AccessPackage

	for i := range in.Rights {
		right := in.Rights[i]
		switch {
		case right.IsEmpty():
			res.AllowedRights = append(res.AllowedRights, right)
			res.Verdicts = append(res.Verdicts, model.Verdict{Right: &right, Allowed: true, Reasons: []model.DetailCode{}})
		case !sys.HasRight(right):
			res.Verdicts = append(res.Verdicts, model.Verdict{Right: &right, Reasons: []model.DetailCode{model.DetailUnknownRight}})
		case in.Mode == ModeCatalogueOnly:
			res.AllowedRights = append(res.AllowedRights, right)
			res.Verdicts = append(res.Verdicts, model.Verdict{Right: &right, Allowed: true, Reasons: []model.DetailCode{}})
		default:
			pendingRights = append(pendingRights, len(res.Verdicts))
			batchRights = append(batchRights, right)
			res.Verdicts = append(res.Verdicts, model.Verdict{Right: &right})
		}
	}

	for i := range in.AccessPackages {
		pkg := in.AccessPackages[i]
		switch {
		case pkg.IsEmpty():
			res.AllowedAccessPackages = append(res.AllowedAccessPackages, pkg)
			res.Verdicts = append(res.Verdicts, model.Verdict{AccessPackage: &pkg, Allowed: true, Reasons: []model.DetailCode{}})
		case !sys.HasAccessPackage(pkg):
			res.Verdicts = append(res.Verdicts, model.Verdict{AccessPackage: &pkg, Reasons: []model.DetailCode{model.DetailUnknownAccessPackage}})
		case in.Mode == ModeCatalogueOnly:
			res.AllowedAccessPackages = append(res.AllowedAccessPackages, pkg)
			res.Verdicts = append(res.Verdicts, model.Verdict{AccessPackage: &pkg, Allowed: true, Reasons: []model.DetailCode{}})
		default:
			pendingPackages = append(pendingPackages, len(res.Verdicts))
			batchPackages = append(batchPackages, pkg)
			res.Verdicts = append(res.Verdicts, model.Verdict{AccessPackage: &pkg})
		}
	}

	if len(batchRights)+len(batchPackages) > 0 {
		if err := v.checkAuthority(ctx, in, res, batchRights, batchPackages, pendingRights, pendingPackages); err != nil {
			return nil, err
		}
	}

	res.CanDelegate = true
	for _, verdict := range res.Verdicts {
		if !verdict.Allowed {
			res.CanDelegate = false
			break
		}
	}
	return res, nil
}

// checkAuthority выполняет пакетную проверку и заполняет ожидающие вердикты.
func (v *DelegationValidator) checkAuthority(
	ctx context.Context,
	in ValidateInput,
	res *model.ValidationResult,
	rights []model.Right,
	packages []model.AccessPackage,
	pendingRights, pendingPackages []int,
) error {
	results, err := v.authority.CheckDelegation(ctx, authority.CheckRequest{
		PartyID:        in.PartyID,
		PartyOrgNo:     in.PartyOrgNo,
		SystemID:       in.SystemID,
		Agent:          in.AgentContext,
		Rights:         rights,
		AccessPackages: packages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Вердикты остаются неопределёнными
		v.logger.Warn("Authority не ответила на проверку делегирования",
			slog.String("system_id", in.SystemID),
			slog.Int("items", len(rights)+len(packages)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	byRight := make(map[string]authority.CheckResult, len(results))
	byPackage := make(map[string]authority.CheckResult, len(results))
	for _, r := range results {
		switch {
		case r.Right != nil:
			byRight[r.Right.Key()] = r
		case r.AccessPackage != nil:
			byPackage[r.AccessPackage.Key()] = r
		}
	}

	for i, idx := range pendingRights {
		if r, ok := byRight[rights[i].Key()]; ok {
			applyCheckResult(&res.Verdicts[idx], r)
			if res.Verdicts[idx].Allowed {
				res.AllowedRights = append(res.AllowedRights, rights[i])
			}
		}
	}
	for i, idx := range pendingPackages {
		if r, ok := byPackage[packages[i].Key()]; ok {
			applyCheckResult(&res.Verdicts[idx], r)
			if res.Verdicts[idx].Allowed {
				res.AllowedAccessPackages = append(res.AllowedAccessPackages, packages[i])
			}
		}
	}
	return nil
}

func applyCheckResult(verdict *model.Verdict, r authority.CheckResult) {
	if r.Status == authority.StatusDelegable {
		verdict.Allowed = true
		verdict.Reasons = []model.DetailCode{}
		return
	}
	reasons := make([]model.DetailCode, 0, len(r.Details))
	for _, d := range r.Details {
		reasons = append(reasons, d.Code)
	}
	if len(reasons) == 0 {
		reasons = append(reasons, model.DetailUnknown)
	}
	verdict.Reasons = reasons
}

// createRejection формирует ошибку отказа при создании запроса.
func createRejection(res *model.ValidationResult) error {
	rejected := res.Rejected()
	for _, v := range rejected {
		if v.Right != nil {
			return problem.WithVerdicts(problem.RightsNotFoundOrNotDelegable, rejected)
		}
	}
	return problem.WithVerdicts(problem.AccessPackageNotFoundOrNotDelegable, rejected)
}

// approvalRejection формирует ошибку отказа при одобрении: неопределённый
// ответ Authority отличается от определённого отказа.
func approvalRejection(res *model.ValidationResult) error {
	if res.Undetermined() {
		return problem.WithVerdicts(problem.AuthorityUndetermined, res.Verdicts)
	}
	if code, ok := res.FirstReason(); ok {
		return problem.WithVerdicts(problem.FromDetail(code), res.Rejected())
	}
	return problem.WithVerdicts(problem.DelegationUnknown, res.Rejected())
}
