// delegation.go — делегирование и отзыв прав через Authority с компенсацией.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bigkaa/sysuser-broker/internal/authority"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
)

// compensationTimeout — время на отзыв делегирования после неудачи.
// Отзыв выполняется даже если исходный контекст уже отменён.
const compensationTimeout = 30 * time.Second

// delegateItems делегирует права и пакеты системному пользователю.
// При частичном отказе вызывающему возвращаются вердикты по отказавшим
// элементам, а с compensate уже делегированные элементы отзываются.
func delegateItems(
	ctx context.Context,
	auth AuthorityClient,
	logger *slog.Logger,
	partyID, systemUserID string,
	rights []model.Right,
	packages []model.AccessPackage,
	compensate bool,
) error {
	req := authority.DelegateRequest{
		PartyID:        partyID,
		SystemUserID:   systemUserID,
		Rights:         nonEmptyRights(rights),
		AccessPackages: nonEmptyPackages(packages),
	}
	if len(req.Rights)+len(req.AccessPackages) == 0 {
		return nil
	}

	failKind := problem.AccessPackageFailedToDelegate
	if len(req.Rights) > 0 {
		failKind = problem.RightsFailedToDelegate
	}

	resp, err := auth.Delegate(ctx, req)
	if err != nil {
		// Неизвестно, что успело примениться: отзываем весь набор
		if compensate {
			revokeBestEffort(ctx, auth, logger, req)
		}
		return authorityError(err, failKind)
	}

	byRight := make(map[string]authority.ItemResult, len(resp.Rights))
	for _, r := range resp.Rights {
		if r.Right != nil {
			byRight[r.Right.Key()] = r
		}
	}
	byPackage := make(map[string]authority.ItemResult, len(resp.AccessPackages))
	for _, r := range resp.AccessPackages {
		if r.AccessPackage != nil {
			byPackage[r.AccessPackage.Key()] = r
		}
	}

	done := authority.DelegateRequest{PartyID: partyID, SystemUserID: systemUserID}
	var failed []model.Verdict
	failedRights := false

	for i := range req.Rights {
		right := req.Rights[i]
		r, ok := byRight[right.Key()]
		if ok && r.Status == authority.StatusDelegated {
			done.Rights = append(done.Rights, right)
			continue
		}
		failedRights = true
		failed = append(failed, model.Verdict{Right: &right, Reasons: itemReasons(r)})
	}
	for i := range req.AccessPackages {
		pkg := req.AccessPackages[i]
		r, ok := byPackage[pkg.Key()]
		if ok && r.Status == authority.StatusDelegated {
			done.AccessPackages = append(done.AccessPackages, pkg)
			continue
		}
		failed = append(failed, model.Verdict{AccessPackage: &pkg, Reasons: itemReasons(r)})
	}

	if len(failed) == 0 {
		return nil
	}

	if compensate {
		revokeBestEffort(ctx, auth, logger, done)
	}
	if failedRights {
		return problem.WithVerdicts(problem.RightsFailedToDelegate, failed)
	}
	return problem.WithVerdicts(problem.AccessPackageFailedToDelegate, failed)
}

func itemReasons(r authority.ItemResult) []model.DetailCode {
	reasons := make([]model.DetailCode, 0, len(r.Details)+1)
	for _, d := range r.Details {
		reasons = append(reasons, d.Code)
	}
	if len(reasons) == 0 {
		reasons = append(reasons, model.DetailUnknown)
	}
	return reasons
}

// revokeBestEffort отзывает делегирование, ошибка только логируется.
func revokeBestEffort(ctx context.Context, auth AuthorityClient, logger *slog.Logger, req authority.DelegateRequest) {
	if len(req.Rights)+len(req.AccessPackages) == 0 {
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := auth.Revoke(cctx, req); err != nil {
		logger.Error("Не удалось отозвать делегирование",
			slog.String("system_user_id", req.SystemUserID),
			slog.Int("rights", len(req.Rights)),
			slog.Int("access_packages", len(req.AccessPackages)),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Warn("Делегирование отозвано",
		slog.String("system_user_id", req.SystemUserID),
		slog.Int("rights", len(req.Rights)),
		slog.Int("access_packages", len(req.AccessPackages)),
	)
}

// delegateRequestFor — запрос на отзыв всего снимка системного пользователя.
func delegateRequestFor(partyID string, su *model.SystemUser) authority.DelegateRequest {
	return authority.DelegateRequest{
		PartyID:        partyID,
		SystemUserID:   su.ID,
		Rights:         nonEmptyRights(su.Rights),
		AccessPackages: nonEmptyPackages(su.AccessPackages),
	}
}

func nonEmptyRights(rights []model.Right) []model.Right {
	out := make([]model.Right, 0, len(rights))
	for _, r := range rights {
		if !r.IsEmpty() {
			out = append(out, r)
		}
	}
	return out
}

func nonEmptyPackages(packages []model.AccessPackage) []model.AccessPackage {
	out := make([]model.AccessPackage, 0, len(packages))
	for _, p := range packages {
		if !p.IsEmpty() {
			out = append(out, p)
		}
	}
	return out
}

// changeLogEntry формирует запись журнала изменений по системе.
func changeLogEntry(sys *model.RegisteredSystem, orgNo string, changeType model.ChangeType, data any) *model.ChangeLogEntry {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	var clientID *string
	if len(sys.ClientIDs) > 0 {
		id := sys.ClientIDs[0]
		clientID = &id
	}
	return &model.ChangeLogEntry{
		SystemInternalID:   sys.InternalID,
		ChangedByOrgNumber: orgNo,
		ChangeType:         changeType,
		ChangedData:        raw,
		ClientID:           clientID,
	}
}
