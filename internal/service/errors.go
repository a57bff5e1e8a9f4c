// errors.go — перевод ошибок хранилища и Authority в виды problem.
package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/bigkaa/sysuser-broker/internal/authority"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

// storeError переводит ошибку репозитория в problem.Error.
// repository.ErrNotFound становится notFound, остальное — PersistenceFailure.
// Уже типизированные ошибки и отмена контекста возвращаются как есть.
func storeError(err error, notFound problem.Kind, op string) error {
	if err == nil {
		return nil
	}
	var pe *problem.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, repository.ErrNotFound) && notFound != problem.KindUnknown {
		return problem.Wrap(notFound, err, "")
	}
	return problem.Wrap(problem.PersistenceFailure, err, op)
}

// authorityError переводит ошибку клиента Authority в problem.Error.
// fallback используется, когда код ошибки не распознан.
func authorityError(err error, fallback problem.Kind) error {
	if err == nil {
		return nil
	}
	var pe *problem.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch authority.CodeOf(err) {
	case authority.CodeAssignmentNotFound:
		return problem.Wrap(problem.AgentAssignmentNotFound, err, "")
	case authority.CodeTooManyAssignments:
		return problem.Wrap(problem.TooManyAgentAssignments, err, "")
	case authority.CodeFacilitatorMismatch:
		return problem.Wrap(problem.FacilitatorMismatch, err, "")
	case authority.CodeDelegationNotFound:
		return problem.Wrap(problem.CustomerDelegationNotFound, err, "")
	case authority.CodePackageNotFound:
		return problem.Wrap(problem.AccessPackageNotFound, err, "")
	}

	// Транспортная ошибка, 5xx или 429 после всех повторов
	var apiErr *authority.APIError
	if !errors.As(err, &apiErr) ||
		apiErr.StatusCode >= http.StatusInternalServerError ||
		apiErr.StatusCode == http.StatusTooManyRequests {
		return problem.Wrap(problem.AuthorityUnavailable, err, "")
	}
	return problem.Wrap(fallback, err, apiErr.Operation)
}
