// deps.go — внешние зависимости сервисного слоя.
package service

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/sysuser-broker/internal/authority"
	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/repository"
)

// AuthorityClient — операции Authorization Authority, которыми пользуются сервисы.
// Реализуется *authority.Client.
type AuthorityClient interface {
	CheckDelegation(ctx context.Context, req authority.CheckRequest) ([]authority.CheckResult, error)
	Delegate(ctx context.Context, req authority.DelegateRequest) (*authority.DelegateResponse, error)
	Revoke(ctx context.Context, req authority.DelegateRequest) error
	GetAccessPackage(ctx context.Context, urn string) (*authority.AccessPackageInfo, error)
	DelegateAgent(ctx context.Context, party string, req authority.AgentDelegationRequest) (*authority.AgentDelegationResponse, error)
	ListAgentDelegations(ctx context.Context, party, systemUserID string) ([]model.ClientDelegation, error)
	DeleteClientDelegation(ctx context.Context, party, delegationID string) error
	DeleteAgentAssignment(ctx context.Context, party, assignmentID string) error
	ListClients(ctx context.Context, party string, packages []string) ([]model.Customer, error)
}

// Transactor выполняет fn в транзакции с заданным уровнем изоляции.
// Реализуется *repository.TxRunner.
type Transactor interface {
	RunInTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(s repository.Stores) error) error
}

// SystemSource — источник описаний систем из реестра.
type SystemSource interface {
	Get(ctx context.Context, systemID string) (*model.RegisteredSystem, error)
}

var (
	_ AuthorityClient = (*authority.Client)(nil)
	_ Transactor      = (*repository.TxRunner)(nil)
	_ SystemSource    = (*CatalogueService)(nil)
)
