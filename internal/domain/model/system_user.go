package model

import (
	"encoding/json"
	"time"
)

// SystemUserType — тип системного пользователя.
type SystemUserType string

const (
	SystemUserTypeStandard SystemUserType = "standard"
	SystemUserTypeAgent    SystemUserType = "agent"
)

// SystemUser — машинная учётная запись продукта вендора, действующая от имени клиента.
// Хранится в таблице system_user_integration, удаляется только пометкой is_deleted.
type SystemUser struct {
	ID               string
	IntegrationTitle string
	SystemInternalID string
	SystemID         string
	Type             SystemUserType
	// ReporteePartyID — владелец (клиент)
	ReporteePartyID string
	ReporteeOrgNo   string
	SupplierName    string
	SupplierOrgNo   string
	ClientID        *string
	ExternalRef     string
	// Снимок выданных прав и пакетов
	Rights         []Right
	AccessPackages []AccessPackage
	CreatedBy      string
	IsDeleted      bool
	Created        time.Time
	LastChanged    time.Time
}

// RegisteredSystem — продукт вендора из реестра систем с каталогом
// прав и пакетов, которые он может запрашивать.
type RegisteredSystem struct {
	InternalID          string
	SystemID            string
	VendorOrgNo         string
	Name                string
	Rights              []Right
	AccessPackages      []AccessPackage
	AllowedRedirectURLs []string
	// ClientIDs — client_id продукта у провайдера идентификации
	ClientIDs []string
	IsVisible bool
	IsDeleted bool
	Created   time.Time
}

// HasRight — право входит в каталог системы.
func (s *RegisteredSystem) HasRight(r Right) bool {
	key := r.Key()
	for _, c := range s.Rights {
		if c.Key() == key {
			return true
		}
	}
	return false
}

// HasAccessPackage — пакет входит в каталог системы.
func (s *RegisteredSystem) HasAccessPackage(p AccessPackage) bool {
	key := p.Key()
	for _, c := range s.AccessPackages {
		if c.Key() == key {
			return true
		}
	}
	return false
}

// ChangeType — тип записи в журнале изменений.
type ChangeType string

const (
	ChangeSystemUserCreated    ChangeType = "SystemUserCreated"
	ChangeSystemUserUpdated    ChangeType = "SystemUserUpdated"
	ChangeSystemUserDeleted    ChangeType = "SystemUserDeleted"
	ChangeRequestRejected      ChangeType = "RequestRejected"
	ChangeRequestDenied        ChangeType = "RequestDenied"
	ChangeChangeRequestApplied ChangeType = "ChangeRequestApplied"
)

// ChangeLogEntry — запись журнала изменений (только добавление).
type ChangeLogEntry struct {
	SystemInternalID   string
	ChangedByOrgNumber string
	ChangeType         ChangeType
	ChangedData        json.RawMessage
	ClientID           *string
	Created            time.Time
}

// Party — аутентифицированный клиент: организация и действующий пользователь.
type Party struct {
	PartyID string
	OrgNo   string
	UserID  string
}
