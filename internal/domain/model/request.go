package model

import "time"

// ExternalRequestID — ключ идемпотентности вендора.
// Не более одного неудалённого запроса каждого вида на тройку.
type ExternalRequestID struct {
	SystemID    string `json:"system_id"`
	PartyOrgNo  string `json:"party_org_no"`
	ExternalRef string `json:"external_ref"`
}

// RequestKind — вид запроса на создание системного пользователя.
type RequestKind string

const (
	// RequestKindStandard — обычный запрос (права и пакеты для одного клиента).
	RequestKindStandard RequestKind = "standard"
	// RequestKindAgent — запрос агентского системного пользователя (только пакеты).
	RequestKindAgent RequestKind = "agent"
)

// RequestStatus — статус запроса.
type RequestStatus string

const (
	StatusNew      RequestStatus = "New"
	StatusAccepted RequestStatus = "Accepted"
	StatusRejected RequestStatus = "Rejected"
	StatusDenied   RequestStatus = "Denied"
	// StatusTimedout — вычисляемый при чтении статус, в БД пишется только архиватором.
	StatusTimedout RequestStatus = "Timedout"
)

// IsTerminal — статус конечный (все, кроме New).
func (s RequestStatus) IsTerminal() bool {
	return s != StatusNew
}

// Valid проверяет, что значение статуса известно.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusNew, StatusAccepted, StatusRejected, StatusDenied, StatusTimedout:
		return true
	}
	return false
}

// EffectiveStatus — проекция статуса при чтении: запрос в статусе New,
// созданный раньше now-timeout, отображается как Timedout. Запись в БД
// при этом не производится.
func EffectiveStatus(stored RequestStatus, created, now time.Time, timeout time.Duration) RequestStatus {
	if stored == StatusNew && timeout > 0 && now.Sub(created) > timeout {
		return StatusTimedout
	}
	return stored
}

// Request — запрос вендора на создание системного пользователя
// (стандартного или агентского).
type Request struct {
	ID   string
	Kind RequestKind
	ExternalRequestID
	Rights         []Right
	AccessPackages []AccessPackage
	Status         RequestStatus
	// RedirectURL — куда вернуть клиента после решения (опционально)
	RedirectURL string
	// SystemUserID — созданный при одобрении системный пользователь
	SystemUserID *string
	// ChangedBy — кто перевёл запрос в конечный статус (user id клиента)
	ChangedBy   *string
	Created     time.Time
	LastChanged time.Time
	IsDeleted   bool
}

// Project возвращает копию запроса с применённой проекцией статуса.
func (r *Request) Project(now time.Time, timeout time.Duration) *Request {
	out := *r
	out.Status = EffectiveStatus(r.Status, r.Created, now, timeout)
	return &out
}

// ChangeRequest — запрос на изменение прав существующего системного пользователя.
type ChangeRequest struct {
	ID string
	ExternalRequestID
	SystemUserID           string
	RequiredRights         []Right
	UnwantedRights         []Right
	RequiredAccessPackages []AccessPackage
	UnwantedAccessPackages []AccessPackage
	Status                 RequestStatus
	RedirectURL            string
	ChangedBy              *string
	Created                time.Time
	LastChanged            time.Time
	IsDeleted              bool
}

// IsEmpty — ни одного изменения не запрошено.
func (c *ChangeRequest) IsEmpty() bool {
	return len(c.RequiredRights) == 0 && len(c.UnwantedRights) == 0 &&
		len(c.RequiredAccessPackages) == 0 && len(c.UnwantedAccessPackages) == 0
}

// Project возвращает копию запроса на изменение с применённой проекцией статуса.
func (c *ChangeRequest) Project(now time.Time, timeout time.Duration) *ChangeRequest {
	out := *c
	out.Status = EffectiveStatus(c.Status, c.Created, now, timeout)
	return &out
}

// SweepResult — итог одного прогона архиватора.
type SweepResult struct {
	// Помечено удалёнными по таймауту
	MarkedRequests       int64
	MarkedChangeRequests int64
	// Перенесено в архив
	ArchivedRequests       int64
	ArchivedChangeRequests int64
}
