// Пакет problem — неизменяемый реестр описаний ошибок (Problem) и
// типизированная ошибка, которая проходит через все слои.
//
// Каждая ошибка бизнес-логики сводится ровно к одному Kind, у которого
// есть стабильный числовой код, HTTP-статус, категория и текст.
package problem

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
)

// Category — класс ошибки.
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryConflict    Category = "conflict"
	CategoryNotFound    Category = "not_found"
	CategoryAuthority   Category = "authority"
	CategoryPersistence Category = "persistence"
	CategoryForbidden   Category = "forbidden"
)

// Kind — вид ошибки.
type Kind int

const (
	KindUnknown Kind = iota

	// --- Валидация ---
	RightsNotFoundOrNotDelegable
	AccessPackageNotFoundOrNotDelegable
	UnknownRight
	UnknownAccessPackage
	InvalidRedirectURL
	InvalidRequest
	RoleNotFoundForPackage
	AgentRequestRightsNotAllowed

	// --- Authority ---
	DelegationMissingRoleAccess
	DelegationMissingDelegationAccess
	DelegationMissingSrrRightAccess
	DelegationInsufficientAuthenticationLevel
	DelegationUnknown
	AuthorityUndetermined
	RightsFailedToDelegate
	AccessPackageFailedToDelegate
	ChangeRequestFailedToApply
	AgentDelegationFailed
	AuthorityUnavailable

	// --- Конфликты ---
	ExternalRequestIDAlreadyAccepted
	ExternalRequestIDPending
	ExternalRequestIDDenied
	ExternalRequestIDRejected
	RequestStatusNotNew
	RequestTimedOut
	SystemUserAlreadyExists
	TooManyAgentAssignments

	// --- Не найдено ---
	RequestNotFound
	ChangeRequestNotFound
	AgentRequestNotFound
	SystemNotFound
	SystemUserNotFound
	AgentAssignmentNotFound
	CustomerDelegationNotFound
	AccessPackageNotFound

	// --- Доступ ---
	NotOwnerOfParty
	NotOwnerOfSystem
	FacilitatorMismatch

	// --- Хранилище ---
	PersistenceFailure
)

// Descriptor — описание вида ошибки.
type Descriptor struct {
	// Code — стабильный код для клиентов (SUB-00001)
	Code string
	// Name — машинное имя
	Name     string
	Status   int
	Category Category
	Title    string
}

// descriptors заполняется один раз при инициализации пакета и не изменяется.
var descriptors = buildDescriptors()

type entry struct {
	kind     Kind
	name     string
	status   int
	category Category
	title    string
}

func buildDescriptors() map[Kind]Descriptor {
	entries := []entry{
		{RightsNotFoundOrNotDelegable, "Rights_NotFound_Or_NotDelegable", http.StatusBadRequest, CategoryValidation, "Одно или несколько прав не найдены в каталоге системы или не могут быть делегированы"},
		{AccessPackageNotFoundOrNotDelegable, "AccessPackage_NotFound_Or_NotDelegable", http.StatusBadRequest, CategoryValidation, "Один или несколько пакетов доступа не найдены в каталоге системы или не могут быть делегированы"},
		{UnknownRight, "UnknownRight", http.StatusBadRequest, CategoryValidation, "Право отсутствует в каталоге системы"},
		{UnknownAccessPackage, "UnknownAccessPackage", http.StatusBadRequest, CategoryValidation, "Пакет доступа отсутствует в каталоге системы"},
		{InvalidRedirectURL, "InvalidRedirectUrl", http.StatusBadRequest, CategoryValidation, "Некорректный redirect URL"},
		{InvalidRequest, "InvalidRequest", http.StatusBadRequest, CategoryValidation, "Некорректный запрос"},
		{RoleNotFoundForPackage, "RoleNotFoundForPackage", http.StatusBadRequest, CategoryValidation, "Для пакета доступа не найдена роль"},
		{AgentRequestRightsNotAllowed, "AgentRequest_RightsNotAllowed", http.StatusBadRequest, CategoryValidation, "Агентский запрос не может содержать отдельные права"},

		{DelegationMissingRoleAccess, "Delegation_MissingRoleAccess", http.StatusForbidden, CategoryAuthority, "У клиента нет роли, необходимой для делегирования"},
		{DelegationMissingDelegationAccess, "Delegation_MissingDelegationAccess", http.StatusForbidden, CategoryAuthority, "У клиента нет права делегирования"},
		{DelegationMissingSrrRightAccess, "Delegation_MissingSrrRightAccess", http.StatusForbidden, CategoryAuthority, "У клиента нет права из реестра ресурсов"},
		{DelegationInsufficientAuthenticationLevel, "Delegation_InsufficientAuthenticationLevel", http.StatusForbidden, CategoryAuthority, "Недостаточный уровень аутентификации для делегирования"},
		{DelegationUnknown, "Delegation_Unknown", http.StatusBadRequest, CategoryAuthority, "Делегирование отклонено по неизвестной причине"},
		{AuthorityUndetermined, "Authority_Undetermined", http.StatusServiceUnavailable, CategoryAuthority, "Authority не вернула решение по делегированию, повторите позже"},
		{RightsFailedToDelegate, "Rights_FailedToDelegate", http.StatusBadGateway, CategoryAuthority, "Не удалось делегировать права"},
		{AccessPackageFailedToDelegate, "AccessPackage_FailedToDelegate", http.StatusBadGateway, CategoryAuthority, "Не удалось делегировать пакеты доступа"},
		{ChangeRequestFailedToApply, "ChangeRequest_FailedToApply", http.StatusBadGateway, CategoryAuthority, "Не удалось применить запрос на изменение"},
		{AgentDelegationFailed, "AgentDelegation_Failed", http.StatusBadGateway, CategoryAuthority, "Не удалось делегировать клиента агенту"},
		{AuthorityUnavailable, "Authority_Unavailable", http.StatusBadGateway, CategoryAuthority, "Authority недоступна"},

		{ExternalRequestIDAlreadyAccepted, "ExternalRequestIdAlreadyAccepted", http.StatusConflict, CategoryConflict, "Запрос с таким внешним идентификатором уже одобрен"},
		{ExternalRequestIDPending, "ExternalRequestIdPending", http.StatusConflict, CategoryConflict, "Запрос с таким внешним идентификатором ожидает решения, используйте существующий id"},
		{ExternalRequestIDDenied, "ExternalRequestIdDenied", http.StatusConflict, CategoryConflict, "Запрос с таким внешним идентификатором отклонён, удалите его и создайте заново"},
		{ExternalRequestIDRejected, "ExternalRequestIdRejected", http.StatusConflict, CategoryConflict, "Запрос с таким внешним идентификатором отвергнут, удалите его и создайте заново"},
		{RequestStatusNotNew, "RequestStatusNotNew", http.StatusConflict, CategoryConflict, "Статус запроса не New"},
		{RequestTimedOut, "RequestTimedOut", http.StatusConflict, CategoryConflict, "Срок действия запроса истёк"},
		{SystemUserAlreadyExists, "SystemUserAlreadyExists", http.StatusConflict, CategoryConflict, "Системный пользователь для этой системы и клиента уже существует"},
		{TooManyAgentAssignments, "TooManyAgentAssignments", http.StatusConflict, CategoryConflict, "Найдено несколько назначений агента"},

		{RequestNotFound, "RequestNotFound", http.StatusNotFound, CategoryNotFound, "Запрос не найден"},
		{ChangeRequestNotFound, "ChangeRequestNotFound", http.StatusNotFound, CategoryNotFound, "Запрос на изменение не найден"},
		{AgentRequestNotFound, "AgentRequestNotFound", http.StatusNotFound, CategoryNotFound, "Агентский запрос не найден"},
		{SystemNotFound, "SystemNotFound", http.StatusNotFound, CategoryNotFound, "Система не найдена в реестре"},
		{SystemUserNotFound, "SystemUserNotFound", http.StatusNotFound, CategoryNotFound, "Системный пользователь не найден"},
		{AgentAssignmentNotFound, "AgentAssignmentNotFound", http.StatusNotFound, CategoryNotFound, "Назначение агента не найдено"},
		{CustomerDelegationNotFound, "CustomerDelegationNotFound", http.StatusNotFound, CategoryNotFound, "Делегирование клиента не найдено"},
		{AccessPackageNotFound, "AccessPackageNotFound", http.StatusNotFound, CategoryNotFound, "Пакет доступа не найден"},

		{NotOwnerOfParty, "NotOwnerOfParty", http.StatusForbidden, CategoryForbidden, "Нет доступа к данным этого клиента"},
		{NotOwnerOfSystem, "NotOwnerOfSystem", http.StatusForbidden, CategoryForbidden, "Система принадлежит другому вендору"},
		{FacilitatorMismatch, "FacilitatorMismatch", http.StatusForbidden, CategoryForbidden, "Агент принадлежит другому фасилитатору"},

		{PersistenceFailure, "PersistenceFailure", http.StatusInternalServerError, CategoryPersistence, "Ошибка хранилища, повторите запрос"},
	}

	m := make(map[Kind]Descriptor, len(entries))
	for i, e := range entries {
		if _, dup := m[e.kind]; dup {
			panic(fmt.Sprintf("problem: повторное описание вида %d", e.kind))
		}
		m[e.kind] = Descriptor{
			Code:     fmt.Sprintf("SUB-%05d", i+1),
			Name:     e.name,
			Status:   e.status,
			Category: e.category,
			Title:    e.title,
		}
	}
	return m
}

var unknownDescriptor = Descriptor{
	Code:     "SUB-00000",
	Name:     "InternalError",
	Status:   http.StatusInternalServerError,
	Category: CategoryPersistence,
	Title:    "Внутренняя ошибка сервера",
}

// Describe возвращает описание вида ошибки.
func (k Kind) Describe() Descriptor {
	if d, ok := descriptors[k]; ok {
		return d
	}
	return unknownDescriptor
}

func (k Kind) String() string {
	return k.Describe().Name
}

// All возвращает копии всех описаний (для документации и тестов).
func All() map[Kind]Descriptor {
	out := make(map[Kind]Descriptor, len(descriptors))
	for k, d := range descriptors {
		out[k] = d
	}
	return out
}

// Error — ошибка бизнес-логики.
type Error struct {
	Kind Kind
	// Detail — уточнение для клиента (опционально)
	Detail string
	// Verdicts — вердикты по элементам, если ошибка вызвана проверкой делегирования
	Verdicts []model.Verdict
	// Err — исходная причина (не показывается клиенту)
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.Describe().Title
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает по виду ошибки: errors.Is(err, problem.New(problem.RequestNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New создаёт ошибку заданного вида.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf создаёт ошибку с форматированным уточнением.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap создаёт ошибку заданного вида с исходной причиной.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// WithVerdicts создаёт ошибку с вердиктами по элементам.
func WithVerdicts(kind Kind, verdicts []model.Verdict) *Error {
	return &Error{Kind: kind, Verdicts: verdicts}
}

// KindOf возвращает вид ошибки или KindUnknown, если err не *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Is — err имеет вид kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromDetail отображает код причины Authority на вид ошибки (1:1).
func FromDetail(code model.DetailCode) Kind {
	switch code {
	case model.DetailUnknownRight:
		return UnknownRight
	case model.DetailUnknownAccessPackage:
		return UnknownAccessPackage
	case model.DetailMissingRoleAccess:
		return DelegationMissingRoleAccess
	case model.DetailMissingDelegationAccess:
		return DelegationMissingDelegationAccess
	case model.DetailMissingSrrRightAccess:
		return DelegationMissingSrrRightAccess
	case model.DetailInsufficientAuthenticationLevel:
		return DelegationInsufficientAuthenticationLevel
	default:
		return DelegationUnknown
	}
}
