// Пакет authority — HTTP-клиент к Authorization Authority.
// models.go — модели данных API Authority.
package authority

import "github.com/bigkaa/sysuser-broker/internal/domain/model"

// TokenResponse — ответ на запрос токена через Client Credentials flow.
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Статусы элемента в ответе delegationcheck.
const (
	StatusDelegable    = "Delegable"
	StatusNotDelegable = "NotDelegable"
)

// Статусы элемента в ответе на делегирование.
const (
	StatusDelegated = "Delegated"
	StatusFailed    = "Failed"
)

// CheckRequest — пакетная проверка делегируемости.
type CheckRequest struct {
	// PartyID — клиент (или фасилитатор для агентского контекста)
	PartyID        string                `json:"party_id"`
	PartyOrgNo     string                `json:"party_org_no"`
	SystemID       string                `json:"system_id"`
	Agent          bool                  `json:"agent,omitempty"`
	Rights         []model.Right         `json:"rights,omitempty"`
	AccessPackages []model.AccessPackage `json:"access_packages,omitempty"`
}

// Detail — причина отказа.
type Detail struct {
	Code        model.DetailCode `json:"code"`
	Description string           `json:"description,omitempty"`
}

// CheckResult — решение Authority по одному элементу. Элемент идентифицируется
// эхом права или пакета из запроса.
type CheckResult struct {
	Right         *model.Right         `json:"right,omitempty"`
	AccessPackage *model.AccessPackage `json:"access_package,omitempty"`
	Status        string               `json:"status"`
	Details       []Detail             `json:"details"`
}

// DelegateRequest — делегирование (или отзыв) прав и пакетов системному пользователю.
type DelegateRequest struct {
	PartyID        string                `json:"party_id"`
	SystemUserID   string                `json:"system_user_id"`
	Rights         []model.Right         `json:"rights,omitempty"`
	AccessPackages []model.AccessPackage `json:"access_packages,omitempty"`
}

// ItemResult — результат делегирования одного элемента.
type ItemResult struct {
	Right         *model.Right         `json:"right,omitempty"`
	AccessPackage *model.AccessPackage `json:"access_package,omitempty"`
	Status        string               `json:"status"`
	Details       []Detail             `json:"details,omitempty"`
}

// DelegateResponse — ответ на делегирование.
type DelegateResponse struct {
	Rights         []ItemResult `json:"rights"`
	AccessPackages []ItemResult `json:"access_packages"`
}

// Area — область пакетов доступа.
type Area struct {
	ID   string `json:"id"`
	URN  string `json:"urn"`
	Name string `json:"name"`
}

// AccessPackageInfo — описание пакета доступа.
type AccessPackageInfo struct {
	ID   string `json:"id"`
	URN  string `json:"urn"`
	Name string `json:"name"`
	Area Area   `json:"area"`
}

// AgentDelegationRequest — делегирование пакета клиента агентскому системному пользователю.
type AgentDelegationRequest struct {
	AgentSystemUserID string `json:"agent_system_user_id"`
	CustomerID        string `json:"customer_id"`
	Role              string `json:"role"`
	PackageURN        string `json:"package_urn"`
}

// AgentDelegationResponse — ответ на агентское делегирование.
type AgentDelegationResponse struct {
	DelegationID string `json:"delegation_id"`
	AssignmentID string `json:"assignment_id"`
}

// problemBody — тело ошибки Authority (problem details).
type problemBody struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}
