package model

// RolePackages — заявленное фасилитатором соответствие: роль → пакеты,
// которые эта роль даёт право делегировать.
type RolePackages map[string][]string

// AgentDelegationUnit — одна единица агентского делегирования.
type AgentDelegationUnit struct {
	CustomerID string `json:"customer_id"`
	Role       string `json:"role"`
	PackageURN string `json:"package_urn"`
}

// AgentDelegationResult — итог делегирования одной единицы.
type AgentDelegationResult struct {
	Unit         AgentDelegationUnit
	DelegationID string
	Err          error
}

// Customer — клиент фасилитатора.
type Customer struct {
	ID       string   `json:"id"`
	OrgNo    string   `json:"org_no"`
	Name     string   `json:"name"`
	Packages []string `json:"access_packages"`
}

// ClientDelegation — действующее делегирование клиента агенту.
type ClientDelegation struct {
	DelegationID string `json:"delegation_id"`
	CustomerID   string `json:"customer_id"`
	AssignmentID string `json:"assignment_id"`
}
