package model

// DetailCode — причина, по которой Authority не разрешает делегирование.
type DetailCode string

const (
	DetailUnknownRight                    DetailCode = "UnknownRight"
	DetailUnknownAccessPackage            DetailCode = "UnknownAccessPackage"
	DetailMissingRoleAccess               DetailCode = "MissingRoleAccess"
	DetailMissingDelegationAccess         DetailCode = "MissingDelegationAccess"
	DetailMissingSrrRightAccess           DetailCode = "MissingSrrRightAccess"
	DetailInsufficientAuthenticationLevel DetailCode = "InsufficientAuthenticationLevel"
	DetailUnknown                         DetailCode = "Unknown"
)

// Verdict — решение по одному элементу запроса.
//
// Reasons == nil означает «не определено» (Authority не ответила),
// непустой или пустой срез — определённый ответ.
type Verdict struct {
	Right         *Right         `json:"right,omitempty"`
	AccessPackage *AccessPackage `json:"access_package,omitempty"`
	Allowed       bool           `json:"allowed"`
	Reasons       []DetailCode   `json:"reasons"`
}

// Undetermined — Authority не дала ответа по элементу.
func (v Verdict) Undetermined() bool {
	return !v.Allowed && v.Reasons == nil
}

// ValidationResult — результат проверки делегируемости набора элементов.
type ValidationResult struct {
	AllowedRights         []Right
	AllowedAccessPackages []AccessPackage
	Verdicts              []Verdict
	// CanDelegate — все элементы есть в каталоге и делегируемы
	CanDelegate bool
}

// Undetermined — хотя бы по одному элементу ответ не получен.
func (r *ValidationResult) Undetermined() bool {
	for _, v := range r.Verdicts {
		if v.Undetermined() {
			return true
		}
	}
	return false
}

// Rejected возвращает вердикты с отказом.
func (r *ValidationResult) Rejected() []Verdict {
	var out []Verdict
	for _, v := range r.Verdicts {
		if !v.Allowed {
			out = append(out, v)
		}
	}
	return out
}

// FirstReason возвращает первую причину отказа среди определённых вердиктов.
func (r *ValidationResult) FirstReason() (DetailCode, bool) {
	for _, v := range r.Verdicts {
		if !v.Allowed && len(v.Reasons) > 0 {
			return v.Reasons[0], true
		}
	}
	return "", false
}
