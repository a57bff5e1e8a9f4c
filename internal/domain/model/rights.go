// Пакет model — доменные модели брокера системных пользователей.
package model

import (
	"sort"
	"strings"
)

// AttributePair — пара атрибутов для сопоставления ресурса (например,
// urn:altinn:resource = app_org_appname).
type AttributePair struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Right — право на действие над ресурсом.
type Right struct {
	// Action — действие (read, write, ...), может отсутствовать
	Action string `json:"action,omitempty"`
	// Resource — набор атрибутов ресурса, порядок не важен
	Resource []AttributePair `json:"resource"`
}

// Key возвращает каноническое представление права: действие и
// отсортированные пары атрибутов в нижнем регистре.
// Два права с одинаковым Key считаются одним и тем же правом.
func (r Right) Key() string {
	pairs := make([]string, 0, len(r.Resource))
	for _, p := range r.Resource {
		pairs = append(pairs, strings.ToLower(strings.TrimSpace(p.ID))+"="+strings.ToLower(strings.TrimSpace(p.Value)))
	}
	sort.Strings(pairs)
	return strings.ToLower(strings.TrimSpace(r.Action)) + "|" + strings.Join(pairs, ";")
}

// IsEmpty — у права нет идентичности (ни действия, ни ресурса).
func (r Right) IsEmpty() bool {
	if strings.TrimSpace(r.Action) != "" {
		return false
	}
	for _, p := range r.Resource {
		if strings.TrimSpace(p.ID) != "" || strings.TrimSpace(p.Value) != "" {
			return false
		}
	}
	return true
}

// Equal — структурное равенство без учёта порядка атрибутов.
func (r Right) Equal(other Right) bool {
	return r.Key() == other.Key()
}

// AccessPackage — пакет доступа, более крупная единица, чем Right.
type AccessPackage struct {
	URN string `json:"urn"`
}

// Key возвращает каноническое представление пакета.
func (p AccessPackage) Key() string {
	return strings.ToLower(strings.TrimSpace(p.URN))
}

// IsEmpty — у пакета нет URN.
func (p AccessPackage) IsEmpty() bool {
	return strings.TrimSpace(p.URN) == ""
}

// UnionRights объединяет наборы прав без дублей, сохраняя порядок.
func UnionRights(base []Right, add []Right) []Right {
	seen := make(map[string]bool, len(base)+len(add))
	result := make([]Right, 0, len(base)+len(add))
	for _, set := range [][]Right{base, add} {
		for _, r := range set {
			if seen[r.Key()] {
				continue
			}
			seen[r.Key()] = true
			result = append(result, r)
		}
	}
	return result
}

// SubtractRights возвращает base без прав из remove.
func SubtractRights(base []Right, remove []Right) []Right {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[r.Key()] = true
	}
	result := make([]Right, 0, len(base))
	for _, r := range base {
		if !drop[r.Key()] {
			result = append(result, r)
		}
	}
	return result
}

// UnionPackages объединяет наборы пакетов без дублей.
func UnionPackages(base []AccessPackage, add []AccessPackage) []AccessPackage {
	seen := make(map[string]bool, len(base)+len(add))
	result := make([]AccessPackage, 0, len(base)+len(add))
	for _, set := range [][]AccessPackage{base, add} {
		for _, p := range set {
			if seen[p.Key()] {
				continue
			}
			seen[p.Key()] = true
			result = append(result, p)
		}
	}
	return result
}

// SubtractPackages возвращает base без пакетов из remove.
func SubtractPackages(base []AccessPackage, remove []AccessPackage) []AccessPackage {
	drop := make(map[string]bool, len(remove))
	for _, p := range remove {
		drop[p.Key()] = true
	}
	result := make([]AccessPackage, 0, len(base))
	for _, p := range base {
		if !drop[p.Key()] {
			result = append(result, p)
		}
	}
	return result
}
