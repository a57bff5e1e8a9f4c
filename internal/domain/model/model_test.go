package model

import (
	"testing"
	"time"
)

func TestRightKey_OrderInsensitive(t *testing.T) {
	a := Right{Action: "read", Resource: []AttributePair{
		{ID: "urn:altinn:resource", Value: "app_org_appname"},
		{ID: "urn:altinn:org", Value: "ttd"},
	}}
	b := Right{Action: "READ", Resource: []AttributePair{
		{ID: "urn:altinn:org", Value: "TTD"},
		{ID: "urn:altinn:resource", Value: "app_org_appname"},
	}}
	if !a.Equal(b) {
		t.Errorf("ожидалось равенство прав: %q != %q", a.Key(), b.Key())
	}

	c := Right{Action: "write", Resource: a.Resource}
	if a.Equal(c) {
		t.Error("права с разными действиями не должны совпадать")
	}
}

func TestRightIsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		right Right
		want  bool
	}{
		{"пустое", Right{}, true},
		{"пробелы", Right{Action: " ", Resource: []AttributePair{{}}}, true},
		{"только действие", Right{Action: "read"}, false},
		{"только ресурс", Right{Resource: []AttributePair{{ID: "urn:altinn:resource", Value: "x"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.right.IsEmpty(); got != tt.want {
				t.Errorf("IsEmpty() = %v, ожидается %v", got, tt.want)
			}
		})
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	timeout := 10 * 24 * time.Hour

	tests := []struct {
		name    string
		stored  RequestStatus
		created time.Time
		want    RequestStatus
	}{
		{"свежий New", StatusNew, now.Add(-time.Hour), StatusNew},
		{"старый New", StatusNew, now.Add(-11 * 24 * time.Hour), StatusTimedout},
		{"ровно на границе", StatusNew, now.Add(-timeout), StatusNew},
		{"старый Accepted", StatusAccepted, now.Add(-30 * 24 * time.Hour), StatusAccepted},
		{"старый Rejected", StatusRejected, now.Add(-30 * 24 * time.Hour), StatusRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveStatus(tt.stored, tt.created, now, timeout); got != tt.want {
				t.Errorf("EffectiveStatus() = %s, ожидается %s", got, tt.want)
			}
		})
	}
}

func TestRequestProject_DoesNotMutate(t *testing.T) {
	now := time.Now()
	r := &Request{Status: StatusNew, Created: now.Add(-20 * 24 * time.Hour), LastChanged: now.Add(-20 * 24 * time.Hour)}
	p := r.Project(now, 10*24*time.Hour)

	if p.Status != StatusTimedout {
		t.Errorf("проекция: статус %s, ожидается Timedout", p.Status)
	}
	if r.Status != StatusNew {
		t.Errorf("исходный запрос изменён: статус %s", r.Status)
	}
	if !p.LastChanged.Equal(r.LastChanged) || p.IsDeleted {
		t.Error("проекция не должна менять LastChanged и IsDeleted")
	}
}

func TestVerdictUndetermined(t *testing.T) {
	undetermined := Verdict{Allowed: false, Reasons: nil}
	denied := Verdict{Allowed: false, Reasons: []DetailCode{}}

	if !undetermined.Undetermined() {
		t.Error("Reasons == nil должно означать «не определено»")
	}
	if denied.Undetermined() {
		t.Error("Reasons == [] — определённый ответ, не «не определено»")
	}
}

func TestUnionSubtractRights(t *testing.T) {
	r1 := Right{Action: "read", Resource: []AttributePair{{ID: "urn:altinn:resource", Value: "a"}}}
	r2 := Right{Action: "read", Resource: []AttributePair{{ID: "urn:altinn:resource", Value: "b"}}}
	r3 := Right{Action: "read", Resource: []AttributePair{{ID: "urn:altinn:resource", Value: "c"}}}

	got := SubtractRights(UnionRights([]Right{r1, r2}, []Right{r2, r3}), []Right{r1})
	if len(got) != 2 || !got[0].Equal(r2) || !got[1].Equal(r3) {
		t.Errorf("получено %v, ожидается [r2 r3]", got)
	}

	pk := SubtractPackages(
		UnionPackages([]AccessPackage{{URN: "urn:a"}}, []AccessPackage{{URN: "URN:A"}, {URN: "urn:b"}}),
		[]AccessPackage{{URN: "urn:b"}},
	)
	if len(pk) != 1 || pk[0].URN != "urn:a" {
		t.Errorf("получено %v, ожидается [urn:a]", pk)
	}
}
