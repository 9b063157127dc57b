package privacykit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/privacykit/privacykit/pkg/privacykit"
)

func filterRecords() []privacykit.Record {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []privacykit.Record{
		{"id": "a", "status": "active", "amount": 10, "createdAt": base},
		{"id": "b", "status": "active", "amount": 25.5, "createdAt": base.Add(time.Hour)},
		{"id": "c", "status": "closed", "amount": 40, "createdAt": base.Add(2 * time.Hour)},
		{"id": "d", "status": "closed", "amount": 5, "createdAt": base.Add(3 * time.Hour)},
	}
}

func ids(recs []privacykit.Record) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.ID()
	}
	return out
}

func TestFilterEquality(t *testing.T) {
	f := &privacykit.Filter{Where: map[string]any{"status": "active"}}
	got := f.Apply(filterRecords())
	assert.ElementsMatch(t, []string{"a", "b"}, ids(got))
}

func TestFilterRangeOperators(t *testing.T) {
	tests := []struct {
		name  string
		where map[string]any
		want  []string
	}{
		{"gte", map[string]any{"amount": map[string]any{privacykit.OpGTE: 25.5}}, []string{"b", "c"}},
		{"gt", map[string]any{"amount": map[string]any{privacykit.OpGT: 25.5}}, []string{"c"}},
		{"lte", map[string]any{"amount": map[string]any{privacykit.OpLTE: 10}}, []string{"a", "d"}},
		{"lt", map[string]any{"amount": map[string]any{privacykit.OpLT: 10}}, []string{"d"}},
		{"range", map[string]any{"amount": map[string]any{
			privacykit.OpGT: 5, privacykit.OpLT: 40,
		}}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &privacykit.Filter{Where: tt.where}
			assert.ElementsMatch(t, tt.want, ids(f.Apply(filterRecords())))
		})
	}
}

func TestFilterTimeComparison(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &privacykit.Filter{Where: map[string]any{
		"createdAt": map[string]any{privacykit.OpGTE: base.Add(2 * time.Hour)},
	}}
	assert.ElementsMatch(t, []string{"c", "d"}, ids(f.Apply(filterRecords())))

	// RFC3339 strings compare as instants too
	f = &privacykit.Filter{Where: map[string]any{
		"createdAt": map[string]any{privacykit.OpLT: base.Add(time.Hour).Format(time.RFC3339Nano)},
	}}
	assert.ElementsMatch(t, []string{"a"}, ids(f.Apply(filterRecords())))
}

func TestFilterIn(t *testing.T) {
	f := &privacykit.Filter{Where: map[string]any{
		"id": map[string]any{privacykit.OpIn: []string{"a", "d", "zzz"}},
	}}
	assert.ElementsMatch(t, []string{"a", "d"}, ids(f.Apply(filterRecords())))
}

func TestFilterOr(t *testing.T) {
	f := &privacykit.Filter{Where: map[string]any{
		privacykit.OpOr: []map[string]any{
			{"status": "closed"},
			{"amount": map[string]any{privacykit.OpLTE: 10}},
		},
	}}
	assert.ElementsMatch(t, []string{"a", "c", "d"}, ids(f.Apply(filterRecords())))

	// same clause with []any alternatives, as produced by JSON decoding
	f = &privacykit.Filter{Where: map[string]any{
		privacykit.OpOr: []any{
			map[string]any{"status": "closed"},
			map[string]any{"amount": map[string]any{privacykit.OpLTE: 10}},
		},
	}}
	assert.ElementsMatch(t, []string{"a", "c", "d"}, ids(f.Apply(filterRecords())))
}

func TestFilterMissingFieldFailsRangePredicates(t *testing.T) {
	f := &privacykit.Filter{Where: map[string]any{
		"missing": map[string]any{privacykit.OpGTE: 0},
	}}
	assert.Empty(t, f.Apply(filterRecords()))
}

func TestFilterOrderAndLimit(t *testing.T) {
	f := &privacykit.Filter{
		OrderBy: []privacykit.OrderBy{{Field: "amount", Direction: "desc"}},
		Limit:   2,
	}
	got := f.Apply(filterRecords())
	assert.Equal(t, []string{"c", "b"}, ids(got))

	f = &privacykit.Filter{
		OrderBy: []privacykit.OrderBy{
			{Field: "status"},
			{Field: "amount", Direction: "desc"},
		},
	}
	got = f.Apply(filterRecords())
	assert.Equal(t, []string{"b", "a", "c", "d"}, ids(got))
}

func TestFilterNilMatchesEverything(t *testing.T) {
	var f *privacykit.Filter
	assert.Len(t, f.Apply(filterRecords()), 4)
	assert.True(t, f.Matches(privacykit.Record{"id": "x"}))
}
