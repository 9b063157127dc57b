package privacykit

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Predicate operators understood by Filter.Where values.
const (
	OpGTE = "$gte"
	OpLTE = "$lte"
	OpLT  = "$lt"
	OpGT  = "$gt"
	OpIn  = "$in"
	OpOr  = "$or"
)

// OrderBy describes one sort key of a query.
type OrderBy struct {
	Field     string
	Direction string // "asc" (default) or "desc"
}

// Filter is the query shape consumed by StorageBackend.Query.
//
// Where maps field names to either a literal (equality) or an operator map
// such as {"$gte": t}. The special key "$or" holds a slice of alternative
// Where maps, any one of which may match.
type Filter struct {
	Where   map[string]any
	OrderBy []OrderBy
	Limit   int
}

// Matches evaluates the filter's Where clause against a record. Backends
// without native query support (memory, tests) delegate to it.
func (f *Filter) Matches(rec Record) bool {
	if f == nil || len(f.Where) == 0 {
		return true
	}
	return matchWhere(f.Where, rec)
}

// Apply filters, orders and limits records in memory.
func (f *Filter) Apply(recs []Record) []Record {
	if f == nil {
		return recs
	}
	var out []Record
	for _, rec := range recs {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	for i := len(f.OrderBy) - 1; i >= 0; i-- {
		ob := f.OrderBy[i]
		desc := strings.EqualFold(ob.Direction, "desc")
		sort.SliceStable(out, func(a, b int) bool {
			cmp := compareValues(out[a][ob.Field], out[b][ob.Field])
			if desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func matchWhere(where map[string]any, rec Record) bool {
	for field, cond := range where {
		if field == OpOr {
			if !matchOr(cond, rec) {
				return false
			}
			continue
		}
		if !matchField(rec[field], cond) {
			return false
		}
	}
	return true
}

func matchOr(cond any, rec Record) bool {
	switch alts := cond.(type) {
	case []map[string]any:
		for _, alt := range alts {
			if matchWhere(alt, rec) {
				return true
			}
		}
	case []any:
		for _, alt := range alts {
			if m, ok := alt.(map[string]any); ok && matchWhere(m, rec) {
				return true
			}
		}
	}
	return false
}

func matchField(value, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok {
		return compareValues(value, cond) == 0
	}
	for op, operand := range ops {
		switch op {
		case OpGTE:
			if value == nil || compareValues(value, operand) < 0 {
				return false
			}
		case OpGT:
			if value == nil || compareValues(value, operand) <= 0 {
				return false
			}
		case OpLTE:
			if value == nil || compareValues(value, operand) > 0 {
				return false
			}
		case OpLT:
			if value == nil || compareValues(value, operand) >= 0 {
				return false
			}
		case OpIn:
			if !containsValue(operand, value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func containsValue(list, value any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if compareValues(value, rv.Index(i).Interface()) == 0 {
			return true
		}
	}
	return false
}

// compareValues orders two loosely typed values. Times compare as instants,
// numbers numerically across int/float kinds, everything else by string form.
func compareValues(a, b any) int {
	if at, ok := asTime(a); ok {
		if bt, ok := asTime(b); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
