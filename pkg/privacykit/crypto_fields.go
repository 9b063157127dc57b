package privacykit

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Condition operators for pattern rules.
const (
	CondEquals     = "equals"
	CondContains   = "contains"
	CondStartsWith = "startsWith"
	CondExists     = "exists"
)

// FieldCondition is an entity predicate gating a pattern rule.
type FieldCondition struct {
	Field string
	Op    string // equals | contains | startsWith | exists
	Value string
}

func (c *FieldCondition) matches(rec Record) bool {
	value, present := rec[c.Field]
	switch c.Op {
	case CondExists:
		return present
	case CondEquals:
		return present && stringify(value) == c.Value
	case CondContains:
		return present && strings.Contains(stringify(value), c.Value)
	case CondStartsWith:
		return present && strings.HasPrefix(stringify(value), c.Value)
	}
	return false
}

// PatternRule selects fields to encrypt on tables matching a glob pattern,
// optionally gated by an entity predicate.
type PatternRule struct {
	TablePattern string
	Fields       []string
	When         *FieldCondition
}

// alwaysEncryptFields are encrypted on any table whenever present, regardless
// of configuration.
var alwaysEncryptFields = []string{
	"ssn",
	"socialSecurityNumber",
	"cardNumber",
	"bankAccount",
	"taxId",
}

// fieldsFor unions the encrypted-field sources for one record: static
// per-table configuration, pattern rules, the injected data-element registry,
// and the fixed always-encrypt set.
func (e *EncryptionService) fieldsFor(table string, rec Record) []string {
	set := make(map[string]struct{})

	e.mu.Lock()
	static := e.cfg.EncryptedFields[table]
	e.mu.Unlock()
	for _, f := range static {
		set[f] = struct{}{}
	}

	for _, rule := range e.rules {
		if ok, _ := path.Match(rule.TablePattern, table); !ok {
			continue
		}
		if rule.When != nil && !rule.When.matches(rec) {
			continue
		}
		for _, f := range rule.Fields {
			set[f] = struct{}{}
		}
	}

	if e.registry != nil {
		for _, f := range e.registry.SensitiveFields(table) {
			set[f] = struct{}{}
		}
	}

	for _, f := range alwaysEncryptFields {
		if _, present := rec[f]; present {
			set[f] = struct{}{}
		}
	}

	if len(set) == 0 {
		return nil
	}
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
