// Package condition evaluates routing conditions and edge expressions against
// a call's context.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dukex/callflow/pkg/models"
)

// Fields resolves dotted paths against call data.
type Fields interface {
	Lookup(path string) (any, bool)
}

// MapFields looks paths up in a nested map. A path that is not found at the
// root is retried under "fields", where extracted caller data lives.
type MapFields map[string]any

func (m MapFields) Lookup(path string) (any, bool) {
	if v, ok := lookup(m, path); ok {
		return v, true
	}

	if nested, ok := m["fields"].(map[string]any); ok {
		return lookup(nested, path)
	}

	return nil, false
}

func lookup(root map[string]any, path string) (any, bool) {
	var current any = root

	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Match reports whether a single routing condition holds. A missing field or
// a value of the wrong shape is a non-match, never an error.
func Match(cond models.RoutingCondition, fields Fields) bool {
	actual, ok := fields.Lookup(cond.Field)
	if !ok {
		return false
	}

	return compare(actual, cond.Operator, cond.Value)
}

// MatchAll reports whether every condition holds; an empty list matches.
func MatchAll(conds []models.RoutingCondition, fields Fields) bool {
	for _, c := range conds {
		if !Match(c, fields) {
			return false
		}
	}

	return true
}

func compare(actual any, op models.Operator, value string) bool {
	switch op {
	case models.OperatorEquals:
		return equals(actual, value)
	case models.OperatorContains:
		return contains(actual, value)
	case models.OperatorGreaterThan:
		a, b, ok := numericPair(actual, value)

		return ok && a > b
	case models.OperatorLessThan:
		a, b, ok := numericPair(actual, value)

		return ok && a < b
	default:
		return false
	}
}

func equals(actual any, value string) bool {
	switch v := actual.(type) {
	case nil:
		return false
	case bool:
		b, err := strconv.ParseBool(value)

		return err == nil && b == v
	case string:
		if a, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			if b, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				return a == b
			}
		}

		return v == value
	default:
		a, ok := toFloat(actual)
		if !ok {
			return false
		}

		b, err := strconv.ParseFloat(strings.TrimSpace(value), 64)

		return err == nil && a == b
	}
}

func contains(actual any, value string) bool {
	switch v := actual.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(strings.ToLower(v), strings.ToLower(value))
	case []string:
		for _, item := range v {
			if equals(item, value) {
				return true
			}
		}

		return false
	case []any:
		for _, item := range v {
			if equals(item, value) {
				return true
			}
		}

		return false
	case map[string]any:
		_, ok := v[value]

		return ok
	default:
		if _, ok := toFloat(actual); ok {
			return strings.Contains(fmt.Sprint(actual), value)
		}

		return false
	}
}

func numericPair(actual any, value string) (float64, float64, bool) {
	a, ok := toFloat(actual)
	if !ok {
		return 0, 0, false
	}

	b, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, 0, false
	}

	return a, b, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}

		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}

		return true
	}
}
