package automation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"taskpilot/internal/domain"
)

var knownOps = map[string]bool{
	"eq": true, "neq": true, "in": true, "not_in": true, "exists": true, "not_exists": true,
	"contains": true, "gt": true, "gte": true, "lt": true, "lte": true,
}

// ValidateCondition checks the shape of a rule predicate before it is stored.
func ValidateCondition(c *domain.Condition) error {
	if c.Empty() {
		return nil
	}
	for _, group := range [][]domain.Clause{c.All, c.Any, c.None} {
		for _, cl := range group {
			if strings.TrimSpace(cl.Field) == "" {
				return fmt.Errorf("condition field required")
			}
			if !knownOps[cl.Op] {
				return fmt.Errorf("condition op %q is not supported", cl.Op)
			}
			if (cl.Op == "in" || cl.Op == "not_in") && !isList(cl.Value) {
				return fmt.Errorf("condition %s %s needs a list value", cl.Field, cl.Op)
			}
		}
	}
	return nil
}

// Match evaluates c against payload. Absent conditions always match.
// All clauses must hold, at least one Any clause must hold when Any is set,
// and no None clause may hold.
func Match(c *domain.Condition, payload map[string]any) (bool, error) {
	if c.Empty() {
		return true, nil
	}
	for _, cl := range c.All {
		ok, err := evalClause(cl, payload)
		if err != nil || !ok {
			return false, err
		}
	}
	if len(c.Any) > 0 {
		matched := false
		for _, cl := range c.Any {
			ok, err := evalClause(cl, payload)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	for _, cl := range c.None {
		ok, err := evalClause(cl, payload)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(cl domain.Clause, payload map[string]any) (bool, error) {
	actual, present := Lookup(payload, cl.Field)
	switch cl.Op {
	case "exists":
		return present && actual != nil, nil
	case "not_exists":
		return !present || actual == nil, nil
	case "eq":
		return present && equal(actual, cl.Value), nil
	case "neq":
		return !present || !equal(actual, cl.Value), nil
	case "in", "not_in":
		list, ok := toList(cl.Value)
		if !ok {
			return false, fmt.Errorf("condition %s %s needs a list value", cl.Field, cl.Op)
		}
		found := false
		if present {
			for _, v := range list {
				if equal(actual, v) {
					found = true
					break
				}
			}
		}
		if cl.Op == "in" {
			return found, nil
		}
		return !found, nil
	case "contains":
		if !present {
			return false, nil
		}
		if s, ok := actual.(string); ok {
			return strings.Contains(s, fmt.Sprint(cl.Value)), nil
		}
		if list, ok := toList(actual); ok {
			for _, v := range list {
				if equal(v, cl.Value) {
					return true, nil
				}
			}
		}
		return false, nil
	case "gt", "gte", "lt", "lte":
		if !present {
			return false, nil
		}
		a, okA := toFloat(actual)
		b, okB := toFloat(cl.Value)
		if !okA || !okB {
			return false, nil
		}
		switch cl.Op {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("condition op %q is not supported", cl.Op)
}

// Lookup resolves a dotted path such as "task.status" in a payload.
func Lookup(payload map[string]any, path string) (any, bool) {
	if v, ok := payload[path]; ok {
		return v, true
	}
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	return reflect.DeepEqual(a, b)
}

func isList(v any) bool {
	_, ok := toList(v)
	return ok
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toInt reads an integer from config values decoded from JSON or YAML.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}
