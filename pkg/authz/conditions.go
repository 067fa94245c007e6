package authz

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/archonhq/archon/pkg/grants"
)

// evalConditions reports whether every condition on a grant holds for the
// request. Conditions chain left to right: each condition after the first
// combines with the running result using its own Logic field ("and" by
// default). An empty condition list always matches.
//
// Any resolution or comparison error fails the whole evaluation rather
// than silently skipping the condition.
func evalConditions(conds []grants.Condition, req *AccessRequest) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	result := true
	for i, c := range conds {
		ok, err := evalCondition(&c, req)
		if err != nil {
			return false, fmt.Errorf("condition %d (%s): %w", i, c.Field, err)
		}
		if i == 0 {
			result = ok
			continue
		}
		if strings.EqualFold(c.Logic, "or") {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	return result, nil
}

func evalCondition(c *grants.Condition, req *AccessRequest) (bool, error) {
	actual, err := resolveField(c.Field, req)
	if err != nil {
		return false, err
	}

	switch c.Operator {
	case grants.OpEqual:
		return compareEqual(actual, c.Value, c.CaseInsensitive), nil
	case grants.OpNotEqual:
		return !compareEqual(actual, c.Value, c.CaseInsensitive), nil
	case grants.OpGreaterThan, grants.OpGreaterOrEqual, grants.OpLessThan, grants.OpLessOrEqual:
		return compareOrdered(actual, c.Value, c.Operator)
	case grants.OpIn:
		return containedIn(actual, c.Value, c.CaseInsensitive)
	case grants.OpNotIn:
		ok, err := containedIn(actual, c.Value, c.CaseInsensitive)
		return !ok, err
	case grants.OpContains:
		return containsValue(actual, c.Value, c.CaseInsensitive)
	case grants.OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("regex value must be a string, got %T", c.Value)
		}
		if c.CaseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("compile regex: %w", err)
		}
		s, ok := actual.(string)
		if !ok {
			s = fmt.Sprintf("%v", actual)
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

// resolveField maps a condition field name onto the request. Known roots
// are "subject", "resource", "action", and "env"; env.* keys look up the
// request's environment map.
func resolveField(field string, req *AccessRequest) (interface{}, error) {
	switch field {
	case "subject.id":
		return req.SubjectID, nil
	case "subject.roles":
		return req.SubjectRoles, nil
	case "subject.groups":
		return req.SubjectGroups, nil
	case "resource.type":
		return req.ResourceType, nil
	case "resource.id":
		return req.ResourceID, nil
	case "action":
		return req.Action, nil
	}
	if key, ok := strings.CutPrefix(field, "env."); ok {
		v, present := req.Environment[key]
		if !present {
			return nil, fmt.Errorf("environment attribute %q not supplied", key)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown field %q", field)
}

func compareEqual(actual, expected interface{}, caseInsensitive bool) bool {
	if as, aok := actual.(string); aok {
		if es, eok := expected.(string); eok {
			if caseInsensitive {
				return strings.EqualFold(as, es)
			}
			return as == es
		}
	}
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if aok && eok {
		return af == ef
	}
	if ab, aok := actual.(bool); aok {
		if eb, eok := expected.(bool); eok {
			return ab == eb
		}
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
}

func compareOrdered(actual, expected interface{}, op grants.ConditionOperator) (bool, error) {
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if !aok || !eok {
		return false, fmt.Errorf("operator %q requires numeric operands, got %T and %T", op, actual, expected)
	}
	switch op {
	case grants.OpGreaterThan:
		return af > ef, nil
	case grants.OpGreaterOrEqual:
		return af >= ef, nil
	case grants.OpLessThan:
		return af < ef, nil
	default:
		return af <= ef, nil
	}
}

// containedIn checks whether the actual value appears in the expected
// list. When the actual value is itself a list (subject.roles), any
// overlap counts as membership.
func containedIn(actual, expected interface{}, caseInsensitive bool) (bool, error) {
	list, err := toList(expected)
	if err != nil {
		return false, err
	}
	for _, candidate := range flatten(actual) {
		for _, item := range list {
			if compareEqual(candidate, item, caseInsensitive) {
				return true, nil
			}
		}
	}
	return false, nil
}

// containsValue checks substring containment for strings and membership
// for list-valued fields.
func containsValue(actual, expected interface{}, caseInsensitive bool) (bool, error) {
	if as, ok := actual.(string); ok {
		es, ok := expected.(string)
		if !ok {
			es = fmt.Sprintf("%v", expected)
		}
		if caseInsensitive {
			return strings.Contains(strings.ToLower(as), strings.ToLower(es)), nil
		}
		return strings.Contains(as, es), nil
	}
	for _, candidate := range flatten(actual) {
		if compareEqual(candidate, expected, caseInsensitive) {
			return true, nil
		}
	}
	return false, nil
}

func flatten(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case []int64:
		out := make([]interface{}, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []interface{}{v}
	}
}

func toList(v interface{}) ([]interface{}, error) {
	switch t := v.(type) {
	case []interface{}:
		return t, nil
	case []string:
		return flatten(t), nil
	case []int64:
		return flatten(t), nil
	default:
		return nil, fmt.Errorf("expected a list value, got %T", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
