package core

import (
	"fmt"
	"strconv"
	"strings"
)

// FilterResult is the outcome of evaluating a rule list against one lead's
// attribute map. All rules are AND-combined: Pass is true only when every
// rule passed. FailedFields names the field key of each failing rule so
// skip reasons can be audited.
type FilterResult struct {
	Pass         bool     `json:"pass"`
	FailedFields []string `json:"failed_fields,omitempty"`
}

// EvaluateFieldFilters evaluates field-filter rules against a lead attribute
// map. It is a pure function: no I/O, no shared state.
//
// A missing lead value passes only NOT_EQUALS (against a non-null rule value)
// and NOT_IN, and fails every other operator. An unknown operator fails
// closed rather than being skipped: these rules gate monetary decisions, so
// an operator the evaluator does not recognize must never pass a lead.
func EvaluateFieldFilters(attributes map[string]any, rules []FieldFilterRule) FilterResult {
	result := FilterResult{Pass: true}

	for _, rule := range rules {
		if !evaluateRule(attributes, rule) {
			result.Pass = false
			result.FailedFields = append(result.FailedFields, rule.Field)
		}
	}

	return result
}

func evaluateRule(attributes map[string]any, rule FieldFilterRule) bool {
	leadValue, present := attributes[rule.Field]
	if leadValue == nil {
		present = false
	}

	if !present {
		switch rule.Operator {
		case OpNotEquals:
			return rule.Value != nil
		case OpNotIn:
			return true
		default:
			return false
		}
	}

	switch rule.Operator {
	case OpEquals:
		return looseEqual(leadValue, rule.Value)
	case OpNotEquals:
		return !looseEqual(leadValue, rule.Value)
	case OpIn:
		return inList(leadValue, rule.Value)
	case OpNotIn:
		return !inList(leadValue, rule.Value)
	case OpGT:
		return compareNumeric(leadValue, rule.Value, func(a, b float64) bool { return a > b })
	case OpGTE:
		return compareNumeric(leadValue, rule.Value, func(a, b float64) bool { return a >= b })
	case OpLT:
		return compareNumeric(leadValue, rule.Value, func(a, b float64) bool { return a < b })
	case OpLTE:
		return compareNumeric(leadValue, rule.Value, func(a, b float64) bool { return a <= b })
	case OpBetween:
		return betweenInclusive(leadValue, rule.Value)
	case OpContains:
		return strings.Contains(lowerString(leadValue), lowerString(rule.Value))
	case OpStartsWith:
		return strings.HasPrefix(lowerString(leadValue), lowerString(rule.Value))
	default:
		// Fail closed on unknown operators.
		return false
	}
}

// looseEqual compares numerically when both sides coerce to numbers, and by
// string representation otherwise, so {"bedrooms": 3} matches a rule value
// of "3" regardless of how the rule value was encoded.
func looseEqual(a, b any) bool {
	aNum, aOK := toNumber(a)
	bNum, bOK := toNumber(b)
	if aOK && bOK {
		return aNum == bNum
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func inList(leadValue, ruleValue any) bool {
	list, ok := toList(ruleValue)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(leadValue, item) {
			return true
		}
	}
	return false
}

func compareNumeric(leadValue, ruleValue any, cmp func(a, b float64) bool) bool {
	a, aOK := toNumber(leadValue)
	b, bOK := toNumber(ruleValue)
	if !aOK || !bOK {
		return false
	}
	return cmp(a, b)
}

// betweenInclusive checks a 2-element inclusive [low, high] range.
func betweenInclusive(leadValue, ruleValue any) bool {
	bounds, ok := toList(ruleValue)
	if !ok || len(bounds) != 2 {
		return false
	}
	v, vOK := toNumber(leadValue)
	low, lowOK := toNumber(bounds[0])
	high, highOK := toNumber(bounds[1])
	if !vOK || !lowOK || !highOK {
		return false
	}
	return v >= low && v <= high
}

func toNumber(v any) (float64, bool) {
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
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(list))
		for i, f := range list {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}

func lowerString(v any) string {
	return strings.ToLower(fmt.Sprint(v))
}
