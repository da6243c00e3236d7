package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridianfin/meridian/internal/value"
)

// EvaluatePredicate runs one named predicate against a context view.
// The same predicates back VALIDATION step checks and per-step
// validation rules. It returns pass/fail plus a human readable detail
// for the failure case.
//
// Supported predicates:
//
//	required     params: keys []string         every key present
//	non_empty    params: key                   string/list/map non-empty
//	range        params: key, min?, max?       numeric bounds, inclusive
//	equals       params: key, value            deep equality
//	weights_sum  params: key, target? (def 1)  map values sum to target
func EvaluatePredicate(predicate string, params map[string]interface{}, data value.Map) (bool, string) {
	switch predicate {
	case "required":
		keys, err := paramStrings(params, "keys")
		if err != nil {
			return false, err.Error()
		}
		for _, key := range keys {
			if _, ok := data[key]; !ok {
				return false, fmt.Sprintf("key %q is missing", key)
			}
		}
		return true, ""

	case "non_empty":
		key, err := paramString(params, "key")
		if err != nil {
			return false, err.Error()
		}
		v, ok := data[key]
		if !ok {
			return false, fmt.Sprintf("key %q is missing", key)
		}
		switch v.Kind() {
		case value.KindString:
			s, _ := v.String()
			if s == "" {
				return false, fmt.Sprintf("key %q is empty", key)
			}
		case value.KindList:
			list, _ := v.List()
			if len(list) == 0 {
				return false, fmt.Sprintf("key %q is empty", key)
			}
		case value.KindMap:
			m, _ := v.Map()
			if len(m) == 0 {
				return false, fmt.Sprintf("key %q is empty", key)
			}
		}
		return true, ""

	case "range":
		key, err := paramString(params, "key")
		if err != nil {
			return false, err.Error()
		}
		v, ok := data[key]
		if !ok {
			return false, fmt.Sprintf("key %q is missing", key)
		}
		n, ok := v.Number()
		if !ok {
			return false, fmt.Sprintf("key %q is not numeric", key)
		}
		if min, ok, err := paramDecimal(params, "min"); err != nil {
			return false, err.Error()
		} else if ok && n.LessThan(min) {
			return false, fmt.Sprintf("%s is below minimum %s", n, min)
		}
		if max, ok, err := paramDecimal(params, "max"); err != nil {
			return false, err.Error()
		} else if ok && n.GreaterThan(max) {
			return false, fmt.Sprintf("%s is above maximum %s", n, max)
		}
		return true, ""

	case "equals":
		key, err := paramString(params, "key")
		if err != nil {
			return false, err.Error()
		}
		v, ok := data[key]
		if !ok {
			return false, fmt.Sprintf("key %q is missing", key)
		}
		want, err := value.FromInterface(params["value"])
		if err != nil {
			return false, fmt.Sprintf("invalid comparison value: %v", err)
		}
		if !v.Equal(want) {
			return false, fmt.Sprintf("key %q is %s, expected %s", key, v.Render(), want.Render())
		}
		return true, ""

	case "weights_sum":
		key, err := paramString(params, "key")
		if err != nil {
			return false, err.Error()
		}
		v, ok := data[key]
		if !ok {
			return false, fmt.Sprintf("key %q is missing", key)
		}
		weights, ok := v.Map()
		if !ok {
			return false, fmt.Sprintf("key %q is not a map", key)
		}
		target := decimal.NewFromInt(1)
		if t, ok, err := paramDecimal(params, "target"); err != nil {
			return false, err.Error()
		} else if ok {
			target = t
		}
		values := make([]value.Value, 0, len(weights))
		for _, w := range weights {
			values = append(values, w)
		}
		if !value.SumWithinTolerance(values, target) {
			return false, fmt.Sprintf("weights under %q do not sum to %s", key, target)
		}
		return true, ""

	default:
		return false, fmt.Sprintf("unknown predicate %q", predicate)
	}
}

func paramString(params map[string]interface{}, name string) (string, error) {
	raw, ok := params[name]
	if !ok {
		return "", fmt.Errorf("predicate param %q is required", name)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("predicate param %q must be a non-empty string", name)
	}
	return s, nil
}

func paramStrings(params map[string]interface{}, name string) ([]string, error) {
	raw, ok := params[name]
	if !ok {
		return nil, fmt.Errorf("predicate param %q is required", name)
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("predicate param %q must be a list of strings", name)
	}
	out := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("predicate param %q must be a list of strings", name)
		}
		out[i] = s
	}
	return out, nil
}

func paramDecimal(params map[string]interface{}, name string) (decimal.Decimal, bool, error) {
	raw, ok := params[name]
	if !ok {
		return decimal.Decimal{}, false, nil
	}
	v, err := value.FromInterface(raw)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("predicate param %q: %v", name, err)
	}
	n, ok := v.Number()
	if !ok {
		return decimal.Decimal{}, false, fmt.Errorf("predicate param %q must be numeric", name)
	}
	return n, true, nil
}
