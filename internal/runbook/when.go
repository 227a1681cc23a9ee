// Package runbook implements templated step sequences: when-clause
// evaluation, foreach expansion and dispatch through the tool executor.
package runbook

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/template"
	"github.com/opsgate/opsgate/internal/validation"
)

// EvalWhen evaluates a when-clause against the step context. A clause is a
// boolean literal or a small algebra object.
func EvalWhen(cond interface{}, ctx map[string]interface{}) (bool, error) {
	switch c := cond.(type) {
	case nil:
		return true, nil
	case bool:
		return c, nil
	case map[string]interface{}:
		return evalClause(c, ctx)
	default:
		return false, errors.InvalidParams("when must be a boolean or clause object")
	}
}

func evalClause(clause map[string]interface{}, ctx map[string]interface{}) (bool, error) {
	if list, ok := validation.OptArr(clause, "and"); ok {
		for _, sub := range list {
			ok, err := EvalWhen(sub, ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if list, ok := validation.OptArr(clause, "or"); ok {
		for _, sub := range list {
			ok, err := EvalWhen(sub, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if sub, present := clause["not"]; present {
		ok, err := EvalWhen(sub, ctx)
		return !ok, err
	}

	if path, ok := validation.OptStr(clause, "exists"); ok {
		_, found := template.Lookup(ctx, path)
		return found, nil
	}

	path, ok := validation.OptStr(clause, "path")
	if !ok {
		return false, errors.InvalidParams("when clause needs and/or/not/exists/path")
	}
	value, found := template.Lookup(ctx, path)

	if expected, present := clause["equals"]; present {
		return found && looseEqual(value, expected), nil
	}
	if expected, present := clause["not_equals"]; present {
		return !found || !looseEqual(value, expected), nil
	}
	if list, present := validation.OptArr(clause, "in"); present {
		if !found {
			return false, nil
		}
		for _, candidate := range list {
			if looseEqual(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	}
	if needle, present := clause["contains"]; present {
		return found && containsValue(value, needle), nil
	}
	for _, op := range []string{"gt", "gte", "lt", "lte"} {
		if bound, present := clause[op]; present {
			if !found {
				return false, nil
			}
			return compareNumbers(value, bound, op)
		}
	}

	// bare path asserts truthiness
	return found && truthy(value), nil
}

func looseEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// numbers compare across int64/float64
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []interface{}:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[key]
		return present
	default:
		return false
	}
}

func compareNumbers(value, bound interface{}, op string) (bool, error) {
	vf, vok := asFloat(value)
	bf, bok := asFloat(bound)
	if !vok || !bok {
		return false, errors.InvalidParams("%s comparison needs numbers, got %T and %T", op, value, bound)
	}
	switch op {
	case "gt":
		return vf > bf, nil
	case "gte":
		return vf >= bf, nil
	case "lt":
		return vf < bf, nil
	case "lte":
		return vf <= bf, nil
	}
	return false, errors.Internal(fmt.Sprintf("unknown comparison %q", op), nil)
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}
