// Package validation provides explicit shape checks over untyped JSON
// argument trees. Handlers own their argument contracts; these helpers make
// the checks uniform and the failures typed.
package validation

import (
	"encoding/json"
	"math"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// Str returns a required non-empty string argument.
func Str(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", errors.InvalidParams("%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.InvalidParams("%s must be a non-empty string", key)
	}
	return s, nil
}

// OptStr returns a string argument when present and non-empty.
func OptStr(args map[string]interface{}, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok && s != ""
}

// StrOr returns a string argument or a default.
func StrOr(args map[string]interface{}, key, def string) string {
	if s, ok := OptStr(args, key); ok {
		return s
	}
	return def
}

// OptBool returns a boolean argument when present.
func OptBool(args map[string]interface{}, key string) (bool, bool) {
	b, ok := args[key].(bool)
	return b, ok
}

// BoolOr returns a boolean argument or a default.
func BoolOr(args map[string]interface{}, key string, def bool) bool {
	if b, ok := OptBool(args, key); ok {
		return b
	}
	return def
}

// OptInt returns an integer argument when present. JSON numbers arrive as
// float64; json.Number is accepted too.
func OptInt(args map[string]interface{}, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		if math.Trunc(v) != v {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// IntOr returns an integer argument or a default.
func IntOr(args map[string]interface{}, key string, def int64) int64 {
	if n, ok := OptInt(args, key); ok {
		return n
	}
	return def
}

// OptFloat returns a numeric argument as float64 when present.
func OptFloat(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// OptObj returns an object argument when present.
func OptObj(args map[string]interface{}, key string) (map[string]interface{}, bool) {
	m, ok := args[key].(map[string]interface{})
	return m, ok
}

// Obj returns a required object argument.
func Obj(args map[string]interface{}, key string) (map[string]interface{}, error) {
	m, ok := OptObj(args, key)
	if !ok {
		return nil, errors.InvalidParams("%s must be an object", key)
	}
	return m, nil
}

// OptArr returns an array argument when present.
func OptArr(args map[string]interface{}, key string) ([]interface{}, bool) {
	a, ok := args[key].([]interface{})
	return a, ok
}

// StrSlice coerces an array argument into strings, skipping non-strings.
func StrSlice(args map[string]interface{}, key string) []string {
	arr, ok := OptArr(args, key)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AsObj asserts an arbitrary value is an object.
func AsObj(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}
