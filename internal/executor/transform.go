package executor

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// applyOutputTransform shapes the handler result per the caller's output
// spec: a dotted path selects a sub-tree, an array of keys projects an
// object. No spec returns the result untouched.
func applyOutputTransform(result interface{}, spec interface{}) (interface{}, error) {
	switch s := spec.(type) {
	case nil:
		return result, nil
	case string:
		if s == "" {
			return result, nil
		}
		encoded, err := json.Marshal(EnsureJSONTree(result))
		if err != nil {
			return nil, errors.Internal("output transform marshal failed", err)
		}
		extracted := gjson.GetBytes(encoded, s)
		if !extracted.Exists() {
			return nil, errors.InvalidParams("output path %q not found in result", s)
		}
		return extracted.Value(), nil
	case []interface{}:
		obj, ok := EnsureJSONTree(result).(map[string]interface{})
		if !ok {
			return nil, errors.InvalidParams("output projection needs an object result")
		}
		out := make(map[string]interface{}, len(s))
		for _, raw := range s {
			key, ok := raw.(string)
			if !ok {
				return nil, errors.InvalidParams("output projection entries must be strings")
			}
			if v, present := obj[key]; present {
				out[key] = v
			}
		}
		return out, nil
	default:
		return nil, errors.InvalidParams("output must be a path string or key array")
	}
}
