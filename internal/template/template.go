// Package template expands {{dotted.path}} placeholders against a context
// tree. Expansion is a single left-to-right pass; produced text is never
// re-scanned.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// MissingPolicy controls what happens when a placeholder path does not
// resolve.
type MissingPolicy string

const (
	MissingError MissingPolicy = "error"
	MissingKeep  MissingPolicy = "keep"
	MissingEmpty MissingPolicy = "empty"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ParsePolicy normalizes a raw policy string, defaulting to error.
func ParsePolicy(raw string) MissingPolicy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "keep":
		return MissingKeep
	case "empty":
		return MissingEmpty
	default:
		return MissingError
	}
}

// Resolve walks v, expanding placeholders in every string. A string that is
// exactly one placeholder yields the raw looked-up value, preserving its
// type; otherwise matches are stringified and concatenated.
func Resolve(v interface{}, ctx map[string]interface{}, policy MissingPolicy) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			resolved, err := Resolve(inner, ctx, policy)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			resolved, err := Resolve(inner, ctx, policy)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return resolveString(val, ctx, policy)
	default:
		return v, nil
	}
}

func resolveString(s string, ctx map[string]interface{}, policy MissingPolicy) (interface{}, error) {
	matches := placeholder.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		value, ok := Lookup(ctx, path)
		if !ok {
			return missing(s, path, policy)
		}
		return value, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := strings.TrimSpace(s[m[2]:m[3]])
		value, ok := Lookup(ctx, path)
		if !ok {
			switch policy {
			case MissingKeep:
				b.WriteString(s[m[0]:m[1]])
			case MissingEmpty:
			default:
				return nil, errors.InvalidParams("template path %q not found", path)
			}
		} else {
			b.WriteString(stringify(value))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func missing(original, path string, policy MissingPolicy) (interface{}, error) {
	switch policy {
	case MissingKeep:
		return original, nil
	case MissingEmpty:
		return "", nil
	default:
		return nil, errors.InvalidParams("template path %q not found", path)
	}
}

// Lookup resolves a dotted path against a context tree. Array elements are
// addressed by decimal index segments.
func Lookup(ctx map[string]interface{}, dotted string) (interface{}, bool) {
	if dotted == "" {
		return nil, false
	}
	var current interface{} = ctx
	for _, segment := range strings.Split(dotted, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
