// Package redaction scrubs secrets from JSON trees and captured output
// before anything reaches the caller, logs or audit records.
package redaction

import (
	"regexp"
	"strings"
)

// Mask replaces every redacted value.
const Mask = "***"

// MinSecretLength is the shortest env-derived value treated as a secret.
// Shorter values would shred ordinary output.
const MinSecretLength = 6

var keyPattern = regexp.MustCompile(`(?i)(token|secret|pass|pwd|key|api_key|cred|auth)`)

// SensitiveKey reports whether a map key names a secret-bearing field.
func SensitiveKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Redactor scrubs values by key name and by a set of known secret values.
type Redactor struct {
	extra []string
}

// New builds a redactor. extra holds literal secret values (for example the
// values of args.env) replaced wherever they appear inside strings.
func New(extra []string) *Redactor {
	filtered := make([]string, 0, len(extra))
	for _, v := range extra {
		if len(v) >= MinSecretLength {
			filtered = append(filtered, v)
		}
	}
	return &Redactor{extra: filtered}
}

// WithExtra returns a redactor carrying both receivers' extra secrets.
func (r *Redactor) WithExtra(extra []string) *Redactor {
	merged := make([]string, 0, len(r.extra)+len(extra))
	merged = append(merged, r.extra...)
	for _, v := range extra {
		if len(v) >= MinSecretLength {
			merged = append(merged, v)
		}
	}
	return &Redactor{extra: merged}
}

// String replaces every known secret value inside s.
func (r *Redactor) String(s string) string {
	for _, secret := range r.extra {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, Mask)
		}
	}
	return s
}

// Value deep-copies v with sensitive keys masked and known secret values
// replaced inside strings. Non-container, non-string values pass through.
func (r *Redactor) Value(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if SensitiveKey(k) {
				out[k] = Mask
				continue
			}
			out[k] = r.Value(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = r.Value(inner)
		}
		return out
	case string:
		return r.String(val)
	default:
		return v
	}
}

// CollectEnvSecrets gathers string values of an env map that are long enough
// to be treated as secrets.
func CollectEnvSecrets(args map[string]interface{}) []string {
	if args == nil {
		return nil
	}
	env, ok := args["env"].(map[string]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range env {
		if s, ok := v.(string); ok && len(s) >= MinSecretLength {
			out = append(out, s)
		}
	}
	return out
}
