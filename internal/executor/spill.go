package executor

import (
	"fmt"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/metrics"
	"github.com/opsgate/opsgate/infrastructure/redaction"
	"github.com/opsgate/opsgate/internal/capture"
	"github.com/opsgate/opsgate/internal/store"
)

// spillState tracks the per-call artifact budget.
type spillState struct {
	traceID string
	spanID  string
	spills  int
	names   map[string]int
}

// spillValues walks the result, replacing every string beyond the inline
// limit with a spill record pointing at a capped artifact.
func (e *Executor) spillValues(value interface{}, state *spillState, path []string) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = e.spillValues(inner, state, append(path, k))
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = e.spillValues(inner, state, path)
		}
		return out
	case string:
		if len(v) <= e.limits.MaxInlineBytes {
			return v
		}
		return e.spillString(v, state, path)
	default:
		return value
	}
}

func (e *Executor) spillString(v string, state *spillState, path []string) map[string]interface{} {
	previewLimit := capture.PreviewLimit(e.limits.MaxInlineBytes)
	record := map[string]interface{}{
		"truncated": true,
		"bytes":     len(v),
		"sha256":    store.SHA256Hex([]byte(v)),
		"preview":   string(capture.SafePrefix([]byte(v), previewLimit)),
		"tail":      string(capture.SafeSuffix([]byte(v), previewLimit)),
		"artifact":  nil,
	}

	if !e.artifacts.Available() || state.spills >= e.limits.MaxSpills || pathSuggestsSecret(path) {
		return record
	}

	name := spillFilename(path, state)
	content := capture.SafePrefix([]byte(v), e.limits.MaxCaptureBytes)
	ref, err := e.artifacts.Put(state.traceID, state.spanID, name, strings.NewReader(string(content)), -1)
	if err != nil {
		return record
	}
	state.spills++
	metrics.ObserveSpill()
	record["artifact"] = map[string]interface{}{
		"uri":       ref.URI,
		"rel":       ref.Rel,
		"bytes":     ref.Bytes,
		"truncated": len(content) < len(v),
	}
	return record
}

// pathSuggestsSecret blocks artifact capture when any path segment names
// sensitive material; the inline preview is already redacted separately.
func pathSuggestsSecret(path []string) bool {
	for _, segment := range path {
		if redaction.SensitiveKey(segment) {
			return true
		}
	}
	return false
}

// spillFilename derives a unique artifact name from the value's path.
func spillFilename(path []string, state *spillState) string {
	base := "value"
	if len(path) > 0 {
		parts := make([]string, 0, len(path))
		for _, segment := range path {
			parts = append(parts, store.SafeSegment(segment))
		}
		base = strings.Join(parts, ".")
		if len(base) > 100 {
			base = base[:100]
		}
	}
	if state.names == nil {
		state.names = make(map[string]int)
	}
	state.names[base]++
	if n := state.names[base]; n > 1 {
		base = fmt.Sprintf("%s_%d", base, n)
	}
	return base + ".txt"
}
