package workspace

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/capture"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// HandleArtifacts dispatches mcp_artifacts actions.
func (e *Engine) HandleArtifacts(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "list":
		return e.artifactList(args)
	case "read":
		return e.artifactRead(args)
	case "delete":
		return e.artifactDelete(args)
	default:
		return nil, errors.InvalidParams("unknown artifacts action %q", action)
	}
}

func (e *Engine) artifactRel(args map[string]interface{}) (string, error) {
	if uri, ok := validation.OptStr(args, "uri"); ok {
		return store.ParseURI(uri)
	}
	if rel, ok := validation.OptStr(args, "rel"); ok {
		return rel, nil
	}
	return "", errors.InvalidParams("uri or rel is required")
}

func (e *Engine) artifactList(args map[string]interface{}) (interface{}, error) {
	rels, err := e.artifacts.List(validation.StrOr(args, "trace_id", ""))
	if err != nil {
		return nil, err
	}
	entries := make([]interface{}, len(rels))
	for i, rel := range rels {
		entries[i] = map[string]interface{}{"rel": rel, "uri": store.URI(rel)}
	}
	return map[string]interface{}{"success": true, "artifacts": entries, "count": len(entries)}, nil
}

func (e *Engine) artifactRead(args map[string]interface{}) (interface{}, error) {
	rel, err := e.artifactRel(args)
	if err != nil {
		return nil, err
	}
	r, err := e.artifacts.Open(rel)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	limit := int(validation.IntOr(args, "max_bytes", int64(e.limits.MaxInlineBytes)))
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, errors.Internal("artifact read failed", err)
	}
	truncated := len(data) > limit
	if truncated {
		data = capture.SafePrefix(data, limit)
	}
	return map[string]interface{}{
		"success":   true,
		"rel":       rel,
		"uri":       store.URI(rel),
		"content":   string(data),
		"bytes":     len(data),
		"truncated": truncated,
	}, nil
}

func (e *Engine) artifactDelete(args map[string]interface{}) (interface{}, error) {
	rel, err := e.artifactRel(args)
	if err != nil {
		return nil, err
	}
	if err := e.artifacts.Delete(rel); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "rel": rel}, nil
}

// HandleEvidence dispatches mcp_evidence actions: append-only notes with
// artifact references under the context root.
func (e *Engine) HandleEvidence(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "add":
		return e.evidenceAdd(args)
	case "list":
		return e.evidenceList(args)
	default:
		return nil, errors.InvalidParams("unknown evidence action %q", action)
	}
}

func (e *Engine) evidenceAdd(args map[string]interface{}) (interface{}, error) {
	note, err := validation.Str(args, "note")
	if err != nil {
		return nil, err
	}
	entry := map[string]interface{}{
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
		"note": note,
	}
	for _, field := range []string{"trace_id", "span_id", "kind"} {
		if v, ok := validation.OptStr(args, field); ok {
			entry[field] = v
		}
	}
	if refs, ok := validation.OptArr(args, "artifacts"); ok {
		entry["artifacts"] = refs
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return nil, errors.Internal("evidence marshal failed", err)
	}
	if err := e.evidence.Append(line); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

func (e *Engine) evidenceList(args map[string]interface{}) (interface{}, error) {
	data, err := e.evidence.ReadAll()
	if err != nil {
		return nil, err
	}
	limit := int(validation.IntOr(args, "limit", 100))
	var entries []interface{}
	for _, line := range splitNonEmptyLines(data) {
		var entry interface{}
		if err := json.Unmarshal(line, &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []interface{}{}
	}
	return map[string]interface{}{"success": true, "entries": entries, "count": len(entries)}, nil
}

func splitNonEmptyLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
