package runbook

import (
	"context"
	"encoding/json"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// Handler is the mcp_runbook tool implementation.
type Handler struct {
	store  *Store
	runner *Runner
}

// NewHandler creates a runbook tool handler.
func NewHandler(store *Store, runner *Runner) *Handler {
	return &Handler{store: store, runner: runner}
}

// Handle dispatches an mcp_runbook action.
func (h *Handler) Handle(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "list":
		names, err := h.store.Names()
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(names))
		for i, n := range names {
			out[i] = n
		}
		return map[string]interface{}{"success": true, "runbooks": out, "count": len(out)}, nil
	case "get":
		name, err := validation.Str(args, "name")
		if err != nil {
			return nil, err
		}
		rb, err := h.store.Get(name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "runbook": runbookMap(rb)}, nil
	case "upsert":
		rb, err := runbookFromArgs(args)
		if err != nil {
			return nil, err
		}
		if err := h.store.Upsert(rb); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "name": rb.Name}, nil
	case "delete":
		name, err := validation.Str(args, "name")
		if err != nil {
			return nil, err
		}
		if err := h.store.Delete(name); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "name": name}, nil
	case "run":
		name, err := validation.Str(args, "name")
		if err != nil {
			return nil, err
		}
		rb, err := h.store.Get(name)
		if err != nil {
			return nil, err
		}
		input, _ := validation.OptObj(args, "input")
		trace := Trace{
			TraceID:      validation.StrOr(args, "trace_id", ""),
			SpanID:       validation.StrOr(args, "span_id", ""),
			ParentSpanID: validation.StrOr(args, "parent_span_id", ""),
		}
		return h.runner.Run(ctx, rb, input, trace)
	default:
		return nil, errors.InvalidParams("unknown runbook action %q", action)
	}
}

// runbookFromArgs decodes the steps array through JSON into typed steps.
func runbookFromArgs(args map[string]interface{}) (*Runbook, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	steps, ok := validation.OptArr(args, "steps")
	if !ok {
		return nil, errors.InvalidParams("steps must be an array")
	}
	encoded, err := json.Marshal(steps)
	if err != nil {
		return nil, errors.InvalidParams("steps not serializable: %v", err)
	}
	var decoded []Step
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, errors.InvalidParams("steps malformed: %v", err)
	}
	return &Runbook{Name: name, Steps: decoded}, nil
}

func runbookMap(rb *Runbook) map[string]interface{} {
	encoded, err := json.Marshal(rb)
	if err != nil {
		return map[string]interface{}{"name": rb.Name}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return map[string]interface{}{"name": rb.Name}
	}
	return out
}
