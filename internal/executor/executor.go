// Package executor implements the central tool dispatch: alias and preset
// resolution, layered argument merge, schema validation, trace assignment,
// output shaping with artifact spill, state storage, redaction, envelopes
// and audit.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/infrastructure/metrics"
	"github.com/opsgate/opsgate/infrastructure/redaction"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// Handler is one tool implementation.
type Handler interface {
	Handle(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f(ctx, args)
}

// Validator checks merged args against the tool's published input schema.
type Validator func(tool string, args map[string]interface{}) error

// control fields consumed by the executor, never passed to handlers.
var controlFields = []string{"output", "store_as", "store_scope", "preset", "preset_name"}

// builtinAliases maps short names onto the canonical tools.
var builtinAliases = map[string]string{
	"ssh":       "mcp_ssh_manager",
	"api":       "mcp_api_client",
	"http":      "mcp_api_client",
	"psql":      "mcp_psql_manager",
	"postgres":  "mcp_psql_manager",
	"workspace": "mcp_workspace",
	"project":   "mcp_project",
	"context":   "mcp_context",
	"env":       "mcp_env",
	"vault":     "mcp_vault",
	"pipe":      "mcp_pipeline",
	"jobs":      "mcp_jobs",
	"artifacts": "mcp_artifacts",
}

// Executor owns the request lifecycle for every tool call.
type Executor struct {
	handlers  map[string]Handler
	aliases   *store.AliasStore
	presets   *store.PresetStore
	state     *store.StateStore
	artifacts *store.ArtifactStore
	audit     *logging.AuditSink
	log       *logging.Logger
	limits    config.Limits
	validate  Validator
}

// Deps wires an executor.
type Deps struct {
	Aliases   *store.AliasStore
	Presets   *store.PresetStore
	State     *store.StateStore
	Artifacts *store.ArtifactStore
	Audit     *logging.AuditSink
	Log       *logging.Logger
	Limits    config.Limits
	Validate  Validator
}

// New creates an executor; handlers register afterwards.
func New(deps Deps) *Executor {
	return &Executor{
		handlers:  make(map[string]Handler),
		aliases:   deps.Aliases,
		presets:   deps.Presets,
		state:     deps.State,
		artifacts: deps.Artifacts,
		audit:     deps.Audit,
		log:       deps.Log,
		limits:    deps.Limits,
		validate:  deps.Validate,
	}
}

// Register binds a handler to a tool name.
func (e *Executor) Register(tool string, handler Handler) {
	e.handlers[tool] = handler
}

// Tools lists the registered tool names.
func (e *Executor) Tools() []string {
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	return names
}

// Execute runs the full dispatch pipeline and returns the envelope.
func (e *Executor) Execute(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	start := time.Now()
	if args == nil {
		args = map[string]interface{}{}
	}

	resolved, invokedAs, aliasArgs, aliasPreset, err := e.resolveName(tool)
	if err != nil {
		e.auditRecord(tool, args, nil, err, time.Since(start))
		metrics.ObserveToolCall(tool, err, time.Since(start))
		return nil, err
	}
	handler := e.handlers[resolved]

	// preset layer: caller's preset wins over the alias's
	presetName := validation.StrOr(args, "preset", validation.StrOr(args, "preset_name", aliasPreset))
	var presetData map[string]interface{}
	if presetName != "" && e.presets != nil {
		p, err := e.presets.Get(presetName)
		if err != nil {
			e.auditRecord(resolved, args, nil, err, time.Since(start))
			metrics.ObserveToolCall(resolved, err, time.Since(start))
			return nil, err
		}
		presetData = p.Data
	}

	merged := mergeLayers(presetData, aliasArgs, args)

	// trace identity
	traceID := validation.StrOr(merged, "trace_id", "")
	if traceID == "" {
		traceID = uuid.NewString()
	}
	spanID := validation.StrOr(merged, "span_id", "")
	if spanID == "" {
		spanID = uuid.NewString()
	}
	parentSpanID := validation.StrOr(merged, "parent_span_id", "")
	merged["trace_id"] = traceID
	merged["span_id"] = spanID
	if parentSpanID != "" {
		merged["parent_span_id"] = parentSpanID
	}

	if e.validate != nil {
		if err := e.validate(resolved, merged); err != nil {
			e.auditRecord(resolved, merged, nil, err, time.Since(start))
			metrics.ObserveToolCall(resolved, err, time.Since(start))
			return nil, err
		}
	}

	// control fields stay with the executor
	outputSpec := merged["output"]
	storeAs := validation.StrOr(merged, "store_as", "")
	storeScope := validation.StrOr(merged, "store_scope", "")
	handlerArgs := make(map[string]interface{}, len(merged))
	for k, v := range merged {
		handlerArgs[k] = v
	}
	for _, field := range controlFields {
		delete(handlerArgs, field)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.limits.ToolCallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.limits.ToolCallTimeout)
		defer cancel()
	}

	if e.log != nil {
		e.log.WithTrace(traceID, spanID).WithField("tool", resolved).Debug("tool call dispatch")
	}

	result, err := handler.Handle(callCtx, handlerArgs)
	duration := time.Since(start)
	metrics.ObserveToolCall(resolved, err, duration)
	if err != nil {
		te := errors.Ensure(err)
		e.auditRecord(resolved, merged, nil, te, duration)
		return nil, te
	}

	shaped, err := applyOutputTransform(result, outputSpec)
	if err != nil {
		e.auditRecord(resolved, merged, nil, err, duration)
		return nil, err
	}

	state := &spillState{traceID: traceID, spanID: spanID}
	shaped = e.spillValues(shaped, state, nil)

	storedAs := ""
	if storeAs != "" && e.state != nil {
		scope, err := store.ParseScope(storeScope)
		if err != nil {
			e.auditRecord(resolved, merged, nil, err, duration)
			return nil, err
		}
		if err := e.state.Set(scope, storeAs, shaped); err != nil {
			e.auditRecord(resolved, merged, nil, err, duration)
			return nil, err
		}
		storedAs = storeAs
	}

	redactor := redaction.New(redaction.CollectEnvSecrets(merged))
	redacted := redactor.Value(shaped)

	meta := map[string]interface{}{
		"tool":        resolved,
		"trace_id":    traceID,
		"span_id":     spanID,
		"duration_ms": duration.Milliseconds(),
	}
	if action, ok := validation.OptStr(merged, "action"); ok {
		meta["action"] = action
	}
	if parentSpanID != "" {
		meta["parent_span_id"] = parentSpanID
	}
	if invokedAs != resolved {
		meta["invoked_as"] = invokedAs
	}
	if presetName != "" {
		meta["preset"] = presetName
	}
	if storedAs != "" {
		meta["stored_as"] = storedAs
	}

	envelope := map[string]interface{}{
		"ok":     true,
		"result": redacted,
		"meta":   meta,
	}
	e.auditRecord(resolved, merged, shaped, nil, duration)
	return envelope, nil
}

// resolveName maps an invoked name to a registered handler through the
// built-in alias table and the user alias store.
func (e *Executor) resolveName(tool string) (resolved, invokedAs string, aliasArgs map[string]interface{}, aliasPreset string, err error) {
	invokedAs = tool
	if _, ok := e.handlers[tool]; ok {
		return tool, invokedAs, nil, "", nil
	}
	if target, ok := builtinAliases[tool]; ok {
		if _, registered := e.handlers[target]; registered {
			return target, invokedAs, nil, "", nil
		}
	}
	if e.aliases != nil {
		alias, aliasErr := e.aliases.Get(tool)
		if aliasErr != nil {
			return "", invokedAs, nil, "", aliasErr
		}
		if alias != nil {
			target := alias.Tool
			if mapped, ok := builtinAliases[target]; ok {
				target = mapped
			}
			if _, registered := e.handlers[target]; registered {
				return target, invokedAs, alias.Args, alias.Preset, nil
			}
			return "", invokedAs, nil, "", errors.NotFound("alias %q points at unknown tool %q", tool, alias.Tool)
		}
	}
	return "", invokedAs, nil, "", errors.NotFound("unknown tool %q", tool)
}

// auditRecord appends one audit entry with redacted args and a compact
// result summary.
func (e *Executor) auditRecord(tool string, args map[string]interface{}, result interface{}, callErr error, duration time.Duration) {
	if e.audit == nil {
		return
	}
	redactor := redaction.New(redaction.CollectEnvSecrets(args))
	record := map[string]interface{}{
		"tool":        tool,
		"args":        redactor.Value(args),
		"duration_ms": duration.Milliseconds(),
		"ok":          callErr == nil,
	}
	if callErr != nil {
		te := errors.Ensure(callErr)
		record["error"] = map[string]interface{}{
			"kind":    string(te.Kind),
			"code":    te.Code,
			"message": redactor.String(te.Message),
		}
	} else {
		record["result"] = summarizeResult(result)
	}
	e.audit.Append(record)
}

// summarizeResult compacts a result for the audit log: its type plus a
// size signal, never the content.
func summarizeResult(result interface{}) map[string]interface{} {
	switch v := result.(type) {
	case nil:
		return map[string]interface{}{"type": "null"}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		return map[string]interface{}{"type": "object", "keys": len(keys)}
	case []interface{}:
		return map[string]interface{}{"type": "array", "length": len(v)}
	case string:
		return map[string]interface{}{"type": "string", "length": len(v)}
	case bool:
		return map[string]interface{}{"type": "bool", "value": v}
	case float64, int, int64:
		return map[string]interface{}{"type": "number", "value": v}
	default:
		return map[string]interface{}{"type": fmt.Sprintf("%T", v)}
	}
}

// EnsureJSONTree round-trips a value through JSON so handlers can return
// typed structs while the shaping pipeline sees plain maps.
func EnsureJSONTree(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, string, float64, map[string]interface{}, []interface{}:
		return v
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded interface{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return v
	}
	return decoded
}
