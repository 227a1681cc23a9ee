package runbook

import (
	"context"
	"fmt"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/template"
)

// Step is one templated tool invocation.
type Step struct {
	ID              string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Name            string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Tool            string                 `json:"tool" yaml:"tool"`
	When            interface{}            `json:"when,omitempty" yaml:"when,omitempty"`
	Foreach         string                 `json:"foreach,omitempty" yaml:"foreach,omitempty"`
	Args            map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
	ContinueOnError bool                   `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
	MissingPolicy   string                 `json:"missing_policy,omitempty" yaml:"missing_policy,omitempty"`
}

// key names a step for the steps result map.
func (s *Step) key(index int) string {
	if s.ID != "" {
		return s.ID
	}
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step_%d", index+1)
}

// Runbook is an ordered step sequence.
type Runbook struct {
	Name  string `json:"name" yaml:"name"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Executor dispatches a tool call. Implemented by the tool executor; the
// interface breaks the package cycle.
type Executor interface {
	Execute(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error)
}

// Trace carries the identifiers stamped on each step call.
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// Runner executes runbooks through the tool executor.
type Runner struct {
	executor Executor
	state    *store.StateStore
	log      *logging.Logger
}

// NewRunner creates a runner.
func NewRunner(executor Executor, state *store.StateStore, log *logging.Logger) *Runner {
	return &Runner{executor: executor, state: state, log: log}
}

// Run executes every step, honoring when, foreach and continue_on_error.
// The returned map holds per-step results in execution order.
func (r *Runner) Run(ctx context.Context, rb *Runbook, input map[string]interface{}, trace Trace) (map[string]interface{}, error) {
	if rb == nil || len(rb.Steps) == 0 {
		return nil, errors.InvalidParams("runbook has no steps")
	}

	snapshot := map[string]interface{}{}
	if r.state != nil {
		if snap, err := r.state.Snapshot(); err == nil {
			snapshot = snap
		}
	}

	stepResults := map[string]interface{}{}
	stepCtx := map[string]interface{}{
		"input":          input,
		"state":          snapshot,
		"steps":          stepResults,
		"trace_id":       trace.TraceID,
		"span_id":        trace.SpanID,
		"parent_span_id": trace.ParentSpanID,
	}

	var ordered []interface{}
	failed := false
	var firstErr error

	for i := range rb.Steps {
		step := &rb.Steps[i]
		key := step.key(i)
		record := map[string]interface{}{"step": key, "tool": step.Tool}

		if failed {
			record["skipped"] = true
			record["reason"] = "previous step failed"
			ordered = append(ordered, record)
			continue
		}

		ok, err := EvalWhen(step.When, stepCtx)
		if err != nil {
			return runResult(rb, ordered, stepResults, false), err
		}
		if !ok {
			record["skipped"] = true
			record["reason"] = "when clause false"
			ordered = append(ordered, record)
			stepResults[key] = record
			continue
		}

		var output interface{}
		var stepErr error
		if step.Foreach != "" {
			output, stepErr = r.runForeach(ctx, step, stepCtx, trace)
		} else {
			output, stepErr = r.runOnce(ctx, step, stepCtx, trace)
		}

		if stepErr != nil {
			te := errors.Ensure(stepErr)
			record["error"] = map[string]interface{}{
				"kind":    string(te.Kind),
				"message": te.Message,
			}
			record["success"] = false
			stepResults[key] = record
			ordered = append(ordered, record)
			if step.ContinueOnError {
				continue
			}
			failed = true
			firstErr = stepErr
			continue
		}

		record["success"] = true
		record["result"] = output
		stepResults[key] = record
		ordered = append(ordered, record)
	}

	result := runResult(rb, ordered, stepResults, !failed)
	if failed {
		return result, firstErr
	}
	return result, nil
}

func runResult(rb *Runbook, ordered []interface{}, stepResults map[string]interface{}, success bool) map[string]interface{} {
	return map[string]interface{}{
		"success": success,
		"runbook": rb.Name,
		"steps":   ordered,
		"by_id":   stepResults,
	}
}

// runOnce resolves templates and dispatches one call.
func (r *Runner) runOnce(ctx context.Context, step *Step, stepCtx map[string]interface{}, trace Trace) (interface{}, error) {
	args, err := r.resolveArgs(step, stepCtx, trace)
	if err != nil {
		return nil, err
	}
	return r.executor.Execute(ctx, step.Tool, args)
}

// runForeach iterates the array at the foreach path, cloning the context
// with item/index and collecting outputs.
func (r *Runner) runForeach(ctx context.Context, step *Step, stepCtx map[string]interface{}, trace Trace) (interface{}, error) {
	value, found := template.Lookup(stepCtx, step.Foreach)
	if !found {
		return nil, errors.InvalidParams("foreach path %q not found", step.Foreach)
	}
	items, ok := value.([]interface{})
	if !ok {
		return nil, errors.InvalidParams("foreach path %q is not an array", step.Foreach)
	}

	outputs := make([]interface{}, 0, len(items))
	for index, item := range items {
		iterCtx := make(map[string]interface{}, len(stepCtx)+2)
		for k, v := range stepCtx {
			iterCtx[k] = v
		}
		iterCtx["item"] = item
		iterCtx["index"] = float64(index)

		args, err := r.resolveArgs(step, iterCtx, trace)
		if err != nil {
			return nil, err
		}
		output, err := r.executor.Execute(ctx, step.Tool, args)
		if err != nil {
			return nil, errors.Ensure(err).WithDetail("foreach_index", index)
		}
		outputs = append(outputs, output)
	}
	return outputs, nil
}

func (r *Runner) resolveArgs(step *Step, stepCtx map[string]interface{}, trace Trace) (map[string]interface{}, error) {
	policy := template.ParsePolicy(step.MissingPolicy)
	resolved, err := template.Resolve(step.Args, stepCtx, policy)
	if err != nil {
		return nil, err
	}
	args, _ := resolved.(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}
	if trace.TraceID != "" {
		args["trace_id"] = trace.TraceID
	}
	if trace.SpanID != "" {
		args["parent_span_id"] = trace.SpanID
	}
	return args, nil
}
