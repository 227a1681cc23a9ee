package intent

import (
	"context"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/runbook"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// gitopsPrefix classifies write intents that take the policy guard.
const gitopsPrefix = "gitops."

// Engine is the intent tool implementation.
type Engine struct {
	catalog  *Catalog
	runbooks *runbook.Store
	runner   *runbook.Runner
	projects *store.ProjectStore
	contextS *store.ContextService
	policies *policy.LockService
	log      *logging.Logger
	now      func() time.Time
}

// Deps wires an engine.
type Deps struct {
	Catalog  *Catalog
	Runbooks *runbook.Store
	Runner   *runbook.Runner
	Projects *store.ProjectStore
	Context  *store.ContextService
	Locks    *policy.LockService
	Log      *logging.Logger
}

// New creates an intent engine.
func New(deps Deps) *Engine {
	return &Engine{
		catalog:  deps.Catalog,
		runbooks: deps.Runbooks,
		runner:   deps.Runner,
		projects: deps.Projects,
		contextS: deps.Context,
		policies: deps.Locks,
		log:      deps.Log,
		now:      time.Now,
	}
}

// Handle dispatches an mcp_intent action.
func (e *Engine) Handle(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "compile":
		plan, _, err := e.compile(args)
		if err != nil {
			return nil, err
		}
		result := plan.AsMap()
		result["success"] = true
		return result, nil
	case "execute":
		return e.execute(ctx, args, false)
	case "dry_run":
		return e.execute(ctx, args, true)
	default:
		return nil, errors.InvalidParams("unknown intent action %q", action)
	}
}

// compile normalizes the intent, resolves the capability chain and builds
// the plan.
func (e *Engine) compile(args map[string]interface{}) (*Plan, *Intent, error) {
	in, err := ParseIntent(args)
	if err != nil {
		return nil, nil, err
	}

	// project/target fields hydrate the intent inputs
	if in.Project != "" && e.projects != nil {
		if rt, err := e.projects.Resolve(in.Project, in.Target); err == nil {
			in.Target = rt.Target
			if _, ok := in.Inputs["project"]; !ok {
				in.Inputs["project"] = rt.Project
			}
			if _, ok := in.Inputs["target"]; !ok {
				in.Inputs["target"] = rt.Target
			}
		}
	}

	// attach detected context unless the caller supplied one
	detected := map[string]interface{}{}
	if _, ok := in.Inputs["context"]; !ok && e.contextS != nil {
		if c, err := e.contextS.Current(); err == nil {
			detected = c.AsMap()
			in.Inputs["context"] = detected
		}
	} else if c, ok := validation.OptObj(in.Inputs, "context"); ok {
		detected = c
	}

	root, err := e.catalog.FindForIntent(in.Type, detected)
	if err != nil {
		return nil, nil, err
	}
	ordered, err := e.catalog.DependencyOrder(root)
	if err != nil {
		return nil, nil, err
	}
	return Compile(ordered, in), in, nil
}

// execute runs a compiled plan. Write/mixed plans demand apply; dry-run
// downgrades execution to the compiled plan report.
func (e *Engine) execute(ctx context.Context, args map[string]interface{}, forceDryRun bool) (interface{}, error) {
	plan, in, err := e.compile(args)
	if err != nil {
		return nil, err
	}
	if len(plan.Missing) > 0 {
		return nil, errors.InvalidParams("intent inputs incomplete").
			WithDetail("missing", plan.Missing)
	}

	isWrite := plan.Effects.Kind != EffectRead
	if isWrite && !in.Apply {
		if forceDryRun {
			result := plan.AsMap()
			result["success"] = true
			result["dry_run"] = true
			return result, nil
		}
		return nil, errors.Denied("intent %q writes but apply is false", in.Type).
			WithHint("re-issue with apply:true or use dry_run")
	}
	if forceDryRun {
		result := plan.AsMap()
		result["success"] = true
		result["dry_run"] = true
		return result, nil
	}

	trace := runbook.Trace{
		TraceID:      validation.StrOr(args, "trace_id", ""),
		SpanID:       validation.StrOr(args, "span_id", ""),
		ParentSpanID: validation.StrOr(args, "parent_span_id", ""),
	}

	// GitOps writes hold the project/target lock for the whole plan
	if isWrite && isGitOps(in.Type) {
		release, err := e.guard(in, args, trace.TraceID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	stepOutputs := make([]interface{}, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		rb, err := e.runbooks.Get(step.Runbook)
		if err != nil {
			return nil, errors.Ensure(err).WithDetail("capability", step.Capability)
		}
		output, err := e.runner.Run(ctx, rb, step.ResolvedInputs, trace)
		entry := map[string]interface{}{
			"capability": step.Capability,
			"runbook":    step.Runbook,
			"output":     output,
		}
		stepOutputs = append(stepOutputs, entry)
		if err != nil {
			return map[string]interface{}{
				"success": false,
				"intent":  in.Type,
				"steps":   stepOutputs,
			}, err
		}
	}

	return map[string]interface{}{
		"success": true,
		"intent":  in.Type,
		"applied": in.Apply,
		"effects": map[string]interface{}{
			"kind":           plan.Effects.Kind,
			"requires_apply": plan.Effects.RequiresApply,
		},
		"steps": stepOutputs,
	}, nil
}

func isGitOps(intentType string) bool {
	return len(intentType) > len(gitopsPrefix) && intentType[:len(gitopsPrefix)] == gitopsPrefix
}

// guard enforces the target's write policy and acquires the scoped lock.
func (e *Engine) guard(in *Intent, args map[string]interface{}, traceID string) (func(), error) {
	var rawPolicy map[string]interface{}
	lockKey := ""

	if in.Project != "" && e.projects != nil {
		rt, err := e.projects.Resolve(in.Project, in.Target)
		if err != nil {
			return nil, err
		}
		rawPolicy = rt.Entry.Policy
		lockKey = policy.ProjectLockKey(rt.Project, rt.Target)
	} else if root, ok := validation.OptStr(args, "repo_root"); ok {
		lockKey = policy.RepoLockKey(root)
	}

	pol, err := policy.Normalize(rawPolicy)
	if err != nil {
		return nil, err
	}
	req := policy.WriteRequest{
		Intent:    in.Type,
		Merge:     validation.BoolOr(in.Inputs, "merge", false),
		Remote:    validation.StrOr(in.Inputs, "remote", ""),
		Namespace: validation.StrOr(in.Inputs, "namespace", ""),
	}
	if err := pol.EnforceWrite(req, e.now()); err != nil {
		return nil, err
	}

	if !pol.LockEnabled || lockKey == "" || e.policies == nil {
		return func() {}, nil
	}
	if _, err := e.policies.Acquire(lockKey, traceID, pol.LockTTL, map[string]interface{}{
		"intent": in.Type,
	}); err != nil {
		return nil, err
	}
	return func() {
		// best-effort: a failed release leaves the TTL to expire it
		_, _ = e.policies.Release(lockKey, traceID)
	}, nil
}
