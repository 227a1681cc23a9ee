package runbook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
)

type scriptedExecutor struct {
	calls []struct {
		Tool string
		Args map[string]interface{}
	}
	fail map[string]error
}

func (s *scriptedExecutor) Execute(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	s.calls = append(s.calls, struct {
		Tool string
		Args map[string]interface{}
	}{tool, args})
	if err, ok := s.fail[tool]; ok {
		return nil, err
	}
	return map[string]interface{}{"ok": true, "tool": tool}, nil
}

func whenCtx() map[string]interface{} {
	return map[string]interface{}{
		"input": map[string]interface{}{
			"env":     "staging",
			"count":   float64(5),
			"tags":    []interface{}{"web", "api"},
			"message": "deploy failed on web-1",
		},
	}
}

func TestEvalWhenAlgebra(t *testing.T) {
	ctx := whenCtx()
	tests := []struct {
		name   string
		clause interface{}
		want   bool
	}{
		{"bool literal", true, true},
		{"nil is true", nil, true},
		{"equals", map[string]interface{}{"path": "input.env", "equals": "staging"}, true},
		{"not_equals", map[string]interface{}{"path": "input.env", "not_equals": "prod"}, true},
		{"exists", map[string]interface{}{"exists": "input.count"}, true},
		{"exists missing", map[string]interface{}{"exists": "input.nope"}, false},
		{"in", map[string]interface{}{"path": "input.env", "in": []interface{}{"staging", "prod"}}, true},
		{"contains array", map[string]interface{}{"path": "input.tags", "contains": "api"}, true},
		{"contains string", map[string]interface{}{"path": "input.message", "contains": "failed"}, true},
		{"gt", map[string]interface{}{"path": "input.count", "gt": float64(3)}, true},
		{"lte false", map[string]interface{}{"path": "input.count", "lte": float64(3)}, false},
		{"and", map[string]interface{}{"and": []interface{}{
			map[string]interface{}{"path": "input.env", "equals": "staging"},
			map[string]interface{}{"path": "input.count", "gte": float64(5)},
		}}, true},
		{"or", map[string]interface{}{"or": []interface{}{
			map[string]interface{}{"path": "input.env", "equals": "prod"},
			map[string]interface{}{"path": "input.env", "equals": "staging"},
		}}, true},
		{"not", map[string]interface{}{"not": map[string]interface{}{"path": "input.env", "equals": "prod"}}, true},
		{"bare path truthy", map[string]interface{}{"path": "input.env"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvalWhen(tc.clause, ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalWhenErrors(t *testing.T) {
	_, err := EvalWhen("yes", whenCtx())
	assert.Error(t, err)
	_, err = EvalWhen(map[string]interface{}{"bogus": 1}, whenCtx())
	assert.Error(t, err)
	_, err = EvalWhen(map[string]interface{}{"path": "input.env", "gt": float64(1)}, whenCtx())
	assert.Error(t, err, "gt against a string")
}

func newRunner(t *testing.T) (*Runner, *scriptedExecutor) {
	t.Helper()
	exec := &scriptedExecutor{fail: map[string]error{}}
	return NewRunner(exec, store.NewStateStore(t.TempDir()), nil), exec
}

func TestRunnerTemplatesAndStepResults(t *testing.T) {
	r, exec := newRunner(t)
	rb := &Runbook{
		Name: "deploy",
		Steps: []Step{
			{ID: "build", Tool: "mcp_ssh_manager", Args: map[string]interface{}{
				"command": "build {{input.service}}",
			}},
			{ID: "verify", Tool: "mcp_api_client", Args: map[string]interface{}{
				"url": "{{input.health_url}}",
			}},
		},
	}

	result, err := r.Run(context.Background(), rb, map[string]interface{}{
		"service":    "api",
		"health_url": "http://x/health",
	}, Trace{TraceID: "t1", SpanID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, true, result["success"])
	require.Len(t, exec.calls, 2)
	assert.Equal(t, "build api", exec.calls[0].Args["command"])
	assert.Equal(t, "t1", exec.calls[0].Args["trace_id"])
	assert.Equal(t, "s1", exec.calls[0].Args["parent_span_id"])
	assert.Equal(t, "http://x/health", exec.calls[1].Args["url"])
}

func TestRunnerWhenSkips(t *testing.T) {
	r, exec := newRunner(t)
	rb := &Runbook{
		Name: "conditional",
		Steps: []Step{
			{ID: "only-prod", Tool: "mcp_ssh_manager",
				When: map[string]interface{}{"path": "input.env", "equals": "prod"},
				Args: map[string]interface{}{"command": "x"}},
			{ID: "always", Tool: "mcp_api_client", Args: map[string]interface{}{"url": "u"}},
		},
	}

	result, err := r.Run(context.Background(), rb, map[string]interface{}{"env": "staging"}, Trace{})
	require.NoError(t, err)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, "mcp_api_client", exec.calls[0].Tool)

	steps := result["steps"].([]interface{})
	first := steps[0].(map[string]interface{})
	assert.Equal(t, true, first["skipped"])
}

func TestRunnerForeach(t *testing.T) {
	r, exec := newRunner(t)
	rb := &Runbook{
		Name: "fanout",
		Steps: []Step{
			{ID: "each", Tool: "mcp_ssh_manager", Foreach: "input.hosts",
				Args: map[string]interface{}{
					"host":  "{{item}}",
					"index": "{{index}}",
				}},
		},
	}

	result, err := r.Run(context.Background(), rb, map[string]interface{}{
		"hosts": []interface{}{"a", "b", "c"},
	}, Trace{})
	require.NoError(t, err)
	require.Len(t, exec.calls, 3)
	assert.Equal(t, "a", exec.calls[0].Args["host"])
	assert.Equal(t, float64(2), exec.calls[2].Args["index"])

	byID := result["by_id"].(map[string]interface{})
	each := byID["each"].(map[string]interface{})
	outputs := each["result"].([]interface{})
	assert.Len(t, outputs, 3)
}

func TestRunnerContinueOnError(t *testing.T) {
	r, exec := newRunner(t)
	exec.fail["mcp_flaky"] = errors.Retryable("boom")
	rb := &Runbook{
		Name: "resilient",
		Steps: []Step{
			{ID: "flaky", Tool: "mcp_flaky", ContinueOnError: true, Args: map[string]interface{}{}},
			{ID: "after", Tool: "mcp_api_client", Args: map[string]interface{}{}},
		},
	}

	result, err := r.Run(context.Background(), rb, nil, Trace{})
	require.NoError(t, err)
	assert.Equal(t, true, result["success"])
	require.Len(t, exec.calls, 2)
}

func TestRunnerStopOnError(t *testing.T) {
	r, exec := newRunner(t)
	exec.fail["mcp_flaky"] = errors.Retryable("boom")
	rb := &Runbook{
		Name: "strict",
		Steps: []Step{
			{ID: "flaky", Tool: "mcp_flaky", Args: map[string]interface{}{}},
			{ID: "after", Tool: "mcp_api_client", Args: map[string]interface{}{}},
		},
	}

	result, err := r.Run(context.Background(), rb, nil, Trace{})
	require.Error(t, err)
	assert.Equal(t, false, result["success"])
	require.Len(t, exec.calls, 1, "second step never runs")

	steps := result["steps"].([]interface{})
	second := steps[1].(map[string]interface{})
	assert.Equal(t, true, second["skipped"])
}

func TestRunnerStepsSeePriorResults(t *testing.T) {
	r, exec := newRunner(t)
	rb := &Runbook{
		Name: "chained",
		Steps: []Step{
			{ID: "first", Tool: "mcp_api_client", Args: map[string]interface{}{}},
			{ID: "second", Tool: "mcp_ssh_manager", Args: map[string]interface{}{
				"prior": "{{steps.first.result.tool}}",
			}},
		},
	}
	_, err := r.Run(context.Background(), rb, nil, Trace{})
	require.NoError(t, err)
	assert.Equal(t, "mcp_api_client", exec.calls[1].Args["prior"])
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Upsert(&Runbook{
		Name:  "deploy",
		Steps: []Step{{ID: "a", Tool: "mcp_ssh_manager"}},
	}))

	s2 := NewStore(dir)
	rb, err := s2.Get("deploy")
	require.NoError(t, err)
	assert.Equal(t, "a", rb.Steps[0].ID)

	names, err := s2.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy"}, names)

	assert.Error(t, s.Upsert(&Runbook{Name: "bad"}))
	assert.Error(t, s.Upsert(&Runbook{Name: "bad", Steps: []Step{{ID: "x"}}}))

	require.NoError(t, s2.Delete("deploy"))
	_, err = s2.Get("deploy")
	assert.Error(t, err)
}
