package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	dir := t.TempDir()
	e := New(Deps{
		Aliases:   store.NewAliasStore(dir),
		Presets:   store.NewPresetStore(dir),
		State:     store.NewStateStore(dir),
		Artifacts: store.NewArtifactStore(t.TempDir()),
		Limits: config.Limits{
			MaxInlineBytes:  config.DefaultMaxInlineBytes,
			MaxCaptureBytes: config.DefaultMaxCaptureBytes,
			MaxSpills:       config.DefaultMaxSpills,
		},
	})
	return e
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": args}, nil
	})
}

func TestExecuteEnvelope(t *testing.T) {
	e := newTestExecutor(t)
	e.Register("mcp_workspace", HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"value": 42}, nil
	}))

	envelope, err := e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{"action": "state_get"})
	require.NoError(t, err)

	assert.Equal(t, true, envelope["ok"])
	meta := envelope["meta"].(map[string]interface{})
	assert.Equal(t, "mcp_workspace", meta["tool"])
	assert.Equal(t, "state_get", meta["action"])
	assert.NotEmpty(t, meta["trace_id"])
	assert.NotEmpty(t, meta["span_id"])
	_, hasInvokedAs := meta["invoked_as"]
	assert.False(t, hasInvokedAs)
}

func TestBuiltinAliasResolution(t *testing.T) {
	e := newTestExecutor(t)
	e.Register("mcp_ssh_manager", echoHandler())

	envelope, err := e.Execute(context.Background(), "ssh", map[string]interface{}{"action": "exec"})
	require.NoError(t, err)
	meta := envelope["meta"].(map[string]interface{})
	assert.Equal(t, "mcp_ssh_manager", meta["tool"])
	assert.Equal(t, "ssh", meta["invoked_as"])
}

func TestUserAliasInjectsArgsAndPreset(t *testing.T) {
	e := newTestExecutor(t)
	e.Register("mcp_api_client", echoHandler())
	require.NoError(t, e.presets.Set("prod-api", &store.Preset{
		Data: map[string]interface{}{
			"base_url": "https://api.prod",
			"retry":    map[string]interface{}{"max_attempts": float64(5)},
		},
	}))
	require.NoError(t, e.aliases.Set("prodget", &store.Alias{
		Tool:   "api",
		Args:   map[string]interface{}{"method": "GET"},
		Preset: "prod-api",
	}))

	envelope, err := e.Execute(context.Background(), "prodget", map[string]interface{}{
		"action": "request",
		"path":   "/health",
		"retry":  map[string]interface{}{"jitter": 0.1},
	})
	require.NoError(t, err)

	result := envelope["result"].(map[string]interface{})
	echo := result["echo"].(map[string]interface{})
	assert.Equal(t, "https://api.prod", echo["base_url"])
	assert.Equal(t, "GET", echo["method"])
	assert.Equal(t, "/health", echo["path"])
	// deep merge: preset object merged with caller object
	retry := echo["retry"].(map[string]interface{})
	assert.Equal(t, float64(5), retry["max_attempts"])
	assert.Equal(t, 0.1, retry["jitter"])
	// control fields stripped from handler args
	_, hasPreset := echo["preset"]
	assert.False(t, hasPreset)

	meta := envelope["meta"].(map[string]interface{})
	assert.Equal(t, "prodget", meta["invoked_as"])
	assert.Equal(t, "prod-api", meta["preset"])
}

func TestUnknownToolNotFound(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.Execute(context.Background(), "mcp_nope", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestTracePropagation(t *testing.T) {
	e := newTestExecutor(t)
	e.Register("mcp_workspace", echoHandler())

	envelope, err := e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{
		"trace_id":       "trace-fixed",
		"parent_span_id": "parent-1",
	})
	require.NoError(t, err)
	meta := envelope["meta"].(map[string]interface{})
	assert.Equal(t, "trace-fixed", meta["trace_id"])
	assert.Equal(t, "parent-1", meta["parent_span_id"])
	assert.NotEmpty(t, meta["span_id"])
}

func TestOutputTransformPath(t *testing.T) {
	e := newTestExecutor(t)
	e.Register("mcp_workspace", HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"nested": map[string]interface{}{"items": []interface{}{"a", "b"}},
			"noise":  "x",
		}, nil
	}))

	envelope, err := e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{
		"output": "nested.items",
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, envelope["result"])

	_, err = e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{
		"output": "missing.path",
	})
	assert.Error(t, err)
}

func TestOutputProjection(t *testing.T) {
	e := newTestExecutor(t)
	e.Register("mcp_workspace", HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"a": 1, "b": 2, "c": 3}, nil
	}))

	envelope, err := e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{
		"output": []interface{}{"a", "c"},
	})
	require.NoError(t, err)
	result := envelope["result"].(map[string]interface{})
	assert.Len(t, result, 2)
}

func TestStoreAs(t *testing.T) {
	e := newTestExecutor(t)
	e.Register("mcp_workspace", HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"value": "keep-me"}, nil
	}))

	envelope, err := e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{
		"store_as":    "last_result",
		"store_scope": "session",
	})
	require.NoError(t, err)
	assert.Equal(t, "last_result", envelope["meta"].(map[string]interface{})["stored_as"])

	var stored map[string]interface{}
	ok, err := e.state.Get(store.ScopeSession, "last_result", &stored)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "keep-me", stored["value"])
}

func TestRedactionInEnvelope(t *testing.T) {
	e := newTestExecutor(t)
	e.Register("mcp_workspace", HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"password": "hunter2secret",
			"stdout":   "the token is longsecretvalue here",
			"plain":    "ok",
		}, nil
	}))

	envelope, err := e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{
		"env": map[string]interface{}{"SECRET": "longsecretvalue"},
	})
	require.NoError(t, err)
	result := envelope["result"].(map[string]interface{})
	assert.Equal(t, "***", result["password"])
	assert.Equal(t, "the token is *** here", result["stdout"])
	assert.Equal(t, "ok", result["plain"])
}

func TestSpillLargeString(t *testing.T) {
	e := newTestExecutor(t)
	big := strings.Repeat("x", 10*1024*1024) // 10 MiB
	e.Register("mcp_workspace", HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"dump": big}, nil
	}))

	envelope, err := e.Execute(context.Background(), "mcp_workspace", nil)
	require.NoError(t, err)

	record := envelope["result"].(map[string]interface{})["dump"].(map[string]interface{})
	assert.Equal(t, true, record["truncated"])
	assert.Equal(t, 10*1024*1024, record["bytes"])
	assert.Equal(t, store.SHA256Hex([]byte(big)), record["sha256"])
	assert.NotEmpty(t, record["preview"])
	assert.NotEmpty(t, record["tail"])
	assert.LessOrEqual(t, len(record["preview"].(string)), 2048)

	artifact := record["artifact"].(map[string]interface{})
	assert.Equal(t, true, artifact["truncated"])
	assert.LessOrEqual(t, artifact["bytes"].(int64), int64(config.DefaultMaxCaptureBytes))
}

func TestSpillSkipsSensitivePaths(t *testing.T) {
	e := newTestExecutor(t)
	big := strings.Repeat("y", config.DefaultMaxInlineBytes+1)
	e.Register("mcp_workspace", HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"credentials": map[string]interface{}{"blob": big},
		}, nil
	}))

	envelope, err := e.Execute(context.Background(), "mcp_workspace", nil)
	require.NoError(t, err)
	// the key "credentials" matches the sensitivity regex, so the whole
	// subtree is masked by the redactor; the spill must not have written
	// an artifact either
	rels, err := e.artifacts.List("")
	require.NoError(t, err)
	assert.Empty(t, rels)
	_ = envelope
}

func TestSpillBudget(t *testing.T) {
	e := newTestExecutor(t)
	e.limits.MaxSpills = 2
	e.limits.MaxInlineBytes = 8
	big1 := strings.Repeat("a", 100)
	e.Register("mcp_workspace", HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"f1": big1, "f2": big1, "f3": big1,
		}, nil
	}))

	_, err := e.Execute(context.Background(), "mcp_workspace", nil)
	require.NoError(t, err)
	rels, err := e.artifacts.List("")
	require.NoError(t, err)
	assert.Len(t, rels, 2, "third spill exceeds the budget")
}

func TestDeepMergeSemantics(t *testing.T) {
	dst := map[string]interface{}{
		"scalar": "old",
		"obj":    map[string]interface{}{"keep": 1, "replace": 1},
		"arr":    []interface{}{"a"},
	}
	src := map[string]interface{}{
		"scalar": "new",
		"obj":    map[string]interface{}{"replace": 2, "add": 3},
		"arr":    []interface{}{"b", "c"},
	}
	out := deepMerge(dst, src)
	assert.Equal(t, "new", out["scalar"])
	obj := out["obj"].(map[string]interface{})
	assert.Equal(t, 1, obj["keep"])
	assert.Equal(t, 2, obj["replace"])
	assert.Equal(t, []interface{}{"b", "c"}, out["arr"], "arrays replace")
	// dst untouched
	assert.Equal(t, "old", dst["scalar"])
}

func TestValidatorGate(t *testing.T) {
	e := newTestExecutor(t)
	e.validate = func(tool string, args map[string]interface{}) error {
		if _, ok := args["action"]; !ok {
			return errors.InvalidParams("action is required for %s", tool)
		}
		return nil
	}
	e.Register("mcp_workspace", echoHandler())

	_, err := e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidParams, errors.KindOf(err))

	_, err = e.Execute(context.Background(), "mcp_workspace", map[string]interface{}{"action": "x"})
	assert.NoError(t, err)
}
