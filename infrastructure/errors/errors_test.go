package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolErrorChaining(t *testing.T) {
	err := NotFound("profile %q not found", "staging").
		WithHint("run mcp_workspace profile_list").
		WithDetail("profile", "staging")

	assert.Equal(t, KindNotFound, err.Kind)
	assert.Equal(t, CodeNotFound, err.Code)
	assert.False(t, err.Retryable)
	assert.Equal(t, "run mcp_workspace profile_list", err.Hint)
	assert.Equal(t, "staging", err.Details["profile"])
	assert.Contains(t, err.Error(), "profile \"staging\" not found")
}

func TestAsAndEnsure(t *testing.T) {
	inner := Timeout("exec exceeded %dms", 5000)
	wrapped := fmt.Errorf("ssh: %w", inner)

	got := As(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, KindTimeout, got.Kind)
	assert.True(t, IsRetryable(wrapped))

	plain := fmt.Errorf("boom")
	ensured := Ensure(plain)
	assert.Equal(t, KindInternal, ensured.Kind)
	assert.Equal(t, plain, ensured.Err)

	// Ensure never downgrades an already-typed error.
	assert.Same(t, inner, Ensure(wrapped))
}

func TestJSONRPCCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{InvalidParams("bad"), JSONRPCInvalidParams},
		{NotFound("missing"), JSONRPCInvalidRequest},
		{Conflict("held"), JSONRPCInvalidRequest},
		{Denied("policy"), JSONRPCInvalidRequest},
		{Timeout("slow"), JSONRPCTimeout},
		{Retryable("flaky"), JSONRPCInternal},
		{Internal("bug", nil), JSONRPCInternal},
		{fmt.Errorf("untyped"), JSONRPCInternal},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.code, JSONRPCCode(tc.err), "for %v", tc.err)
	}
}
