package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

func testCtx() map[string]interface{} {
	return map[string]interface{}{
		"input": map[string]interface{}{
			"x":       "alpha",
			"version": float64(3),
			"flags":   []interface{}{"a", "b"},
			"obj":     map[string]interface{}{"k": "v"},
		},
	}
}

func TestWholePlaceholderKeepsType(t *testing.T) {
	got, err := Resolve("{{input.version}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, float64(3), got)

	got, err = Resolve("{{input.obj}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, got)
}

func TestConcatStringifies(t *testing.T) {
	got, err := Resolve("v{{input.version}}-{{input.x}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, "v3-alpha", got)
}

func TestArrayIndexLookup(t *testing.T) {
	got, err := Resolve("{{input.flags.1}}", testCtx(), MissingError)
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestMissingPolicies(t *testing.T) {
	_, err := Resolve("{{input.nope}}", testCtx(), MissingError)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidParams, errors.KindOf(err))

	got, err := Resolve("{{input.nope}}", testCtx(), MissingKeep)
	require.NoError(t, err)
	assert.Equal(t, "{{input.nope}}", got)

	got, err = Resolve("x={{input.nope}}", testCtx(), MissingEmpty)
	require.NoError(t, err)
	assert.Equal(t, "x=", got)
}

func TestExpandedOnceLeftToRight(t *testing.T) {
	ctx := map[string]interface{}{
		"a": "{{b}}",
		"b": "should-not-appear",
	}
	got, err := Resolve("{{a}} {{b}}", ctx, MissingError)
	require.NoError(t, err)
	// a's value contains placeholder syntax but is never re-expanded.
	assert.Equal(t, "{{b}} should-not-appear", got)
}

func TestResolveTree(t *testing.T) {
	args := map[string]interface{}{
		"cmd":  "deploy {{input.x}}",
		"list": []interface{}{"{{input.version}}"},
	}
	got, err := Resolve(args, testCtx(), MissingError)
	require.NoError(t, err)
	m := got.(map[string]interface{})
	assert.Equal(t, "deploy alpha", m["cmd"])
	assert.Equal(t, []interface{}{float64(3)}, m["list"])
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, MissingKeep, ParsePolicy("keep"))
	assert.Equal(t, MissingEmpty, ParsePolicy("Empty"))
	assert.Equal(t, MissingError, ParsePolicy(""))
	assert.Equal(t, MissingError, ParsePolicy("bogus"))
}
