package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	exec := executor.New(executor.Deps{
		Aliases:   store.NewAliasStore(dir),
		Presets:   store.NewPresetStore(dir),
		State:     store.NewStateStore(dir),
		Artifacts: store.NewArtifactStore(""),
		Limits: config.Limits{
			MaxInlineBytes:  config.DefaultMaxInlineBytes,
			MaxCaptureBytes: config.DefaultMaxCaptureBytes,
		},
	})
	exec.Register("help", HandleHelp(TierFull))
	exec.Register("legend", HandleLegend())
	exec.Register("mcp_workspace", executor.HandlerFunc(
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"pong": true}, nil
		}))
	exec.Register("mcp_denied", executor.HandlerFunc(
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.Denied("nope")
		}))
	return NewServer(exec, TierFull, nil)
}

func roundTrip(t *testing.T, s *Server, frames ...string) []map[string]interface{} {
	t.Helper()
	in := strings.NewReader(strings.Join(frames, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), in, &out))

	var responses []map[string]interface{}
	scanner := bufio.NewScanner(&out)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestInitialize(t *testing.T) {
	s := newTestServer(t)
	responses := roundTrip(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Len(t, responses, 1)

	result := responses[0]["result"].(map[string]interface{})
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, ServerName, info["name"])
}

func TestToolsListAndSchemaNormalization(t *testing.T) {
	s := newTestServer(t)
	responses := roundTrip(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Len(t, responses, 1)

	tools := responses[0]["result"].(map[string]interface{})["tools"].([]interface{})
	assert.Len(t, tools, len(Catalog()))

	var apiTool map[string]interface{}
	for _, raw := range tools {
		tool := raw.(map[string]interface{})
		if tool["name"] == "mcp_api_client" {
			apiTool = tool
		}
	}
	require.NotNil(t, apiTool)
	schema := apiTool["inputSchema"].(map[string]interface{})
	props := schema["properties"].(map[string]interface{})

	// union types expand into anyOf
	query := props["query"].(map[string]interface{})
	_, hasType := query["type"]
	assert.False(t, hasType)
	assert.Len(t, query["anyOf"], 2)

	// arrays get items
	params := props["pagination"].(map[string]interface{})
	_ = params
	for _, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if prop["type"] == "array" {
			assert.Contains(t, prop, "items")
		}
	}

	// control fields stripped
	for _, field := range []string{"output", "store_as", "store_scope", "preset"} {
		_, present := props[field]
		assert.False(t, present, field)
	}
}

func TestToolsListCoreTier(t *testing.T) {
	s := newTestServer(t)
	s.tier = TierCore
	responses := roundTrip(t, s, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	tools := responses[0]["result"].(map[string]interface{})["tools"].([]interface{})
	assert.Len(t, tools, len(coreTools))
	for _, raw := range tools {
		name := raw.(map[string]interface{})["name"].(string)
		assert.True(t, coreTools[name], name)
	}
}

func TestToolsCallEnvelope(t *testing.T) {
	s := newTestServer(t)
	responses := roundTrip(t, s,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"mcp_workspace","arguments":{"action":"profile_list"}}}`)
	require.Len(t, responses, 1)

	content := responses[0]["result"].(map[string]interface{})["content"].([]interface{})
	entry := content[0].(map[string]interface{})
	assert.Equal(t, "text", entry["type"])

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(entry["text"].(string)), &envelope))
	assert.Equal(t, true, envelope["ok"])
	assert.Equal(t, true, envelope["result"].(map[string]interface{})["pong"])
}

func TestToolsCallErrorMapping(t *testing.T) {
	s := newTestServer(t)
	responses := roundTrip(t, s,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"mcp_denied","arguments":{}}}`)
	require.Len(t, responses, 1)

	rpcErr := responses[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(errors.JSONRPCInvalidRequest), rpcErr["code"])
	data := rpcErr["data"].(map[string]interface{})
	assert.Equal(t, "denied", data["kind"])
}

func TestUnknownMethodAndParseError(t *testing.T) {
	s := newTestServer(t)
	responses := roundTrip(t, s,
		`{"jsonrpc":"2.0","id":6,"method":"bogus/method"}`,
		`this is not json`)
	require.Len(t, responses, 2)

	byCode := map[float64]bool{}
	for _, resp := range responses {
		rpcErr := resp["error"].(map[string]interface{})
		byCode[rpcErr["code"].(float64)] = true
	}
	assert.True(t, byCode[float64(errors.JSONRPCMethodNotFound)])
	assert.True(t, byCode[float64(errors.JSONRPCParseError)])
}

func TestNotificationsIgnored(t *testing.T) {
	s := newTestServer(t)
	responses := roundTrip(t, s,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":7,"method":"initialize"}`)
	assert.Len(t, responses, 1, "notification got no response")
}

func TestSchemaValidatorCompilesAndEnforces(t *testing.T) {
	validate, err := CompileValidator(Catalog())
	require.NoError(t, err)

	// valid call
	assert.NoError(t, validate("mcp_api_client", map[string]interface{}{
		"action": "request", "url": "http://x",
	}))
	// missing required action
	err = validate("mcp_api_client", map[string]interface{}{"url": "http://x"})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidParams, errors.KindOf(err))
	// action outside the enum
	err = validate("mcp_api_client", map[string]interface{}{"action": "explode"})
	require.Error(t, err)
	// unknown tools pass through
	assert.NoError(t, validate("mcp_unknown", map[string]interface{}{}))
}

func TestHelpAndLegend(t *testing.T) {
	s := newTestServer(t)
	responses := roundTrip(t, s,
		`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"help","arguments":{"tool":"mcp_ssh_manager"}}}`,
		`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"legend","arguments":{}}}`)
	assert.Len(t, responses, 2)
}
