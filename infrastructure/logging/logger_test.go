package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	log := New("opsgate", "debug", "json")
	assert.Equal(t, "debug", log.Logger.Level.String())

	// bad level falls back to info
	log = New("opsgate", "chatty", "text")
	assert.Equal(t, "info", log.Logger.Level.String())
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")
	log := NewFromEnv("opsgate")
	assert.Equal(t, "warning", log.Logger.Level.String())
}

func TestWithTraceStampsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("opsgate", "debug", "json")
	log.SetOutput(&buf)

	log.WithTrace("trace-1", "span-1").Info("tool call dispatch")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "opsgate", record["service"])
	assert.Equal(t, "trace-1", record["trace_id"])
	assert.Equal(t, "span-1", record["span_id"])
	assert.Equal(t, "tool call dispatch", record["message"])
}

func TestWithTraceOmitsEmptyIDs(t *testing.T) {
	var buf bytes.Buffer
	log := New("opsgate", "info", "json")
	log.SetOutput(&buf)

	log.WithTrace("", "").Info("no trace")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, hasTrace := record["trace_id"]
	assert.False(t, hasTrace)
	_, hasSpan := record["span_id"]
	assert.False(t, hasSpan)
}

func TestAuditSinkAppendsJSONL(t *testing.T) {
	var buf bytes.Buffer
	log := New("opsgate", "info", "json")
	log.SetOutput(&buf)

	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	sink := NewAuditSink(path, log)
	sink.Append(map[string]interface{}{"tool": "mcp_workspace", "ok": true})
	sink.Append(map[string]interface{}{"tool": "mcp_api_client", "ok": false})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "mcp_workspace", first["tool"])
	assert.NotEmpty(t, first["ts"])

	// mirrored to the structured log as well
	assert.Contains(t, buf.String(), `"audit":true`)
}
