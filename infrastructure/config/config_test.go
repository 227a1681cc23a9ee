package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	limits := Load()
	assert.Equal(t, DefaultMaxInlineBytes, limits.MaxInlineBytes)
	assert.Equal(t, DefaultMaxCaptureBytes, limits.MaxCaptureBytes)
	assert.Equal(t, DefaultMaxSpills, limits.MaxSpills)
	assert.Equal(t, DefaultToolCallTimeout, limits.ToolCallTimeout)
	assert.Equal(t, "full", limits.ToolTier)
	assert.False(t, limits.AllowSecretExport)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INFRA_MAX_INLINE_BYTES", "1024")
	t.Setenv("INFRA_TOOL_CALL_TIMEOUT_MS", "5000")
	t.Setenv("INFRA_STREAM_TO_ARTIFACT", "full")
	t.Setenv("INFRA_SSH_STREAM_TO_ARTIFACT", "capped")
	t.Setenv("INFRA_TOOL_TIER", "core")
	t.Setenv("INFRA_ALLOW_SECRET_EXPORT", "yes")

	limits := Load()
	assert.Equal(t, 1024, limits.MaxInlineBytes)
	assert.Equal(t, 5*time.Second, limits.ToolCallTimeout)
	assert.Equal(t, StreamFull, limits.StreamToArtifact)
	assert.Equal(t, StreamCapped, limits.SSHStreamMode)
	assert.Equal(t, StreamFull, limits.APIStreamMode)
	assert.Equal(t, "core", limits.ToolTier)
	assert.True(t, limits.AllowSecretExport)
}

func TestParseStreamMode(t *testing.T) {
	assert.Equal(t, StreamCapped, parseStreamMode("1"))
	assert.Equal(t, StreamCapped, parseStreamMode("true"))
	assert.Equal(t, StreamFull, parseStreamMode("FULL"))
	assert.Equal(t, StreamOff, parseStreamMode("off"))
	assert.Equal(t, StreamOff, parseStreamMode(""))
}

func TestSplitAndTrimCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitAndTrimCSV(" a , b ,"))
	assert.Nil(t, SplitAndTrimCSV(""))
}
