package sshengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

func TestEvaluateHostKey(t *testing.T) {
	observed := "SHA256:abcd1234"

	// accept skips verification entirely
	assert.NoError(t, evaluateHostKey(PolicyAccept, "", observed, "h"))
	assert.NoError(t, evaluateHostKey(PolicyAccept, "SHA256:other", observed, "h"))

	// pin demands an exact match
	assert.NoError(t, evaluateHostKey(PolicyPin, observed, observed, "h"))
	err := evaluateHostKey(PolicyPin, "SHA256:other", observed, "h")
	require.Error(t, err)
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))

	// tofu: first contact passes, a recorded mismatch is denied
	assert.NoError(t, evaluateHostKey(PolicyTOFU, "", observed, "h"))
	assert.NoError(t, evaluateHostKey(PolicyTOFU, observed, observed, "h"))
	err = evaluateHostKey(PolicyTOFU, "SHA256:recorded", observed, "h")
	require.Error(t, err)
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))

	// unknown policy is denied
	assert.Error(t, evaluateHostKey("bogus", "", observed, "h"))
}

// TOFU persistence flows through the profile store: after a first connect
// the observed value lands in data, and a later pin against it matches.
func TestTOFUPersistThenPin(t *testing.T) {
	e, _ := newTestEngine(t)
	observed := "SHA256:j6Zr2P1f0V3d5Yl1nZb5b9L0qG6hL5dF8cT2aQ9PYk"

	require.NoError(t, e.profiles.UpdateData("box", map[string]interface{}{
		fingerprintDataKey: observed,
	}))

	spec, err := e.resolveSpec(map[string]interface{}{
		"profile_name":    "box",
		"host_key_policy": "pin",
	})
	require.NoError(t, err)
	assert.Equal(t, observed, spec.PinnedFingerprint)
	assert.NoError(t, evaluateHostKey(spec.HostKeyPolicy, spec.PinnedFingerprint, observed, "h"))

	// a changed host key under pin is denied
	err = evaluateHostKey(spec.HostKeyPolicy, spec.PinnedFingerprint, "SHA256:changed", "h")
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))
}
