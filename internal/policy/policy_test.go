package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

func weekdayPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := Normalize(map[string]interface{}{
		"change_windows": []interface{}{
			map[string]interface{}{
				"days":  []interface{}{"mon", "tue", "wed", "thu", "fri"},
				"start": "09:00",
				"end":   "17:00",
			},
		},
	})
	require.NoError(t, err)
	return p
}

func TestChangeWindowWeekday(t *testing.T) {
	p := weekdayPolicy(t)

	// Saturday 2026-02-07 10:00 UTC
	saturday := time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC)
	err := p.EnforceWrite(WriteRequest{Intent: "gitops.deploy"}, saturday)
	require.Error(t, err)
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))
	assert.Contains(t, err.Error(), "outside change window")

	// Monday 2026-02-09 10:00 UTC
	monday := time.Date(2026, 2, 9, 10, 0, 0, 0, time.UTC)
	assert.NoError(t, p.EnforceWrite(WriteRequest{Intent: "gitops.deploy"}, monday))

	// Monday before opening
	early := time.Date(2026, 2, 9, 8, 59, 0, 0, time.UTC)
	assert.Error(t, p.EnforceWrite(WriteRequest{}, early))
}

func TestChangeWindowWrapsMidnight(t *testing.T) {
	p, err := Normalize(map[string]interface{}{
		"change_windows": []interface{}{
			map[string]interface{}{
				"days":  []interface{}{"fri"},
				"start": "22:00",
				"end":   "02:00",
			},
		},
	})
	require.NoError(t, err)

	friNight := time.Date(2026, 2, 6, 23, 30, 0, 0, time.UTC) // Friday
	assert.NoError(t, p.EnforceWrite(WriteRequest{}, friNight))

	satMorning := time.Date(2026, 2, 7, 1, 30, 0, 0, time.UTC) // Saturday 01:30
	assert.NoError(t, p.EnforceWrite(WriteRequest{}, satMorning))

	satLate := time.Date(2026, 2, 7, 3, 0, 0, 0, time.UTC)
	assert.Error(t, p.EnforceWrite(WriteRequest{}, satLate))
}

func TestAllowLists(t *testing.T) {
	merge := false
	p := &Policy{
		Mode:              "operatorless",
		AllowIntents:      []string{"gitops.deploy"},
		AllowMerge:        &merge,
		AllowedRemotes:    []string{"origin"},
		AllowedNamespaces: []string{"staging"},
	}
	now := time.Now()

	assert.NoError(t, p.EnforceWrite(WriteRequest{Intent: "gitops.deploy", Remote: "origin", Namespace: "staging"}, now))

	err := p.EnforceWrite(WriteRequest{Intent: "gitops.teardown"}, now)
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))

	err = p.EnforceWrite(WriteRequest{Intent: "gitops.deploy", Merge: true}, now)
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))

	err = p.EnforceWrite(WriteRequest{Intent: "gitops.deploy", Remote: "fork"}, now)
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))

	err = p.EnforceWrite(WriteRequest{Intent: "gitops.deploy", Namespace: "prod"}, now)
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))
}

func TestNonOperatorlessModeDenied(t *testing.T) {
	p := &Policy{Mode: "manual"}
	err := p.EnforceWrite(WriteRequest{}, time.Now())
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))
}

func TestNormalizeDefaults(t *testing.T) {
	p, err := Normalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "operatorless", p.Mode)
	assert.True(t, p.LockEnabled)
	assert.Equal(t, DefaultLockTTL, p.LockTTL)
}

func TestNormalizeLockTTLClamp(t *testing.T) {
	p, err := Normalize(map[string]interface{}{
		"lock": map[string]interface{}{"ttl_ms": float64((48 * time.Hour).Milliseconds())},
	})
	require.NoError(t, err)
	assert.Equal(t, MaxLockTTL, p.LockTTL)

	_, err = Normalize(map[string]interface{}{
		"lock": map[string]interface{}{"ttl_ms": float64(-5)},
	})
	assert.Error(t, err)
}

func TestNormalizeWindowErrors(t *testing.T) {
	_, err := Normalize(map[string]interface{}{
		"change_windows": []interface{}{
			map[string]interface{}{"days": []interface{}{"blursday"}, "start": "09:00", "end": "17:00"},
		},
	})
	assert.Error(t, err)

	_, err = Normalize(map[string]interface{}{
		"change_windows": []interface{}{
			map[string]interface{}{"start": "9am", "end": "17:00"},
		},
	})
	assert.Error(t, err)
}
