package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteLeavesNoPartials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"v":1}`), 0o600))
	require.NoError(t, AtomicWrite(path, []byte(`{"v":2}`), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

// Simulates a power cut between temp create and rename: a stray temp file
// must never shadow or corrupt the prior content.
func TestAtomicWriteCrashWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	require.NoError(t, AtomicWrite(path, []byte("old"), 0o600))

	// stray temp file from a crashed writer
	stray := filepath.Join(dir, "data.json.part-zzz")
	require.NoError(t, os.WriteFile(stray, []byte("gar"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	require.NoError(t, AtomicWrite(path, []byte("new"), 0o600))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestProfileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewProfileStore(dir)

	err := s.Upsert(&Profile{
		Name:    "staging-ssh",
		Type:    ProfileSSH,
		Data:    map[string]interface{}{"host": "10.0.0.2", "username": "deploy"},
		Secrets: map[string]interface{}{"password": "hunter2secret"},
	})
	require.NoError(t, err)

	// fresh store instance reads from disk
	s2 := NewProfileStore(dir)
	p, err := s2.Get("staging-ssh")
	require.NoError(t, err)
	assert.Equal(t, ProfileSSH, p.Type)
	assert.Equal(t, "10.0.0.2", p.Data["host"])

	sanitized := p.Sanitized(false)
	_, hasSecrets := sanitized["secrets"]
	assert.False(t, hasSecrets)
	assert.Equal(t, []string{"password"}, sanitized["secret_keys"])

	exported := p.Sanitized(true)
	assert.Equal(t, "hunter2secret", exported["secrets"].(map[string]interface{})["password"])

	require.NoError(t, s2.UpdateData("staging-ssh", map[string]interface{}{
		"host_key_fingerprint_sha256": "SHA256:abc",
	}))
	p, err = s2.Get("staging-ssh")
	require.NoError(t, err)
	assert.Equal(t, "SHA256:abc", p.Data["host_key_fingerprint_sha256"])

	require.NoError(t, s2.Delete("staging-ssh"))
	_, err = s2.Get("staging-ssh")
	require.Error(t, err)
}

func TestProfileStoreValidation(t *testing.T) {
	s := NewProfileStore(t.TempDir())
	assert.Error(t, s.Upsert(&Profile{Name: "", Type: ProfileSSH}))
	assert.Error(t, s.Upsert(&Profile{Name: "x", Type: "mystery"}))
}

func TestProjectResolve(t *testing.T) {
	s := NewProjectStore(t.TempDir())
	require.NoError(t, s.Upsert(&Project{
		Name:          "shop",
		DefaultTarget: "staging",
		Targets: map[string]Target{
			"staging": {SSHProfile: "shop-staging-ssh", APIProfile: "shop-api"},
			"prod":    {SSHProfile: "shop-prod-ssh"},
		},
	}))

	rt, err := s.Resolve("shop", "")
	require.NoError(t, err)
	assert.Equal(t, "staging", rt.Target)
	assert.Equal(t, "shop-staging-ssh", rt.Entry.SSHProfile)

	rt, err = s.Resolve("shop", "prod")
	require.NoError(t, err)
	assert.Equal(t, "shop-prod-ssh", rt.Entry.SSHProfile)

	_, err = s.Resolve("shop", "qa")
	assert.Error(t, err)
	_, err = s.Resolve("nope", "")
	assert.Error(t, err)
}

func TestStateStoreScopes(t *testing.T) {
	dir := t.TempDir()
	s := NewStateStore(dir)

	require.NoError(t, s.Set(ScopeSession, "a", map[string]interface{}{"v": 1}))
	require.NoError(t, s.Set(ScopePersistent, "b", "durable"))

	var got string
	ok, err := s.Get(ScopePersistent, "b", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "durable", got)

	// session scope does not survive a new store instance
	s2 := NewStateStore(dir)
	ok, err = s2.Get(ScopeSession, "a", nil)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s2.Get(ScopePersistent, "b", &got)
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := s2.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestStateStoreUpdate(t *testing.T) {
	s := NewStateStore(t.TempDir())
	err := s.Update("counter", func(current json.RawMessage) (interface{}, error) {
		assert.Nil(t, current)
		return 1, nil
	})
	require.NoError(t, err)

	err = s.Update("counter", func(current json.RawMessage) (interface{}, error) {
		assert.Equal(t, "1", string(current))
		return nil, nil
	})
	require.NoError(t, err)

	ok, err := s.Get(ScopePersistent, "counter", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArtifactPutAndURI(t *testing.T) {
	s := NewArtifactStore(t.TempDir())
	ref, err := s.Put("trace-1", "span-1", "stdout.txt", strings.NewReader("hello world"), -1)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("runs", "trace-1", "tool_calls", "span-1", "stdout.txt"), ref.Rel)
	assert.Equal(t, "artifact://runs/trace-1/tool_calls/span-1/stdout.txt", ref.URI)
	assert.Equal(t, int64(11), ref.Bytes)
	assert.False(t, ref.Truncated)
	assert.Equal(t, SHA256Hex([]byte("hello world")), ref.SHA256)

	rel, err := ParseURI(ref.URI)
	require.NoError(t, err)
	r, err := s.Open(rel)
	require.NoError(t, err)
	defer r.Close()

	rels, err := s.List("trace-1")
	require.NoError(t, err)
	assert.Equal(t, []string{ref.Rel}, rels)
}

func TestArtifactPutTruncates(t *testing.T) {
	s := NewArtifactStore(t.TempDir())
	ref, err := s.Put("t", "s", "big.txt", strings.NewReader(strings.Repeat("x", 1000)), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), ref.Bytes)
	assert.True(t, ref.Truncated)
}

func TestArtifactAbortLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s := NewArtifactStore(root)
	w, err := s.Create("t", "s", "partial.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("half-written"))
	w.Abort()

	rels, err := s.List("")
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestSafeSegment(t *testing.T) {
	assert.Equal(t, "stdout.txt", SafeSegment("stdout.txt"))
	assert.Equal(t, "a_b", SafeSegment("a/b"))
	assert.Equal(t, "value", SafeSegment("///"))
}

func TestParseURIRejectsTraversal(t *testing.T) {
	_, err := ParseURI("artifact://runs/../../etc/passwd")
	assert.Error(t, err)
	_, err = ParseURI("file:///etc/passwd")
	assert.Error(t, err)
}
