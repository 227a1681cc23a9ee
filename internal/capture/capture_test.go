package capture

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamCounting(t *testing.T) {
	s := NewStream(Limits{InlineBytes: 8, CaptureBytes: 16}, nil, 0)
	_, _ = s.Write([]byte(strings.Repeat("a", 10)))
	_, _ = s.Write([]byte(strings.Repeat("b", 10)))

	snap := s.Snapshot()
	assert.Equal(t, int64(20), snap.TotalBytes)
	assert.Equal(t, int64(16), snap.CapturedBytes)
	assert.Equal(t, "aaaaaaaa", snap.Inline)
	assert.True(t, snap.Truncated)
	assert.True(t, snap.InlineTruncated)
}

func TestStreamWithinLimits(t *testing.T) {
	s := NewStream(Limits{InlineBytes: 64, CaptureBytes: 64}, nil, 0)
	_, _ = s.Write([]byte("hello"))

	snap := s.Snapshot()
	assert.Equal(t, int64(5), snap.TotalBytes)
	assert.Equal(t, "hello", snap.Inline)
	assert.False(t, snap.Truncated)
	assert.False(t, snap.InlineTruncated)
}

func TestArtifactMirrorCapped(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(Limits{InlineBytes: 4, CaptureBytes: 8}, &buf, 6)
	_, _ = s.Write([]byte("0123456789"))

	snap := s.Snapshot()
	assert.Equal(t, "012345", buf.String())
	assert.Equal(t, int64(6), snap.ArtifactBytes)
	assert.True(t, snap.ArtifactTrunc)
}

func TestArtifactMirrorFull(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(Limits{InlineBytes: 4, CaptureBytes: 8}, &buf, -1)
	_, _ = s.Write([]byte(strings.Repeat("x", 100)))

	snap := s.Snapshot()
	assert.Equal(t, 100, buf.Len())
	assert.False(t, snap.ArtifactTrunc)
}

func TestSafePrefixSuffixUTF8(t *testing.T) {
	b := []byte("héllo wörld") // multibyte at index 1 and 8
	p := SafePrefix(b, 2)
	assert.True(t, len(p) <= 2)
	assert.True(t, bytesValidUTF8(p))

	sfx := SafeSuffix(b, 4)
	assert.True(t, len(sfx) <= 4)
	assert.True(t, bytesValidUTF8(sfx))

	assert.Equal(t, b, SafePrefix(b, 100))
	assert.Equal(t, b, SafeSuffix(b, 100))
}

func bytesValidUTF8(b []byte) bool {
	return strings.ToValidUTF8(string(b), "") == string(b)
}

func TestPreviewLimit(t *testing.T) {
	assert.Equal(t, 128, PreviewLimit(0))
	assert.Equal(t, 128, PreviewLimit(512))
	assert.Equal(t, 1024, PreviewLimit(4096))
	assert.Equal(t, 2048, PreviewLimit(1<<20))
}
