// Package capture implements the shared output-capture contract: every
// byte stream is counted in full, buffered up to a capture cap, surfaced
// inline up to a smaller inline cap, and optionally mirrored into an
// artifact writer.
package capture

import (
	"io"
	"sync"
	"unicode/utf8"
)

// Limits bounds a single captured stream.
type Limits struct {
	InlineBytes  int
	CaptureBytes int
}

// Stream is an io.Writer that applies the capture contract. It is safe for
// use from one writer goroutine; Snapshot may be called after writing ends
// or concurrently for progress probes.
type Stream struct {
	mu       sync.Mutex
	limits   Limits
	total    int64
	captured []byte

	artifact      io.Writer
	artifactLimit int64 // -1 means unlimited
	artifactBytes int64
	artifactTrunc bool
	artifactErr   error
}

// NewStream builds a capture stream. artifact may be nil; artifactLimit < 0
// streams the full output into the artifact.
func NewStream(limits Limits, artifact io.Writer, artifactLimit int64) *Stream {
	return &Stream{
		limits:        limits,
		artifact:      artifact,
		artifactLimit: artifactLimit,
	}
}

// Write implements io.Writer. It never fails the producing stream: artifact
// errors are recorded and mirroring stops.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total += int64(len(p))

	if remaining := s.limits.CaptureBytes - len(s.captured); remaining > 0 {
		chunk := p
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		s.captured = append(s.captured, chunk...)
	}

	if s.artifact != nil && s.artifactErr == nil {
		chunk := p
		if s.artifactLimit >= 0 {
			remaining := s.artifactLimit - s.artifactBytes
			if remaining <= 0 {
				s.artifactTrunc = true
				chunk = nil
			} else if int64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
				s.artifactTrunc = true
			}
		}
		if len(chunk) > 0 {
			n, err := s.artifact.Write(chunk)
			s.artifactBytes += int64(n)
			if err != nil {
				s.artifactErr = err
			}
		}
	}

	return len(p), nil
}

// Snapshot summarizes the stream so far.
type Snapshot struct {
	TotalBytes      int64
	CapturedBytes   int64
	Captured        []byte
	Inline          string
	Truncated       bool
	InlineTruncated bool
	ArtifactBytes   int64
	ArtifactTrunc   bool
	ArtifactErr     error
}

// Snapshot returns the current capture state. Inline text is a UTF-8-safe
// prefix of the captured bytes.
func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	inline := SafePrefix(s.captured, s.limits.InlineBytes)
	return Snapshot{
		TotalBytes:      s.total,
		CapturedBytes:   int64(len(s.captured)),
		Captured:        append([]byte(nil), s.captured...),
		Inline:          string(inline),
		Truncated:       s.total > int64(len(s.captured)),
		InlineTruncated: len(inline) < len(s.captured) || s.total > int64(len(s.captured)),
		ArtifactBytes:   s.artifactBytes,
		ArtifactTrunc:   s.artifactTrunc,
		ArtifactErr:     s.artifactErr,
	}
}

// SafePrefix returns the longest prefix of b that is at most n bytes and
// does not split a UTF-8 sequence.
func SafePrefix(b []byte, n int) []byte {
	if n < 0 {
		n = 0
	}
	if len(b) <= n {
		return b
	}
	cut := n
	for cut > 0 && cut > n-utf8.UTFMax {
		if r, _ := utf8.DecodeLastRune(b[:cut]); r != utf8.RuneError {
			break
		}
		cut--
	}
	return b[:cut]
}

// SafeSuffix returns the longest suffix of b that is at most n bytes and
// does not start mid-way through a UTF-8 sequence.
func SafeSuffix(b []byte, n int) []byte {
	if n < 0 {
		n = 0
	}
	if len(b) <= n {
		return b
	}
	start := len(b) - n
	for start < len(b) && start < len(b)-n+utf8.UTFMax {
		if r, _ := utf8.DecodeRune(b[start:]); r != utf8.RuneError {
			break
		}
		start++
	}
	return b[start:]
}

// PreviewLimit clamps a preview/tail budget to [128, 2048] with a quarter of
// the inline limit as the target.
func PreviewLimit(inlineBytes int) int {
	limit := inlineBytes / 4
	if limit < 128 {
		limit = 128
	}
	if limit > 2048 {
		limit = 2048
	}
	return limit
}
