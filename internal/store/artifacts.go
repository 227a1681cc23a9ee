package store

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// URIScheme prefixes every artifact reference.
const URIScheme = "artifact://"

// ArtifactRef points at a blob under the context root.
type ArtifactRef struct {
	Rel       string `json:"rel"`
	URI       string `json:"uri"`
	Bytes     int64  `json:"bytes"`
	SHA256    string `json:"sha256,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ArtifactStore writes trace/span-addressed blobs under a context root.
// Writes go through a temp file and rename so a crash never leaves partial
// content addressable.
type ArtifactStore struct {
	root string
}

// NewArtifactStore creates an artifact store. root may be empty, in which
// case every write reports the store as unavailable.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

// Available reports whether a context root is configured.
func (s *ArtifactStore) Available() bool {
	return s != nil && s.root != ""
}

// Root returns the context root directory.
func (s *ArtifactStore) Root() string { return s.root }

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeSegment sanitizes a path segment for artifact filenames.
func SafeSegment(raw string) string {
	cleaned := unsafeSegment.ReplaceAllString(raw, "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		cleaned = "value"
	}
	if len(cleaned) > 80 {
		cleaned = cleaned[:80]
	}
	return cleaned
}

// Rel builds the canonical relative path for a trace/span artifact.
func Rel(traceID, spanID, filename string) string {
	return filepath.Join("runs", traceID, "tool_calls", spanID, filename)
}

// URI converts a relative path into an artifact URI.
func URI(rel string) string {
	return URIScheme + filepath.ToSlash(rel)
}

// ParseURI resolves an artifact URI back to its relative path.
func ParseURI(uri string) (string, error) {
	rel, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return "", errors.InvalidParams("not an artifact uri: %q", uri)
	}
	rel = filepath.FromSlash(rel)
	if rel == "" || strings.Contains(rel, "..") {
		return "", errors.InvalidParams("invalid artifact path %q", rel)
	}
	return rel, nil
}

// Create opens a writer for a new artifact. The artifact becomes visible
// only when the writer is closed without Abort.
func (s *ArtifactStore) Create(traceID, spanID, filename string) (*ArtifactWriter, error) {
	if !s.Available() {
		return nil, errors.Internal("artifact store has no context root", nil)
	}
	rel := Rel(traceID, spanID, SafeSegment(filename))
	final := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return nil, errors.Internal("artifact dir create failed", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp-*")
	if err != nil {
		return nil, errors.Internal("artifact temp create failed", err)
	}
	return &ArtifactWriter{
		store: s,
		rel:   rel,
		final: final,
		tmp:   tmp,
		hash:  sha256.New(),
	}, nil
}

// Put writes r fully (up to limit bytes when limit >= 0) as an artifact.
func (s *ArtifactStore) Put(traceID, spanID, filename string, r io.Reader, limit int64) (*ArtifactRef, error) {
	w, err := s.Create(traceID, spanID, filename)
	if err != nil {
		return nil, err
	}
	src := r
	if limit >= 0 {
		src = io.LimitReader(r, limit)
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Abort()
		return nil, errors.Internal("artifact write failed", err)
	}
	if limit >= 0 {
		// one extra byte tells us the source kept going
		var probe [1]byte
		if n, _ := r.Read(probe[:]); n > 0 {
			w.truncated = true
		}
	}
	return w.Close()
}

// Open returns a reader over an artifact by relative path.
func (s *ArtifactStore) Open(rel string) (io.ReadCloser, error) {
	if !s.Available() {
		return nil, errors.Internal("artifact store has no context root", nil)
	}
	f, err := os.Open(filepath.Join(s.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("artifact %q not found", rel)
		}
		return nil, errors.Internal("artifact open failed", err)
	}
	return f, nil
}

// List enumerates artifact relative paths under an optional trace filter.
func (s *ArtifactStore) List(traceID string) ([]string, error) {
	if !s.Available() {
		return nil, errors.Internal("artifact store has no context root", nil)
	}
	base := filepath.Join(s.root, "runs")
	if traceID != "" {
		base = filepath.Join(base, traceID)
	}
	var rels []string
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Internal("artifact list failed", err)
	}
	sort.Strings(rels)
	return rels, nil
}

// Delete removes an artifact by relative path.
func (s *ArtifactStore) Delete(rel string) error {
	if !s.Available() {
		return errors.Internal("artifact store has no context root", nil)
	}
	if err := os.Remove(filepath.Join(s.root, rel)); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("artifact %q not found", rel)
		}
		return errors.Internal("artifact delete failed", err)
	}
	return nil
}

// ArtifactWriter streams into a temp file and renames on Close.
type ArtifactWriter struct {
	store     *ArtifactStore
	rel       string
	final     string
	tmp       *os.File
	hash      hash.Hash
	bytes     int64
	truncated bool
	closed    bool
}

// Write implements io.Writer.
func (w *ArtifactWriter) Write(p []byte) (int, error) {
	n, err := w.tmp.Write(p)
	w.bytes += int64(n)
	_, _ = w.hash.Write(p[:n])
	return n, err
}

// MarkTruncated records that the source was cut before the writer saw its
// full content.
func (w *ArtifactWriter) MarkTruncated() { w.truncated = true }

// Close finalizes the artifact and returns its reference.
func (w *ArtifactWriter) Close() (*ArtifactRef, error) {
	if w.closed {
		return nil, errors.Internal("artifact writer already closed", nil)
	}
	w.closed = true
	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		os.Remove(w.tmp.Name())
		return nil, errors.Internal("artifact sync failed", err)
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return nil, errors.Internal("artifact close failed", err)
	}
	if err := os.Chmod(w.tmp.Name(), 0o600); err != nil {
		os.Remove(w.tmp.Name())
		return nil, errors.Internal("artifact chmod failed", err)
	}
	if err := os.Rename(w.tmp.Name(), w.final); err != nil {
		os.Remove(w.tmp.Name())
		return nil, errors.Internal("artifact rename failed", err)
	}
	return &ArtifactRef{
		Rel:       w.rel,
		URI:       URI(w.rel),
		Bytes:     w.bytes,
		SHA256:    hex.EncodeToString(w.hash.Sum(nil)),
		Truncated: w.truncated,
	}, nil
}

// Abort discards the artifact; nothing becomes addressable.
func (w *ArtifactWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// HashReader computes the SHA-256 of everything read through it.
type HashReader struct {
	R    io.Reader
	hash hash.Hash
	n    int64
}

// NewHashReader wraps r.
func NewHashReader(r io.Reader) *HashReader {
	return &HashReader{R: r, hash: sha256.New()}
}

// Read implements io.Reader.
func (h *HashReader) Read(p []byte) (int, error) {
	n, err := h.R.Read(p)
	if n > 0 {
		_, _ = h.hash.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (h *HashReader) Sum() string { return hex.EncodeToString(h.hash.Sum(nil)) }

// Bytes returns how many bytes passed through.
func (h *HashReader) Bytes() int64 { return h.n }

// SHA256Hex hashes a byte slice.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256File hashes a file's content.
func SHA256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// EvidenceLog appends evidence notes as JSONL under the context root.
type EvidenceLog struct {
	store *ArtifactStore
}

// NewEvidenceLog creates an evidence log over the artifact store.
func NewEvidenceLog(s *ArtifactStore) *EvidenceLog {
	return &EvidenceLog{store: s}
}

// Append adds one evidence line. line must already be marshaled JSON.
func (e *EvidenceLog) Append(line []byte) error {
	if !e.store.Available() {
		return errors.Internal("evidence log has no context root", nil)
	}
	path := filepath.Join(e.store.root, "evidence.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Internal("evidence dir create failed", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Internal("evidence open failed", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Internal("evidence append failed", err)
	}
	return nil
}

// ReadAll returns the raw evidence log contents.
func (e *EvidenceLog) ReadAll() ([]byte, error) {
	if !e.store.Available() {
		return nil, errors.Internal("evidence log has no context root", nil)
	}
	data, err := os.ReadFile(filepath.Join(e.store.root, "evidence.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Internal("evidence read failed", err)
	}
	return data, nil
}
