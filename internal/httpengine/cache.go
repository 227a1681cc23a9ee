package httpengine

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/store"
)

// cacheEntry is the on-disk response cache record.
type cacheEntry struct {
	StoredAt time.Time              `json:"stored_at"`
	Result   map[string]interface{} `json:"result"`
}

// cacheKey builds the fingerprint for a request: the caller's key when
// given, else a hash over url, method, headers and body.
func (e *Engine) cacheKey(br *builtRequest) string {
	if br.Cache.Key != "" {
		return store.SafeSegment(br.Cache.Key)
	}

	var b strings.Builder
	b.WriteString(br.Method)
	b.WriteByte('\n')
	b.WriteString(br.URL)
	b.WriteByte('\n')
	keys := make([]string, 0, len(br.Headers))
	for k := range br.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(br.Headers[k])
		b.WriteByte('\n')
	}
	b.Write(br.Body)
	return store.SHA256Hex([]byte(b.String()))
}

// cacheLookup loads a fresh cache entry, reporting its age.
func (e *Engine) cacheLookup(key string, ttl time.Duration) (map[string]interface{}, time.Duration, bool) {
	if e.cacheDir == "" {
		return nil, 0, false
	}
	data, err := os.ReadFile(e.cachePath(key))
	if err != nil {
		return nil, 0, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, 0, false
	}
	age := e.now().Sub(entry.StoredAt)
	if ttl > 0 && age > ttl {
		return nil, 0, false
	}
	return entry.Result, age, true
}

// cacheStore persists a response under key, atomically.
func (e *Engine) cacheStore(key string, result map[string]interface{}) {
	if e.cacheDir == "" {
		return
	}
	entry := cacheEntry{StoredAt: e.now(), Result: result}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = store.AtomicWrite(e.cachePath(key), data, 0o600)
}
