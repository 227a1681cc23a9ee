package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// openHTTPSource opens the HTTP leg with cache interception: a fresh cache
// entry serves the stored body; a miss tees the live body into the cache
// file, which becomes addressable only after a complete read.
func (e *Engine) openHTTPSource(ctx context.Context, source map[string]interface{}) (io.ReadCloser, map[string]interface{}, error) {
	cacheCfg, _ := validation.OptObj(source, "cache")
	enabled := cacheCfg != nil && validation.BoolOr(cacheCfg, "enabled", false) && e.cacheDir != ""
	if !enabled {
		return e.openHTTP(ctx, source)
	}

	key := validation.StrOr(cacheCfg, "key", "")
	if key == "" {
		fingerprint := validation.StrOr(source, "method", "GET") + "\n" +
			validation.StrOr(source, "url", "") +
			validation.StrOr(source, "base_url", "") +
			validation.StrOr(source, "path", "")
		key = store.SHA256Hex([]byte(fingerprint))
	} else {
		key = store.SafeSegment(key)
	}
	cachePath := filepath.Join(e.cacheDir, "body-"+key+".bin")

	ttl := time.Duration(validation.IntOr(cacheCfg, "ttl_ms", 0)) * time.Millisecond
	if info, err := os.Stat(cachePath); err == nil {
		if ttl <= 0 || time.Since(info.ModTime()) <= ttl {
			f, err := os.Open(cachePath)
			if err == nil {
				e.auditStage("http_cache_hit", map[string]interface{}{"key": key})
				return f, map[string]interface{}{
					"cache_hit": true,
					"age_ms":    time.Since(info.ModTime()).Milliseconds(),
					"bytes":     info.Size(),
				}, nil
			}
		}
	}

	body, meta, err := e.openHTTP(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(e.cacheDir, 0o700); err != nil {
		return body, meta, nil
	}
	tmp, err := os.CreateTemp(e.cacheDir, "body-*.part")
	if err != nil {
		return body, meta, nil
	}
	e.auditStage("http_cache_store", map[string]interface{}{"key": key})
	return &cacheTeeReader{
		src:   body,
		tmp:   tmp,
		final: cachePath,
	}, meta, nil
}

// cacheTeeReader mirrors reads into a temp cache file and publishes it via
// rename only when the source reached EOF.
type cacheTeeReader struct {
	src      io.ReadCloser
	tmp      *os.File
	final    string
	sawEOF   bool
	writeErr error
}

func (c *cacheTeeReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	if n > 0 && c.writeErr == nil {
		if _, werr := c.tmp.Write(p[:n]); werr != nil {
			c.writeErr = werr
		}
	}
	if err == io.EOF {
		c.sawEOF = true
	}
	return n, err
}

func (c *cacheTeeReader) Close() error {
	srcErr := c.src.Close()
	name := c.tmp.Name()
	if err := c.tmp.Close(); err == nil && c.sawEOF && c.writeErr == nil {
		_ = os.Rename(name, c.final)
	} else {
		os.Remove(name)
	}
	return srcErr
}

// jsonLine parses one JSONL record.
func jsonLine(line []byte) (map[string]interface{}, bool) {
	var row map[string]interface{}
	if err := json.Unmarshal(line, &row); err != nil {
		return nil, false
	}
	return row, true
}
