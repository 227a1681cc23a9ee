package httpengine

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// Download streams a response body to disk: write to <path>.part, rename
// on completion. Retries follow the request retry policy.
func (e *Engine) Download(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	destPath, err := validation.Str(args, "path")
	if err != nil {
		return nil, err
	}
	profile, err := e.resolveProfile(args)
	if err != nil {
		return nil, err
	}
	br, err := e.buildRequest(args, profile)
	if err != nil {
		return nil, err
	}
	auth, err := normalizeAuth(args["auth"])
	if err != nil {
		return nil, err
	}
	br.AuthHeaders, err = e.resolveAuth(ctx, auth, br.ProfileName)
	if err != nil {
		return nil, err
	}

	policy := br.Retry
	attempts := policy.MaxAttempts
	if !policy.Enabled || attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, retryAfter, err := e.downloadOnce(ctx, br, destPath)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || attempt == attempts {
			return nil, err
		}
		if err := e.sleep(ctx, policy.Delay(attempt, retryAfter, e.rnd)); err != nil {
			return nil, errors.Timeout("download retry wait interrupted: %v", err)
		}
	}
	return nil, lastErr
}

func (e *Engine) downloadOnce(ctx context.Context, br *builtRequest, destPath string) (map[string]interface{}, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, br.Method, br.URL, br.reader())
	if err != nil {
		return nil, 0, errors.InvalidParams("request build failed: %v", err)
	}
	req.Header = mergeHeaders(br.Headers, br.AuthHeaders)

	start := e.now()
	resp, err := e.client(clientKey{followRedirects: br.FollowRedirects, insecure: br.Insecure}).Do(req)
	if err != nil {
		return nil, 0, errors.Retryable("download request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		retryAfter := ParseRetryAfter(resp.Header)
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			return nil, retryAfter, errors.Retryable("download got status %d", resp.StatusCode)
		}
		return nil, 0, errors.InvalidParams("download got status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, 0, errors.Internal("download dir create failed", err)
	}
	partPath := destPath + ".part"
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, 0, errors.Internal("download temp create failed", err)
	}

	hashed := store.NewHashReader(resp.Body)
	written, copyErr := io.Copy(f, hashed)
	syncErr := f.Sync()
	closeErr := f.Close()
	if copyErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(partPath)
		err := copyErr
		if err == nil {
			err = syncErr
		}
		if err == nil {
			err = closeErr
		}
		return nil, 0, errors.Retryable("download stream failed: %v", err)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		os.Remove(partPath)
		return nil, 0, errors.Internal("download rename failed", err)
	}

	e.auditStage("http_fetch", map[string]interface{}{
		"method": br.Method, "url": br.URL, "status": resp.StatusCode,
		"path": destPath, "bytes": written,
	})

	return map[string]interface{}{
		"success":     true,
		"url":         br.URL,
		"status":      resp.StatusCode,
		"path":        destPath,
		"bytes":       written,
		"sha256":      hashed.Sum(),
		"duration_ms": e.now().Sub(start).Milliseconds(),
	}, 0, nil
}

// SmokeHTTP performs a GET with hop-limited redirects and compares the
// final status with expect_code.
func (e *Engine) SmokeHTTP(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawURL, err := validation.Str(args, "url")
	if err != nil {
		return nil, err
	}
	expectCode := int(validation.IntOr(args, "expect_code", 200))
	timeout := time.Duration(validation.IntOr(args, "timeout_ms", 10000)) * time.Millisecond

	parsed, err := parseSmokeURL(rawURL)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, parsed, nil)
	if err != nil {
		return nil, errors.InvalidParams("smoke url invalid: %v", err)
	}

	start := e.now()
	resp, err := e.client(clientKey{followRedirects: true}).Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeout("smoke_http exceeded %s", timeout)
		}
		return nil, errors.Retryable("smoke_http failed: %v", err)
	}
	defer resp.Body.Close()

	previewLimit := 4096
	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(previewLimit)+1))
	truncated := len(body) > previewLimit
	if truncated {
		body = body[:previewLimit]
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return map[string]interface{}{
		"success":      true,
		"ok":           resp.StatusCode == expectCode,
		"status":       resp.StatusCode,
		"expect_code":  expectCode,
		"url":          rawURL,
		"final_url":    finalURL,
		"redirected":   finalURL != rawURL,
		"body_preview": string(body),
		"bytes":        len(body),
		"truncated":    truncated,
		"duration_ms":  e.now().Sub(start).Milliseconds(),
	}, nil
}

func parseSmokeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.InvalidParams("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.InvalidParams("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return "", errors.InvalidParams("smoke_http rejects credentials in the url")
	}
	return u.String(), nil
}
