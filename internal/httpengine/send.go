package httpengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/capture"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// Request executes one HTTP request with retry, capture and optional
// response caching.
func (e *Engine) Request(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	profile, err := e.resolveProfile(args)
	if err != nil {
		return nil, err
	}
	br, err := e.buildRequest(args, profile)
	if err != nil {
		return nil, err
	}

	// Request-level auth applies only when the profile carries none; an
	// auth provider on the profile always overrides.
	authRaw := args["auth"]
	if profile != nil {
		if pa, ok := profile.Data["auth"]; ok && pa != nil {
			authRaw = pa
		} else if token, ok := profile.Secrets["token"].(string); ok && token != "" && authRaw == nil {
			authRaw = token
		}
	}
	auth, err := normalizeAuth(authRaw)
	if err != nil {
		return nil, err
	}
	br.AuthHeaders, err = e.resolveAuth(ctx, auth, br.ProfileName)
	if err != nil {
		return nil, err
	}

	if br.Cache.Enabled {
		key := e.cacheKey(br)
		if entry, age, ok := e.cacheLookup(key, br.Cache.TTL); ok {
			entry["cache"] = map[string]interface{}{"hit": true, "age_ms": age.Milliseconds()}
			e.auditStage("http_cache_hit", map[string]interface{}{"url": br.URL, "key": key})
			return entry, nil
		}
		result, err := e.send(ctx, br, args)
		if err == nil || br.Cache.CacheErrors {
			if result != nil {
				e.cacheStore(key, result)
				e.auditStage("http_cache_store", map[string]interface{}{"url": br.URL, "key": key})
			}
		}
		return result, err
	}

	return e.send(ctx, br, args)
}

// send drives the retry loop around one request.
func (e *Engine) send(ctx context.Context, br *builtRequest, args map[string]interface{}) (map[string]interface{}, error) {
	policy := br.Retry
	attempts := policy.MaxAttempts
	if !policy.Enabled || !policy.AllowsMethod(br.Method) || attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, resp, err := e.attempt(ctx, br, args)
		if err == nil && (resp == nil || !policy.RetriesStatus(resp.StatusCode)) {
			return result, nil
		}

		var retryAfter time.Duration
		switch {
		case err != nil:
			lastErr = err
			if !policy.RetryOnNetworkError || !errors.IsRetryable(err) {
				return nil, err
			}
		case resp != nil:
			lastErr = errors.Retryable("status %d from %s", resp.StatusCode, br.URL)
			retryAfter = ParseRetryAfter(resp.Header)
			if attempt == attempts {
				// last attempt keeps the shaped response
				return result, nil
			}
		}

		if attempt < attempts {
			delay := policy.Delay(attempt, retryAfter, e.rnd)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, errors.Timeout("retry wait interrupted: %v", err)
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.Internal("request retries exhausted", nil)
	}
	return nil, lastErr
}

// attempt performs a single request and shapes the response.
func (e *Engine) attempt(ctx context.Context, br *builtRequest, args map[string]interface{}) (map[string]interface{}, *http.Response, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if br.TimeoutMs > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(br.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, br.Method, br.URL, br.reader())
	if err != nil {
		return nil, nil, errors.InvalidParams("request build failed: %v", err)
	}
	req.Header = mergeHeaders(br.Headers, br.AuthHeaders)
	if br.ContentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", br.ContentType)
	}

	start := e.now()
	resp, err := e.client(clientKey{followRedirects: br.FollowRedirects, insecure: br.Insecure}).Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, nil, errors.Timeout("request to %s exceeded %dms", br.URL, br.TimeoutMs)
		}
		return nil, nil, errors.Retryable("request to %s failed: %v", br.URL, err)
	}
	defer resp.Body.Close()

	result, err := e.shapeResponse(br, args, resp, start)
	if err != nil {
		return nil, resp, err
	}
	e.auditStage("http_fetch", map[string]interface{}{
		"method": br.Method, "url": br.URL, "status": resp.StatusCode,
	})
	return result, resp, nil
}

// shapeResponse reads the body under the capture contract and decodes it
// per response_type.
func (e *Engine) shapeResponse(br *builtRequest, args map[string]interface{}, resp *http.Response, start time.Time) (map[string]interface{}, error) {
	limits := capture.Limits{
		InlineBytes:  e.limits.MaxInlineBytes,
		CaptureBytes: e.limits.MaxCaptureBytes,
	}

	var artifactW *store.ArtifactWriter
	var artifactLimit int64
	if e.limits.APIStreamMode != config.StreamOff && e.artifacts.Available() {
		traceID := validation.StrOr(args, "trace_id", "")
		spanID := validation.StrOr(args, "span_id", "")
		if traceID != "" && spanID != "" {
			w, err := e.artifacts.Create(traceID, spanID, "response_body.bin")
			if err == nil {
				artifactW = w
				artifactLimit = int64(e.limits.MaxCaptureBytes)
				if e.limits.APIStreamMode == config.StreamFull {
					artifactLimit = -1
				}
			}
		}
	}

	var stream *capture.Stream
	if artifactW != nil {
		stream = capture.NewStream(limits, artifactW, artifactLimit)
	} else {
		stream = capture.NewStream(limits, nil, 0)
	}

	_, copyErr := io.Copy(stream, resp.Body)
	snap := stream.Snapshot()

	var bodyRef *store.ArtifactRef
	if artifactW != nil {
		if snap.ArtifactTrunc {
			artifactW.MarkTruncated()
		}
		if ref, err := artifactW.Close(); err == nil {
			bodyRef = ref
		}
	}
	if copyErr != nil {
		return nil, errors.Retryable("response read failed: %v", copyErr)
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result := map[string]interface{}{
		"success":             resp.StatusCode < 400,
		"method":              br.Method,
		"url":                 br.URL,
		"status":              resp.StatusCode,
		"statusText":          http.StatusText(resp.StatusCode),
		"headers":             headers,
		"body_read_bytes":     snap.TotalBytes,
		"body_captured_bytes": snap.CapturedBytes,
		"body_truncated":      snap.Truncated,
		"duration_ms":         e.now().Sub(start).Milliseconds(),
	}
	if bodyRef != nil {
		result["body_ref"] = bodyRef.URI
		result["body_ref_truncated"] = bodyRef.Truncated
	}

	contentType := resp.Header.Get("Content-Type")
	decodeJSON := false
	switch br.ResponseType {
	case "bytes":
		result["body_base64"] = base64.StdEncoding.EncodeToString(snap.Captured)
		result["body_bytes"] = snap.CapturedBytes
		return result, nil
	case "json":
		decodeJSON = true
	case "text":
	default: // auto
		decodeJSON = strings.Contains(contentType, "json")
	}

	text := string(capture.SafePrefix(snap.Captured, len(snap.Captured)))
	if decodeJSON {
		var parsed interface{}
		if err := json.Unmarshal(snap.Captured, &parsed); err == nil {
			result["data"] = parsed
			result["data_truncated"] = false
			return result, nil
		}
		if br.ResponseType == "json" {
			// forced json that does not parse falls back to string
			result["data"] = text
			result["data_truncated"] = snap.Truncated
			return result, nil
		}
	}
	result["data"] = text
	result["data_truncated"] = snap.Truncated || snap.InlineTruncated
	return result, nil
}
