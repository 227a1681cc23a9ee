package httpengine

import (
	"context"
	"io"
	"net/http"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/capture"
)

// OpenStream performs a request and hands back the live response body for
// pipeline consumption. Upstream failures map onto the error taxonomy with
// a redacted body preview.
func (e *Engine) OpenStream(ctx context.Context, args map[string]interface{}) (io.ReadCloser, map[string]interface{}, error) {
	profile, err := e.resolveProfile(args)
	if err != nil {
		return nil, nil, err
	}
	br, err := e.buildRequest(args, profile)
	if err != nil {
		return nil, nil, err
	}
	auth, err := normalizeAuth(args["auth"])
	if err != nil {
		return nil, nil, err
	}
	br.AuthHeaders, err = e.resolveAuth(ctx, auth, br.ProfileName)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, br.Method, br.URL, br.reader())
	if err != nil {
		return nil, nil, errors.InvalidParams("request build failed: %v", err)
	}
	req.Header = mergeHeaders(br.Headers, br.AuthHeaders)
	if br.ContentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", br.ContentType)
	}

	resp, err := e.client(clientKey{followRedirects: br.FollowRedirects, insecure: br.Insecure}).Do(req)
	if err != nil {
		return nil, nil, errors.Retryable("request to %s failed: %v", br.URL, err)
	}

	if resp.StatusCode >= 400 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		detail := e.redactor.String(string(capture.SafePrefix(preview, 4096)))
		base := statusError(resp.StatusCode, br.URL)
		return nil, nil, base.WithDetail("status", resp.StatusCode).WithDetail("body", detail)
	}

	meta := map[string]interface{}{
		"status":       resp.StatusCode,
		"url":          br.URL,
		"content_type": resp.Header.Get("Content-Type"),
	}
	if resp.ContentLength >= 0 {
		meta["content_length"] = resp.ContentLength
	}
	return resp.Body, meta, nil
}

func statusError(status int, url string) *errors.ToolError {
	switch {
	case status == 401 || status == 403:
		return errors.Denied("upstream %s returned %d", url, status)
	case status == 404:
		return errors.NotFound("upstream %s returned 404", url)
	case status == 429 || status >= 500:
		return errors.Retryable("upstream %s returned %d", url, status)
	default:
		return errors.InvalidParams("upstream %s returned %d", url, status)
	}
}

// UploadStream issues a request whose body is streamed from r. The body is
// not replayable, so the retry policy is bypassed.
func (e *Engine) UploadStream(ctx context.Context, args map[string]interface{}, body io.Reader) (map[string]interface{}, error) {
	profile, err := e.resolveProfile(args)
	if err != nil {
		return nil, err
	}
	br, err := e.buildRequest(args, profile)
	if err != nil {
		return nil, err
	}
	if br.Method == http.MethodGet {
		br.Method = http.MethodPost
	}
	auth, err := normalizeAuth(args["auth"])
	if err != nil {
		return nil, err
	}
	br.AuthHeaders, err = e.resolveAuth(ctx, auth, br.ProfileName)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, br.Method, br.URL, body)
	if err != nil {
		return nil, errors.InvalidParams("request build failed: %v", err)
	}
	req.Header = mergeHeaders(br.Headers, br.AuthHeaders)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := e.client(clientKey{followRedirects: br.FollowRedirects, insecure: br.Insecure}).Do(req)
	if err != nil {
		return nil, errors.Retryable("upload to %s failed: %v", br.URL, err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if resp.StatusCode >= 400 {
		detail := e.redactor.String(string(capture.SafePrefix(preview, 16*1024)))
		return nil, statusError(resp.StatusCode, br.URL).
			WithDetail("status", resp.StatusCode).WithDetail("body", detail)
	}
	e.auditStage("http_upload", map[string]interface{}{
		"method": br.Method, "url": br.URL, "status": resp.StatusCode,
	})
	return map[string]interface{}{
		"success":      true,
		"status":       resp.StatusCode,
		"url":          br.URL,
		"body_preview": string(capture.SafePrefix(preview, 1024)),
	}, nil
}
