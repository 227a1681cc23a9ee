package httpengine

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/capture"
	"github.com/opsgate/opsgate/internal/validation"
)

// oauthExpiryBuffer shrinks cached token lifetimes so a token is refreshed
// before the server would reject it.
const oauthExpiryBuffer = 30 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
	now    func() time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken), now: time.Now}
}

func (c *tokenCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tokens[key]
	if !ok || c.now().After(entry.expiresAt) {
		return "", false
	}
	return entry.token, true
}

func (c *tokenCache) put(key, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = cachedToken{token: token, expiresAt: c.now().Add(ttl)}
}

// normalizeAuth turns the caller's auth value into an object form.
// A bare string means a bearer token.
func normalizeAuth(raw interface{}) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return map[string]interface{}{"type": "bearer", "token": v}, nil
	case map[string]interface{}:
		return v, nil
	default:
		return nil, errors.InvalidParams("auth must be a string or object")
	}
}

// resolveAuth materializes header entries for an auth object. Provider
// types exec and oauth2 may perform I/O.
func (e *Engine) resolveAuth(ctx context.Context, auth map[string]interface{}, profileName string) (map[string]string, error) {
	if auth == nil {
		return nil, nil
	}
	authType := strings.ToLower(validation.StrOr(auth, "type", "bearer"))
	headers := make(map[string]string)

	switch authType {
	case "bearer":
		token, err := validation.Str(auth, "token")
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
	case "basic":
		user := validation.StrOr(auth, "username", "")
		pass := validation.StrOr(auth, "password", "")
		if user == "" {
			return nil, errors.InvalidParams("basic auth requires username")
		}
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		headers["Authorization"] = "Basic " + cred
	case "header":
		name, err := validation.Str(auth, "name")
		if err != nil {
			return nil, err
		}
		value, err := validation.Str(auth, "value")
		if err != nil {
			return nil, err
		}
		headers[name] = value
	case "raw":
		value, err := validation.Str(auth, "value")
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = value
	case "exec":
		token, err := e.execProviderToken(ctx, auth)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
	case "oauth2":
		token, err := e.oauth2Token(ctx, auth, profileName)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
	default:
		return nil, errors.InvalidParams("unknown auth type %q", authType)
	}
	return headers, nil
}

// execProviderToken runs a subprocess and parses its stdout as a token.
func (e *Engine) execProviderToken(ctx context.Context, auth map[string]interface{}) (string, error) {
	command, err := validation.Str(auth, "command")
	if err != nil {
		return "", err
	}
	timeout := time.Duration(validation.IntOr(auth, "timeout_ms", 10000)) * time.Millisecond

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	out, err := cmd.Output()
	if execCtx.Err() == context.DeadlineExceeded {
		return "", errors.Timeout("auth exec provider exceeded %s", timeout)
	}
	if err != nil {
		return "", errors.Denied("auth exec provider failed: %v", err)
	}

	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return "", errors.Denied("auth exec provider returned no output")
	}
	if strings.HasPrefix(raw, "{") {
		tokenPath := validation.StrOr(auth, "token_path", "token")
		token := gjson.Get(raw, tokenPath)
		if !token.Exists() || token.String() == "" {
			return "", errors.Denied("auth exec provider output lacks %q", tokenPath)
		}
		return token.String(), nil
	}
	return raw, nil
}

// oauth2Token fetches (or serves from cache) a client-credentials token.
func (e *Engine) oauth2Token(ctx context.Context, auth map[string]interface{}, profileName string) (string, error) {
	tokenURL, err := validation.Str(auth, "token_url")
	if err != nil {
		return "", err
	}

	scopeKey := profileName
	if scopeKey == "" {
		scopeKey = "inline"
	}
	cacheKey := scopeKey + "|" + validation.StrOr(auth, "cache_key", tokenURL)
	if token, ok := e.tokens.get(cacheKey); ok {
		return token, nil
	}

	form := url.Values{}
	form.Set("grant_type", validation.StrOr(auth, "grant_type", "client_credentials"))
	form.Set("client_id", validation.StrOr(auth, "client_id", ""))
	form.Set("client_secret", validation.StrOr(auth, "client_secret", ""))
	for _, field := range []string{"scope", "audience", "refresh_token"} {
		if v, ok := validation.OptStr(auth, field); ok {
			form.Set(field, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.InvalidParams("oauth2 token_url invalid: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client(clientKey{}).Do(req)
	if err != nil {
		return "", errors.Retryable("oauth2 token request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		snippet := string(capture.SafePrefix(body, 16*1024))
		return "", errors.Denied("oauth2 token endpoint returned %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", e.redactor.String(snippet))
	}

	accessToken := gjson.GetBytes(body, "access_token")
	if !accessToken.Exists() || accessToken.String() == "" {
		return "", errors.Denied("oauth2 response lacks access_token")
	}

	ttl := time.Duration(gjson.GetBytes(body, "expires_in").Int()) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > oauthExpiryBuffer {
		ttl -= oauthExpiryBuffer
	}
	e.tokens.put(cacheKey, accessToken.String(), ttl)
	return accessToken.String(), nil
}

// mergeHeaders layers profile headers, request headers and auth-derived
// headers, later layers winning on canonical key.
func mergeHeaders(layers ...map[string]string) http.Header {
	out := http.Header{}
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out.Set(k, layer[k])
		}
	}
	return out
}

// headerMap flattens an untyped headers object into strings.
func headerMap(raw map[string]interface{}) map[string]string {
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}
