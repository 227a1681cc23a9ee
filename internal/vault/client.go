// Package vault implements a KV v2-style secret store client and the deep
// ref:vault: token resolver used to hydrate profile and argument trees.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// RefPrefix marks a secret reference token.
const RefPrefix = "ref:vault:"

// tokenTTL bounds how long a resolved auth token is reused before the
// profile or environment is consulted again.
const tokenTTL = 5 * time.Minute

// Client talks to a single vault server.
type Client struct {
	baseURL string
	http    *http.Client

	profiles    *store.ProfileStore
	profileName string

	mu          sync.Mutex
	cachedToken string
	tokenUntil  time.Time
}

// Config wires a client.
type Config struct {
	BaseURL     string
	ProfileName string
	Profiles    *store.ProfileStore
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a vault client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.InvalidParams("vault base_url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:     base,
		http:        httpClient,
		profiles:    cfg.Profiles,
		profileName: cfg.ProfileName,
	}, nil
}

// FromProfile builds a client from a vault-typed profile.
func FromProfile(profiles *store.ProfileStore, name string) (*Client, error) {
	p, err := profiles.Get(name)
	if err != nil {
		return nil, err
	}
	if p.Type != store.ProfileVault {
		return nil, errors.InvalidParams("profile %q is %s, not vault", name, p.Type)
	}
	base, _ := p.Data["address"].(string)
	if base == "" {
		base, _ = p.Data["base_url"].(string)
	}
	return New(Config{BaseURL: base, ProfileName: name, Profiles: profiles})
}

func (c *Client) token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedToken != "" && time.Now().Before(c.tokenUntil) {
		return c.cachedToken, nil
	}

	token := strings.TrimSpace(os.Getenv("VAULT_TOKEN"))
	if c.profiles != nil && c.profileName != "" {
		if p, err := c.profiles.Get(c.profileName); err == nil {
			if t, ok := p.Secrets["token"].(string); ok && t != "" {
				token = t
			}
		}
	}
	if token == "" {
		return "", errors.Denied("no vault token available").
			WithHint("set VAULT_TOKEN or store secrets.token on the vault profile")
	}
	c.cachedToken = token
	c.tokenUntil = time.Now().Add(tokenTTL)
	return token, nil
}

func (c *Client) do(ctx context.Context, method, apiPath string, body interface{}) (map[string]interface{}, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Internal("vault request marshal failed", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath, reader)
	if err != nil {
		return nil, errors.InvalidParams("vault request invalid: %v", err)
	}
	req.Header.Set("X-Vault-Token", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Retryable("vault request failed: %v", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NotFound("vault path %s not found", apiPath)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		c.mu.Lock()
		c.cachedToken = ""
		c.mu.Unlock()
		return nil, errors.Denied("vault denied %s (status %d)", apiPath, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Retryable("vault status %d for %s", resp.StatusCode, apiPath)
	case resp.StatusCode >= 400:
		return nil, errors.InvalidParams("vault status %d for %s", resp.StatusCode, apiPath)
	}

	if len(payload) == 0 {
		return map[string]interface{}{}, nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, errors.Internal("vault response not JSON", err)
	}
	return decoded, nil
}

// Get reads the secret data at mount/path.
func (c *Client) Get(ctx context.Context, mount, secretPath string) (map[string]interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/%s/data/%s", url.PathEscape(mount), secretPath), nil)
	if err != nil {
		return nil, err
	}
	// KV v2 nests payload under data.data
	if outer, ok := validation.OptObj(resp, "data"); ok {
		if inner, ok := validation.OptObj(outer, "data"); ok {
			return inner, nil
		}
		return outer, nil
	}
	return resp, nil
}

// Put writes secret data at mount/path.
func (c *Client) Put(ctx context.Context, mount, secretPath string, data map[string]interface{}) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/%s/data/%s", url.PathEscape(mount), secretPath),
		map[string]interface{}{"data": data})
	return err
}

// Delete removes the latest version at mount/path.
func (c *Client) Delete(ctx context.Context, mount, secretPath string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/%s/data/%s", url.PathEscape(mount), secretPath), nil)
	return err
}

// List enumerates keys under mount/path.
func (c *Client) List(ctx context.Context, mount, secretPath string) ([]string, error) {
	resp, err := c.do(ctx, "LIST", fmt.Sprintf("/v1/%s/metadata/%s", url.PathEscape(mount), secretPath), nil)
	if err != nil {
		return nil, err
	}
	if data, ok := validation.OptObj(resp, "data"); ok {
		return validation.StrSlice(data, "keys"), nil
	}
	return nil, nil
}

// Status probes the server health endpoint.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sys/health", nil)
	if err != nil {
		return nil, errors.Internal("vault status request invalid", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Retryable("vault unreachable: %v", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var decoded map[string]interface{}
	_ = json.Unmarshal(payload, &decoded)
	if decoded == nil {
		decoded = map[string]interface{}{}
	}
	decoded["status_code"] = float64(resp.StatusCode)
	return decoded, nil
}
