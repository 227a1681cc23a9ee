package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

func TestParseRef(t *testing.T) {
	mount, path, field, err := ParseRef("ref:vault:apps/shop/db#password")
	require.NoError(t, err)
	assert.Equal(t, "apps", mount)
	assert.Equal(t, "shop/db", path)
	assert.Equal(t, "password", field)

	mount, path, field, err = ParseRef("ref:vault:kv/simple")
	require.NoError(t, err)
	assert.Equal(t, "kv", mount)
	assert.Equal(t, "simple", path)
	assert.Equal(t, "value", field)

	_, _, _, err = ParseRef("ref:vault:nopath")
	assert.Error(t, err)
	_, _, _, err = ParseRef("plain-string")
	assert.Error(t, err)
}

func newVaultFixture(t *testing.T, hits *int32) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/apps/data/shop/db", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		atomic.AddInt32(hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{"password": "p@ssw0rd!", "user": "app"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	t.Setenv("VAULT_TOKEN", "test-token")
	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestResolveDeepWithPerCallCache(t *testing.T) {
	var hits int32
	c := newVaultFixture(t, &hits)

	in := map[string]interface{}{
		"connection": map[string]interface{}{
			"password": "ref:vault:apps/shop/db#password",
			"username": "ref:vault:apps/shop/db#user",
			"host":     "db.internal",
		},
		"list": []interface{}{"ref:vault:apps/shop/db#user"},
	}
	out, err := c.Resolve(context.Background(), in)
	require.NoError(t, err)

	conn := out.(map[string]interface{})["connection"].(map[string]interface{})
	assert.Equal(t, "p@ssw0rd!", conn["password"])
	assert.Equal(t, "app", conn["username"])
	assert.Equal(t, "db.internal", conn["host"])
	assert.Equal(t, "app", out.(map[string]interface{})["list"].([]interface{})[0])

	// one fetch for three refs to the same path
	assert.Equal(t, int32(1), hits)
}

func TestResolveMissingField(t *testing.T) {
	var hits int32
	c := newVaultFixture(t, &hits)

	_, err := c.Resolve(context.Background(), "ref:vault:apps/shop/db#nope")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestDeniedClearsCachedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("VAULT_TOKEN", "bad")

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "apps", "x")
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))
	c.mu.Lock()
	assert.Empty(t, c.cachedToken)
	c.mu.Unlock()
}

func TestNoToken(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "")
	c, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "apps", "x")
	assert.Equal(t, errors.KindDenied, errors.KindOf(err))
}
