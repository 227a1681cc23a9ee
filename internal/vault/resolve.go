package vault

import (
	"context"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// ParseRef splits a ref:vault:<mount>/<path>#<field> token.
func ParseRef(token string) (mount, secretPath, field string, err error) {
	body, ok := strings.CutPrefix(token, RefPrefix)
	if !ok {
		return "", "", "", errors.InvalidParams("not a vault ref: %q", token)
	}
	if hash := strings.LastIndex(body, "#"); hash >= 0 {
		field = body[hash+1:]
		body = body[:hash]
	}
	mount, secretPath, ok = strings.Cut(body, "/")
	if !ok || mount == "" || secretPath == "" {
		return "", "", "", errors.InvalidParams("vault ref needs <mount>/<path>: %q", token)
	}
	if field == "" {
		field = "value"
	}
	return mount, secretPath, field, nil
}

// IsRef reports whether a value is a vault reference token.
func IsRef(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, RefPrefix)
}

// Resolve deep-walks v, replacing every ref:vault: token with the secret
// field it names. Secrets fetched once per (mount, path) per call.
func (c *Client) Resolve(ctx context.Context, v interface{}) (interface{}, error) {
	cache := make(map[string]map[string]interface{})
	return c.resolve(ctx, v, cache)
}

func (c *Client) resolve(ctx context.Context, v interface{}, cache map[string]map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			resolved, err := c.resolve(ctx, inner, cache)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			resolved, err := c.resolve(ctx, inner, cache)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		if !strings.HasPrefix(val, RefPrefix) {
			return val, nil
		}
		mount, secretPath, field, err := ParseRef(val)
		if err != nil {
			return nil, err
		}
		cacheKey := mount + "/" + secretPath
		data, ok := cache[cacheKey]
		if !ok {
			data, err = c.Get(ctx, mount, secretPath)
			if err != nil {
				return nil, err
			}
			cache[cacheKey] = data
		}
		secret, ok := data[field]
		if !ok {
			return nil, errors.NotFound("field %q absent at vault path %s/%s", field, mount, secretPath)
		}
		return secret, nil
	default:
		return v, nil
	}
}
