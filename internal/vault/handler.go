package vault

import (
	"context"
	"os"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// Handler is the mcp_vault tool implementation. Clients build per call
// from the named vault profile (or VAULT_ADDR) and cache their tokens.
type Handler struct {
	profiles *store.ProfileStore
}

// NewHandler creates a vault tool handler.
func NewHandler(profiles *store.ProfileStore) *Handler {
	return &Handler{profiles: profiles}
}

func (h *Handler) client(args map[string]interface{}) (*Client, error) {
	if name, ok := validation.OptStr(args, "profile_name"); ok {
		return FromProfile(h.profiles, name)
	}
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		return New(Config{BaseURL: addr, Profiles: h.profiles})
	}
	// fall back to the lone vault profile
	all, err := h.profiles.List()
	if err != nil {
		return nil, err
	}
	var only *store.Profile
	for _, p := range all {
		if p.Type == store.ProfileVault {
			if only != nil {
				return nil, errors.InvalidParams("multiple vault profiles; pass profile_name")
			}
			only = p
		}
	}
	if only == nil {
		return nil, errors.NotFound("no vault profile configured and VAULT_ADDR unset")
	}
	return FromProfile(h.profiles, only.Name)
}

// Handle dispatches an mcp_vault action.
func (h *Handler) Handle(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	client, err := h.client(args)
	if err != nil {
		return nil, err
	}

	switch action {
	case "get":
		mount, err := validation.Str(args, "mount")
		if err != nil {
			return nil, err
		}
		secretPath, err := validation.Str(args, "path")
		if err != nil {
			return nil, err
		}
		data, err := client.Get(ctx, mount, secretPath)
		if err != nil {
			return nil, err
		}
		// values stay masked unless deliberately resolved via refs
		keys := make([]interface{}, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		return map[string]interface{}{
			"success": true, "mount": mount, "path": secretPath, "keys": keys,
		}, nil
	case "put":
		mount, err := validation.Str(args, "mount")
		if err != nil {
			return nil, err
		}
		secretPath, err := validation.Str(args, "path")
		if err != nil {
			return nil, err
		}
		data, err := validation.Obj(args, "data")
		if err != nil {
			return nil, err
		}
		if err := client.Put(ctx, mount, secretPath, data); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "mount": mount, "path": secretPath}, nil
	case "list":
		mount, err := validation.Str(args, "mount")
		if err != nil {
			return nil, err
		}
		keys, err := client.List(ctx, mount, validation.StrOr(args, "path", ""))
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return map[string]interface{}{"success": true, "keys": out}, nil
	case "delete":
		mount, err := validation.Str(args, "mount")
		if err != nil {
			return nil, err
		}
		secretPath, err := validation.Str(args, "path")
		if err != nil {
			return nil, err
		}
		if err := client.Delete(ctx, mount, secretPath); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "mount": mount, "path": secretPath}, nil
	case "resolve":
		value, present := args["value"]
		if !present {
			return nil, errors.InvalidParams("value is required")
		}
		resolved, err := client.Resolve(ctx, value)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "value": resolved}, nil
	case "status":
		status, err := client.Status(ctx)
		if err != nil {
			return nil, err
		}
		status["success"] = true
		return status, nil
	default:
		return nil, errors.InvalidParams("unknown vault action %q", action)
	}
}
