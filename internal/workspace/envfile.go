package workspace

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// HandleEnv dispatches mcp_env actions: rendering env files from env-typed
// profiles.
func (e *Engine) HandleEnv(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "render":
		return e.envRender(args, true)
	case "preview":
		return e.envRender(args, false)
	case "export":
		return e.envExport(args)
	default:
		return nil, errors.InvalidParams("unknown env action %q", action)
	}
}

// envLines renders KEY=value lines from a profile's data+secrets, sorted.
func envLines(p *store.Profile, includeSecrets bool) []string {
	merged := make(map[string]string)
	for k, v := range p.Data {
		if s, ok := v.(string); ok {
			merged[k] = s
		} else {
			merged[k] = fmt.Sprintf("%v", v)
		}
	}
	if includeSecrets {
		for k, v := range p.Secrets {
			if s, ok := v.(string); ok {
				merged[k] = s
			} else {
				merged[k] = fmt.Sprintf("%v", v)
			}
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + quoteEnvValue(merged[k])
	}
	return lines
}

func quoteEnvValue(v string) string {
	if strings.ContainsAny(v, " \t\"'\n#$") {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v) + `"`
	}
	return v
}

// envRender writes (or previews) an env file from an env profile. Secrets
// are always included in the written file; the preview masks them.
func (e *Engine) envRender(args map[string]interface{}, write bool) (interface{}, error) {
	profileName, err := validation.Str(args, "profile_name")
	if err != nil {
		return nil, err
	}
	p, err := e.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}
	if p.Type != store.ProfileEnv {
		return nil, errors.InvalidParams("profile %q is %s, not env", profileName, p.Type)
	}

	if !write {
		preview := envLines(p, false)
		// secret keys are listed, values withheld
		secretKeys := make([]string, 0, len(p.Secrets))
		for k := range p.Secrets {
			secretKeys = append(secretKeys, k)
		}
		sort.Strings(secretKeys)
		return map[string]interface{}{
			"success":     true,
			"lines":       toIfaceSlice(preview),
			"secret_keys": toIfaceSlice(secretKeys),
		}, nil
	}

	destPath, err := validation.Str(args, "path")
	if err != nil {
		return nil, err
	}
	content := strings.Join(envLines(p, true), "\n") + "\n"
	if err := store.AtomicWrite(destPath, []byte(content), 0o600); err != nil {
		return nil, errors.Internal("env file write failed", err)
	}
	info, _ := os.Stat(destPath)
	out := map[string]interface{}{
		"success": true,
		"path":    destPath,
		"keys":    len(envLines(p, true)),
	}
	if info != nil {
		out["bytes"] = info.Size()
	}
	return out, nil
}

// envExport returns the rendered lines inline; gated by the process-wide
// secret export flag.
func (e *Engine) envExport(args map[string]interface{}) (interface{}, error) {
	if !e.limits.AllowSecretExport {
		return nil, errors.Denied("secret export is disabled").
			WithHint("set INFRA_ALLOW_SECRET_EXPORT=1 to enable")
	}
	profileName, err := validation.Str(args, "profile_name")
	if err != nil {
		return nil, err
	}
	p, err := e.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}
	if p.Type != store.ProfileEnv {
		return nil, errors.InvalidParams("profile %q is %s, not env", profileName, p.Type)
	}
	return map[string]interface{}{
		"success": true,
		"lines":   toIfaceSlice(envLines(p, true)),
	}, nil
}

func toIfaceSlice(list []string) []interface{} {
	out := make([]interface{}, len(list))
	for i, v := range list {
		out[i] = v
	}
	return out
}
