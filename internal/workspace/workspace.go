// Package workspace implements the profile, project, context, env-file,
// artifact and evidence tools plus the gated local/repo exec surface.
package workspace

import (
	"context"
	"encoding/json"

	"github.com/opsgate/opsgate/infrastructure/config"
	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/logging"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// Engine hosts the workspace-family tool handlers.
type Engine struct {
	profiles  *store.ProfileStore
	projects  *store.ProjectStore
	contextS  *store.ContextService
	aliases   *store.AliasStore
	presets   *store.PresetStore
	state     *store.StateStore
	artifacts *store.ArtifactStore
	evidence  *store.EvidenceLog
	limits    config.Limits
	log       *logging.Logger
}

// Deps wires an engine.
type Deps struct {
	Profiles  *store.ProfileStore
	Projects  *store.ProjectStore
	Context   *store.ContextService
	Aliases   *store.AliasStore
	Presets   *store.PresetStore
	State     *store.StateStore
	Artifacts *store.ArtifactStore
	Evidence  *store.EvidenceLog
	Limits    config.Limits
	Log       *logging.Logger
}

// New creates a workspace engine.
func New(deps Deps) *Engine {
	return &Engine{
		profiles:  deps.Profiles,
		projects:  deps.Projects,
		contextS:  deps.Context,
		aliases:   deps.Aliases,
		presets:   deps.Presets,
		state:     deps.State,
		artifacts: deps.Artifacts,
		evidence:  deps.Evidence,
		limits:    deps.Limits,
		log:       deps.Log,
	}
}

// HandleWorkspace dispatches mcp_workspace actions.
func (e *Engine) HandleWorkspace(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "profile_upsert":
		return e.profileUpsert(args)
	case "profile_get":
		return e.profileGet(args)
	case "profile_list":
		return e.profileList()
	case "profile_delete":
		return e.profileDelete(args)
	case "alias_set":
		return e.aliasSet(args)
	case "alias_list":
		return e.aliasList()
	case "alias_delete":
		return e.aliasDelete(args)
	case "preset_set":
		return e.presetSet(args)
	case "preset_list":
		return e.presetList()
	case "preset_delete":
		return e.presetDelete(args)
	case "state_get":
		return e.stateGet(args)
	case "state_set":
		return e.stateSet(args)
	case "state_delete":
		return e.stateDelete(args)
	case "state_keys":
		return e.stateKeys(args)
	default:
		return nil, errors.InvalidParams("unknown workspace action %q", action)
	}
}

func (e *Engine) profileUpsert(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	profileType, err := validation.Str(args, "type")
	if err != nil {
		return nil, err
	}
	p := &store.Profile{
		Name: name,
		Type: store.ProfileType(profileType),
	}
	if data, ok := validation.OptObj(args, "data"); ok {
		p.Data = data
	}
	if secrets, ok := validation.OptObj(args, "secrets"); ok {
		p.Secrets = secrets
	}
	// merge into an existing profile rather than clobbering absent maps
	if existing, err := e.profiles.Get(name); err == nil {
		if p.Data == nil {
			p.Data = existing.Data
		}
		if p.Secrets == nil {
			p.Secrets = existing.Secrets
		}
	}
	if err := e.profiles.Upsert(p); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "name": name}, nil
}

func (e *Engine) profileGet(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	p, err := e.profiles.Get(name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success": true,
		"profile": p.Sanitized(e.limits.AllowSecretExport),
	}, nil
}

func (e *Engine) profileList() (interface{}, error) {
	all, err := e.profiles.List()
	if err != nil {
		return nil, err
	}
	profiles := make([]interface{}, 0, len(all))
	for _, p := range all {
		profiles = append(profiles, p.Sanitized(false))
	}
	return map[string]interface{}{"success": true, "profiles": profiles, "count": len(profiles)}, nil
}

func (e *Engine) profileDelete(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	if err := e.profiles.Delete(name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "name": name}, nil
}

func (e *Engine) aliasSet(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	tool, err := validation.Str(args, "tool")
	if err != nil {
		return nil, err
	}
	alias := &store.Alias{Tool: tool, Preset: validation.StrOr(args, "preset", "")}
	if aliasArgs, ok := validation.OptObj(args, "args"); ok {
		alias.Args = aliasArgs
	}
	if err := e.aliases.Set(name, alias); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "name": name}, nil
}

func (e *Engine) aliasList() (interface{}, error) {
	all, err := e.aliases.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(all))
	for name, alias := range all {
		entry := map[string]interface{}{"tool": alias.Tool}
		if alias.Preset != "" {
			entry["preset"] = alias.Preset
		}
		if alias.Args != nil {
			entry["args"] = alias.Args
		}
		out[name] = entry
	}
	return map[string]interface{}{"success": true, "aliases": out}, nil
}

func (e *Engine) aliasDelete(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	if err := e.aliases.Delete(name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "name": name}, nil
}

func (e *Engine) presetSet(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	data, err := validation.Obj(args, "data")
	if err != nil {
		return nil, err
	}
	if err := e.presets.Set(name, &store.Preset{Data: data}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "name": name}, nil
}

func (e *Engine) presetList() (interface{}, error) {
	names, err := e.presets.Names()
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(names))
	for i, n := range names {
		out[i] = n
	}
	return map[string]interface{}{"success": true, "presets": out}, nil
}

func (e *Engine) presetDelete(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	if err := e.presets.Delete(name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "name": name}, nil
}

func (e *Engine) stateGet(args map[string]interface{}) (interface{}, error) {
	key, err := validation.Str(args, "key")
	if err != nil {
		return nil, err
	}
	scope, err := store.ParseScope(validation.StrOr(args, "scope", ""))
	if err != nil {
		return nil, err
	}
	var value json.RawMessage
	found, err := e.state.Get(scope, key, &value)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{"success": true, "key": key, "found": found}
	if found {
		var decoded interface{}
		if err := json.Unmarshal(value, &decoded); err == nil {
			out["value"] = decoded
		}
	}
	return out, nil
}

func (e *Engine) stateSet(args map[string]interface{}) (interface{}, error) {
	key, err := validation.Str(args, "key")
	if err != nil {
		return nil, err
	}
	scope, err := store.ParseScope(validation.StrOr(args, "scope", ""))
	if err != nil {
		return nil, err
	}
	value, present := args["value"]
	if !present {
		return nil, errors.InvalidParams("value is required")
	}
	if err := e.state.Set(scope, key, value); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "key": key, "scope": string(scope)}, nil
}

func (e *Engine) stateDelete(args map[string]interface{}) (interface{}, error) {
	key, err := validation.Str(args, "key")
	if err != nil {
		return nil, err
	}
	scope, err := store.ParseScope(validation.StrOr(args, "scope", ""))
	if err != nil {
		return nil, err
	}
	if err := e.state.Delete(scope, key); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "key": key}, nil
}

func (e *Engine) stateKeys(args map[string]interface{}) (interface{}, error) {
	keys, err := e.state.Keys(validation.StrOr(args, "prefix", ""))
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return map[string]interface{}{"success": true, "keys": out, "count": len(out)}, nil
}

// HandleProject dispatches mcp_project actions.
func (e *Engine) HandleProject(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "upsert":
		return e.projectUpsert(args)
	case "get":
		return e.projectGet(args)
	case "list":
		return e.projectList()
	case "delete":
		return e.projectDelete(args)
	case "resolve":
		return e.projectResolve(args)
	default:
		return nil, errors.InvalidParams("unknown project action %q", action)
	}
}

func (e *Engine) projectUpsert(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	p := &store.Project{
		Name:          name,
		DefaultTarget: validation.StrOr(args, "default_target", ""),
		Targets:       map[string]store.Target{},
	}
	if targets, ok := validation.OptObj(args, "targets"); ok {
		for targetName, raw := range targets {
			tobj, ok := validation.AsObj(raw)
			if !ok {
				return nil, errors.InvalidParams("target %q must be an object", targetName)
			}
			target := store.Target{
				SSHProfile:      validation.StrOr(tobj, "ssh_profile", ""),
				APIProfile:      validation.StrOr(tobj, "api_profile", ""),
				PostgresProfile: validation.StrOr(tobj, "postgres_profile", ""),
			}
			if pol, ok := validation.OptObj(tobj, "policy"); ok {
				target.Policy = pol
			}
			p.Targets[targetName] = target
		}
	}
	if err := e.projects.Upsert(p); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "name": name}, nil
}

func (e *Engine) projectGet(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	p, err := e.projects.Get(name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "project": projectMap(p)}, nil
}

func (e *Engine) projectList() (interface{}, error) {
	all, err := e.projects.List()
	if err != nil {
		return nil, err
	}
	projects := make([]interface{}, 0, len(all))
	for _, p := range all {
		projects = append(projects, projectMap(p))
	}
	return map[string]interface{}{"success": true, "projects": projects, "count": len(projects)}, nil
}

func (e *Engine) projectDelete(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	if err := e.projects.Delete(name); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "name": name}, nil
}

func (e *Engine) projectResolve(args map[string]interface{}) (interface{}, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	rt, err := e.projects.Resolve(name, validation.StrOr(args, "target", ""))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":          true,
		"project":          rt.Project,
		"target":           rt.Target,
		"ssh_profile":      rt.Entry.SSHProfile,
		"api_profile":      rt.Entry.APIProfile,
		"postgres_profile": rt.Entry.PostgresProfile,
		"policy":           rt.Entry.Policy,
	}, nil
}

func projectMap(p *store.Project) map[string]interface{} {
	targets := make(map[string]interface{}, len(p.Targets))
	for name, target := range p.Targets {
		entry := map[string]interface{}{
			"ssh_profile":      target.SSHProfile,
			"api_profile":      target.APIProfile,
			"postgres_profile": target.PostgresProfile,
		}
		if target.Policy != nil {
			entry["policy"] = target.Policy
		}
		targets[name] = entry
	}
	return map[string]interface{}{
		"name":           p.Name,
		"default_target": p.DefaultTarget,
		"targets":        targets,
	}
}

// HandleContext dispatches mcp_context actions.
func (e *Engine) HandleContext(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action := validation.StrOr(args, "action", "get")
	var c *store.Context
	var err error
	switch action {
	case "get":
		c, err = e.contextS.Current()
	case "refresh":
		c, err = e.contextS.Refresh()
	default:
		return nil, errors.InvalidParams("unknown context action %q", action)
	}
	if err != nil {
		return nil, errors.Internal("context detection failed", err)
	}
	out := c.AsMap()
	out["success"] = true
	return out, nil
}
