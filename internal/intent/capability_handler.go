package intent

import (
	"context"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// HandleCapability dispatches mcp_capability actions over the catalog.
func (e *Engine) HandleCapability(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := validation.Str(args, "action")
	if err != nil {
		return nil, err
	}
	switch action {
	case "list":
		all, err := e.catalog.List()
		if err != nil {
			return nil, err
		}
		caps := make([]interface{}, 0, len(all))
		for _, c := range all {
			caps = append(caps, capabilityMap(c))
		}
		return map[string]interface{}{"success": true, "capabilities": caps, "count": len(caps)}, nil
	case "get":
		name, err := validation.Str(args, "name")
		if err != nil {
			return nil, err
		}
		c, err := e.catalog.Get(name)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "capability": capabilityMap(c)}, nil
	case "upsert":
		c, err := capabilityFromArgs(args)
		if err != nil {
			return nil, err
		}
		if err := e.catalog.Upsert(c); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "name": c.Name}, nil
	case "delete":
		name, err := validation.Str(args, "name")
		if err != nil {
			return nil, err
		}
		if err := e.catalog.Delete(name); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "name": name}, nil
	case "import":
		path, err := validation.Str(args, "path")
		if err != nil {
			return nil, err
		}
		count, err := e.catalog.ImportFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "imported": count}, nil
	default:
		return nil, errors.InvalidParams("unknown capability action %q", action)
	}
}

func capabilityFromArgs(args map[string]interface{}) (*Capability, error) {
	name, err := validation.Str(args, "name")
	if err != nil {
		return nil, err
	}
	c := &Capability{
		Name:      name,
		Intent:    validation.StrOr(args, "intent", name),
		Runbook:   validation.StrOr(args, "runbook", ""),
		When:      args["when"],
		DependsOn: validation.StrSlice(args, "depends_on"),
	}
	if inputs, ok := validation.OptObj(args, "inputs"); ok {
		c.Inputs.Required = validation.StrSlice(inputs, "required")
		if defaults, ok := validation.OptObj(inputs, "defaults"); ok {
			c.Inputs.Defaults = defaults
		}
		if mapping, ok := validation.OptObj(inputs, "map"); ok {
			c.Inputs.Map = make(map[string]string, len(mapping))
			for k, v := range mapping {
				if s, ok := v.(string); ok {
					c.Inputs.Map[k] = s
				}
			}
		}
		c.Inputs.PassThrough = validation.BoolOr(inputs, "pass_through", false)
	}
	if effects, ok := validation.OptObj(args, "effects"); ok {
		c.Effects.Kind = validation.StrOr(effects, "kind", EffectRead)
		c.Effects.RequiresApply = validation.BoolOr(effects, "requires_apply", false)
	}
	return c, nil
}

func capabilityMap(c *Capability) map[string]interface{} {
	out := map[string]interface{}{
		"name":    c.Name,
		"intent":  c.Intent,
		"runbook": c.Runbook,
		"effects": map[string]interface{}{
			"kind":           c.Effects.Kind,
			"requires_apply": c.Effects.RequiresApply,
		},
	}
	if c.When != nil {
		out["when"] = c.When
	}
	if len(c.DependsOn) > 0 {
		out["depends_on"] = toIface(c.DependsOn)
	}
	inputs := map[string]interface{}{}
	if len(c.Inputs.Required) > 0 {
		inputs["required"] = toIface(c.Inputs.Required)
	}
	if c.Inputs.Defaults != nil {
		inputs["defaults"] = c.Inputs.Defaults
	}
	if c.Inputs.Map != nil {
		m := make(map[string]interface{}, len(c.Inputs.Map))
		for k, v := range c.Inputs.Map {
			m[k] = v
		}
		inputs["map"] = m
	}
	if c.Inputs.PassThrough {
		inputs["pass_through"] = true
	}
	if len(inputs) > 0 {
		out["inputs"] = inputs
	}
	return out
}
