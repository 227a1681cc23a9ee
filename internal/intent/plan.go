package intent

import (
	"github.com/opsgate/opsgate/internal/template"
	"github.com/opsgate/opsgate/internal/validation"
)

// Intent is a declarative operation request.
type Intent struct {
	Type    string
	Inputs  map[string]interface{}
	Apply   bool
	Project string
	Target  string
}

// ParseIntent normalizes the raw intent arguments.
func ParseIntent(args map[string]interface{}) (*Intent, error) {
	intentType, err := validation.Str(args, "type")
	if err != nil {
		return nil, err
	}
	in := &Intent{
		Type:    intentType,
		Apply:   validation.BoolOr(args, "apply", false),
		Project: validation.StrOr(args, "project", ""),
		Target:  validation.StrOr(args, "target", ""),
	}
	if inputs, ok := validation.OptObj(args, "inputs"); ok {
		in.Inputs = inputs
	} else {
		in.Inputs = map[string]interface{}{}
	}
	return in, nil
}

// PlanStep is one compiled capability invocation.
type PlanStep struct {
	Capability     string                 `json:"capability"`
	Runbook        string                 `json:"runbook"`
	ResolvedInputs map[string]interface{} `json:"resolved_inputs"`
	Effects        CapabilityEffects      `json:"effects"`
	Missing        []string               `json:"missing,omitempty"`
}

// Plan is the compiled, dependency-ordered execution plan.
type Plan struct {
	Intent  string            `json:"intent"`
	Apply   bool              `json:"apply"`
	Steps   []PlanStep        `json:"steps"`
	Effects CapabilityEffects `json:"effects"`
	Missing []string          `json:"missing,omitempty"`
}

// Compile resolves inputs for each capability in dependency order and
// aggregates effects. Missing required inputs are reported as
// capability.field but do not abort compilation.
func Compile(ordered []*Capability, in *Intent) *Plan {
	plan := &Plan{
		Intent: in.Type,
		Apply:  in.Apply,
		Effects: CapabilityEffects{
			Kind: EffectRead,
		},
	}

	for _, capability := range ordered {
		step := PlanStep{
			Capability: capability.Name,
			Runbook:    capability.Runbook,
			Effects:    capability.Effects,
		}

		resolved := make(map[string]interface{}, len(capability.Inputs.Defaults))
		for k, v := range capability.Inputs.Defaults {
			resolved[k] = v
		}
		for field, path := range capability.Inputs.Map {
			if value, ok := template.Lookup(in.Inputs, path); ok {
				resolved[field] = value
			}
		}
		if capability.Inputs.PassThrough {
			for k, v := range in.Inputs {
				resolved[k] = v
			}
		}
		step.ResolvedInputs = resolved

		for _, required := range capability.Inputs.Required {
			if _, ok := resolved[required]; !ok {
				step.Missing = append(step.Missing, capability.Name+"."+required)
			}
		}
		plan.Missing = append(plan.Missing, step.Missing...)

		plan.Effects.Kind = mergeEffectKind(plan.Effects.Kind, capability.Effects.Kind)
		plan.Effects.RequiresApply = plan.Effects.RequiresApply || capability.Effects.RequiresApply

		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

// mergeEffectKind aggregates: mixed dominates, then write, then read.
func mergeEffectKind(current, next string) string {
	if current == EffectMixed || next == EffectMixed {
		return EffectMixed
	}
	if current == EffectWrite || next == EffectWrite {
		return EffectWrite
	}
	return EffectRead
}

// AsMap shapes the plan for envelopes.
func (p *Plan) AsMap() map[string]interface{} {
	steps := make([]interface{}, len(p.Steps))
	for i, step := range p.Steps {
		entry := map[string]interface{}{
			"capability":      step.Capability,
			"runbook":         step.Runbook,
			"resolved_inputs": step.ResolvedInputs,
			"effects": map[string]interface{}{
				"kind":           step.Effects.Kind,
				"requires_apply": step.Effects.RequiresApply,
			},
		}
		if len(step.Missing) > 0 {
			entry["missing"] = toIface(step.Missing)
		}
		steps[i] = entry
	}
	out := map[string]interface{}{
		"intent": p.Intent,
		"apply":  p.Apply,
		"steps":  steps,
		"effects": map[string]interface{}{
			"kind":           p.Effects.Kind,
			"requires_apply": p.Effects.RequiresApply,
		},
	}
	if len(p.Missing) > 0 {
		out["missing"] = toIface(p.Missing)
	} else {
		out["missing"] = []interface{}{}
	}
	return out
}

func toIface(list []string) []interface{} {
	out := make([]interface{}, len(list))
	for i, v := range list {
		out[i] = v
	}
	return out
}
