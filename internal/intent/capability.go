// Package intent implements declarative operations: capability resolution
// over a dependency DAG, plan compilation with input mapping, effect
// aggregation and policy-gated execution through the runbook runner.
package intent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/runbook"
	"github.com/opsgate/opsgate/internal/store"
)

// Effect kinds.
const (
	EffectRead  = "read"
	EffectWrite = "write"
	EffectMixed = "mixed"
)

// CapabilityInputs declares the input contract of a capability.
type CapabilityInputs struct {
	Required    []string               `json:"required,omitempty" yaml:"required,omitempty"`
	Defaults    map[string]interface{} `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Map         map[string]string      `json:"map,omitempty" yaml:"map,omitempty"`
	PassThrough bool                   `json:"pass_through,omitempty" yaml:"pass_through,omitempty"`
}

// CapabilityEffects declares what executing the capability does.
type CapabilityEffects struct {
	Kind          string `json:"kind,omitempty" yaml:"kind,omitempty"`
	RequiresApply bool   `json:"requires_apply,omitempty" yaml:"requires_apply,omitempty"`
}

// Capability maps an intent to a runbook with a declarative contract.
type Capability struct {
	Name      string            `json:"name" yaml:"name"`
	Intent    string            `json:"intent" yaml:"intent"`
	When      interface{}       `json:"when,omitempty" yaml:"when,omitempty"`
	Inputs    CapabilityInputs  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Effects   CapabilityEffects `json:"effects,omitempty" yaml:"effects,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Runbook   string            `json:"runbook" yaml:"runbook"`
}

// Catalog persists capabilities under the store root.
type Catalog struct {
	mu           sync.Mutex
	path         string
	capabilities map[string]*Capability
	loaded       bool
}

// NewCatalog creates a capability catalog rooted at dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{
		path:         filepath.Join(dir, "capabilities.json"),
		capabilities: make(map[string]*Capability),
	}
}

func (c *Catalog) ensureLoaded() error {
	if c.loaded {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err == nil && len(data) > 0 {
		var onDisk map[string]*Capability
		if err := json.Unmarshal(data, &onDisk); err != nil {
			return errors.Internal("capability catalog unreadable", err)
		}
		c.capabilities = onDisk
	} else if err != nil && !os.IsNotExist(err) {
		return errors.Internal("capability catalog unreadable", err)
	}
	c.loaded = true
	return nil
}

// Get returns the named capability.
func (c *Catalog) Get(name string) (*Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	cap, ok := c.capabilities[name]
	if !ok {
		return nil, errors.NotFound("capability %q not found", name)
	}
	cp := *cap
	return &cp, nil
}

// List returns all capabilities sorted by name.
func (c *Catalog) List() ([]*Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.capabilities))
	for name := range c.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Capability, 0, len(names))
	for _, name := range names {
		cp := *c.capabilities[name]
		out = append(out, &cp)
	}
	return out, nil
}

// Upsert persists a capability.
func (c *Catalog) Upsert(cap *Capability) error {
	if cap == nil || cap.Name == "" {
		return errors.InvalidParams("capability name is required")
	}
	if cap.Runbook == "" {
		return errors.InvalidParams("capability %q needs a runbook", cap.Name)
	}
	if cap.Effects.Kind == "" {
		cap.Effects.Kind = EffectRead
	}
	switch cap.Effects.Kind {
	case EffectRead, EffectWrite, EffectMixed:
	default:
		return errors.InvalidParams("capability %q has unknown effect kind %q", cap.Name, cap.Effects.Kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	cp := *cap
	c.capabilities[cap.Name] = &cp
	return c.persistLocked()
}

// Delete removes a capability.
func (c *Catalog) Delete(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := c.capabilities[name]; !ok {
		return errors.NotFound("capability %q not found", name)
	}
	delete(c.capabilities, name)
	return c.persistLocked()
}

func (c *Catalog) persistLocked() error {
	data, err := json.MarshalIndent(c.capabilities, "", "  ")
	if err != nil {
		return errors.Internal("capability catalog marshal failed", err)
	}
	if err := store.AtomicWrite(c.path, append(data, '\n'), 0o600); err != nil {
		return errors.Internal("capability catalog write failed", err)
	}
	return nil
}

// ImportFile loads capabilities from a standalone YAML/JSON document whose
// top level is a list.
func (c *Catalog) ImportFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NotFound("capability file %q unreadable: %v", path, err)
	}
	var caps []*Capability
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &caps)
	} else {
		err = yaml.Unmarshal(data, &caps)
	}
	if err != nil {
		return 0, errors.InvalidParams("capability file %q: %v", path, err)
	}
	for _, cap := range caps {
		if err := c.Upsert(cap); err != nil {
			return 0, err
		}
	}
	return len(caps), nil
}

// FindForIntent selects the capability handling an intent type: intent
// match or name equality, filtered by when against the context, preferring
// name-equal then alphabetical.
func (c *Catalog) FindForIntent(intentType string, context map[string]interface{}) (*Capability, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	var matches []*Capability
	for _, cap := range all {
		if cap.Intent != intentType && cap.Name != intentType {
			continue
		}
		if cap.When != nil {
			ok, err := runbook.EvalWhen(cap.When, map[string]interface{}{"context": context})
			if err != nil {
				return nil, errors.Ensure(err).WithDetail("capability", cap.Name)
			}
			if !ok {
				continue
			}
		}
		matches = append(matches, cap)
	}
	if len(matches) == 0 {
		return nil, errors.NotFound("no capability handles intent %q", intentType)
	}
	sort.Slice(matches, func(i, j int) bool {
		if (matches[i].Name == intentType) != (matches[j].Name == intentType) {
			return matches[i].Name == intentType
		}
		return matches[i].Name < matches[j].Name
	})
	return matches[0], nil
}

// DependencyOrder walks depends_on depth-first, producing a topological
// order ending with root. Cycles are reported as internal errors naming
// the offending capability.
func (c *Catalog) DependencyOrder(root *Capability) ([]*Capability, error) {
	var ordered []*Capability
	visited := make(map[string]bool)
	visiting := make(map[string]bool)

	var visit func(cap *Capability) error
	visit = func(cap *Capability) error {
		if visited[cap.Name] {
			return nil
		}
		if visiting[cap.Name] {
			return errors.Internal("capability dependency cycle at "+cap.Name, nil).
				WithDetail("cycle_root", cap.Name)
		}
		visiting[cap.Name] = true
		for _, dep := range cap.DependsOn {
			depCap, err := c.Get(dep)
			if err != nil {
				return errors.Ensure(err).WithDetail("required_by", cap.Name)
			}
			if err := visit(depCap); err != nil {
				return err
			}
		}
		visiting[cap.Name] = false
		visited[cap.Name] = true
		ordered = append(ordered, cap)
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}
	return ordered, nil
}
