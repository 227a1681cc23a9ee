package store

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// Alias rewrites a tool name and may inject default args and a preset.
type Alias struct {
	Tool   string                 `json:"tool"`
	Args   map[string]interface{} `json:"args,omitempty"`
	Preset string                 `json:"preset,omitempty"`
}

// Preset is a named deep-merge source for tool arguments.
type Preset struct {
	Data map[string]interface{} `json:"data"`
}

// AliasStore persists user aliases.
type AliasStore struct {
	mu      sync.Mutex
	path    string
	aliases map[string]*Alias
	loaded  bool
}

// NewAliasStore creates an alias store rooted at dir.
func NewAliasStore(dir string) *AliasStore {
	return &AliasStore{
		path:    filepath.Join(dir, "aliases.json"),
		aliases: make(map[string]*Alias),
	}
}

func (s *AliasStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	var onDisk map[string]*Alias
	if _, err := readJSONFile(s.path, &onDisk); err != nil {
		return errors.Internal("alias store unreadable", err)
	}
	if onDisk != nil {
		s.aliases = onDisk
	}
	s.loaded = true
	return nil
}

// Get returns the alias for name, or nil.
func (s *AliasStore) Get(name string) (*Alias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	a, ok := s.aliases[name]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// List returns a copy of every alias, keyed by name.
func (s *AliasStore) List() (map[string]*Alias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make(map[string]*Alias, len(s.aliases))
	for k, v := range s.aliases {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

// Set persists an alias.
func (s *AliasStore) Set(name string, a *Alias) error {
	if name == "" || a == nil || a.Tool == "" {
		return errors.InvalidParams("alias name and tool are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	cp := *a
	s.aliases[name] = &cp
	if err := writeJSONFile(s.path, s.aliases); err != nil {
		return errors.Internal("alias store write failed", err)
	}
	return nil
}

// Delete removes an alias.
func (s *AliasStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.aliases[name]; !ok {
		return errors.NotFound("alias %q not found", name)
	}
	delete(s.aliases, name)
	if err := writeJSONFile(s.path, s.aliases); err != nil {
		return errors.Internal("alias store write failed", err)
	}
	return nil
}

// PresetStore persists argument presets.
type PresetStore struct {
	mu      sync.Mutex
	path    string
	presets map[string]*Preset
	loaded  bool
}

// NewPresetStore creates a preset store rooted at dir.
func NewPresetStore(dir string) *PresetStore {
	return &PresetStore{
		path:    filepath.Join(dir, "presets.json"),
		presets: make(map[string]*Preset),
	}
}

func (s *PresetStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	var onDisk map[string]*Preset
	if _, err := readJSONFile(s.path, &onDisk); err != nil {
		return errors.Internal("preset store unreadable", err)
	}
	if onDisk != nil {
		s.presets = onDisk
	}
	s.loaded = true
	return nil
}

// Get returns the preset data for name.
func (s *PresetStore) Get(name string) (*Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	p, ok := s.presets[name]
	if !ok {
		return nil, errors.NotFound("preset %q not found", name)
	}
	cp := *p
	return &cp, nil
}

// Names returns preset names sorted.
func (s *PresetStore) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.presets))
	for k := range s.presets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

// Set persists a preset.
func (s *PresetStore) Set(name string, p *Preset) error {
	if name == "" || p == nil {
		return errors.InvalidParams("preset name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	cp := *p
	s.presets[name] = &cp
	if err := writeJSONFile(s.path, s.presets); err != nil {
		return errors.Internal("preset store write failed", err)
	}
	return nil
}

// Delete removes a preset.
func (s *PresetStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.presets[name]; !ok {
		return errors.NotFound("preset %q not found", name)
	}
	delete(s.presets, name)
	if err := writeJSONFile(s.path, s.presets); err != nil {
		return errors.Internal("preset store write failed", err)
	}
	return nil
}
