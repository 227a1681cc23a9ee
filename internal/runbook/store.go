package runbook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
)

// Store persists runbooks under the store root in runbooks.json. Standalone
// YAML/JSON runbook documents are decoded by ParseFile; the store itself
// reads only runbooks.json.
type Store struct {
	mu       sync.Mutex
	path     string
	runbooks map[string]*Runbook
	loaded   bool
}

// NewStore creates a runbook store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		path:     filepath.Join(dir, "runbooks.json"),
		runbooks: make(map[string]*Runbook),
	}
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err == nil && len(data) > 0 {
		var onDisk map[string]*Runbook
		if err := json.Unmarshal(data, &onDisk); err != nil {
			return errors.Internal("runbook store unreadable", err)
		}
		s.runbooks = onDisk
	} else if err != nil && !os.IsNotExist(err) {
		return errors.Internal("runbook store unreadable", err)
	}
	s.loaded = true
	return nil
}

// Get returns the named runbook.
func (s *Store) Get(name string) (*Runbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	rb, ok := s.runbooks[name]
	if !ok {
		return nil, errors.NotFound("runbook %q not found", name)
	}
	cp := *rb
	return &cp, nil
}

// Names lists runbook names sorted.
func (s *Store) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.runbooks))
	for name := range s.runbooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Upsert persists a runbook definition.
func (s *Store) Upsert(rb *Runbook) error {
	if rb == nil || rb.Name == "" {
		return errors.InvalidParams("runbook name is required")
	}
	if len(rb.Steps) == 0 {
		return errors.InvalidParams("runbook %q has no steps", rb.Name)
	}
	for i, step := range rb.Steps {
		if step.Tool == "" {
			return errors.InvalidParams("runbook %q step %d lacks a tool", rb.Name, i+1)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	cp := *rb
	s.runbooks[rb.Name] = &cp
	return s.persistLocked()
}

// Delete removes a runbook.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.runbooks[name]; !ok {
		return errors.NotFound("runbook %q not found", name)
	}
	delete(s.runbooks, name)
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.runbooks, "", "  ")
	if err != nil {
		return errors.Internal("runbook store marshal failed", err)
	}
	if err := store.AtomicWrite(s.path, append(data, '\n'), 0o600); err != nil {
		return errors.Internal("runbook store write failed", err)
	}
	return nil
}

// ParseFile decodes a standalone runbook document (YAML or JSON).
func ParseFile(path string) (*Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NotFound("runbook file %q unreadable: %v", path, err)
	}
	var rb Runbook
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &rb); err != nil {
			return nil, errors.InvalidParams("runbook file %q: %v", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &rb); err != nil {
			return nil, errors.InvalidParams("runbook file %q: %v", path, err)
		}
	}
	if rb.Name == "" {
		rb.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &rb, nil
}
