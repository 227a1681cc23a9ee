package store

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/infrastructure/redaction"
)

// ProfileType enumerates the supported credential bundle kinds.
type ProfileType string

const (
	ProfileSSH      ProfileType = "ssh"
	ProfileAPI      ProfileType = "api"
	ProfilePostgres ProfileType = "postgresql"
	ProfileEnv      ProfileType = "env"
	ProfileVault    ProfileType = "vault"
)

var validProfileTypes = map[ProfileType]bool{
	ProfileSSH: true, ProfileAPI: true, ProfilePostgres: true,
	ProfileEnv: true, ProfileVault: true,
}

// Profile is a named credential/configuration bundle. Data carries
// non-sensitive fields, Secrets the sensitive ones.
type Profile struct {
	Name      string                 `json:"name"`
	Type      ProfileType            `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Secrets   map[string]interface{} `json:"secrets,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Clone returns a deep-enough copy for callers to mutate maps safely.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Data = cloneMap(p.Data)
	cp.Secrets = cloneMap(p.Secrets)
	return &cp
}

// Sanitized returns the profile shaped for callers. Secrets are withheld
// unless the process-wide export flag is enabled.
func (p *Profile) Sanitized(allowSecretExport bool) map[string]interface{} {
	out := map[string]interface{}{
		"name":       p.Name,
		"type":       string(p.Type),
		"data":       cloneMap(p.Data),
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if allowSecretExport {
		out["secrets"] = cloneMap(p.Secrets)
	} else if len(p.Secrets) > 0 {
		keys := make([]string, 0, len(p.Secrets))
		for k := range p.Secrets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out["secret_keys"] = keys
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ProfileStore persists profiles atomically under the store root.
type ProfileStore struct {
	mu       sync.RWMutex
	path     string
	profiles map[string]*Profile
	loaded   bool
}

// NewProfileStore creates a profile store rooted at dir.
func NewProfileStore(dir string) *ProfileStore {
	return &ProfileStore{
		path:     filepath.Join(dir, "profiles.json"),
		profiles: make(map[string]*Profile),
	}
}

func (s *ProfileStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	var onDisk map[string]*Profile
	if _, err := readJSONFile(s.path, &onDisk); err != nil {
		return errors.Internal("profile store unreadable", err)
	}
	if onDisk != nil {
		s.profiles = onDisk
	}
	s.loaded = true
	return nil
}

// Get returns a copy of the named profile.
func (s *ProfileStore) Get(name string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	p, ok := s.profiles[name]
	if !ok {
		return nil, errors.NotFound("profile %q not found", name)
	}
	return p.Clone(), nil
}

// List returns a copy of every profile, sorted by name.
func (s *ProfileStore) List() ([]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Profile, 0, len(names))
	for _, name := range names {
		out = append(out, s.profiles[name].Clone())
	}
	return out, nil
}

// Upsert validates and persists a profile.
func (s *ProfileStore) Upsert(p *Profile) error {
	if p == nil || p.Name == "" {
		return errors.InvalidParams("profile name is required")
	}
	if !validProfileTypes[p.Type] {
		return errors.InvalidParams("unknown profile type %q", p.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	stored := p.Clone()
	stored.UpdatedAt = time.Now().UTC()
	s.profiles[p.Name] = stored
	return s.persistLocked()
}

// Delete removes a profile.
func (s *ProfileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := s.profiles[name]; !ok {
		return errors.NotFound("profile %q not found", name)
	}
	delete(s.profiles, name)
	return s.persistLocked()
}

// UpdateData merges fields into a profile's data map and persists. Used by
// host-key TOFU to pin the observed fingerprint.
func (s *ProfileStore) UpdateData(name string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	p, ok := s.profiles[name]
	if !ok {
		return errors.NotFound("profile %q not found", name)
	}
	if p.Data == nil {
		p.Data = make(map[string]interface{})
	}
	for k, v := range fields {
		p.Data[k] = v
	}
	p.UpdatedAt = time.Now().UTC()
	return s.persistLocked()
}

func (s *ProfileStore) persistLocked() error {
	if err := writeJSONFile(s.path, s.profiles); err != nil {
		return errors.Internal("profile store write failed", err)
	}
	return nil
}

// SecretValues flattens a profile's secret strings for redaction.
func (p *Profile) SecretValues() []string {
	var out []string
	for _, v := range p.Secrets {
		if s, ok := v.(string); ok && len(s) >= redaction.MinSecretLength {
			out = append(out, s)
		}
	}
	return out
}
