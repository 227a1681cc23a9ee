package store

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// Scope selects where a state entry lives.
type Scope string

const (
	ScopeSession    Scope = "session"
	ScopePersistent Scope = "persistent"
)

// ParseScope normalizes a raw scope string, defaulting to session.
func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "session":
		return ScopeSession, nil
	case "persistent":
		return ScopePersistent, nil
	default:
		return "", errors.InvalidParams("unknown state scope %q", raw)
	}
}

// StateStore holds JSON values per key. Session scope is in-memory only;
// persistent scope is written through to disk atomically. A single mutex
// serializes mutations, which also gives the lock service its
// read-modify-write atomicity within the process.
type StateStore struct {
	mu         sync.Mutex
	path       string
	session    map[string]json.RawMessage
	persistent map[string]json.RawMessage
	loaded     bool
}

// NewStateStore creates a state store rooted at dir.
func NewStateStore(dir string) *StateStore {
	return &StateStore{
		path:       filepath.Join(dir, "state.json"),
		session:    make(map[string]json.RawMessage),
		persistent: make(map[string]json.RawMessage),
	}
}

func (s *StateStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	var onDisk map[string]json.RawMessage
	if _, err := readJSONFile(s.path, &onDisk); err != nil {
		return errors.Internal("state store unreadable", err)
	}
	if onDisk != nil {
		s.persistent = onDisk
	}
	s.loaded = true
	return nil
}

// Get unmarshals the value stored under key in scope.
func (s *StateStore) Get(scope Scope, key string, out interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return false, err
	}
	raw, ok := s.bucket(scope)[key]
	if !ok {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, errors.Internal("state entry corrupt", err)
		}
	}
	return true, nil
}

// Set stores a JSON value under key in scope.
func (s *StateStore) Set(scope Scope, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.InvalidParams("value not serializable: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.bucket(scope)[key] = raw
	if scope == ScopePersistent {
		return s.persistLocked()
	}
	return nil
}

// Delete removes a key. Missing keys are a no-op.
func (s *StateStore) Delete(scope Scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	bucket := s.bucket(scope)
	if _, ok := bucket[key]; !ok {
		return nil
	}
	delete(bucket, key)
	if scope == ScopePersistent {
		return s.persistLocked()
	}
	return nil
}

// Keys lists keys with the given prefix across both scopes, sorted.
func (s *StateStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var keys []string
	for _, bucket := range []map[string]json.RawMessage{s.session, s.persistent} {
		for k := range bucket {
			if strings.HasPrefix(k, prefix) && !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Update runs fn under the store mutex against the persistent value of key.
// fn receives the current raw value (nil when absent) and returns the new
// value to store, or nil to delete. This backs the lock service's
// read-modify-write acquire path.
func (s *StateStore) Update(key string, fn func(current json.RawMessage) (interface{}, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	next, err := fn(s.persistent[key])
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.persistent, key)
	} else {
		raw, err := json.Marshal(next)
		if err != nil {
			return errors.Internal("state entry marshal failed", err)
		}
		s.persistent[key] = raw
	}
	return s.persistLocked()
}

// Snapshot returns a decoded copy of every entry, session layered over
// persistent, for runbook step contexts.
func (s *StateStore) Snapshot() (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(s.session)+len(s.persistent))
	for k, raw := range s.persistent {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	for k, raw := range s.session {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	return out, nil
}

func (s *StateStore) bucket(scope Scope) map[string]json.RawMessage {
	if scope == ScopePersistent {
		return s.persistent
	}
	return s.session
}

func (s *StateStore) persistLocked() error {
	if err := writeJSONFile(s.path, s.persistent); err != nil {
		return errors.Internal("state store write failed", err)
	}
	return nil
}
