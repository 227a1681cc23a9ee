package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
)

// LockRecord is the persisted lock value. Reentrancy is keyed by trace ID.
type LockRecord struct {
	Key        string                 `json:"key"`
	TraceID    string                 `json:"trace_id"`
	AcquiredAt time.Time              `json:"acquired_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	TTLMs      int64                  `json:"ttl_ms"`
	Count      int                    `json:"count"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// ProjectLockKey builds the lock key scoping a project+target.
func ProjectLockKey(project, target string) string {
	return fmt.Sprintf("gitops.lock.project:%s:%s", project, target)
}

// RepoLockKey builds the lock key scoping a repository root.
func RepoLockKey(repoRoot string) string {
	sum := sha256.Sum256([]byte(repoRoot))
	return "gitops.lock.repo:" + hex.EncodeToString(sum[:8])
}

// LockService provides reentrant TTL locks persisted through the state
// store. Cross-process exclusion holds when processes share the state file.
type LockService struct {
	state *store.StateStore
	now   func() time.Time
}

// NewLockService creates a lock service over the state store.
func NewLockService(state *store.StateStore) *LockService {
	return &LockService{state: state, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (s *LockService) WithClock(now func() time.Time) *LockService {
	s.now = now
	return s
}

// Acquire takes or re-enters the lock at key for traceID. An expired holder
// is silently replaced. Conflicts carry the holder and expiry as details.
func (s *LockService) Acquire(key, traceID string, ttl time.Duration, meta map[string]interface{}) (*LockRecord, error) {
	if key == "" || traceID == "" {
		return nil, errors.InvalidParams("lock key and trace_id are required")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if ttl > MaxLockTTL {
		ttl = MaxLockTTL
	}

	var out LockRecord
	err := s.state.Update(key, func(current json.RawMessage) (interface{}, error) {
		now := s.now().UTC()

		var existing *LockRecord
		if len(current) > 0 {
			var rec LockRecord
			if err := json.Unmarshal(current, &rec); err == nil {
				existing = &rec
			}
		}

		switch {
		case existing == nil || now.After(existing.ExpiresAt):
			out = LockRecord{
				Key:        key,
				TraceID:    traceID,
				AcquiredAt: now,
				UpdatedAt:  now,
				ExpiresAt:  now.Add(ttl),
				TTLMs:      ttl.Milliseconds(),
				Count:      1,
				Meta:       meta,
			}
		case existing.TraceID == traceID:
			out = *existing
			out.Count++
			out.UpdatedAt = now
			out.ExpiresAt = now.Add(ttl)
			out.TTLMs = ttl.Milliseconds()
		default:
			return nil, errors.Conflict("lock %q held by another operation", key).
				WithDetail("holder_trace_id", existing.TraceID).
				WithDetail("expires_at", existing.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh extends the expiry for the current holder without bumping count.
func (s *LockService) Refresh(key, traceID string, ttl time.Duration) (*LockRecord, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	var out LockRecord
	err := s.state.Update(key, func(current json.RawMessage) (interface{}, error) {
		if len(current) == 0 {
			return nil, errors.NotFound("lock %q not held", key)
		}
		var rec LockRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, errors.Internal("lock record corrupt", err)
		}
		if rec.TraceID != traceID {
			return nil, errors.Conflict("lock %q held by another operation", key)
		}
		now := s.now().UTC()
		rec.UpdatedAt = now
		rec.ExpiresAt = now.Add(ttl)
		out = rec
		return &rec, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Release decrements the reentrancy count, deleting the record at zero.
// A release against another holder's lock is a no-op.
func (s *LockService) Release(key, traceID string) (bool, error) {
	released := false
	err := s.state.Update(key, func(current json.RawMessage) (interface{}, error) {
		if len(current) == 0 {
			return nil, nil
		}
		var rec LockRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, nil
		}
		if rec.TraceID != traceID {
			// held by someone else; leave it alone
			return &rec, nil
		}
		rec.Count--
		if rec.Count <= 0 {
			released = true
			return nil, nil
		}
		rec.UpdatedAt = s.now().UTC()
		return &rec, nil
	})
	return released, err
}

// Inspect returns the current record for key, or nil.
func (s *LockService) Inspect(key string) (*LockRecord, error) {
	var rec LockRecord
	ok, err := s.state.Get(store.ScopePersistent, key, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
