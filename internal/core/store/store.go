// Package store implements the in-memory versioned key-value map: atomic
// single-key operations under a monotonic version counter, with an
// optional per-key TTL folded in as the spec's optional variant.
//
// Grounded on pkg/cmap (the sharded concurrent map) for the underlying
// table and on the teacher's storage/memory.Store for the optimistic-
// version and TTL-sweep shape, simplified from the teacher's per-session
// versioning to the single global version_counter spec.md names.
package store

import (
	"sync/atomic"
	"time"

	"github.com/quorumkv/quorumkv/internal/core/domain"
	"github.com/quorumkv/quorumkv/pkg/cmap"
)

// Store is the versioned KV map. All operations are atomic with respect to
// a single key; the sharded map gives per-shard mutual exclusion while the
// Store's own version counter gives the single global, strictly
// monotonic sequence spec.md requires — substituting for a single
// reentrant mutex as spec.md explicitly permits, provided observable
// semantics match (get/put/delete on one key never interleave torn).
type Store struct {
	data           *cmap.Map[domain.Value]
	versionCounter atomic.Uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: cmap.New[domain.Value]()}
}

// Get returns the current value for key and whether it is present. An
// expired entry is treated as absent.
func (s *Store) Get(key string) (domain.Value, bool) {
	v, ok := s.data.Get(key)
	if !ok {
		return domain.Value{}, false
	}
	if v.Expired(time.Now()) {
		s.data.Delete(key)
		return domain.Value{}, false
	}
	return v, true
}

// GetVersion returns the current version for key, or 0 if absent.
func (s *Store) GetVersion(key string) uint64 {
	v, ok := s.Get(key)
	if !ok {
		return 0
	}
	return v.Version
}

// Put writes data under key, stamping it with a freshly incremented
// version and the current wallclock, and returns the new version. A
// ttl of zero means "no expiry".
func (s *Store) Put(key string, data []byte, ttl time.Duration) uint64 {
	version := s.versionCounter.Add(1)
	v := domain.Value{
		Data:    data,
		Ts:      time.Now(),
		Version: version,
	}
	if ttl > 0 {
		v.ExpiresAt = v.Ts.Add(ttl)
	}
	s.data.Set(key, v)
	return version
}

// PutIfVersion performs a conditional write: if expectedVersion is non-nil
// and the stored version is non-zero and does not match, the write is
// rejected and the current version is returned alongside false. A nil
// expectedVersion means "unconditional write".
func (s *Store) PutIfVersion(key string, data []byte, ttl time.Duration, expectedVersion *uint64) (newVersion uint64, currentVersion uint64, ok bool) {
	if expectedVersion != nil {
		current := s.GetVersion(key)
		if current != 0 && current != *expectedVersion {
			return 0, current, false
		}
	}
	return s.Put(key, data, ttl), 0, true
}

// Delete removes key, returning whether a prior entry existed.
func (s *Store) Delete(key string) bool {
	_, existed := s.Get(key)
	if !existed {
		return false
	}
	return s.data.Delete(key)
}

// GetAll returns a point-in-time copy of every live (non-expired) entry,
// for bulk sync / snapshot use.
func (s *Store) GetAll() map[string]domain.Value {
	now := time.Now()
	out := make(map[string]domain.Value)
	s.data.Range(func(key string, v domain.Value) bool {
		if !v.Expired(now) {
			out[key] = v
		}
		return true
	})
	return out
}

// Len returns the number of live entries, for metrics.
func (s *Store) Len() int {
	return len(s.GetAll())
}

// SweepExpired removes every entry whose TTL has elapsed and returns the
// count removed. Intended to be invoked periodically alongside Auth's
// token sweeper.
func (s *Store) SweepExpired() int {
	now := time.Now()
	var expired []string
	s.data.Range(func(key string, v domain.Value) bool {
		if v.Expired(now) {
			expired = append(expired, key)
		}
		return true
	})
	for _, key := range expired {
		s.data.Delete(key)
	}
	return len(expired)
}
