package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/kie-forge/genorchestrator/internal/domain"
)

type memRecord struct {
	entry     domain.DedupeEntry
	expiresAt time.Time
}

// MemoryStore is the single-process fallback DedupeStore, used in dev and
// whenever Redis is unreachable. It holds the same secondary indices as
// RedisStore so callers see identical semantics either way.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memRecord
	reqIdx  map[string]string
	jobIdx  map[string]string
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memRecord),
		reqIdx:  make(map[string]string),
		jobIdx:  make(map[string]string),
	}
}

func expired(r memRecord) bool {
	return !r.expiresAt.IsZero() && time.Now().After(r.expiresAt)
}

// Get implements domain.DedupeStore.
func (s *MemoryStore) Get(_ context.Context, key string) (domain.DedupeEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[key]
	if !ok || expired(r) {
		return domain.DedupeEntry{}, false, nil
	}
	return r.entry, true, nil
}

// Set implements domain.DedupeStore.
func (s *MemoryStore) Set(_ context.Context, entry domain.DedupeEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.entries[entry.Key()] = memRecord{entry: entry, expiresAt: exp}
	s.indexLocked(entry)
	return nil
}

func (s *MemoryStore) indexLocked(entry domain.DedupeEntry) {
	if entry.RequestID != "" {
		s.reqIdx[entry.RequestID] = entry.Key()
	}
	if entry.JobID != "" && entry.ProviderTaskID != "" {
		s.jobIdx[entry.JobID] = entry.ProviderTaskID
	}
}

// Update implements domain.DedupeStore's CAS-like read-modify-write; the
// whole-map mutex makes this trivially atomic in-process.
func (s *MemoryStore) Update(_ context.Context, key string, fn func(domain.DedupeEntry, bool) (domain.DedupeEntry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[key]
	found := ok && !expired(r)
	var cur domain.DedupeEntry
	if found {
		cur = r.entry
	}

	next, err := fn(cur, found)
	if err != nil {
		return err
	}

	exp := r.expiresAt
	if !found {
		exp = time.Time{}
	}
	s.entries[key] = memRecord{entry: next, expiresAt: exp}
	s.indexLocked(next)
	return nil
}

// Delete implements domain.DedupeStore.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// List implements domain.DedupeStore, pruning expired entries as it scans.
func (s *MemoryStore) List(_ context.Context, limit int) ([]domain.DedupeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	out := make([]domain.DedupeEntry, 0, limit)
	for k, r := range s.entries {
		if expired(r) {
			delete(s.entries, k)
			continue
		}
		out = append(out, r.entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ResolveRequestID implements domain.DedupeStore.
func (s *MemoryStore) ResolveRequestID(_ context.Context, requestID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.reqIdx[requestID]
	return k, ok, nil
}

// ResolveJobID implements domain.DedupeStore.
func (s *MemoryStore) ResolveJobID(_ context.Context, jobID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.jobIdx[jobID]
	return v, ok, nil
}
