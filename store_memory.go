package idemgate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store implementation.
//
// It is suitable for single-instance deployments where record state does
// not need to be shared across processes. For load-balanced clusters,
// use one of the shared backends under stores/ or implement Store
// against your own.
//
// Layout: a coarse mutex guards the record map, the lease index, and the
// per-key lock table. Lease acquisition additionally serializes through a
// per-key lock taken before the coarse mutex; the check-and-insert itself
// runs under the coarse mutex, so reservations for unrelated keys still
// serialize on it. A per-key lock is reclaimed only once no goroutine
// holds it and its record is gone.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*IdempotencyRecord
	leases  map[string]string // lease token -> key
	locks   map[string]*keyLock
	now     func() time.Time
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*IdempotencyRecord),
		leases:  make(map[string]string),
		locks:   make(map[string]*keyLock),
		now:     time.Now,
	}
}

// Get returns the unexpired record under key, or nil. Expired records are
// pruned on sight so the key behaves as absent before any sweep runs.
func (s *MemoryStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	if rec == nil {
		return nil, nil
	}
	if rec.Expired(s.now()) {
		s.dropLocked(key, rec)
		return nil, nil
	}
	return rec.Clone(), nil
}

// PutNewRunning atomically reserves the key for execution.
func (s *MemoryStore) PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*LeaseResult, error) {
	lk := s.lockKey(key)
	defer s.unlockKey(key, lk)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.records[key]; existing != nil {
		if !existing.Expired(s.now()) {
			return &LeaseResult{Acquired: false, Existing: existing.Clone()}, nil
		}
		// Expired record shadowed by this acquisition.
		s.dropLocked(key, existing)
	}

	now := s.now().UTC()
	rec := &IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateRunning,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		LeaseToken:  uuid.NewString(),
		TraceID:     traceID,
	}
	s.records[key] = rec
	s.leases[rec.LeaseToken] = key

	return &LeaseResult{Acquired: true, LeaseToken: rec.LeaseToken}, nil
}

// Complete transitions the lease's record to COMPLETED.
func (s *MemoryStore) Complete(ctx context.Context, leaseToken string, response *StoredResponse) error {
	return s.terminal(leaseToken, StateCompleted, response)
}

// Fail transitions the lease's record to FAILED.
func (s *MemoryStore) Fail(ctx context.Context, leaseToken string, response *StoredResponse) error {
	return s.terminal(leaseToken, StateFailed, response)
}

func (s *MemoryStore) terminal(leaseToken string, state RequestState, response *StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.leases[leaseToken]
	if !ok {
		return ErrUnknownLease
	}
	rec := s.records[key]
	if rec == nil || rec.Expired(s.now()) {
		delete(s.leases, leaseToken)
		return ErrUnknownLease
	}
	if rec.State.Terminal() {
		return ErrWrongState
	}
	if rec.LeaseToken != leaseToken {
		// The record was superseded by a post-expiry lease.
		delete(s.leases, leaseToken)
		return ErrUnknownLease
	}

	rec.State = state
	rec.Response = response
	rec.LeaseToken = ""
	return nil
}

// CleanupExpired removes all records past their expiry, prunes stale lease
// index entries, and reclaims unheld per-key locks.
func (s *MemoryStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			s.dropLocked(key, rec)
			removed++
		}
	}

	for token, key := range s.leases {
		rec := s.records[key]
		if rec == nil || rec.LeaseToken != token {
			delete(s.leases, token)
		}
	}

	for key, lk := range s.locks {
		if lk.refs == 0 {
			if _, live := s.records[key]; !live {
				delete(s.locks, key)
			}
		}
	}
	return removed, nil
}

// Len reports the number of live records. Used by tests and metrics.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// dropLocked removes a record and its lease index entry. Caller holds s.mu.
func (s *MemoryStore) dropLocked(key string, rec *IdempotencyRecord) {
	if rec.LeaseToken != "" {
		delete(s.leases, rec.LeaseToken)
	}
	delete(s.records, key)
}

// lockKey takes the per-key serialization lock, creating it on demand.
func (s *MemoryStore) lockKey(key string) *keyLock {
	s.mu.Lock()
	lk := s.locks[key]
	if lk == nil {
		lk = &keyLock{}
		s.locks[key] = lk
	}
	lk.refs++
	s.mu.Unlock()

	lk.mu.Lock()
	return lk
}

// unlockKey releases the per-key lock and reclaims it when it is the last
// holder and the record is gone.
func (s *MemoryStore) unlockKey(key string, lk *keyLock) {
	lk.mu.Unlock()

	s.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		if _, live := s.records[key]; !live {
			delete(s.locks, key)
		}
	}
	s.mu.Unlock()
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
