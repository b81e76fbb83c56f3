// Package badgerstore implements the idemgate store contract on an
// embedded Badger database, giving single-node deployments records that
// survive restarts. Records are stored in the persisted JSON shape;
// Badger's transaction conflict detection provides the atomic lease.
package badgerstore

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	idemgate "github.com/idempotency-foundation/idemgate/go"
)

const (
	recordPrefix = "rec/"
	leasePrefix  = "lease/"
)

// Store is a Badger implementation of idemgate.Store.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// NewStore wraps an open Badger database. The database's lifetime belongs
// to the caller.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open is a convenience for opening a Badger database at path with
// logging silenced and wrapping it in a Store. Close the returned DB when
// done.
func Open(path string) (*Store, *badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, nil, err
	}
	return NewStore(db), db, nil
}

func (s *Store) Get(ctx context.Context, key string) (*idemgate.IdempotencyRecord, error) {
	var rec *idemgate.IdempotencyRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := idemgate.UnmarshalRecord(val)
			if err != nil {
				return err
			}
			if !decoded.Expired(s.now()) {
				rec = decoded
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*idemgate.LeaseResult, error) {
	for {
		result, err := s.tryPutNewRunning(key, fingerprint, ttl, traceID)
		if err == nil {
			return result, nil
		}
		// Concurrent reservations of the same key conflict at commit;
		// losers retry and observe the winner's record.
		if !errors.Is(err, badger.ErrConflict) {
			return nil, err
		}
	}
}

func (s *Store) tryPutNewRunning(key, fingerprint string, ttl time.Duration, traceID string) (*idemgate.LeaseResult, error) {
	var result *idemgate.LeaseResult
	err := s.db.Update(func(txn *badger.Txn) error {
		recordKey := []byte(recordPrefix + key)

		item, err := txn.Get(recordKey)
		if err == nil {
			var existing *idemgate.IdempotencyRecord
			if verr := item.Value(func(val []byte) error {
				existing, err = idemgate.UnmarshalRecord(val)
				return err
			}); verr != nil {
				return verr
			}
			if !existing.Expired(s.now()) {
				result = &idemgate.LeaseResult{Acquired: false, Existing: existing}
				return nil
			}
			// Expired record shadowed by this acquisition.
			if existing.LeaseToken != "" {
				if derr := txn.Delete([]byte(leasePrefix + existing.LeaseToken)); derr != nil {
					return derr
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := s.now().UTC()
		rec := &idemgate.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			State:       idemgate.StateRunning,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
			LeaseToken:  uuid.NewString(),
			TraceID:     traceID,
		}
		encoded, err := idemgate.MarshalRecord(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey, encoded); err != nil {
			return err
		}
		if err := txn.Set([]byte(leasePrefix+rec.LeaseToken), []byte(key)); err != nil {
			return err
		}
		result = &idemgate.LeaseResult{Acquired: true, LeaseToken: rec.LeaseToken}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Complete(ctx context.Context, leaseToken string, response *idemgate.StoredResponse) error {
	return s.terminal(leaseToken, idemgate.StateCompleted, response)
}

func (s *Store) Fail(ctx context.Context, leaseToken string, response *idemgate.StoredResponse) error {
	return s.terminal(leaseToken, idemgate.StateFailed, response)
}

func (s *Store) terminal(leaseToken string, state idemgate.RequestState, response *idemgate.StoredResponse) error {
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			leaseKey := []byte(leasePrefix + leaseToken)

			item, err := txn.Get(leaseKey)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return idemgate.ErrUnknownLease
				}
				return err
			}
			var key string
			if err := item.Value(func(val []byte) error {
				key = string(val)
				return nil
			}); err != nil {
				return err
			}

			recordKey := []byte(recordPrefix + key)
			recItem, err := txn.Get(recordKey)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return idemgate.ErrUnknownLease
				}
				return err
			}
			var rec *idemgate.IdempotencyRecord
			if err := recItem.Value(func(val []byte) error {
				rec, err = idemgate.UnmarshalRecord(val)
				return err
			}); err != nil {
				return err
			}

			if rec.Expired(s.now()) || rec.LeaseToken != leaseToken {
				// Superseded; retire the stale index entry.
				if derr := txn.Delete(leaseKey); derr != nil {
					return derr
				}
				return idemgate.ErrUnknownLease
			}
			if rec.State.Terminal() {
				return idemgate.ErrWrongState
			}

			rec.State = state
			rec.Response = response
			rec.LeaseToken = ""
			encoded, err := idemgate.MarshalRecord(rec)
			if err != nil {
				return err
			}
			if err := txn.Set(recordKey, encoded); err != nil {
				return err
			}
			return txn.Delete(leaseKey)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	var victims []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				rec, err := idemgate.UnmarshalRecord(val)
				if err != nil {
					return err
				}
				if rec.Expired(now) {
					victims = append(victims, rec.Key)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range victims {
		stillExpired := false
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(recordPrefix + key))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				return err
			}
			var rec *idemgate.IdempotencyRecord
			if err := item.Value(func(val []byte) error {
				rec, err = idemgate.UnmarshalRecord(val)
				return err
			}); err != nil {
				return err
			}
			// A fresh lease may have replaced the expired record mid-sweep.
			if !rec.Expired(now) {
				return nil
			}
			stillExpired = true
			if err := txn.Delete([]byte(recordPrefix + key)); err != nil {
				return err
			}
			if rec.LeaseToken != "" {
				return txn.Delete([]byte(leasePrefix + rec.LeaseToken))
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, badger.ErrConflict) {
				continue
			}
			return removed, err
		}
		if stillExpired {
			removed++
		}
	}
	return removed, nil
}

var _ idemgate.Store = (*Store)(nil)
