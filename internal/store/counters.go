package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// quotaTTL keeps per-day quota keys around long enough to cover clock skew
// between admission instances, then lets them expire.
const quotaTTL = 48 * time.Hour

// maxCounterRetries bounds the conflict-retry loop on counter transactions.
const maxCounterRetries = 16

// addCounter atomically adds delta to the int64 stored at key. Badger's SSI
// turns concurrent read-modify-writes into commit conflicts, which we retry,
// so no increment is ever lost.
func (s *Store) addCounter(key []byte, delta int64, ttl time.Duration) (int64, error) {
	var value int64
	for attempt := 0; attempt < maxCounterRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			current := int64(0)
			item, err := txn.Get(key)
			if err == nil {
				if err := item.Value(func(val []byte) error {
					if len(val) == 8 {
						current = int64(binary.BigEndian.Uint64(val))
					}
					return nil
				}); err != nil {
					return err
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			value = current + delta
			if value < 0 {
				value = 0
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(value))
			e := badger.NewEntry(key, buf)
			if ttl > 0 {
				e = e.WithTTL(ttl)
			}
			return txn.SetEntry(e)
		})
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return 0, fmt.Errorf("updating counter %s: %w", key, err)
		}
	}
	return 0, fmt.Errorf("updating counter %s: too many conflicts", key)
}

// readCounter returns the int64 stored at key, zero if absent.
func (s *Store) readCounter(key []byte) (int64, error) {
	var value int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				value = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("reading counter %s: %w", key, err)
	}
	return value, nil
}

func quotaKey(userID string, day time.Time) []byte {
	return []byte(quotaKeyPrefix + userID + ":" + day.UTC().Format("2006-01-02"))
}

// IncrQuota charges one admitted job against the user's daily quota and
// returns the new count. Called only after a durable enqueue.
func (s *Store) IncrQuota(userID string, day time.Time) (int64, error) {
	return s.addCounter(quotaKey(userID, day), 1, quotaTTL)
}

// Quota returns the user's admitted-job count for the given day.
func (s *Store) Quota(userID string, day time.Time) (int64, error) {
	return s.readCounter(quotaKey(userID, day))
}

// IncrDepth adjusts the approximate in-flight job counter. The count is an
// efficient ceiling, not an exact figure.
func (s *Store) IncrDepth(delta int64) (int64, error) {
	return s.addCounter([]byte(depthKey), delta, 0)
}

// Depth returns the approximate number of in-flight jobs.
func (s *Store) Depth() (int64, error) {
	return s.readCounter([]byte(depthKey))
}

// SetDepth overwrites the depth counter. Used by the reconciliation sweep to
// correct drift after crashes.
func (s *Store) SetDepth(n int64) error {
	if n < 0 {
		n = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(depthKey), buf)
	})
}
