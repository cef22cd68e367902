// Package queue is the durable FIFO feeding the worker loop: push-at-tail,
// pop-at-head, at-least-once delivery. Entries are job ids; the job records
// themselves live in the progress store.
package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	entryKeyPrefix = "queue:entry:"
	seqKey         = "queue:seq"

	// pollFallback bounds how long a blocked pop waits before rescanning,
	// covering pushes from other handles on the same database.
	pollFallback = 250 * time.Millisecond
)

// Queue is a BadgerDB-backed FIFO. Keys are big-endian sequence numbers, so
// lexicographic iteration order is arrival order.
type Queue struct {
	db     *badger.DB
	seq    *badger.Sequence
	notify chan struct{}
}

// New creates a queue over db. Call Close to release the sequence.
func New(db *badger.DB) (*Queue, error) {
	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		return nil, fmt.Errorf("opening queue sequence: %w", err)
	}
	return &Queue{
		db:     db,
		seq:    seq,
		notify: make(chan struct{}, 1),
	}, nil
}

func (q *Queue) Close() error { return q.seq.Release() }

func entryKey(n uint64) []byte {
	key := make([]byte, len(entryKeyPrefix)+8)
	copy(key, entryKeyPrefix)
	binary.BigEndian.PutUint64(key[len(entryKeyPrefix):], n)
	return key
}

// Push appends a job id at the tail.
func (q *Queue) Push(jobID string) error {
	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("allocating queue slot: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(n), []byte(jobID))
	})
	if err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// maxPopRetries bounds the conflict-retry loop when several workers race for
// the same head entry.
const maxPopRetries = 16

// tryPop removes and returns the head entry, or "" if the queue is empty.
// The entry is deleted before the caller processes it: a crash in between
// loses the job, which is the accepted at-least-once trade-off. Concurrent
// pops race for the head key; the losing transaction conflicts and retries
// against the new head.
func (q *Queue) tryPop() (string, error) {
	for attempt := 0; attempt < maxPopRetries; attempt++ {
		var jobID string
		err := q.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(entryKeyPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			it.Rewind()
			if !it.Valid() {
				return nil
			}
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				jobID = string(val)
				return nil
			}); err != nil {
				return err
			}
			return txn.Delete(item.KeyCopy(nil))
		})
		if err == nil {
			return jobID, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return "", fmt.Errorf("dequeueing job: %w", err)
		}
	}
	return "", fmt.Errorf("dequeueing job: too many conflicts")
}

// PopBlocking removes and returns the head entry, waiting until one arrives
// or ctx is done.
func (q *Queue) PopBlocking(ctx context.Context) (string, error) {
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		id, err := q.tryPop()
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// Len counts queued entries. Used by the depth reconciliation sweep; not on
// any hot path.
func (q *Queue) Len() (int64, error) {
	var n int64
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(entryKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting queue entries: %w", err)
	}
	return n, nil
}
