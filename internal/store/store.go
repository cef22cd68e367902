// Package store is the TTL'd key-value layer backing the job pipeline: job
// records, idempotency records, the semantic generation cache, and the shared
// quota/depth counters. Everything lives in a single BadgerDB so that entries
// expire on their own and counter updates are transactional.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rachelpine/capsule/internal/job"
)

const (
	jobKeyPrefix      = "job:"
	idemKeyPrefix     = "idem:"
	genCacheKeyPrefix = "gencache:"
	quotaKeyPrefix    = "quota:"
	depthKey          = "counter:depth"
)

// ErrTerminal is returned when a transition is attempted on a job that has
// already completed or failed.
var ErrTerminal = errors.New("job already in terminal state")

// Store wraps BadgerDB with the pipeline's access patterns.
type Store struct {
	db     *badger.DB
	jobTTL time.Duration
}

// Open creates or opens the store at dir. An empty dir opens an in-memory
// store (used by tests).
func Open(dir string, jobTTL time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	if jobTTL <= 0 {
		jobTTL = time.Hour
	}
	return &Store{db: db, jobTTL: jobTTL}, nil
}

// DB exposes the underlying database for components sharing the store file.
func (s *Store) DB() *badger.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// PutJob writes a job record with the store's job TTL. Used at admission;
// later mutations go through the transition methods below.
func (s *Store) PutJob(j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(jobKeyPrefix+j.ID), data).WithTTL(s.jobTTL)
		return txn.SetEntry(e)
	})
}

// GetJob returns a job by id, or job.ErrNotFound if it is unknown or expired.
func (s *Store) GetJob(id string) (*job.Job, error) {
	var j job.Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return job.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading job: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &j)
		})
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// mutateJob applies fn to the stored job inside one transaction, preserving
// the remaining TTL semantics by rewriting with the full job TTL.
func (s *Store) mutateJob(id string, fn func(*job.Job) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return job.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading job: %w", err)
		}
		var j job.Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &j)
		}); err != nil {
			return err
		}
		if err := fn(&j); err != nil {
			return err
		}
		data, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("marshaling job: %w", err)
		}
		e := badger.NewEntry([]byte(jobKeyPrefix+id), data).WithTTL(s.jobTTL)
		return txn.SetEntry(e)
	})
}

// MarkProcessing transitions a queued job to processing. Transitions are
// one-directional: a terminal job is never reopened.
func (s *Store) MarkProcessing(id string) error {
	return s.mutateJob(id, func(j *job.Job) error {
		if j.Status.Terminal() {
			return ErrTerminal
		}
		j.Status = job.StatusProcessing
		j.StartedAt = time.Now().UTC()
		j.Progress = 5
		j.CurrentStep = "started"
		return nil
	})
}

// SetProgress updates the progress percentage and human-readable step of a
// non-terminal job.
func (s *Store) SetProgress(id string, pct int, step string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return s.mutateJob(id, func(j *job.Job) error {
		if j.Status.Terminal() {
			return ErrTerminal
		}
		j.Progress = pct
		j.CurrentStep = step
		return nil
	})
}

// Complete writes the single terminal success state for a job.
func (s *Store) Complete(id string, res *job.Result) error {
	return s.mutateJob(id, func(j *job.Job) error {
		if j.Status.Terminal() {
			return ErrTerminal
		}
		j.Status = job.StatusCompleted
		j.Progress = 100
		j.CurrentStep = "done"
		j.Result = res
		j.CompletedAt = time.Now().UTC()
		return nil
	})
}

// Fail writes the single terminal failure state for a job.
func (s *Store) Fail(id string, jerr *job.Error) error {
	return s.mutateJob(id, func(j *job.Job) error {
		if j.Status.Terminal() {
			return ErrTerminal
		}
		j.Status = job.StatusFailed
		j.CurrentStep = "failed"
		j.Error = jerr
		j.CompletedAt = time.Now().UTC()
		return nil
	})
}

// PutIdempotency records hash -> jobID for the dedup window.
func (s *Store) PutIdempotency(hash, jobID string, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(idemKeyPrefix+hash), []byte(jobID)).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// GetIdempotency returns the job id recorded for hash, if the record is still
// live.
func (s *Store) GetIdempotency(hash string) (string, bool, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idemKeyPrefix + hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("reading idempotency record: %w", err)
	}
	return id, id != "", nil
}

// PutGenCache stores a completed generation result keyed by normalized prompt.
func (s *Store) PutGenCache(key string, res *job.GenerationResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling cached result: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(genCacheKeyPrefix+key), data).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// GetGenCache returns a cached generation result, if present.
func (s *Store) GetGenCache(key string) (*job.GenerationResult, bool, error) {
	var res job.GenerationResult
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(genCacheKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &res)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading generation cache: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &res, true, nil
}
