// Package admission is the front door for execution and generation requests.
// It validates, dedups, rate-caps, and quota-checks a request before durably
// enqueueing a job. Admission never blocks on the downstream sandbox or
// generator; all side effects are against the progress store and queue.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rachelpine/capsule/internal/job"
	"github.com/rachelpine/capsule/internal/metrics"
	"github.com/rachelpine/capsule/internal/queue"
	"github.com/rachelpine/capsule/internal/sandbox"
	"github.com/rachelpine/capsule/internal/store"
)

// Config tunes the admission gates.
type Config struct {
	MaxInFlight    int64         // concurrency cap; 0 defaults to 100
	DailyQuota     int64         // admitted jobs per user per day; 0 defaults to 200
	IdempotencyTTL time.Duration // dedup window; 0 defaults to 10m
	CacheTTL       time.Duration // semantic cache lifetime; 0 defaults to 24h
	SemanticCache  bool          // serve identical generation prompts from cache
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 100
	}
	if c.DailyQuota <= 0 {
		c.DailyQuota = 200
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 10 * time.Minute
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	return c
}

// Availability reports whether the generation dependency's circuit is open.
type Availability interface {
	Open() bool
}

// Request is one admission attempt. Exactly one of Execution or Generation is
// set, matching Kind.
type Request struct {
	UserID     string
	Kind       job.Kind
	Execution  *job.ExecutionInput
	Generation *job.GenerationInput
}

// Result is a successful admission. Dedup means an existing job id was
// returned from the idempotency window; Cached means the semantic cache
// answered with an already-completed job.
type Result struct {
	JobID  string
	Dedup  bool
	Cached bool
}

// Controller runs the ordered admission checks.
type Controller struct {
	cfg      Config
	store    *store.Store
	queue    *queue.Queue
	runtimes *sandbox.RuntimeTable
	breaker  Availability // nil disables the breaker gate
	metrics  *metrics.Metrics
}

// New creates a Controller. breaker and m may be nil.
func New(cfg Config, st *store.Store, q *queue.Queue, runtimes *sandbox.RuntimeTable, breaker Availability, m *metrics.Metrics) *Controller {
	return &Controller{
		cfg:      cfg.withDefaults(),
		store:    st,
		queue:    q,
		runtimes: runtimes,
		breaker:  breaker,
		metrics:  m,
	}
}

// Admit runs the gate sequence: validation, circuit breaker, idempotency,
// concurrency cap, semantic cache, then the durable enqueue. Checks
// short-circuit in that order; quota is charged last so a failed admission
// never consumes it.
func (c *Controller) Admit(ctx context.Context, req Request) (*Result, error) {
	if err := c.validate(req); err != nil {
		c.metrics.Admission(string(req.Kind), "rejected_validation")
		return nil, err
	}

	if req.Kind == job.KindGeneration && c.breaker != nil && c.breaker.Open() {
		c.metrics.Admission(string(req.Kind), "rejected_circuit_open")
		return nil, job.ErrCircuitOpen
	}

	hash := c.requestHash(req)
	if id, ok, err := c.store.GetIdempotency(hash); err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	} else if ok {
		c.metrics.DedupHit()
		c.metrics.Admission(string(req.Kind), "dedup")
		return &Result{JobID: id, Dedup: true}, nil
	}

	depth, err := c.store.Depth()
	if err != nil {
		return nil, fmt.Errorf("reading queue depth: %w", err)
	}
	if depth >= c.cfg.MaxInFlight {
		c.metrics.Admission(string(req.Kind), "rejected_queue_full")
		return nil, job.ErrQueueFull
	}

	if req.Kind == job.KindGeneration && c.cfg.SemanticCache {
		if res, err := c.tryCache(req, hash); err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}
	}

	used, err := c.store.Quota(req.UserID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("reading quota: %w", err)
	}
	if used >= c.cfg.DailyQuota {
		c.metrics.Admission(string(req.Kind), "rejected_quota")
		return nil, job.ErrQuotaExceeded
	}

	return c.enqueue(req, hash)
}

// enqueue performs the best-effort but monotonically-safe admission writes:
// job record, queue push, idempotency record, depth, and quota last.
func (c *Controller) enqueue(req Request, hash string) (*Result, error) {
	j := &job.Job{
		ID:          job.NewID(req.Kind),
		Kind:        req.Kind,
		UserID:      req.UserID,
		Execution:   req.Execution,
		Generation:  req.Generation,
		Status:      job.StatusQueued,
		CurrentStep: "queued",
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.PutJob(j); err != nil {
		return nil, fmt.Errorf("writing job record: %w", err)
	}
	if err := c.queue.Push(j.ID); err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}
	if err := c.store.PutIdempotency(hash, j.ID, c.cfg.IdempotencyTTL); err != nil {
		return nil, fmt.Errorf("writing idempotency record: %w", err)
	}
	depth, err := c.store.IncrDepth(1)
	if err != nil {
		return nil, fmt.Errorf("incrementing queue depth: %w", err)
	}
	c.metrics.SetQueueDepth(depth)
	if _, err := c.store.IncrQuota(req.UserID, time.Now()); err != nil {
		return nil, fmt.Errorf("incrementing quota: %w", err)
	}
	c.metrics.Admission(string(req.Kind), "admitted")
	return &Result{JobID: j.ID}, nil
}

// tryCache answers a generation request from the semantic cache as an
// already-completed job. No quota is charged and nothing is enqueued.
func (c *Controller) tryCache(req Request, hash string) (*Result, error) {
	key := c.cacheKey(req.Generation)
	cached, ok, err := c.store.GetGenCache(key)
	if err != nil {
		return nil, fmt.Errorf("semantic cache lookup: %w", err)
	}
	if !ok {
		return nil, nil
	}
	cached.Cached = true
	now := time.Now().UTC()
	j := &job.Job{
		ID:          job.NewID(req.Kind),
		Kind:        req.Kind,
		UserID:      req.UserID,
		Generation:  req.Generation,
		Status:      job.StatusCompleted,
		Progress:    100,
		CurrentStep: "done",
		Result:      job.GenResult(cached),
		CreatedAt:   now,
		CompletedAt: now,
	}
	if err := c.store.PutJob(j); err != nil {
		return nil, fmt.Errorf("writing cached job record: %w", err)
	}
	c.metrics.CacheHit()
	c.metrics.Admission(string(req.Kind), "cache_hit")
	return &Result{JobID: j.ID, Cached: true}, nil
}

func (c *Controller) validate(req Request) error {
	if req.UserID == "" {
		return job.Validation("userId", "required")
	}
	switch req.Kind {
	case job.KindExecution:
		if req.Execution == nil {
			return job.Validation("", "execution payload required")
		}
		if req.Execution.Code == "" {
			return job.Validation("code", "required")
		}
		if _, ok := c.runtimes.Lookup(req.Execution.Language); !ok {
			return job.Validation("language", fmt.Sprintf("unsupported language %q", req.Execution.Language))
		}
	case job.KindGeneration:
		if req.Generation == nil {
			return job.Validation("", "generation payload required")
		}
		if req.Generation.Prompt == "" {
			return job.Validation("prompt", "required")
		}
		if _, ok := c.runtimes.Lookup(req.Generation.Language); !ok {
			return job.Validation("language", fmt.Sprintf("unsupported language %q", req.Generation.Language))
		}
		switch req.Generation.Difficulty {
		case "", "beginner", "intermediate", "advanced":
		default:
			return job.Validation("difficulty", "must be beginner, intermediate, or advanced")
		}
	default:
		return job.Validation("kind", "must be execution or generation")
	}
	return nil
}

// requestHash is the stable idempotency key over (user, normalized
// prompt/code, language). Code only gets a trailing trim: interior
// whitespace is significant in several supported languages.
func (c *Controller) requestHash(req Request) string {
	var body, lang string
	if req.Kind == job.KindExecution {
		body = strings.TrimRight(req.Execution.Code, " \t\r\n")
		lang = req.Execution.Language
	} else {
		body = job.NormalizePrompt(req.Generation.Prompt)
		lang = req.Generation.Language
	}
	sum := sha256.Sum256([]byte(req.UserID + "\x00" + body + "\x00" + lang))
	return hex.EncodeToString(sum[:])
}

// cacheKey is the semantic cache key: prompt identity without the user, so
// any user benefits from an identical prompt.
func (c *Controller) cacheKey(g *job.GenerationInput) string {
	sum := sha256.Sum256([]byte(job.NormalizePrompt(g.Prompt) + "\x00" + g.Language + "\x00" + g.Difficulty))
	return hex.EncodeToString(sum[:])
}

// CacheKey exposes the semantic cache key for the worker, which populates the
// cache when a generation completes.
func CacheKey(g *job.GenerationInput) string {
	return (&Controller{}).cacheKey(g)
}
