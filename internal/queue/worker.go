package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rachelpine/capsule/internal/generate"
	"github.com/rachelpine/capsule/internal/job"
	"github.com/rachelpine/capsule/internal/metrics"
	"github.com/rachelpine/capsule/internal/sandbox"
	"github.com/rachelpine/capsule/internal/storage"
	"github.com/rachelpine/capsule/internal/store"
)

// WorkerConfig tunes one worker loop.
type WorkerConfig struct {
	PopBackoff time.Duration  // delay after a dequeue error; 0 defaults to 2s
	Limits     sandbox.Limits // resource ceilings for execution jobs
	CacheTTL   time.Duration  // semantic cache lifetime for generation results
}

// Worker pulls jobs off the queue one at a time and owns their
// start/complete/fail transitions. Run N workers for N-way concurrency;
// a single worker never processes two jobs at once.
type Worker struct {
	cfg       WorkerConfig
	queue     *Queue
	store     *store.Store
	executor  sandbox.Executor
	generator generate.Engine   // may be nil when generation is not configured
	capsules  storage.Store     // may be nil; completed generations persist here
	cacheKey  func(*job.GenerationInput) string
	metrics   *metrics.Metrics
}

// NewWorker wires a worker. generator, capsules, cacheKey, and m may be nil.
func NewWorker(cfg WorkerConfig, q *Queue, st *store.Store, executor sandbox.Executor,
	generator generate.Engine, capsules storage.Store,
	cacheKey func(*job.GenerationInput) string, m *metrics.Metrics) *Worker {
	if cfg.PopBackoff <= 0 {
		cfg.PopBackoff = 2 * time.Second
	}
	if cfg.Limits == (sandbox.Limits{}) {
		cfg.Limits = sandbox.DefaultLimits()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Worker{
		cfg:       cfg,
		queue:     q,
		store:     st,
		executor:  executor,
		generator: generator,
		capsules:  capsules,
		cacheKey:  cacheKey,
		metrics:   m,
	}
}

// Run blocks on the queue until ctx is done. A dequeue error backs off and
// retries; this is the only retry loop in the pipeline. A bad job never kills
// the worker.
func (w *Worker) Run(ctx context.Context) {
	for {
		id, err := w.queue.PopBlocking(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: dequeue error, backing off: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PopBackoff):
			}
			continue
		}
		w.process(ctx, id)
	}
}

// process executes one job and writes exactly one terminal status. Panics are
// converted into a failed terminal state so no job is left stuck in
// processing.
func (w *Worker) process(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: panic processing %s: %v", id, r)
			w.fail(id, &job.Error{Code: job.CodeInternal, Message: fmt.Sprintf("worker panic: %v", r)})
			w.releaseDepth()
		}
	}()

	j, err := w.store.GetJob(id)
	if err != nil {
		// Expired or lost record; release the depth slot and move on.
		log.Printf("worker: dropping %s: %v", id, err)
		w.releaseDepth()
		return
	}

	if err := w.store.MarkProcessing(id); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			// Redelivered after a terminal write; at-least-once makes this
			// possible, the monotonic store makes it harmless.
			return
		}
		log.Printf("worker: marking %s processing: %v", id, err)
		w.fail(id, &job.Error{Code: job.CodeInternal, Message: err.Error()})
		w.releaseDepth()
		return
	}

	switch j.Kind {
	case job.KindExecution:
		w.runExecution(ctx, j)
	case job.KindGeneration:
		w.runGeneration(ctx, j)
	default:
		w.fail(id, &job.Error{Code: job.CodeInternal, Message: fmt.Sprintf("unknown job kind %q", j.Kind)})
		w.finish(j, job.StatusFailed)
	}
}

func (w *Worker) runExecution(ctx context.Context, j *job.Job) {
	in := j.Execution
	w.store.SetProgress(j.ID, 30, "executing")

	res := w.executor.Execute(ctx, in.Language, in.Code, in.Stdin, w.cfg.Limits)
	w.metrics.ObserveSandbox(float64(res.ExecutionTimeMs) / 1000)

	// A non-zero exit from user code is a normal outcome, not a system
	// fault: the job still completes, carrying the failed result.
	if err := w.store.Complete(j.ID, job.ExecResult(res)); err != nil {
		log.Printf("worker: completing %s: %v", j.ID, err)
	}
	w.finish(j, job.StatusCompleted)
}

func (w *Worker) runGeneration(ctx context.Context, j *job.Job) {
	if w.generator == nil {
		w.fail(j.ID, &job.Error{Code: job.CodeInternal, Message: "no generation engine configured"})
		w.finish(j, job.StatusFailed)
		return
	}
	in := j.Generation
	w.store.SetProgress(j.ID, 15, "generating content")

	res, err := w.generator.Generate(ctx, generate.Context{
		Prompt:     in.Prompt,
		Language:   in.Language,
		Difficulty: in.Difficulty,
		UserID:     j.UserID,
	}, func(pct int, step string) {
		w.store.SetProgress(j.ID, pct, step)
	})
	if err != nil {
		code := job.CodeInternal
		if errors.Is(err, job.ErrCircuitOpen) {
			code = job.CodeCircuitOpen
		}
		w.fail(j.ID, &job.Error{Code: code, Message: err.Error()})
		w.finish(j, job.StatusFailed)
		return
	}

	w.store.SetProgress(j.ID, 90, "saving capsule")
	if w.capsules != nil {
		capsule := &storage.Capsule{
			ID:           uuid.New().String(),
			OwnerID:      j.UserID,
			Title:        capsuleTitle(in.Prompt),
			Language:     in.Language,
			Difficulty:   in.Difficulty,
			Content:      res.Content,
			QualityScore: res.QualityScore,
			Status:       storage.CapsuleDraft,
			JobID:        j.ID,
		}
		if err := w.capsules.CreateCapsule(ctx, capsule); err != nil {
			log.Printf("worker: saving capsule for %s: %v", j.ID, err)
		} else {
			res.CapsuleID = capsule.ID
		}
	}

	if w.cacheKey != nil {
		if err := w.store.PutGenCache(w.cacheKey(in), res, w.cfg.CacheTTL); err != nil {
			log.Printf("worker: caching generation for %s: %v", j.ID, err)
		}
	}

	if err := w.store.Complete(j.ID, job.GenResult(res)); err != nil {
		log.Printf("worker: completing %s: %v", j.ID, err)
	}
	w.finish(j, job.StatusCompleted)
}

// fail writes the terminal failure state, tolerating an already-terminal job.
// Depth release is the caller's job so it happens exactly once per dequeue.
func (w *Worker) fail(id string, jerr *job.Error) {
	if err := w.store.Fail(id, jerr); err != nil && !errors.Is(err, store.ErrTerminal) {
		log.Printf("worker: failing %s: %v", id, err)
	}
}

// finish releases the depth slot and records the job's duration.
func (w *Worker) finish(j *job.Job, status job.Status) {
	w.releaseDepth()
	w.metrics.ObserveJob(string(j.Kind), string(status), time.Since(j.CreatedAt).Seconds())
}

func (w *Worker) releaseDepth() {
	depth, err := w.store.IncrDepth(-1)
	if err != nil {
		log.Printf("worker: decrementing queue depth: %v", err)
		return
	}
	w.metrics.SetQueueDepth(depth)
}

// capsuleTitle derives a capsule title from the prompt, truncating on a rune
// boundary so a non-ASCII prompt never yields invalid UTF-8.
func capsuleTitle(prompt string) string {
	t := strings.TrimSpace(prompt)
	if utf8.RuneCountInString(t) > 80 {
		runes := []rune(t)
		t = string(runes[:80]) + "..."
	}
	return t
}
