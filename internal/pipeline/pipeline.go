// Package pipeline ties admission, queue, and progress store together behind
// the operations the HTTP layer and CLI call: async submission, status polls,
// and the synchronous execute-and-wait facade.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rachelpine/capsule/internal/admission"
	"github.com/rachelpine/capsule/internal/job"
	"github.com/rachelpine/capsule/internal/queue"
	"github.com/rachelpine/capsule/internal/store"
)

const (
	// Poll backoff for the synchronous facade: start short, double-ish,
	// cap so a slow job doesn't poll-storm the store.
	pollStart = 100 * time.Millisecond
	pollMax   = 2 * time.Second
)

// Service is the pipeline facade.
type Service struct {
	admission *admission.Controller
	store     *store.Store
	queue     *queue.Queue
}

// New wires a Service.
func New(ctrl *admission.Controller, st *store.Store, q *queue.Queue) *Service {
	return &Service{admission: ctrl, store: st, queue: q}
}

// SubmitExecution admits an asynchronous execution job.
func (s *Service) SubmitExecution(ctx context.Context, userID string, in job.ExecutionInput) (*admission.Result, error) {
	return s.admission.Admit(ctx, admission.Request{
		UserID:    userID,
		Kind:      job.KindExecution,
		Execution: &in,
	})
}

// SubmitGeneration admits an asynchronous generation job.
func (s *Service) SubmitGeneration(ctx context.Context, userID string, in job.GenerationInput) (*admission.Result, error) {
	return s.admission.Admit(ctx, admission.Request{
		UserID:     userID,
		Kind:       job.KindGeneration,
		Generation: &in,
	})
}

// JobStatus returns the current job record.
func (s *Service) JobStatus(id string) (*job.Job, error) {
	return s.store.GetJob(id)
}

// ExecuteSync admits an execution job and block-polls with exponential
// backoff until a terminal state or the wall-clock timeout. On timeout it
// returns a synthetic failed result with exit code 124 and stops waiting;
// the worker may still finish the job later, which is deliberate: no
// cancellation is propagated downstream.
func (s *Service) ExecuteSync(ctx context.Context, userID, language, code, stdin string, timeout time.Duration) (*job.ExecutionResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	res, err := s.SubmitExecution(ctx, userID, job.ExecutionInput{
		Language: language,
		Code:     code,
		Stdin:    stdin,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	interval := pollStart
	for {
		j, err := s.store.GetJob(res.JobID)
		if err != nil {
			return nil, fmt.Errorf("polling job %s: %w", res.JobID, err)
		}
		if j.Status.Terminal() {
			return terminalResult(j), nil
		}
		if time.Now().After(deadline) {
			return &job.ExecutionResult{
				Success:         false,
				Stderr:          fmt.Sprintf("execution timed out after %s", timeout),
				ExitCode:        124,
				ExecutionTimeMs: timeout.Milliseconds(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > pollMax {
			interval = pollMax
		}
	}
}

// terminalResult normalizes a terminal job into an execution result.
func terminalResult(j *job.Job) *job.ExecutionResult {
	if j.Result != nil && j.Result.Kind == job.KindExecution && j.Result.Execution != nil {
		return j.Result.Execution
	}
	msg := "job failed"
	if j.Error != nil {
		msg = j.Error.Message
	}
	return &job.ExecutionResult{
		Success:  false,
		Stderr:   msg,
		ExitCode: 1,
	}
}

// RunDepthSweep periodically reconciles the approximate depth counter
// against the actual queue length, correcting drift left behind by crashes.
// slack is the number of jobs that may legitimately be in processing (the
// worker count).
func (s *Service) RunDepthSweep(ctx context.Context, interval time.Duration, slack int64) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		queued, err := s.queue.Len()
		if err != nil {
			log.Printf("depth sweep: counting queue: %v", err)
			continue
		}
		depth, err := s.store.Depth()
		if err != nil {
			log.Printf("depth sweep: reading depth: %v", err)
			continue
		}
		// Depth may exceed queue length by at most the processing slots.
		if depth < queued || depth > queued+slack {
			corrected := queued
			if depth > queued {
				corrected = queued + slack
			}
			if err := s.store.SetDepth(corrected); err != nil {
				log.Printf("depth sweep: correcting %d -> %d: %v", depth, corrected, err)
				continue
			}
			log.Printf("depth sweep: corrected depth %d -> %d (queued=%d)", depth, corrected, queued)
		}
	}
}
