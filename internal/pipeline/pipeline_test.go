package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rachelpine/capsule/internal/admission"
	"github.com/rachelpine/capsule/internal/job"
	"github.com/rachelpine/capsule/internal/queue"
	"github.com/rachelpine/capsule/internal/sandbox"
	"github.com/rachelpine/capsule/internal/store"
)

// stubExecutor returns a canned result after an optional delay.
type stubExecutor struct {
	result *job.ExecutionResult
	delay  time.Duration
}

func (s *stubExecutor) Execute(ctx context.Context, language, code, stdin string, limits sandbox.Limits) *job.ExecutionResult {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return s.result
}

// newTestPipeline wires an in-memory pipeline with one worker running exec.
func newTestPipeline(t *testing.T, exec sandbox.Executor) *Service {
	t.Helper()
	st, err := store.Open("", time.Hour)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q, err := queue.New(st.DB())
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	ctrl := admission.New(admission.Config{}, st, q, sandbox.NewRuntimeTable(), nil, nil)
	svc := New(ctrl, st, q)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w := queue.NewWorker(queue.WorkerConfig{}, q, st, exec, nil, nil, nil, nil)
	go w.Run(ctx)

	return svc
}

func TestExecuteSyncReturnsResult(t *testing.T) {
	exec := &stubExecutor{result: &job.ExecutionResult{Success: true, Stdout: "6\n", ExitCode: 0}}
	svc := newTestPipeline(t, exec)

	res, err := svc.ExecuteSync(context.Background(), "alice", "python", "print(sum([1,2,3]))", "", 5*time.Second)
	if err != nil {
		t.Fatalf("ExecuteSync() error = %v", err)
	}
	if !res.Success || res.Stdout != "6\n" {
		t.Errorf("ExecuteSync() = %+v, want stdout 6\\n", res)
	}
}

func TestExecuteSyncTimeout(t *testing.T) {
	// The worker takes longer than the caller is willing to wait; the caller
	// gets a synthetic timeout result while the job keeps running.
	exec := &stubExecutor{
		result: &job.ExecutionResult{Success: true, Stdout: "late\n"},
		delay:  2 * time.Second,
	}
	svc := newTestPipeline(t, exec)

	res, err := svc.ExecuteSync(context.Background(), "alice", "python", "slow()", "", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("ExecuteSync() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false on timeout")
	}
	if res.ExitCode != 124 {
		t.Errorf("ExitCode = %d, want 124", res.ExitCode)
	}
	if res.Stderr == "" {
		t.Error("Stderr empty, want a timeout message")
	}
}

func TestExecuteSyncPropagatesAdmissionErrors(t *testing.T) {
	svc := newTestPipeline(t, &stubExecutor{result: &job.ExecutionResult{Success: true}})

	_, err := svc.ExecuteSync(context.Background(), "", "python", "print(1)", "", time.Second)
	if !job.IsValidation(err) {
		t.Errorf("ExecuteSync() error = %v, want validation error", err)
	}
}

func TestExecuteSyncFailedJob(t *testing.T) {
	// A job that fails terminally (not user code, the pipeline itself) still
	// resolves the synchronous call with a failure result.
	st, err := store.Open("", time.Hour)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q, err := queue.New(st.DB())
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	ctrl := admission.New(admission.Config{}, st, q, sandbox.NewRuntimeTable(), nil, nil)
	svc := New(ctrl, st, q)

	// Fail the job out-of-band shortly after submission.
	go func() {
		for {
			id, err := q.PopBlocking(context.Background())
			if err != nil {
				return
			}
			st.Fail(id, &job.Error{Code: job.CodeInternal, Message: "worker crashed"})
			return
		}
	}()

	res, err := svc.ExecuteSync(context.Background(), "alice", "python", "print(1)", "", 5*time.Second)
	if err != nil {
		t.Fatalf("ExecuteSync() error = %v", err)
	}
	if res.Success || res.ExitCode != 1 || res.Stderr != "worker crashed" {
		t.Errorf("ExecuteSync() = %+v, want failure carrying the job error", res)
	}
}

func TestJobStatus(t *testing.T) {
	svc := newTestPipeline(t, &stubExecutor{result: &job.ExecutionResult{Success: true}})

	res, err := svc.SubmitExecution(context.Background(), "alice", job.ExecutionInput{Language: "python", Code: "print(1)"})
	if err != nil {
		t.Fatalf("SubmitExecution() error = %v", err)
	}
	j, err := svc.JobStatus(res.JobID)
	if err != nil {
		t.Fatalf("JobStatus() error = %v", err)
	}
	if j.ID != res.JobID {
		t.Errorf("JobStatus() id = %s, want %s", j.ID, res.JobID)
	}

	if _, err := svc.JobStatus("exec-missing"); err == nil {
		t.Error("JobStatus(missing) error = nil, want not found")
	}
}
