package store

import (
	"errors"
	"testing"
	"time"

	"github.com/rachelpine/capsule/internal/job"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("", time.Hour)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func queuedJob(id string) *job.Job {
	return &job.Job{
		ID:        id,
		Kind:      job.KindExecution,
		UserID:    "user-1",
		Execution: &job.ExecutionInput{Language: "python", Code: "print(1)"},
		Status:    job.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPutGetJob(t *testing.T) {
	st := openTestStore(t)

	j := queuedJob("exec-abc")
	if err := st.PutJob(j); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}

	got, err := st.GetJob("exec-abc")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.ID != j.ID || got.Kind != j.Kind || got.Status != job.StatusQueued {
		t.Errorf("GetJob() = %+v, want id=%s kind=%s status=queued", got, j.ID, j.Kind)
	}
	if got.Execution == nil || got.Execution.Code != "print(1)" {
		t.Errorf("GetJob() execution payload = %+v, want code preserved", got.Execution)
	}
}

func TestGetJobNotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.GetJob("exec-missing")
	if !errors.Is(err, job.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want job.ErrNotFound", err)
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	st := openTestStore(t)

	j := queuedJob("exec-life")
	if err := st.PutJob(j); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}

	if err := st.MarkProcessing(j.ID); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}
	got, _ := st.GetJob(j.ID)
	if got.Status != job.StatusProcessing || got.StartedAt.IsZero() {
		t.Errorf("after MarkProcessing: status=%s startedAt=%v, want processing with start time", got.Status, got.StartedAt)
	}

	if err := st.SetProgress(j.ID, 60, "executing"); err != nil {
		t.Fatalf("SetProgress() error = %v", err)
	}
	got, _ = st.GetJob(j.ID)
	if got.Progress != 60 || got.CurrentStep != "executing" {
		t.Errorf("after SetProgress: progress=%d step=%q, want 60/executing", got.Progress, got.CurrentStep)
	}

	res := job.ExecResult(&job.ExecutionResult{Success: true, Stdout: "ok\n"})
	if err := st.Complete(j.ID, res); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ = st.GetJob(j.ID)
	if got.Status != job.StatusCompleted || got.Progress != 100 || got.CompletedAt.IsZero() {
		t.Errorf("after Complete: status=%s progress=%d, want completed/100", got.Status, got.Progress)
	}

	// Terminal is final: every further transition is rejected.
	if err := st.Fail(j.ID, &job.Error{Code: job.CodeInternal, Message: "late"}); !errors.Is(err, ErrTerminal) {
		t.Errorf("Fail() after Complete error = %v, want ErrTerminal", err)
	}
	if err := st.MarkProcessing(j.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("MarkProcessing() after Complete error = %v, want ErrTerminal", err)
	}
	if err := st.SetProgress(j.ID, 10, "x"); !errors.Is(err, ErrTerminal) {
		t.Errorf("SetProgress() after Complete error = %v, want ErrTerminal", err)
	}
	got, _ = st.GetJob(j.ID)
	if got.Status != job.StatusCompleted || got.Error != nil {
		t.Errorf("terminal record mutated: status=%s error=%+v", got.Status, got.Error)
	}
}

func TestFailRecordsError(t *testing.T) {
	st := openTestStore(t)

	j := queuedJob("exec-bad")
	if err := st.PutJob(j); err != nil {
		t.Fatalf("PutJob() error = %v", err)
	}
	jerr := &job.Error{Code: job.CodeInternal, Message: "boom"}
	if err := st.Fail(j.ID, jerr); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, _ := st.GetJob(j.ID)
	if got.Status != job.StatusFailed || got.Error == nil || got.Error.Message != "boom" {
		t.Errorf("after Fail: status=%s error=%+v, want failed/boom", got.Status, got.Error)
	}
}

func TestProgressClamped(t *testing.T) {
	st := openTestStore(t)

	j := queuedJob("exec-clamp")
	st.PutJob(j)
	st.SetProgress(j.ID, 150, "over")
	got, _ := st.GetJob(j.ID)
	if got.Progress != 100 {
		t.Errorf("SetProgress(150) stored %d, want 100", got.Progress)
	}
	st.SetProgress(j.ID, -5, "under")
	got, _ = st.GetJob(j.ID)
	if got.Progress != 0 {
		t.Errorf("SetProgress(-5) stored %d, want 0", got.Progress)
	}
}

func TestIdempotencyRoundTrip(t *testing.T) {
	st := openTestStore(t)

	if _, ok, err := st.GetIdempotency("h1"); err != nil || ok {
		t.Fatalf("GetIdempotency(miss) = ok=%v err=%v, want miss", ok, err)
	}
	if err := st.PutIdempotency("h1", "exec-1", time.Minute); err != nil {
		t.Fatalf("PutIdempotency() error = %v", err)
	}
	id, ok, err := st.GetIdempotency("h1")
	if err != nil || !ok || id != "exec-1" {
		t.Errorf("GetIdempotency() = %q ok=%v err=%v, want exec-1", id, ok, err)
	}
}

func TestGenCacheRoundTrip(t *testing.T) {
	st := openTestStore(t)

	if _, ok, err := st.GetGenCache("k1"); err != nil || ok {
		t.Fatalf("GetGenCache(miss) = ok=%v err=%v, want miss", ok, err)
	}
	res := &job.GenerationResult{Content: "lesson body", QualityScore: 0.8}
	if err := st.PutGenCache("k1", res, time.Hour); err != nil {
		t.Fatalf("PutGenCache() error = %v", err)
	}
	got, ok, err := st.GetGenCache("k1")
	if err != nil || !ok {
		t.Fatalf("GetGenCache() ok=%v err=%v, want hit", ok, err)
	}
	if got.Content != "lesson body" || got.QualityScore != 0.8 {
		t.Errorf("GetGenCache() = %+v, want cached content back", got)
	}
}

func TestQuotaPerUserPerDay(t *testing.T) {
	st := openTestStore(t)

	today := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tomorrow := today.Add(24 * time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := st.IncrQuota("alice", today); err != nil {
			t.Fatalf("IncrQuota() error = %v", err)
		}
	}
	if _, err := st.IncrQuota("bob", today); err != nil {
		t.Fatalf("IncrQuota() error = %v", err)
	}

	if n, _ := st.Quota("alice", today); n != 3 {
		t.Errorf("Quota(alice, today) = %d, want 3", n)
	}
	if n, _ := st.Quota("bob", today); n != 1 {
		t.Errorf("Quota(bob, today) = %d, want 1", n)
	}
	// A new day starts from zero.
	if n, _ := st.Quota("alice", tomorrow); n != 0 {
		t.Errorf("Quota(alice, tomorrow) = %d, want 0", n)
	}
}

func TestDepthCounter(t *testing.T) {
	st := openTestStore(t)

	if n, _ := st.Depth(); n != 0 {
		t.Fatalf("Depth() = %d, want 0", n)
	}
	if n, err := st.IncrDepth(1); err != nil || n != 1 {
		t.Errorf("IncrDepth(1) = %d, %v, want 1", n, err)
	}
	if n, err := st.IncrDepth(1); err != nil || n != 2 {
		t.Errorf("IncrDepth(1) = %d, %v, want 2", n, err)
	}
	if n, err := st.IncrDepth(-1); err != nil || n != 1 {
		t.Errorf("IncrDepth(-1) = %d, %v, want 1", n, err)
	}
	// The counter floors at zero rather than going negative after a double
	// release.
	st.IncrDepth(-1)
	if n, err := st.IncrDepth(-1); err != nil || n != 0 {
		t.Errorf("IncrDepth(-1) below zero = %d, %v, want 0", n, err)
	}

	if err := st.SetDepth(7); err != nil {
		t.Fatalf("SetDepth() error = %v", err)
	}
	if n, _ := st.Depth(); n != 7 {
		t.Errorf("Depth() after SetDepth(7) = %d, want 7", n)
	}
	st.SetDepth(-3)
	if n, _ := st.Depth(); n != 0 {
		t.Errorf("Depth() after SetDepth(-3) = %d, want 0", n)
	}
}
