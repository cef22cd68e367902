package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rachelpine/capsule/internal/job"
	"github.com/rachelpine/capsule/internal/queue"
	"github.com/rachelpine/capsule/internal/sandbox"
	"github.com/rachelpine/capsule/internal/store"
)

// stubBreaker implements Availability with a fixed state.
type stubBreaker struct {
	open bool
}

func (s *stubBreaker) Open() bool { return s.open }

func newTestController(t *testing.T, cfg Config, breaker Availability) (*Controller, *store.Store, *queue.Queue) {
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
	return New(cfg, st, q, sandbox.NewRuntimeTable(), breaker, nil), st, q
}

func execRequest(user, code string) Request {
	return Request{
		UserID:    user,
		Kind:      job.KindExecution,
		Execution: &job.ExecutionInput{Language: "python", Code: code},
	}
}

func genRequest(user, prompt string) Request {
	return Request{
		UserID:     user,
		Kind:       job.KindGeneration,
		Generation: &job.GenerationInput{Prompt: prompt, Language: "python", Difficulty: "beginner"},
	}
}

func TestAdmitEnqueuesJob(t *testing.T) {
	c, st, q := newTestController(t, Config{}, nil)

	res, err := c.Admit(context.Background(), execRequest("alice", "print(1)"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if res.JobID == "" || res.Dedup || res.Cached {
		t.Errorf("Admit() = %+v, want fresh job id", res)
	}

	j, err := st.GetJob(res.JobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if j.Status != job.StatusQueued || j.UserID != "alice" {
		t.Errorf("job = %+v, want queued for alice", j)
	}

	if n, _ := q.Len(); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if depth, _ := st.Depth(); depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}
	if used, _ := st.Quota("alice", time.Now()); used != 1 {
		t.Errorf("quota = %d, want 1", used)
	}
}

func TestAdmitDedupsWithinWindow(t *testing.T) {
	c, st, q := newTestController(t, Config{}, nil)

	first, err := c.Admit(context.Background(), execRequest("alice", "print(1)"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	second, err := c.Admit(context.Background(), execRequest("alice", "print(1)"))
	if err != nil {
		t.Fatalf("Admit() (duplicate) error = %v", err)
	}

	if !second.Dedup || second.JobID != first.JobID {
		t.Errorf("duplicate Admit() = %+v, want dedup to %s", second, first.JobID)
	}
	// The duplicate charges nothing and enqueues nothing.
	if n, _ := q.Len(); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if used, _ := st.Quota("alice", time.Now()); used != 1 {
		t.Errorf("quota = %d, want 1", used)
	}
}

func TestAdmitDedupIsPerUser(t *testing.T) {
	c, _, _ := newTestController(t, Config{}, nil)

	first, _ := c.Admit(context.Background(), execRequest("alice", "print(1)"))
	other, err := c.Admit(context.Background(), execRequest("bob", "print(1)"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if other.Dedup || other.JobID == first.JobID {
		t.Errorf("bob's Admit() = %+v, want a distinct job", other)
	}
}

func TestAdmitDedupTrimsTrailingWhitespace(t *testing.T) {
	c, st, q := newTestController(t, Config{}, nil)

	first, _ := c.Admit(context.Background(), execRequest("alice", "print(1)"))
	second, err := c.Admit(context.Background(), execRequest("alice", "print(1)\n"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !second.Dedup || second.JobID != first.JobID {
		t.Errorf("trailing-newline variant = %+v, want dedup to %s", second, first.JobID)
	}
	if n, _ := q.Len(); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if used, _ := st.Quota("alice", time.Now()); used != 1 {
		t.Errorf("quota = %d, want 1", used)
	}

	// Interior whitespace stays significant: an indentation change is a
	// different submission.
	third, err := c.Admit(context.Background(), execRequest("alice", "print( 1)"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if third.Dedup {
		t.Errorf("interior-whitespace variant = %+v, want a fresh job", third)
	}
}

func TestAdmitDedupNormalizesPrompt(t *testing.T) {
	c, _, _ := newTestController(t, Config{SemanticCache: false}, nil)

	first, _ := c.Admit(context.Background(), genRequest("alice", "Teach  Recursion"))
	second, err := c.Admit(context.Background(), genRequest("alice", "teach recursion"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !second.Dedup || second.JobID != first.JobID {
		t.Errorf("whitespace/case variant = %+v, want dedup to %s", second, first.JobID)
	}
}

func TestAdmitQueueFull(t *testing.T) {
	c, st, _ := newTestController(t, Config{MaxInFlight: 2}, nil)

	for i, code := range []string{"print(1)", "print(2)"} {
		if _, err := c.Admit(context.Background(), execRequest("alice", code)); err != nil {
			t.Fatalf("Admit() #%d error = %v", i, err)
		}
	}

	_, err := c.Admit(context.Background(), execRequest("alice", "print(3)"))
	if !errors.Is(err, job.ErrQueueFull) {
		t.Fatalf("Admit() over cap error = %v, want ErrQueueFull", err)
	}
	// Rejection leaves quota untouched.
	if used, _ := st.Quota("alice", time.Now()); used != 2 {
		t.Errorf("quota after rejection = %d, want 2", used)
	}
}

func TestAdmitQuotaExceeded(t *testing.T) {
	c, st, q := newTestController(t, Config{DailyQuota: 1}, nil)

	if _, err := c.Admit(context.Background(), execRequest("alice", "print(1)")); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	_, err := c.Admit(context.Background(), execRequest("alice", "print(2)"))
	if !errors.Is(err, job.ErrQuotaExceeded) {
		t.Fatalf("Admit() over quota error = %v, want ErrQuotaExceeded", err)
	}
	if n, _ := q.Len(); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	// Quota is per user: bob is unaffected by alice's limit.
	if _, err := c.Admit(context.Background(), execRequest("bob", "print(1)")); err != nil {
		t.Errorf("Admit(bob) error = %v, want admitted", err)
	}
	if used, _ := st.Quota("alice", time.Now()); used != 1 {
		t.Errorf("alice quota = %d, want 1", used)
	}
}

func TestAdmitCircuitOpenRejectsGenerationOnly(t *testing.T) {
	c, st, q := newTestController(t, Config{}, &stubBreaker{open: true})

	_, err := c.Admit(context.Background(), genRequest("alice", "teach loops"))
	if !errors.Is(err, job.ErrCircuitOpen) {
		t.Fatalf("generation Admit() error = %v, want ErrCircuitOpen", err)
	}
	// The open-circuit rejection touches no admission state.
	if n, _ := q.Len(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if used, _ := st.Quota("alice", time.Now()); used != 0 {
		t.Errorf("quota = %d, want 0", used)
	}

	// Execution jobs do not depend on the generation backend.
	if _, err := c.Admit(context.Background(), execRequest("alice", "print(1)")); err != nil {
		t.Errorf("execution Admit() error = %v, want admitted", err)
	}
}

func TestAdmitSemanticCacheHit(t *testing.T) {
	c, st, q := newTestController(t, Config{SemanticCache: true}, nil)

	// Pre-populate the cache the way a completed generation job would.
	key := CacheKey(&job.GenerationInput{Prompt: "Teach recursion", Language: "python", Difficulty: "beginner"})
	if err := st.PutGenCache(key, &job.GenerationResult{Content: "lesson", QualityScore: 0.9}, time.Hour); err != nil {
		t.Fatalf("PutGenCache() error = %v", err)
	}

	res, err := c.Admit(context.Background(), genRequest("bob", "teach  RECURSION"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if !res.Cached {
		t.Fatalf("Admit() = %+v, want cache hit", res)
	}

	j, err := st.GetJob(res.JobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if j.Status != job.StatusCompleted || j.Progress != 100 {
		t.Errorf("cached job = status=%s progress=%d, want completed/100", j.Status, j.Progress)
	}
	if j.Result == nil || j.Result.Generation == nil || !j.Result.Generation.Cached {
		t.Errorf("cached job result = %+v, want Cached=true generation result", j.Result)
	}
	// A cache hit enqueues nothing and charges no quota.
	if n, _ := q.Len(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if used, _ := st.Quota("bob", time.Now()); used != 0 {
		t.Errorf("quota = %d, want 0", used)
	}
}

func TestAdmitValidation(t *testing.T) {
	c, _, _ := newTestController(t, Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{
			name: "missing user",
			req:  execRequest("", "print(1)"),
		},
		{
			name: "missing code",
			req:  execRequest("alice", ""),
		},
		{
			name: "unsupported language",
			req: Request{
				UserID:    "alice",
				Kind:      job.KindExecution,
				Execution: &job.ExecutionInput{Language: "cobol", Code: "DISPLAY 'HI'."},
			},
		},
		{
			name: "missing prompt",
			req:  genRequest("alice", ""),
		},
		{
			name: "bad difficulty",
			req: Request{
				UserID:     "alice",
				Kind:       job.KindGeneration,
				Generation: &job.GenerationInput{Prompt: "p", Language: "python", Difficulty: "impossible"},
			},
		},
		{
			name: "unknown kind",
			req:  Request{UserID: "alice", Kind: "batch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Admit(ctx, tt.req)
			if !job.IsValidation(err) {
				t.Errorf("Admit() error = %v, want validation error", err)
			}
		})
	}
}
