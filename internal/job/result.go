package job

import "time"

// ExecutionResult is the normalized outcome of a sandboxed run. Every sandbox
// response is converted into this shape regardless of backend quirks.
type ExecutionResult struct {
	Success         bool   `json:"success"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	Signal          string `json:"signal,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	MemoryUsed      int64  `json:"memory_used,omitempty"`
}

// StageTiming records how long one generation stage took.
type StageTiming struct {
	Stage      string        `json:"stage"`
	Duration   time.Duration `json:"duration"`
	DurationMs int64         `json:"duration_ms"`
}

// GenerationResult is the outcome of a content generation job.
type GenerationResult struct {
	Content      string        `json:"content"`
	QualityScore float64       `json:"quality_score"`
	Stages       []StageTiming `json:"stages,omitempty"`
	CapsuleID    string        `json:"capsule_id,omitempty"`
	Cached       bool          `json:"cached,omitempty"`
}

// Result is the tagged union of job outcomes. Callers switch on Kind before
// reading the payload.
type Result struct {
	Kind       Kind              `json:"kind"`
	Execution  *ExecutionResult  `json:"execution,omitempty"`
	Generation *GenerationResult `json:"generation,omitempty"`
}

// ExecResult wraps an execution payload in the union.
func ExecResult(r *ExecutionResult) *Result {
	return &Result{Kind: KindExecution, Execution: r}
}

// GenResult wraps a generation payload in the union.
func GenResult(r *GenerationResult) *Result {
	return &Result{Kind: KindGeneration, Generation: r}
}
