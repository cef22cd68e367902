package job

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two flavors of queued work.
type Kind string

const (
	KindExecution  Kind = "execution"
	KindGeneration Kind = "generation"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExecutionInput is the payload for an execution job.
type ExecutionInput struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
}

// GenerationInput is the payload for a generation job.
type GenerationInput struct {
	Prompt     string `json:"prompt"`
	Language   string `json:"language"`
	Difficulty string `json:"difficulty,omitempty"`
}

// Job is one unit of queued work.
type Job struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	UserID      string           `json:"user_id"`
	Execution   *ExecutionInput  `json:"execution,omitempty"`
	Generation  *GenerationInput `json:"generation,omitempty"`
	Status      Status           `json:"status"`
	Progress    int              `json:"progress"`
	CurrentStep string           `json:"current_step,omitempty"`
	Result      *Result          `json:"result,omitempty"`
	Error       *Error           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at,omitzero"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
}

// NewID returns a fresh job id. The kind prefix keeps ids human-traceable
// in logs without a lookup.
func NewID(kind Kind) string {
	prefix := "exec"
	if kind == KindGeneration {
		prefix = "gen"
	}
	return prefix + "-" + uuid.New().String()
}

// NormalizePrompt canonicalizes a prompt or code body for hashing so that
// trivial whitespace differences still dedup to the same job.
func NormalizePrompt(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
