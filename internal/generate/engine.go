// Package generate wraps the multi-stage AI content generator behind a single
// opaque call with a duration and quality score. The pipeline never depends on
// how the stages work internally.
package generate

import (
	"context"

	"github.com/rachelpine/capsule/internal/job"
)

// Context is the structured input handed to the generator.
type Context struct {
	Prompt     string
	Language   string
	Difficulty string
	UserID     string
}

// ProgressFunc receives coarse progress updates between stages. A nil
// ProgressFunc is ignored. Progress reaches clients as discrete writes to the
// progress store, never as a push stream.
type ProgressFunc func(pct int, step string)

// Engine produces capsule content from a generation context. Implementations
// must be safe for concurrent use by multiple workers.
type Engine interface {
	Generate(ctx context.Context, gc Context, progress ProgressFunc) (*job.GenerationResult, error)
}
