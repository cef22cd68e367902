package generate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rachelpine/capsule/internal/job"
)

// OpenAIEngine runs the outline -> draft -> review stages against any
// OpenAI-compatible API (Ollama, Claude, Gemini gateways all speak it).
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

// NewOpenAIEngine creates an engine for the given provider.
func NewOpenAIEngine(baseURL, apiKey, model string) *OpenAIEngine {
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
	)
	return &OpenAIEngine{client: &client, model: model}
}

func (e *OpenAIEngine) complete(ctx context.Context, system, user string) (string, error) {
	completion, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

// Generate produces capsule content in three stages and scores the result.
// Per-stage wall-clock timings are recorded on the result.
func (e *OpenAIEngine) Generate(ctx context.Context, gc Context, progress ProgressFunc) (*job.GenerationResult, error) {
	report := func(pct int, step string) {
		if progress != nil {
			progress(pct, step)
		}
	}
	res := &job.GenerationResult{}
	stage := func(name string, fn func() (string, error)) (string, error) {
		start := time.Now()
		out, err := fn()
		d := time.Since(start)
		res.Stages = append(res.Stages, job.StageTiming{
			Stage:      name,
			Duration:   d,
			DurationMs: d.Milliseconds(),
		})
		return out, err
	}

	report(20, "outlining")
	outline, err := stage("outline", func() (string, error) {
		return e.complete(ctx,
			"You outline interactive coding lessons. Reply with a concise numbered outline only.",
			fmt.Sprintf("Outline a %s lesson capsule in %s about: %s",
				orDefault(gc.Difficulty, "intermediate"), gc.Language, gc.Prompt))
	})
	if err != nil {
		return nil, fmt.Errorf("outline stage: %w", err)
	}

	report(55, "drafting content")
	draft, err := stage("draft", func() (string, error) {
		return e.complete(ctx,
			"You write complete interactive coding lesson capsules: explanation, runnable example, and exercises with test cases.",
			fmt.Sprintf("Write the full capsule for this outline. Target language: %s.\n\n%s", gc.Language, outline))
	})
	if err != nil {
		return nil, fmt.Errorf("draft stage: %w", err)
	}
	res.Content = draft

	report(85, "reviewing")
	review, err := stage("review", func() (string, error) {
		return e.complete(ctx,
			"You review lesson capsules. Reply with a single quality score between 0.0 and 1.0 on the first line, then brief notes.",
			draft)
	})
	if err != nil {
		// A completed draft with a failed review is still usable content.
		res.QualityScore = 0.5
		return res, nil
	}
	res.QualityScore = parseScore(review)
	return res, nil
}

// parseScore pulls the leading score out of the review output. Falls back to
// a neutral score when the model ignores the format.
func parseScore(review string) float64 {
	line := review
	if i := strings.IndexByte(review, '\n'); i >= 0 {
		line = review[:i]
	}
	for _, field := range strings.Fields(line) {
		field = strings.Trim(field, ":;,")
		if score, err := strconv.ParseFloat(field, 64); err == nil {
			if score > 1 && score <= 10 {
				score /= 10
			}
			if score >= 0 && score <= 1 {
				return score
			}
		}
	}
	return 0.5
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
