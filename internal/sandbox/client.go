// Package sandbox is the thin client over the remote code-execution service.
// It maps languages to runtime identifiers, applies timeouts and memory
// ceilings, and normalizes whatever the backend returns into a fixed result
// shape. Transport failures never escape as errors: callers always get a
// well-formed result.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/rachelpine/capsule/internal/job"
)

// Limits are the resource ceilings applied to one execution.
type Limits struct {
	CompileTimeout time.Duration
	RunTimeout     time.Duration
	MemoryBytes    int64
}

// DefaultLimits returns safe ceilings for untrusted code.
func DefaultLimits() Limits {
	return Limits{
		CompileTimeout: 10 * time.Second,
		RunTimeout:     10 * time.Second,
		MemoryBytes:    256 * 1024 * 1024,
	}
}

// Executor runs code in an isolated environment.
type Executor interface {
	Execute(ctx context.Context, language, code, stdin string, limits Limits) *job.ExecutionResult
}

// Client calls a piston-shaped sandbox HTTP service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	runtimes   *RuntimeTable
	limiter    *rate.Limiter
}

// NewClient creates a sandbox client. maxRPS caps outbound request rate;
// 0 means uncapped.
func NewClient(baseURL string, runtimes *RuntimeTable, maxRPS float64) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if maxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxRPS), int(maxRPS)+1)
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Overall transport ceiling; per-run limits are enforced by the
			// sandbox itself.
			Timeout: 60 * time.Second,
		},
		runtimes: runtimes,
		limiter:  limiter,
	}
}

// Runtimes exposes the language table for validation at admission.
func (c *Client) Runtimes() *RuntimeTable { return c.runtimes }

type executeRequest struct {
	Language       string        `json:"language"`
	Version        string        `json:"version"`
	Files          []executeFile `json:"files"`
	Stdin          string        `json:"stdin,omitempty"`
	CompileTimeout int64         `json:"compile_timeout,omitempty"`
	RunTimeout     int64         `json:"run_timeout,omitempty"`
	RunMemoryLimit int64         `json:"run_memory_limit,omitempty"`
}

type executeFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type stageOutput struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
	Memory int64  `json:"memory"`
}

type executeResponse struct {
	Run     stageOutput  `json:"run"`
	Compile *stageOutput `json:"compile,omitempty"`
	Message string       `json:"message,omitempty"`
}

// failure builds the normalized transport-failure result.
func failure(msg string, elapsed time.Duration) *job.ExecutionResult {
	return &job.ExecutionResult{
		Success:         false,
		Stderr:          msg,
		ExitCode:        1,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// Execute runs code remotely and normalizes the response. Execution time is
// measured client-side as a cross-check against backend-reported timing.
func (c *Client) Execute(ctx context.Context, language, code, stdin string, limits Limits) *job.ExecutionResult {
	start := time.Now()

	rt, ok := c.runtimes.Lookup(language)
	if !ok {
		return failure(fmt.Sprintf("unsupported language: %s", language), time.Since(start))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return failure(fmt.Sprintf("sandbox rate limit wait: %v", err), time.Since(start))
	}

	reqBody := executeRequest{
		Language:       rt.Language,
		Version:        rt.Version,
		Files:          []executeFile{{Name: rt.Filename, Content: code}},
		Stdin:          stdin,
		CompileTimeout: limits.CompileTimeout.Milliseconds(),
		RunTimeout:     limits.RunTimeout.Milliseconds(),
		RunMemoryLimit: limits.MemoryBytes,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return failure(fmt.Sprintf("encoding sandbox request: %v", err), time.Since(start))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/execute", bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Sprintf("creating sandbox request: %v", err), time.Since(start))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failure(fmt.Sprintf("sandbox unreachable: %v", err), time.Since(start))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(fmt.Sprintf("reading sandbox response: %v", err), time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(fmt.Sprintf("sandbox returned HTTP %d: %s", resp.StatusCode, string(respBody)), time.Since(start))
	}

	var parsed executeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return failure(fmt.Sprintf("malformed sandbox response: %v", err), time.Since(start))
	}

	return normalize(&parsed, time.Since(start))
}

// normalize converts a backend response into the fixed result contract.
// Missing fields default to empty/zero; exit code 0 is the only success
// signal.
func normalize(resp *executeResponse, elapsed time.Duration) *job.ExecutionResult {
	run := resp.Run

	// A failed compile stage is the run's outcome.
	if resp.Compile != nil && resp.Compile.Code != nil && *resp.Compile.Code != 0 {
		run = *resp.Compile
	}

	exitCode := 0
	switch {
	case run.Code != nil:
		exitCode = *run.Code
	case run.Signal != "" || run.Stderr != "":
		// The backend reported trouble without an exit code.
		exitCode = 1
	}

	return &job.ExecutionResult{
		Success:         exitCode == 0 && run.Signal == "",
		Stdout:          run.Stdout,
		Stderr:          run.Stderr,
		ExitCode:        exitCode,
		Signal:          run.Signal,
		MemoryUsed:      run.Memory,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}
