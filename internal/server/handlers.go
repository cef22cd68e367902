package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rachelpine/capsule/internal/admission"
	"github.com/rachelpine/capsule/internal/harness"
	"github.com/rachelpine/capsule/internal/job"
	"github.com/rachelpine/capsule/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of every error: a machine-readable code plus a
// human message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// userID resolves the requesting user. The platform gateway injects the
// header after authentication; the pipeline itself does not do auth.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// writeAdmissionError maps admission rejections onto status codes:
// validation 422, circuit-open 503, queue-full 429, quota 429, the rest 500.
func writeAdmissionError(w http.ResponseWriter, err error) {
	code := job.Code(err)
	status := http.StatusInternalServerError
	switch {
	case job.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, job.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, job.ErrQueueFull), errors.Is(err, job.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	}
	writeError(w, status, code, err.Error())
}

func statusURL(jobID string) string {
	return "/api/jobs/" + jobID
}

// --- Submission handlers ---

type generateRequest struct {
	Prompt     string `json:"prompt"`
	Language   string `json:"language"`
	Difficulty string `json:"difficulty,omitempty"`
}

type submitResponse struct {
	JobID        string `json:"jobId"`
	StatusURL    string `json:"statusUrl"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Cached       bool   `json:"cached,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, job.CodeValidation, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.svc.SubmitGeneration(r.Context(), userID(r), job.GenerationInput{
		Prompt:     req.Prompt,
		Language:   req.Language,
		Difficulty: req.Difficulty,
	})
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	writeSubmitResult(w, res)
}

type executeRequest struct {
	Language       string `json:"language"`
	Code           string `json:"code"`
	Stdin          string `json:"stdin,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

func (s *Server) handleExecuteAsync(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, job.CodeValidation, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.svc.SubmitExecution(r.Context(), userID(r), job.ExecutionInput{
		Language: req.Language,
		Code:     req.Code,
		Stdin:    req.Stdin,
	})
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	writeSubmitResult(w, res)
}

// writeSubmitResult answers 202 for a fresh enqueue and 200 for a dedup or
// cache hit, which already refer to existing work.
func writeSubmitResult(w http.ResponseWriter, res *admission.Result) {
	status := http.StatusAccepted
	if res.Dedup || res.Cached {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{
		JobID:        res.JobID,
		StatusURL:    statusURL(res.JobID),
		Deduplicated: res.Dedup,
		Cached:       res.Cached,
	})
}

func (s *Server) handleExecuteSync(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, job.CodeValidation, "invalid JSON: "+err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := s.svc.ExecuteSync(r.Context(), userID(r), req.Language, req.Code, req.Stdin, timeout)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- Harness-backed test execution ---

type executeTestRequest struct {
	Language       string       `json:"language"`
	Code           string       `json:"code"`
	FunctionName   string       `json:"functionName"`
	TestCase       job.TestCase `json:"testCase"`
	TimeoutSeconds int          `json:"timeoutSeconds,omitempty"`
}

type executeTestResponse struct {
	Outcome harness.Outcome      `json:"outcome"`
	Result  *job.ExecutionResult `json:"result"`
}

// handleExecuteTest wraps the submission in the self-reporting harness, runs
// it synchronously, and classifies the sentinel line on stdout.
func (s *Server) handleExecuteTest(w http.ResponseWriter, r *http.Request) {
	var req executeTestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, job.CodeValidation, "invalid JSON: "+err.Error())
		return
	}
	if req.FunctionName == "" {
		writeError(w, http.StatusUnprocessableEntity, job.CodeValidation, "functionName: required")
		return
	}

	wrapped, err := harness.Build(req.Code, req.TestCase, req.Language, req.FunctionName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, job.CodeInternal, err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := s.svc.ExecuteSync(r.Context(), userID(r), req.Language, wrapped, "", timeout)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	outcome := harness.Detect(result.Stdout)
	if !harness.Supported(req.Language) {
		outcome = harness.OutcomeUnknown
	}
	if req.TestCase.Hidden {
		// Hidden cases report the verdict but never the comparison detail.
		result.Stdout = ""
	}
	writeJSON(w, http.StatusOK, executeTestResponse{Outcome: outcome, Result: result})
}

// --- Status handlers ---

type jobStatusResponse struct {
	JobID       string      `json:"jobId"`
	Status      job.Status  `json:"status"`
	Progress    int         `json:"progress"`
	CurrentStep string      `json:"currentStep,omitempty"`
	Result      *job.Result `json:"result,omitempty"`
	Error       *job.Error  `json:"error,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.svc.JobStatus(id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, job.CodeValidation, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, job.CodeInternal, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, jobStatus(j))
}

func jobStatus(j *job.Job) jobStatusResponse {
	return jobStatusResponse{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		Result:      j.Result,
		Error:       j.Error,
	}
}

// --- Capsule handlers ---

func (s *Server) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	if s.capsules == nil {
		writeError(w, http.StatusNotFound, job.CodeValidation, "capsule store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	c, err := s.capsules.GetCapsule(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, job.CodeValidation, "capsule not found")
		} else {
			writeError(w, http.StatusInternalServerError, job.CodeInternal, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	if s.capsules == nil {
		writeError(w, http.StatusNotFound, job.CodeValidation, "capsule store not configured")
		return
	}
	owner := chi.URLParam(r, "id")
	capsules, err := s.capsules.ListCapsulesByOwner(r.Context(), owner, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, job.CodeInternal, err.Error())
		return
	}
	if capsules == nil {
		capsules = []storage.Capsule{}
	}
	writeJSON(w, http.StatusOK, capsules)
}
