// Package harness wraps a user submission in generated code that self-reports
// pass/fail via sentinel stdout lines, so the sandbox's raw process output is
// the whole test protocol. Test data is embedded as a base64 blob to sidestep
// quoting and escaping in the generated source.
package harness

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rachelpine/capsule/internal/job"
)

// Sentinel lines the generated wrapper prints. Pass/fail detection is a
// substring check on stdout.
const (
	PassMarker  = "CAPSULE_TEST_PASS"
	FailMarker  = "CAPSULE_TEST_FAIL"
	ErrorMarker = "CAPSULE_TEST_ERROR"
)

// Outcome classifies a harness run from its stdout.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeErr  Outcome = "error"
	// OutcomeUnknown means no sentinel was found: either the language has no
	// template or the submission swallowed the harness output.
	OutcomeUnknown Outcome = "unknown"
)

type payload struct {
	Input    []any `json:"input"`
	Expected any   `json:"expected"`
}

// Build wraps userCode with the language's harness template for one test
// case. Languages without a template get the code back unmodified, and the
// caller must treat pass/fail as indeterminate.
func Build(userCode string, tc job.TestCase, language, functionName string) (string, error) {
	data, err := json.Marshal(payload{Input: tc.Input, Expected: tc.Expected})
	if err != nil {
		return "", fmt.Errorf("encoding test data: %w", err)
	}
	blob := base64.StdEncoding.EncodeToString(data)

	switch language {
	case "python":
		return fmt.Sprintf(pythonTemplate, userCode, blob, functionName), nil
	case "javascript", "typescript":
		return fmt.Sprintf(javascriptTemplate, userCode, blob, functionName), nil
	default:
		return userCode, nil
	}
}

// Supported reports whether a harness template exists for the language.
func Supported(language string) bool {
	switch language {
	case "python", "javascript", "typescript":
		return true
	}
	return false
}

// Detect scans harness stdout for a sentinel line.
func Detect(stdout string) Outcome {
	switch {
	case strings.Contains(stdout, PassMarker):
		return OutcomePass
	case strings.Contains(stdout, FailMarker):
		return OutcomeFail
	case strings.Contains(stdout, ErrorMarker):
		return OutcomeErr
	default:
		return OutcomeUnknown
	}
}
