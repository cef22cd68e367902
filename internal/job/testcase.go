package job

// TestCase is one input/expected-output pair evaluated against a submission.
// Hidden cases are run but never echoed back to the end user.
type TestCase struct {
	Input       []any  `json:"input"`
	Expected    any    `json:"expected"`
	Description string `json:"description,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}
