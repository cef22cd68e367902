package harness

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rachelpine/capsule/internal/job"
)

func TestBuildIsDeterministic(t *testing.T) {
	tc := job.TestCase{
		Input:    []any{[]any{3.0, 1.0, 2.0}},
		Expected: []any{1.0, 2.0, 3.0},
	}

	first, err := Build("def solve(xs):\n    return sorted(xs)\n", tc, "python", "solve")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	second, err := Build("def solve(xs):\n    return sorted(xs)\n", tc, "python", "solve")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if first != second {
		t.Error("Build() output differs between identical calls")
	}
}

func TestBuildPythonWrapsCode(t *testing.T) {
	userCode := "def add(a, b):\n    return a + b\n"
	tc := job.TestCase{Input: []any{2.0, 3.0}, Expected: 5.0}

	out, err := Build(userCode, tc, "python", "add")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !strings.Contains(out, userCode) {
		t.Error("wrapped source does not contain the user code")
	}
	if !strings.Contains(out, "random.seed(42)") && !strings.Contains(out, "__cap_random.seed(42)") {
		t.Error("wrapped source does not seed randomness")
	}
	for _, marker := range []string{PassMarker, FailMarker, ErrorMarker} {
		if !strings.Contains(out, marker) {
			t.Errorf("wrapped source missing sentinel %s", marker)
		}
	}

	// The embedded blob decodes back to the test case.
	blob := extractBlob(t, out)
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("decoding embedded blob: %v", err)
	}
	var p struct {
		Input    []any `json:"input"`
		Expected any   `json:"expected"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshaling embedded blob: %v", err)
	}
	if len(p.Input) != 2 || p.Expected != 5.0 {
		t.Errorf("embedded payload = %+v, want input len 2 expected 5", p)
	}
}

// extractBlob pulls the base64 argument out of the generated python source.
func extractBlob(t *testing.T, src string) string {
	t.Helper()
	const pre = `b64decode("`
	i := strings.Index(src, pre)
	if i < 0 {
		t.Fatal("no embedded blob found in generated source")
	}
	rest := src[i+len(pre):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		t.Fatal("unterminated blob in generated source")
	}
	return rest[:j]
}

func TestBuildJavascriptSeedsRandom(t *testing.T) {
	out, err := Build("function f() { return 1; }", job.TestCase{Expected: 1.0}, "javascript", "f")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(out, "Math.random = function") {
		t.Error("javascript harness does not replace Math.random")
	}
	if !strings.Contains(out, "Math.imul") {
		t.Error("javascript harness missing seeded generator")
	}
}

func TestBuildTypescriptUsesJavascriptTemplate(t *testing.T) {
	ts, err := Build("const f = (x: number) => x", job.TestCase{Expected: 1.0}, "typescript", "f")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(ts, PassMarker) {
		t.Error("typescript harness missing sentinel")
	}
}

func TestBuildUnknownLanguagePassthrough(t *testing.T) {
	code := "puts gets.to_i * 2"
	out, err := Build(code, job.TestCase{Expected: 4.0}, "ruby", "f")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if out != code {
		t.Errorf("Build(ruby) = %q, want code unmodified", out)
	}
}

func TestSupported(t *testing.T) {
	for _, lang := range []string{"python", "javascript", "typescript"} {
		if !Supported(lang) {
			t.Errorf("Supported(%s) = false, want true", lang)
		}
	}
	if Supported("ruby") {
		t.Error("Supported(ruby) = true, want false")
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   Outcome
	}{
		{"pass", "some output\nCAPSULE_TEST_PASS\n", OutcomePass},
		{"fail", "CAPSULE_TEST_FAIL expected=5 actual=6\n", OutcomeFail},
		{"error", "CAPSULE_TEST_ERROR TypeError('bad')\n", OutcomeErr},
		{"no sentinel", "hello world\n", OutcomeUnknown},
		{"empty", "", OutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.stdout); got != tt.want {
				t.Errorf("Detect() = %s, want %s", got, tt.want)
			}
		})
	}
}
