package checks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ferretbot/ferretbot/internal/registry"
)

func TestEvaluate_EmptyPassesVacuously(t *testing.T) {
	e := NewEvaluator()
	passed, results := e.Evaluate(nil, Context{})
	if !passed {
		t.Error("empty check list should pass vacuously")
	}
	if results != nil {
		t.Errorf("results = %v, want nil", results)
	}
}

func TestEvaluate_UnknownTypeFailsWithoutPanic(t *testing.T) {
	e := NewEvaluator()
	passed, results := e.Evaluate([]registry.CheckSpec{{Type: "nonexistent"}}, Context{})
	if passed {
		t.Error("unknown check type should fail")
	}
	if len(results) != 1 || results[0].Message == "" {
		t.Errorf("results = %+v, want a diagnostic message", results)
	}
}

func TestCheckContains(t *testing.T) {
	e := NewEvaluator()
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "contains", Text: "SUCCESS"}}, Context{StepOutput: "build SUCCESS"})
	if !passed {
		t.Error("contains should pass")
	}
	passed, _ = e.Evaluate([]registry.CheckSpec{{Type: "contains", Text: "SUCCESS"}}, Context{StepOutput: "build FAILURE"})
	if passed {
		t.Error("contains should fail")
	}
}

func TestCheckNotContains(t *testing.T) {
	e := NewEvaluator()
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "not_contains", Text: "ERROR"}}, Context{StepOutput: "all good"})
	if !passed {
		t.Error("not_contains should pass")
	}
}

func TestCheckRegex(t *testing.T) {
	e := NewEvaluator()
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "regex", Pattern: `^v\d+\.\d+\.\d+$`}}, Context{StepOutput: "v1.2.3"})
	if !passed {
		t.Error("regex should pass")
	}

	passed, results := e.Evaluate([]registry.CheckSpec{{Type: "regex", Pattern: "("}}, Context{StepOutput: "x"})
	if passed || results[0].Message == "" {
		t.Error("invalid regex should fail with a message, not panic")
	}
}

func TestCheckExitCode(t *testing.T) {
	e := NewEvaluator()
	zero := 0
	ctx := Context{ToolResults: []ToolResult{{Name: "bash", ExitCode: 0}}}
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "exit_code", Expected: &zero}}, ctx)
	if !passed {
		t.Error("exit_code 0 should pass with expected 0")
	}

	ctxFail := Context{ToolResults: []ToolResult{{Name: "bash", ExitCode: 1}}}
	passed, _ = e.Evaluate([]registry.CheckSpec{{Type: "command_exit_code"}}, ctxFail)
	if passed {
		t.Error("exit code 1 should fail expected 0")
	}

	passed, results := e.Evaluate([]registry.CheckSpec{{Type: "exit_code"}}, Context{})
	if passed || results[0].Message == "" {
		t.Error("missing tool results should fail with a message")
	}
}

func TestCheckFileExistsAndNotExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(path, []byte("hi"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := NewEvaluator()
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "file_exists", Path: path}}, Context{})
	if !passed {
		t.Error("file_exists should pass")
	}

	missing := filepath.Join(dir, "missing.txt")
	passed, _ = e.Evaluate([]registry.CheckSpec{{Type: "file_not_exists", Path: missing}}, Context{})
	if !passed {
		t.Error("file_not_exists should pass for a missing file")
	}
}

func TestCheckFileContainsAndRegex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(path, []byte("status: PASS\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := NewEvaluator()
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "file_contains", Path: path, Text: "PASS"}}, Context{})
	if !passed {
		t.Error("file_contains should pass")
	}

	passed, _ = e.Evaluate([]registry.CheckSpec{{Type: "file_regex", Path: path, Pattern: `status: \w+`}}, Context{})
	if !passed {
		t.Error("file_regex should pass")
	}
}

func TestCheckFileHashChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := NewEvaluator()
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "file_hash_changed", Path: path, PreviousHash: "bogus"}}, Context{})
	if !passed {
		t.Error("file_hash_changed should pass when hash differs")
	}
}

func TestCheckNonEmpty(t *testing.T) {
	e := NewEvaluator()
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "non_empty"}}, Context{StepOutput: "  "})
	if passed {
		t.Error("whitespace-only output should fail non_empty")
	}
	passed, _ = e.Evaluate([]registry.CheckSpec{{Type: "non_empty"}}, Context{StepOutput: "ok"})
	if !passed {
		t.Error("non-empty output should pass non_empty")
	}
}

func TestRegister_OverridesBuiltin(t *testing.T) {
	e := NewEvaluator()
	e.Register("contains", func(spec registry.CheckSpec, ctx Context) Result {
		return Result{Type: "contains", Passed: true}
	})
	passed, _ := e.Evaluate([]registry.CheckSpec{{Type: "contains", Text: "anything"}}, Context{StepOutput: ""})
	if !passed {
		t.Error("overridden handler should have been used")
	}
}
