// Package checks implements the pluggable success-check evaluator (spec
// §4.4): a table-of-functions registry keyed by check type, not a virtual
// dispatch hierarchy (spec §9).
package checks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/ferretbot/ferretbot/internal/registry"
)

// ToolResult is the subset of a tool invocation's outcome checks can inspect.
type ToolResult struct {
	Name     string
	ExitCode int
	Output   string
}

// Context is the evaluation context passed to every check.
type Context struct {
	StepOutput     string
	ToolResults    []ToolResult
	WorkflowInputs map[string]any
	Artifacts      map[string]string // artifact paths the step reported; not read by the built-in checks, whose file_* kinds probe the descriptor's path
}

// Result is the outcome of evaluating one check descriptor.
type Result struct {
	Type    string `json:"type"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// CheckFunc evaluates one check descriptor against ctx.
type CheckFunc func(spec registry.CheckSpec, ctx Context) Result

// Evaluator holds the process-wide (but dependency-injected, never read at
// module load time per spec §9) table of check-type handlers.
type Evaluator struct {
	mu       sync.RWMutex
	checkers map[string]CheckFunc
}

// NewEvaluator returns an Evaluator pre-populated with the built-in kinds
// from spec §4.4.
func NewEvaluator() *Evaluator {
	e := &Evaluator{checkers: make(map[string]CheckFunc)}
	e.Register("contains", checkContains)
	e.Register("not_contains", checkNotContains)
	e.Register("regex", checkRegex)
	e.Register("exit_code", checkExitCode)
	e.Register("command_exit_code", checkExitCode)
	e.Register("file_exists", checkFileExists)
	e.Register("file_not_exists", checkFileNotExists)
	e.Register("file_contains", checkFileContains)
	e.Register("file_regex", checkFileRegex)
	e.Register("file_hash_changed", checkFileHashChanged)
	e.Register("non_empty", checkNonEmpty)
	return e
}

// Register adds or replaces the handler for a check type, allowing
// third-party extensions (spec §9).
func (e *Evaluator) Register(checkType string, fn CheckFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkers[checkType] = fn
}

// Evaluate runs every check in specs against ctx. An empty list passes
// vacuously; an unrecognized type yields a failing result with a diagnostic
// message rather than an error (spec §8).
func (e *Evaluator) Evaluate(specs []registry.CheckSpec, ctx Context) (bool, []Result) {
	if len(specs) == 0 {
		return true, nil
	}

	results := make([]Result, 0, len(specs))
	passed := true
	for _, spec := range specs {
		r := e.evaluateOne(spec, ctx)
		results = append(results, r)
		if !r.Passed {
			passed = false
		}
	}
	return passed, results
}

func (e *Evaluator) evaluateOne(spec registry.CheckSpec, ctx Context) Result {
	e.mu.RLock()
	fn, ok := e.checkers[spec.Type]
	e.mu.RUnlock()

	if !ok {
		return Result{Type: spec.Type, Passed: false, Message: fmt.Sprintf("unknown check type: %q", spec.Type)}
	}
	return fn(spec, ctx)
}

func checkContains(spec registry.CheckSpec, ctx Context) Result {
	passed := strings.Contains(ctx.StepOutput, spec.Text)
	msg := ""
	if !passed {
		msg = fmt.Sprintf("output does not contain %q", spec.Text)
	}
	return Result{Type: "contains", Passed: passed, Message: msg}
}

func checkNotContains(spec registry.CheckSpec, ctx Context) Result {
	passed := !strings.Contains(ctx.StepOutput, spec.Text)
	msg := ""
	if !passed {
		msg = fmt.Sprintf("output unexpectedly contains %q", spec.Text)
	}
	return Result{Type: "not_contains", Passed: passed, Message: msg}
}

func checkRegex(spec registry.CheckSpec, ctx Context) Result {
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return Result{Type: "regex", Passed: false, Message: fmt.Sprintf("invalid pattern: %v", err)}
	}
	passed := re.MatchString(ctx.StepOutput)
	msg := ""
	if !passed {
		msg = fmt.Sprintf("output does not match pattern %q", spec.Pattern)
	}
	return Result{Type: "regex", Passed: passed, Message: msg}
}

func checkExitCode(spec registry.CheckSpec, ctx Context) Result {
	expected := 0
	if spec.Expected != nil {
		expected = *spec.Expected
	}
	if len(ctx.ToolResults) == 0 {
		return Result{Type: "exit_code", Passed: false, Message: "no tool results to inspect"}
	}
	last := ctx.ToolResults[len(ctx.ToolResults)-1]
	passed := last.ExitCode == expected
	msg := ""
	if !passed {
		msg = fmt.Sprintf("exit code %d != expected %d", last.ExitCode, expected)
	}
	return Result{Type: "exit_code", Passed: passed, Message: msg}
}

func checkFileExists(spec registry.CheckSpec, ctx Context) Result {
	_, err := os.Stat(spec.Path)
	passed := err == nil
	msg := ""
	if !passed {
		msg = fmt.Sprintf("file does not exist: %s", spec.Path)
	}
	return Result{Type: "file_exists", Passed: passed, Message: msg}
}

func checkFileNotExists(spec registry.CheckSpec, ctx Context) Result {
	_, err := os.Stat(spec.Path)
	passed := os.IsNotExist(err)
	msg := ""
	if !passed {
		msg = fmt.Sprintf("file unexpectedly exists: %s", spec.Path)
	}
	return Result{Type: "file_not_exists", Passed: passed, Message: msg}
}

func checkFileContains(spec registry.CheckSpec, ctx Context) Result {
	data, err := os.ReadFile(spec.Path)
	if err != nil {
		return Result{Type: "file_contains", Passed: false, Message: fmt.Sprintf("cannot read file: %v", err)}
	}
	passed := strings.Contains(string(data), spec.Text)
	msg := ""
	if !passed {
		msg = fmt.Sprintf("file %s does not contain %q", spec.Path, spec.Text)
	}
	return Result{Type: "file_contains", Passed: passed, Message: msg}
}

func checkFileRegex(spec registry.CheckSpec, ctx Context) Result {
	data, err := os.ReadFile(spec.Path)
	if err != nil {
		return Result{Type: "file_regex", Passed: false, Message: fmt.Sprintf("cannot read file: %v", err)}
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return Result{Type: "file_regex", Passed: false, Message: fmt.Sprintf("invalid pattern: %v", err)}
	}
	passed := re.Match(data)
	msg := ""
	if !passed {
		msg = fmt.Sprintf("file %s does not match pattern %q", spec.Path, spec.Pattern)
	}
	return Result{Type: "file_regex", Passed: passed, Message: msg}
}

func checkFileHashChanged(spec registry.CheckSpec, ctx Context) Result {
	data, err := os.ReadFile(spec.Path)
	if err != nil {
		return Result{Type: "file_hash_changed", Passed: false, Message: fmt.Sprintf("cannot read file: %v", err)}
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	passed := hash != spec.PreviousHash
	msg := ""
	if !passed {
		msg = "file hash unchanged"
	}
	return Result{Type: "file_hash_changed", Passed: passed, Message: msg}
}

func checkNonEmpty(spec registry.CheckSpec, ctx Context) Result {
	passed := strings.TrimSpace(ctx.StepOutput) != ""
	msg := ""
	if !passed {
		msg = "step output is empty or whitespace"
	}
	return Result{Type: "non_empty", Passed: passed, Message: msg}
}
