// Package ferrerrors provides the structured error type shared across
// FerretBot's components, carrying the six wire-visible error codes from
// the IPC and workflow-engine error taxonomy.
package ferrerrors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes returned to IPC clients and recorded on failed run steps.
const (
	CodeValidationError = "validation_error" // Malformed workflow definition, step, or request payload
	CodeNotFound        = "not_found"        // Workflow, run, step, or skill id does not exist
	CodeCheckFailed      = "check_failed"    // A success check did not pass after exhausting retries
	CodeNoProgress       = "no_progress"     // Canonical-output hash was unchanged across a retry
	CodeToolError        = "tool_error"      // A tool invocation returned a non-zero exit or errored
	CodeInvalidRequest   = "invalid_request" // IPC command was well-formed JSON but semantically invalid
)

// FerretError is the structured error type produced throughout FerretBot.
type FerretError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FerretError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FerretError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a contextual key/value pair, such as a run or step id.
func (e *FerretError) WithDetail(key string, value any) *FerretError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause attaches an underlying error for errors.Unwrap chains.
func (e *FerretError) WithCause(err error) *FerretError {
	e.Cause = err
	return e
}

// MarshalJSON renders the cause as a message string, matching the envelope
// shape IPC clients expect for the `content.error` field.
func (e *FerretError) MarshalJSON() ([]byte, error) {
	type alias FerretError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a FerretError with a fixed message.
func New(code, message string) *FerretError {
	return &FerretError{Code: code, Message: message}
}

// Newf creates a FerretError with a formatted message.
func Newf(code, format string, args ...any) *FerretError {
	return &FerretError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a FerretError wrapping an underlying cause.
func Wrap(code, message string, err error) *FerretError {
	return &FerretError{Code: code, Message: message, Cause: err}
}

// Wrapf creates a FerretError wrapping an underlying cause with a formatted message.
func Wrapf(code string, err error, format string, args ...any) *FerretError {
	return &FerretError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// --- validation_error ---

// ValidationError reports a malformed workflow definition, step, or request field.
func ValidationError(field, reason string) *FerretError {
	return Newf(CodeValidationError, "validation failed for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

// CycleDetected reports a dependency cycle among workflow steps.
func CycleDetected(workflowID string, cycle []string) *FerretError {
	return Newf(CodeValidationError, "cycle detected in workflow %s step dependencies", workflowID).
		WithDetail("workflow_id", workflowID).
		WithDetail("cycle", cycle)
}

// DuplicateDefinition reports a (id, version) collision at registration.
func DuplicateDefinition(id, version string) *FerretError {
	return Newf(CodeValidationError, "workflow %s version %s already registered", id, version).
		WithDetail("workflow_id", id).
		WithDetail("version", version)
}

// --- not_found ---

// WorkflowNotFound reports a missing workflow definition.
func WorkflowNotFound(id, version string) *FerretError {
	err := Newf(CodeNotFound, "workflow not found: %s", id).WithDetail("workflow_id", id)
	if version != "" {
		err.WithDetail("version", version)
	}
	return err
}

// RunNotFound reports a missing run record.
func RunNotFound(runID string) *FerretError {
	return Newf(CodeNotFound, "run not found: %s", runID).WithDetail("run_id", runID)
}

// StepNotFound reports a missing step within a workflow or run.
func StepNotFound(stepID string) *FerretError {
	return Newf(CodeNotFound, "step not found: %s", stepID).WithDetail("step_id", stepID)
}

// SkillNotFound reports a referenced skill that could not be located.
func SkillNotFound(name string) *FerretError {
	return Newf(CodeNotFound, "skill not found: %s", name).WithDetail("skill", name)
}

// SessionNotFound reports a missing session-memory record.
func SessionNotFound(sessionID string) *FerretError {
	return Newf(CodeNotFound, "session not found: %s", sessionID).WithDetail("session_id", sessionID)
}

// --- check_failed ---

// CheckFailed reports a success check that did not pass.
func CheckFailed(stepID, checkKind, detail string) *FerretError {
	return Newf(CodeCheckFailed, "step %s check %s failed: %s", stepID, checkKind, detail).
		WithDetail("step_id", stepID).
		WithDetail("check_kind", checkKind)
}

// --- no_progress ---

// NoProgress reports an unchanged canonical output hash across a retry.
func NoProgress(stepID string, attempt int) *FerretError {
	return Newf(CodeNoProgress, "step %s made no progress on attempt %d", stepID, attempt).
		WithDetail("step_id", stepID).
		WithDetail("attempt", attempt)
}

// --- tool_error ---

// ToolFailed reports a tool invocation failure.
func ToolFailed(toolName string, err error) *FerretError {
	return Wrap(CodeToolError, "tool invocation failed", err).
		WithDetail("tool", toolName)
}

// ToolNotFound reports an unknown tool name.
func ToolNotFound(toolName string) *FerretError {
	return Newf(CodeToolError, "tool not registered: %s", toolName).
		WithDetail("tool", toolName)
}

// --- invalid_request ---

// InvalidRequest reports a semantically invalid but well-formed IPC command.
func InvalidRequest(reason string) *FerretError {
	return New(CodeInvalidRequest, reason)
}

// InvalidRequestf reports a semantically invalid IPC command with a formatted message.
func InvalidRequestf(format string, args ...any) *FerretError {
	return Newf(CodeInvalidRequest, format, args...)
}

// UnknownCommand reports an IPC message type the gateway does not recognize.
func UnknownCommand(messageType string) *FerretError {
	return Newf(CodeInvalidRequest, "unknown command type: %s", messageType).
		WithDetail("type", messageType)
}

// HasCode reports whether err is, or wraps, a FerretError with the given code.
func HasCode(err error, code string) bool {
	var ferr *FerretError
	if errors.As(err, &ferr) {
		return ferr.Code == code
	}
	return false
}

// Code returns the code of err if it is, or wraps, a FerretError, else "".
func Code(err error) string {
	var ferr *FerretError
	if errors.As(err, &ferr) {
		return ferr.Code
	}
	return ""
}
