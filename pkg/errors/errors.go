// Package errors provides structured error types for runflow.
package errors

import (
	"fmt"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeParse             ErrorCode = "PARSE_ERROR"
	ErrCodeStepFailure       ErrorCode = "STEP_FAILURE"
	ErrCodeCredentialMissing ErrorCode = "CREDENTIAL_NOT_FOUND"
	ErrCodeCredentialBackend ErrorCode = "CREDENTIAL_BACKEND_ERROR"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeStageAborted      ErrorCode = "STAGE_ABORTED"
	ErrCodePostAction        ErrorCode = "POST_ACTION_FAILURE"
)

// Error is the base error type for runflow
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ValidationError creates a validation error
func ValidationError(message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// ParseError creates a parse error
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// StepFailure creates an error for a step that exited non-zero.
func StepFailure(stage, step string, exitCode int) *Error {
	return &Error{
		Code:    ErrCodeStepFailure,
		Message: fmt.Sprintf("step %q in stage %q exited with code %d", step, stage, exitCode),
		Details: map[string]interface{}{
			"stage":     stage,
			"step":      step,
			"exit_code": exitCode,
		},
	}
}

// CredentialNotFound creates an error for an unregistered credential identifier.
func CredentialNotFound(id string) *Error {
	return &Error{
		Code:    ErrCodeCredentialMissing,
		Message: fmt.Sprintf("credential %q not found", id),
		Details: map[string]interface{}{
			"credential": id,
		},
	}
}

// CredentialBackendUnavailable creates an error for a failing secret backend.
func CredentialBackendUnavailable(provider string, err error) *Error {
	return &Error{
		Code:    ErrCodeCredentialBackend,
		Message: fmt.Sprintf("credential backend %q unavailable", provider),
		Cause:   err,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// TimeoutError creates an error for a run that exceeded its deadline.
func TimeoutError(scope string) *Error {
	return &Error{
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("%s timed out", scope),
		Details: map[string]interface{}{
			"scope": scope,
		},
	}
}

// StageAborted creates an error for a stage that failed before its steps ran.
func StageAborted(stage string, cause error) *Error {
	return &Error{
		Code:    ErrCodeStageAborted,
		Message: fmt.Sprintf("stage %q aborted", stage),
		Cause:   cause,
		Details: map[string]interface{}{
			"stage": stage,
		},
	}
}

// PostActionFailure creates a non-fatal error for a failing post-action block.
func PostActionFailure(name string, cause error) *Error {
	return &Error{
		Code:    ErrCodePostAction,
		Message: fmt.Sprintf("post-action %q failed", name),
		Cause:   cause,
		Details: map[string]interface{}{
			"post_action": name,
		},
	}
}

// Is checks if the error matches the given code
func Is(err error, code ErrorCode) bool {
	if e, ok := err.(*Error); ok {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of err, unwrapping as needed. Errors that never
// carried a code report as empty string.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
