package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is one of the fixed error classes surfaced to callers.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrParse      ErrorCode = "PARSE_ERROR"
	ErrExpression ErrorCode = "EXPRESSION_ERROR"
	ErrSystem     ErrorCode = "SYSTEM_ERROR"
)

// ErrorKind classifies where in the engine an error originated.
type ErrorKind string

const (
	KindExpression    ErrorKind = "ExpressionError"
	KindRequirement   ErrorKind = "RequirementError"
	KindCommandBuild  ErrorKind = "CommandBuildError"
	KindScatter       ErrorKind = "ScatterError"
	KindOutputCapture ErrorKind = "OutputCaptureError"
	KindRuntime       ErrorKind = "RuntimeError"
	KindValidation    ErrorKind = "ValidationError"
)

var kindCodes = map[ErrorKind]ErrorCode{
	KindExpression:    ErrExpression,
	KindRequirement:   ErrParse,
	KindCommandBuild:  ErrParse,
	KindScatter:       ErrValidation,
	KindOutputCapture: ErrValidation,
	KindRuntime:       ErrSystem,
	KindValidation:    ErrValidation,
}

// Code returns the caller-facing error code for the kind.
func (k ErrorKind) Code() ErrorCode {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return ErrSystem
}

// Retryable reports whether a failure of this kind may be recovered by
// resubmitting the job.
func (k ErrorKind) Retryable() bool {
	return k == KindRuntime || k == KindOutputCapture
}

// EngineError is a classified engine failure.
type EngineError struct {
	Kind    ErrorKind    `json:"kind"`
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	Err     error        `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewError creates an EngineError of the given kind.
func NewError(kind ErrorKind, err error, format string, args ...any) *EngineError {
	return &EngineError{
		Kind:    kind,
		Code:    kind.Code(),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func NewExpressionError(err error, format string, args ...any) *EngineError {
	return NewError(KindExpression, err, format, args...)
}

func NewRequirementError(err error, format string, args ...any) *EngineError {
	return NewError(KindRequirement, err, format, args...)
}

func NewCommandBuildError(err error, format string, args ...any) *EngineError {
	return NewError(KindCommandBuild, err, format, args...)
}

func NewScatterError(format string, args ...any) *EngineError {
	return NewError(KindScatter, nil, format, args...)
}

func NewOutputCaptureError(err error, format string, args ...any) *EngineError {
	return NewError(KindOutputCapture, err, format, args...)
}

func NewRuntimeError(err error, format string, args ...any) *EngineError {
	return NewError(KindRuntime, err, format, args...)
}

// NewValidationError creates a ValidationError with field details.
func NewValidationError(msg string, details ...FieldError) *EngineError {
	return &EngineError{Kind: KindValidation, Code: ErrValidation, Message: msg, Details: details}
}

// KindOf returns the kind of the first EngineError in err's chain, or ""
// if there is none.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// IsRetryable reports whether err may be recovered by resubmission.
// Unclassified errors are treated as runtime failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	return kind == "" || kind.Retryable()
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (f FieldError) Error() string {
	if f.Path != "" {
		return fmt.Sprintf("%s: %s", f.Path, f.Message)
	}
	return f.Message
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
