package taskclient

import (
	"errors"
	"fmt"
)

// Code classifies client-facing errors.
type Code string

const (
	CodeNotFound      Code = "not_found"
	CodeAlreadyExists Code = "already_exists"
	CodeValidation    Code = "validation_error"
	CodeDatabase      Code = "database_error"
	CodeBusiness      Code = "business_error"

	// Business rule violations.
	CodeCannotDeleteCompleted Code = "CANNOT_DELETE_COMPLETED"
	CodeCannotCancelFinished  Code = "CANNOT_CANCEL_FINISHED"
)

// Error is returned by every Client operation that fails.
type Error struct {
	Code    Code
	Message string
	Field   string // set for validation errors
	Value   any    // offending value, if any
	Err     error  // underlying store error, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s", e.Field)
		if e.Value != nil {
			msg += fmt.Sprintf(", value %v", e.Value)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the Code of err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func invalid(field string, value any, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...), Field: field, Value: value}
}
