// Package errors provides the typed error framework used by the audit middleware and
// its supporting infrastructure. Errors carry a category sentinel, optional details and
// a retryable flag so callers can classify failures without string matching.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error categories
var (
	ErrValidation   = errors.New("validation error")
	ErrBodyTooLarge = errors.New("body too large")
	ErrConnection   = errors.New("connection error")
	ErrPublish      = errors.New("publish error")
	ErrInternal     = errors.New("internal error")
)

type errorType struct {
	baseErr   error
	msg       string
	cause     error
	details   map[string]interface{}
	retryable bool
}

// ErrorWithDetails is implemented by errors that carry structured details
type ErrorWithDetails interface {
	Error() string
	Details() map[string]interface{}
}

// Error implements the error interface
func (e *errorType) Error() string {
	if e == nil {
		return ""
	}

	base := fmt.Sprintf("%s: %s", e.baseErr.Error(), e.msg)

	if len(e.details) > 0 {
		detailsJSON, err := json.Marshal(e.details)
		if err == nil {
			base += fmt.Sprintf(" - details: %s", detailsJSON)
		}
	}

	if e.cause != nil {
		base += fmt.Sprintf(" - caused by: %v", e.cause)
	}

	return base
}

// Unwrap returns the underlying cause of the error
func (e *errorType) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether the error belongs to the target category
func (e *errorType) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	return errors.Is(e.baseErr, target)
}

// Details returns the structured details attached to the error
func (e *errorType) Details() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.details
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &errorType{baseErr: ErrValidation, msg: msg}
}

// NewBodyTooLargeError reports a body that exceeded the buffering limit
func NewBodyTooLargeError(limit int64) error {
	return &errorType{
		baseErr: ErrBodyTooLarge,
		msg:     fmt.Sprintf("body exceeds %d bytes", limit),
		details: map[string]interface{}{"limit_bytes": limit},
	}
}

// NewConnectionError creates a new connection error
func NewConnectionError(msg string) error {
	return &errorType{baseErr: ErrConnection, msg: msg, retryable: true}
}

// NewPublishError creates a new publish error
func NewPublishError(msg string, cause error) error {
	return &errorType{baseErr: ErrPublish, msg: msg, cause: cause, retryable: true}
}

// NewInternalError creates a new internal error
func NewInternalError(msg string) error {
	return &errorType{baseErr: ErrInternal, msg: msg}
}

// Wrap wraps an error with additional context. Categorised errors keep their category,
// anything else becomes an internal error.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}

	if customErr, ok := err.(*errorType); ok {
		return &errorType{
			baseErr:   customErr.baseErr,
			msg:       msg + ": " + customErr.msg,
			cause:     customErr.cause,
			details:   customErr.details,
			retryable: customErr.retryable,
		}
	}

	return &errorType{baseErr: ErrInternal, msg: msg, cause: err}
}

// WithDetails adds detail information to an error
func WithDetails(err error, details map[string]interface{}) error {
	if err == nil {
		return nil
	}

	if customErr, ok := err.(*errorType); ok {
		return &errorType{
			baseErr:   customErr.baseErr,
			msg:       customErr.msg,
			cause:     customErr.cause,
			details:   details,
			retryable: customErr.retryable,
		}
	}

	return &errorType{baseErr: ErrInternal, msg: err.Error(), details: details}
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return err != nil && errors.Is(err, ErrValidation)
}

// IsBodyTooLarge checks if the error reports an oversized body
func IsBodyTooLarge(err error) bool {
	return err != nil && errors.Is(err, ErrBodyTooLarge)
}

// IsConnectionError checks if the error is a connection error
func IsConnectionError(err error) bool {
	return err != nil && errors.Is(err, ErrConnection)
}

// IsPublishError checks if the error is a publish error
func IsPublishError(err error) bool {
	return err != nil && errors.Is(err, ErrPublish)
}

// IsInternalError checks if the error is an internal error
func IsInternalError(err error) bool {
	return err != nil && errors.Is(err, ErrInternal)
}

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	customErr, ok := err.(*errorType)
	if !ok {
		return false
	}

	return customErr.retryable
}

// GetDetails returns error details if available, nil otherwise
func GetDetails(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	if detailedErr, ok := err.(ErrorWithDetails); ok {
		return detailedErr.Details()
	}

	return nil
}

// ErrorResponse provides a consistent structure for error responses
type ErrorResponse struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	ErrorType string                 `json:"error_type"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ToErrorResponse converts an error to a standardized ErrorResponse
func ToErrorResponse(err error) ErrorResponse {
	if err == nil {
		return ErrorResponse{
			Status:  "error",
			Message: "Unknown error",
		}
	}

	response := ErrorResponse{
		Status:  "error",
		Message: err.Error(),
		Details: GetDetails(err),
	}

	switch {
	case IsValidationError(err):
		response.ErrorType = "validation"
	case IsBodyTooLarge(err):
		response.ErrorType = "body_too_large"
	case IsConnectionError(err):
		response.ErrorType = "connection"
	case IsPublishError(err):
		response.ErrorType = "publish"
	default:
		response.ErrorType = "internal"
	}

	return response
}
