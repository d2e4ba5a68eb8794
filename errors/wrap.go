package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a structured Error, the wrapper keeps its code and category.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var dcnErr *Error
	if errors.As(err, &dcnErr) {
		wrapped := &Error{
			code:      dcnErr.code,
			category:  dcnErr.category,
			message:   message,
			cause:     err,
			metadata:  dcnErr.Metadata(),
			retryable: dcnErr.retryable,
			timestamp: dcnErr.timestamp,
			agentID:   dcnErr.agentID,
			taskID:    dcnErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Is checks if the outermost structured error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	var dcnErr *Error
	if errors.As(err, &dcnErr) {
		return dcnErr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Plain errors are never retryable.
func IsRetryable(err error) bool {
	var dcnErr *Error
	if errors.As(err, &dcnErr) {
		return dcnErr.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var dcnErr *Error
	if errors.As(err, &dcnErr) {
		return dcnErr.code
	}
	return ""
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
