package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: broker unreachable, control request timed out.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown command, missing task field, unknown module.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates exhaustion of a bounded resource.
	// Examples: consumer already holds its prefetch allowance.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the control plane and the task lifecycle.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Control request got no reply in time
	ErrCodeTransport   ErrorCode = "TRANSPORT"   // Broker or control endpoint unreachable
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Dependency temporarily unavailable

	// Permanent errors
	ErrCodeProtocol     ErrorCode = "PROTOCOL"     // Unknown command or malformed document
	ErrCodeRegistration ErrorCode = "REGISTRATION" // Unknown agent id; caller must re-register
	ErrCodeValidation   ErrorCode = "VALIDATION"   // Task missing a required field
	ErrCodeResolution   ErrorCode = "RESOLUTION"   // Module or function not found
	ErrCodeExecution    ErrorCode = "EXECUTION"    // Task function raised
	ErrCodeConfig       ErrorCode = "CONFIG"       // Invalid or incomplete configuration
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"    // Lookup miss (directory, registry)
	ErrCodeCanceled     ErrorCode = "CANCELED"     // Operation was canceled

	// Resource errors
	ErrCodePrefetch ErrorCode = "PREFETCH" // Consumer holds an unacked delivery

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeTransport, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeProtocol, ErrCodeRegistration, ErrCodeValidation, ErrCodeResolution,
		ErrCodeExecution, ErrCodeConfig, ErrCodeNotFound, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodePrefetch:
		return CategoryResource

	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}
