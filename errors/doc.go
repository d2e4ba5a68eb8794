// Package errors provides the structured error taxonomy shared by the
// dispatcher, agents, clients and their transports.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: the broker or control endpoint may come back (TIMEOUT, TRANSPORT)
//   - Permanent: retrying the same request cannot help (PROTOCOL, VALIDATION, ...)
//   - Resource: a bounded resource is exhausted (PREFETCH)
//   - Internal: unexpected failures and recovered panics
//
// # Error Codes
//
//   - PROTOCOL: unknown command or malformed control document; rejected
//   - REGISTRATION: request names an agent id the dispatcher does not know
//   - TRANSPORT: broker unreachable after bounded retries
//   - TIMEOUT: control request received no reply
//   - VALIDATION, RESOLUTION, EXECUTION: task runner stages; these are
//     recovered into the task report, never propagated past the runner
//   - CONFIG: missing destination, missing queue, invalid settings
//
// # Usage
//
//	err := errors.Registration(1001)
//	if errors.Is(err, errors.ErrCodeRegistration) {
//	    // re-register
//	}
//
// Errors serialize to JSON so they can travel inside rejection responses.
package errors
