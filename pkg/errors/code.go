package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Problem & test case errors
// 13000-13999: Execution (sandbox) errors
// 14000-14999: Job queue & status errors
// 15000-15999: Persistence errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	UnknownError        ErrorCode = 10009

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	ConstraintViolation ErrorCode = 10104
	StatementRejected   ErrorCode = 10105

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Problem Errors (12000-12999) ==========

	ProblemNotFound      ErrorCode = 12000
	TestCaseNotFound     ErrorCode = 12100
	TestCaseInvalid      ErrorCode = 12102
	TestCaseBundleFailed ErrorCode = 12104

	// ========== Execution Errors (13000-13999) ==========

	LanguageNotSupported    ErrorCode = 13003
	ExecutionTransportError ErrorCode = 13100
	BatchPollTimeout        ErrorCode = 13101
	SandboxRejected         ErrorCode = 13102

	// ========== Queue & Status Errors (14000-14999) ==========

	QueueUnavailable  ErrorCode = 14000
	QueuePublishError ErrorCode = 14001
	JobDecodeFailed   ErrorCode = 14002
	StatusNotFound    ErrorCode = 14100
	StatusStoreError  ErrorCode = 14101

	// ========== Persistence Errors (15000-15999) ==========

	SubmissionPersistFailed ErrorCode = 15000
	ResultPersistFailed     ErrorCode = 15001
	ScoreLookupFailed       ErrorCode = 15002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	UnknownError:        "Unknown error",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	ConstraintViolation: "Database constraint violated",
	StatementRejected:   "Database rejected the statement",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Problem
	ProblemNotFound:      "Problem not found",
	TestCaseNotFound:     "Test case not found",
	TestCaseInvalid:      "Invalid test case format",
	TestCaseBundleFailed: "Failed to load test case bundle",

	// Execution
	LanguageNotSupported:    "Programming language not supported",
	ExecutionTransportError: "Execution service request failed",
	BatchPollTimeout:        "Execution batch did not finish in time",
	SandboxRejected:         "Execution service rejected the submission",

	// Queue & status
	QueueUnavailable:  "Job queue is unavailable",
	QueuePublishError: "Failed to enqueue job",
	JobDecodeFailed:   "Failed to decode job payload",
	StatusNotFound:    "Job status not found or expired",
	StatusStoreError:  "Status store operation failed",

	// Persistence
	SubmissionPersistFailed: "Failed to persist submission",
	ResultPersistFailed:     "Failed to persist submission results",
	ScoreLookupFailed:       "Failed to fetch problem weights",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == ProblemNotFound, c == TestCaseNotFound, c == StatusNotFound:
		return 404
	case c == ServiceUnavailable, c == QueueUnavailable:
		return 503
	case c == Timeout, c == BatchPollTimeout:
		return 504
	case c == ExecutionTransportError:
		return 502
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == TestCaseInvalid:
		return 400
	default:
		return 500
	}
}

// Retryable reports whether a failure with this code may succeed when the
// same operation is attempted again.
func (c ErrorCode) Retryable() bool {
	switch {
	case c >= 10300 && c < 10400:
		return false
	case c == InvalidParams, c == ConstraintViolation, c == StatementRejected, c == RecordAlreadyExists,
		c == LanguageNotSupported, c == TestCaseInvalid, c == JobDecodeFailed,
		c == ProblemNotFound, c == SandboxRejected:
		return false
	default:
		return true
	}
}
