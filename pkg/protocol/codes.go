package protocol

// Stable application error codes exposed to clients. These ride in
// error.data.code on RPC errors and in error.code on tool results.
const (
	// Input
	CodeInvalidInput    = "INVALID_INPUT"
	CodeValidationError = "VALIDATION_ERROR"

	// Auth
	CodeAuthFailed      = "AUTH_FAILED"
	CodeUnauthorizedApp = "UNAUTHORIZED"

	// Approvals
	CodeApprovalDenied  = "APPROVAL_DENIED"
	CodeApprovalExpired = "APPROVAL_EXPIRED"
	CodeAlreadyResolved = "ALREADY_RESOLVED"

	// Safety
	CodeInvalidPath        = "INVALID_PATH"
	CodeSSRFBlocked        = "SSRF_BLOCKED"
	CodeCommandBlocked     = "COMMAND_BLOCKED"
	CodeSizeLimit          = "SIZE_LIMIT"
	CodeProtocolNotAllowed = "PROTOCOL_NOT_ALLOWED"

	// Resources
	CodeQueueFull         = "QUEUE_FULL"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeConcurrencyLimit  = "CONCURRENCY_LIMIT"
	CodeTimeout           = "TIMEOUT"

	// Lifecycle
	CodeNotFound          = "NOT_FOUND"
	CodeToolNotFound      = "TOOL_NOT_FOUND"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeAbortedByUser     = "ABORTED_BY_USER"
	CodeAbortedByShutdown = "ABORTED_BY_SHUTDOWN"

	// Fallback
	CodeUnknown = "UNKNOWN"
)
