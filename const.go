package jsonrpc

// Version is the JSON-RPC protocol version implemented by this module.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// MCP-specific error codes (spec range -32100..-32199), grouped by the
// subsystem that raises them.
const (
	ErrResourceNotFound    = -32100
	ErrToolNotFound        = -32101
	ErrPromptNotFound      = -32102
	ErrIncompatibleVersion = -32103
	ErrUnauthorized        = -32104
	ErrOperationCancelled  = -32105
	ErrRateLimited         = -32106

	// Auth subsystem (-32120..-32124).
	ErrAuthInvalidGrant        = -32120
	ErrAuthInvalidClient       = -32121
	ErrInsufficientPermissions = -32122
	ErrAuthExpiredToken        = -32123
	ErrAuthInvalidRequest      = -32124

	// Transport subsystem (-32130..-32134).
	ErrTransportClosed       = -32130
	ErrTransportSessionGone  = -32131
	ErrTransportBodyTooLarge = -32132
	ErrTransportTimeout      = -32133
	ErrTransportUnsupported  = -32134

	// Resource subsystem (-32140..-32143).
	ErrResourceUnavailable   = -32140
	ErrResourceReadFailed    = -32141
	ErrResourceCacheError    = -32142
	ErrResourceSubscribeGone = -32143

	// Tool subsystem (-32150..-32153).
	ErrToolUnavailable     = -32150
	ErrToolExecutionFailed = -32151
	ErrToolInvalidArgs     = -32152
	ErrToolTimeout         = -32153

	// Server subsystem (-32160..-32163).
	ErrServerOverloaded  = -32160
	ErrServerMaintenance = -32161
	ErrStorageError      = -32162
	ErrSessionExpired    = -32163
)

// retryableCodes is the subset of error codes the spec marks retryable.
var retryableCodes = map[int]bool{
	ErrRateLimited:         true,
	ErrTransportTimeout:    true,
	ErrServerOverloaded:    true,
	ErrResourceUnavailable: true,
	ErrToolUnavailable:     true,
	ErrStorageError:        true,
}

// Retryable reports whether an error of the given code should be retried by
// a well-behaved client.
func Retryable(code int) bool {
	return retryableCodes[code]
}
