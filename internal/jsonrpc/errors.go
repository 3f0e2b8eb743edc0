package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Server-specific error codes. These are fixed on the wire; existing clients
// match on the numeric values.
const (
	// ErrorCodeToolExecution indicates a tool ran and failed.
	ErrorCodeToolExecution ErrorCode = -32000
	// ErrorCodeAuthenticationRequired indicates missing or rejected credentials.
	ErrorCodeAuthenticationRequired ErrorCode = -32001
	// ErrorCodePermissionDenied indicates the session lacks the required permission.
	ErrorCodePermissionDenied ErrorCode = -32002
	// ErrorCodeNetworkAccessDenied indicates the network policy rejected the caller.
	ErrorCodeNetworkAccessDenied ErrorCode = -32003
	// ErrorCodeRateLimited indicates the per-address rate limit was exceeded.
	ErrorCodeRateLimited ErrorCode = -32004
)

// String returns a short stable name for the code, suitable for logs.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeParseError:
		return "parse_error"
	case ErrorCodeInvalidRequest:
		return "invalid_request"
	case ErrorCodeMethodNotFound:
		return "method_not_found"
	case ErrorCodeInvalidParams:
		return "invalid_params"
	case ErrorCodeInternalError:
		return "internal_error"
	case ErrorCodeToolExecution:
		return "tool_execution_error"
	case ErrorCodeAuthenticationRequired:
		return "authentication_required"
	case ErrorCodePermissionDenied:
		return "permission_denied"
	case ErrorCodeNetworkAccessDenied:
		return "network_access_denied"
	case ErrorCodeRateLimited:
		return "rate_limit_exceeded"
	default:
		return "unknown"
	}
}
