package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response. Exactly one of Result and Error is
// populated.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ParseRequest decodes and validates a raw JSON-RPC request. A decode failure
// maps to ErrorCodeParseError; a structurally invalid message maps to
// ErrorCodeInvalidRequest. The returned ErrorCode is zero on success.
func ParseRequest(data []byte) (*Request, ErrorCode, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, ErrorCodeParseError, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.JSONRPCVersion != ProtocolVersion {
		return nil, ErrorCodeInvalidRequest, fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, req.JSONRPCVersion)
	}
	if req.Method == "" {
		return nil, ErrorCodeInvalidRequest, fmt.Errorf("request message must have a method")
	}
	return &req, 0, nil
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// UnmarshalJSON enforces JSON-RPC 2.0 response semantics: exactly one of
// result and error must be present.
func (r *Response) UnmarshalJSON(data []byte) error {
	type rawResponse struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *Error          `json:"error,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}

	var raw rawResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil
	if hasResult && hasError {
		return fmt.Errorf("response message cannot have both result and error fields")
	}
	if !hasResult && !hasError {
		return fmt.Errorf("response message must have either result or error field")
	}

	r.JSONRPCVersion = raw.JSONRPCVersion
	r.Result = raw.Result
	r.Error = raw.Error
	r.ID = raw.ID

	return nil
}
