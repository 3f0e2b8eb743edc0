package mcp

import "encoding/json"

// Method names routed by the dispatcher.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
)

// BaseMetadata carries optional metadata for responses. The orchestrator
// attaches the session identifier here.
type BaseMetadata struct {
	Meta map[string]any `json:"meta,omitempty"`
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *BaseMetadata) SetMeta(key string, value any) {
	if m.Meta == nil {
		m.Meta = make(map[string]any)
	}
	m.Meta[key] = value
}

// InitializeRequest starts the initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
	BaseMetadata
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	BaseMetadata
}

// CallToolRequest is the server-received representation of a tool call.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents a tool invocation result. IsError marks a
// degraded or failed execution that still produced a well-formed result.
type CallToolResult struct {
	Content []ContentBlock `json:"content,omitempty"`
	IsError bool           `json:"isError,omitempty"`
	BaseMetadata
}

// NewToolResultText builds a successful single-text tool result.
func NewToolResultText(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{NewTextContent(text)}}
}

// NewToolResultError builds a result flagged as an error with the given text.
func NewToolResultError(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{NewTextContent(text)}, IsError: true}
}
