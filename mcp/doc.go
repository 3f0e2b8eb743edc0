// Package mcp contains the wire-level protocol types exchanged with
// clients: tool descriptors, content blocks, and the request/result
// shapes for the initialize, tools/list, and tools/call methods.
package mcp
