// Package tools owns the callable tool surface: a threadsafe registry of
// tool descriptors and handlers, typed argument decoding with reflected
// input schemas, and the built-in AI coding tools.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mcplease/mcplease-go/mcp"
)

// ErrToolNotFound is returned by Call for names with no registered tool.
var ErrToolNotFound = errors.New("tools: tool not found")

// Request is the container for a tool invocation.
type Request struct {
	// Name is the invoked tool.
	Name string
	// Arguments is the raw JSON argument object.
	Arguments json.RawMessage
	// SessionID identifies the calling session; empty for internal calls.
	SessionID string
}

// Handler executes one tool invocation. A handler returning an error
// signals an execution failure; tool-level problems (bad arguments,
// unavailable backend) are reported in the result with IsError set.
type Handler func(ctx context.Context, req *Request) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// Registry owns a mutable, threadsafe set of tools.
type Registry struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]Handler
}

// NewRegistry constructs a registry holding the given tools.
func NewRegistry(defs ...StaticTool) *Registry {
	r := &Registry{}
	r.Replace(defs...)
	return r
}

// Replace atomically replaces the entire tool set. Later duplicates win.
func (r *Registry) Replace(defs ...StaticTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make([]mcp.Tool, 0, len(defs))
	r.handlers = make(map[string]Handler, len(defs))
	for _, d := range defs {
		r.tools = append(r.tools, d.Descriptor)
		if d.Handler != nil {
			r.handlers[d.Descriptor.Name] = d.Handler
		}
	}
}

// Add registers a tool unless its name is taken. It reports whether the
// tool was added.
func (r *Registry) Add(def StaticTool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	name := def.Descriptor.Name
	if _, exists := r.handlers[name]; exists {
		return false
	}
	for _, t := range r.tools {
		if t.Name == name {
			return false
		}
	}
	r.tools = append(r.tools, def.Descriptor)
	if def.Handler != nil {
		r.handlers[name] = def.Handler
	}
	return true
}

// Remove drops a tool by name. It reports whether the tool was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	removed := false
	for _, t := range r.tools {
		if t.Name == name {
			removed = true
			continue
		}
		r.tools[n] = t
		n++
	}
	if removed {
		r.tools = r.tools[:n]
		delete(r.handlers, name)
	}
	return removed
}

// List returns a copy of the registered tool descriptors in registration
// order.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Names returns the registered tool names, sorted. Used to enrich
// unknown-tool errors.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Call dispatches a request to the named tool.
func (r *Registry) Call(ctx context.Context, req *Request) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	r.mu.RLock()
	h := r.handlers[req.Name]
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, req)
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown argument fields
// are tolerated. Strict by default.
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a StaticTool from a typed args struct A. The input
// schema is reflected from A, and the handler decodes arguments into A
// before invoking fn, rejecting unknown fields unless configured
// otherwise. Argument decode failures become IsError results, not
// execution errors.
func NewTool[A any](name string, fn func(ctx context.Context, req *Request, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}
	handler := func(ctx context.Context, req *Request) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
				}
			}
		}
		return fn(ctx, req, a)
	}
	return StaticTool{Descriptor: desc, Handler: handler}
}
