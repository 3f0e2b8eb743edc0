// Package dispatch routes parsed JSON-RPC requests to typed method
// handlers: the initialize handshake, tool listing, and tool calls with
// recovery-aware execution.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcplease/mcplease-go/faults"
	"github.com/mcplease/mcplease-go/internal/jsonrpc"
	"github.com/mcplease/mcplease-go/mcp"
	"github.com/mcplease/mcplease-go/security"
	"github.com/mcplease/mcplease-go/tools"
)

const defaultCallTimeout = 30 * time.Second

// Dispatcher routes requests by method name. Methods are looked up in a
// typed table; there is no reflection over handler names.
type Dispatcher struct {
	log          *slog.Logger
	registry     *tools.Registry
	faults       *faults.Handler
	serverInfo   mcp.ImplementationInfo
	instructions string
	callTimeout  time.Duration

	methods map[string]methodHandler
}

type methodHandler func(ctx context.Context, sess *security.Session, req *jsonrpc.Request) *jsonrpc.Response

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithServerInfo sets the implementation info returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(d *Dispatcher) { d.serverInfo = info }
}

// WithInstructions sets the instructions string returned by initialize.
func WithInstructions(s string) Option {
	return func(d *Dispatcher) { d.instructions = s }
}

// WithCallTimeout bounds each tool execution.
func WithCallTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.callTimeout = t }
}

// New builds a dispatcher over the tool registry. The faults handler is
// consulted for degradation state and drives tool-call recovery.
func New(registry *tools.Registry, fh *faults.Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:         slog.Default(),
		registry:    registry,
		faults:      fh,
		serverInfo:  mcp.ImplementationInfo{Name: "mcplease", Version: "dev"},
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.methods = map[string]methodHandler{
		mcp.MethodInitialize: d.handleInitialize,
		mcp.MethodToolsList:  d.handleToolsList,
		mcp.MethodToolsCall:  d.handleToolsCall,
	}
	return d
}

// Methods returns the supported method names, in routing-table order
// guarantees (sorted by the caller if needed).
func (d *Dispatcher) Methods() []string {
	return []string{mcp.MethodInitialize, mcp.MethodToolsList, mcp.MethodToolsCall}
}

// Dispatch routes one request. Unknown methods get a method-not-found
// error listing the supported methods.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *security.Session, req *jsonrpc.Request) *jsonrpc.Response {
	h, ok := d.methods[req.Method]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method),
			map[string]any{"supported_methods": d.Methods()})
	}
	return h(ctx, sess, req)
}

func (d *Dispatcher) handleInitialize(ctx context.Context, sess *security.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
				fmt.Sprintf("invalid initialize params: %v", err), nil)
		}
	}
	if params.ProtocolVersion != "" && !supportedVersion(params.ProtocolVersion) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("unsupported protocol version: %s", params.ProtocolVersion),
			map[string]any{"supported_versions": mcp.SupportedProtocolVersions})
	}

	d.log.InfoContext(ctx, "client initialized",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("protocol_version", mcp.LatestProtocolVersion))

	result := &mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{},
		},
		ServerInfo:   d.serverInfo,
		Instructions: d.instructions,
	}
	return d.result(req.ID, result)
}

func (d *Dispatcher) handleToolsList(ctx context.Context, sess *security.Session, req *jsonrpc.Request) *jsonrpc.Response {
	return d.result(req.ID, &mcp.ListToolsResult{Tools: d.registry.List()})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *security.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequest
	if len(req.Params) == 0 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			"tool call params are required", nil)
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			fmt.Sprintf("invalid tool call params: %v", err), nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
			"tool name is required", nil)
	}

	if cfg := d.faults.DegradationConfig(); cfg.DisableAIFeatures {
		d.log.WarnContext(ctx, "tool call shed by degradation",
			slog.String("tool", params.Name),
			slog.Int("level", cfg.Level))
		return d.result(req.ID, mcp.NewToolResultError(
			"AI features are temporarily disabled while the server recovers. Please try again later."))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	call := &tools.Request{Name: params.Name, Arguments: params.Arguments}
	if sess != nil {
		call.SessionID = sess.ID
	}

	result, err := d.callWithRecovery(callCtx, sess, call, req)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
				fmt.Sprintf("tool not found: %s", params.Name),
				map[string]any{"known_tools": d.registry.Names()})
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeToolExecution,
			fmt.Sprintf("tool execution failed: %v", err), nil)
	}
	return d.result(req.ID, result)
}

// callWithRecovery executes a tool call, routing failures through the
// recovery chains. When recovery reports success the call is retried
// exactly once; otherwise (or when the retry also fails) the caller gets
// a canned category fallback flagged IsError.
func (d *Dispatcher) callWithRecovery(ctx context.Context, sess *security.Session, call *tools.Request, req *jsonrpc.Request) (*mcp.CallToolResult, error) {
	result, err := d.registry.Call(ctx, call)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, tools.ErrToolNotFound) {
		return nil, err
	}

	opts := []faults.HandleOption{faults.WithDetail("tool", call.Name)}
	if sess != nil {
		opts = append(opts, faults.WithCorrelation(sess.UserID, sess.ID, requestIDString(req)))
	}
	ec := d.faults.Handle(ctx, err, opts...)

	if ec.RecoverySuccessful {
		result, retryErr := d.registry.Call(ctx, call)
		if retryErr == nil {
			d.log.InfoContext(ctx, "tool call succeeded after recovery",
				slog.String("tool", call.Name),
				slog.String("error_code", ec.Code))
			return result, nil
		}
		d.faults.Handle(ctx, retryErr, faults.WithoutRecovery(), faults.WithDetail("tool", call.Name))
	}

	return fallbackResult(ec.Category), nil
}

func requestIDString(req *jsonrpc.Request) string {
	if req == nil || req.ID == nil {
		return ""
	}
	return req.ID.String()
}

// fallbackResult is the canned answer returned when a tool call failed
// and recovery could not rescue it.
func fallbackResult(category faults.Category) *mcp.CallToolResult {
	var msg string
	switch category {
	case faults.CategoryAIModel:
		msg = "The AI model is temporarily unavailable. Please try again shortly."
	case faults.CategoryNetwork:
		msg = "A network problem interrupted the tool call. Please try again."
	case faults.CategoryResource:
		msg = "The server is low on resources and could not complete the tool call."
	case faults.CategoryConfiguration:
		msg = "The server configuration prevented the tool call from completing."
	default:
		msg = "The tool call failed unexpectedly. Please try again."
	}
	return mcp.NewToolResultError(msg)
}

func (d *Dispatcher) result(id *jsonrpc.RequestID, payload any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, payload)
	if err != nil {
		d.log.Error("failed to marshal response payload", slog.String("error", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode response", nil)
	}
	return resp
}

func supportedVersion(v string) bool {
	for _, s := range mcp.SupportedProtocolVersions {
		if v == s {
			return true
		}
	}
	return false
}
