// Package server wires the request pipeline together: network policy,
// rate limiting, session resolution, permission checks, context tracking,
// dispatch, and response enrichment, in a fixed order.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mcplease/mcplease-go/contextstore"
	"github.com/mcplease/mcplease-go/dispatch"
	"github.com/mcplease/mcplease-go/faults"
	"github.com/mcplease/mcplease-go/internal/jsonrpc"
	"github.com/mcplease/mcplease-go/internal/logctx"
	"github.com/mcplease/mcplease-go/mcp"
	"github.com/mcplease/mcplease-go/policy"
	"github.com/mcplease/mcplease-go/security"
	"github.com/mcplease/mcplease-go/tools"
)

// ConnState is the transport-level identity of a message's origin. The
// server owns the session binding; transports populate the rest once per
// connection and pass the same ConnState for every message on it.
type ConnState struct {
	RemoteAddr  netip.Addr
	Port        int
	Scheme      string
	Credentials *security.Credentials

	mu        sync.Mutex
	sessionID string
}

// SessionID returns the session bound to this connection, if any.
func (c *ConnState) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *ConnState) bindSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// userRecord is the per-user activity bookkeeping kept by the server.
type userRecord struct {
	Requests  int
	LastSeen  time.Time
	FirstSeen time.Time
}

// Server is the orchestrator. All collaborators are injected; the server
// holds no package-level state.
type Server struct {
	log        *slog.Logger
	enforcer   *policy.Enforcer
	sessions   *security.Manager
	contexts   contextstore.Store
	dispatcher *dispatch.Dispatcher
	faults     *faults.Handler
	limiter    *dispatch.Limiter
	registry   *tools.Registry
	now        func() time.Time

	userMu sync.Mutex
	users  map[string]*userRecord
}

// Option configures a Server at construction.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithLimiter sets the admission limiter. Without one, requests are not
// admission-controlled.
func WithLimiter(l *dispatch.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New assembles a server from its collaborators. All of enforcer,
// sessions, contexts, dispatcher, registry, and faults handler are
// required.
func New(
	enforcer *policy.Enforcer,
	sessions *security.Manager,
	contexts contextstore.Store,
	registry *tools.Registry,
	dispatcher *dispatch.Dispatcher,
	fh *faults.Handler,
	opts ...Option,
) *Server {
	s := &Server{
		log:        slog.Default(),
		enforcer:   enforcer,
		sessions:   sessions,
		contexts:   contexts,
		dispatcher: dispatcher,
		faults:     fh,
		registry:   registry,
		now:        time.Now,
		users:      make(map[string]*userRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// methodPermission maps a wire method to the permission it requires.
// Unlisted methods require baseline read access so new methods fail
// closed to authenticated-read rather than open.
func methodPermission(method string) string {
	switch method {
	case mcp.MethodInitialize:
		return security.PermRead
	case mcp.MethodToolsList:
		return security.PermToolsList
	case mcp.MethodToolsCall:
		return security.PermToolsCall
	default:
		return security.PermRead
	}
}

// HandleMessage runs one raw message through the pipeline and returns the
// response, or nil for notifications. It never panics; failures anywhere
// in the pipeline become error responses.
func (s *Server) HandleMessage(ctx context.Context, raw []byte, conn *ConnState) (resp *jsonrpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling request: %v", r)
			s.faults.Handle(ctx, err, faults.WithoutRecovery())
			resp = jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
	}()

	// Network policy gates everything, including parsing.
	if ok, reason := s.enforcer.ValidateAccess(conn.RemoteAddr, conn.Port, conn.Scheme); !ok {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeNetworkAccessDenied, reason, nil)
	}
	if ok, reason := s.enforcer.CheckRateLimit(conn.RemoteAddr); !ok {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeRateLimited, reason, nil)
	}

	req, errCode, err := jsonrpc.ParseRequest(raw)
	if err != nil {
		return jsonrpc.NewErrorResponse(nil, errCode, err.Error(), nil)
	}

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  requestIDString(req),
		Method:     req.Method,
		RemoteAddr: conn.RemoteAddr.String(),
		Transport:  conn.Scheme,
	})

	sess, errResp := s.resolveSession(ctx, req, conn)
	if errResp != nil {
		// Notifications never get a response, failures included.
		if req.ID == nil {
			return nil
		}
		return errResp
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		AuthMethod: sess.AuthMethod,
	})

	s.recordUserActivity(sess.UserID)

	perm := methodPermission(req.Method)
	if !sess.Can(perm) {
		s.log.WarnContext(ctx, "permission denied",
			slog.String("method", req.Method),
			slog.String("permission", perm))
		if req.ID == nil {
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodePermissionDenied,
			fmt.Sprintf("permission denied: %s requires %q", req.Method, perm), nil)
	}

	// Context tracking is best-effort; a storage failure must not fail the
	// request.
	s.recordRequestContext(ctx, sess, req)

	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			s.faults.Handle(ctx, &faults.ResourceError{Msg: "admission rejected", Err: err},
				faults.WithoutRecovery(),
				faults.WithCorrelation(sess.UserID, sess.ID, requestIDString(req)))
			if req.ID == nil {
				return nil
			}
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError,
				"server overloaded, try again later", nil)
		}
		defer s.limiter.Release()
	}

	response := s.dispatcher.Dispatch(ctx, sess, req)

	if req.ID == nil {
		return nil
	}
	if response == nil {
		return nil
	}

	s.recordResponseContext(ctx, sess, req, response)

	if response.Error == nil {
		s.enrichResult(ctx, response, sess.ID)
	}
	return response
}

// resolveSession returns the live session for the connection, binding a
// new one on first use or when the bound session has expired.
func (s *Server) resolveSession(ctx context.Context, req *jsonrpc.Request, conn *ConnState) (*security.Session, *jsonrpc.Response) {
	if id := conn.SessionID(); id != "" {
		if sess, ok := s.sessions.Validate(id); ok {
			return sess, nil
		}
		// Expired or revoked; fall through to re-authenticate.
	}

	sess, err := s.sessions.Authenticate(ctx, conn.Credentials, conn.RemoteAddr)
	if err != nil {
		s.faults.Handle(ctx, &faults.SecurityError{Msg: "authentication failed", Err: err},
			faults.WithoutRecovery())
		return nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeAuthenticationRequired,
			"authentication required", nil)
	}
	conn.bindSession(sess.ID)
	return sess, nil
}

func (s *Server) recordUserActivity(userID string) {
	now := s.now()
	s.userMu.Lock()
	rec, ok := s.users[userID]
	if !ok {
		rec = &userRecord{FirstSeen: now}
		s.users[userID] = rec
	}
	rec.Requests++
	rec.LastSeen = now
	s.userMu.Unlock()
}

func (s *Server) recordRequestContext(ctx context.Context, sess *security.Session, req *jsonrpc.Request) {
	content := req.Method
	if req.Method == mcp.MethodToolsCall && len(req.Params) > 0 {
		var params mcp.CallToolRequest
		if err := json.Unmarshal(req.Params, &params); err == nil && params.Name != "" {
			content = req.Method + " " + params.Name
		}
	}
	_, err := s.contexts.Append(ctx, sess.ID, sess.UserID, contextstore.Entry{
		Role:      "user",
		Content:   content,
		Timestamp: s.now(),
	})
	if err != nil {
		s.log.WarnContext(ctx, "context update failed", slog.String("error", err.Error()))
	}
}

func (s *Server) recordResponseContext(ctx context.Context, sess *security.Session, req *jsonrpc.Request, resp *jsonrpc.Response) {
	if req.Method != mcp.MethodToolsCall || resp.Error != nil {
		return
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || len(result.Content) == 0 {
		return
	}
	text := result.Content[0].Text
	if max := s.contextSizeCap(); max > 0 {
		text = truncateToRune(text, max)
	}
	_, err := s.contexts.Append(ctx, sess.ID, sess.UserID, contextstore.Entry{
		Role:      "assistant",
		Content:   text,
		Timestamp: s.now(),
	})
	if err != nil {
		s.log.WarnContext(ctx, "context update failed", slog.String("error", err.Error()))
	}
}

// truncateToRune shortens s to at most max bytes without splitting a
// multi-byte rune.
func truncateToRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// contextSizeCap returns the per-entry content cap in force, tightened
// under degradation.
func (s *Server) contextSizeCap() int {
	if cfg := s.faults.DegradationConfig(); cfg.Enabled {
		return cfg.MaxContextSize
	}
	return 0
}

// enrichResult stamps the session identifier into the result metadata so
// clients can correlate and resume.
func (s *Server) enrichResult(ctx context.Context, resp *jsonrpc.Response, sessionID string) {
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return
	}
	meta, _ := result["meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["session_id"] = sessionID
	result["meta"] = meta

	enriched, err := json.Marshal(result)
	if err != nil {
		s.log.WarnContext(ctx, "result enrichment failed", slog.String("error", err.Error()))
		return
	}
	resp.Result = enriched
}

// RegisterConnection enforces the per-address connection cap and, when
// admitted, records the connection. Callers must pair an admitted
// registration with ReleaseConnection.
func (s *Server) RegisterConnection(addr netip.Addr) (bool, string) {
	if ok, reason := s.enforcer.CheckConnectionLimit(addr); !ok {
		return false, reason
	}
	s.enforcer.RegisterConnection(addr)
	return true, ""
}

// ReleaseConnection drops a previously registered connection.
func (s *Server) ReleaseConnection(addr netip.Addr) {
	s.enforcer.UnregisterConnection(addr)
}

func requestIDString(req *jsonrpc.Request) string {
	if req == nil || req.ID == nil {
		return ""
	}
	return req.ID.String()
}

// UserStats is a snapshot of one user's observed activity.
type UserStats struct {
	UserID    string
	Requests  int
	FirstSeen time.Time
	LastSeen  time.Time
}

// Health is a point-in-time operational snapshot.
type Health struct {
	Sessions    security.Stats
	Policy      policy.Stats
	Degradation faults.DegradationState
	ErrorRate   float64
	TotalErrors int
	ToolCount   int
	InFlight    int
	Users       []UserStats
}

// Health assembles the operational snapshot exposed by diagnostics.
func (s *Server) Health() Health {
	stats := s.faults.Statistics()
	h := Health{
		Sessions:    s.sessions.Stats(),
		Policy:      s.enforcer.Stats(),
		Degradation: stats.Degradation,
		ErrorRate:   stats.ErrorsPerMinute,
		TotalErrors: stats.TotalErrors,
		ToolCount:   len(s.registry.List()),
	}
	if s.limiter != nil {
		h.InFlight = s.limiter.InFlight()
	}
	s.userMu.Lock()
	for id, rec := range s.users {
		h.Users = append(h.Users, UserStats{
			UserID:    id,
			Requests:  rec.Requests,
			FirstSeen: rec.FirstSeen,
			LastSeen:  rec.LastSeen,
		})
	}
	s.userMu.Unlock()
	return h
}
