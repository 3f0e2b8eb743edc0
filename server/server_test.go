package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcplease/mcplease-go/contextstore"
	"github.com/mcplease/mcplease-go/contextstore/memory"
	"github.com/mcplease/mcplease-go/dispatch"
	"github.com/mcplease/mcplease-go/faults"
	"github.com/mcplease/mcplease-go/internal/jsonrpc"
	"github.com/mcplease/mcplease-go/mcp"
	"github.com/mcplease/mcplease-go/policy"
	"github.com/mcplease/mcplease-go/security"
	"github.com/mcplease/mcplease-go/security/storedtoken"
	"github.com/mcplease/mcplease-go/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fixture struct {
	server   *Server
	enforcer *policy.Enforcer
	sessions *security.Manager
	contexts contextstore.Store
	tokens   *storedtoken.Scheme
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	policySpec *policy.Spec
	anonymous  bool
}

func withPolicySpec(spec *policy.Spec) fixtureOption {
	return func(c *fixtureConfig) { c.policySpec = spec }
}

func withoutAnonymous() fixtureOption {
	return func(c *fixtureConfig) { c.anonymous = false }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{anonymous: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	pol := policy.Default()
	if cfg.policySpec != nil {
		var err error
		pol, err = cfg.policySpec.Compile()
		require.NoError(t, err)
	}

	tokens := storedtoken.New()
	sessions := security.NewManager(
		security.WithLogger(discardLogger()),
		security.WithScheme(tokens),
		security.WithAnonymousAccess(cfg.anonymous),
	)

	store, err := memory.New(0, memory.WithMaxEntries(10))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fh := faults.NewHandler(faults.WithLogger(discardLogger()), faults.WithBackoffBase(time.Millisecond))
	enforcer := policy.NewEnforcer(pol, policy.WithLogger(discardLogger()))

	echo := tools.NewTool("echo", func(ctx context.Context, req *tools.Request, args struct {
		Text string `json:"text"`
	}) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(args.Text), nil
	})
	defs := append([]tools.StaticTool{echo}, tools.AITools(nil, discardLogger())...)
	registry := tools.NewRegistry(defs...)

	d := dispatch.New(registry, fh,
		dispatch.WithLogger(discardLogger()),
		dispatch.WithServerInfo(mcp.ImplementationInfo{Name: "mcplease", Version: "test"}))

	srv := New(enforcer, sessions, store, registry, d, fh,
		WithLogger(discardLogger()),
		WithLimiter(dispatch.NewLimiter(4, 8, nil)))

	return &fixture{server: srv, enforcer: enforcer, sessions: sessions, contexts: store, tokens: tokens}
}

func localConn() *ConnState {
	return &ConnState{
		RemoteAddr: netip.MustParseAddr("127.0.0.1"),
		Port:       8000,
		Scheme:     "stdio",
	}
}

func rawRequest(t *testing.T, id any, method string, params any) []byte {
	t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func decodeResult[T any](t *testing.T, resp *jsonrpc.Response) T {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	var out T
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	return out
}

func resultMeta(t *testing.T, resp *jsonrpc.Response) map[string]any {
	t.Helper()
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	meta, _ := result["meta"].(map[string]any)
	return meta
}

func TestAnonymousInitialize(t *testing.T) {
	f := newFixture(t)
	conn := localConn()

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodInitialize, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "1.0"},
	}), conn)

	result := decodeResult[mcp.InitializeResult](t, resp)
	assert.Equal(t, mcp.LatestProtocolVersion, result.ProtocolVersion)

	meta := resultMeta(t, resp)
	require.NotNil(t, meta)
	assert.Equal(t, conn.SessionID(), meta["session_id"])
	assert.NotEmpty(t, conn.SessionID())
}

func TestAnonymousToolsListAndCall(t *testing.T) {
	f := newFixture(t)
	conn := localConn()

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsList, nil), conn)
	list := decodeResult[mcp.ListToolsResult](t, resp)
	assert.Len(t, list.Tools, 4)

	resp = f.server.HandleMessage(context.Background(), rawRequest(t, 2, mcp.MethodToolsCall, mcp.CallToolRequest{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"hi"}`),
	}), conn)
	call := decodeResult[mcp.CallToolResult](t, resp)
	assert.False(t, call.IsError)
	assert.Equal(t, "hi", call.Content[0].Text)

	meta := resultMeta(t, resp)
	assert.Equal(t, conn.SessionID(), meta["session_id"])
}

func TestAnonymousCodeCompletion(t *testing.T) {
	f := newFixture(t)
	conn := localConn()

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsCall, mcp.CallToolRequest{
		Name:      tools.ToolCodeCompletion,
		Arguments: json.RawMessage(`{"code":"def f():","language":"python"}`),
	}), conn)

	// No model adapter is wired, so the static completion text comes back;
	// the call itself still succeeds and carries the session id.
	call := decodeResult[mcp.CallToolResult](t, resp)
	assert.False(t, call.IsError)
	require.NotEmpty(t, call.Content)
	assert.NotEmpty(t, call.Content[0].Text)

	meta := resultMeta(t, resp)
	assert.Equal(t, conn.SessionID(), meta["session_id"])
}

func TestSessionStickyAcrossMessages(t *testing.T) {
	f := newFixture(t)
	conn := localConn()

	f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsList, nil), conn)
	first := conn.SessionID()
	require.NotEmpty(t, first)

	f.server.HandleMessage(context.Background(), rawRequest(t, 2, mcp.MethodToolsList, nil), conn)
	assert.Equal(t, first, conn.SessionID())
}

func TestRebindsAfterSessionRevoked(t *testing.T) {
	f := newFixture(t)
	conn := localConn()

	f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsList, nil), conn)
	first := conn.SessionID()
	require.True(t, f.sessions.Revoke(first))

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 2, mcp.MethodToolsList, nil), conn)
	require.Nil(t, resp.Error)
	assert.NotEqual(t, first, conn.SessionID())
}

func TestAuthenticationRequired(t *testing.T) {
	f := newFixture(t, withoutAnonymous())
	conn := localConn()

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsList, nil), conn)

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeAuthenticationRequired, resp.Error.Code)
}

func TestAuthenticatedWithStoredToken(t *testing.T) {
	f := newFixture(t, withoutAnonymous())

	token, err := f.tokens.Issue("alice", []string{security.PermRead, security.PermToolsList}, 0)
	require.NoError(t, err)

	conn := localConn()
	conn.Credentials = &security.Credentials{Scheme: storedtoken.SchemeName, Token: token}

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsList, nil), conn)
	require.Nil(t, resp.Error)

	sess, ok := f.sessions.Validate(conn.SessionID())
	require.True(t, ok)
	assert.Equal(t, "alice", sess.UserID)
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t, withoutAnonymous())

	// Read-only token: tools/call must be refused.
	token, err := f.tokens.Issue("bob", []string{security.PermRead}, 0)
	require.NoError(t, err)

	conn := localConn()
	conn.Credentials = &security.Credentials{Scheme: storedtoken.SchemeName, Token: token}

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsCall, mcp.CallToolRequest{
		Name: "echo", Arguments: json.RawMessage(`{"text":"no"}`),
	}), conn)

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodePermissionDenied, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, security.PermToolsCall)
}

func TestBlockedAddressDenied(t *testing.T) {
	f := newFixture(t, withPolicySpec(&policy.Spec{
		BlockedAddrs: []string{"10.0.0.9"},
		AllowedPorts: []int{8000},
	}))

	conn := &ConnState{RemoteAddr: netip.MustParseAddr("10.0.0.9"), Port: 8000, Scheme: "stdio"}
	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsList, nil), conn)

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeNetworkAccessDenied, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "blocked")
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, withPolicySpec(&policy.Spec{
		AllowedPorts: []int{8000},
		RateLimit:    2,
	}))
	conn := localConn()

	for i := 0; i < 2; i++ {
		resp := f.server.HandleMessage(context.Background(), rawRequest(t, i, mcp.MethodToolsList, nil), conn)
		require.Nil(t, resp.Error)
	}

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 3, mcp.MethodToolsList, nil), conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeRateLimited, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	f := newFixture(t)

	resp := f.server.HandleMessage(context.Background(), []byte("{not json"), localConn())

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeParseError, resp.Error.Code)
	assert.Nil(t, resp.ID)
}

func TestInvalidRequestRejected(t *testing.T) {
	f := newFixture(t)

	resp := f.server.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1}`), localConn())

	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, resp.Error.Code)
}

func TestNotificationGetsNoResponse(t *testing.T) {
	f := newFixture(t)

	resp := f.server.HandleMessage(context.Background(),
		rawRequest(t, nil, "notifications/initialized", nil), localConn())

	assert.Nil(t, resp)
}

func TestNotificationAuthFailureSuppressed(t *testing.T) {
	f := newFixture(t, withoutAnonymous())

	resp := f.server.HandleMessage(context.Background(),
		rawRequest(t, nil, mcp.MethodToolsList, nil), localConn())

	assert.Nil(t, resp)
}

func TestNotificationPermissionFailureSuppressed(t *testing.T) {
	f := newFixture(t, withoutAnonymous())

	token, err := f.tokens.Issue("bob", []string{security.PermRead}, 0)
	require.NoError(t, err)
	conn := localConn()
	conn.Credentials = &security.Credentials{Scheme: storedtoken.SchemeName, Token: token}

	resp := f.server.HandleMessage(context.Background(),
		rawRequest(t, nil, mcp.MethodToolsCall, mcp.CallToolRequest{
			Name: "echo", Arguments: json.RawMessage(`{"text":"no"}`),
		}), conn)

	assert.Nil(t, resp)
}

func TestTruncateToRuneKeepsWholeRunes(t *testing.T) {
	assert.Equal(t, "héllo", truncateToRune("héllo", 10))
	// é spans bytes 1-2; a cut inside it backs off to the rune start.
	assert.Equal(t, "h", truncateToRune("héllo", 2))
	assert.Equal(t, "hé", truncateToRune("héllo", 3))
	assert.Equal(t, "", truncateToRune("é", 1))
}

func TestResponseHasExactlyOneOfResultAndError(t *testing.T) {
	f := newFixture(t)
	conn := localConn()

	cases := [][]byte{
		rawRequest(t, 1, mcp.MethodToolsList, nil),
		rawRequest(t, 2, "resources/list", nil),
		[]byte("{bad"),
	}
	for i, raw := range cases {
		resp := f.server.HandleMessage(context.Background(), raw, conn)
		require.NotNil(t, resp)
		hasResult := len(resp.Result) > 0
		hasError := resp.Error != nil
		assert.True(t, hasResult != hasError, "case %d: result=%v error=%v", i, hasResult, hasError)
	}
}

func TestContextRecordedForToolCalls(t *testing.T) {
	f := newFixture(t)
	conn := localConn()

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsCall, mcp.CallToolRequest{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"remember me"}`),
	}), conn)
	require.Nil(t, resp.Error)

	sc, err := f.contexts.Get(context.Background(), conn.SessionID())
	require.NoError(t, err)
	require.NotNil(t, sc)
	require.Len(t, sc.Entries, 2)
	assert.Equal(t, "user", sc.Entries[0].Role)
	assert.Equal(t, "tools/call echo", sc.Entries[0].Content)
	assert.Equal(t, "assistant", sc.Entries[1].Role)
	assert.Equal(t, "remember me", sc.Entries[1].Content)
}

func TestContextFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.contexts.Close())

	resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsList, nil), localConn())
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestHealthSnapshot(t *testing.T) {
	f := newFixture(t)
	conn := localConn()

	for i := 0; i < 3; i++ {
		f.server.HandleMessage(context.Background(), rawRequest(t, i, mcp.MethodToolsList, nil), conn)
	}

	h := f.server.Health()
	assert.Equal(t, 1, h.Sessions.ActiveSessions)
	assert.Equal(t, 4, h.ToolCount)
	assert.Zero(t, h.InFlight)
	require.Len(t, h.Users, 1)
	assert.Equal(t, 3, h.Users[0].Requests)
}

func TestUserActivityTracksDistinctUsers(t *testing.T) {
	f := newFixture(t, withoutAnonymous())

	for _, name := range []string{"alice", "bob"} {
		token, err := f.tokens.Issue(name, []string{security.PermRead, security.PermToolsList}, 0)
		require.NoError(t, err)
		conn := localConn()
		conn.Credentials = &security.Credentials{Scheme: storedtoken.SchemeName, Token: token}
		resp := f.server.HandleMessage(context.Background(), rawRequest(t, 1, mcp.MethodToolsList, nil), conn)
		require.Nil(t, resp.Error, "user %s", name)
	}

	h := f.server.Health()
	assert.Len(t, h.Users, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRunServesTransport(t *testing.T) {
	f := newFixture(t)

	served := make(chan *Server, 1)
	tr := transportFunc(func(ctx context.Context, srv *Server) error {
		served <- srv
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx, tr) }()

	select {
	case srv := <-served:
		assert.Same(t, f.server, srv)
	case <-time.After(time.Second):
		t.Fatal("transport never served")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

type transportFunc func(ctx context.Context, srv *Server) error

func (f transportFunc) Serve(ctx context.Context, srv *Server) error { return f(ctx, srv) }

func TestRunSurfacesTransportFailure(t *testing.T) {
	f := newFixture(t)

	boom := transportFunc(func(ctx context.Context, srv *Server) error {
		return fmt.Errorf("listener failed")
	})

	err := f.server.Run(context.Background(), boom)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener failed")

	// The failure is recorded as a terminating fault.
	assert.Equal(t, 1, f.server.Health().TotalErrors)
}
