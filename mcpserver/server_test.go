package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelane/mcprpc"
	"github.com/corelane/mcprpc/ratelimit"
	"github.com/corelane/mcprpc/registry"
)

func initialize(t *testing.T, h *SessionHandler) {
	t.Helper()
	req := &jsonrpc.Request{
		Id:      1,
		Jsonrpc: jsonrpc.Version,
		Method:  "initialize",
		Params:  mustMarshal(t, map[string]interface{}{"protocolVersion": "2025-03-26"}),
	}
	resp := &jsonrpc.Response{}
	h.Serve(context.Background(), req, resp)
	require.Nil(t, resp.Error)
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestSessionHandler_RejectsBeforeInitialize(t *testing.T) {
	srv := New(nil, nil)
	h := srv.NewHandler()(context.Background(), nil).(*SessionHandler)

	req := &jsonrpc.Request{Id: 1, Jsonrpc: jsonrpc.Version, Method: "ping"}
	resp := &jsonrpc.Response{}
	h.Serve(context.Background(), req, resp)

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestSessionHandler_InitializeThenPing(t *testing.T) {
	srv := New(nil, nil)
	h := srv.NewHandler()(context.Background(), nil).(*SessionHandler)
	initialize(t, h)

	req := &jsonrpc.Request{Id: 2, Jsonrpc: jsonrpc.Version, Method: "ping"}
	resp := &jsonrpc.Response{}
	h.Serve(context.Background(), req, resp)
	require.Nil(t, resp.Error)
}

func TestSessionHandler_UnknownMethod(t *testing.T) {
	srv := New(nil, nil)
	h := srv.NewHandler()(context.Background(), nil).(*SessionHandler)
	initialize(t, h)

	req := &jsonrpc.Request{Id: 3, Jsonrpc: jsonrpc.Version, Method: "nope/nope"}
	resp := &jsonrpc.Response{}
	h.Serve(context.Background(), req, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestSessionHandler_ToolsCallRoundTrip(t *testing.T) {
	srv := New(nil, nil)
	require.NoError(t, srv.Registry.Tools.Add("echo", &registry.Tool{
		Name: "echo",
		Handler: func(args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}))
	h := srv.NewHandler()(context.Background(), nil).(*SessionHandler)
	initialize(t, h)

	req := &jsonrpc.Request{
		Id:      4,
		Jsonrpc: jsonrpc.Version,
		Method:  "tools/call",
		Params:  mustMarshal(t, map[string]interface{}{"name": "echo", "arguments": map[string]interface{}{"text": "hi"}}),
	}
	resp := &jsonrpc.Response{}
	h.Serve(context.Background(), req, resp)
	require.Nil(t, resp.Error)

	var out struct {
		Content interface{} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, "hi", out.Content)
}

func TestSessionHandler_ToolsCallUnknownTool(t *testing.T) {
	srv := New(nil, nil)
	h := srv.NewHandler()(context.Background(), nil).(*SessionHandler)
	initialize(t, h)

	req := &jsonrpc.Request{
		Id:      5,
		Jsonrpc: jsonrpc.Version,
		Method:  "tools/call",
		Params:  mustMarshal(t, map[string]interface{}{"name": "missing"}),
	}
	resp := &jsonrpc.Response{}
	h.Serve(context.Background(), req, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32101, resp.Error.Code)
}

type staticAuthorizer struct {
	subject string
	scopes  []string
	err     error
}

func (a *staticAuthorizer) Validate(_ context.Context, _ string) (string, []string, error) {
	return a.subject, a.scopes, a.err
}

func TestSessionHandler_RejectsUnauthenticatedWhenAuthConfigured(t *testing.T) {
	srv := New(&staticAuthorizer{subject: "alice"}, nil)
	h := srv.NewHandler()(context.Background(), nil).(*SessionHandler)
	initialize(t, h)

	req := &jsonrpc.Request{Id: 6, Jsonrpc: jsonrpc.Version, Method: "ping"}
	resp := &jsonrpc.Response{}
	h.Serve(context.Background(), req, resp)

	require.NotNil(t, resp.Error)
	assert.Equal(t, -32104, resp.Error.Code)
}

func TestSessionHandler_RateLimitReturnsRetryAfter(t *testing.T) {
	srv := New(nil, nil)
	srv.Limiter = ratelimit.New(0, 1)
	h := srv.NewHandler()(context.Background(), nil).(*SessionHandler)
	initialize(t, h)

	// Buckets are per (session, method), so initialize() above only used the
	// "initialize" bucket. The first ping takes the ping bucket's single
	// burst token; the bucket refills at 0 requests/second so the second
	// ping is rejected.
	first := &jsonrpc.Response{}
	h.Serve(context.Background(), &jsonrpc.Request{Id: 7, Jsonrpc: jsonrpc.Version, Method: "ping"}, first)
	require.Nil(t, first.Error)

	req := &jsonrpc.Request{Id: 8, Jsonrpc: jsonrpc.Version, Method: "ping"}
	resp := &jsonrpc.Response{}
	h.Serve(context.Background(), req, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32106, resp.Error.Code)
	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "retry_after")
}
