package testclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelane/mcprpc/events"
	"github.com/corelane/mcprpc/internal/testclient"
	"github.com/corelane/mcprpc/mcpserver"
	"github.com/corelane/mcprpc/registry"
	"github.com/corelane/mcprpc/transport/server/base"
	"github.com/corelane/mcprpc/transport/server/http/streamable"
)

func newAddTool() *registry.Tool {
	return &registry.Tool{
		Name:        "add",
		Description: "adds two numbers",
		InputSchema: &jsonschema.Schema{Type: "object"},
		Handler: func(args map[string]interface{}) (interface{}, error) {
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return map[string]interface{}{"sum": a + b}, nil
		},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *mcpserver.Server) {
	t.Helper()
	srv := mcpserver.New(nil, nil)
	require.NoError(t, srv.Registry.Tools.Add("add", newAddTool()))
	handler := streamable.New(srv.NewHandler(), streamable.WithOnSessionClose(func(s *base.Session) {
		srv.CloseSession(s.Id)
	}))
	httpSrv := httptest.NewServer(handler)
	t.Cleanup(httpSrv.Close)
	return httpSrv, srv
}

func TestClient_InitializeAndCallTool(t *testing.T) {
	httpSrv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), testclient.DefaultTimeout)
	defer cancel()

	client, err := testclient.New(ctx, httpSrv.URL+"/")
	require.NoError(t, err)

	initResult, err := client.Initialize(ctx, "test-client", "0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-26", initResult.ProtocolVersion)
	assert.Equal(t, "mcprpc", initResult.ServerInfo.Name)

	var out struct {
		Sum float64 `json:"sum"`
	}
	err = client.CallTool(ctx, "add", map[string]interface{}{"a": float64(2), "b": float64(3)}, &out)
	require.NoError(t, err)
	assert.Equal(t, float64(5), out.Sum)
}

func TestClient_UnknownToolReturnsRPCError(t *testing.T) {
	httpSrv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), testclient.DefaultTimeout)
	defer cancel()

	client, err := testclient.New(ctx, httpSrv.URL+"/")
	require.NoError(t, err)
	_, err = client.Initialize(ctx, "test-client", "0.0.1")
	require.NoError(t, err)

	err = client.CallTool(ctx, "does-not-exist", nil, nil)
	assert.Error(t, err)
}

// TestHTTPDelete_ClosesServerSession exercises the DELETE-triggered cleanup
// path: deleting the transport-level session must also drop the
// mcpserver-domain session state and announce the disconnect.
func TestHTTPDelete_ClosesServerSession(t *testing.T) {
	httpSrv, srv := newTestServer(t)

	disconnects := srv.Events.Subscribe(events.TopicDisconnect)
	defer srv.Events.Unsubscribe(disconnects, events.TopicDisconnect)

	resp, err := http.Post(httpSrv.URL+"/", "application/json", nil)
	require.NoError(t, err)
	sid := resp.Header.Get("Mcp-Session-Id")
	_ = resp.Body.Close()
	require.NotEmpty(t, sid)

	req, err := http.NewRequest(http.MethodDelete, httpSrv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sid)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	select {
	case msg := <-disconnects:
		assert.Equal(t, sid, msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect event after DELETE")
	}
}
