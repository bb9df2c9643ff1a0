// Package testclient adapts the StreamableHTTP client transport into a
// small MCP-aware convenience wrapper used by this repository's own
// integration tests to drive transport/server/http/streamable.Handler
// end-to-end, instead of hand-rolled net/http calls.
package testclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corelane/mcprpc"
	"github.com/corelane/mcprpc/transport/client/http/streamable"
)

// Client is a thin MCP handshake/call wrapper around streamable.Client.
type Client struct {
	raw             *streamable.Client
	protocolVersion string
}

// Option configures New.
type Option func(*config)

type config struct {
	bearerToken     string
	protocolVersion string
	streamableOpts  []streamable.Option
}

// WithBearerToken attaches an Authorization: Bearer <token> header to every
// request the client makes.
func WithBearerToken(token string) Option {
	return func(c *config) { c.bearerToken = token }
}

// WithProtocolVersion overrides the MCP-Protocol-Version header and the
// version sent in the initialize handshake. Defaults to the newest version
// this repository's server negotiates.
func WithProtocolVersion(version string) Option {
	return func(c *config) { c.protocolVersion = version }
}

// New dials endpointURL (e.g. "http://127.0.0.1:PORT/mcp") and returns a
// Client ready to Initialize.
func New(ctx context.Context, endpointURL string, opts ...Option) (*Client, error) {
	cfg := &config{protocolVersion: "2025-03-26"}
	for _, o := range opts {
		o(cfg)
	}

	streamableOpts := append([]streamable.Option{
		streamable.WithProtocolVersion(cfg.protocolVersion),
	}, cfg.streamableOpts...)
	if cfg.bearerToken != "" {
		streamableOpts = append(streamableOpts, streamable.WithBearerToken(cfg.bearerToken))
	}

	raw, err := streamable.New(ctx, endpointURL, streamableOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpointURL, err)
	}
	return &Client{raw: raw, protocolVersion: cfg.protocolVersion}, nil
}

// initializeResult mirrors the shape mcpserver.handleInitialize returns;
// duplicated here (rather than imported) so tests can decode it without
// pulling in the server package's internal types.
type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// Initialize performs the MCP handshake: sends "initialize" then the
// "notifications/initialized" acknowledgement.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) (*initializeResult, error) {
	params := map[string]interface{}{
		"protocolVersion": c.protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if err := c.raw.Notify(ctx, &jsonrpc.Notification{
		Jsonrpc: jsonrpc.Version,
		Method:  "notifications/initialized",
	}); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return &result, nil
}

// Call sends a JSON-RPC request for method with params and returns the raw
// response, surfacing a JSON-RPC error as a Go error.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	request, err := jsonrpc.NewRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.raw.Send(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return resp, fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}

// CallTool invokes "tools/call" for name with the given arguments and
// unmarshals the result into out (pass a pointer, or nil to discard it).
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}, out interface{}) error {
	resp, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// ReadResource invokes "resources/read" for uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (*jsonrpc.Response, error) {
	return c.call(ctx, "resources/read", map[string]interface{}{"uri": uri})
}

// Notify forwards a fire-and-forget client notification (e.g.
// "notifications/cancelled").
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	raw, err := asRawParams(params)
	if err != nil {
		return err
	}
	return c.raw.Notify(ctx, &jsonrpc.Notification{
		Jsonrpc: jsonrpc.Version,
		Method:  method,
		Params:  raw,
	})
}

func asRawParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// DefaultTimeout is used by tests that don't need a tighter deadline.
const DefaultTimeout = 10 * time.Second
