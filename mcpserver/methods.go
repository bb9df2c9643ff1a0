package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corelane/mcprpc"
	"github.com/corelane/mcprpc/operations"
	"github.com/corelane/mcprpc/registry"
	"github.com/corelane/mcprpc/transport/server/auth"
	"github.com/corelane/mcprpc/transport/server/base"
)

const defaultPageSize = 100

// samplingTimeout bounds how long sampling/createMessage waits for the
// client's sampling/response before failing the call.
const samplingTimeout = 60 * time.Second

func (s *Server) buildMethodTable() map[string]MethodHandler {
	return map[string]MethodHandler{
		"initialize":               s.handleInitialize,
		"ping":                     s.handlePing,
		"health/check":             s.handleHealthCheck,
		"cancel":                   s.handleCancel,
		"tools/list":               s.handleToolsList,
		"tools/call":               s.handleToolsCall,
		"resources/list":           s.handleResourcesList,
		"resources/templates/list": s.handleResourceTemplatesList,
		"resources/read":           s.handleResourcesRead,
		"resources/subscribe":      s.handleResourcesSubscribe,
		"resources/unsubscribe":    s.handleResourcesUnsubscribe,
		"prompts/list":             s.handlePromptsList,
		"prompts/get":              s.handlePromptsGet,
		"sampling/createMessage":   s.handleSamplingCreateMessage,
		"sampling/response":        s.handleSamplingResponse,
		"auth/authorize":           s.handleAuthAuthorize,
		"auth/token":               s.handleAuthToken,
		"auth/refresh":             s.handleAuthRefresh,
		"auth/revoke":              s.handleAuthRevoke,
	}
}

type cancelParams struct {
	Id jsonrpc.RequestId `json:"id"`
}

// handleCancel implements the `cancel` method (spec §4.4): a request-shaped
// counterpart to the "notifications/cancelled" fire-and-forget notification,
// returning {cancelled:true} once the matching operation's flag is set.
func (s *Server) handleCancel(_ context.Context, sess *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params cancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid cancel params", nil)
	}
	intID, ok := jsonrpc.AsRequestIntId(params.Id)
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "unknown operation id", nil)
	}
	op, ok := s.Tracker.Get(fmt.Sprintf("%s:%d", sess.ID, intID))
	if !ok {
		op, ok = s.Tracker.FindByRequestID(intID)
	}
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "unknown operation id", nil)
	}
	if op.SessionID != sess.ID {
		return nil, jsonrpc.NewError(jsonrpc.ErrUnauthorized, "operation is not owned by this session", nil)
	}
	op.Cancel()
	return map[string]interface{}{"cancelled": true}, nil
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string      `json:"protocolVersion"`
	Capabilities    interface{} `json:"capabilities"`
	ServerInfo      serverInfo  `json:"serverInfo"`
}

func (s *Server) handleInitialize(_ context.Context, sess *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid initialize params", nil)
	}
	negotiated, ok := negotiateVersion(params.ProtocolVersion)
	if !ok {
		return nil, jsonrpc.NewError(-32103, "no compatible protocol version", map[string]interface{}{
			"supported": SupportedProtocolVersions,
			"requested": params.ProtocolVersion,
		})
	}
	sess.MarkInitialized(negotiated, params.ClientInfo, params.Capabilities)
	return initializeResult{
		ProtocolVersion: negotiated,
		Capabilities: map[string]interface{}{
			"tools":     map[string]interface{}{"listChanged": true},
			"resources": map[string]interface{}{"listChanged": true, "subscribe": true},
			"prompts":   map[string]interface{}{"listChanged": true},
		},
		ServerInfo: serverInfo{Name: "mcprpc", Version: "0.1.0"},
	}, nil
}

// negotiateVersion picks the newest version this server supports that is
// lexicographically <= the client's requested version (versions are
// YYYY-MM-DD strings, so lexicographic comparison is also chronological).
func negotiateVersion(requested string) (string, bool) {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v, true
		}
	}
	// fall back to the newest version we support that is no newer than
	// what the client asked for.
	for _, v := range SupportedProtocolVersions {
		if v <= requested {
			return v, true
		}
	}
	return "", false
}

func (s *Server) handlePing(_ context.Context, _ *Session, _ *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	return map[string]interface{}{}, nil
}

func (s *Server) handleHealthCheck(_ context.Context, _ *Session, _ *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	return map[string]interface{}{"status": "ok"}, nil
}

type paginatedParams struct {
	Cursor string `json:"cursor"`
}

func (s *Server) handleToolsList(_ context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params paginatedParams
	_ = json.Unmarshal(req.Params, &params)
	all := s.Registry.Tools.List()
	start, end, next := paginate(params.Cursor, defaultPageSize, len(all))
	descriptors := make([]toolDescriptor, 0, end-start)
	for _, t := range all[start:end] {
		descriptors = append(descriptors, toolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return map[string]interface{}{"tools": descriptors, "nextCursor": next}, nil
}

type toolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"inputSchema,omitempty"`
}

type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolsCall(_ context.Context, _ *Session, req *jsonrpc.Request, op *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid tools/call params", nil)
	}
	tool, ok := s.Registry.Tools.Get(params.Name)
	if !ok {
		return nil, jsonrpc.NewError(-32101, "tool not found: "+params.Name, nil)
	}
	if op != nil && op.IsCancelled() {
		return nil, jsonrpc.NewError(jsonrpc.ErrOperationCancelled, "operation cancelled", nil)
	}
	if tool.Handler == nil {
		return nil, jsonrpc.NewError(-32151, "tool has no handler", nil)
	}
	result, err := tool.Handler(params.Arguments)
	if err != nil {
		return map[string]interface{}{
			"isError": true,
			"content": []map[string]interface{}{{"type": "text", "text": err.Error()}},
		}, nil
	}
	return map[string]interface{}{"content": result}, nil
}

// handleSamplingCreateMessage implements `sampling/createMessage` (spec
// §4.4/§4.6): it forwards the request params to the client as-is and blocks
// on the sampling broker for the matching `sampling/response`.
func (s *Server) handleSamplingCreateMessage(ctx context.Context, sess *Session, req *jsonrpc.Request, op *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	if sess.Capabilities.Sampling == nil {
		return nil, jsonrpc.NewMethodNotFound("client does not support sampling", nil)
	}
	baseSess, ok := ctx.Value(jsonrpc.SessionKey).(*base.Session)
	if !ok || baseSess == nil {
		return nil, jsonrpc.NewInternalError("no active transport session", nil)
	}

	id := uuid.New().String()
	forwarded := &jsonrpc.Request{
		Jsonrpc: jsonrpc.Version,
		Id:      id,
		Method:  "sampling/createMessage",
		Params:  req.Params,
	}
	baseSess.SendRequest(ctx, forwarded)

	content, err := s.Sampling.Await(ctx, id, samplingTimeout)
	if op != nil && op.IsCancelled() {
		return nil, jsonrpc.NewError(jsonrpc.ErrOperationCancelled, "operation cancelled", nil)
	}
	if err != nil {
		return nil, jsonrpc.NewInternalError("sampling request failed: "+err.Error(), nil)
	}
	return content, nil
}

type samplingResponseParams struct {
	Id     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// handleSamplingResponse delivers the client's reply to a previously
// forwarded sampling/createMessage call into the sampling broker, waking up
// the handler blocked in Broker.Await.
func (s *Server) handleSamplingResponse(_ context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params samplingResponseParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid sampling/response params", nil)
	}
	if params.Id == "" {
		return nil, jsonrpc.NewInvalidParams("missing sampling response id", nil)
	}
	if params.Error != nil {
		s.Sampling.SetError(params.Id, errors.New(params.Error.Message))
	} else {
		s.Sampling.SetResult(params.Id, params.Result)
	}
	return map[string]interface{}{}, nil
}

func (s *Server) handleResourcesList(_ context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params paginatedParams
	_ = json.Unmarshal(req.Params, &params)
	all := s.Registry.Resources.List()
	start, end, next := paginate(params.Cursor, defaultPageSize, len(all))
	out := make([]resourceDescriptor, 0, end-start)
	for _, r := range all[start:end] {
		out = append(out, resourceDescriptor{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}
	return map[string]interface{}{"resources": out, "nextCursor": next}, nil
}

type resourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func (s *Server) handleResourceTemplatesList(_ context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params paginatedParams
	_ = json.Unmarshal(req.Params, &params)
	all := s.Registry.ResourceTemplates.List()
	start, end, next := paginate(params.Cursor, defaultPageSize, len(all))
	out := make([]resourceTemplateDescriptor, 0, end-start)
	for _, r := range all[start:end] {
		out = append(out, resourceTemplateDescriptor{URITemplate: r.URITemplate, Name: r.Name, Description: r.Description, MimeType: r.MimeType})
	}
	return map[string]interface{}{"resourceTemplates": out, "nextCursor": next}, nil
}

type resourceTemplateDescriptor struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleResourcesRead(_ context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid resources/read params", nil)
	}

	load, mimeHint, rpcErr := s.resolveResourceLoader(params.URI)
	if rpcErr != nil {
		return nil, rpcErr
	}

	entry, err := s.Cache.GetOrLoad(params.URI, load)
	if err != nil {
		return nil, jsonrpc.NewError(-32141, "failed to read resource: "+err.Error(), nil)
	}
	mimeType := entry.MimeType
	if mimeType == "" {
		mimeType = mimeHint
	}
	return map[string]interface{}{
		"contents": []map[string]interface{}{{
			"uri":      params.URI,
			"mimeType": mimeType,
			"text":     string(entry.Content),
		}},
	}, nil
}

func (s *Server) resolveResourceLoader(uri string) (func() ([]byte, string, error), string, *jsonrpc.Error) {
	if res, ok := s.Registry.Resources.Get(uri); ok {
		if res.Handler == nil {
			return nil, "", jsonrpc.NewError(-32140, "resource has no handler", nil)
		}
		return func() ([]byte, string, error) { return res.Handler(uri) }, res.MimeType, nil
	}
	if tmpl, params, ok := s.Registry.MatchTemplate(uri); ok {
		if tmpl.Handler == nil {
			return nil, "", jsonrpc.NewError(-32140, "resource template has no handler", nil)
		}
		return func() ([]byte, string, error) { return tmpl.Handler(uri, params) }, tmpl.MimeType, nil
	}
	return nil, "", jsonrpc.NewError(-32100, "resource not found: "+uri, nil)
}

func (s *Server) handleResourcesSubscribe(_ context.Context, sess *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid resources/subscribe params", nil)
	}
	sess.Subscribe(params.URI)
	return map[string]interface{}{}, nil
}

func (s *Server) handleResourcesUnsubscribe(_ context.Context, sess *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid resources/unsubscribe params", nil)
	}
	sess.Unsubscribe(params.URI)
	return map[string]interface{}{}, nil
}

func (s *Server) handlePromptsList(_ context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params paginatedParams
	_ = json.Unmarshal(req.Params, &params)
	all := s.Registry.Prompts.List()
	start, end, next := paginate(params.Cursor, defaultPageSize, len(all))
	out := make([]promptDescriptor, 0, end-start)
	for _, p := range all[start:end] {
		out = append(out, promptDescriptor{Name: p.Name, Description: p.Description, Arguments: p.Arguments})
	}
	return map[string]interface{}{"prompts": out, "nextCursor": next}, nil
}

type promptDescriptor struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Arguments   []registry.PromptArgument `json:"arguments,omitempty"`
}

type promptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Server) handlePromptsGet(_ context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params promptsGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid prompts/get params", nil)
	}
	prompt, ok := s.Registry.Prompts.Get(params.Name)
	if !ok {
		return nil, jsonrpc.NewError(-32102, "prompt not found: "+params.Name, nil)
	}
	if prompt.Handler == nil {
		return nil, jsonrpc.NewError(-32102, "prompt has no handler", nil)
	}
	result, err := prompt.Handler(params.Arguments)
	if err != nil {
		return nil, jsonrpc.NewInternalError("prompt handler failed: "+err.Error(), nil)
	}
	return result, nil
}

type authAuthorizeParams struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	Subject             string `json:"subject"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// handleAuthAuthorize implements `auth/authorize` (spec §4.7): issues a
// single-use, ten-minute authorization code bound to the caller's
// client_id/redirect_uri and, if present, a PKCE code_challenge.
func (s *Server) handleAuthAuthorize(ctx context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params authAuthorizeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid auth/authorize params", nil)
	}
	if params.ClientID == "" || params.RedirectURI == "" || params.Subject == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrAuthInvalidRequest, "client_id, redirect_uri, and subject are required", nil)
	}
	challengeMethod := params.CodeChallengeMethod
	if challengeMethod == "" {
		challengeMethod = "S256"
	}
	code, err := s.AuthCodes.Issue(ctx, params.ClientID, params.Subject, params.RedirectURI, params.CodeChallenge, challengeMethod, strings.Fields(params.Scope))
	if err != nil {
		return nil, jsonrpc.NewInternalError("failed to issue authorization code: "+err.Error(), nil)
	}
	return map[string]interface{}{"code": code}, nil
}

type authTokenParams struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

// handleAuthToken implements `auth/token` (spec §4.7) for the
// authorization_code and client_credentials grants; refresh_token rotation
// is handled separately by `auth/refresh`.
func (s *Server) handleAuthToken(ctx context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params authTokenParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid auth/token params", nil)
	}
	switch params.GrantType {
	case "authorization_code":
		ac, err := s.AuthCodes.Consume(ctx, params.Code, params.ClientID, params.RedirectURI, params.CodeVerifier)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrAuthInvalidGrant, "invalid authorization code", nil)
		}
		issued, err := s.AuthTokens.Issue(ctx, params.ClientID, ac.Subject, ac.Scopes)
		if err != nil {
			return nil, jsonrpc.NewInternalError("failed to issue tokens: "+err.Error(), nil)
		}
		return tokenResponse(issued), nil
	case "client_credentials":
		scopes, err := s.AuthClients.Validate(params.ClientID, params.ClientSecret)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrAuthInvalidClient, "invalid client credentials", nil)
		}
		issued, err := s.AuthTokens.Issue(ctx, params.ClientID, params.ClientID, scopes)
		if err != nil {
			return nil, jsonrpc.NewInternalError("failed to issue tokens: "+err.Error(), nil)
		}
		return tokenResponse(issued), nil
	default:
		return nil, jsonrpc.NewError(jsonrpc.ErrAuthInvalidRequest, "unsupported grant_type: "+params.GrantType, nil)
	}
}

type authRefreshParams struct {
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

// handleAuthRefresh implements `auth/refresh` (spec §4.7): rotates a refresh
// token, preserving its scopes and family for RevokeAll/logout-all.
func (s *Server) handleAuthRefresh(ctx context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params authRefreshParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid auth/refresh params", nil)
	}
	issued, err := s.AuthTokens.Refresh(ctx, params.RefreshToken, params.ClientID)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrAuthInvalidGrant, "invalid refresh token", nil)
	}
	return tokenResponse(issued), nil
}

type authRevokeParams struct {
	Token string `json:"token"`
}

// handleAuthRevoke implements `auth/revoke` (spec §4.7): always reports
// {revoked:true}, never leaking whether the token existed.
func (s *Server) handleAuthRevoke(ctx context.Context, _ *Session, req *jsonrpc.Request, _ *operations.PendingOperation) (interface{}, *jsonrpc.Error) {
	var params authRevokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParams("invalid auth/revoke params", nil)
	}
	_ = s.AuthTokens.Revoke(ctx, params.Token)
	return map[string]interface{}{"revoked": true}, nil
}

func tokenResponse(issued *auth.IssuedToken) map[string]interface{} {
	return map[string]interface{}{
		"access_token":  issued.AccessToken,
		"token_type":    issued.TokenType,
		"expires_in":    int(time.Until(issued.Expiry).Seconds()),
		"refresh_token": issued.RefreshToken,
		"scope":         strings.Join(issued.Scopes, " "),
	}
}
