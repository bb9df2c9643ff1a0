package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/corelane/mcprpc"
	"github.com/corelane/mcprpc/cache"
	"github.com/corelane/mcprpc/events"
	"github.com/corelane/mcprpc/operations"
	"github.com/corelane/mcprpc/ratelimit"
	"github.com/corelane/mcprpc/registry"
	"github.com/corelane/mcprpc/sampling"
	"github.com/corelane/mcprpc/transport"
	"github.com/corelane/mcprpc/transport/server/auth"
	"github.com/corelane/mcprpc/transport/server/base"
)

// SupportedProtocolVersions lists the wire protocol versions this server
// negotiates against, newest first; negotiation walks the client's
// requested version down to the newest version this list also contains.
var SupportedProtocolVersions = []string{"2025-03-26", "2024-11-05"}

// MethodHandler serves one JSON-RPC method once the gate pipeline has
// accepted the request. op is nil for requests not tracked as cancellable
// operations (i.e. everything except long-running calls).
type MethodHandler func(ctx context.Context, s *Session, req *jsonrpc.Request, op *operations.PendingOperation) (interface{}, *jsonrpc.Error)

// Authorizer validates a bearer token extracted by the transport layer,
// returning the subject/scopes on success.
type Authorizer interface {
	Validate(ctx context.Context, bearerToken string) (subject string, scopes []string, err error)
}

// Server is the MCP method dispatcher: the glue between a transport-level
// base.Session and the registry/operations/sampling/cache/ratelimit/events
// subsystems. One Server instance is shared by every session a transport
// creates.
type Server struct {
	Registry  *registry.Registry
	Tracker   *operations.Tracker
	Sampling  *sampling.Broker
	Cache     *cache.ResourceCache
	Limiter   *ratelimit.Limiter
	Events    *events.Bus
	Auth      Authorizer
	Logger    jsonrpc.Logger

	// AuthCodes/AuthTokens/AuthClients back the auth/authorize, auth/token,
	// auth/refresh, and auth/revoke methods (spec §4.7). They run on an
	// in-memory Store by default; an embedder wanting a shared/durable grant
	// store (e.g. Redis) constructs its own and overwrites these fields.
	AuthCodes   *auth.CodeStore
	AuthTokens  *auth.TokenStore
	AuthClients *auth.ClientCredentialValidator

	mu       sync.RWMutex
	sessions map[string]*Session
	methods  map[string]MethodHandler
}

// New builds a Server with empty registries and wires the built-in method
// table. Pass nil for Auth to run without bearer-token enforcement.
func New(authorizer Authorizer, logger jsonrpc.Logger) *Server {
	bus := events.New(64)
	grantStore := auth.NewMemoryStore(time.Hour, 24*time.Hour, time.Minute)
	s := &Server{
		Registry:    registry.New(bus),
		Tracker:     operations.NewTracker(),
		Sampling:    sampling.NewBroker(),
		Cache:       cache.New(0),
		Limiter:     ratelimit.New(20, 40),
		Events:      bus,
		Auth:        authorizer,
		Logger:      logger,
		AuthCodes:   auth.NewCodeStore(grantStore, 10*time.Minute),
		AuthTokens:  auth.NewTokenStore(grantStore, time.Hour, 30*24*time.Hour),
		AuthClients: auth.NewClientCredentialValidator(),
		sessions:    map[string]*Session{},
	}
	s.methods = s.buildMethodTable()
	return s
}

// sessionFor returns (creating if necessary) the MCP-domain Session tracked
// for a transport-level session id.
func (s *Server) sessionFor(id string) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[id]; ok {
		return sess
	}
	sess = NewSession(id)
	s.sessions[id] = sess
	s.Events.PublishConnect(id)
	return sess
}

// CloseSession drops the MCP-domain state for id and announces disconnect.
func (s *Server) CloseSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.Limiter.Reset(id)
	s.Events.PublishDisconnect(id)
}

// NewHandler adapts Server into a transport.NewHandler factory, suitable for
// passing to base.NewSession (or streamable.New/stdio.New): each
// transport-level session gets its own *SessionHandler sharing this
// Server's registries, keyed by the transport-level session id.
func (s *Server) NewHandler() transport.NewHandler {
	return func(_ context.Context, tr transport.Transport) transport.Handler {
		sessionID := ""
		if baseTransport, ok := tr.(*base.Transport); ok && baseTransport.Session() != nil {
			sessionID = baseTransport.Session().Id
		}
		return &SessionHandler{server: s, session: s.sessionFor(sessionID)}
	}
}

// SessionHandler implements transport.Handler, routing one transport
// session's requests through its owning Server's gate pipeline.
type SessionHandler struct {
	server  *Server
	session *Session
}

// Serve runs the spec's gate pipeline: initialize-check, auth, rate limit,
// then dispatch to the method table.
func (h *SessionHandler) Serve(ctx context.Context, request *jsonrpc.Request, response *jsonrpc.Response) {
	response.Id = request.Id
	response.Jsonrpc = jsonrpc.Version

	if request.Method != "initialize" && !h.session.IsInitialized() {
		response.Error = jsonrpc.NewInvalidRequest("session not initialized", nil)
		return
	}

	handler, ok := h.server.methods[request.Method]
	if !ok {
		response.Error = jsonrpc.NewMethodNotFound(fmt.Sprintf("method %q not found", request.Method), nil)
		return
	}

	if baseSess, ok := ctx.Value(jsonrpc.SessionKey).(*base.Session); ok && baseSess.AuthSubject != "" {
		h.session.SetAuth(baseSess.AuthSubject, baseSess.AuthScopes)
	}

	if h.server.Auth != nil && !isAuthExempt(request.Method) {
		if h.session.AuthSubject == "" {
			response.Error = jsonrpc.NewError(mcprpcErrUnauthorized, "missing or invalid bearer token", nil)
			return
		}
		if scope, required := requiredScopes[request.Method]; required && !hasScope(h.session.AuthScopes, scope) {
			response.Error = jsonrpc.NewError(jsonrpc.ErrInsufficientPermissions, fmt.Sprintf("missing required scope %q", scope), nil)
			return
		}
	}

	if h.server.Limiter != nil && !h.server.Limiter.Allow(h.session.ID, request.Method) {
		retryAfter := h.server.Limiter.RetryAfterSeconds(h.session.ID, request.Method)
		response.Error = jsonrpc.NewError(mcprpcErrRateLimited, "rate limit exceeded", nil).WithRetryAfter(retryAfter)
		return
	}

	var op *operations.PendingOperation
	if intID, ok := jsonrpc.AsRequestIntId(request.Id); ok && isCancellable(request.Method) {
		opID := fmt.Sprintf("%s:%d", h.session.ID, intID)
		var onProgress operations.ProgressFunc
		if baseSess, ok := ctx.Value(jsonrpc.SessionKey).(*base.Session); ok {
			onProgress = func(progress, total float64, message string) {
				params, err := json.Marshal(map[string]interface{}{
					"progressToken": opID,
					"progress":      progress,
					"total":         total,
					"message":       message,
				})
				if err != nil {
					return
				}
				baseSess.SendNotification(ctx, &jsonrpc.Notification{
					Jsonrpc: jsonrpc.Version,
					Method:  "notifications/progress",
					Params:  params,
				})
			}
		}
		op = h.server.Tracker.Start(opID, h.session.ID, request.Method, onProgress)
		defer h.server.Tracker.Finish(op.ID, nil)
	}

	defer func() {
		if r := recover(); r != nil {
			response.Result = nil
			response.Error = jsonrpc.NewInternalError("internal error", nil)
		}
	}()
	result, rpcErr := handler(ctx, h.session, request, op)
	if op != nil && op.IsCancelled() {
		response.Error = jsonrpc.NewError(jsonrpc.ErrOperationCancelled, "operation cancelled", nil)
		return
	}
	if rpcErr != nil {
		response.Error = rpcErr
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		response.Error = jsonrpc.NewInternalError("failed to encode result", nil)
		return
	}
	response.Result = data
}

// requiredScopes maps methods to the OAuth scope a bearer token must carry
// (spec §4.7); methods absent from this map have no scope requirement.
var requiredScopes = map[string]string{
	"tools/call":     "tools:execute",
	"tools/list":     "tools:read",
	"resources/read": "resources:read",
	"resources/list": "resources:read",
	"prompts/get":    "prompts:read",
	"prompts/list":   "prompts:read",
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// OnNotification handles fire-and-forget client notifications, currently
// just "notifications/cancelled" and "notifications/initialized".
func (h *SessionHandler) OnNotification(ctx context.Context, notification *jsonrpc.Notification) {
	switch notification.Method {
	case "notifications/cancelled":
		var params struct {
			RequestID interface{} `json:"requestId"`
		}
		if err := json.Unmarshal(notification.Params, &params); err == nil {
			if intID, ok := jsonrpc.AsRequestIntId(params.RequestID); ok {
				h.server.Tracker.Cancel(fmt.Sprintf("%s:%d", h.session.ID, intID))
			}
		}
	case "notifications/initialized":
		// client ack of our initialize response; nothing to do.
	}
}

func isAuthExempt(method string) bool {
	switch method {
	case "initialize", "auth/token", "auth/authorize", "auth/refresh", "auth/revoke":
		return true
	default:
		return false
	}
}

func isCancellable(method string) bool {
	switch method {
	case "tools/call", "resources/read", "prompts/get", "sampling/createMessage":
		return true
	default:
		return false
	}
}

const (
	mcprpcErrUnauthorized = -32104
	mcprpcErrRateLimited  = -32106
)

// paginate implements simple, deterministic string-cursor pagination atop
// an already-sorted slice, mirroring the spec's opaque-cursor contract.
func paginate(cursor string, pageSize int, n int) (start, end int, nextCursor string) {
	start = 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &start)
	}
	end = start + pageSize
	if end > n {
		end = n
	}
	if end < n {
		nextCursor = fmt.Sprintf("%d", end)
	}
	return start, end, nextCursor
}
