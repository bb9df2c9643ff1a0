package streamable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corelane/mcprpc"
	"github.com/corelane/mcprpc/transport"
	"github.com/corelane/mcprpc/transport/server/base"
	"github.com/corelane/mcprpc/transport/server/http/common"
	"github.com/corelane/mcprpc/transport/server/http/session"
)

// Default values following the MCP spec.
const (
	defaultURI = ""
	// default header name for session id; may be overridden via Options.SessionLocation
	defaultSessionHeaderKey = "Mcp-Session-Id"
	sseMime                 = "text/event-stream"
	defaultEventBuffer      = 1024
	defaultCleanupInterval  = 30 * time.Second
)

// Handler implements server-side of Streamable-HTTP transport (Model Context Protocol).
// Single endpoint (URI) is used for handshake, message exchange and streaming.
// Operation mode is distinguished by HTTP method and Accept header value.
type Handler struct {
	Options
	base       *base.Handler
	locator    session.Locator
	newHandler transport.NewHandler
	options    []base.Option

	sweepOnce sync.Once
	closeOnce sync.Once
	stopSweep chan struct{}
}

// ServeHTTP implements http.Handler.
// POST (no session header) – handshake creates a session, returns session id in header.
// POST (with Mcp-Session-Id) – JSON-RPC message for the session; response returned sync.
// GET  (with Accept: text/event-stream & Mcp-Session-Id) – opens long-lived streaming connection.
// DELETE (with Mcp-Session-Id) – terminates session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.URI != "" && !strings.HasSuffix(r.URL.Path, h.URI) {
		http.NotFound(w, r)
		return
	}

	if h.LogoutAllPath != "" && strings.HasSuffix(r.URL.Path, h.LogoutAllPath) {
		h.handleLogoutAll(w, r)
		return
	}

	h.writeCORSHeaders(w, r)

	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	case http.MethodDelete:
		h.handleDELETE(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeCORSHeaders sets Access-Control-Allow-Origin based on Options.AllowedOrigins.
// An empty AllowedOrigins list allows any origin (the permissive default); otherwise
// only an origin present in the list (matched against the request's own Origin
// header) is reflected back, as required when AllowCredentials is set.
func (h *Handler) writeCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if len(h.AllowedOrigins) == 0 {
		if h.AllowCredentials && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
	} else if origin != "" && originAllowed(origin, h.AllowedOrigins) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
	if h.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, Last-Event-ID")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	// locate session using configured location (default: header)
	sessionID, _ := h.locator.Locate(h.SessionLocation, r)
	if sessionID == "" && h.CookieSession != nil {
		sessionID, _ = h.locator.Locate(session.NewCookieLocation(h.CookieSession.Name), r)
	}
	if sessionID == "" {
		// handshake – create session
		h.initHandshake(w, r)
		return
	}
	// message for existing session
	h.handleMessage(w, r, sessionID)
}

func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	if !acceptsSSE(r.Header) {
		http.Error(w, "SSE not supported on this endpoint", http.StatusMethodNotAllowed)
		return
	}
	// locate session using configured location (default: header)
	sessionID, _ := h.locator.Locate(h.SessionLocation, r)
	if sessionID == "" {
		// Try query param fallback (for debug convenience)
		sessionID = r.URL.Query().Get(h.SessionLocation.Name)
	}
	if sessionID == "" {
		http.Error(w, fmt.Sprintf("missing %s", h.SessionLocation.Name), http.StatusBadRequest)
		return
	}

	aSession, ok := h.base.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("session '%s' not found", sessionID), http.StatusNotFound)
		return
	}

	// Prepare SSE response headers.
	w.Header().Set("Content-Type", sseMime)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Inject writer that flushes every message, marking the session (re)attached.
	writer := common.NewFlushWriter(w)
	base.WithFramer(frameSSE)(aSession)
	base.WithEventBuffer(h.eventBufferSize())(aSession)
	base.WithSSE()(aSession)
	aSession.MarkActiveWithWriter(writer)

	// Support resumability: replay events after Last-Event-ID if provided
	if last := strings.TrimSpace(r.Header.Get("Last-Event-ID")); last != "" {
		if v, err := strconv.ParseUint(last, 10, 64); err == nil {
			if msgs := aSession.EventsAfter(v); len(msgs) > 0 {
				for _, m := range msgs {
					_, _ = aSession.Writer.Write(m)
				}
			}
		}
	}

	// Block until client closes.
	<-r.Context().Done()
	h.onStreamDisconnect(aSession)
}

func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := h.locator.Locate(h.SessionLocation, r)
	if sessionID == "" {
		http.Error(w, fmt.Sprintf("missing %s", h.SessionLocation.Name), http.StatusBadRequest)
		return
	}
	if aSession, ok := h.base.Sessions.Get(sessionID); ok {
		h.closeSession(aSession)
	}
	w.WriteHeader(http.StatusOK)
}

// onStreamDisconnect applies Options.RemovalPolicy once a streaming GET
// connection's context is done (client disconnected or the server is
// shutting that request down).
func (h *Handler) onStreamDisconnect(aSession *base.Session) {
	switch h.RemovalPolicy {
	case base.RemovalOnDisconnect:
		h.closeSession(aSession)
	default:
		// RemovalAfterGrace, RemovalAfterIdle, RemovalManual: leave the
		// session in the store, detached, for a possible reconnect; the
		// cleanup sweeper (or an explicit DELETE) removes it later.
		aSession.MarkDetached()
	}
}

// closeSession removes aSession from the store and announces its closure.
func (h *Handler) closeSession(aSession *base.Session) {
	h.base.Sessions.Delete(aSession.Id)
	if h.OnSessionClose != nil {
		h.OnSessionClose(aSession)
	}
}

func (h *Handler) eventBufferSize() int {
	if h.MaxEventBuffer > 0 {
		return h.MaxEventBuffer
	}
	return defaultEventBuffer
}

// initHandshake creates a new session and returns its id in response header.
func (h *Handler) initHandshake(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	aSession := base.NewSession(ctx, "", io.Discard, h.newHandler, h.options...)
	base.WithEventBuffer(h.eventBufferSize())(aSession)

	if h.RehydrateOnHandshake && h.AuthStore != nil && h.AuthCookie != nil {
		if c, err := r.Cookie(h.AuthCookie.Name); err == nil && c.Value != "" {
			if grant, err := h.AuthStore.Get(ctx, c.Value); err == nil {
				aSession.AuthSubject = grant.Subject
				aSession.AuthScopes = grant.Scopes
				_ = h.AuthStore.Touch(ctx, grant.ID, time.Now())
			}
		}
	}

	h.base.Sessions.Put(aSession.Id, aSession)
	// return session id at the configured location; for header we always set header
	// and use the configured header name
	if h.SessionLocation != nil && h.SessionLocation.Kind == "header" {
		w.Header().Set(h.SessionLocation.Name, aSession.Id)
	} else {
		// default to header if unspecified
		w.Header().Set(defaultSessionHeaderKey, aSession.Id)
	}
	if h.CookieSession != nil {
		http.SetCookie(w, h.buildCookie(r, h.CookieSession, aSession.Id))
	}
	h.handleMessage(w, r, aSession.Id)
}

func (h *Handler) buildCookie(r *http.Request, c *BFFCookie, value string) *http.Cookie {
	domain := c.Domain
	if domain == "" && h.CookieUseTopDomain {
		if d, err := common.TopDomain(common.ClientHost(r)); err == nil {
			domain = d
		}
	}
	return &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Path:     c.Path,
		Domain:   domain,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
		SameSite: c.SameSite,
		MaxAge:   c.MaxAge,
	}
}

// handleLogoutAll revokes every BFF auth grant sharing the calling request's
// auth cookie family, so every device/tab authenticated under it is signed out.
func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if h.AuthStore == nil || h.AuthCookie == nil {
		http.NotFound(w, r)
		return
	}
	c, err := r.Cookie(h.AuthCookie.Name)
	if err != nil || c.Value == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ctx := r.Context()
	grant, err := h.AuthStore.Get(ctx, c.Value)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.AuthStore.RevokeFamily(ctx, grant.FamilyID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	aSession, ok := h.base.Sessions.Get(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("session '%s' not found", sessionID), http.StatusNotFound)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	ctx := context.WithValue(r.Context(), jsonrpc.SessionKey, aSession)

	if h.Authorize != nil {
		if token := bearerToken(r.Header.Get("Authorization")); token != "" {
			if subject, scopes, err := h.Authorize(ctx, token); err == nil {
				aSession.AuthSubject = subject
				aSession.AuthScopes = scopes
			}
		}
	}

	// If client accepts SSE, and this is a JSON-RPC request, stream via SSE.
	if acceptsSSE(r.Header) && isJSONRPCRequest(data) && hasID(data) {
		// Prepare SSE response and writer
		w.Header().Set("Content-Type", sseMime)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		aSession.Writer = common.NewFlushWriter(w)
		base.WithFramer(frameSSE)(aSession)
		base.WithEventBuffer(h.eventBufferSize())(aSession)
		base.WithSSE()(aSession)
		// Stream response and any further messages on this connection
		h.base.HandleMessage(ctx, aSession, data, nil)
		return
	}

	// Default: synchronous JSON response or 202 Accepted for notifications
	buffer := bytes.Buffer{}
	h.base.HandleMessage(ctx, aSession, data, &buffer)
	if buffer.Len() == 0 { // notification (no response)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buffer.Bytes())
}

// bearerToken extracts the token from a "Bearer <token>" Authorization
// header value, returning "" if the header is absent or malformed.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// Helper – checks if Accept header contains text/event-stream
func acceptsSSE(hdr http.Header) bool {
	for _, v := range hdr.Values("Accept") {
		if strings.Contains(v, sseMime) {
			return true
		}
	}
	return false
}

// isJSONRPCRequest returns true if data looks like a JSON-RPC request (has method and optional id)
func isJSONRPCRequest(data []byte) bool {
	var tmp struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return false
	}
	return tmp.Method != ""
}

// hasID returns true if the JSON has a non-null id field
func hasID(data []byte) bool {
	var tmp struct {
		ID *json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return false
	}
	return tmp.ID != nil
}

// New constructs Handler with default settings and provided options.
func New(newHandler transport.NewHandler, opts ...Option) *Handler {
	h := &Handler{
		newHandler: newHandler,
		Options: Options{
			URI:             defaultURI,
			SessionLocation: session.NewHeaderLocation(defaultSessionHeaderKey),
		},
		base:      base.NewHandler(),
		locator:   session.NewLocator(),
		stopSweep: make(chan struct{}),
		options: []base.Option{
			base.WithFramer(frameJSON),
		},
	}
	for _, o := range opts {
		o(&h.Options)
	}
	h.options = append(h.options, base.WithOverflowPolicy(h.OverflowPolicy))
	if h.Store != nil {
		h.base.Sessions = h.Store
	}
	h.startSweeper()
	return h
}

// startSweeper launches the background loop that enforces IdleTTL,
// MaxLifetime, and RemovalAfterGrace eviction; it is a no-op when none of
// those are configured.
func (h *Handler) startSweeper() {
	if h.CleanupInterval <= 0 {
		if h.IdleTTL <= 0 && h.MaxLifetime <= 0 && h.ReconnectGrace <= 0 {
			return
		}
		h.CleanupInterval = defaultCleanupInterval
	}
	h.sweepOnce.Do(func() {
		ticker := time.NewTicker(h.CleanupInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-h.stopSweep:
					return
				case <-ticker.C:
					h.sweep()
				}
			}
		}()
	})
}

// Close stops the cleanup sweeper goroutine. Safe to call multiple times.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.stopSweep) })
}

func (h *Handler) sweep() {
	now := time.Now()
	var expired []*base.Session
	h.base.Sessions.Range(func(_ string, sess *base.Session) bool {
		switch {
		case h.MaxLifetime > 0 && now.Sub(sess.CreatedAt) > h.MaxLifetime:
			expired = append(expired, sess)
		case h.RemovalPolicy == base.RemovalAfterIdle && h.IdleTTL > 0 && now.Sub(sess.LastSeen) > h.IdleTTL:
			expired = append(expired, sess)
		case h.RemovalPolicy == base.RemovalAfterGrace && sess.State == base.SessionStateDetached &&
			sess.DetachedAt != nil && now.Sub(*sess.DetachedAt) > h.ReconnectGrace:
			expired = append(expired, sess)
		}
		return true
	})
	for _, sess := range expired {
		h.closeSession(sess)
	}
}
