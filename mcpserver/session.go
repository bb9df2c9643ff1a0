// Package mcpserver is the MCP method dispatcher: it sits behind
// transport/server/base.Session as a transport.Handler, running every
// inbound request through the gate pipeline (initialize-check, auth, rate
// limit) before routing it to the registered method table.
package mcpserver

import (
	"sync"
	"time"

	"github.com/corelane/mcprpc/registry"
)

// Session is the MCP-domain state layered over a transport-level
// base.Session: protocol version, negotiated capabilities, client roots,
// auth context, and active resource subscriptions.
type Session struct {
	mu sync.RWMutex

	ID              string
	ProtocolVersion string
	Initialized     bool
	ClientInfo      ClientInfo
	Capabilities    ClientCapabilities

	Roots []registry.Root

	// AuthSubject/AuthScopes are populated by the auth gate once a bearer
	// token validates; empty when the server runs without auth enabled.
	AuthSubject string
	AuthScopes  []string

	subscriptions map[string]struct{}

	CreatedAt time.Time
}

// ClientInfo mirrors the MCP initialize request's client identification.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RootsCapability mirrors initialize's capabilities.roots object.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ClientCapabilities mirrors the subset of initialize's capabilities object
// the dispatcher cares about.
type ClientCapabilities struct {
	Roots    *RootsCapability       `json:"roots,omitempty"`
	Sampling map[string]interface{} `json:"sampling,omitempty"`
}

// NewSession creates an un-initialized MCP session for the given transport
// session id.
func NewSession(id string) *Session {
	return &Session{
		ID:            id,
		subscriptions: map[string]struct{}{},
		CreatedAt:     time.Now(),
	}
}

// MarkInitialized records the negotiated protocol version and client info
// once an "initialize" request is accepted.
func (s *Session) MarkInitialized(version string, info ClientInfo, caps ClientCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProtocolVersion = version
	s.ClientInfo = info
	s.Capabilities = caps
	s.Initialized = true
}

// IsInitialized reports whether "initialize" has completed successfully.
func (s *Session) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Initialized
}

// Subscribe records that this session wants resource-updated notifications
// for uri.
func (s *Session) Subscribe(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[uri] = struct{}{}
}

// Unsubscribe removes uri from this session's subscriptions.
func (s *Session) Unsubscribe(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, uri)
}

// IsSubscribed reports whether this session is subscribed to uri.
func (s *Session) IsSubscribed(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[uri]
	return ok
}

// SetRoots replaces the client-exposed roots list. The dispatcher does not
// issue "roots/list" itself; Roots changes only through this method.
func (s *Session) SetRoots(roots []registry.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Roots = roots
}

// SetAuth records the principal a bearer token validated to.
func (s *Session) SetAuth(subject string, scopes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AuthSubject = subject
	s.AuthScopes = scopes
}
