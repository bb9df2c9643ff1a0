package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

var (
	// ErrInvalidGrant mirrors the OAuth 2.1 "invalid_grant" error: the
	// authorization code, refresh token, or client credential did not
	// validate.
	ErrInvalidGrant = errors.New("oauth: invalid_grant")

	// ErrInvalidClient indicates the caller's client_id/client_secret pair
	// failed validation.
	ErrInvalidClient = errors.New("oauth: invalid_client")
)

// AuthorizationCode is a single-use, short-lived authorization code issued
// at the end of the authorization_code + PKCE redirect.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	Subject             string
	Scopes              []string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string // "S256" per spec; "plain" is not accepted
	CreatedAt           time.Time
	ExpiresAt           time.Time
	consumed            bool
}

// CodeStore holds authorization codes for the duration of the redirect
// round trip. Codes are single-use: Consume deletes the code even if the
// caller never reads the result again.
type CodeStore struct {
	store Store
	ttl   time.Duration
}

// NewCodeStore wraps a Store (MemoryStore or RedisStore) as a single-use
// authorization-code cache. A ttl <= 0 defaults to ten minutes; Issue sets
// each code's expiry from it.
func NewCodeStore(store Store, ttl time.Duration) *CodeStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CodeStore{store: store, ttl: ttl}
}

// Issue creates and stores a new authorization code, encoding it as a Grant
// so it rides on the existing Store TTL/rotation machinery.
func (s *CodeStore) Issue(ctx context.Context, clientID, subject, redirectURI, challenge, challengeMethod string, scopes []string) (string, error) {
	g := NewGrant(subject)
	g.ID = "code_" + uuid.New().String()
	g.Scopes = scopes
	g.ExpiresAt = time.Now().Add(s.ttl)
	g.Meta = map[string]string{
		"client_id":             clientID,
		"redirect_uri":          redirectURI,
		"code_challenge":        challenge,
		"code_challenge_method": challengeMethod,
	}
	if err := s.store.Put(ctx, g); err != nil {
		return "", err
	}
	return g.ID, nil
}

// Consume validates and deletes a code in one step, verifying the PKCE
// code_verifier against the stored S256 challenge per RFC 7636.
func (s *CodeStore) Consume(ctx context.Context, code, clientID, redirectURI, verifier string) (*AuthorizationCode, error) {
	g, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	// single use regardless of outcome below
	_ = s.store.Revoke(ctx, code)

	if g.Meta["client_id"] != clientID || g.Meta["redirect_uri"] != redirectURI {
		return nil, ErrInvalidGrant
	}
	if g.Meta["code_challenge_method"] != "S256" {
		return nil, ErrInvalidGrant
	}
	if !verifyPKCE(g.Meta["code_challenge"], verifier) {
		return nil, ErrInvalidGrant
	}
	return &AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		Subject:             g.Subject,
		Scopes:              g.Scopes,
		RedirectURI:         redirectURI,
		CodeChallenge:       g.Meta["code_challenge"],
		CodeChallengeMethod: g.Meta["code_challenge_method"],
		CreatedAt:           g.CreatedAt,
		ExpiresAt:           g.ExpiresAt,
	}, nil
}

func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// IssuedToken is the server-side record of an access/refresh token pair. It
// embeds oauth2.Token so the same type can be handed straight to an
// oauth2.TokenSource-shaped caller without remarshaling.
type IssuedToken struct {
	oauth2.Token
	Subject      string
	ClientID     string
	Scopes       []string
	RefreshToken string
	FamilyID     string
}

// TokenStore issues, rotates, and revokes opaque OAuth 2.1 access/refresh
// tokens on top of the existing Grant/Store TTL machinery: an access token
// is a short-lived Grant, a refresh token is its longer-lived family
// sibling, and rotating a refresh token revokes the old one at once; there
// is no grace window, so a retried refresh with the old token fails.
type TokenStore struct {
	store       Store
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

// NewTokenStore wires a TokenStore over the given Store with the given
// access/refresh token lifetimes.
func NewTokenStore(store Store, accessTTL, refreshTTL time.Duration) *TokenStore {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &TokenStore{store: store, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// Issue mints a fresh access+refresh token pair for subject/clientID/scopes.
func (s *TokenStore) Issue(ctx context.Context, clientID, subject string, scopes []string) (*IssuedToken, error) {
	access := NewGrant(subject)
	access.ID = "at_" + uuid.New().String()
	access.Scopes = scopes
	access.ExpiresAt = time.Now().Add(s.accessTTL)
	access.Meta = map[string]string{"client_id": clientID, "kind": "access"}
	if err := s.store.Put(ctx, access); err != nil {
		return nil, err
	}

	refresh := NewGrant(subject)
	refresh.ID = "rt_" + uuid.New().String()
	refresh.FamilyID = access.FamilyID
	refresh.Scopes = scopes
	refresh.ExpiresAt = time.Now().Add(s.refreshTTL)
	refresh.Meta = map[string]string{"client_id": clientID, "kind": "refresh"}
	if err := s.store.Put(ctx, refresh); err != nil {
		return nil, err
	}

	return &IssuedToken{
		Token: oauth2.Token{
			AccessToken: access.ID,
			TokenType:   "Bearer",
			Expiry:      access.ExpiresAt,
		},
		Subject:      subject,
		ClientID:     clientID,
		Scopes:       scopes,
		RefreshToken: refresh.ID,
		FamilyID:     access.FamilyID,
	}, nil
}

// Validate looks up an access token, returning ErrInvalidGrant if it is
// missing, expired, or not an access token. It does not check which client
// the token was issued to.
func (s *TokenStore) Validate(ctx context.Context, accessToken string) (*Grant, error) {
	g, err := s.store.Get(ctx, accessToken)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	if g.Meta["kind"] != "access" {
		return nil, ErrInvalidGrant
	}
	return g, nil
}

// Refresh rotates a refresh token: the old refresh token is revoked
// immediately and a brand-new access+refresh pair is returned, preventing
// replay of a stolen refresh token beyond one use.
func (s *TokenStore) Refresh(ctx context.Context, refreshToken, clientID string) (*IssuedToken, error) {
	old, err := s.store.Get(ctx, refreshToken)
	if err != nil || old.Meta["kind"] != "refresh" || old.Meta["client_id"] != clientID {
		return nil, ErrInvalidGrant
	}
	if err := s.store.Revoke(ctx, refreshToken); err != nil {
		return nil, ErrInvalidGrant
	}
	return s.Issue(ctx, clientID, old.Subject, old.Scopes)
}

// Revoke revokes a single token (access or refresh) per RFC 7009.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	return s.store.Revoke(ctx, token)
}

// RevokeAll revokes every token issued in the same family as familyID,
// implemented via Store.RevokeFamily (e.g., on detected refresh-token
// replay).
func (s *TokenStore) RevokeAll(ctx context.Context, familyID string) error {
	return s.store.RevokeFamily(ctx, familyID)
}

// ClientCredential is a registered confidential client allowed to use the
// client_credentials grant.
type ClientCredential struct {
	ClientID     string
	SecretHash   []byte
	AllowedScope []string
}

// ClientCredentialValidator validates client_id/client_secret pairs for the
// client_credentials grant, storing secrets bcrypt-hashed rather than in
// the clear.
type ClientCredentialValidator struct {
	clients map[string]ClientCredential
}

// NewClientCredentialValidator builds a validator from an empty registry;
// callers add clients via Register.
func NewClientCredentialValidator() *ClientCredentialValidator {
	return &ClientCredentialValidator{clients: map[string]ClientCredential{}}
}

// Register hashes secret and stores it under clientID.
func (v *ClientCredentialValidator) Register(clientID, secret string, scopes []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	v.clients[clientID] = ClientCredential{ClientID: clientID, SecretHash: hash, AllowedScope: scopes}
	return nil
}

// Validate checks clientID/secret, returning the client's allowed scopes on
// success or ErrInvalidClient otherwise.
func (v *ClientCredentialValidator) Validate(clientID, secret string) ([]string, error) {
	c, ok := v.clients[clientID]
	if !ok {
		return nil, ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword(c.SecretHash, []byte(secret)); err != nil {
		return nil, ErrInvalidClient
	}
	return c.AllowedScope, nil
}
