package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() Store {
	return NewMemoryStore(time.Hour, 24*time.Hour, time.Minute)
}

func pkcePair(verifier string) (string, string) {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), verifier
}

func TestCodeStore_IssueAndConsume(t *testing.T) {
	ctx := context.Background()
	codes := NewCodeStore(newStore(), time.Minute)

	challenge, verifier := pkcePair("verifier-value")
	code, err := codes.Issue(ctx, "client-1", "user-1", "https://app/callback", challenge, "S256", []string{"read"})
	require.NoError(t, err)

	ac, err := codes.Consume(ctx, code, "client-1", "https://app/callback", verifier)
	require.NoError(t, err)
	assert.Equal(t, "user-1", ac.Subject)
	assert.Equal(t, []string{"read"}, ac.Scopes)
}

func TestCodeStore_ConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	codes := NewCodeStore(newStore(), time.Minute)
	challenge, verifier := pkcePair("verifier-value")
	code, err := codes.Issue(ctx, "client-1", "user-1", "https://app/callback", challenge, "S256", nil)
	require.NoError(t, err)

	_, err = codes.Consume(ctx, code, "client-1", "https://app/callback", verifier)
	require.NoError(t, err)

	_, err = codes.Consume(ctx, code, "client-1", "https://app/callback", verifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestCodeStore_ConsumeRejectsWrongVerifier(t *testing.T) {
	ctx := context.Background()
	codes := NewCodeStore(newStore(), time.Minute)
	challenge, _ := pkcePair("verifier-value")
	code, err := codes.Issue(ctx, "client-1", "user-1", "https://app/callback", challenge, "S256", nil)
	require.NoError(t, err)

	_, err = codes.Consume(ctx, code, "client-1", "https://app/callback", "wrong-verifier")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestCodeStore_ConsumeRejectsClientMismatch(t *testing.T) {
	ctx := context.Background()
	codes := NewCodeStore(newStore(), time.Minute)
	challenge, verifier := pkcePair("verifier-value")
	code, err := codes.Issue(ctx, "client-1", "user-1", "https://app/callback", challenge, "S256", nil)
	require.NoError(t, err)

	_, err = codes.Consume(ctx, code, "client-2", "https://app/callback", verifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenStore_IssueAndValidate(t *testing.T) {
	ctx := context.Background()
	tokens := NewTokenStore(newStore(), time.Hour, 24*time.Hour)

	issued, err := tokens.Issue(ctx, "client-1", "user-1", []string{"read", "write"})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.AccessToken)
	assert.NotEmpty(t, issued.RefreshToken)

	grant, err := tokens.Validate(ctx, issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.Subject)
}

func TestTokenStore_RefreshRotatesToken(t *testing.T) {
	ctx := context.Background()
	tokens := NewTokenStore(newStore(), time.Hour, 24*time.Hour)
	issued, err := tokens.Issue(ctx, "client-1", "user-1", []string{"read"})
	require.NoError(t, err)

	rotated, err := tokens.Refresh(ctx, issued.RefreshToken, "client-1")
	require.NoError(t, err)
	assert.NotEqual(t, issued.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, issued.RefreshToken, rotated.RefreshToken)

	// old refresh token is now revoked
	_, err = tokens.Refresh(ctx, issued.RefreshToken, "client-1")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenStore_RevokeAll(t *testing.T) {
	ctx := context.Background()
	tokens := NewTokenStore(newStore(), time.Hour, 24*time.Hour)
	issued, err := tokens.Issue(ctx, "client-1", "user-1", []string{"read"})
	require.NoError(t, err)

	require.NoError(t, tokens.RevokeAll(ctx, issued.FamilyID))

	_, err = tokens.Validate(ctx, issued.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestClientCredentialValidator(t *testing.T) {
	v := NewClientCredentialValidator()
	require.NoError(t, v.Register("client-1", "s3cr3t", []string{"read"}))

	scopes, err := v.Validate("client-1", "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, scopes)

	_, err = v.Validate("client-1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidClient)

	_, err = v.Validate("unknown-client", "s3cr3t")
	assert.ErrorIs(t, err, ErrInvalidClient)
}
