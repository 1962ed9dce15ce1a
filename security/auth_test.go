package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-length"

func newTestAuthenticator(opts ...AuthOption) *Authenticator {
	return NewAuthenticator(Config{
		Enabled:   true,
		APIKeys:   []string{"sk-live-1234567890", "short"},
		JWTSecret: testSecret,
	}, opts...)
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticate_Disabled(t *testing.T) {
	a := NewAuthenticator(Config{Enabled: false})

	for _, cred := range []Credential{{}, {Method: MethodAPIKey, Value: "whatever"}, {Method: MethodBearer, Value: "garbage"}} {
		id, err := a.Authenticate(cred)
		require.NoError(t, err)
		assert.Equal(t, MethodBypass, id.Method)
		assert.Equal(t, "local", id.Subject)
	}

	id, err := a.AuthenticateHeader("")
	require.NoError(t, err)
	assert.Equal(t, MethodBypass, id.Method)
}

func TestAuthenticateAPIKey(t *testing.T) {
	a := newTestAuthenticator()

	id, err := a.AuthenticateAPIKey("sk-live-1234567890")
	require.NoError(t, err)
	assert.Equal(t, MethodAPIKey, id.Method)
	assert.Equal(t, "api_key:sk-live-", id.Subject)
	assert.NotContains(t, id.Subject, "1234567890")

	id, err = a.AuthenticateAPIKey("short")
	require.NoError(t, err)
	assert.Equal(t, "api_key:short", id.Subject)

	_, err = a.AuthenticateAPIKey("sk-live-wrong")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = a.AuthenticateAPIKey("")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestAuthenticateBearer(t *testing.T) {
	a := newTestAuthenticator()

	token, err := a.IssueToken("alice", time.Hour)
	require.NoError(t, err)

	id, err := a.AuthenticateBearer(token)
	require.NoError(t, err)
	assert.Equal(t, MethodBearer, id.Method)
	assert.Equal(t, "alice", id.Subject)
	require.NotNil(t, id.Claims)
	assert.Equal(t, "alice", id.Claims.Subject)
}

func TestAuthenticateBearer_Invalid(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestAuthenticator(WithClock(clock))
	now := clock.Now()

	tests := []struct {
		name  string
		token string
	}{
		{
			name: "expired",
			token: signToken(t, testSecret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
			}),
		},
		{
			name: "wrong secret",
			token: signToken(t, "another-secret", jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			}),
		},
		{
			name: "no expiry",
			token: signToken(t, testSecret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject: "alice",
			}),
		},
		{
			name: "wrong algorithm",
			token: signToken(t, testSecret, jwt.SigningMethodHS512, jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			}),
		},
		{
			name: "missing subject",
			token: signToken(t, testSecret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			}),
		},
		{
			name:  "malformed",
			token: "eyJhbGciOiJIUzI1NiJ9.not-json.sig",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.AuthenticateBearer(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthenticateBearer_ExpiresWithClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestAuthenticator(WithClock(clock))

	token, err := a.IssueToken("bob", time.Minute)
	require.NoError(t, err)

	_, err = a.AuthenticateBearer(token)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = a.AuthenticateBearer(token)
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.True(t, errors.Is(err, jwt.ErrTokenExpired))
	assert.Equal(t, "Token expired", SanitizeAuthError(err))
}

func TestAuthenticateBearer_Issuer(t *testing.T) {
	a := NewAuthenticator(Config{Enabled: true, JWTSecret: testSecret, Issuer: "opgate"})
	other := NewAuthenticator(Config{Enabled: true, JWTSecret: testSecret, Issuer: "someone-else"})

	token, err := other.IssueToken("carol", time.Hour)
	require.NoError(t, err)
	_, err = a.AuthenticateBearer(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = a.IssueToken("carol", time.Hour)
	require.NoError(t, err)
	_, err = a.AuthenticateBearer(token)
	assert.NoError(t, err)
}

func TestParseCredential(t *testing.T) {
	jwtLike := "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ4In0.c2ln"

	tests := []struct {
		name    string
		header  string
		want    Credential
		wantErr error
	}{
		{"bearer jwt", "Bearer " + jwtLike, Credential{Method: MethodBearer, Value: jwtLike}, nil},
		{"lowercase scheme", "bearer " + jwtLike, Credential{Method: MethodBearer, Value: jwtLike}, nil},
		{"bearer api key", "Bearer sk-live-123", Credential{Method: MethodAPIKey, Value: "sk-live-123"}, nil},
		{"eyJ prefix without segments", "Bearer eyJabc", Credential{Method: MethodAPIKey, Value: "eyJabc"}, nil},
		{"empty", "", Credential{}, ErrMissingCredential},
		{"scheme only", "Bearer ", Credential{}, ErrMissingCredential},
		{"basic scheme", "Basic dXNlcjpwYXNz", Credential{}, ErrUnsupportedScheme},
		{"no scheme", jwtLike, Credential{}, ErrUnsupportedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCredential(tt.header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticateHeader(t *testing.T) {
	a := newTestAuthenticator()
	token, err := a.IssueToken("dave", time.Hour)
	require.NoError(t, err)

	id, err := a.AuthenticateHeader("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "dave", id.Subject)

	id, err = a.AuthenticateHeader("Bearer sk-live-1234567890")
	require.NoError(t, err)
	assert.Equal(t, MethodAPIKey, id.Method)

	_, err = a.AuthenticateHeader("Token abc")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestIdentityContext(t *testing.T) {
	a := newTestAuthenticator()
	ctx := WithIdentity(context.Background(), a.Bypass("stdio"))

	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "stdio", id.Subject)

	_, ok = IdentityFrom(context.Background())
	assert.False(t, ok)
}
