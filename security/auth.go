// Package security authenticates callers and validates their input.
package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrInvalidToken covers expired, malformed and badly signed bearer tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidAPIKey is returned for keys outside the configured set.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrMissingCredential is returned when no credential was presented.
	ErrMissingCredential = errors.New("missing credential")
	// ErrUnsupportedScheme is returned for Authorization schemes other than Bearer.
	ErrUnsupportedScheme = errors.New("unsupported authorization scheme")
	// ErrBearerNotConfigured is returned when a token arrives but no secret is set.
	ErrBearerNotConfigured = errors.New("bearer tokens not configured")
)

// Method is how an identity was established.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodBearer Method = "bearer"
	MethodBypass Method = "bypass"
)

// Claims is the payload of gateway bearer tokens.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated subject of one request or connection.
type Identity struct {
	ID      uuid.UUID
	Method  Method
	Claims  *Claims
	Subject string
}

// Config controls the Authenticator.
type Config struct {
	Enabled   bool
	APIKeys   []string
	JWTSecret string
	Issuer    string
}

// Credential is a parsed credential ready for validation.
type Credential struct {
	Method Method
	Value  string
}

// Authenticator validates API keys and HS256 bearer tokens.
type Authenticator struct {
	cfg   Config
	keys  [][]byte
	clock clockwork.Clock
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithClock sets the clock used for token expiry checks.
func WithClock(clock clockwork.Clock) AuthOption {
	return func(a *Authenticator) {
		a.clock = clock
	}
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg Config, opts ...AuthOption) *Authenticator {
	a := &Authenticator{cfg: cfg, clock: clockwork.NewRealClock()}
	for _, key := range cfg.APIKeys {
		if key != "" {
			a.keys = append(a.keys, []byte(key))
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether credentials are checked at all.
func (a *Authenticator) Enabled() bool {
	return a.cfg.Enabled
}

// Bypass returns an identity for a trusted channel such as stdio.
func (a *Authenticator) Bypass(subject string) *Identity {
	return BypassIdentity(subject)
}

// BypassIdentity is Bypass without an Authenticator, for channels that
// never check credentials.
func BypassIdentity(subject string) *Identity {
	return &Identity{ID: uuid.New(), Method: MethodBypass, Subject: subject}
}

// Authenticate validates cred. With authentication disabled every call
// succeeds with a bypass identity.
func (a *Authenticator) Authenticate(cred Credential) (*Identity, error) {
	if !a.cfg.Enabled {
		return a.Bypass("local"), nil
	}
	switch cred.Method {
	case MethodAPIKey:
		return a.AuthenticateAPIKey(cred.Value)
	case MethodBearer:
		return a.AuthenticateBearer(cred.Value)
	default:
		return nil, ErrMissingCredential
	}
}

// AuthenticateHeader parses an Authorization header value and validates it.
func (a *Authenticator) AuthenticateHeader(header string) (*Identity, error) {
	if !a.cfg.Enabled {
		return a.Bypass("local"), nil
	}
	cred, err := ParseCredential(header)
	if err != nil {
		return nil, err
	}
	return a.Authenticate(cred)
}

// AuthenticateAPIKey checks key against the configured set.
func (a *Authenticator) AuthenticateAPIKey(key string) (*Identity, error) {
	if !a.cfg.Enabled {
		return a.Bypass("local"), nil
	}
	if key == "" {
		return nil, ErrMissingCredential
	}
	presented := []byte(key)
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k, presented) == 1 {
			return &Identity{
				ID:      uuid.New(),
				Method:  MethodAPIKey,
				Subject: RedactKey(key),
			}, nil
		}
	}
	return nil, ErrInvalidAPIKey
}

// AuthenticateBearer validates an HS256 token signed with the configured secret.
func (a *Authenticator) AuthenticateBearer(token string) (*Identity, error) {
	if !a.cfg.Enabled {
		return a.Bypass("local"), nil
	}
	if token == "" {
		return nil, ErrMissingCredential
	}
	if a.cfg.JWTSecret == "" {
		return nil, ErrBearerNotConfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return &Identity{
		ID:      uuid.New(),
		Method:  MethodBearer,
		Claims:  claims,
		Subject: claims.Subject,
	}, nil
}

// IssueToken signs a token for subject valid for ttl.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", ErrBearerNotConfigured
	}
	now := a.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecret))
}

// ParseCredential inspects an Authorization header value. A "Bearer " prefix
// is required; the token is treated as a JWT when it has JWT shape and as an
// API key otherwise.
func ParseCredential(header string) (Credential, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, "bearer") {
		return Credential{}, ErrMissingCredential
	}

	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return Credential{}, ErrUnsupportedScheme
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Credential{}, ErrMissingCredential
	}

	if LooksLikeJWT(value) {
		return Credential{Method: MethodBearer, Value: value}, nil
	}
	return Credential{Method: MethodAPIKey, Value: value}, nil
}

// LooksLikeJWT reports whether s has the shape of a compact JWS.
func LooksLikeJWT(s string) bool {
	return strings.HasPrefix(s, "eyJ") && strings.Count(s, ".") == 2
}

// RedactKey returns the loggable subject for an API key.
func RedactKey(key string) string {
	if len(key) > 8 {
		key = key[:8]
	}
	return "api_key:" + key
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached to ctx, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
