// Package auth establishes the acting party identity of an API request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"farmtrade/services/dealsd/directory"
)

type contextKey string

const contextKeyIdentity contextKey = "party_identity"

// DevIdentityHeader carries the identity when development mode is enabled.
const DevIdentityHeader = "X-Party-Identity"

// Config controls token verification.
type Config struct {
	Secret string
	Issuer string
	// DevHeader accepts DevIdentityHeader without a token.
	DevHeader bool
	Leeway    time.Duration
}

// Authenticator resolves identities from bearer tokens.
type Authenticator struct {
	secret    []byte
	issuer    string
	devHeader bool
	leeway    time.Duration
}

// New constructs an authenticator.
func New(cfg Config) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" && !cfg.DevHeader {
		return nil, errors.New("auth: HS256 secret must not be empty")
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	return &Authenticator{
		secret:    []byte(secret),
		issuer:    strings.TrimSpace(cfg.Issuer),
		devHeader: cfg.DevHeader,
		leeway:    leeway,
	}, nil
}

// Verify parses token and returns the normalized subject.
func (a *Authenticator) Verify(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: token verification disabled")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	return directory.NormalizeIdentity(claims.Subject)
}

// Issue signs a token for subject valid for ttl.
func (a *Authenticator) Issue(subject string, now time.Time, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: no signing secret configured")
	}
	id, err := directory.NormalizeIdentity(subject)
	if err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Subject:   id,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without an identity and stores it on the
// request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, status, msg := a.identify(r)
		if status != 0 {
			http.Error(w, msg, status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (a *Authenticator) identify(r *http.Request) (string, int, string) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", http.StatusUnauthorized, "invalid authorization scheme"
		}
		identity, err := a.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			return "", http.StatusUnauthorized, "invalid authorization token"
		}
		return identity, 0, ""
	}
	if a.devHeader {
		if raw := strings.TrimSpace(r.Header.Get(DevIdentityHeader)); raw != "" {
			identity, err := directory.NormalizeIdentity(raw)
			if err != nil {
				return "", http.StatusUnauthorized, "invalid identity header"
			}
			return identity, 0, ""
		}
	}
	return "", http.StatusUnauthorized, "missing authorization"
}

// WithIdentity returns a context carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext extracts the identity attached by Middleware.
func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(contextKeyIdentity).(string)
	return identity, ok && identity != ""
}
