package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "deals-test-secret"
	testIdentity = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	normalized   = "0xabcdef0123456789abcdef0123456789abcdef01"
)

func serve(t *testing.T, a *Authenticator, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	rec := httptest.NewRecorder()
	a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		seen = id
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	return rec, seen
}

func TestBearerTokenIdentity(t *testing.T) {
	a, err := New(Config{Secret: testSecret, Issuer: "farmtrade"})
	require.NoError(t, err)
	token, err := a.Issue(testIdentity, time.Now(), time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, identity := serve(t, a, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, normalized, identity)
}

func TestRejectsBadTokens(t *testing.T) {
	a, err := New(Config{Secret: testSecret, Issuer: "farmtrade"})
	require.NoError(t, err)

	expired, err := a.Issue(testIdentity, time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)

	other, err := New(Config{Secret: "another-secret", Issuer: "farmtrade"})
	require.NoError(t, err)
	forged, err := other.Issue(testIdentity, time.Now(), time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   testIdentity,
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	notAWallet, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "farmtrade",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	headers := map[string]string{
		"missing":      "",
		"basic scheme": "Basic Zm9vOmJhcg==",
		"expired":      "Bearer " + expired,
		"forged":       "Bearer " + forged,
		"issuer":       "Bearer " + wrongIssuer,
		"subject":      "Bearer " + notAWallet,
	}
	for name, header := range headers {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			req.Header.Set(DevIdentityHeader, testIdentity)
			rec := httptest.NewRecorder()
			a.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("request should not reach handler")
			})).ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestDevHeader(t *testing.T) {
	a, err := New(Config{DevHeader: true})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(DevIdentityHeader, testIdentity)
	rec, identity := serve(t, a, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, normalized, identity)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(DevIdentityHeader, "not-a-wallet")
	rec = httptest.NewRecorder()
	a.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("request should not reach handler")
	})).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewRequiresSecretWithoutDevHeader(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
