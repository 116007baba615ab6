package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"farmtrade/services/dealsd/auth"
	"farmtrade/services/dealsd/models"
)

func setupMiddlewareTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func withIdentity(identity string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db := setupMiddlewareTestDB(t)
	var calls atomic.Int32
	handler := withIdentity("0xaaa", Idempotency(db, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, n)
	})))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set(IdempotencyHeader, "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("/api/v1/deals")
	require.Equal(t, http.StatusCreated, first.Code)
	second := send("/api/v1/deals")
	require.Equal(t, http.StatusCreated, second.Code)
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.Equal(t, int32(1), calls.Load())

	conflict := send("/api/v1/batches")
	require.Equal(t, http.StatusUnprocessableEntity, conflict.Code)
	require.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyIsScopedPerIdentityAndSkipsServerErrors(t *testing.T) {
	db := setupMiddlewareTestDB(t)
	var calls atomic.Int32
	status := http.StatusServiceUnavailable
	inner := Idempotency(db, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
	}))

	send := func(identity string) int {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.Header.Set(IdempotencyHeader, "shared")
		rec := httptest.NewRecorder()
		withIdentity(identity, inner).ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusServiceUnavailable, send("0xaaa"))
	status = http.StatusOK
	require.Equal(t, http.StatusOK, send("0xaaa"))
	require.Equal(t, http.StatusOK, send("0xbbb"))
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, http.StatusOK, send("0xaaa"))
	require.Equal(t, int32(3), calls.Load())
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	var rejected []string
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2}, func(reason string) {
		rejected = append(rejected, reason)
	})
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return frozen }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	hit := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusNoContent, hit("10.0.0.1:1234"))
	require.Equal(t, http.StatusNoContent, hit("10.0.0.1:1235"))
	require.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1:1236"))
	require.Equal(t, http.StatusNoContent, hit("10.0.0.2:1234"))
	require.Equal(t, []string{"rate_limit"}, rejected)

	frozen = frozen.Add(time.Second)
	require.Equal(t, http.StatusNoContent, hit("10.0.0.1:1237"))
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{}, nil)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}

type observation struct {
	route  string
	status int
}

type fakeObserver struct{ seen []observation }

func (f *fakeObserver) Observe(route, _ string, status int, _ time.Duration) {
	f.seen = append(f.seen, observation{route: route, status: status})
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	obs := &fakeObserver{}
	r := chi.NewRouter()
	r.Use(Metrics(obs))
	r.Get("/api/v1/deals/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deals/abc", nil))
	require.Equal(t, []observation{{route: "/api/v1/deals/{id}", status: http.StatusNotFound}}, obs.seen)
}

func TestIdempotencyKeyColumnFitsScopedKey(t *testing.T) {
	parsed, err := schema.Parse(&models.IdempotencyKey{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	identity := "0x" + strings.Repeat("a", 40)
	scoped := identity + ":" + strings.Repeat("k", maxIdempotencyKey)
	require.GreaterOrEqual(t, parsed.LookUpField("Key").Size, len(scoped))
	require.GreaterOrEqual(t, parsed.LookUpField("Identity").Size, len(identity))

	db := setupMiddlewareTestDB(t)
	handler := withIdentity(identity, Idempotency(db, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deals", strings.NewReader(`{}`))
	req.Header.Set(IdempotencyHeader, strings.Repeat("k", maxIdempotencyKey))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var stored models.IdempotencyKey
	require.NoError(t, db.First(&stored, "key = ?", scoped).Error)
	require.Equal(t, identity, stored.Identity)
}
