// Package middleware holds the HTTP middleware shared by the deals API.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Observer records one finished request.
type Observer interface {
	Observe(route, method string, status int, duration time.Duration)
}

// Metrics reports every request to obs under its chi route pattern so that
// path parameters do not explode label cardinality.
func Metrics(obs Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			route := "unknown"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			obs.Observe(route, r.Method, recorder.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
