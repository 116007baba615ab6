package middleware

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"farmtrade/services/dealsd/auth"
	"farmtrade/services/dealsd/models"
)

// IdempotencyHeader names the client supplied replay key.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKey = 128

// Idempotency replays the stored response for a repeated key instead of
// executing the request again. Keys are scoped to the calling identity; a key
// reused for a different request is rejected with 422. Server errors are not
// stored so the client may retry them.
func Idempotency(db *gorm.DB, now func() time.Time, logger *slog.Logger) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}
			identity, _ := auth.IdentityFromContext(r.Context())
			scoped := identity + ":" + key

			var record models.IdempotencyKey
			err := db.WithContext(r.Context()).First(&record, "key = ?", scoped).Error
			switch {
			case err == nil:
				if record.Method != r.Method || record.Path != r.URL.Path {
					http.Error(w, "idempotency key reused for a different request", http.StatusUnprocessableEntity)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				logger.Error("idempotency lookup failed", slog.Any("error", err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			payload := models.IdempotencyKey{
				Key:       scoped,
				Identity:  identity,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    recorder.status,
				Response:  recorder.buf.String(),
				CreatedAt: now().UTC(),
			}
			if err := db.WithContext(r.Context()).Create(&payload).Error; err != nil {
				logger.Warn("idempotency record not stored", slog.Any("error", err))
			}
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
