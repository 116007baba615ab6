package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"farmtrade/native/deal"
	"farmtrade/observability/logging"
	"farmtrade/services/dealsd/auth"
	"farmtrade/services/dealsd/coordinator"
	"farmtrade/services/dealsd/directory"
	dealsmw "farmtrade/services/dealsd/middleware"
)

const maxBodyBytes = 1 << 20

// Display is the pass-through display currency applied to deal totals.
type Display struct {
	Currency string
	Rate     decimal.Decimal
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Coordinator *coordinator.Coordinator
	Directory   *directory.Directory
	Auth        *auth.Authenticator
	DB          *gorm.DB
	RateLimit   dealsmw.RateLimit
	Display     Display
	Logger      *slog.Logger
	Observer    dealsmw.Observer
	OnThrottle  func(reason string)
	Now         func() time.Time
}

// Server exposes the deal lifecycle over HTTP. It holds no lifecycle logic of
// its own; every request is translated into one coordinator or directory call.
type Server struct {
	coord     *coordinator.Coordinator
	directory *directory.Directory
	auth      *auth.Authenticator
	db        *gorm.DB
	display   Display
	logger    *slog.Logger
	now       func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil || cfg.Directory == nil || cfg.Auth == nil || cfg.DB == nil {
		return nil, errors.New("server: coordinator, directory, auth and db are required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		coord:     cfg.Coordinator,
		directory: cfg.Directory,
		auth:      cfg.Auth,
		db:        cfg.DB,
		display:   cfg.Display,
		logger:    logging.Component(cfg.Logger, "http"),
		now:       now,
	}
	s.router = s.buildRouter(cfg)
	return s, nil
}

// Handler exposes the instrumented HTTP router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "dealsd")
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	if cfg.Observer != nil {
		r.Use(dealsmw.Metrics(cfg.Observer))
	}

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	limiter := dealsmw.NewRateLimiter(cfg.RateLimit, cfg.OnThrottle)
	idempotent := dealsmw.Idempotency(s.db, s.now, s.logger)

	r.Group(func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(limiter.Middleware)
		api.Use(idempotent)

		api.Route("/api/v1", func(v1 chi.Router) {
			v1.Post("/parties", s.registerParty)
			v1.Get("/parties/{identity}", s.getParty)
			v1.Put("/parties/{identity}/role", s.assignRole)

			v1.Post("/batches", s.listBatch)
			v1.Get("/batches", s.listBatches)
			v1.Get("/batches/{id}", s.getBatch)

			v1.Post("/deals", s.createDeal)
			v1.Get("/deals", s.listDeals)
			v1.Get("/deals/{id}", s.getDeal)
			v1.Get("/deals/{id}/signatures", s.getSignatures)
			v1.Get("/deals/{id}/events", s.getEvents)
			v1.Post("/deals/{id}/accept", s.acceptCarrier)
			v1.Post("/deals/{id}/sign", s.sign)
			v1.Post("/deals/{id}/escrow/lock", s.recordLock)
			v1.Post("/deals/{id}/escrow/payout", s.recordPayout)
			v1.Post("/deals/{id}/deadline", s.extendDeadline)
		})
		api.Post("/ops/sweep", s.sweep)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.logger.Error("health check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorCode maps domain sentinels onto HTTP statuses. It is the only place
// where that translation happens.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, deal.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, deal.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, deal.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, deal.ErrAlreadySigned):
		return http.StatusConflict, "already_signed"
	case errors.Is(err, deal.ErrAlreadyLocked):
		return http.StatusConflict, "already_locked"
	case errors.Is(err, deal.ErrAlreadyPaidOut):
		return http.StatusConflict, "already_paid_out"
	case errors.Is(err, deal.ErrAlreadyAssigned):
		return http.StatusConflict, "already_assigned"
	case errors.Is(err, deal.ErrAssetUnavailable):
		return http.StatusConflict, "asset_unavailable"
	case errors.Is(err, deal.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, deal.ErrConcurrentUpdate):
		return http.StatusServiceUnavailable, "concurrent_update"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &badRequest{err: err}
	}
	return nil
}

type badRequest struct{ err error }

func (b *badRequest) Error() string { return "invalid request body: " + b.err.Error() }

func (b *badRequest) Unwrap() []error { return []error{deal.ErrInvalidArgument, b.err} }

func identity(r *http.Request) string {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, &badRequest{err: err}
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}
