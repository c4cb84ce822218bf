// Package api is the HTTP control surface of the webphone: accounts, calls
// and audio are driven through JSON endpoints, and host notifications are
// streamed as server-sent events.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/webphone/internal/api/middleware"
	"github.com/flowpbx/webphone/internal/audio"
	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/session"
	"github.com/flowpbx/webphone/internal/store"
)

// CallHistory is the read side of the call history store.
type CallHistory interface {
	List(ctx context.Context, filter store.HistoryFilter) ([]store.CallEntry, int, error)
	Get(ctx context.Context, id int64) (*store.CallEntry, error)
}

// Config configures the API server.
type Config struct {
	Version string
	// JWTSecret enables bearer-token auth when non-empty.
	JWTSecret   []byte
	CORSOrigins []string
	// TLS reports that the API is served over TLS.
	TLS       bool
	RateLimit middleware.RateLimitConfig
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	client    *session.Client
	history   CallHistory
	metrics   http.Handler
	events    *Hub
	limiter   *middleware.IPRateLimiter
	cfg       Config
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates the HTTP handler with all routes mounted. history and
// metrics may be nil.
func NewServer(client *session.Client, history CallHistory, metrics http.Handler, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "api")
	if cfg.RateLimit.Rate == 0 {
		cfg.RateLimit = middleware.DefaultRateLimitConfig()
	}
	s := &Server{
		router:    chi.NewRouter(),
		client:    client,
		history:   history,
		metrics:   metrics,
		events:    NewHub(logger),
		limiter:   middleware.NewIPRateLimiter(cfg.RateLimit, logger),
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Events returns the notification hub.
func (s *Server) Events() *Hub { return s.events }

// Close ends every event stream and stops the rate limiter.
func (s *Server) Close() {
	s.events.Close()
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.cfg.TLS))
	r.Use(middleware.CORS(s.cfg.CORSOrigins))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(s.cfg.JWTSecret))

			r.Get("/status", s.handleStatus)
			r.Post("/log", s.handleLog)
			r.Get("/events", s.handleEvents)

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", s.handleListAccounts)
				r.Post("/", s.handleCreateAccount)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetAccount)
					r.Delete("/", s.handleDeleteAccount)
					r.Post("/register", s.handleRegisterAccount)
					r.Post("/unregister", s.handleUnregisterAccount)
					r.Post("/calls", s.handleMakeCall)
				})
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Get("/history", s.handleListHistory)
				r.Get("/history/{entryID}", s.handleGetHistory)
				r.Route("/{callID}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Post("/answer", s.handleAnswerCall())
					r.Post("/hangup", s.handleHangupCall())
					r.Post("/hold", s.handleHoldCall())
					r.Post("/unhold", s.handleUnholdCall())
					r.Post("/dtmf", s.handleSendDTMF)
					r.Post("/transfer", s.handleTransferCall)
					r.Post("/replace", s.handleReplaceCall)
				})
			})

			r.Route("/audio", func(r chi.Router) {
				r.Get("/devices", s.handleAudioDevices)
				r.Put("/device", s.handleSetAudioDevice)
				r.Get("/volume", s.handleGetVolume)
				r.Put("/volume", s.handleSetVolume)
				r.Get("/levels", s.handleAudioLevels)
				r.Post("/wav", s.handleStartWav)
				r.Delete("/wav", s.handleStopWav)
			})
		})
	})
}

// errorStatus maps session, audio, store and engine errors to HTTP status
// codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrAccountNotFound),
		errors.Is(err, session.ErrCallNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidDTMF),
		errors.Is(err, session.ErrNoServer),
		errors.Is(err, session.ErrNoDestination),
		errors.Is(err, session.ErrBadDestination),
		errors.Is(err, session.ErrInvalidCall),
		errors.Is(err, audio.ErrInvalidWav):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAccountGone),
		errors.Is(err, session.ErrCallEnded),
		errors.Is(err, session.ErrCallInProgress),
		errors.Is(err, session.ErrAlreadyRinging),
		errors.Is(err, session.ErrNotRegistered),
		errors.Is(err, audio.ErrWavActive),
		errors.Is(err, engine.ErrInvalidOp):
		return http.StatusConflict
	case session.IsClosed(err),
		errors.Is(err, audio.ErrClosed),
		errors.Is(err, engine.ErrClosed),
		errors.Is(err, engine.ErrTooManyCalls):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeSessionError writes err with its mapped status. Unexpected errors
// are logged and reported without detail.
func (s *Server) writeSessionError(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}
