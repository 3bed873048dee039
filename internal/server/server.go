// Package server mounts the lookout HTTP API on a goa muxer.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"lookout/internal/auth"
	"lookout/internal/database"
	"lookout/internal/events"
	"lookout/internal/lifecycle"
	mw "lookout/internal/middleware"
	"lookout/internal/models"
	"lookout/internal/services"
)

// EventStore serves detection history and statistics
type EventStore interface {
	ListEvents(ctx context.Context, f database.EventFilter) ([]*events.Event, error)
	Summary(ctx context.Context) (*database.Summary, error)
	Classes(ctx context.Context, modelType string) ([]string, error)
	TopClasses(ctx context.Context, limit int, since time.Time) ([]database.ClassCount, error)
}

// Options wires the server to its services
type Options struct {
	Cameras       *services.Cameras
	Videos        *services.Videos
	Auth          *services.Auth
	Authenticator *auth.Authenticator
	Health        *services.Health
	System        *services.System
	Events        EventStore
	Models        *models.Registry

	// Live serves the WebSocket feed, Metrics the Prometheus scrape
	Live    http.Handler
	Metrics http.Handler

	CORSOrigins    []string
	MaxUploadBytes int64
	// FrameInterval paces MJPEG streams
	FrameInterval time.Duration
	Logger        *slog.Logger
	Debug         bool
}

// Server is the HTTP API
type Server struct {
	opts    Options
	mux     goahttp.Muxer
	handler http.Handler
	logger  *slog.Logger
}

// New builds the server and mounts every route
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 100 * time.Millisecond
	}

	s := &Server{
		opts:   opts,
		mux:    goahttp.NewMuxer(),
		logger: opts.Logger.With("component", "http"),
	}
	s.mount()

	var handler http.Handler = s.mux
	if opts.Debug {
		handler = httpmdlwr.Debug(s.mux, os.Stdout)(handler)
	}
	if opts.Authenticator != nil {
		handler = mw.AuthMiddleware(opts.Authenticator, mw.Guard{
			Prefixes: []string{"/api/", "/ws/"},
			Public:   []string{"/api/auth/login", "/api/auth/status"},
		})(handler)
	}
	handler = mw.CORS(opts.CORSOrigins)(handler)
	handler = s.accessLog(handler)
	handler = httpmdlwr.RequestID()(handler)
	s.handler = handler
	return s
}

// Handler returns the root handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) mount() {
	m := s.mux

	m.Handle(http.MethodGet, "/health", s.healthz)
	m.Handle(http.MethodGet, "/healthz", s.healthz)
	m.Handle(http.MethodGet, "/readyz", s.readyz)
	if s.opts.Metrics != nil {
		m.Handle(http.MethodGet, "/metrics", s.opts.Metrics.ServeHTTP)
	}
	if s.opts.Live != nil {
		m.Handle(http.MethodGet, "/ws/live", s.opts.Live.ServeHTTP)
	}

	m.Handle(http.MethodPost, "/api/auth/login", s.login)
	m.Handle(http.MethodGet, "/api/auth/status", s.authStatus)
	m.Handle(http.MethodGet, "/api/system/status", s.systemStatus)

	m.Handle(http.MethodGet, "/api/cameras", s.listCameras)
	m.Handle(http.MethodPost, "/api/cameras", s.createCamera)
	m.Handle(http.MethodGet, "/api/cameras/{id}", s.getCamera)
	m.Handle(http.MethodDelete, "/api/cameras/{id}", s.deleteCamera)

	m.Handle(http.MethodPost, "/api/streams/start-all", s.startAll)
	m.Handle(http.MethodPost, "/api/streams/stop-all", s.stopAll)
	m.Handle(http.MethodPost, "/api/streams/cameras/{id}/start", s.startCamera)
	m.Handle(http.MethodPost, "/api/streams/cameras/{id}/stop", s.stopCamera)
	m.Handle(http.MethodGet, "/api/streams/cameras/{id}/frame", s.cameraFrame)
	m.Handle(http.MethodGet, "/api/streams/cameras/{id}/mjpeg", s.cameraMJPEG)
	m.Handle(http.MethodGet, "/api/streams/cameras/{id}/status", s.cameraStatus)

	m.Handle(http.MethodPost, "/api/videos/upload", s.uploadVideo)
	m.Handle(http.MethodPost, "/api/videos/analyze", s.analyzeVideo)
	m.Handle(http.MethodGet, "/api/videos/{job}/status", s.jobStatus)
	m.Handle(http.MethodGet, "/api/videos/{job}/frame", s.jobFrame)
	m.Handle(http.MethodPost, "/api/videos/{job}/stop", s.stopJob)

	m.Handle(http.MethodGet, "/api/detections", s.listDetections)
	m.Handle(http.MethodGet, "/api/stats", s.statsSummary)
	m.Handle(http.MethodGet, "/api/stats/classes", s.statsClasses)
	m.Handle(http.MethodGet, "/api/stats/top-classes", s.topClasses)

	m.Handle(http.MethodGet, "/api/models", s.listModels)
	m.Handle(http.MethodGet, "/api/models/{*key}", s.getModel)
}

// writeJSON encodes v with the goa response encoder
func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError maps service errors to status codes. Unexpected errors are logged with the request id.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	if status == http.StatusInternalServerError {
		id, _ := ctx.Value(middleware.RequestIDKey).(string)
		body.RequestID = id
		body.Error = "internal error"
		s.logger.Error("request failed", "request_id", id, "error", err)
	}
	s.writeJSON(ctx, w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrCameraNotFound),
		errors.Is(err, services.ErrUploadNotFound),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, models.ErrUnknownKey):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidModelType),
		errors.Is(err, services.ErrUnsupportedFile),
		errors.Is(err, services.ErrInvalidCamera),
		errors.Is(err, models.ErrUnsupportedModelType),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, services.ErrUnauthorized),
		errors.Is(err, auth.ErrAuthDisabled):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrSourceOpen):
		return http.StatusBadGateway
	case errors.Is(err, lifecycle.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type message struct {
	Message string `json:"message"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Health.Healthz(r.Context()); err != nil {
		s.writeJSON(r.Context(), w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Health.Readyz(r.Context()); err != nil {
		s.writeJSON(r.Context(), w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ready"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.writeError(r.Context(), w, badRequest("invalid login body"))
		return
	}
	res, err := s.opts.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, res)
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, s.opts.Auth.Status(r.Context()))
}

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, s.opts.System.Status())
}

// accessLog logs one line per request
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		id, _ := r.Context().Value(middleware.RequestIDKey).(string)
		s.logger.Debug("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start))
	})
}

// statusWriter records the response status. It keeps Flush and Hijack reachable
// for MJPEG and WebSocket handlers.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
