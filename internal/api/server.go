package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"taskboard/internal/telemetry"
	"taskboard/pkg/events"
	"taskboard/pkg/lifecycle"
)

// Server is the HTTP API server.
type Server struct {
	engine  *lifecycle.Engine
	auth    *Authenticator
	bus     *events.Bus
	metrics *telemetry.Metrics
	cors    string
	mux     *http.ServeMux
	handler http.Handler
}

// Options holds the optional collaborators of a Server.
type Options struct {
	Bus        *events.Bus        // enables GET /api/events/stream
	Metrics    *telemetry.Metrics // enables GET /metrics
	CORSOrigin string
}

// New creates a new Server.
func New(engine *lifecycle.Engine, auth *Authenticator, opts Options) *Server {
	s := &Server{
		engine:  engine,
		auth:    auth,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		cors:    opts.CORSOrigin,
		mux:     http.NewServeMux(),
	}
	s.routes()
	s.handler = requestID(s.accessLog(s.withCORS(s.mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	authed := func(h http.HandlerFunc) http.Handler { return s.auth.Require(h) }

	// Tasks
	s.mux.Handle("GET /api/tasks", authed(s.handleTaskList))
	s.mux.Handle("POST /api/tasks", authed(s.handleTaskCreate))
	s.mux.Handle("GET /api/tasks/{id}", authed(s.handleTaskGet))
	s.mux.Handle("PUT /api/tasks/{id}/notes", authed(s.handleTaskNotes))
	s.mux.Handle("PUT /api/tasks/{id}/plan", authed(s.handleTaskPlan))
	s.mux.Handle("PATCH /api/tasks/{id}/promote", authed(s.handleTaskPromote))
	s.mux.Handle("PATCH /api/tasks/{id}/demote", authed(s.handleTaskDemote))

	// Applications
	s.mux.Handle("GET /api/apps/{acronym}/permissions", authed(s.handlePermissions))

	// Events
	if s.bus != nil {
		s.mux.Handle("GET /api/events/stream", authed(s.handleEventStream))
	}

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput), errors.Is(err, lifecycle.ErrInvalidTransition):
		return 400
	case errors.Is(err, lifecycle.ErrForbidden):
		return 403
	case errors.Is(err, lifecycle.ErrApplicationNotFound), errors.Is(err, lifecycle.ErrTaskNotFound):
		return 404
	default:
		return 500
	}
}

// writeEngineError reports err to the client. Storage failures are logged
// and hidden behind a generic message.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == 500 {
		log.Printf("api: %s %s [%s]: %v", r.Method, r.URL.Path, RequestIDFrom(r.Context()), err)
		writeError(w, 500, "storage unavailable")
		return
	}
	writeError(w, code, err.Error())
}

func principal(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p
}
