package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"clinic-tasks/pkg/assistant"
	"clinic-tasks/pkg/engine"
	"clinic-tasks/pkg/lifecycle"
	"clinic-tasks/pkg/notify"
	"clinic-tasks/pkg/task"
)

// ActorHeader carries the acting assistant's id. Authentication happens in
// front of this server.
const ActorHeader = "X-Assistant-ID"

// Server is the HTTP API server.
type Server struct {
	svc     *engine.Service
	tasks   task.Store
	staff   assistant.Store
	feed    notify.Feed
	log     logrus.FieldLogger
	loc     *time.Location
	days    int
	mux     *http.ServeMux
	handler http.Handler

	// Heartbeat is the SSE keep-alive period.
	Heartbeat time.Duration
}

// Options carries the settings of a Server.
type Options struct {
	Location   *time.Location
	WindowDays int
}

// New creates a new Server.
func New(svc *engine.Service, tasks task.Store, staff assistant.Store, feed notify.Feed, log logrus.FieldLogger, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	s := &Server{
		svc:       svc,
		tasks:     tasks,
		staff:     staff,
		feed:      feed,
		log:       log,
		loc:       opts.Location,
		days:      opts.WindowDays,
		mux:       http.NewServeMux(),
		Heartbeat: 15 * time.Second,
	}
	s.routes()
	s.handler = s.requestLog(MetricsMiddleware(s.mux))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Board
	s.mux.HandleFunc("GET /api/clinics/{clinic}/board", s.handleBoard)
	s.mux.HandleFunc("GET /api/clinics/{clinic}/stream", s.handleStream)

	// Tasks
	s.mux.HandleFunc("POST /api/clinics/{clinic}/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleTaskDelete)
	s.mux.HandleFunc("POST /api/tasks/{id}/reassign", s.handleTaskReassign)
	s.mux.HandleFunc("POST /api/tasks/{id}/{command}", s.handleTaskCommand)

	// Assistants
	s.mux.HandleFunc("GET /api/clinics/{clinic}/assistants", s.handleAssistantList)
	s.mux.HandleFunc("POST /api/clinics/{clinic}/assistants", s.handleAssistantRegister)
	s.mux.HandleFunc("DELETE /api/assistants/{id}", s.handleAssistantRemove)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", MetricsHandler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func actorID(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

// member checks that the acting assistant belongs to clinic. On failure it has
// already written the response.
func (s *Server) member(w http.ResponseWriter, r *http.Request, clinic string) (string, bool) {
	actor := actorID(r)
	if actor == "" {
		writeError(w, 401, ActorHeader+" header is required")
		return "", false
	}
	a, err := s.staff.Get(r.Context(), actor)
	if err != nil {
		s.fail(w, r, err)
		return "", false
	}
	if a.ClinicID != clinic {
		writeError(w, 403, "assistant does not belong to this clinic")
		return "", false
	}
	return actor, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("write json")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps an engine or store error to its HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= 500 {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	var forbidden *engine.ForbiddenError
	switch {
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, task.ErrStaleWrite):
		return http.StatusConflict
	case errors.Is(err, task.ErrNotFound), errors.Is(err, assistant.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalid), errors.Is(err, assistant.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrTransport):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
