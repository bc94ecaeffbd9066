package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/r3labs/sse/v2"

	"github.com/rendis/flowplane/internal/compile"
	"github.com/rendis/flowplane/internal/scheduler"
	"github.com/rendis/flowplane/internal/store"
	"github.com/rendis/flowplane/internal/streaming"
	"github.com/rendis/flowplane/pkg/schema"
)

// Activator is the executor surface the API needs.
type Activator interface {
	Activate(ctx context.Context, act *schema.Activation) (*schema.Run, error)
	CancelRun(runID string) bool
}

// Deps holds the dependencies for the operator API server.
type Deps struct {
	Store     store.Store
	Executor  Activator
	Scheduler *scheduler.Scheduler
	Compiler  *compile.Compiler
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server exposes the control plane over HTTP: workflow publishing and
// reads, manual activation, run inspection, live run event streams, and
// schedule management.
type Server struct {
	deps   Deps
	events *sse.Server

	mu       sync.Mutex
	attached map[string]chan struct{}
}

// NewServer creates an API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, attached: make(map[string]chan struct{})}
	s.events = sse.New()
	s.events.AutoReplay = true
	s.events.AutoStream = false
	s.events.OnSubscribe = func(streamID string, _ *sse.Subscriber) {
		s.signalAttached(streamID)
	}
	return s
}

// awaitAttach registers a channel that closes once a subscriber connects
// to the given stream.
func (s *Server) awaitAttach(streamID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.attached[streamID] = ch
	return ch
}

func (s *Server) signalAttached(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.attached[streamID]; ok {
		close(ch)
		delete(s.attached, streamID)
	}
}

func (s *Server) forgetAttach(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, streamID)
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/workflows", s.handlePublishWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/versions", s.handleListVersions).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/versions/{version}", s.handleGetVersion).Methods(http.MethodGet)

	api.HandleFunc("/runs", s.handleStartRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/nodes", s.handleRunNodes).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/events", s.handleRunEvents).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)

	api.HandleFunc("/schedules", s.handleUpsertSchedule).Methods(http.MethodPost)
	api.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods(http.MethodGet)
	api.HandleFunc("/schedules/{id}", s.handleDeleteSchedule).Methods(http.MethodDelete)
	api.HandleFunc("/schedules/{id}/pause", s.handlePauseSchedule).Methods(http.MethodPatch)
	api.HandleFunc("/schedules/{id}/runs", s.handleListScheduleRuns).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps structured error codes onto HTTP statuses and
// returns the full error document to the caller.
func writeFlowError(w http.ResponseWriter, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch fe.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeCronInvalid, schema.ErrCodeTzInvalid, schema.ErrCodeExpression:
		status = http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, fe)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
