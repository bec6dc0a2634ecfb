// Package api serves today's usage, projected sessions and day summaries over
// HTTP, and accepts new events into the log.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/devicestate"
	"github.com/goodtune/usagetrail/internal/policy"
	"github.com/goodtune/usagetrail/internal/storage"
	"github.com/goodtune/usagetrail/internal/usage"
)

// StateReader exposes the live device state.
type StateReader interface {
	State() devicestate.State
}

// Deps are the components the API reads from. Policy may be nil.
type Deps struct {
	Store      storage.EventStore
	Accounting *usage.Accounting
	History    *usage.History
	State      StateReader
	Policy     *policy.Engine
	Clock      clock.TimeSource
	Location   *time.Location
}

// Server routes API requests.
type Server struct {
	deps   Deps
	router *mux.Router
	logger zerolog.Logger
}

// NewServer creates the API handler. Routes are registered under /api.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(loggingMiddleware(s.logger))

	s.router.HandleFunc("/api/today", s.handleToday).Methods("GET")
	s.router.HandleFunc("/api/today/{package}", s.handleTodayPackage).Methods("GET")
	s.router.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/api/state", s.handleState).Methods("GET")
	s.router.HandleFunc("/api/events", s.handleAppendEvent).Methods("POST")
	s.router.HandleFunc("/api/accounting/invalidate", s.handleInvalidate).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
