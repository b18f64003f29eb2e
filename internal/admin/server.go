// Package admin is iaxd's small HTTP face: a health check, a status
// snapshot of the engine/lines/trunks, and a Prometheus scrape endpoint.
// Grounded on the teacher's internal/api/server.go, much reduced in scope —
// iaxd has no admin database, sessions, or REST CRUD surface of its own.
package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/iaxd/internal/iax/engine"
	"github.com/flowpbx/iaxd/internal/metrics"
)

// EngineStatus is the slice of engine.Engine the admin surface reports on.
type EngineStatus interface {
	State() engine.State
	ActiveTransactionCount() int
	CallNumbersInUse() int
}

// LinesStatus exposes the configured registration lines for /status.
type LinesStatus interface {
	Lines() []metrics.LineStatusEntry
}

// TrunksStatus exposes active outbound trunks for /status.
type TrunksStatus interface {
	ActiveTrunks() []metrics.TrunkStatusEntry
}

// Server is the admin HTTP handler.
type Server struct {
	router    *chi.Mux
	engine    EngineStatus
	lines     LinesStatus
	trunks    TrunksStatus
	startTime time.Time
}

// NewServer builds the admin HTTP handler with all routes mounted. lines and
// trunks may be nil if that subsystem isn't wired into this process.
func NewServer(engine EngineStatus, lines LinesStatus, trunks TrunksStatus, startTime time.Time) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    engine,
		lines:     lines,
		trunks:    trunks,
		startTime: startTime,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(structuredLogger)
	r.Use(recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
}

// handleHealthz is an unauthenticated liveness probe: it reports ok as long
// as the process is up, regardless of the engine's own state.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type statusResponse struct {
	EngineState            string                      `json:"engine_state"`
	ActiveTransactionCount int                          `json:"active_transaction_count"`
	CallNumbersInUse       int                          `json:"call_numbers_in_use"`
	Lines                  []metrics.LineStatusEntry    `json:"lines,omitempty"`
	Trunks                 []metrics.TrunkStatusEntry   `json:"trunks,omitempty"`
}

// handleStatus returns a snapshot of the engine, its registration lines, and
// its active outbound trunks.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.engine != nil {
		resp.EngineState = s.engine.State().String()
		resp.ActiveTransactionCount = s.engine.ActiveTransactionCount()
		resp.CallNumbersInUse = s.engine.CallNumbersInUse()
	}
	if s.lines != nil {
		resp.Lines = s.lines.Lines()
	}
	if s.trunks != nil {
		resp.Trunks = s.trunks.ActiveTrunks()
	}
	writeJSON(w, http.StatusOK, resp)
}
