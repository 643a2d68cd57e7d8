// Package control implements rcssd's HTTP control surface: restart,
// health, and room inspection endpoints, grounded on buildkite-agent's
// jobapi package (go-chi routing, a Bearer-style JSON error envelope, and a
// small middleware stack) but with no auth token — control is expected to
// sit behind a private network boundary, matching the engine's own trust
// model.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/buildkite/rcssd/internal/logger"
)

// Controller is the subset of the Supervisor Shell the control surface
// needs. Defined here (rather than imported from internal/shell) so that
// control has no dependency on shell; cmd/rcssd's daemon, which combines
// the Shell with the Session Manager, satisfies this interface.
type Controller interface {
	Restart(ctx context.Context, force bool) error
	Health(ctx context.Context) HealthReport
	RoomClients() []RoomClient
	ClearRoom() int
}

// HealthReport is the /health response body.
type HealthReport struct {
	ProcessStatus string `json:"process_status"`
	MatchStatus   string `json:"match_status"`
	Pid           int    `json:"pid,omitempty"`
}

// RoomClient describes one connected remote client for /room.
type RoomClient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
}

// ErrorResponse is the JSON body of every non-2xx response, matching
// buildkite-agent's jobapi.ErrorResponse shape.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server serves the control HTTP surface.
type Server struct {
	ctrl Controller
	log  logger.Logger
}

// New constructs a Server around ctrl.
func New(ctrl Controller, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewBuffer()
	}
	return &Server{ctrl: ctrl, log: log.WithFields(logger.StringField("component", "control"))}
}

// Router returns the chi routes this server serves.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		jsonHeaders,
	)
	r.Get("/health", s.handleHealth)
	r.Post("/control/restart", s.handleRestart)
	r.Get("/room", s.handleRoomGet)
	r.Delete("/room", s.handleRoomDelete)
	return r
}

func jsonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.ctrl.Health(r.Context())
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(report)
}

type restartRequest struct {
	Force bool `json:"force"`
}

type restartResponse struct {
	Restarted bool `json:"restarted"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, err, http.StatusBadRequest)
			return
		}
	}

	if err := s.ctrl.Restart(r.Context(), req.Force); err != nil {
		writeError(w, fmt.Errorf("Restart Failed: %w", err), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(restartResponse{Restarted: true})
}

func (s *Server) handleRoomGet(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.ctrl.RoomClients())
}

type roomDeleteResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleRoomDelete(w http.ResponseWriter, r *http.Request) {
	n := s.ctrl.ClearRoom()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(roomDeleteResponse{Removed: n})
}

func writeError(w http.ResponseWriter, err error, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}
