package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/ingest"
	"bus-tracker/internal/route"
)

// Tracker is the part of the ingestion service the HTTP layer needs.
type Tracker interface {
	ManualUpdate(ctx context.Context, actor ingest.Actor, busID string, lat, lon float64) (ingest.Result, error)
	BusView(ctx context.Context, busID string) (fleet.BusState, []route.CoveragePoint, bool, error)
	List(ctx context.Context) ([]fleet.BusState, error)
	Route(ctx context.Context, name string) (*route.Geometry, error)
}

// Commands publishes driver-bound commands. Connected feeds /health.
type Commands interface {
	PublishCommand(busID string, cmd json.RawMessage) error
	Connected() bool
}

const (
	headerRole = "X-User-Role"
	headerBus  = "X-User-Bus"

	maxBodyBytes = 64 << 10
)

type Server struct {
	tracker  Tracker
	commands Commands
	validate *validator.Validate
	router   *mux.Router
}

// NewServer wires the HTTP routes. commands may be nil, in which case the
// command endpoint answers 503.
func NewServer(t Tracker, commands Commands) *Server {
	s := &Server{
		tracker:  t,
		commands: commands,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   mux.NewRouter(),
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/buses/location", s.handleUpdateLocation).Methods(http.MethodPost)
	api.HandleFunc("/buses/locations", s.handleListLocations).Methods(http.MethodGet)
	api.HandleFunc("/buses/{busId}/location", s.handleBusLocation).Methods(http.MethodGet)
	api.HandleFunc("/buses/{busId}/coverage", s.handleCoverage).Methods(http.MethodGet)
	api.HandleFunc("/buses/{busId}/command", s.handleCommand).Methods(http.MethodPost)
	api.HandleFunc("/routes/{routeName}", s.handleRoute).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type updateLocationRequest struct {
	BusID     string   `json:"busId" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

type updateLocationResponse struct {
	Message        string                `json:"message"`
	BusID          string                `json:"busId"`
	Location       fleet.Location        `json:"location"`
	RouteName      string                `json:"routeName,omitempty"`
	StopIndex      int                   `json:"stopIndex"`
	Stale          bool                  `json:"stale"`
	CoveragePoints []route.CoveragePoint `json:"coveragePoints"`
}

func actorFrom(r *http.Request) (ingest.Actor, bool) {
	role := strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole)))
	if role == "" {
		return ingest.Actor{}, false
	}
	return ingest.Actor{Role: role, BusID: strings.TrimSpace(r.Header.Get(headerBus))}, true
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		httpError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	var req updateLocationRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpError(w, http.StatusBadRequest, "busId, latitude and longitude are required")
		return
	}

	res, err := s.tracker.ManualUpdate(r.Context(), actor, req.BusID, *req.Latitude, *req.Longitude)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, updateLocationResponse{
		Message:        "Bus location updated",
		BusID:          res.State.BusID,
		Location:       res.State.Location,
		RouteName:      res.State.RouteName,
		StopIndex:      res.State.StopIndex,
		Stale:          res.Stale,
		CoveragePoints: res.Coverage,
	})
}

type busLocationResponse struct {
	fleet.BusState
	CoveragePoints []route.CoveragePoint `json:"coveragePoints"`
	LastUpdated    time.Time             `json:"lastUpdated"`
}

func (s *Server) handleBusLocation(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["busId"]
	st, cov, ok, err := s.tracker.BusView(r.Context(), busID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		httpError(w, http.StatusNotFound, "no location for bus")
		return
	}
	writeJSON(w, busLocationResponse{BusState: st, CoveragePoints: cov, LastUpdated: st.Location.ObservedAt})
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["busId"]
	_, cov, _, err := s.tracker.BusView(r.Context(), busID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"busId": busID, "coveragePoints": cov})
}

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	states, err := s.tracker.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if states == nil {
		states = []fleet.BusState{}
	}
	writeJSON(w, map[string]any{"buses": states})
}

type routeResponse struct {
	*route.Geometry
	Polyline string `json:"polyline"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	g, err := s.tracker.Route(r.Context(), mux.Vars(r)["routeName"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, routeResponse{Geometry: g, Polyline: g.EncodedPolyline()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		httpError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	if actor.Role != "admin" {
		httpError(w, http.StatusForbidden, "admin role required")
		return
	}
	if s.commands == nil {
		httpError(w, http.StatusServiceUnavailable, "command channel unavailable")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	busID := mux.Vars(r)["busId"]
	if err := s.commands.PublishCommand(busID, body); err != nil {
		slog.Warn("command publish failed", "bus", busID, "err", err)
		httpError(w, http.StatusServiceUnavailable, "command not published")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": "Command sent", "busId": busID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	nats := false
	if s.commands != nil {
		nats = s.commands.Connected()
	}
	writeJSON(w, map[string]any{"status": "ok", "nats": nats})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrForbidden):
		httpError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, fleet.ErrUnknownBus):
		httpError(w, http.StatusNotFound, "bus not found")
	case errors.Is(err, route.ErrRouteNotFound):
		httpError(w, http.StatusNotFound, "route not found")
	case errors.Is(err, ingest.ErrInvalidLocation):
		httpError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "err", err)
		httpError(w, http.StatusServiceUnavailable, "state store unavailable")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
