package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/site-logistics/internal/delivery"
	"github.com/example/site-logistics/internal/dispatch"
	"github.com/example/site-logistics/internal/fleet"
	"github.com/example/site-logistics/internal/geo"
	"github.com/example/site-logistics/internal/ingest"
	"github.com/example/site-logistics/internal/models"
	"github.com/example/site-logistics/internal/storage"
)

const (
	defaultNearbyLimit = 20
	maxBodyBytes       = 1 << 20
)

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Delivery *delivery.Service
	Tracker  *ingest.Tracker
	Hub      *ingest.Hub
	Fleet    *fleet.Aggregator
	Locator  geo.Locator
	WarRoom  *dispatch.WarRoom
	Health   map[string]Pinger
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router

	socketMu     sync.Mutex
	trackSockets map[string]struct{}
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger, validate: validator.New(), mux: mux.NewRouter(), trackSockets: make(map[string]struct{})}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}", s.handleGetProject).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/tickets", s.handleCreateTicket).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/board", s.handleBoard).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/nearby", s.handleNearby).Methods(http.MethodGet)

	api.HandleFunc("/tickets/code/{code}", s.handleGetTicketByCode).Methods(http.MethodGet)
	api.HandleFunc("/tickets/{id}", s.handleGetTicket).Methods(http.MethodGet)
	api.HandleFunc("/tickets/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id}/tracking/start", s.handleStartTracking).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id}/tracking/stop", s.handleStopTracking).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id}/samples", s.handleSample).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id}/arrive", s.handleArrive).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id}/eta", s.handleETA).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/track/{ticket_id}", s.handleTrackWS)
	s.mux.HandleFunc("/ws/warroom/{project_id}", s.handleWarRoomWS)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createProjectRequest struct {
	Name     string   `json:"name" validate:"required,max=200"`
	Address  string   `json:"address" validate:"max=500"`
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lng      *float64 `json:"lng" validate:"required,longitude"`
	Timezone string   `json:"timezone" validate:"omitempty,timezone"`
}

type createTicketRequest struct {
	Material          string `json:"material" validate:"required,max=200"`
	Quantity          string `json:"quantity" validate:"max=100"`
	Division          string `json:"division" validate:"max=100"`
	VehicleClass      string `json:"vehicle_class" validate:"omitempty,oneof=pickup box-truck flatbed semi"`
	RequiresEquipment bool   `json:"requires_equipment"`
	AnticipatedTime   string `json:"anticipated_time" validate:"max=16"`
}

type claimRequest struct {
	ClaimedBy string `json:"claimed_by" validate:"required,max=100"`
}

// sampleRequest carries either a fix or a device-side error. Range checks are
// left to ingestion, which drops malformed fixes without failing the request.
type sampleRequest struct {
	Lat         *float64 `json:"lat" validate:"required_without=Error"`
	Lng         *float64 `json:"lng" validate:"required_without=Error"`
	Accuracy    *float64 `json:"accuracy" validate:"omitempty,gte=0"`
	TimestampMs int64    `json:"timestamp_ms" validate:"gte=0"`
	Error       string   `json:"error" validate:"omitempty,oneof=permission_denied unsupported timeout"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.deps.Delivery.CreateProject(r.Context(), delivery.NewProject{
		Name:        req.Name,
		Address:     req.Address,
		Destination: models.Coordinate{Lat: *req.Lat, Lng: *req.Lng},
		Timezone:    req.Timezone,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Delivery.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !s.decode(w, r, &req) {
		return
	}
	in := delivery.NewTicket{
		ProjectID:         mux.Vars(r)["id"],
		Material:          req.Material,
		Quantity:          req.Quantity,
		Division:          req.Division,
		VehicleClass:      models.VehicleClass(req.VehicleClass),
		RequiresEquipment: req.RequiresEquipment,
		AnticipatedTime:   req.AnticipatedTime,
	}
	t, err := s.deps.Delivery.CreateTicket(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Fleet.Ensure(id); err != nil {
		s.writeError(w, err)
		return
	}
	b, err := s.deps.Fleet.Current(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Fleet.Ensure(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": id, "alerts": s.deps.Fleet.Feed(id)})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := s.deps.Delivery.GetProject(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	radius, limit := 0.0, defaultNearbyLimit
	if v := r.URL.Query().Get("radius_mi"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid radius_mi"})
			return
		}
		radius = f
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}
	hits, err := s.deps.Locator.Nearest(id, p.Destination, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hits == nil {
		hits = []geo.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": id, "hits": hits})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Delivery.GetTicket(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTicketByCode(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Delivery.GetTicketByCode(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.deps.Delivery.ClaimTicket(r.Context(), mux.Vars(r)["id"], req.ClaimedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h, err := s.deps.Tracker.StartWatch(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket_id": h.TicketID, "active": h.Active()})
}

func (s *Server) handleStopTracking(w http.ResponseWriter, r *http.Request) {
	s.deps.Tracker.StopTicket(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.push(mux.Vars(r)["id"], req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) push(ticketID string, req sampleRequest) error {
	if req.Error != "" {
		return s.deps.Hub.Fail(ticketID, sourceError(req.Error))
	}
	return s.deps.Hub.Push(ticketID, ingest.RawSample{
		Lat:         *req.Lat,
		Lng:         *req.Lng,
		Accuracy:    req.Accuracy,
		TimestampMs: req.TimestampMs,
	})
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Delivery.ConfirmArrival(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	est, err := s.deps.Delivery.TicketETA(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket_id": id, "eta": est})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func sourceError(kind string) error {
	switch kind {
	case "permission_denied":
		return ingest.ErrPermissionDenied
	case "unsupported":
		return ingest.ErrUnsupported
	default:
		return ingest.ErrSampleTimeout
	}
}

type errorBody struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, err)
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation failed", Fields: fields})
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrTicketNotFound), errors.Is(err, storage.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, delivery.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrInvalidTransition),
		errors.Is(err, delivery.ErrNoLocation),
		errors.Is(err, ingest.ErrNotClaimed),
		errors.Is(err, ingest.ErrTicketArrived),
		errors.Is(err, ingest.ErrNoActiveWatch),
		errors.Is(err, errSocketAttached):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ingest.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
