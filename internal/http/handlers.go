// Package httpapi exposes the presence coordinator to dispatchers and
// driver clients over HTTP and websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-presence/internal/geo"
	"github.com/example/driver-presence/internal/liveness"
	"github.com/example/driver-presence/internal/models"
	"github.com/example/driver-presence/internal/presence"
	"github.com/example/driver-presence/internal/profiles"
	"github.com/example/driver-presence/internal/storage"
)

// PayoutLinker is the slice of the payout collaborator the API needs.
type PayoutLinker interface {
	EnsureAccount(ctx context.Context, email string) (string, error)
	OnboardingLink(ctx context.Context, accountID string) (string, error)
}

// Config carries the request-handling tunables.
type Config struct {
	StoreTimeout       time.Duration
	NearbyDefaultLimit int
}

type Server struct {
	coord    *presence.Coordinator
	profiles profiles.Store // optional
	payouts  PayoutLinker   // optional
	sessions *SessionRegistry
	logger   *slog.Logger
	cfg      Config
	mux      *mux.Router
}

func NewServer(coord *presence.Coordinator, profileStore profiles.Store, linker PayoutLinker, logger *slog.Logger, cfg Config) *Server {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.NearbyDefaultLimit <= 0 {
		cfg.NearbyDefaultLimit = 20
	}
	s := &Server{
		coord:    coord,
		profiles: profileStore,
		payouts:  linker,
		sessions: NewSessionRegistry(logger),
		logger:   logger,
		cfg:      cfg,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/online", s.handleGoOnline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/location", s.handleUpdateLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/ride/start", s.handleStartRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/ride/end", s.handleEndRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offline", s.handleGoOffline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearby).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/profile", s.handleUpsertProfile).Methods("PUT")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/profile", s.handleGetProfile).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/payout-link", s.handlePayoutLink).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) storeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.StoreTimeout)
}

type goOnlineRequest struct {
	Profile  models.DriverPresence `json:"profile"`
	Location models.Coordinates    `json:"location"`
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var req goOnlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Profile.DriverID = driverID

	ctx, cancel := s.storeCtx(r)
	defer cancel()

	// A thin client may go online with just a location; the durable
	// profile fills in the rest when available.
	if req.Profile.Name == "" && s.profiles != nil {
		if prof, ok, err := s.profiles.Get(ctx, driverID); err == nil && ok {
			req.Profile = presenceFromProfile(prof)
		}
	}

	if err := s.coord.GoOnline(ctx, req.Profile, req.Location); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "online"})
}

type heartbeatRequest struct {
	Context string `json:"context"`
}

func leaseContextFromString(v string) liveness.LeaseContext {
	if v == "ride" || v == "in_ride" {
		return liveness.ContextRide
	}
	return liveness.ContextIdle
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var req heartbeatRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means idle
	}
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	if err := s.coord.Heartbeat(ctx, driverID, leaseContextFromString(req.Context)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var loc models.Coordinates
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	if err := s.coord.UpdateLocation(ctx, driverID, loc); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	res, err := s.coord.StartRide(ctx, driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeTransition(w, res)
}

type endRideRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var req endRideRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // location is optional
	}
	var loc *models.Coordinates
	if req.Latitude != nil && req.Longitude != nil {
		loc = &models.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}
	}
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	res, err := s.coord.EndRide(ctx, driverID, loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeTransition(w, res)
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	if err := s.coord.GoOffline(ctx, driverID); err != nil {
		s.writeError(w, err)
		return
	}
	s.sessions.Notify(driverID, Notice{Type: "offline"})
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "offline"})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("longitude"), 64)
	radius, errRad := strconv.ParseFloat(q.Get("radius_km"), 64)
	if errLat != nil || errLon != nil || errRad != nil {
		http.Error(w, "latitude, longitude and radius_km are required", http.StatusBadRequest)
		return
	}
	limit := s.cfg.NearbyDefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	previews, err := s.coord.FindNearbyIdleDrivers(ctx, models.Coordinates{Latitude: lat, Longitude: lon}, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if previews == nil {
		previews = []models.DriverPreview{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drivers": previews})
}

func (s *Server) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		http.Error(w, "profile store not configured", http.StatusNotImplemented)
		return
	}
	driverID := mux.Vars(r)["driver_id"]
	var prof models.DriverProfile
	if err := json.NewDecoder(r.Body).Decode(&prof); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prof.DriverID = driverID
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	if err := s.profiles.Upsert(ctx, prof); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil {
		http.Error(w, "profile store not configured", http.StatusNotImplemented)
		return
	}
	driverID := mux.Vars(r)["driver_id"]
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	prof, ok, err := s.profiles.Get(ctx, driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, prof)
}

func (s *Server) handlePayoutLink(w http.ResponseWriter, r *http.Request) {
	if s.profiles == nil || s.payouts == nil {
		http.Error(w, "payouts not configured", http.StatusNotImplemented)
		return
	}
	driverID := mux.Vars(r)["driver_id"]
	ctx, cancel := s.storeCtx(r)
	defer cancel()
	prof, ok, err := s.profiles.Get(ctx, driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	accountID := prof.StripeID
	if accountID == "" {
		accountID, err = s.payouts.EnsureAccount(ctx, prof.Email)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	url, err := s.payouts.OnboardingLink(ctx, accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.profiles.SetPayoutLink(ctx, driverID, accountID, url); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stripe_id": accountID, "stripe_link_url": url})
}

func (s *Server) writeTransition(w http.ResponseWriter, res presence.TransitionResult) {
	body := map[string]any{"status": "ok"}
	if res.AlreadyInState {
		body["status"] = "already_in_state"
	}
	if res.Degraded {
		body["degraded"] = true
	}
	if res.SpatialEntry != nil {
		body["location"] = res.SpatialEntry
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// writeError maps the presence error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var degraded *presence.DegradedError
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinates):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, presence.ErrUnknownDriver):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &degraded):
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":        "degraded",
			"op":           degraded.Op,
			"inconsistent": degraded.Inconsistent,
		})
	case errors.Is(err, storage.ErrTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, storage.ErrUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func presenceFromProfile(p models.DriverProfile) models.DriverPresence {
	return models.DriverPresence{
		DriverID:       p.DriverID,
		DriverNumber:   p.DriverNumber,
		Name:           p.Name,
		VehicleModel:   p.VehicleModel,
		VehicleNumber:  p.VehicleNumber,
		DriverPhoto:    p.DriverPhoto,
		Rating:         p.Rating,
		CancelledRides: p.CancelledRides,
		StripeID:       p.StripeID,
		StripeLinkURL:  p.StripeLinkURL,
	}
}
