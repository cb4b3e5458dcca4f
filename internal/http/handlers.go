package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/publish"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

// Deps carries everything the API surface needs; wiring happens in
// cmd/server.
type Deps struct {
	Trips      *trips.Service
	Arbiter    *arbiter.Arbiter
	Store      storage.DispatchStore
	Geo        geo.Index
	Heartbeats *publish.HeartbeatProducer // nil without kafka
	WSReg      *publish.WSRegistry
	Logger     *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: deps.Logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/arrive", s.handleArrive).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/drivers/{driver_id}/approval", s.handleDriverApproval).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{channel}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req trips.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.deps.Trips.CreateTrip(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.deps.Trips.GetTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Actor == "" {
		body.Actor = "rider"
	}
	res, err := s.deps.Trips.CancelTrip(r.Context(), mux.Vars(r)["trip_id"], body.Actor, body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAccept resolves a driver's accept attempt. Losing is a normal
// 200 response with an explicit outcome, never an error status: the
// driver app renders "already taken" from the body.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriverID(w, r)
	if !ok {
		return
	}
	outcome, trip, err := s.deps.Arbiter.Accept(r.Context(), mux.Vars(r)["trip_id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"outcome": outcome}
	if trip != nil {
		resp["trip"] = trip
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriverID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Arbiter.Reject(r.Context(), mux.Vars(r)["trip_id"], driverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriverID(w, r)
	if !ok {
		return
	}
	trip, err := s.deps.Trips.MarkArrived(r.Context(), mux.Vars(r)["trip_id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Code     string `json:"verification_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	trip, err := s.deps.Trips.StartTrip(r.Context(), mux.Vars(r)["trip_id"], body.DriverID, body.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	driverID, ok := decodeDriverID(w, r)
	if !ok {
		return
	}
	trip, err := s.deps.Trips.CompleteTrip(r.Context(), mux.Vars(r)["trip_id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if hb.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if _, err := s.deps.Store.UpsertDriverHeartbeat(r.Context(), hb, time.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Geo.Upsert(r.Context(), hb); err != nil {
		s.logger.Warn("geo upsert failed", "driver_id", hb.DriverID, "error", err)
	}
	if s.deps.Heartbeats != nil {
		if err := s.deps.Heartbeats.PublishHeartbeat(r.Context(), hb); err != nil {
			s.logger.Warn("heartbeat publish failed", "driver_id", hb.DriverID, "error", err)
		}
	}
	if hb.Online {
		observability.DriversOnline.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverApproval flips the back-office approval flag; unapproved
// drivers keep heartbeating but never receive offers.
func (s *Server) handleDriverApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.Store.SetDriverApproval(r.Context(), mux.Vars(r)["driver_id"], body.Approved); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.deps.WSReg.Add(channel, conn)
	// drain reads so the registry learns about disconnects
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.deps.WSReg.Remove(channel, conn)
				_ = conn.Close()
				return
			}
		}
	}()
}

func decodeDriverID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	if body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return "", false
	}
	return body.DriverID, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trips.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidState),
		errors.Is(err, storage.ErrAlreadyTaken),
		errors.Is(err, storage.ErrDriverUnavailable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrOfferExpired),
		errors.Is(err, storage.ErrCodeExpired):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, storage.ErrCodeMismatch):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
