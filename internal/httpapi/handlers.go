package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/arbiter"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/ledger"
	"github.com/example/trip-dispatch/internal/lifecycle"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/storage"
)

type Server struct {
	Store    storage.Store
	Ledger   *ledger.Coordinator
	Engine   *dispatch.Engine
	Arbiter  *arbiter.Arbiter
	Machine  *lifecycle.Machine
	Registry *notify.Registry
	Events   notify.Publisher
	Geo      geo.Registry
	Kafka    *ingest.KafkaProducer

	// runCtx outlives individual requests; dispatch runs started by a
	// handler must not die with the request context.
	runCtx context.Context
	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(runCtx context.Context, store storage.Store, led *ledger.Coordinator, eng *dispatch.Engine, arb *arbiter.Arbiter, machine *lifecycle.Machine, reg *notify.Registry, events notify.Publisher, g geo.Registry, kp *ingest.KafkaProducer, logger *slog.Logger) *Server {
	s := &Server{
		Store:    store,
		Ledger:   led,
		Engine:   eng,
		Arbiter:  arb,
		Machine:  machine,
		Registry: reg,
		Events:   events,
		Geo:      g,
		Kafka:    kp,
		runCtx:   runCtx,
		mux:      mux.NewRouter(),
		logger:   logger,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/respond", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/status", s.handleStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/share", s.handleShare).Methods("POST")
	s.mux.HandleFunc("/api/v1/track/{token}", s.handleTrack).Methods("GET")
	s.mux.HandleFunc("/internal/worker/locations", s.handleWorkerLocation).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Message: msg})
}

// writeError maps store sentinels onto the stable wire codes callers
// key on.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInsufficientBalance):
		writeCode(w, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, storage.ErrActiveTripExists):
		writeCode(w, http.StatusConflict, "ACTIVE_TRIP_CONFLICT", err.Error())
	case errors.Is(err, storage.ErrTripNotFound), errors.Is(err, storage.ErrTokenNotFound):
		writeCode(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, storage.ErrOfferExpired):
		writeCode(w, http.StatusConflict, "OFFER_EXPIRED", err.Error())
	case errors.Is(err, storage.ErrAlreadyAssigned):
		writeCode(w, http.StatusConflict, "ALREADY_ASSIGNED", err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		writeCode(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeCode(w, http.StatusServiceUnavailable, "STORE_CONFLICT", "temporary contention, retry")
	default:
		writeCode(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// identity pulls the authenticated caller from headers. Auth itself is
// terminated upstream; the gateway forwards the verified identity.
func identity(r *http.Request) (userID, role string) {
	return r.Header.Get("X-User-ID"), r.Header.Get("X-User-Role")
}

type createTripRequest struct {
	Pickup         models.Coord `json:"pickup"`
	PickupAddress  string       `json:"pickup_address"`
	Dropoff        models.Coord `json:"dropoff"`
	DropoffAddress string       `json:"dropoff_address"`
	VehicleType    string       `json:"vehicle_type"`
	PaymentMethod  string       `json:"payment_method"`
	ScheduledAt    *time.Time   `json:"scheduled_at,omitempty"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	userID, _ := identity(r)
	if userID == "" {
		writeCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-User-ID")
		return
	}
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	trip, err := s.Ledger.CreateTrip(r.Context(), ledger.TripDraft{
		RequesterID:    userID,
		Pickup:         req.Pickup,
		PickupAddress:  req.PickupAddress,
		Dropoff:        req.Dropoff,
		DropoffAddress: req.DropoffAddress,
		VehicleType:    req.VehicleType,
		PaymentMethod:  models.PaymentMethod(req.PaymentMethod),
		ScheduledAt:    req.ScheduledAt,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidRequest) {
			writeCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		// Everything else is a store or processor failure, not the
		// caller's fault.
		writeError(w, err)
		return
	}

	if trip.Status == models.StatusSearching {
		s.Engine.Dispatch(s.runCtx, trip.ID)
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.Store.GetTrip(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.Store.StatusHistory(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": trip, "history": history})
}

type respondRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	workerID, _ := identity(r)
	if workerID == "" {
		writeCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-User-ID")
		return
	}
	tripID := mux.Vars(r)["trip_id"]
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	trip, err := s.Arbiter.Respond(r.Context(), tripID, workerID, arbiter.Decision(req.Decision), req.Reason)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrOfferNotFound):
		// No offer on record for this worker means they were never
		// invited to this trip.
		writeCode(w, http.StatusForbidden, "INELIGIBLE_WORKER", "no offer for this worker")
		return
	case errors.Is(err, arbiter.ErrUnknownDecision):
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	default:
		writeError(w, err)
		return
	}

	if trip == nil { // decline path
		writeJSON(w, http.StatusOK, map[string]any{"trip_id": tripID, "decision": req.Decision})
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := identity(r)
	if userID == "" {
		writeCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-User-ID")
		return
	}
	tripID := mux.Vars(r)["trip_id"]
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	trip, err := s.Engine.Cancel(r.Context(), tripID, userID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

type statusRequest struct {
	Status string `json:"status"`
}

// worker-drivable milestones; everything else goes through dedicated
// endpoints or the dispatcher
var workerMilestones = map[models.TripStatus]bool{
	models.StatusArrivedPickup:  true,
	models.StatusInProgress:     true,
	models.StatusArrivedDropoff: true,
	models.StatusCompleted:      true,
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workerID, _ := identity(r)
	if workerID == "" {
		writeCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-User-ID")
		return
	}
	tripID := mux.Vars(r)["trip_id"]
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	target := models.TripStatus(req.Status)
	if !workerMilestones[target] {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", "status not advanceable by worker")
		return
	}

	current, err := s.Store.GetTrip(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	if current.WorkerID == nil || *current.WorkerID != workerID {
		writeCode(w, http.StatusForbidden, "INELIGIBLE_WORKER", "trip is not assigned to this worker")
		return
	}

	trip, err := s.Machine.Advance(r.Context(), tripID, target, workerID, "")
	if err != nil {
		writeError(w, err)
		return
	}

	if target == models.StatusCompleted {
		// Final fare settles at the estimate; metered adjustments come
		// from a pricing service we do not model here.
		if err := s.Ledger.Settle(r.Context(), trip, trip.EstimatedFare); err != nil {
			s.logger.Error("settlement failed", "trip_id", tripID, "error", err)
		}
	}

	ev := notify.Event{
		Type:   notify.EventTripStatusChanged,
		TripID: tripID,
		Data:   map[string]any{"status": string(target)},
	}
	s.Events.Publish(trip.RequesterID, ev)
	s.Events.Publish(workerID, ev)
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	userID, _ := identity(r)
	if userID == "" {
		writeCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-User-ID")
		return
	}
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.Store.GetTrip(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	if trip.RequesterID != userID {
		writeCode(w, http.StatusForbidden, "FORBIDDEN", "only the requester can share a trip")
		return
	}
	token, err := s.Store.CreateTrackingToken(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"token": token,
		"url":   "/api/v1/track/" + token,
	})
}

// trackView is the sanitized public shape: progress only, no fare,
// payment or identity fields.
type trackView struct {
	Status         models.TripStatus `json:"status"`
	PickupAddress  string            `json:"pickup_address"`
	DropoffAddress string            `json:"dropoff_address"`
	AssignedAt     *time.Time        `json:"assigned_at,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	WorkerLocation *models.Coord     `json:"worker_location,omitempty"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	trip, err := s.Store.TripByTrackingToken(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	view := trackView{
		Status:         trip.Status,
		PickupAddress:  trip.PickupAddress,
		DropoffAddress: trip.DropoffAddress,
		AssignedAt:     trip.AssignedAt,
		StartedAt:      trip.StartedAt,
		CompletedAt:    trip.CompletedAt,
	}
	if trip.WorkerID != nil && !trip.Status.Terminal() {
		if loc, err := s.Store.LatestLocation(r.Context(), *trip.WorkerID); err == nil && loc != nil {
			c := loc.Loc
			view.WorkerLocation = &c
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.WorkerLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if loc.WorkerID == "" {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", "worker_id required")
		return
	}
	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = time.Now().UTC()
	}

	// Kafka is the durable path; the registry and store are updated
	// inline so single-binary deployments work without a consumer.
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.logger.Warn("location publish failed", "worker_id", loc.WorkerID, "error", err)
		}
	}
	if err := s.Geo.Report(r.Context(), loc); err != nil {
		s.logger.Warn("registry report failed", "worker_id", loc.WorkerID, "error", err)
	}
	if err := s.Store.AppendLocation(r.Context(), &loc); err != nil {
		s.logger.Warn("location append failed", "worker_id", loc.WorkerID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, role := identity(r)
	if userID == "" {
		writeCode(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing X-User-ID")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader already wrote the response
	}
	connID := uuid.NewString()
	s.Registry.Register(connID, userID, role, conn)
	s.logger.Info("ws connected", "user_id", userID, "role", role, "conn_id", connID)

	// Inbound frames are ignored; the read loop only detects closure.
	go func() {
		defer s.Registry.Unregister(connID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
