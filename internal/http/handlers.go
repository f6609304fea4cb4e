package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/accessible-dispatch/internal/dispatch"
	"github.com/example/accessible-dispatch/internal/geo"
	"github.com/example/accessible-dispatch/internal/ingest"
	"github.com/example/accessible-dispatch/internal/matcher"
	"github.com/example/accessible-dispatch/internal/models"
)

// LocationPublisher forwards fixes to the location stream instead of
// applying them inline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

type Options struct {
	Engine    *matcher.Service
	Regions   *geo.Index
	WS        *dispatch.WSRegistry
	Locations LocationPublisher
	// Ready reports whether backing services are reachable.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	engine    *matcher.Service
	regions   *geo.Index
	ws        *dispatch.WSRegistry
	locations LocationPublisher
	ready     func(ctx context.Context) error
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    opts.Engine,
		regions:   opts.Regions,
		ws:        opts.WS,
		locations: opts.Locations,
		ready:     opts.Ready,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/assign", s.handleAssign).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/driver-cancel", s.handleDriverCancel).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/{action}", s.handleOrderAction).Methods(http.MethodPost)

	api.HandleFunc("/offers/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/expire", s.handleExpire).Methods(http.MethodPost)

	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/offline", s.handleGoOffline).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/{action}", s.handleDriverAction).Methods(http.MethodPost)

	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handlePutConfig).Methods(http.MethodPut)
	api.HandleFunc("/regions/{id}", s.handlePutRegion).Methods(http.MethodPut)

	s.mux.HandleFunc("/internal/driver/locations", s.handleLocationIngest).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/sweeps/offers", s.handleSweepOffers).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/sweeps/no-shows", s.handleSweepNoShows).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body into v. An empty body is not an error.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err)
	}
	return nil
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var in matcher.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err))
		return
	}
	o, err := s.engine.CreateOrder(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.AssignOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", matcher.ErrInvalidInput))
			return
		}
		limit = n
	}
	cands, err := s.engine.GetScoredCandidates(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.engine.CancelOrder(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.DriverCancel(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleOrderAction drives the remaining lifecycle transitions.
func (s *Server) handleOrderAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	var body reasonBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	var (
		o   models.Order
		err error
	)
	switch vars["action"] {
	case "submit":
		o, err = s.engine.SubmitOrder(ctx, id)
	case "route":
		o, err = s.engine.RouteForDispatcher(ctx, id, body.Reason)
	case "approve":
		o, err = s.engine.ApproveOrder(ctx, id)
	case "reject":
		o, err = s.engine.RejectOrder(ctx, id, body.Reason)
	case "start-pickup":
		o, err = s.engine.StartPickup(ctx, id)
	case "arrive":
		o, err = s.engine.ArriveAtPickup(ctx, id)
	case "start-ride":
		o, err = s.engine.StartRide(ctx, id)
	case "complete":
		o, err = s.engine.CompleteRide(ctx, id)
	case "no-show":
		o, err = s.engine.MarkNoShow(ctx, id)
	case "incident":
		o, err = s.engine.ReportIncident(ctx, id, body.Reason)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.AcceptOffer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.DeclineOffer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ExpireOffer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var p matcher.DriverProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err))
		return
	}
	d, err := s.engine.RegisterDriver(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	d, res, err := s.engine.GoOffline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver": d, "rematch": res})
}

func (s *Server) handleDriverAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	var (
		d   models.Driver
		err error
	)
	switch vars["action"] {
	case "online":
		d, err = s.engine.GoOnline(r.Context(), id)
	case "pause":
		d, err = s.engine.Pause(r.Context(), id)
	case "resume":
		d, err = s.engine.Resume(r.Context(), id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type locationBody struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"at"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err))
		return
	}
	if body.At.IsZero() {
		body.At = time.Now().UTC()
	}
	fix := models.Fix{Coord: models.Coord{Lat: body.Lat, Lon: body.Lon}, At: body.At}
	d, err := s.engine.UpdateLocation(r.Context(), mux.Vars(r)["id"], fix)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleLocationIngest accepts raw location messages from driver apps. With a
// location stream configured they are queued for the consumer, otherwise
// applied inline.
func (s *Server) handleLocationIngest(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err))
		return
	}
	u, err := ingest.DecodeLocation(raw, time.Now().UTC())
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err))
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			s.logger.Error("publish location failed", "driver_id", u.DriverID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "location stream unavailable"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, err := s.engine.UpdateLocation(r.Context(), u.DriverID, u.Fix()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.Store.ActiveConfig(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.DispatchConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err))
		return
	}
	if err := cfg.Validate(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err))
		return
	}
	if err := s.engine.Store.SetActiveConfig(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutRegion(w http.ResponseWriter, r *http.Request) {
	if s.regions == nil {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Polygon []models.Coord `json:"polygon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", matcher.ErrInvalidInput, err))
		return
	}
	id := models.RegionID(mux.Vars(r)["id"])
	if !s.regions.Upsert(id, body.Polygon) {
		s.writeError(w, r, fmt.Errorf("%w: polygon needs at least 3 vertices", matcher.ErrInvalidInput))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweepOffers(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.SweepExpiredOffers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (s *Server) handleSweepNoShows(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.SweepNoShows(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		http.NotFound(w, r)
		return
	}
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response
		return
	}
	s.ws.Add(id, conn)
	go func() {
		defer func() {
			s.ws.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("ws read ended", "driver_id", id, "error", err)
				}
				return
			}
		}
	}()
}

func newID() string { return uuid.NewString() }
