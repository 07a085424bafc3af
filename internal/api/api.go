// Package api serves the tracker's read projections and the subscription
// registry over JSON/HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/model"
)

const (
	defaultHistoryMinutes = 60
	maxHistoryMinutes     = 24 * 60
)

type Store interface {
	ActiveVehicles(ctx context.Context) ([]model.Vehicle, error)
	VehicleByNumber(ctx context.Context, number string) (*model.Vehicle, error)
	Route(ctx context.Context, id int64) (*model.Route, error)
	Stop(ctx context.Context, id int64) (*model.Stop, error)
	Prediction(ctx context.Context, key model.PredictionKey) (*model.ETAPrediction, error)
	ArrivalsForStop(ctx context.Context, stopID int64, after time.Time) ([]model.Arrival, error)
	UpsertSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	SetPushToken(ctx context.Context, userID int64, token string) error
}

type History interface {
	History(ctx context.Context, vehicle string, since, until time.Time) ([]model.TelemetrySample, error)
}

type Handler struct {
	store   Store
	history History
	clock   clock.Clock
	log     zerolog.Logger
}

func New(store Store, history History, clk clock.Clock, log zerolog.Logger) *Handler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Handler{store: store, history: history, clock: clk, log: log}
}

// Router mounts every endpoint under /api/v1 plus /healthz.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/vehicles", h.ListVehicles)
		r.Get("/vehicles/{number}/telemetry", h.VehicleTelemetry)
		r.Get("/stops/{stopID}/arrivals", h.StopArrivals)
		r.Get("/routes/{routeID}", h.GetRoute)
		r.Post("/subscriptions", h.CreateSubscription)
		r.Delete("/subscriptions/{id}", h.DeleteSubscription)
		r.Put("/users/{id}/push-token", h.SetPushToken)
	})
	return r
}

// NewServer wraps handler in an http.Server listening on addr.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// storeError maps a store failure to a response; unknown entities are 404.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	h.log.Error().Err(err).Str("path", r.URL.Path).Msg("store query")
	writeError(w, http.StatusInternalServerError, "store_error", "")
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}
