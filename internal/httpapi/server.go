// Package httpapi is the local HTTP bridge the UI talks to: commands go in as
// REST calls, state comes back over a server-sent event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-sync/internal/chat"
	"github.com/example/ride-sync/internal/engine"
	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/offers"
	"github.com/example/ride-sync/internal/ride"
)

// Engine is what the bridge drives. All methods are safe to call from any
// goroutine.
type Engine interface {
	Health(ctx context.Context) (engine.Health, error)
	SetAvailable(ctx context.Context, available bool) error
	Offers(ctx context.Context) ([]models.PendingOffer, error)
	AcceptOffer(ctx context.Context, rideID string) error
	DismissOffer(ctx context.Context, rideID string) error
	SubscribeRide(ctx context.Context, rideID string) error
	LeaveRide(ctx context.Context) error
	CancelRide(ctx context.Context, reason string) error
	CurrentRide(ctx context.Context) (models.Ride, bool, error)
	OpenChat(ctx context.Context, conversationID string) error
	LeaveChat(ctx context.Context) error
	SendMessage(ctx context.Context, text string) (models.Message, error)
	RetryMessage(ctx context.Context, localID string) (models.Message, error)
	Typing(ctx context.Context) error
	Messages(ctx context.Context) (string, []models.Message, error)
	Unread(ctx context.Context) (int, error)
	ReportLocation(ctx context.Context, loc models.Location) error
}

type Server struct {
	eng       Engine
	feed      *Feed
	mux       *mux.Router
	logger    *slog.Logger
	callLimit time.Duration
	keepalive time.Duration
}

func NewServer(eng Engine, feed *Feed, logger *slog.Logger) *Server {
	s := &Server{
		eng:       eng,
		feed:      feed,
		mux:       mux.NewRouter(),
		logger:    logger.With("component", "httpapi"),
		callLimit: 5 * time.Second,
		keepalive: 15 * time.Second,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/availability", s.handleAvailability).Methods("PUT")
	api.HandleFunc("/offers", s.handleOffers).Methods("GET")
	api.HandleFunc("/offers/{ride_id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/offers/{ride_id}/dismiss", s.handleDismissOffer).Methods("POST")
	api.HandleFunc("/rides/current", s.handleCurrentRide).Methods("GET")
	api.HandleFunc("/rides/current", s.handleLeaveRide).Methods("DELETE")
	api.HandleFunc("/rides/current/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/subscribe", s.handleSubscribeRide).Methods("POST")
	api.HandleFunc("/chat/current", s.handleLeaveChat).Methods("DELETE")
	api.HandleFunc("/chat/current/messages", s.handleMessages).Methods("GET")
	api.HandleFunc("/chat/current/messages", s.handleSend).Methods("POST")
	api.HandleFunc("/chat/current/messages/{local_id}/retry", s.handleRetry).Methods("POST")
	api.HandleFunc("/chat/current/typing", s.handleTyping).Methods("POST")
	api.HandleFunc("/chat/{conversation_id}/open", s.handleOpenChat).Methods("POST")
	api.HandleFunc("/unread", s.handleUnread).Methods("GET")
	api.HandleFunc("/location", s.handleLocation).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.callLimit)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	h, err := s.eng.Health(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type availabilityRequest struct {
	Available *bool `json:"available"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if err := decode(r, &req); err != nil || req.Available == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"available\": bool}")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.SetAvailable(ctx, *req.Available); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	list, err := s.eng.Offers(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.AcceptOffer(ctx, mux.Vars(r)["ride_id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDismissOffer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.DismissOffer(ctx, mux.Vars(r)["ride_id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribeRide(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.SubscribeRide(ctx, mux.Vars(r)["ride_id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCurrentRide(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	current, ok, err := s.eng.CurrentRide(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no ride loaded")
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleLeaveRide(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.LeaveRide(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.CancelRide(ctx, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.OpenChat(ctx, mux.Vars(r)["conversation_id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeaveChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.LeaveChat(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	conv, msgs, err := s.eng.Messages(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if conv == "" {
		s.fail(w, r, chat.ErrNotOpen)
		return
	}
	writeJSON(w, http.StatusOK, engine.Conversation{ConversationID: conv, Messages: msgs})
}

type sendRequest struct {
	Text string `json:"text"`
}

// handleSend answers 202 with the pending message. A message kept as failed
// because the socket is down is still returned, with 503.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	m, err := s.eng.SendMessage(ctx, req.Text)
	if errors.Is(err, chat.ErrNotConnected) && m.LocalID != "" {
		writeJSON(w, http.StatusServiceUnavailable, m)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	m, err := s.eng.RetryMessage(ctx, mux.Vars(r)["local_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.Typing(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	n, err := s.eng.Unread(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type locationRequest struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Heading float64  `json:"heading"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(r, &req); err != nil || req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	if *req.Lat < -90 || *req.Lat > 90 || *req.Lon < -180 || *req.Lon > 180 {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	loc := models.Location{Coord: models.Coord{Lat: *req.Lat, Lon: *req.Lon}, Heading: req.Heading}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.ReportLocation(ctx, loc); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams the UI feed as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			b, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", "type", ev.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, offers.ErrUnknownOffer), errors.Is(err, chat.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotFulfiller), errors.Is(err, engine.ErrSuspended):
		return http.StatusForbidden
	case errors.Is(err, offers.ErrCategoryMismatch), errors.Is(err, offers.ErrInactive),
		errors.Is(err, ride.ErrNotSubscribed), errors.Is(err, ride.ErrRideFinished),
		errors.Is(err, chat.ErrNotOpen):
		return http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotConnected), errors.Is(err, offers.ErrNotConnected),
		errors.Is(err, ride.ErrNotConnected), errors.Is(err, chat.ErrNotConnected),
		errors.Is(err, eventloop.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
