package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/livecall/internal/config"
	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/memory"
	"github.com/antoniostano/livecall/internal/observability"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/antoniostano/livecall/internal/session"
)

// Engine is the call facade driven by the control API. *call.Engine
// implements it.
type Engine interface {
	StartLiveCall(ctx context.Context, p persona.Persona, kind session.Kind) error
	EndLiveCall(ctx context.Context, generateRecap bool) error
	ToggleMicMute() (bool, error)
	ToggleSpeakerMute() (bool, error)
	RequestActivity() error
	SendText(text string) error
	Snapshot() (session.Session, bool)
	State() session.State
	Mute() session.MuteSnapshot
}

type Catalog interface {
	Get(id string) (persona.Persona, error)
	List() []persona.Persona
}

type HistoryReader interface {
	RecentSessions(ctx context.Context, personaID string, limit int) ([]memory.SessionRecord, error)
	RecentTurns(ctx context.Context, personaID string, limit int) ([]memory.TurnRecord, error)
}

type Deps struct {
	Engine  Engine
	Catalog Catalog
	History HistoryReader
	Events  *EventHub
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

type Server struct {
	cfg      config.Config
	engine   Engine
	catalog  Catalog
	history  HistoryReader
	events   *EventHub
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

const defaultHistoryPage = 10

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		engine:  deps.Engine,
		catalog: deps.Catalog,
		history: deps.History,
		events:  deps.Events,
		metrics: deps.Metrics,
		log:     logging.Component(deps.Logger, "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients must come from the same origin unless
				// explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/personas", s.handleListPersonas)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/history/{persona}", s.handleHistory)

	r.Route("/v1/call", func(r chi.Router) {
		r.Get("/", s.handleGetCall)
		r.Post("/", s.handleStartCall)
		r.Post("/end", s.handleEndCall)
		r.Post("/mic", s.handleToggleMic)
		r.Post("/speaker", s.handleToggleSpeaker)
		r.Post("/activity", s.handleActivity)
		r.Post("/text", s.handleText)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"call_state": s.engine.State(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := s.cfg.LiveAPIKey != "" || s.cfg.LiveURL != ""
	status := http.StatusOK
	body := map[string]any{
		"status":        "ready",
		"audio_backend": s.cfg.AudioBackend,
		"history":       historyMode(s.cfg.DatabaseURL),
		"recap_enabled": s.cfg.RecapEnabled,
	}
	if !ready {
		status = http.StatusServiceUnavailable
		body["status"] = "not_ready"
		body["detail"] = "LIVE_API_KEY is not configured"
	}
	respondJSON(w, status, body)
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"personas": s.catalog.List()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Latency())
}

type startCallRequest struct {
	PersonaID string       `json:"persona_id"`
	Kind      session.Kind `json:"kind"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "persona_id is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id := strings.TrimSpace(req.PersonaID)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "persona_id is required")
		return
	}
	if req.Kind == "" {
		req.Kind = session.KindCasual
	}
	p, err := s.catalog.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
		return
	}

	// Ringing outlives the request; the hub and GET /v1/call report progress.
	if err := s.engine.StartLiveCall(context.WithoutCancel(r.Context()), p, req.Kind); err != nil {
		s.respondEngineError(w, err)
		return
	}
	snap, _ := s.engine.Snapshot()
	respondJSON(w, http.StatusAccepted, snap)
}

type endCallRequest struct {
	Recap *bool `json:"recap"`
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	var req endCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	recap := req.Recap == nil || *req.Recap
	if err := s.engine.EndLiveCall(r.Context(), recap); err != nil {
		s.respondEngineError(w, err)
		return
	}
	snap, ok := s.engine.Snapshot()
	if !ok {
		respondError(w, http.StatusNotFound, "no_call", "no call has been placed")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetCall(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.engine.Snapshot()
	if !ok {
		respondError(w, http.StatusNotFound, "no_call", "no call has been placed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"call":  snap,
		"state": s.engine.State(),
		"mute":  s.engine.Mute(),
	})
}

func (s *Server) handleToggleMic(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.engine.ToggleMicMute(); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Mute())
}

func (s *Server) handleToggleSpeaker(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.engine.ToggleSpeakerMute(); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Mute())
}

func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.RequestActivity(); err != nil {
		s.respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.engine.SendText(req.Text); err != nil {
		s.respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "persona"))
	if _, err := s.catalog.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
		return
	}
	limit := defaultHistoryPage
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.history.RecentSessions(r.Context(), id, limit)
	if err != nil {
		s.log.Error().Err(err).Str("persona", id).Msg("load recent sessions")
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	turns, err := s.history.RecentTurns(r.Context(), id, limit*4)
	if err != nil {
		s.log.Error().Err(err).Str("persona", id).Msg("load recent turns")
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"persona_id": id,
		"sessions":   sessions,
		"turns":      turns,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event stream not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.events.Serve(r.Context(), conn, s.engine.State(), s.engine.Mute())
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("call request failed")
	}
	respondError(w, status, code, reliability.Status(err))
}

func statusFor(err error) (int, string) {
	if errors.Is(err, persona.ErrNotFound) {
		return http.StatusNotFound, "persona_not_found"
	}
	switch reliability.KindOf(err) {
	case reliability.KindState:
		return http.StatusConflict, "invalid_state"
	case reliability.KindSetup:
		return http.StatusBadRequest, "setup_failed"
	case reliability.KindConnection, reliability.KindProtocol:
		return http.StatusBadGateway, "live_unavailable"
	case reliability.KindDevice:
		return http.StatusServiceUnavailable, "device_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func historyMode(databaseURL string) string {
	if strings.TrimSpace(databaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
