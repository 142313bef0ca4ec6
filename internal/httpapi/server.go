package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/rtrelay/internal/auth"
	"github.com/ent0n29/rtrelay/internal/config"
	"github.com/ent0n29/rtrelay/internal/eventlog"
	"github.com/ent0n29/rtrelay/internal/observability"
	"github.com/ent0n29/rtrelay/internal/realtime"
	"github.com/ent0n29/rtrelay/internal/session"
	"github.com/ent0n29/rtrelay/internal/token"
)

// Relay is the message pump the control plane drives.
type Relay interface {
	Serve(ctx context.Context, id string, downstream session.Conn) error
	SendText(ctx context.Context, id, text string) error
	SendAudio(ctx context.Context, id string, pcm []byte) error
}

type ConfigSetter interface {
	SetPending(id string, cfg realtime.SessionConfig) (realtime.SessionConfig, error)
}

type Deps struct {
	Config   config.Config
	Sessions *session.Registry
	Relay    Relay
	Injector ConfigSetter
	Events   eventlog.Store
	Tokens   token.Store
	Auth     auth.Validator
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	relay    Relay
	injector ConfigSetter
	events   eventlog.Store
	tokens   token.Store
	auth     auth.Validator
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		sessions: d.Sessions,
		relay:    d.Relay,
		injector: d.Injector,
		events:   d.Events,
		tokens:   d.Tokens,
		auth:     d.Auth,
		metrics:  d.Metrics,
		logger:   d.Logger.With().Str("component", "httpapi").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits non-browser clients, same-origin pages and the
// configured allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/ws/{id}", s.handleSessionWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.auth, func(w http.ResponseWriter, _ *http.Request) {
			respondError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing bearer token")
		}))

		r.Post("/token", s.handleIssueToken)
		r.Post("/token/validate", s.handleValidateToken)
		r.Get("/stats/latency", s.handleLatencyStats)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleSessionInfo)
			r.Delete("/", s.handleCloseSession)
			r.Post("/config", s.handleSetConfig)
			r.Post("/message", s.handleSendMessage)
			r.Post("/audio", s.handleSendAudio)
			r.Get("/events", s.handleListEvents)
			r.Get("/audio.wav", s.handleAssistantAudio)
		})
	})

	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAnyOrigin {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	}
	return opts
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"active_sessions": s.sessions.ActiveCount(),
		"event_log":       s.events.Backend(),
		"token_store":     s.tokens.Backend(),
	})
}

func (s *Server) handleLatencyStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

// handleSessionWS upgrades the client socket and runs the relay on it until
// either side goes away.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.cfg.RequireSocketToken {
		bound, err := s.tokens.Validate(r.Context(), r.URL.Query().Get("token"))
		if err != nil || bound != id {
			if err != nil && !errors.Is(err, token.ErrInvalid) {
				s.metrics.StoreErrors.WithLabelValues(s.tokens.Backend(), "validate").Inc()
			}
			respondError(w, http.StatusUnauthorized, "invalid_token", "socket token invalid for this session")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(4 << 20)

	if err := s.relay.Serve(r.Context(), id, conn); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("session ended with error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
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

func respondSuccess(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusOK, statusResponse{Status: "success", Message: message})
}
