package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pushdeck/internal/dispatch"
	"pushdeck/internal/notice"
	"pushdeck/internal/queue"
	"pushdeck/internal/registry"
	"pushdeck/internal/store"
)

type Config struct {
	Addr              string
	AuthToken         string
	RequestsPerSecond float64
	Burst             int
}

type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
	disp       *dispatch.Dispatcher
	reg        *registry.Registry
	queue      *queue.Queue
	store      *store.Store
	authToken  string
	limiter    *rate.Limiter
}

func New(cfg Config, disp *dispatch.Dispatcher, reg *registry.Registry, q *queue.Queue, st *store.Store, log zerolog.Logger) *Server {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst < 1 {
		cfg.Burst = 20
	}
	s := &Server{
		log:       log.With().Str("component", "api").Logger(),
		disp:      disp,
		reg:       reg,
		queue:     q,
		store:     st,
		authToken: cfg.AuthToken,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/notify", s.withAuth(s.handleNotify))
	mux.HandleFunc("/api/v1/notifications", s.withAuth(s.handleNotifications))
	mux.HandleFunc("/api/v1/notifications/", s.withAuth(s.handleNotificationByID))
	mux.HandleFunc("/api/v1/events", s.withAuth(s.handleEvents))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("api listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticate(r); err != nil {
			s.log.Warn().Str("ip", clientIP(r)).Str("path", r.URL.Path).Msg("auth failed")
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{
					"code":    "unauthorized",
					"message": err.Error(),
				},
			})
			return
		}
		next(w, r)
	}
}

// authenticate accepts the token either as a bearer header or, for WebSocket
// clients that cannot set headers, as an access_token query parameter.
func (s *Server) authenticate(r *http.Request) error {
	if s.authToken == "" {
		return nil
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return errors.New("missing or invalid bearer token")
		}
		if strings.TrimSpace(parts[1]) == s.authToken {
			return nil
		}
		return errors.New("missing or invalid bearer token")
	}
	if r.URL.Query().Get("access_token") == s.authToken {
		return nil
	}
	return errors.New("missing or invalid bearer token")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{
				"code":    "rate_limited",
				"message": "too many notify requests",
			},
		})
		return
	}

	var req notice.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	// A response-required send holds the request open until a terminal
	// outcome; the client receives exactly one result object.
	result, err := s.disp.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user query parameter is required"})
		return
	}
	includeSeen := r.URL.Query().Get("include_seen") == "true"
	items, err := s.store.ListForRecipient(r.Context(), user, includeSeen)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleNotificationByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/notifications/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "notification id missing"})
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}
		obj, err := s.disp.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obj)
		return
	}

	switch parts[1] {
	case "response":
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}
		var req struct {
			ResponseValue string `json:"response_value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		obj, err := s.disp.SubmitResponse(r.Context(), id, req.ResponseValue)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "success",
			"response_value": obj.Response,
		})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown action"})
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents attaches a WebSocket session to the registry. The connection
// receives live pushes filtered by the requested event names, plus a catch-up
// replay of anything still queued for the user.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user_id query parameter is required"})
		return
	}
	var events []string
	if v := strings.TrimSpace(r.URL.Query().Get("events")); v != "" {
		for _, ev := range strings.Split(v, ",") {
			if ev = strings.TrimSpace(ev); ev != "" {
				events = append(events, ev)
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	wc := &wsConn{conn: conn}
	s.reg.Connect(connID, user, wc, events)
	s.log.Info().Str("conn", connID).Str("user", user).Msg("session attached")

	s.replayUnseen(r.Context(), connID, user)

	// Block on the read side to notice the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.reg.Disconnect(connID)
	s.log.Info().Str("conn", connID).Str("user", user).Msg("session detached")
}

// replayUnseen pushes the user's undelivered queue backlog onto the freshly
// attached connection.
func (s *Server) replayUnseen(ctx context.Context, connID, user string) {
	for _, n := range s.queue.AllForUser(user, false) {
		s.reg.SendToConn(connID, notice.EventNotification, notice.Payload(n))
		s.queue.MarkDelivered(n.ID)
		if err := s.store.MarkDelivered(ctx, n.ID, time.Now().UTC()); err != nil {
			s.log.Warn().Str("notification", n.ID).Err(err).Msg("mark delivered failed during replay")
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *notice.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errBody("validation_failed", verr.Error()))
	case errors.Is(err, dispatch.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errBody("not_found", err.Error()))
	case errors.Is(err, dispatch.ErrOfflineNoDefault):
		writeJSON(w, http.StatusServiceUnavailable, errBody("recipient_offline", err.Error()))
	case errors.Is(err, dispatch.ErrDuplicateResponse):
		writeJSON(w, http.StatusConflict, errBody("duplicate_response", err.Error()))
	case errors.Is(err, dispatch.ErrGraceExceeded):
		writeJSON(w, http.StatusGone, errBody("grace_exceeded", err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, errBody("internal", err.Error()))
	}
}

func errBody(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

func clientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		parts := strings.Split(v, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		return h
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(obj)
}
