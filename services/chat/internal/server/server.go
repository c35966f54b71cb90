package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Hanzala-Shadow/Echo/internal/ratelimit"
	"github.com/Hanzala-Shadow/Echo/internal/servicetoken"
	"github.com/Hanzala-Shadow/Echo/internal/util"
	"github.com/Hanzala-Shadow/Echo/pkg/store"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/app"
	"github.com/gorilla/websocket"
)

// ScopeAdmin grants access to the internal presence API.
const ScopeAdmin = "chat.admin"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// InternalVerifier authenticates the /internal API. Nil disables it.
	InternalVerifier *servicetoken.Verifier
	Origins          *util.OriginPolicy
	TrustedProxies   *util.TrustedProxies
	// HandshakeLimiter bounds WebSocket handshakes per client IP. Nil means
	// unlimited.
	HandshakeLimiter ratelimit.Limiter
}

// Server exposes the WebSocket endpoint and the internal presence API.
type Server struct {
	app              *app.App
	internalVerify   *servicetoken.Verifier
	origins          *util.OriginPolicy
	proxies          *util.TrustedProxies
	handshakeLimiter ratelimit.Limiter
	upgrader         websocket.Upgrader
	mux              *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	origins := cfg.Origins
	if origins == nil {
		origins = util.NewOriginPolicy(nil)
	}
	limiter := cfg.HandshakeLimiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	s := &Server{
		app:              cfg.App,
		internalVerify:   cfg.InternalVerifier,
		origins:          origins,
		proxies:          cfg.TrustedProxies,
		handshakeLimiter: limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.CheckOrigin,
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWebSocket)

	// internal
	s.mux.Handle("/internal/online", s.withInternal(s.handleOnline))
	s.mux.Handle("/internal/users/", s.withInternal(s.handleInternalUser))
	s.mux.Handle("/internal/tokens/revoke", s.withInternal(s.handleRevokeToken))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		s.audit(r, "ws_handshake", "rejected", "reason", "missing token")
		writeError(w, http.StatusUnauthorized, "token is required")
		return
	}
	if !s.allowRate(w, r, s.handshakeLimiter, "too many connection attempts") {
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.Warn("websocket upgrade failed", "err", err, "request_id", util.RequestIDFromRequest(r))
		return
	}
	ctx := r.Context()
	conn, err := s.app.OnConnect(ctx, token, ws)
	if err != nil {
		s.audit(r, "ws_handshake", "rejected", "err", err.Error())
		return
	}
	s.app.Serve(ctx, conn)
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		claims, err := s.internalVerify.VerifyRequest(r, ScopeAdmin)
		if err != nil {
			s.audit(r, "internal_call", "rejected", "err", err.Error())
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.audit(r, "internal_call", "success", "issuer", claims.Issuer, "subject", claims.Subject)
		next(w, r)
	})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ids := s.app.OnlineUserIDs()
	writeJSON(w, http.StatusOK, map[string]any{"user_ids": ids, "count": len(ids)})
}

// handleInternalUser serves POST /internal/users/{id}/disconnect and
// POST /internal/users/{id}/offline.
func (s *Server) handleInternalUser(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/internal/users/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch parts[1] {
	case "disconnect":
		disconnected := s.app.DisconnectUser(r.Context(), userID)
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "disconnected": disconnected})
	case "offline":
		if err := s.app.ForceOfflineStatus(r.Context(), userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			slog.Error("force offline failed", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "could not update presence")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "online_status": false})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type revokeRequest struct {
	Token      string `json:"token"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" || req.TTLSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "token and positive ttl_seconds are required")
		return
	}
	userID, disconnected, err := s.app.RevokeToken(r.Context(), req.Token, time.Duration(req.TTLSeconds)*time.Second)
	switch {
	case errors.Is(err, app.ErrRevocationDisabled):
		writeError(w, http.StatusNotImplemented, "token revocation disabled")
		return
	case err != nil:
		slog.Error("revoke token failed", "err", err, "request_id", util.RequestIDFromRequest(r))
		writeError(w, http.StatusInternalServerError, "could not revoke token")
		return
	}
	s.audit(r, "token_revoke", "success", "user_id", userID, "disconnected", disconnected)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "disconnected": disconnected})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.proxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	s.audit(r, "rate_limit", "rejected")
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.proxies),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
