package handlers

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/groovybytes/dashauth"
	"github.com/groovybytes/dashauth/middleware"
)

// Handler serves the authentication routes of the dashboard.
type Handler struct {
	engine  *dashauth.Engine
	log     *zap.Logger
	metrics http.Handler
}

// NewHandler creates a Handler. metrics may be nil to omit /metrics.
func NewHandler(engine *dashauth.Engine, log *zap.Logger, metrics http.Handler) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:  engine,
		log:     log.Named("http"),
		metrics: metrics,
	}
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, h.requestContext, chimw.Recoverer)
	h.AuthRoutes(r)
	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

// AuthRoutes registers the /api/auth endpoints on r.
func (h *Handler) AuthRoutes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Get("/redirect", h.Callback)
		r.Get("/logout", h.Logout)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireSession(h.engine))
			r.Get("/session", h.Session)
			r.Post("/logout-all", h.LogoutAll)
		})
		r.Get("/{slug}", h.Initiate)
	})
}

// requestContext copies the client address and chi request id into the
// context values read by the engine.
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := dashauth.WithClientIP(r.Context(), ip)
		if id := chimw.GetReqID(ctx); id != "" {
			ctx = dashauth.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Health answers 204 when the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Health(r.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
