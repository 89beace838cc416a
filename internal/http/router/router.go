package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sessiongate/internal/domain"
	"sessiongate/internal/http/handler"
	"sessiongate/internal/http/middleware"
	"sessiongate/internal/http/response"
)

type Dependencies struct {
	AuthHandler    *handler.AuthHandler
	SessionHandler *handler.SessionHandler
	MonitorHandler *handler.MonitorHandler
	Gate           *middleware.SessionGate
	Logger         *slog.Logger

	CORSOrigins      []string
	APIRateLimitRPM  int
	AuthRateLimitRPM int
	// When set these replace the default in-process limiters, e.g. with
	// redis-backed ones.
	GlobalRateLimiter func(http.Handler) http.Handler
	AuthRateLimiter   func(http.Handler) http.Handler

	// ReadyCheck pings the hard dependencies; nil means always ready.
	ReadyCheck     func(ctx context.Context) error
	EnableOTelHTTP bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.StructuredRequestLogger(dep.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))
	if dep.GlobalRateLimiter != nil {
		r.Use(dep.GlobalRateLimiter)
	} else {
		r.Use(middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute, "api").Middleware())
	}

	authLimiter := dep.AuthRateLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewRateLimiter(dep.AuthRateLimitRPM, time.Minute, "auth").Middleware()
	}
	gate := dep.Gate.Middleware()

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.ReadyCheck != nil {
			if err := dep.ReadyCheck(r.Context()); err != nil {
				response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]string{"error": err.Error()})
				return
			}
		}
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/register", dep.AuthHandler.Register)
			r.With(authLimiter).Post("/login", dep.AuthHandler.Login)
			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFMiddleware)
				r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)
				r.With(gate).Post("/logout", dep.AuthHandler.Logout)
			})
		})

		r.Route("/me", func(r chi.Router) {
			r.Use(gate)
			r.Get("/sessions", dep.SessionHandler.List)
			r.Get("/security", dep.SessionHandler.SecurityStatus)
			r.Group(func(r chi.Router) {
				r.Use(middleware.CSRFMiddleware)
				r.Delete("/sessions/{session_id}", dep.SessionHandler.Revoke)
				r.Post("/sessions/revoke-others", dep.SessionHandler.RevokeOthers)
				r.Patch("/sessions/limit", dep.SessionHandler.UpdateLimit)
			})
		})

		r.Route("/admin/monitoring", func(r chi.Router) {
			r.Use(gate)
			r.Use(middleware.RequireRole(domain.RoleAdmin))
			r.Get("/metrics", dep.MonitorHandler.Metrics)
			r.Get("/alerts", dep.MonitorHandler.Alerts)
			r.Get("/users/{user_id}", dep.MonitorHandler.UserStats)
			r.With(middleware.CSRFMiddleware).Post("/cleanup", dep.MonitorHandler.Cleanup)
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
