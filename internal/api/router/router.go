package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/dispatch-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/dispatch-engine/internal/http/middleware"
	"github.com/wolfman30/dispatch-engine/internal/voice"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger   *logging.Logger
	Voice    *voice.Handler
	Operator *handlers.OperatorHandler

	AgentJWTSecret   string
	AgentStaticToken string
	AdminAuthSecret  string
	RateLimitRPS     float64
	RateLimitBurst   int

	MetricsHandler http.Handler
	// Ready reports dependency health for /ready. Nil means always ready.
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints (health checks, metrics)
	r.Group(func(public chi.Router) {
		public.Get("/health", health)
		public.Get("/ready", ready(cfg.Ready))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Voice agent tools (bearer JWT or static token, rate limited per IP)
	if cfg.Voice != nil {
		r.Route("/v1", func(v1 chi.Router) {
			if cfg.RateLimitRPS > 0 {
				v1.Use(httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
			}
			v1.Use(httpmiddleware.AgentAuth(cfg.AgentJWTSecret, cfg.AgentStaticToken))
			v1.Use(middleware.Timeout(30 * time.Second))
			v1.Mount("/", cfg.Voice.Routes())
		})
	}

	// Operator routes (protected by a separate HMAC JWT)
	if cfg.Operator != nil && cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AgentAuth(cfg.AdminAuthSecret, ""))
			admin.Mount("/", cfg.Operator.Routes())
		})
	}

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func ready(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "unavailable")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ok")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
