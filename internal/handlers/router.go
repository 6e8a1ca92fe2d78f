package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"fleetwatch/internal/middleware"
)

type RouterConfig struct {
	Session   Session
	History   HistoryStore
	Optimizer RouteOptimizer
	Viewers   ViewerCounter
	Auth      *middleware.Authenticator
	// WebSocket serves /ws; it authenticates on its own.
	WebSocket http.Handler
	// AllowedOrigins defaults to any origin.
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewRouter wires the viewer API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", Health(cfg.Session, cfg.Viewers))
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.Get("/drivers", GetDrivers(cfg.Session))
		r.Get("/drivers/all", GetAllDrivers(cfg.Session))
		r.Get("/drivers/{id}", GetDriver(cfg.Session))
		r.Get("/drivers/{id}/history", GetDriverHistory(cfg.History, log))

		r.Get("/scope", GetScope(cfg.Session))
		r.Put("/scope", PutScope(cfg.Session, log))
		r.Post("/scope/refresh", RefreshScope(cfg.Session, log))

		r.Put("/filters/status", PutStatusFilter(cfg.Session))
		r.Put("/selection", PutSelection(cfg.Session))

		r.Post("/map/ready", MapReady(cfg.Session))
		r.Get("/map/bounds", GetBounds(cfg.Session))
		r.Get("/status", GetStatus(cfg.Session))

		r.With(chimiddleware.Timeout(60*time.Second)).
			Post("/routes/optimize-preview", OptimizeRoutePreview(cfg.Optimizer, log))
	})

	return r
}
