package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/IvaBojic/GoalGuardian/internal/api/handlers"
	"github.com/IvaBojic/GoalGuardian/internal/api/middleware"
	"github.com/IvaBojic/GoalGuardian/internal/config"
)

// NewRouter creates the HTTP router with all API routes. metrics may be nil.
func NewRouter(cfg *config.Config, h *handlers.Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// The WebSocket upgrade must not pass through the compressor.
	r.Get("/gateway/ws/{patientID}", h.StreamTranscript)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Compress(5))

		// Agents
		r.Route("/agents/{agentName}", func(r chi.Router) {
			r.Post("/begin", h.BeginAgent)
			r.Post("/continue", h.ContinueAgent)
			r.Get("/records/{patientID}", h.GetRecord)
		})

		// Dispatch gateway
		r.Route("/gateway", func(r chi.Router) {
			r.Post("/deliver", h.Deliver)
			r.Post("/route-next", h.RouteNext)
			r.Post("/reply", h.SubmitReply)
			r.Get("/transcripts/{patientID}", h.GetTranscript)
		})

		// Scheduler
		r.Post("/ingest-sessions", h.IngestSessions)
		r.Post("/new_sessions", h.IngestSessions)
		r.Get("/schedule", h.ListSchedule)
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "goalguardian",
		})
	}
}
