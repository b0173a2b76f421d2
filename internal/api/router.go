// Package api exposes ConfVault over HTTP: authentication, tag, credential,
// device and job management, plus manual job triggering and run history.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/confvault/confvault/internal/auth"
	"github.com/confvault/confvault/internal/channels"
	"github.com/confvault/confvault/internal/config"
	"github.com/confvault/confvault/internal/middleware"
	"github.com/confvault/confvault/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// ScheduleReloader re-syncs cron entries after a job definition changes.
type ScheduleReloader interface {
	Reload(ctx context.Context) error
}

// Handlers holds the API's collaborators.
type Handlers struct {
	store     *store.Store
	auth      *auth.Service
	events    *channels.EventChannels
	scheduler ScheduleReloader
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewHandlers wires the handler set. scheduler may be nil when no scheduler
// is running.
func NewHandlers(st *store.Store, authService *auth.Service, events *channels.EventChannels, scheduler ScheduleReloader, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:     st,
		auth:      authService,
		events:    events,
		scheduler: scheduler,
		validate:  validator.New(),
		logger:    logger.With("component", "api"),
	}
}

// NewRouter builds the chi router with the full middleware chain and all
// routes mounted.
func NewRouter(h *Handlers, cfg *config.Config, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	if cfg.CORS.Enabled {
		r.Use(middleware.CORS(
			cfg.CORS.AllowedOrigins,
			cfg.CORS.AllowedMethods,
			cfg.CORS.AllowedHeaders,
			cfg.CORS.MaxAgeSeconds,
		))
	}

	r.Get("/health", h.Health)
	r.Post("/api/v1/auth/login", h.Login)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(h.auth))

		r.Route("/tags", func(r chi.Router) {
			r.Get("/", h.ListTags)
			r.Post("/", h.CreateTag)
			r.Get("/{id}", h.GetTag)
			r.Delete("/{id}", h.DeleteTag)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", h.ListCredentials)
			r.Post("/", h.CreateCredential)
			r.Get("/{id}", h.GetCredential)
			r.Put("/{id}", h.UpdateCredential)
			r.Delete("/{id}", h.DeleteCredential)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", h.ListDevices)
			r.Post("/", h.CreateDevice)
			r.Get("/{id}", h.GetDevice)
			r.Put("/{id}", h.UpdateDevice)
			r.Delete("/{id}", h.DeleteDevice)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.CreateJob)
			r.Get("/{id}", h.GetJob)
			r.Put("/{id}", h.UpdateJob)
			r.Delete("/{id}", h.DeleteJob)
			r.Post("/{id}/run", h.RunJob)
			r.Get("/{id}/runs", h.ListJobRuns)
		})

		r.Get("/runs/{id}", h.GetRun)
	})

	return r
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
