package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the bridge API. Everything except /healthz sits behind
// the bearer token when one is configured.
func NewRouter(h *Handler, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "companion"})
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(BearerToken(token))

		r.Post("/v1/chat", h.HandleChat)
		r.Post("/v1/image", h.HandleImage)
		r.Post("/v1/translate", h.HandleTranslate)
		r.Post("/v1/cancel", h.HandleCancel)
		r.Post("/v1/translate/cancel", h.HandleCancelTranslation)

		r.Get("/v1/history", h.HandleHistory)
		r.Delete("/v1/history", h.HandleClearHistory)

		r.Get("/v1/settings", h.HandleGetSettings)
		r.Put("/v1/settings", h.HandleUpdateSettings)

		r.Route("/v1/providers", func(r chi.Router) {
			r.Get("/", h.HandleProviders)
			r.Put("/active", h.HandleSetActive)
			r.Get("/health", h.HandleHealthAll)
			r.Get("/ollama/models", h.HandleLocalModels)
			r.Get("/{type}/config", h.HandleGetConfig)
			r.Put("/{type}/config", h.HandleUpdateConfig)
			r.Put("/{type}/key", h.HandleSaveKey)
			r.Delete("/{type}/key", h.HandleDeleteKey)
			r.Get("/{type}/health", h.HandleHealth)
		})

		r.Get("/v1/usage", h.HandleUsage)
	})

	return r
}
