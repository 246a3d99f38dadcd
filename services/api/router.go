package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/config", a.handleConfig)
		r.Get("/blueprints", a.handleListBlueprints)
		r.Get("/blueprints/{slug}", a.handleGetBlueprint)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))
			r.Post("/blueprints", a.handleCreateBlueprint)
			r.Post("/blueprints/{slug}/sync", a.handleSyncBlueprint)
		})
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.config.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.config.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
