package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/freyrads/ssplus-cache-me/internal/config"
	"github.com/freyrads/ssplus-cache-me/internal/logging"
)

// Router builds the chi.Mux serving the HTTP surface: the cache endpoints,
// CORS preflight handling configured from cfg, and a /metrics endpoint for
// reg. The middleware stack (RequestID, Recoverer, RealIP, then the
// request-logging wrapper) follows autobrr-qui's router.go ordering.
func Router(a *API, cfg *config.Config, reg prometheus.Gatherer, log *zap.Logger) http.Handler {
	if cfg.WithSSL {
		log.Warn("with_ssl is set but TLS is not implemented; serving plain HTTP")
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTPMiddleware(log))

	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return a.originAllowed(origin)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions, http.MethodHead},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		MaxAge:           cfg.CORSMaxAge,
		AllowCredentials: false,
	}))

	r.Route("/cache", func(r chi.Router) {
		r.Post("/", a.HandleSet)
		r.Post("/get-or-set", a.HandleGetOrSet)
		r.Get("/{key}", a.HandleGet)
		r.Delete("/{key}", a.HandleDelete)
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, log, http.StatusNotFound, "no such route")
	})

	return r
}
