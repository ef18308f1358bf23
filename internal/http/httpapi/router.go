package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/middleware"
)

// Options configures the API router.
type Options struct {
	App             *handlers.App
	Logger          infra.Logger
	Metrics         prometheus.Gatherer
	StaticDir       string
	AllowedOrigins  []string
	RateLimitPerMin int
}

func NewRouter(opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(opts.Logger))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}

	r.Get("/v1/healthz", opts.App.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/variations/batches", func(r chi.Router) {
		r.With(middleware.RateLimit(rateLimit(opts.RateLimitPerMin), time.Minute)).
			Post("/", opts.App.BatchCreate)
		r.Get("/", opts.App.BatchList)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", opts.App.BatchGet)
			r.Post("/cancel", opts.App.BatchCancel)
			r.Get("/logs", opts.App.BatchLogs)
		})
	})

	if opts.StaticDir != "" {
		fs := stdhttp.StripPrefix("/static/", stdhttp.FileServer(stdhttp.Dir(opts.StaticDir)))
		r.Handle("/static/*", fs)
	}

	return r
}

func rateLimit(perMin int) int {
	if perMin < 1 {
		return 30
	}
	return perMin
}
