package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"clinicgen/internal/http/handlers"
	"clinicgen/internal/infra"
	"clinicgen/internal/middleware"
)

type Options struct {
	Logger          *infra.Logger
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	r.Get("/v1/options", app.Options)
	r.Get("/v1/gallery/*", app.GalleryImage)

	r.Route("/v1/batches", func(r chi.Router) {
		r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/", app.CreateBatch)
		r.Route("/current", func(r chi.Router) {
			r.Get("/", app.GetBatch)
			r.Delete("/", app.DeleteBatch)
			r.Get("/archive", app.Archive)
			r.Get("/gallery", app.GalleryItems)
			r.Route("/slots/{index}", func(r chi.Router) {
				r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/regenerate", app.RegenerateSlot)
				r.Post("/select", app.SelectSlot)
				r.Get("/image", app.SlotImage)
				r.Post("/export", app.ExportSlot)
			})
		})
	})

	return r
}
